package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"pocketchat/internal/cli"
)

func defaultHistoryFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "pocketchat", "history")
}

// repl reads lines until /quit, Ctrl+C at the prompt or EOF. A Ctrl+C while
// a reply is streaming stops the reply instead.
func repl(ctx context.Context, chat *cli.Chat, out *cli.Printer) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	if f, err := os.Open(historyFile); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
	defer saveHistory(line)

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer func() {
		signal.Stop(interrupts)
		close(interrupts)
	}()
	go stopOnInterrupt(ctx, chat, interrupts)

	for {
		input, err := line.Prompt("> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				out.Println()
			}
			return nil
		}
		if strings.TrimSpace(input) != "" {
			line.AppendHistory(input)
		}

		quit, err := chat.Handle(ctx, input)
		if err != nil {
			out.Println("error:", err)
		}
		if quit {
			return nil
		}
	}
}

// stopOnInterrupt stops the running reply on every signal until signals is
// closed.
func stopOnInterrupt(ctx context.Context, chat *cli.Chat, signals <-chan os.Signal) {
	for range signals {
		chat.Stop(ctx)
	}
}

func saveHistory(line *liner.State) {
	if err := os.MkdirAll(filepath.Dir(historyFile), 0o700); err != nil {
		return
	}
	f, err := os.OpenFile(historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = line.WriteHistory(f)
}
