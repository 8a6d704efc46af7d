package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"pocketchat/internal/cli"
	"pocketchat/internal/domain"
	"pocketchat/internal/integrations/llamaserver"
	"pocketchat/internal/modelconfig"
	"pocketchat/internal/observability"
	"pocketchat/internal/repository/memory"
	"pocketchat/internal/usecase"
)

var (
	engineURL     string
	modelFile     string
	logLevel      string
	flushInterval time.Duration
	historyFile   string
)

var rootCmd = &cobra.Command{
	Use:   "pocketchat",
	Short: "Chat with a local llama.cpp server",
	Long: `pocketchat streams replies from a llama.cpp compatible server.
Type /continue to resume a reply that was cut short, /reset to start a new
conversation and /quit to leave. Ctrl+C stops a running reply.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&engineURL, "engine-url", "http://127.0.0.1:8080", "inference server base URL")
	rootCmd.Flags().StringVarP(&modelFile, "model", "m", "", "model profile (TOML)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.Flags().DurationVar(&flushInterval, "flush-interval", usecase.DefaultFlushInterval, "token coalescing window")
	rootCmd.Flags().StringVar(&historyFile, "history", defaultHistoryFile(), "input history file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	logger := observability.NewJSONLogger(os.Stderr, logLevel)
	observability.SetLogger(logger)

	var profile *domain.ModelProfile
	if modelFile != "" {
		p, err := modelconfig.LoadFile(modelFile)
		if err != nil {
			return err
		}
		profile = p
	}
	catalog := modelconfig.NewCatalog(profile)

	engine, err := llamaserver.NewClient(engineURL)
	if err != nil {
		return err
	}

	out := cli.NewPrinter(cmd.OutOrStdout())
	store := memory.NewMessageStore()
	store.OnChange(out.OnChange)

	session, err := usecase.NewSession(store, usecase.NewPromptBuilder(engine, catalog), usecase.SessionConfig{
		Engine:        engine,
		FlushInterval: flushInterval,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	chat, err := cli.NewChat(session, store, engine, out)
	if err != nil {
		return err
	}
	return repl(context.Background(), chat, out)
}
