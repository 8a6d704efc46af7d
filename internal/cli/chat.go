package cli

import (
	"context"
	"errors"
	"strings"

	"pocketchat/internal/repository/memory"
	"pocketchat/internal/usecase"
)

// Chat is the terminal front end over one Session.
type Chat struct {
	session  *usecase.Session
	store    *memory.MessageStore
	composer *usecase.Composer
	engine   usecase.Engine
	out      *Printer
}

func NewChat(session *usecase.Session, store *memory.MessageStore, engine usecase.Engine, out *Printer) (*Chat, error) {
	if session == nil {
		return nil, errors.New("cli: session must not be nil")
	}
	if store == nil {
		return nil, errors.New("cli: store must not be nil")
	}
	if out == nil {
		return nil, errors.New("cli: printer must not be nil")
	}
	return &Chat{
		session:  session,
		store:    store,
		composer: usecase.NewComposer(usecase.SendWhileEditing, true),
		engine:   engine,
		out:      out,
	}, nil
}

// Handle runs one input line. It returns true when the user asked to quit.
func (c *Chat) Handle(ctx context.Context, line string) (bool, error) {
	switch strings.TrimSpace(line) {
	case "/quit", "/exit":
		return true, nil
	case "/continue":
		if !c.composer.Affordances(c.session.State()).Continue {
			c.out.Println("nothing to continue")
			return false, nil
		}
		err := c.session.Continue(ctx, usecase.ContinueInput{History: c.store.Messages()})
		if usecase.IsCode(err, usecase.ErrorEngineUnavailable) {
			c.out.Println("no engine attached")
			return false, nil
		}
		return false, c.afterGeneration(err)
	case "/reset":
		return false, c.session.ResetConversation(ctx)
	case "/detach":
		c.session.DetachEngine()
		c.out.Println("engine detached")
		return false, nil
	case "/attach":
		c.session.AttachEngine(c.engine)
		c.out.Println("engine attached")
		return false, nil
	case "/prompt":
		c.out.Println(c.session.LastPrompt())
		return false, nil
	}

	c.composer.SetText(line)
	text, ok := c.composer.Submit()
	if !ok {
		return false, nil
	}
	err := c.session.Send(ctx, usecase.SendInput{Text: text, History: c.store.Messages()})
	return false, c.afterGeneration(err)
}

// Stop aborts the running generation.
func (c *Chat) Stop(ctx context.Context) {
	c.session.Stop(ctx)
}

// afterGeneration ends the streamed line and offers continuation. Errors
// the session already reported as a notice are not returned again.
func (c *Chat) afterGeneration(err error) error {
	c.out.Println()
	if c.composer.Affordances(c.session.State()).Continue {
		c.out.Println("(reply cut short, type /continue to resume)")
	}
	var ue *usecase.Error
	if errors.As(err, &ue) && ue.Code != usecase.ErrorInternal && ue.Code != usecase.ErrorBusy {
		return nil
	}
	return err
}
