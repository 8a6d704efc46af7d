package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"pocketchat/internal/domain"
	"pocketchat/internal/repository/memory"
)

func TestPrinter_OnChange(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.OnChange(memory.Change{Kind: memory.MessageAppended, Message: domain.Message{
		Author: domain.Author{Role: domain.RoleUser}, Text: "question",
	}})
	require.Empty(t, buf.String(), "user turns are not echoed")

	p.OnChange(memory.Change{Kind: memory.MessageAppended, Message: domain.Message{
		Author: domain.Author{Role: domain.RoleAssistant}, Text: "Hel",
	}})
	p.OnChange(memory.Change{Kind: memory.MessagePatched, Patch: domain.MessagePatch{AppendText: "lo"}})
	p.Println()
	p.OnChange(memory.Change{Kind: memory.MessageAppended, Message: domain.Message{
		Author:   domain.Author{Role: domain.RoleAssistant},
		Text:     "Conversation reset.",
		Metadata: domain.Metadata{System: true},
	}})

	require.Equal(t, "Hello\n[Conversation reset.]\n", buf.String())
}
