package cli

import (
	"fmt"
	"io"
	"sync"

	"pocketchat/internal/domain"
	"pocketchat/internal/repository/memory"
)

// Printer streams assistant text and notices to a terminal as the store
// changes. User turns are not echoed.
type Printer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// OnChange is a memory.MessageStore change callback.
func (p *Printer) OnChange(c memory.Change) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case c.Kind == memory.MessageAppended && c.Message.IsNotice():
		fmt.Fprintf(p.w, "[%s]\n", c.Message.Text)
	case c.Kind == memory.MessageAppended && c.Message.Author.Role == domain.RoleAssistant:
		fmt.Fprint(p.w, c.Message.Text)
	case c.Kind == memory.MessagePatched:
		fmt.Fprint(p.w, c.Patch.AppendText)
	}
}

// Println writes a line under the printer's lock.
func (p *Printer) Println(a ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, a...)
}
