package usecase

import (
	"strings"
	"sync"
)

// SendVisibility controls when the send affordance is shown.
type SendVisibility string

const (
	// SendWhileEditing shows send only when the draft has non-blank text.
	SendWhileEditing SendVisibility = "editing"
	// SendAlways keeps send visible.
	SendAlways SendVisibility = "always"
)

// Affordances are the actions the view should offer.
type Affordances struct {
	Send     bool
	Stop     bool
	Continue bool
}

// Composer is the input-side view model: it owns the draft text and
// derives which actions are available from the session state.
type Composer struct {
	mode            SendVisibility
	continueHandler bool

	mu    sync.Mutex
	draft string
}

func NewComposer(mode SendVisibility, continueHandler bool) *Composer {
	if mode != SendAlways {
		mode = SendWhileEditing
	}
	return &Composer{mode: mode, continueHandler: continueHandler}
}

func (c *Composer) SetText(text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()
}

func (c *Composer) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Submit returns the trimmed draft and clears it. A blank draft is not
// submitted and is left untouched.
func (c *Composer) Submit() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	text := strings.TrimSpace(c.draft)
	if text == "" {
		return "", false
	}
	c.draft = ""
	return text, true
}

// Affordances derives the visible actions from st.
func (c *Composer) Affordances(st State) Affordances {
	c.mu.Lock()
	hasText := strings.TrimSpace(c.draft) != ""
	c.mu.Unlock()

	return Affordances{
		Send:     c.mode == SendAlways || hasText,
		Stop:     st.CanStop(),
		Continue: st.CanContinue(c.continueHandler),
	}
}
