package memory

import (
	"context"
	"fmt"
	"sync"

	"pocketchat/internal/domain"
	"pocketchat/internal/repository"
)

type ChangeKind int

const (
	MessageAppended ChangeKind = iota
	MessagePatched
)

// Change describes one applied command. Message is the message after the
// change.
type Change struct {
	Kind    ChangeKind
	Message domain.Message
	Patch   domain.MessagePatch
}

// MessageStore keeps one session's messages in process, in append order.
type MessageStore struct {
	mu       sync.RWMutex
	messages []domain.Message
	index    map[domain.MessageKey]int
	onChange func(Change)
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		index: make(map[domain.MessageKey]int),
	}
}

// OnChange registers fn to be called after every append or patch. fn runs
// outside the store lock, in the caller's goroutine.
func (s *MessageStore) OnChange(fn func(Change)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *MessageStore) AppendMessage(_ context.Context, msg domain.Message) error {
	s.mu.Lock()
	key := msg.Key()
	if _, ok := s.index[key]; ok {
		s.mu.Unlock()
		return fmt.Errorf("memory: message %s already exists", key)
	}
	s.index[key] = len(s.messages)
	s.messages = append(s.messages, msg)
	fn := s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn(Change{Kind: MessageAppended, Message: msg})
	}
	return nil
}

func (s *MessageStore) PatchMessage(_ context.Context, key domain.MessageKey, patch domain.MessagePatch) error {
	s.mu.Lock()
	i, ok := s.index[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("memory: patch %s: %w", key, repository.ErrMessageNotFound)
	}
	updated := patch.Apply(s.messages[i])
	s.messages[i] = updated
	fn := s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn(Change{Kind: MessagePatched, Message: updated, Patch: patch})
	}
	return nil
}

// ListMessages returns a copy of the messages, oldest first.
func (s *MessageStore) ListMessages(_ context.Context) ([]domain.Message, error) {
	return s.Messages(), nil
}

func (s *MessageStore) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}
