package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"pocketchat/internal/domain"
	"pocketchat/internal/observability"
)

const defaultStopMargin = 2 * time.Second

// SessionStore is a persisted session's message list.
type SessionStore interface {
	StateStore
	ListMessages(ctx context.Context) ([]domain.Message, error)
	Meta(ctx context.Context) (domain.SessionMeta, bool, error)
}

// SessionOpener returns the store of the named session.
type SessionOpener func(sessionID string) (SessionStore, error)

// ModelLoader yields the profile of the model the engine serves.
type ModelLoader interface {
	Load(ctx context.Context) (*domain.ModelProfile, error)
}

// EngineClient is an engine that also renders chat templates.
type EngineClient interface {
	Engine
	TemplateRenderer
}

type RelayOptions struct {
	FlushInterval time.Duration
	// StopMargin is how long before the request deadline a running
	// generation is stopped so its partial reply can still be saved.
	StopMargin time.Duration
	Strings    Strings
	Logger     *slog.Logger
}

// RelayService runs one session operation per request against a persisted
// session: it reloads history, restores the stop state, drives a Session
// and reports what the operation added.
type RelayService struct {
	sessions SessionOpener
	engine   EngineClient
	models   ModelLoader
	opts     RelayOptions
}

type RelayInput struct {
	SessionID      string
	ConversationID string
	Text           string
}

type RelayOutput struct {
	SessionID      string
	ConversationID string
	// Messages holds the messages added by the operation, or the whole
	// session for Messages.
	Messages    []domain.Message
	StopState   domain.StopState
	CanContinue bool
}

func NewRelayService(sessions SessionOpener, engine EngineClient, models ModelLoader, opts RelayOptions) (*RelayService, error) {
	if sessions == nil {
		return nil, errors.New("usecase: session opener must not be nil")
	}
	if engine == nil {
		return nil, errors.New("usecase: engine client must not be nil")
	}
	if models == nil {
		return nil, errors.New("usecase: model loader must not be nil")
	}
	if opts.StopMargin <= 0 {
		opts.StopMargin = defaultStopMargin
	}
	if opts.Logger == nil {
		opts.Logger = observability.Logger()
	}
	return &RelayService{sessions: sessions, engine: engine, models: models, opts: opts}, nil
}

// relayTurn is a Session rebuilt for one request.
type relayTurn struct {
	sessionID string
	store     SessionStore
	session   *Session
	history   []domain.Message
}

func (s *RelayService) open(ctx context.Context, in RelayInput, allowNew bool) (*relayTurn, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		if !allowNew {
			return nil, newError(ErrorInvalidInput, "missing_session_id", nil)
		}
		sessionID = newID()
	}
	store, err := s.sessions(sessionID)
	if err != nil {
		return nil, newError(ErrorInternal, "open_session", err)
	}
	history, err := store.ListMessages(ctx)
	if err != nil {
		return nil, newError(ErrorInternal, "load_history", err)
	}

	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		meta, found, err := store.Meta(ctx)
		if err != nil {
			return nil, newError(ErrorInternal, "load_session_meta", err)
		}
		if found {
			convID = meta.ConversationID
		}
	}

	log := observability.FromContext(ctx, s.opts.Logger).With("session_id", sessionID)

	// Without a profile the prompt is rendered with the server's defaults.
	model, err := s.models.Load(ctx)
	if err != nil {
		log.Warn("model profile unavailable", "err", err)
		model = nil
	}

	session, err := NewSession(store, NewPromptBuilder(s.engine, fixedModel{model}), SessionConfig{
		Engine:         s.engine,
		Strings:        s.opts.Strings,
		ConversationID: convID,
		FlushInterval:  s.opts.FlushInterval,
		Logger:         log,
	})
	if err != nil {
		return nil, newError(ErrorInternal, "create_session", err)
	}
	session.SyncStopState(history)

	return &relayTurn{sessionID: sessionID, store: store, session: session, history: history}, nil
}

// Send appends a user message and streams the reply.
func (s *RelayService) Send(ctx context.Context, in RelayInput) (RelayOutput, error) {
	if strings.TrimSpace(in.Text) == "" {
		return RelayOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	turn, err := s.open(ctx, in, true)
	if err != nil {
		return RelayOutput{}, err
	}
	release := s.stopBeforeDeadline(ctx, turn.session)
	err = turn.session.Send(ctx, SendInput{Text: in.Text, History: turn.history})
	release()
	return s.collect(ctx, turn, err)
}

// Continue streams a new assistant message after a reply that was cut
// short.
func (s *RelayService) Continue(ctx context.Context, in RelayInput) (RelayOutput, error) {
	turn, err := s.open(ctx, in, false)
	if err != nil {
		return RelayOutput{}, err
	}
	if !turn.session.State().CanContinue(true) {
		return RelayOutput{}, newError(ErrorInvalidInput, "nothing_to_continue", nil)
	}
	release := s.stopBeforeDeadline(ctx, turn.session)
	err = turn.session.Continue(ctx, ContinueInput{History: turn.history})
	release()
	return s.collect(ctx, turn, err)
}

// Reset starts a new conversation within the session.
func (s *RelayService) Reset(ctx context.Context, in RelayInput) (RelayOutput, error) {
	turn, err := s.open(ctx, in, false)
	if err != nil {
		return RelayOutput{}, err
	}
	err = turn.session.ResetConversation(ctx)
	return s.collect(ctx, turn, err)
}

// Messages lists the whole session.
func (s *RelayService) Messages(ctx context.Context, in RelayInput) (RelayOutput, error) {
	turn, err := s.open(ctx, in, false)
	if err != nil {
		return RelayOutput{}, err
	}
	st := turn.session.State()
	return RelayOutput{
		SessionID:      turn.sessionID,
		ConversationID: turn.session.ConversationID(),
		Messages:       turn.history,
		StopState:      st.StopState,
		CanContinue:    st.CanContinue(true),
	}, nil
}

// stopBeforeDeadline stops the session shortly before ctx expires. The
// returned func cancels the watch.
func (s *RelayService) stopBeforeDeadline(ctx context.Context, session *Session) func() {
	watch := ctx
	cancel := context.CancelFunc(func() {})
	if deadline, ok := ctx.Deadline(); ok {
		watch, cancel = context.WithDeadline(ctx, deadline.Add(-s.opts.StopMargin))
	}
	stop := context.AfterFunc(watch, func() {
		session.Stop(context.WithoutCancel(ctx))
	})
	return func() {
		stop()
		cancel()
	}
}

// collect reports what the operation added. Operation errors are returned
// alongside the output so callers can still show the persisted notice.
func (s *RelayService) collect(ctx context.Context, turn *relayTurn, opErr error) (RelayOutput, error) {
	st := turn.session.State()
	out := RelayOutput{
		SessionID:      turn.sessionID,
		ConversationID: turn.session.ConversationID(),
		StopState:      st.StopState,
		CanContinue:    st.CanContinue(true),
	}
	msgs, err := turn.store.ListMessages(context.WithoutCancel(ctx))
	if err != nil {
		if opErr != nil {
			return out, opErr
		}
		return out, newError(ErrorInternal, "load_history", err)
	}
	if len(msgs) > len(turn.history) {
		out.Messages = msgs[len(turn.history):]
	}
	return out, opErr
}

type fixedModel struct {
	profile *domain.ModelProfile
}

func (m fixedModel) ActiveModel() *domain.ModelProfile {
	return m.profile
}
