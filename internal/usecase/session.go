package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pocketchat/internal/domain"
	"pocketchat/internal/observability"
)

// Engine is the streaming inference capability driven by a Session.
// Completion invokes onToken zero or more times before returning.
type Engine interface {
	ID() string
	Completion(ctx context.Context, params domain.CompletionParams, onToken func(domain.TokenData)) (domain.CompletionResult, error)
	StopCompletion(ctx context.Context) error
}

// StateStore receives the session's message commands. PatchMessage appends
// text and merges metadata; it never replaces either.
type StateStore interface {
	AppendMessage(ctx context.Context, msg domain.Message) error
	PatchMessage(ctx context.Context, key domain.MessageKey, patch domain.MessagePatch) error
}

// Strings are the user-facing notice texts. Callers supply localized values.
type Strings struct {
	ModelNotLoaded    string
	NetworkError      string
	ConversationReset string
}

func DefaultStrings() Strings {
	return Strings{
		ModelNotLoaded:    "Model not loaded. Please load a model first.",
		NetworkError:      "Network error. Please check your connection and try again.",
		ConversationReset: "Conversation reset.",
	}
}

func (s Strings) withDefaults() Strings {
	def := DefaultStrings()
	if s.ModelNotLoaded == "" {
		s.ModelNotLoaded = def.ModelNotLoaded
	}
	if s.NetworkError == "" {
		s.NetworkError = def.NetworkError
	}
	if s.ConversationReset == "" {
		s.ConversationReset = def.ConversationReset
	}
	return s
}

// State is the observable state of a Session.
type State struct {
	Inferencing bool
	StopState   domain.StopState
	LastError   error
}

// CanStop reports whether a stop affordance applies.
func (st State) CanStop() bool {
	return st.Inferencing
}

// CanContinue reports whether a continue affordance applies. Only a
// generation known to have been cut short can be continued.
func (st State) CanContinue(handlerConfigured bool) bool {
	return handlerConfigured && !st.Inferencing && st.StopState == domain.StopCutShort
}

type SessionConfig struct {
	Engine         Engine
	User           domain.Author
	Assistant      domain.Author
	Strings        Strings
	ConversationID string
	FlushInterval  time.Duration
	Clock          Clock
	Logger         *slog.Logger
	Now            func() time.Time
}

type SendInput struct {
	Text    string
	History []domain.Message
}

type ContinueInput struct {
	History []domain.Message
}

// Session manages streamed completions for one conversation view: it
// builds prompts, drives the engine, coalesces tokens into message patches
// and tracks stop/continue eligibility.
type Session struct {
	store     StateStore
	prompts   *PromptBuilder
	user      domain.Author
	assistant domain.Author
	texts     Strings
	logger    *slog.Logger
	now       func() time.Time
	buffer    *TokenBuffer

	mu             sync.Mutex
	engine         Engine
	inferencing    bool
	stopState      domain.StopState
	lastErr        error
	conversationID string
	lastPrompt     string
	current        *generation
}

// generation is one accepted send or continue.
type generation struct {
	ctx      context.Context
	op       operation
	engine   Engine
	key      domain.MessageKey
	prevStop domain.StopState
	stopped  bool
	created  bool
	done     chan struct{}
}

func (g *generation) finished() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

func NewSession(store StateStore, prompts *PromptBuilder, cfg SessionConfig) (*Session, error) {
	if store == nil {
		return nil, errors.New("usecase: state store must not be nil")
	}
	if prompts == nil {
		return nil, errors.New("usecase: prompt builder must not be nil")
	}
	if cfg.User.ID == "" {
		cfg.User = domain.Author{ID: "user", Role: domain.RoleUser}
	}
	if cfg.Assistant.ID == "" {
		cfg.Assistant = domain.Author{ID: "assistant", Role: domain.RoleAssistant}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Logger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	convID := strings.TrimSpace(cfg.ConversationID)
	if convID == "" {
		convID = newID()
	}

	s := &Session{
		store:          store,
		prompts:        prompts,
		user:           cfg.User,
		assistant:      cfg.Assistant,
		texts:          cfg.Strings.withDefaults(),
		logger:         cfg.Logger,
		now:            cfg.Now,
		engine:         cfg.Engine,
		conversationID: convID,
	}
	buffer, err := NewTokenBuffer(s.deliver, cfg.FlushInterval, cfg.Clock)
	if err != nil {
		return nil, err
	}
	s.buffer = buffer
	s.buffer.OnDeliveryError(func(key domain.MessageKey, err error) {
		s.logger.Warn("token flush failed", "message_key", key.String(), "err", err)
	})
	return s, nil
}

// AttachEngine makes e the engine used by the next send or continue.
func (s *Session) AttachEngine(e Engine) {
	s.mu.Lock()
	s.engine = e
	s.mu.Unlock()
}

// DetachEngine removes the engine; later sends surface a not-loaded notice.
func (s *Session) DetachEngine() {
	s.AttachEngine(nil)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{Inferencing: s.inferencing, StopState: s.stopState, LastError: s.lastErr}
}

func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// LastPrompt returns the most recently built prompt.
func (s *Session) LastPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPrompt
}

// SyncStopState restores the stop state from the newest conversation turn
// in history (oldest first), e.g. when a stored conversation is reopened.
// Failure notices count as turns: they record that the generation ended.
func (s *Session) SyncStopState(history []domain.Message) {
	state := domain.StopUnknown
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Kind != domain.KindText {
			continue
		}
		if m.IsNotice() && m.Metadata.StoppedAtEOS == domain.StopUnknown {
			continue
		}
		state = m.Metadata.StoppedAtEOS
		break
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inferencing {
		return
	}
	s.stopState = state
}

// Send appends the user's message and streams an assistant reply. It
// blocks until the generation ends. Engine failures are surfaced as a
// system notice and recorded in State; the returned error is the same
// classified error.
func (s *Session) Send(ctx context.Context, in SendInput) error {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return newError(ErrorInvalidInput, "empty_message", nil)
	}

	engine := s.currentEngine()
	if engine == nil {
		if err := s.addNotice(ctx, s.texts.ModelNotLoaded, domain.StopUnknown); err != nil {
			s.logger.Error("failed to append notice", "err", err)
		}
		return newError(ErrorEngineUnavailable, "model_not_loaded", nil)
	}

	gen, err := s.begin(ctx, opSend, engine)
	if err != nil {
		return err
	}

	userMsg := domain.Message{
		ID:        newID(),
		Author:    s.user,
		CreatedAt: s.now(),
		Kind:      domain.KindText,
		Text:      text,
		Metadata: domain.Metadata{
			ContextID:      engine.ID(),
			ConversationID: s.ConversationID(),
			Copyable:       domain.BoolPtr(true),
		},
	}
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		s.abandon(gen)
		return newError(ErrorInternal, "append_user_message", err)
	}
	s.allocateKey(gen)

	return s.run(ctx, gen, in.History, []domain.ChatMessage{{Role: domain.RoleUser, Content: text}})
}

// Continue streams a new assistant message from the existing history
// without adding a user turn.
func (s *Session) Continue(ctx context.Context, in ContinueInput) error {
	engine := s.currentEngine()
	if engine == nil {
		return newError(ErrorEngineUnavailable, "model_not_loaded", nil)
	}

	gen, err := s.begin(ctx, opContinue, engine)
	if err != nil {
		return err
	}
	s.allocateKey(gen)
	return s.run(ctx, gen, in.History, nil)
}

// Stop aborts the in-flight generation and delivers any buffered text.
// It does not wait for the engine to acknowledge. Calling Stop while idle
// only flushes.
func (s *Session) Stop(ctx context.Context) {
	s.mu.Lock()
	gen := s.current
	wasInferencing := s.inferencing && gen != nil
	var key domain.MessageKey
	if gen != nil {
		key = gen.key
	}
	if wasInferencing {
		gen.stopped = true
		s.stopState = domain.StopCutShort
		s.inferencing = false
	}
	s.mu.Unlock()

	if wasInferencing {
		if err := gen.engine.StopCompletion(ctx); err != nil {
			s.logger.Warn("engine stop failed", "message_id", key.ID, "err", err)
		}
		s.logger.Info("generation stopped", "message_id", key.ID)
	}
	if !key.IsZero() {
		if err := s.buffer.Flush(key); err != nil {
			s.logger.Error("token flush failed", "message_id", key.ID, "err", err)
		}
	}
}

// ResetConversation starts a new logical thread. It leaves the
// generation state alone.
func (s *Session) ResetConversation(ctx context.Context) error {
	s.mu.Lock()
	s.conversationID = newID()
	convID := s.conversationID
	s.mu.Unlock()

	s.logger.Info("conversation reset", "conversation_id", convID)
	if err := s.addNotice(ctx, s.texts.ConversationReset, domain.StopUnknown); err != nil {
		return newError(ErrorInternal, "append_notice", err)
	}
	return nil
}

func (s *Session) currentEngine() Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// begin reserves the session for a new generation. A generation that is
// still streaming makes it fail with ErrorBusy; one that was stopped but
// whose engine call has not returned yet is waited for, so at most one
// engine call is ever in flight.
func (s *Session) begin(ctx context.Context, op operation, engine Engine) (*generation, error) {
	for {
		s.mu.Lock()
		if s.inferencing {
			s.mu.Unlock()
			return nil, newError(ErrorBusy, "generation_in_progress", nil)
		}
		prev := s.current
		if prev == nil || prev.finished() {
			break
		}
		s.mu.Unlock()

		select {
		case <-prev.done:
		case <-ctx.Done():
			return nil, newError(ErrorBusy, "previous_generation_unwinding", ctx.Err())
		}
	}
	defer s.mu.Unlock()

	gen := &generation{
		ctx:      context.WithoutCancel(ctx),
		op:       op,
		engine:   engine,
		prevStop: s.stopState,
		done:     make(chan struct{}),
	}
	s.current = gen
	s.inferencing = true
	s.stopState = domain.StopUnknown
	s.lastErr = nil
	return gen, nil
}

// abandon rolls back a generation that never reached the engine.
func (s *Session) abandon(gen *generation) {
	s.mu.Lock()
	if s.current == gen {
		s.inferencing = false
		s.stopState = gen.prevStop
	}
	s.mu.Unlock()
	close(gen.done)
}

func (s *Session) allocateKey(gen *generation) {
	key := domain.MessageKey{CreatedAt: s.now(), ID: newID()}
	s.mu.Lock()
	gen.key = key
	s.mu.Unlock()
}

func (s *Session) run(ctx context.Context, gen *generation, history []domain.Message, extra []domain.ChatMessage) error {
	defer close(gen.done)

	log := observability.FromContext(ctx, s.logger).With(
		"conversation_id", s.ConversationID(),
		"message_id", gen.key.ID,
		"op", gen.op.String(),
	)

	model := s.prompts.activeModel()
	prompt, messages, err := s.prompts.build(ctx, model, history, extra)
	if err != nil {
		return s.fail(gen, err, log)
	}
	s.mu.Lock()
	s.lastPrompt = prompt
	s.mu.Unlock()

	if s.wasStopped(gen) {
		log.Info("generation stopped before engine call")
		return s.finish(gen, domain.CompletionResult{}, log)
	}
	log.Info("generation started", "chat_messages", len(messages), "prompt_len", len(prompt))

	result, err := gen.engine.Completion(ctx, completionParams(model, prompt), s.onToken)
	if err != nil && !s.wasStopped(gen) {
		return s.fail(gen, err, log)
	}
	if err != nil {
		log.Info("engine returned after stop", "err", err)
		result = domain.CompletionResult{}
	}
	return s.finish(gen, result, log)
}

func (s *Session) onToken(data domain.TokenData) {
	if data.Token == "" {
		return
	}
	s.mu.Lock()
	gen := s.current
	s.mu.Unlock()
	if gen == nil {
		return
	}
	s.buffer.Append(data.Token)
	s.buffer.ScheduleFlush(gen.key)
}

func (s *Session) wasStopped(gen *generation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen.stopped
}

func (s *Session) finish(gen *generation, result domain.CompletionResult, log *slog.Logger) error {
	flushErr := s.buffer.Flush(gen.key)
	if flushErr != nil {
		log.Error("final token flush failed", "err", flushErr)
	}

	s.mu.Lock()
	stopped := gen.stopped
	stop := domain.StopCutShort
	if result.StoppedAtEOS && !stopped {
		stop = domain.StopAtEOS
	}
	if s.current == gen && !stopped {
		s.stopState = stop
		s.inferencing = false
	}
	create := !gen.created
	exists := gen.created
	if create {
		gen.created = true
	}
	convID := s.conversationID
	s.mu.Unlock()

	timings := result.Timings
	meta := domain.Metadata{
		Copyable:     domain.BoolPtr(true),
		StoppedAtEOS: stop,
		Timings:      &timings,
	}

	var err error
	switch {
	case create:
		meta.ConversationID = convID
		meta.ContextID = gen.engine.ID()
		err = s.store.AppendMessage(gen.ctx, domain.Message{
			ID:        gen.key.ID,
			Author:    s.assistant,
			CreatedAt: gen.key.CreatedAt,
			Kind:      domain.KindText,
			Metadata:  meta,
		})
	case exists:
		err = s.store.PatchMessage(gen.ctx, gen.key, domain.MessagePatch{Metadata: meta})
	}
	if err != nil {
		log.Error("failed to finalize message", "err", err)
		return newError(ErrorInternal, "finalize_message", err)
	}
	if flushErr != nil {
		return newError(ErrorInternal, "flush_tokens", flushErr)
	}

	log.Info("generation finished",
		"stopped_at_eos", stop.String(),
		"manual_stop", stopped,
		"predicted_n", result.Timings.PredictedN,
	)
	return nil
}

func (s *Session) fail(gen *generation, cause error, log *slog.Logger) error {
	if err := s.buffer.Flush(gen.key); err != nil {
		log.Error("token flush failed", "err", err)
	}

	classified, notice := classifyEngineError(gen.op, cause, s.texts)
	s.mu.Lock()
	if s.current == gen {
		s.inferencing = false
		s.stopState = domain.StopAtEOS
		s.lastErr = classified
	}
	s.mu.Unlock()

	log.Error("generation failed", "code", classified.Code, "err", cause)
	if err := s.addNotice(gen.ctx, notice, domain.StopAtEOS); err != nil {
		log.Error("failed to append notice", "err", err)
	}
	return classified
}

// deliver is the token buffer's sink. The first delivery for the current
// generation creates the assistant message; later ones append to it.
func (s *Session) deliver(key domain.MessageKey, text string) error {
	s.mu.Lock()
	gen := s.current
	ctx := context.Background()
	create := false
	if gen != nil && gen.key == key {
		ctx = gen.ctx
		create = !gen.created
		gen.created = true
	}
	convID := s.conversationID
	s.mu.Unlock()

	if !create {
		return s.store.PatchMessage(ctx, key, domain.MessagePatch{AppendText: text})
	}

	err := s.store.AppendMessage(ctx, domain.Message{
		ID:        key.ID,
		Author:    s.assistant,
		CreatedAt: key.CreatedAt,
		Kind:      domain.KindText,
		Text:      text,
		Metadata: domain.Metadata{
			ConversationID: convID,
			ContextID:      gen.engine.ID(),
			Copyable:       domain.BoolPtr(false),
		},
	})
	if err != nil {
		s.mu.Lock()
		gen.created = false
		s.mu.Unlock()
	}
	return err
}

// addNotice appends a system notice. A known stop state is recorded on the
// notice so a reloaded session restores it.
func (s *Session) addNotice(ctx context.Context, text string, stop domain.StopState) error {
	return s.store.AppendMessage(ctx, domain.Message{
		ID:        newID(),
		Author:    s.assistant,
		CreatedAt: s.now(),
		Kind:      domain.KindText,
		Text:      text,
		Metadata:  domain.Metadata{System: true, ConversationID: s.ConversationID(), StoppedAtEOS: stop},
	})
}

var newID = func() string {
	return uuid.NewString()
}
