package usecase

import (
	"errors"
	"strings"
	"sync"
	"time"

	"pocketchat/internal/domain"
)

// DefaultFlushInterval is the coalescing window for streamed tokens.
const DefaultFlushInterval = 150 * time.Millisecond

// Timer is a pending delayed call.
type Timer interface {
	Stop() bool
}

// Clock schedules delayed calls. The real clock wraps time.AfterFunc.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClock is the wall-clock Clock.
var SystemClock Clock = realClock{}

// FlushSink receives drained text for the message identified by key.
type FlushSink func(key domain.MessageKey, text string) error

// TokenBuffer accumulates streamed fragments and delivers them to a sink at
// most once per window. Content is never dropped or reordered: every
// appended byte reaches the sink exactly once, through either a timed
// delivery or an explicit Flush.
type TokenBuffer struct {
	sink   FlushSink
	clock  Clock
	window time.Duration

	// deliverMu serializes sink calls so drained chunks arrive in order.
	deliverMu sync.Mutex

	mu         sync.Mutex
	buf        strings.Builder
	armed      bool
	timer      Timer
	pendingKey domain.MessageKey
	onError    func(key domain.MessageKey, err error)

	// arming counts armed timers. A timer only delivers if it is still the
	// latest one once it holds deliverMu.
	arming uint64
}

// NewTokenBuffer returns a buffer delivering to sink. A zero window uses
// DefaultFlushInterval and a nil clock uses SystemClock.
func NewTokenBuffer(sink FlushSink, window time.Duration, clock Clock) (*TokenBuffer, error) {
	if sink == nil {
		return nil, errors.New("usecase: flush sink must not be nil")
	}
	if window <= 0 {
		window = DefaultFlushInterval
	}
	if clock == nil {
		clock = SystemClock
	}
	return &TokenBuffer{sink: sink, clock: clock, window: window}, nil
}

// OnDeliveryError registers a callback for failed timed deliveries. Explicit
// Flush calls return the error instead.
func (b *TokenBuffer) OnDeliveryError(fn func(key domain.MessageKey, err error)) {
	b.mu.Lock()
	b.onError = fn
	b.mu.Unlock()
}

// Append adds fragment to the pending text.
func (b *TokenBuffer) Append(fragment string) {
	if fragment == "" {
		return
	}
	b.mu.Lock()
	b.buf.WriteString(fragment)
	b.mu.Unlock()
}

// Pending returns the text not yet delivered.
func (b *TokenBuffer) Pending() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ScheduleFlush requests a delivery for key. The first request after a
// delivery arms a timer; later requests inside the same window only replace
// the key the timer will deliver to.
func (b *TokenBuffer) ScheduleFlush(key domain.MessageKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pendingKey = key
	if b.armed {
		return
	}
	b.armed = true
	b.arming++
	arming := b.arming
	b.timer = b.clock.AfterFunc(b.window, func() { b.fire(arming) })
}

func (b *TokenBuffer) fire(arming uint64) {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	if !b.armed || b.arming != arming {
		b.mu.Unlock()
		return
	}
	key := b.pendingKey
	onError := b.onError
	b.mu.Unlock()

	if err := b.flushLocked(key); err != nil && onError != nil {
		onError(key, err)
	}
}

// Flush drains the buffer and delivers it to the sink now, cancelling any
// pending timed delivery. An empty buffer is not delivered. When the sink
// fails, the drained text is put back in front of anything appended since,
// so a later flush retries it.
func (b *TokenBuffer) Flush(key domain.MessageKey) error {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()
	return b.flushLocked(key)
}

// flushLocked is Flush with deliverMu held.
func (b *TokenBuffer) flushLocked(key domain.MessageKey) error {
	b.mu.Lock()
	text := b.buf.String()
	b.buf.Reset()
	if b.armed {
		b.timer.Stop()
		b.armed = false
		b.timer = nil
	}
	b.mu.Unlock()

	if text == "" {
		return nil
	}
	if err := b.sink(key, text); err != nil {
		b.mu.Lock()
		rest := b.buf.String()
		b.buf.Reset()
		b.buf.WriteString(text)
		b.buf.WriteString(rest)
		b.mu.Unlock()
		return err
	}
	return nil
}
