package usecase

import (
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pocketchat/internal/domain"
)

// manualClock records AfterFunc calls and runs them only when fired.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	mu      sync.Mutex
	f       func()
	d       time.Duration
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{f: f, d: d}
	c.timers = append(c.timers, t)
	return t
}

// Fire runs every pending timer and returns how many ran.
func (c *manualClock) Fire() int {
	c.mu.Lock()
	timers := c.timers
	c.timers = nil
	c.mu.Unlock()

	n := 0
	for _, t := range timers {
		t.mu.Lock()
		run := !t.stopped && !t.fired
		t.fired = true
		t.mu.Unlock()
		if run {
			t.f()
			n++
		}
	}
	return n
}

func (c *manualClock) Armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		t.mu.Lock()
		if !t.stopped && !t.fired {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

type delivery struct {
	key  domain.MessageKey
	text string
}

type recordingSink struct {
	mu         sync.Mutex
	deliveries []delivery
	failNext   int
}

func (r *recordingSink) sink(key domain.MessageKey, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext > 0 {
		r.failNext--
		return errors.New("sink unavailable")
	}
	r.deliveries = append(r.deliveries, delivery{key: key, text: text})
	return nil
}

func (r *recordingSink) all() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, d := range r.deliveries {
		b.WriteString(d.text)
	}
	return b.String()
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deliveries)
}

func newBuffer(t *testing.T, sink FlushSink, window time.Duration, clock Clock) *TokenBuffer {
	t.Helper()
	buf, err := NewTokenBuffer(sink, window, clock)
	require.NoError(t, err)
	return buf
}

func testKey(id string) domain.MessageKey {
	return domain.MessageKey{CreatedAt: time.Unix(1700000000, 0), ID: id}
}

func TestNewTokenBuffer_RequiresSink(t *testing.T) {
	_, err := NewTokenBuffer(nil, 0, &manualClock{})
	require.Error(t, err)
}

func TestTokenBuffer_CoalescesWithinWindow(t *testing.T) {
	clock := &manualClock{}
	rec := &recordingSink{}
	buf := newBuffer(t, rec.sink, 0, clock)
	key := testKey("m1")

	for _, tok := range []string{"He", "ll", "o"} {
		buf.Append(tok)
		buf.ScheduleFlush(key)
	}
	require.Equal(t, 1, clock.Armed(), "one timer per window")
	require.Equal(t, 0, rec.count(), "nothing is delivered before the window elapses")
	require.Equal(t, DefaultFlushInterval, clock.timers[0].d)

	require.Equal(t, 1, clock.Fire())
	require.Equal(t, []delivery{{key: key, text: "Hello"}}, rec.deliveries)
	require.Empty(t, buf.Pending())
}

func TestTokenBuffer_RearmsAfterDelivery(t *testing.T) {
	clock := &manualClock{}
	rec := &recordingSink{}
	buf := newBuffer(t, rec.sink, 50*time.Millisecond, clock)
	key := testKey("m1")

	buf.Append("a")
	buf.ScheduleFlush(key)
	clock.Fire()

	buf.Append("b")
	buf.ScheduleFlush(key)
	require.Equal(t, 1, clock.Armed())
	clock.Fire()

	require.Equal(t, 2, rec.count())
	require.Equal(t, "ab", rec.all())
}

func TestTokenBuffer_FlushBypassesWindowAndDisarms(t *testing.T) {
	clock := &manualClock{}
	rec := &recordingSink{}
	buf := newBuffer(t, rec.sink, 0, clock)
	key := testKey("m1")

	buf.Append("tail")
	buf.ScheduleFlush(key)
	require.NoError(t, buf.Flush(key))
	require.Equal(t, "tail", rec.all())
	require.Equal(t, 0, clock.Armed())

	require.Equal(t, 0, clock.Fire(), "stopped timer must not deliver again")
	require.Equal(t, 1, rec.count())
}

func TestTokenBuffer_FlushEmptiesAndNeverResendsStaleContent(t *testing.T) {
	rec := &recordingSink{}
	buf := newBuffer(t, rec.sink, 0, &manualClock{})
	key := testKey("m1")

	buf.Append("first")
	require.NoError(t, buf.Flush(key))
	require.Empty(t, buf.Pending())

	buf.Append("second")
	require.NoError(t, buf.Flush(key))
	require.Equal(t, []delivery{{key, "first"}, {key, "second"}}, rec.deliveries)
}

func TestTokenBuffer_EmptyFlushIsNotDelivered(t *testing.T) {
	rec := &recordingSink{}
	buf := newBuffer(t, rec.sink, 0, &manualClock{})
	require.NoError(t, buf.Flush(testKey("m1")))
	require.Equal(t, 0, rec.count())
}

func TestTokenBuffer_LatestScheduledKeyGoverns(t *testing.T) {
	clock := &manualClock{}
	rec := &recordingSink{}
	buf := newBuffer(t, rec.sink, 0, clock)

	buf.Append("x")
	buf.ScheduleFlush(testKey("old"))
	buf.Append("y")
	buf.ScheduleFlush(testKey("new"))
	clock.Fire()

	require.Equal(t, []delivery{{testKey("new"), "xy"}}, rec.deliveries)
}

func TestTokenBuffer_SupersededTimerDoesNotDeliver(t *testing.T) {
	clock := &manualClock{}
	rec := &recordingSink{}
	buf := newBuffer(t, rec.sink, 0, clock)
	oldKey, newKey := testKey("old"), testKey("new")

	buf.Append("first")
	buf.ScheduleFlush(oldKey)
	superseded := clock.timers[0]
	require.NoError(t, buf.Flush(oldKey))

	buf.Append("second")
	buf.ScheduleFlush(newKey)

	// the first timer had already started when Flush stopped it
	superseded.f()
	require.Equal(t, []delivery{{oldKey, "first"}}, rec.deliveries)
	require.Equal(t, "second", buf.Pending())

	require.Equal(t, 1, clock.Fire())
	require.Equal(t, []delivery{{oldKey, "first"}, {newKey, "second"}}, rec.deliveries)
}

func TestTokenBuffer_SinkFailureKeepsTextForRetry(t *testing.T) {
	rec := &recordingSink{failNext: 1}
	buf := newBuffer(t, rec.sink, 0, &manualClock{})
	key := testKey("m1")

	buf.Append("abc")
	require.Error(t, buf.Flush(key))
	require.Equal(t, "abc", buf.Pending())

	buf.Append("def")
	require.NoError(t, buf.Flush(key))
	require.Equal(t, []delivery{{key, "abcdef"}}, rec.deliveries)
}

func TestTokenBuffer_TimedDeliveryErrorIsReported(t *testing.T) {
	clock := &manualClock{}
	rec := &recordingSink{failNext: 1}
	buf := newBuffer(t, rec.sink, 0, clock)

	var reported error
	buf.OnDeliveryError(func(_ domain.MessageKey, err error) { reported = err })

	buf.Append("abc")
	buf.ScheduleFlush(testKey("m1"))
	clock.Fire()
	require.Error(t, reported)
	require.Equal(t, "abc", buf.Pending())
}

func TestTokenBuffer_NoLossNoDuplicationUnderRandomInterleaving(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		clock := &manualClock{}
		rec := &recordingSink{}
		buf := newBuffer(t, rec.sink, 0, clock)
		key := testKey("m1")

		var want strings.Builder
		for i := 0; i < 200; i++ {
			switch rng.Intn(5) {
			case 0, 1:
				frag := string(rune('a' + rng.Intn(26)))
				if rng.Intn(4) == 0 {
					frag += "é"
				}
				buf.Append(frag)
				want.WriteString(frag)
			case 2:
				buf.ScheduleFlush(key)
			case 3:
				clock.Fire()
			case 4:
				if rng.Intn(3) == 0 {
					require.NoError(t, buf.Flush(key))
				}
			}
		}
		require.NoError(t, buf.Flush(key))
		clock.Fire()

		require.Equal(t, want.String(), rec.all(), "round %d", round)
	}
}

func TestTokenBuffer_ConcurrentAppendsWithRealClock(t *testing.T) {
	rec := &recordingSink{}
	buf := newBuffer(t, rec.sink, time.Millisecond, nil)
	key := testKey("m1")

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				buf.Append("x")
				buf.ScheduleFlush(key)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, buf.Flush(key))

	require.Len(t, rec.all(), 1000)
}
