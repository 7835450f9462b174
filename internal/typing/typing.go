// Package typing tracks short-lived "user is composing" state per
// (conversation, user) pair and emits start/stop signals.
//
// Each pair is either Idle or Typing. A keystroke in Idle switches to
// Typing and emits a start signal; a deadline timer switches back to Idle
// and emits a stop signal.
package typing

import (
	"slices"
	"strings"
	"sync"
	"time"

	"chatsync/internal/clock"
)

const DefaultWindow = 3 * time.Second

type Mode int

const (
	// ModeIndependent arms a separate deadline timer for every keystroke.
	// The first timer to fire ends the Typing state even if keystrokes
	// continued, and every later timer emits another stop signal. This is
	// the behaviour of the web client and may flicker.
	ModeIndependent Mode = iota

	// ModeDebounce keeps a single timer per pair and restarts it on every
	// keystroke, so Typing ends one window after the last keystroke.
	ModeDebounce
)

type Key struct {
	ConversationID string
	UserID         string
}

// Signal is emitted on every state change and on every independent timer
// firing.
type Signal struct {
	Key
	ReceiverIDs []string
	IsTyping    bool
}

type Config struct {
	Clock  clock.Clock
	Window time.Duration
	Mode   Mode
	// Emit is called without the state lock held, possibly from a timer
	// goroutine. It must not call back into the Aggregator.
	Emit func(Signal)
}

type Aggregator struct {
	clock  clock.Clock
	window time.Duration
	mode   Mode
	emit   func(Signal)

	// emitMu orders emits against the Stop family: once a Stop returns, no
	// signal of a cancelled timer can follow.
	emitMu sync.Mutex
	mu     sync.Mutex
	states map[Key]*state
	nextID uint64
}

type state struct {
	typing    bool
	receivers []string
	timers    map[uint64]clock.Timer
}

func New(cfg Config) *Aggregator {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Emit == nil {
		cfg.Emit = func(Signal) {}
	}
	return &Aggregator{
		clock:  cfg.Clock,
		window: cfg.Window,
		mode:   cfg.Mode,
		emit:   cfg.Emit,
		states: make(map[Key]*state),
	}
}

// Keystroke registers composition input for key. receivers are the users
// the signals are addressed to; the latest keystroke's receivers are used.
func (a *Aggregator) Keystroke(key Key, receivers []string) {
	var signal *Signal

	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	a.mu.Lock()
	st, ok := a.states[key]
	if !ok {
		st = &state{timers: make(map[uint64]clock.Timer)}
		a.states[key] = st
	}
	st.receivers = slices.Clone(receivers)

	if !st.typing {
		st.typing = true
		signal = &Signal{Key: key, ReceiverIDs: st.receivers, IsTyping: true}
	}

	if a.mode == ModeDebounce {
		for id, t := range st.timers {
			t.Stop()
			delete(st.timers, id)
		}
	}
	a.nextID++
	id := a.nextID
	st.timers[id] = a.clock.AfterFunc(a.window, func() { a.expire(key, id) })
	a.mu.Unlock()

	if signal != nil {
		a.emit(*signal)
	}
}

func (a *Aggregator) expire(key Key, id uint64) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	a.mu.Lock()
	st, ok := a.states[key]
	if !ok {
		a.mu.Unlock()
		return
	}
	if _, pending := st.timers[id]; !pending {
		// Stopped while the callback was already on its way.
		a.mu.Unlock()
		return
	}
	delete(st.timers, id)
	st.typing = false
	signal := Signal{Key: key, ReceiverIDs: st.receivers, IsTyping: false}
	if len(st.timers) == 0 {
		delete(a.states, key)
	}
	a.mu.Unlock()

	a.emit(signal)
}

// IsTyping reports whether key is currently in the Typing state.
func (a *Aggregator) IsTyping(key Key) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[key]
	return ok && st.typing
}

// Stop cancels pending timers for key and returns it to Idle without
// emitting anything.
func (a *Aggregator) Stop(key Key) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked(key)
}

// StopConversation cancels every pair of the conversation. Pairs that were
// Typing emit one stop signal so receivers clear their indicator.
func (a *Aggregator) StopConversation(conversationID string) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	var signals []Signal
	a.mu.Lock()
	for key := range a.states {
		if key.ConversationID != conversationID {
			continue
		}
		if st := a.stopLocked(key); st != nil && st.typing {
			signals = append(signals, Signal{Key: key, ReceiverIDs: st.receivers, IsTyping: false})
		}
	}
	a.mu.Unlock()

	slices.SortFunc(signals, func(x, y Signal) int { return strings.Compare(x.UserID, y.UserID) })
	for _, sig := range signals {
		a.emit(sig)
	}
}

// StopAll cancels every pending timer without emitting. Once it returns no
// signal is emitted unless new keystrokes arrive.
func (a *Aggregator) StopAll() {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.states {
		a.stopLocked(key)
	}
}

func (a *Aggregator) stopLocked(key Key) *state {
	st, ok := a.states[key]
	if !ok {
		return nil
	}
	for _, t := range st.timers {
		t.Stop()
	}
	delete(a.states, key)
	return st
}

// Pending returns the number of armed timers.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, st := range a.states {
		n += len(st.timers)
	}
	return n
}
