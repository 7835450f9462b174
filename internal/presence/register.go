// Package presence maps online users to the channel their events must be
// routed to.
package presence

import (
	"github.com/c-pro/geche"
)

// Register is a concurrency-safe user id -> channel map. A user has at most
// one registered channel; registering again replaces it.
type Register[C comparable] struct {
	online *geche.Locker[string, C]
}

func NewRegister[C comparable]() *Register[C] {
	return &Register[C]{
		online: geche.NewLocker[string, C](geche.NewMapCache[string, C]()),
	}
}

// RegisterOnline makes ref the channel of userID and returns the channel it
// replaced, if any.
func (r *Register[C]) RegisterOnline(userID string, ref C) (C, bool) {
	tx := r.online.Lock()
	defer tx.Unlock()

	prev, err := tx.Get(userID)
	tx.Set(userID, ref)
	return prev, err == nil
}

// Lookup returns the channel of userID, if the user is online.
func (r *Register[C]) Lookup(userID string) (C, bool) {
	tx := r.online.RLock()
	defer tx.Unlock()

	ref, err := tx.Get(userID)
	if err != nil {
		var zero C
		return zero, false
	}
	return ref, true
}

// Unregister removes userID only while ref is still its registered channel,
// so a session that was replaced by a reconnect cannot evict its successor.
func (r *Register[C]) Unregister(userID string, ref C) bool {
	tx := r.online.Lock()
	defer tx.Unlock()

	current, err := tx.Get(userID)
	if err != nil || current != ref {
		return false
	}
	_ = tx.Del(userID)
	return true
}

func (r *Register[C]) Len() int {
	tx := r.online.RLock()
	defer tx.Unlock()
	return tx.Len()
}
