package ratestore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a store that keeps states in memory, for testing and dry runs.
// Updates for different users run concurrently.
type Memory struct {
	sync.Mutex
	users map[string]*memUser
}

type memUser struct {
	sync.Mutex
	states map[uint32]State
}

var _ Store = (*Memory)(nil)

// NewMemory returns a new, empty in-memory store.
func NewMemory() *Memory {
	return &Memory{users: map[string]*memUser{}}
}

func (m *Memory) user(username string) *memUser {
	m.Lock()
	defer m.Unlock()
	u, ok := m.users[username]
	if !ok {
		u = &memUser{states: map[uint32]State{}}
		m.users[username] = u
	}
	return u
}

func (m *Memory) Update(ctx context.Context, username string, windows []Window, now time.Time, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u := m.user(username)
	u.Lock()
	defer u.Unlock()

	var stored []State
	for _, s := range u.states {
		stored = append(stored, s)
	}
	states, _ := load(username, windows, stored, now)
	nstates, err := apply(windows, states, now, fn)
	if err != nil {
		return err
	}
	for _, s := range nstates {
		u.states[s.Period] = s
	}
	return nil
}

func (m *Memory) List(ctx context.Context, username string) ([]State, error) {
	u := m.user(username)
	u.Lock()
	defer u.Unlock()
	l := make([]State, 0, len(u.states))
	for _, s := range u.states {
		l = append(l, s)
	}
	sort.Slice(l, func(i, j int) bool {
		return l[i].Period < l[j].Period
	})
	return l, nil
}

func (m *Memory) Reset(ctx context.Context, username string, now time.Time) (int, error) {
	u := m.user(username)
	u.Lock()
	defer u.Unlock()
	for p, s := range u.states {
		s.Used = 0
		s.WindowStart = now
		u.states[p] = s
	}
	return len(u.states), nil
}

func (m *Memory) Close() error {
	return nil
}
