package localstore

import (
	"sync"
)

// feed is the in-process mutation notification registry. Dispatch is
// synchronous: a subscriber that panics or blocks affects the writer, so
// handlers are expected to do bounded work (Change Capture only enqueues).
type feed struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler // collection -> subscriber id -> handler
	closed bool
}

func newFeed() *feed {
	return &feed{subs: make(map[string]map[int]Handler)}
}

func (f *feed) subscribe(collection string, h Handler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}

	f.nextID++
	id := f.nextID
	if f.subs[collection] == nil {
		f.subs[collection] = make(map[int]Handler)
	}
	f.subs[collection][id] = h

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs[collection], id)
	}, nil
}

func (f *feed) notify(m Mutation) {
	f.mu.RLock()
	handlers := make([]Handler, 0, len(f.subs[m.Collection]))
	for _, h := range f.subs[m.Collection] {
		handlers = append(handlers, h)
	}
	f.mu.RUnlock()

	for _, h := range handlers {
		h(m)
	}
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.subs = make(map[string]map[int]Handler)
}
