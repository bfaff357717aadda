package session

import "sync"

// WatchFunc observes one property change as a [new, old] pair.
type WatchFunc func(name string, newValue, oldValue any)

// watcherList holds property watchers. The list is mutated only by
// subscribe/unsubscribe; delivery never changes membership.
type watcherList struct {
	mu     sync.Mutex
	nextID int
	global map[int]WatchFunc
	byProp map[string]map[int]WatchFunc
}

func newWatcherList() *watcherList {
	return &watcherList{
		global: make(map[int]WatchFunc),
		byProp: make(map[string]map[int]WatchFunc),
	}
}

// subscribe registers fn for the named properties, or for all properties
// when props is empty. The returned ticket is the only way to deregister.
func (w *watcherList) subscribe(fn WatchFunc, props []string) (cancel func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	ticket := w.nextID

	if len(props) == 0 {
		w.global[ticket] = fn
		return func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			delete(w.global, ticket)
		}
	}

	for _, prop := range props {
		if w.byProp[prop] == nil {
			w.byProp[prop] = make(map[int]WatchFunc)
		}
		w.byProp[prop][ticket] = fn
	}
	watched := append([]string(nil), props...)
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		for _, prop := range watched {
			delete(w.byProp[prop], ticket)
		}
	}
}

// notify delivers one change to property watchers and then global
// watchers. Callbacks run outside the lock so a watcher may unsubscribe
// itself.
func (w *watcherList) notify(name string, newValue, oldValue any) {
	w.mu.Lock()
	fns := make([]WatchFunc, 0, len(w.byProp[name])+len(w.global))
	for _, fn := range w.byProp[name] {
		fns = append(fns, fn)
	}
	for _, fn := range w.global {
		fns = append(fns, fn)
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn(name, newValue, oldValue)
	}
}

// clear detaches every watcher at session teardown.
func (w *watcherList) clear() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.global = make(map[int]WatchFunc)
	w.byProp = make(map[string]map[int]WatchFunc)
}
