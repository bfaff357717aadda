package session

import "sync"

// EventFunc handles one delivered event's data.
type EventFunc func(data any)

// Notice is an externally observable occurrence for the embedding
// container to re-dispatch: the handshake completing ("ready"), a session
// fault ("error"), and every received custom event under its own name
// (e.g. "navigate").
type Notice struct {
	Kind string
	Data any
}

const (
	NoticeReady = "ready"
	NoticeError = "error"
)

// listenerList fans events out to every listener registered for a name.
// Listeners must be independent; delivery order is unspecified.
type listenerList struct {
	mu     sync.Mutex
	nextID int
	byName map[string]map[int]EventFunc
}

func newListenerList() *listenerList {
	return &listenerList{byName: make(map[string]map[int]EventFunc)}
}

// subscribe registers fn for the named event and returns its deregistration
// ticket.
func (l *listenerList) subscribe(name string, fn EventFunc) (cancel func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	ticket := l.nextID
	if l.byName[name] == nil {
		l.byName[name] = make(map[int]EventFunc)
	}
	l.byName[name][ticket] = fn

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.byName[name], ticket)
	}
}

// dispatch delivers data to every listener of name.
func (l *listenerList) dispatch(name string, data any) {
	l.mu.Lock()
	fns := make([]EventFunc, 0, len(l.byName[name]))
	for _, fn := range l.byName[name] {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(data)
	}
}

// clear detaches every listener at session teardown.
func (l *listenerList) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.byName = make(map[string]map[int]EventFunc)
}
