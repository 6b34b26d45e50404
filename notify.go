package fetchkit

import "sync"

// Notification is the payload handed to the host application's toast or
// alert system when a request ultimately fails. The request layer never
// renders anything itself.
type Notification struct {
	// Variant is the presentation hint; classified failures use "error".
	Variant string
	// Message is the mapped human-readable message from the classified
	// error, not the raw transport error.
	Message string
	// DedupeKey is the notification key the emission was collapsed under.
	DedupeKey string
}

// Notifier is implemented by the UI layer (toast system). Emit is
// invoked at most once per notification key per failure episode.
type Notifier interface {
	Emit(n Notification)
}

// NotifierFunc adapts a plain function to the Notifier interface.
type NotifierFunc func(n Notification)

// Emit implements Notifier.
func (f NotifierFunc) Emit(n Notification) { f(n) }

// notifyGate collapses duplicate failure notifications. An episode for
// a key opens when the first interested caller enters and closes when
// the last one leaves; within one episode at most one notification is
// emitted for that key. Distinct keys, and the empty key, always emit
// independently.
type notifyGate struct {
	mu       sync.Mutex
	episodes map[string]*notifyEpisode
}

type notifyEpisode struct {
	active  int
	emitted bool
}

func newNotifyGate() *notifyGate {
	return &notifyGate{
		episodes: make(map[string]*notifyEpisode),
	}
}

// enter registers a caller's interest in key for the duration of its
// call. Callers must pair every enter with a leave.
func (g *notifyGate) enter(key string) {
	if key == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	ep, ok := g.episodes[key]
	if !ok {
		ep = &notifyEpisode{}
		g.episodes[key] = ep
	}
	ep.active++
}

// leave ends a caller's interest. Once the last caller for a key
// leaves, the episode is discarded so a later failure notifies again.
func (g *notifyGate) leave(key string) {
	if key == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	ep, ok := g.episodes[key]
	if !ok {
		return
	}
	ep.active--
	if ep.active <= 0 {
		delete(g.episodes, key)
	}
}

// report emits the notification through n unless the key already fired
// during the current episode, and reports whether it emitted. The empty
// key always emits.
func (g *notifyGate) report(n Notifier, note Notification) bool {
	if n == nil {
		return false
	}
	if note.DedupeKey == "" {
		n.Emit(note)
		return true
	}

	g.mu.Lock()
	ep, ok := g.episodes[note.DedupeKey]
	if ok && ep.emitted {
		g.mu.Unlock()
		return false
	}
	if ok {
		ep.emitted = true
	}
	g.mu.Unlock()

	n.Emit(note)
	return true
}
