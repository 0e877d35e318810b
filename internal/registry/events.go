package registry

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// EventType identifies a repository mutation or maintenance pass.
type EventType string

const (
	EventBlobPushed       EventType = "blob-pushed"
	EventManifestPushed   EventType = "manifest-pushed"
	EventManifestDeleted  EventType = "manifest-deleted"
	EventRepositoryDelete EventType = "repository-deleted"
	EventGCCompleted      EventType = "gc-completed"
	EventCleanupCompleted EventType = "cleanup-completed"
)

// Event describes a registry mutation. Fields beyond Type and Time are set
// where they apply.
type Event struct {
	Type       EventType
	Time       time.Time
	Repository string
	Tag        string
	Digest     digest.Digest
	Detail     string
}

// Subscribe registers an observer. Observers are invoked synchronously, in
// registration order, on the goroutine performing the mutation; anything
// long-running (SSE fan-out, metrics shipping) is the observer's business
// to hand off.
func (r *Registry) Subscribe(fn func(Event)) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, fn)
}

func (r *Registry) emit(ev Event) {
	ev.Time = r.now()
	r.obsMu.RLock()
	observers := r.observers
	r.obsMu.RUnlock()
	for _, fn := range observers {
		fn(ev)
	}
}
