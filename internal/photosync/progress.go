package photosync

import (
	"context"
	"sync"

	"trailkeep/internal/types"
)

// ProgressFunc receives upload progress for one photo. It runs on the
// uploading goroutine and must not block.
type ProgressFunc func(types.UploadProgress)

// progressRegistry holds listeners per photo id
type progressRegistry struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[string]map[uint64]ProgressFunc
}

func newProgressRegistry() *progressRegistry {
	return &progressRegistry{listeners: make(map[string]map[uint64]ProgressFunc)}
}

// subscribe adds fn for photoID. The listener goes away when the returned
// func is called or ctx is done, whichever comes first.
func (r *progressRegistry) subscribe(ctx context.Context, photoID string, fn ProgressFunc) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	set, ok := r.listeners[photoID]
	if !ok {
		set = make(map[uint64]ProgressFunc)
		r.listeners[photoID] = set
	}
	set[id] = fn
	r.mu.Unlock()

	var once sync.Once
	remove := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if set, ok := r.listeners[photoID]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(r.listeners, photoID)
				}
			}
		})
	}

	stop := context.AfterFunc(ctx, remove)
	return func() {
		stop()
		remove()
	}
}

// emit delivers p to a snapshot of the current listeners
func (r *progressRegistry) emit(p types.UploadProgress) {
	r.mu.Lock()
	fns := make([]ProgressFunc, 0, len(r.listeners[p.PhotoID]))
	for _, fn := range r.listeners[p.PhotoID] {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(p)
	}
}

func (r *progressRegistry) count(photoID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners[photoID])
}
