package qactor

import (
	"sync"
)

// Router hashes incoming requests by (queueName, region) to the single live
// Actor for that pair, creating one lazily on first use. It is the C7
// "router" half of the component: one map guarded by a single RWMutex, so
// lookups of existing actors share a read lock and only actor creation takes
// the write lock.
type Router struct {
	helper *Helper

	mu     sync.RWMutex
	actors map[string]*Actor
}

// NewRouter returns a Router whose actors share helper.
func NewRouter(helper *Helper) *Router {
	return &Router{helper: helper, actors: make(map[string]*Actor)}
}

func actorKey(queueName, region string) string {
	return queueName + "\x00" + region
}

// Get returns the live Actor for (queueName, region), creating it if this is
// the first request routed to that pair.
func (r *Router) Get(queueName, region string) *Actor {
	key := actorKey(queueName, region)

	r.mu.RLock()
	a, ok := r.actors[key]
	r.mu.RUnlock()
	if ok {
		return a
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[key]; ok {
		return a
	}
	a = NewActor(queueName, region, r.helper)
	r.actors[key] = a
	return a
}

// Remove stops and forgets the actor for (queueName, region), if one exists.
// Called when a queue is deleted.
func (r *Router) Remove(queueName, region string) {
	key := actorKey(queueName, region)

	r.mu.Lock()
	a, ok := r.actors[key]
	delete(r.actors, key)
	r.mu.Unlock()

	if ok {
		a.Stop()
	}
}

// RemoveQueue stops and forgets every actor for queueName across all
// regions it has been routed to.
func (r *Router) RemoveQueue(queueName string) {
	r.mu.Lock()
	var toStop []*Actor
	for key, a := range r.actors {
		if a.QueueName == queueName {
			toStop = append(toStop, a)
			delete(r.actors, key)
		}
	}
	r.mu.Unlock()

	for _, a := range toStop {
		a.Stop()
	}
}

// Each calls fn for every live actor. Used by the inflight timeout reaper to
// tick every actor once per sweep interval.
func (r *Router) Each(fn func(a *Actor)) {
	r.mu.RLock()
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.mu.RUnlock()

	for _, a := range actors {
		fn(a)
	}
}

// StopAll stops every live actor. Called on server shutdown.
func (r *Router) StopAll() {
	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.actors))
	for key, a := range r.actors {
		actors = append(actors, a)
		delete(r.actors, key)
	}
	r.mu.Unlock()

	for _, a := range actors {
		a.Stop()
	}
}
