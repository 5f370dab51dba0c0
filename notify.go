package main

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// keys are spread over shards so that a broadcast only wakes the
// listeners of one shard
const notifyShards = 64

type watchers struct {
	shards [notifyShards]*notifier
}

func newWatchers() *watchers {
	w := &watchers{}
	for i := range w.shards {
		w.shards[i] = newNotifier()
	}
	return w
}

func (w *watchers) shard(key string) *notifier {
	return w.shards[xxhash.Sum64String(key)%notifyShards]
}

func (w *watchers) NotifyVersion(key string, ver int64) {
	w.shard(key).NotifyVersion(key, ver)
}

func (w *watchers) Attach(key string) {
	w.shard(key).Attach(key)
}

func (w *watchers) Detach(key string) {
	w.shard(key).Detach(key)
}

func (w *watchers) Listen(key string, ver int64, dur time.Duration) int64 {
	return w.shard(key).Listen(key, ver, dur)
}

func newNotifier() *notifier {
	km := &notifier{l: &sync.Mutex{}, s: make(map[string]*keyWatch)}
	km.c = sync.NewCond(km.l)
	return km
}

// keyWatch is the last version published for a key and the number of
// requests attached to it.
type keyWatch struct {
	Version   int64
	Listeners int
}

type notifier struct {
	c *sync.Cond
	l sync.Locker
	s map[string]*keyWatch
}

// NotifyVersion is a no-op for keys nobody is attached to.
func (km *notifier) NotifyVersion(key string, ver int64) {
	km.l.Lock()
	defer km.l.Unlock()
	if rec, ok := km.s[key]; ok {
		rec.Version = ver
		km.c.Broadcast()
	}
}

// Attach pins the record of key, so a version published after the caller
// read the counter and before it calls Listen is kept for it.
func (km *notifier) Attach(key string) {
	km.l.Lock()
	defer km.l.Unlock()
	rec := km.s[key]
	if rec == nil {
		rec = &keyWatch{}
		km.s[key] = rec
	}
	rec.Listeners++
}

// Detach undoes Attach for callers that did not need to Listen.
func (km *notifier) Detach(key string) {
	km.l.Lock()
	defer km.l.Unlock()
	km.release(key)
}

func (km *notifier) release(key string) {
	v, ok := km.s[key]
	if !ok {
		return
	}
	v.Listeners--
	if v.Listeners <= 0 {
		delete(km.s, key) // no one listening - free up RAM
	}
}

// Listen waits until key moves past ver or dur expires. It returns the new
// version, or -1 on timeout. Attach must have been called before.
func (km *notifier) Listen(key string, ver int64, dur time.Duration) int64 {
	deadline := time.Now().Add(dur)
	// Cond has no timed wait, wake everyone once the deadline passed
	t := time.AfterFunc(dur, func() {
		km.l.Lock()
		km.c.Broadcast()
		km.l.Unlock()
	})
	defer t.Stop()

	km.l.Lock()
	defer km.l.Unlock()
	for {
		v, ok := km.s[key]
		if ok && v.Version != 0 && v.Version != ver { // changed!
			version := v.Version
			km.release(key)
			return version
		}
		if !time.Now().Before(deadline) { // timeout
			km.release(key)
			return -1
		}
		km.c.Wait()
	}
}
