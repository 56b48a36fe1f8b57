package ratelimit

import (
	"sync"
	"time"
)

// window is one in-process fixed-window counter.
type window struct {
	start time.Time
	count int
}

// localWindows is the in-process fallback store: a fixed-window counter
// per (rule prefix, key). Safe for concurrent use. A background
// goroutine evicts windows that ended more than 10 minutes ago to bound
// memory.
type localWindows struct {
	mu      sync.Mutex
	windows map[string]*window

	stopOnce sync.Once
	done     chan struct{}
}

func newLocalWindows() *localWindows {
	l := &localWindows{
		windows: make(map[string]*window),
		done:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *localWindows) allow(rule Rule, key string, now time.Time) Result {
	windowStart := now.Truncate(rule.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	mapKey := rule.Prefix + ":" + key
	w, ok := l.windows[mapKey]
	if !ok || w.start.Before(windowStart) {
		w = &window{start: windowStart}
		l.windows[mapKey] = w
	}
	w.count++

	remaining := rule.Limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   w.count <= rule.Limit,
		Limit:     rule.Limit,
		Remaining: remaining,
		ResetAt:   w.start.Add(rule.Window),
	}
}

const staleWindowAge = 10 * time.Minute

func (l *localWindows) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.evictStale()
		}
	}
}

func (l *localWindows) evictStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-staleWindowAge)
	for key, w := range l.windows {
		if w.start.Before(cutoff) {
			delete(l.windows, key)
		}
	}
}

func (l *localWindows) close() {
	l.stopOnce.Do(func() { close(l.done) })
}
