package web

import (
	"context"
	"net/http"
	"sync"
	"time"
)

type TemporalHealthFunc func(context.Context) error

// GoroutineTracker records liveness of named background loops for /readyz.
type GoroutineTracker struct {
	mu      sync.Mutex
	alive   map[string]bool
	lastErr map[string]string
}

func NewGoroutineTracker() *GoroutineTracker {
	return &GoroutineTracker{alive: map[string]bool{}, lastErr: map[string]string{}}
}

func (t *GoroutineTracker) set(name string, alive bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alive[name] = alive
	if err != nil {
		t.lastErr[name] = err.Error()
	}
}

func (t *GoroutineTracker) Checks() map[string]string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.alive))
	for name, alive := range t.alive {
		switch {
		case alive:
			out[name] = "ok"
		case t.lastErr[name] != "":
			out[name] = t.lastErr[name]
		default:
			out[name] = "stopped"
		}
	}
	return out
}

// Go runs fn in a goroutine tracked under name. Errors after ctx is done
// are treated as a clean stop.
func (t *GoroutineTracker) Go(ctx context.Context, wg *sync.WaitGroup, name string, fn func(context.Context) error) {
	if wg != nil {
		wg.Add(1)
	}
	if t != nil {
		t.set(name, true, nil)
	}
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		err := fn(ctx)
		if ctx.Err() != nil {
			err = nil
		}
		if t != nil {
			t.set(name, false, err)
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	checks := map[string]string{}
	ok := true

	if s.Store == nil {
		ok = false
		checks["db"] = "unavailable"
	} else if s.DBConn != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.DBConn.PingContext(ctx); err != nil {
			ok = false
			checks["db"] = err.Error()
		} else {
			checks["db"] = "ok"
		}
	} else {
		checks["db"] = "unknown"
	}

	if s.TemporalHealth != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.TemporalHealth(ctx); err != nil {
			ok = false
			checks["temporal"] = err.Error()
		} else {
			checks["temporal"] = "ok"
		}
	}

	for name, status := range s.Goroutines.Checks() {
		if status != "ok" {
			ok = false
		}
		checks["goroutine."+name] = status
	}

	if ok {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	if data, err := marshalJSON(map[string]any{"status": "unavailable", "checks": checks}); err == nil {
		_, _ = w.Write(data)
		return
	}
	_, _ = w.Write([]byte(`{"status":"unavailable"}`))
}
