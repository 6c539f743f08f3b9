package deploy

import (
	"sync"
	"time"

	"github.com/loykin/redeployr/internal/build"
)

// Attempt records one pass through the pipeline.
type Attempt struct {
	ID          string             `json:"id"`
	Trigger     TriggerKind        `json:"trigger"`
	Actor       string             `json:"actor,omitempty"`
	DeliveryID  string             `json:"delivery_id,omitempty"`
	Branch      string             `json:"branch,omitempty"`
	Before      string             `json:"before,omitempty"`
	Commit      string             `json:"commit,omitempty"`
	Outcome     Outcome            `json:"outcome"`
	Message     string             `json:"message,omitempty"`
	Diagnostics []build.Diagnostic `json:"diagnostics,omitempty"`
	Err         string             `json:"error,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`

	// Filled in when the background restart completes.
	RestartDone  bool   `json:"restart_done,omitempty"`
	RestartError string `json:"restart_error,omitempty"`
}

func (a Attempt) HTTPStatus() int { return a.Outcome.HTTPStatus() }

// ring keeps the most recent attempts, oldest first.
type ring struct {
	mu    sync.Mutex
	size  int
	items []Attempt
}

func newRing(size int) *ring {
	if size <= 0 {
		size = 50
	}
	return &ring{size: size}
}

func (r *ring) add(a Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, a)
	if over := len(r.items) - r.size; over > 0 {
		r.items = append(r.items[:0:0], r.items[over:]...)
	}
}

func (r *ring) update(id string, fn func(*Attempt)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.items) - 1; i >= 0; i-- {
		if r.items[i].ID == id {
			fn(&r.items[i])
			return
		}
	}
}

// last returns up to n attempts, newest first. n <= 0 returns all.
func (r *ring) last(n int) []Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.items) {
		n = len(r.items)
	}
	out := make([]Attempt, 0, n)
	for i := len(r.items) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.items[i])
	}
	return out
}
