package disposition

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/goliatone/go-mockstate/clock"
)

// Recording is one captured request.
type Recording struct {
	Fingerprint string            `json:"fingerprint"`
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Query       map[string]string `json:"query,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        json.RawMessage   `json:"body,omitempty"`
	// Reason is set when the request was recorded as a fallback.
	Reason     string    `json:"reason,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Recorder stores captured requests.
type Recorder interface {
	Record(ctx context.Context, rec Recording) error
}

// MemoryRecorder keeps the most recent recordings in a ring.
type MemoryRecorder struct {
	mu       sync.Mutex
	clock    clock.Clock
	capacity int
	items    []Recording
	next     int
	full     bool
}

// NewMemoryRecorder keeps up to capacity recordings (1000 when <= 0).
func NewMemoryRecorder(capacity int, c clock.Clock) *MemoryRecorder {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryRecorder{clock: clock.Default(c), capacity: capacity, items: make([]Recording, capacity)}
}

// Record implements Recorder.
func (r *MemoryRecorder) Record(_ context.Context, rec Recording) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = r.clock.Now()
	}
	r.items[r.next] = rec
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.full = true
	}
	return nil
}

// Recordings returns the retained recordings, oldest first.
func (r *MemoryRecorder) Recordings() []Recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Recording(nil), r.items[:r.next]...)
	}
	out := make([]Recording, 0, r.capacity)
	out = append(out, r.items[r.next:]...)
	return append(out, r.items[:r.next]...)
}

// Reset drops every recording.
func (r *MemoryRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = make([]Recording, r.capacity)
	r.next = 0
	r.full = false
}

// NewRecording captures req.
func NewRecording(req *Request, reason string) Recording {
	return Recording{
		Fingerprint: req.Fingerprint,
		Method:      req.Method,
		Path:        NormalizePath(req.Path),
		Query:       req.Query,
		Headers:     req.Headers,
		Body:        append(json.RawMessage(nil), req.Body...),
		Reason:      reason,
	}
}

// RecordStage always claims. The chain puts it last so every request is
// dispositioned.
type RecordStage struct{}

func (RecordStage) Name() string { return string(KindRecord) }

// Claim implements Stage.
func (RecordStage) Claim(context.Context, *Request) (Disposition, bool, error) {
	return Record(), true, nil
}
