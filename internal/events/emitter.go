package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/wailsapp/wails/v2/pkg/runtime"
)

// Event names delivered to the front-end
const (
	BackendStatusChanged = "backend:status-changed"
	DashboardUpdated     = "dashboard:updated"
	jobPrefix            = "job:"
)

// JobEvent returns the event name carrying snapshots of one job
func JobEvent(jobID string) string {
	return jobPrefix + jobID
}

// Emitter publishes named events to whatever front-end is attached
type Emitter interface {
	Emit(name string, payload interface{})
}

// WailsEmitter forwards events to the Wails runtime bound to ctx
type WailsEmitter struct {
	ctx context.Context
}

// NewWailsEmitter creates an emitter for the Wails context given to OnStartup
func NewWailsEmitter(ctx context.Context) *WailsEmitter {
	return &WailsEmitter{ctx: ctx}
}

func (e *WailsEmitter) Emit(name string, payload interface{}) {
	runtime.EventsEmit(e.ctx, name, payload)
}

// LogEmitter writes events to the standard logger; used by the CLI
type LogEmitter struct {
	Verbose bool
}

func (e LogEmitter) Emit(name string, payload interface{}) {
	if !e.Verbose {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("event %s: %v", name, payload)
		return
	}
	log.Printf("event %s: %s", name, data)
}

// Recorded is one captured event
type Recorded struct {
	Name    string
	Payload interface{}
}

// Recorder keeps every emitted event in memory
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

func (r *Recorder) Emit(name string, payload interface{}) {
	r.mu.Lock()
	r.events = append(r.events, Recorded{Name: name, Payload: payload})
	r.mu.Unlock()
}

// Named returns the payloads emitted under name, oldest first
func (r *Recorder) Named(name string) []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []interface{}
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev.Payload)
		}
	}
	return out
}

// Len returns the number of recorded events
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
