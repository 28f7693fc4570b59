// Package interp drives running SCXML sessions: the microstep/macrostep
// interpreter (§4.4), the Session type (§3), the invoke subsystem (§4.6),
// and the process-wide Session Registry (§2 component 8).
package interp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nullstate/scxml"
	"github.com/nullstate/scxml/scheduler"
)

// Session is one running state-machine instance (§3). It is driven by a
// single goroutine (its own interpreter loop, started by Start); the only
// externally-safe operations from other goroutines are SendExternal,
// Cancel, Configuration, Stats and Snapshot, all of which hand off onto the
// session's own queues/locks rather than touching interpreter state
// directly (§5: "the data model context per session is owned exclusively
// by that session's interpreter thread").
type Session struct {
	mu sync.Mutex

	id   string
	name string

	doc       *scxml.Document
	dataModel scxml.DataModel

	clock       scxml.Clock
	logger      *slog.Logger
	tracer      trace.Tracer
	diagnostics scxml.Diagnostics

	scheduler    *scheduler.Scheduler
	registry     *Registry
	ioProcessors map[string]scxml.IOProcessor

	parentSessionID string
	parentInvokeID  string
	seedData        map[string]any

	// configMu guards configuration on its own, separate from mu: the active
	// configuration is read from inside guard-condition evaluation (the In()
	// predicate, §B.1), which runs while selectTransitions's caller holds no
	// lock at all — transition selection must never hold a lock across a
	// data-model call, since ReportError (a cond-evaluation error path)
	// re-locks mu.
	configMu      sync.RWMutex
	configuration map[scxml.StateID]bool
	history       map[scxml.StateID][]scxml.StateID

	internal eventQueue
	external eventQueue
	wake     chan struct{}

	activeInvokes  map[scxml.StateID][]*invokeInstance
	invokesByID    map[string]*invokeInstance
	pendingInvokes map[scxml.StateID]bool

	running      bool
	stats        scxml.Stats
	lastDoneData any // this session's own top-level <final>'s evaluated <donedata>, forwarded on done.invoke.* by the parent

	observers []chan Observation

	doneCh chan struct{}
}

var _ scxml.Interpreter = (*Session)(nil)

// NewSession constructs a Session for doc, generating a session id.
func NewSession(doc *scxml.Document, dataModel scxml.DataModel, name string, opts ...Option) *Session {
	o := buildOptions(opts...)
	s := &Session{
		id:              uuid.NewString(),
		name:            name,
		doc:             doc,
		dataModel:       dataModel,
		clock:           o.Clock,
		logger:          o.Logger,
		diagnostics:     o.Diagnostics,
		scheduler:       o.Scheduler,
		registry:        o.Registry,
		ioProcessors:    o.IOProcessors,
		parentSessionID: o.ParentSessionID,
		parentInvokeID:  o.ParentInvokeID,
		seedData:        o.SeedData,
		configuration:   make(map[scxml.StateID]bool),
		history:         make(map[scxml.StateID][]scxml.StateID),
		activeInvokes:   make(map[scxml.StateID][]*invokeInstance),
		invokesByID:     make(map[string]*invokeInstance),
		pendingInvokes:  make(map[scxml.StateID]bool),
		wake:            make(chan struct{}, 1),
		doneCh:          make(chan struct{}),
	}
	if o.TracerProvider != nil {
		s.tracer = o.TracerProvider.Tracer("scxml/interp")
	} else {
		s.tracer = noop.NewTracerProvider().Tracer("scxml/interp")
	}
	if s.ioProcessors == nil {
		s.ioProcessors = make(map[string]scxml.IOProcessor)
	}
	if s.registry != nil {
		s.registry.register(s)
	}
	return s
}

// --- scxml.Interpreter ---

func (s *Session) SessionID() string { return s.id }
func (s *Session) Name() string      { return s.name }

func (s *Session) In(id scxml.StateID) bool {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.configuration[id]
}

func (s *Session) Raise(event scxml.Event) {
	event.Type = scxml.EventTypeInternal
	s.mu.Lock()
	s.internal.push(event)
	s.mu.Unlock()
	s.signal()
}

func (s *Session) Log(ctx context.Context, label string, value any) {
	s.logger.InfoContext(ctx, "scxml log", "label", label, "value", value, "session", s.id)
}

func (s *Session) DataModel() scxml.DataModel { return s.dataModel }
func (s *Session) Clock() scxml.Clock         { return s.clock }

// ReportError converts a PlatformError to an event.Name on the internal
// queue (§7: "error kinds are surfaced as events on the INTERNAL queue,
// never as exceptions to the host").
func (s *Session) ReportError(ctx context.Context, perr *scxml.PlatformError) {
	name := perr.EventName
	if name == "" {
		name = scxml.EventErrorExecution
	}
	s.logger.WarnContext(ctx, "scxml platform error", "event", name, "message", perr.Message, "session", s.id)
	if s.diagnostics != nil {
		s.diagnostics.Record(scxml.Trace{Level: slog.LevelWarn, Code: name, Message: perr.Message})
	}
	s.mu.Lock()
	s.stats.FailedTransitions++
	s.stats.LastError = fmt.Sprintf("%s: %s", name, perr.Message)
	s.internal.push(scxml.Event{Name: name, Type: scxml.EventTypePlatform, Data: perr.Data})
	s.mu.Unlock()
	s.signal()
}

// --- host-facing API ---

// SendExternal enqueues an externally originated event, e.g. from a host
// calling send(sessionId, eventName, eventData) (§6 Host API).
func (s *Session) SendExternal(event scxml.Event) {
	event.Type = scxml.EventTypeExternal
	s.mu.Lock()
	s.external.push(event)
	s.mu.Unlock()
	s.signal()
}

// Configuration returns the active configuration, document order.
func (s *Session) Configuration() []scxml.StateID {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	out := make([]scxml.StateID, 0, len(s.configuration))
	for _, st := range s.doc.AllStates() {
		if s.configuration[st.ID] {
			out = append(out, st.ID)
		}
	}
	return out
}

// IsRunning reports whether the session's macrostep loop is still active.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats returns the host-visible statistics object (§7).
func (s *Session) Stats() scxml.Stats {
	s.mu.Lock()
	stats := s.stats
	stats.Running = s.running
	s.mu.Unlock()

	s.configMu.RLock()
	defer s.configMu.RUnlock()
	for id := range s.configuration {
		stats.CurrentState = append(stats.CurrentState, string(id))
	}
	return stats
}

// Done returns a channel closed when the session's macrostep loop exits.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// valuesSnapshotter is implemented by data models that can export their full
// variable set; datamodel.JSDataModel does. Not part of scxml.DataModel
// itself since most callers only need single-variable access.
type valuesSnapshotter interface {
	SnapshotValues(ctx context.Context) map[string]any
}

// Snapshot produces an in-memory diagnostic picture of the session
// (supplemental, SPEC_FULL §3), honoring cfg's exclude flags exactly as
// scxml.SnapshotConfig documents. THE CORE stops at the struct; rendering it
// to XML/JSON is left to the host.
func (s *Session) Snapshot(ctx context.Context, cfg scxml.SnapshotConfig) (scxml.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := scxml.Snapshot{SessionID: s.id}
	if cfg.ExcludeAll {
		return snap, nil
	}
	if !cfg.ExcludeConfiguration {
		s.configMu.RLock()
		for _, st := range s.doc.AllStates() {
			if s.configuration[st.ID] {
				snap.Configuration = append(snap.Configuration, string(st.ID))
			}
		}
		s.configMu.RUnlock()
	}
	if !cfg.ExcludeData {
		if vs, ok := s.dataModel.(valuesSnapshotter); ok {
			snap.Data = vs.SnapshotValues(ctx)
		}
	}
	if !cfg.ExcludeQueue {
		snap.InternalQueue = append(snap.InternalQueue, s.internal.items...)
		snap.ExternalQueue = append(snap.ExternalQueue, s.external.items...)
	}
	if !cfg.ExcludeServices {
		for id := range s.invokesByID {
			snap.Invokes = append(snap.Invokes, id)
		}
	}
	if !cfg.ExcludeCancel && s.scheduler != nil {
		snap.Cancellable = s.scheduler.Pending(s.id)
	}
	return snap, nil
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
