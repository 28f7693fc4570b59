// Package scxml is the document model, event model and executable-content
// surface of a W3C SCXML 1.0 interpreter. It defines the contracts that the
// interpreter, data-model façade and scheduler subpackages implement; this
// package itself never drives a session.
package scxml

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentflare-ai/go-xmldom"
)

// NamespaceURI identifies elements belonging to this interpreter's core
// vocabulary when disambiguating against extension namespaces.
const NamespaceURI = "http://www.w3.org/2005/07/scxml"

// System variable names (§3, §6). These are bound read-only on every
// session's data model and cannot be reassigned by executable content.
const (
	EventSystemVariable        = "_event"
	SessionIDSystemVariable    = "_sessionid"
	NameSystemVariable         = "_name"
	IOProcessorsSystemVariable = "_ioprocessors"
)

// I/O processor type URIs (§6).
const (
	SCXMLEventProcessorType = "http://www.w3.org/TR/scxml/#SCXMLEventProcessor"
	BasicHTTPProcessorType  = "http://www.w3.org/TR/scxml/#BasicHTTPEventProcessor"
)

// Platform event names (§3, §6).
const (
	EventErrorExecution     = "error.execution"
	EventErrorCommunication = "error.communication"
)

// BindingMode controls when <data> elements are initialized (§4.2).
type BindingMode string

const (
	BindingEarly BindingMode = "early"
	BindingLate  BindingMode = "late"
)

// EventType classifies an Event's origin (§3).
type EventType string

const (
	EventTypeInternal EventType = "internal"
	EventTypeExternal EventType = "external"
	EventTypePlatform EventType = "platform"
)

// Event is the value type carried on internal/external queues and bound to
// _event during transition/action evaluation (§3, §6).
type Event struct {
	Name       string    `json:"name"`
	Type       EventType `json:"type"`
	SendID     string    `json:"sendid,omitempty"`
	Origin     string    `json:"origin,omitempty"`
	OriginType string    `json:"origintype,omitempty"`
	InvokeID   string    `json:"invokeid,omitempty"`
	// Data is the decoded form (Open Question #2: normalized map/slice/
	// scalar). Raw holds a JSON cache of the same payload when the sender
	// built one alongside Data (namelist/params, or literal <content> text);
	// otherwise it is empty and is not filled in later.
	Data      any       `json:"data,omitempty"`
	Raw       []byte    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// IsPlatformEvent reports whether name is reserved for platform delivery
// (§6): anything beginning with "done." or "error.".
func IsPlatformEvent(name string) bool {
	return hasDotPrefix(name, "done.") || hasDotPrefix(name, "error.")
}

func hasDotPrefix(name, prefix string) bool {
	return len(name) >= len(prefix) && name[:len(prefix)] == prefix
}

// ExecutionError is a synchronous, fatal failure (parse/structural errors,
// §7) that prevents session creation. It is never raised while a session is
// running — runtime failures become PlatformError events instead.
type ExecutionError struct {
	Message string
	Element xmldom.Element
}

func (e *ExecutionError) Error() string {
	if e.Element == nil {
		return fmt.Sprintf("execution error: %s", e.Message)
	}
	line, column, _ := e.Element.Position()
	return fmt.Sprintf("execution error: %s in <%s> at %d:%d", e.Message, e.Element.TagName(), line, column)
}

var _ error = (*ExecutionError)(nil)

// PlatformError is raised by executable content or the interpreter and
// surfaces as an error.execution/error.communication event on a session's
// internal queue (§7). It is never returned to a host as a Go error from a
// running session; the interpreter converts it to an enqueued Event.
type PlatformError struct {
	EventName string
	Message   string
	Data      map[string]any
	Cause     error
}

func (e *PlatformError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *PlatformError) Unwrap() error { return e.Cause }

var _ error = (*PlatformError)(nil)

// ExpressionType names what an expression string is being evaluated as,
// for data models that validate syntax differently per role (§4.2).
type ExpressionType string

const (
	ValueExpression     ExpressionType = "value"
	ConditionExpression ExpressionType = "condition"
	LocationExpression  ExpressionType = "location"
)

// DataModel is the session-scoped ECMAScript façade (§4.2). One instance
// per Session, isolated from every other session's bindings.
type DataModel interface {
	// Initialize creates every <data> element per the document's binding
	// mode. Early-bound data is assigned its expr or inline-content value
	// immediately (Src is not read);
	// late-bound data is created as undefined (assigned on first entry by
	// the interpreter calling Assign directly).
	Initialize(ctx context.Context, elements []*DataElement, mode BindingMode) error

	EvaluateValue(ctx context.Context, expr string) (any, error)
	EvaluateCondition(ctx context.Context, expr string) (bool, error)
	EvaluateLocation(ctx context.Context, location string) (any, error)
	Assign(ctx context.Context, location string, value any) error

	GetVariable(ctx context.Context, name string) (any, error)
	SetVariable(ctx context.Context, name string, value any) error

	GetSystemVariable(ctx context.Context, name string) (any, error)
	// SetSystemVariable always fails for the four read-only system
	// variables; it exists so callers get a PlatformError through the
	// normal Assign path rather than a panic.
	SetSystemVariable(ctx context.Context, name string, value any) error

	SetCurrentEvent(ctx context.Context, event *Event) error
	SetupSystemVariables(ctx context.Context, sessionID, name string, ioProcessors map[string]any) error
	RegisterInPredicate(ctx context.Context, in func(stateID string) bool) error

	ExecuteScript(ctx context.Context, script string) error

	// Clone produces an independent binding sharing system variables.
	// Most sessions use one DataModel for the whole configuration; the
	// interpreter uses Clone to seed an invoked child session's data model.
	Clone(ctx context.Context) (DataModel, error)

	ValidateExpression(ctx context.Context, expr string, kind ExpressionType) error
}

// Clock abstracts time for the Scheduler so tests can run delay/cancel
// scenarios without real sleeps (§4.5, §9 design note on host-chosen
// threading models).
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	NewTimer(d time.Duration) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer abstracts time.Timer.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// Ticker abstracts time.Ticker.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// IOProcessor is an external transport a <send> can target (§6). The SCXML
// and #_internal/#_parent/#_<invokeid> routes are handled inside the
// interpreter directly; IOProcessor exists for pluggable transports like
// BasicHTTP.
type IOProcessor interface {
	Handle(ctx context.Context, event *Event, target string) error
	Location(ctx context.Context) (string, error)
	Type() string
	Shutdown(ctx context.Context) error
}

// Logger is the explicit logging seam design note #9 calls for, in place
// of a package-level logger singleton. *slog.Logger already is one; this
// alias exists so callers don't need to import log/slog just to read this
// package's exported signatures.
type Logger = slog.Logger

// Position is a diagnostic's source location (supplemental, SPEC_FULL §3).
type Position struct {
	Line   int   `json:"line"`
	Column int   `json:"column"`
	Offset int64 `json:"offset"`
}

// Trace is one validation/runtime diagnostic (supplemental, SPEC_FULL §3).
type Trace struct {
	Level    slog.Level `json:"level"`
	Code     string     `json:"code"`
	Message  string     `json:"message"`
	Position Position   `json:"position"`
}

// Diagnostics collects Trace entries for host display; distinct from (and
// in addition to) delivering error.execution/error.communication as
// internal-queue events, which always happens regardless of whether a
// Diagnostics sink is attached.
type Diagnostics interface {
	Record(t Trace)
	All() []Trace
	Clear()
}

// SnapshotConfig controls what Session.Snapshot excludes (supplemental,
// SPEC_FULL §3). All sections are included by default.
type SnapshotConfig struct {
	ExcludeAll           bool
	ExcludeConfiguration bool
	ExcludeData          bool
	ExcludeQueue         bool
	ExcludeServices      bool
	ExcludeCancel        bool
}

// Snapshot is the in-memory diagnostic picture of one running session that
// Session.Snapshot produces (supplemental, SPEC_FULL §3). THE CORE stops
// here; rendering this to XML/JSON for display is a host-side concern, not
// something this package does.
type Snapshot struct {
	SessionID     string
	Configuration []string
	Data          map[string]any
	InternalQueue []Event
	ExternalQueue []Event
	Invokes       []string
	Cancellable   []string
}

// Stats are the host-visible counters §7 requires.
type Stats struct {
	TotalEvents       int
	TotalTransitions  int
	FailedTransitions int
	CurrentState      []string
	Running           bool
	LastError         string
}
