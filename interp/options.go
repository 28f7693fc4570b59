package interp

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/nullstate/scxml"
	"github.com/nullstate/scxml/scheduler"
)

// Options configures a Session at construction, the functional-options
// shape the pack uses throughout (statechartx's internal/core.Option,
// gemini.RateLimiterOptions) in place of a sprawling constructor signature.
type Options struct {
	Clock          scxml.Clock
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	Scheduler      *scheduler.Scheduler
	Registry       *Registry
	IOProcessors   map[string]scxml.IOProcessor
	Diagnostics    scxml.Diagnostics

	ParentSessionID string
	ParentInvokeID  string
	SeedData        map[string]any
}

// Option mutates Options during construction.
type Option func(*Options)

func WithClock(c scxml.Clock) Option { return func(o *Options) { o.Clock = c } }

func WithLogger(l *slog.Logger) Option { return func(o *Options) { o.Logger = l } }

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) { o.TracerProvider = tp }
}

func WithScheduler(s *scheduler.Scheduler) Option { return func(o *Options) { o.Scheduler = s } }

func WithRegistry(r *Registry) Option { return func(o *Options) { o.Registry = r } }

func WithIOProcessor(typeURI string, p scxml.IOProcessor) Option {
	return func(o *Options) {
		if o.IOProcessors == nil {
			o.IOProcessors = make(map[string]scxml.IOProcessor)
		}
		o.IOProcessors[typeURI] = p
	}
}

func WithDiagnostics(d scxml.Diagnostics) Option { return func(o *Options) { o.Diagnostics = d } }

func withParent(sessionID, invokeID string) Option {
	return func(o *Options) {
		o.ParentSessionID = sessionID
		o.ParentInvokeID = invokeID
	}
}

// withSeedData carries an <invoke>'s evaluated param/namelist values (taken
// from the parent's data model, §4.6) into the child session, to be applied
// after the child's own data-model initialization so they win over a
// same-named early-bound <data> in the child document.
func withSeedData(data map[string]any) Option {
	return func(o *Options) { o.SeedData = data }
}

func buildOptions(opts ...Option) *Options {
	o := &Options{
		Clock:  scheduler.RealClock{},
		Logger: slog.Default(),
	}
	for _, fn := range opts {
		fn(o)
	}
	return o
}
