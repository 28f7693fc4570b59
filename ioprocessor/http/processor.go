// Package http implements the BasicHTTP I/O processor (§6): outbound
// <send> delivery over HTTP POST, and inbound delivery of external events
// to a bound session. The base spec places this transport out of THE CORE
// ("external collaborator referenced only through interfaces"); this package
// is the optional, concrete implementation a host wires in via
// scxml.IOProcessor, not something the interpreter depends on directly.
package http

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/nullstate/scxml"
)

// Receiver accepts an externally-originated event, the same contract
// interp.Session.SendExternal satisfies.
type Receiver interface {
	SendExternal(event scxml.Event)
}

// Processor is a scxml.IOProcessor backed by net/http, rate-limited the
// same way gemini.RateLimiter throttles outbound LLM calls: one
// golang.org/x/time/rate.Limiter guarding every outbound POST.
type Processor struct {
	mu       sync.RWMutex
	client   *http.Client
	limiter  *rate.Limiter
	location string
	receiver Receiver
}

// Options configures a Processor at construction.
type Options struct {
	Client *http.Client
	// RPS bounds outbound sends per second; zero means unlimited.
	RPS   rate.Limit
	Burst int
}

// New constructs a Processor advertised to data-model scripts at location
// (the value exposed via _ioprocessors[BasicHTTPProcessorType].location).
func New(location string, opts Options) *Processor {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(opts.RPS, burst)
	}
	return &Processor{client: client, limiter: limiter, location: location}
}

var _ scxml.IOProcessor = (*Processor)(nil)

// Bind attaches the session (or any Receiver) that inbound POSTs deliver
// external events to. A Processor is typically bound to exactly one session,
// mirroring how each session's WithIOProcessor registers its own instance.
func (p *Processor) Bind(r Receiver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receiver = r
}

func (p *Processor) Type() string { return scxml.BasicHTTPProcessorType }

func (p *Processor) Location(ctx context.Context) (string, error) {
	return p.location, nil
}

// Handle sends event to target as an application/x-www-form-urlencoded POST
// (§6): every namelist variable and <param> already folded into event.Data
// becomes a form field, plus _scxmleventname when event.Name is set. A non-
// 2xx response or transport failure is the caller's (interp.Session.Send's)
// signal to raise error.communication.
func (p *Processor) Handle(ctx context.Context, event *scxml.Event, target string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("BasicHTTP rate limit: %w", err)
	}

	form := url.Values{}
	if event.Name != "" {
		form.Set("_scxmleventname", event.Name)
	}
	if len(event.Raw) > 0 {
		gjson.ParseBytes(event.Raw).ForEach(func(key, value gjson.Result) bool {
			form.Set(key.String(), value.String())
			return true
		})
	} else if fields, ok := event.Data.(map[string]any); ok {
		for k, v := range fields {
			form.Set(k, fmt.Sprintf("%v", v))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building BasicHTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("BasicHTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("BasicHTTP target returned status %d", resp.StatusCode)
	}
	return nil
}

// ServeHTTP implements inbound delivery: a POST body is decoded the same
// way Handle encodes one, and forwarded to the bound Receiver's external
// queue. If neither an explicit event attribute nor a "_scxmleventname"
// field is present, the event name falls back to "HTTP.<METHOD>" (§6: "the
// event name on any response event is the HTTP method name").
func (p *Processor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.RLock()
	receiver := p.receiver
	p.mu.RUnlock()
	if receiver == nil {
		http.Error(w, "no session bound to this processor", http.StatusServiceUnavailable)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}

	name := r.PostForm.Get("_scxmleventname")
	if name == "" {
		name = fmt.Sprintf("HTTP.%s", r.Method)
	}

	data := map[string]any{}
	for k, vs := range r.PostForm {
		if k == "_scxmleventname" || len(vs) == 0 {
			continue
		}
		data[k] = vs[0]
	}

	receiver.SendExternal(scxml.Event{
		Name:       name,
		Type:       scxml.EventTypeExternal,
		Origin:     r.RemoteAddr,
		OriginType: scxml.BasicHTTPProcessorType,
		Data:       data,
	})
	w.WriteHeader(http.StatusAccepted)
}

// Shutdown closes idle client connections; the processor otherwise holds no
// long-lived resources of its own.
func (p *Processor) Shutdown(ctx context.Context) error {
	if t, ok := p.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}
