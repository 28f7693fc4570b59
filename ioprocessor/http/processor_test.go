package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nullstate/scxml"
)

type recordingReceiver struct {
	events []scxml.Event
}

func (r *recordingReceiver) SendExternal(event scxml.Event) {
	r.events = append(r.events, event)
}

func TestServeHTTPDeliversNamedEvent(t *testing.T) {
	recv := &recordingReceiver{}
	p := New("http://example.invalid/scxml", Options{})
	p.Bind(recv)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.PostForm = map[string][]string{
		"_scxmleventname": {"order.created"},
		"orderId":         {"42"},
	}
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("ServeHTTP() status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	if len(recv.events) != 1 {
		t.Fatalf("got %d events, want 1", len(recv.events))
	}
	ev := recv.events[0]
	if ev.Name != "order.created" {
		t.Fatalf("event name = %q, want order.created", ev.Name)
	}
	data, ok := ev.Data.(map[string]any)
	if !ok {
		t.Fatalf("event data = %v (%T), want map[string]any", ev.Data, ev.Data)
	}
	if data["orderId"] != "42" {
		t.Fatalf("orderId = %v, want 42", data["orderId"])
	}
}

func TestServeHTTPFallsBackToMethodEventName(t *testing.T) {
	recv := &recordingReceiver{}
	p := New("http://example.invalid/scxml", Options{})
	p.Bind(recv)

	req := httptest.NewRequest(http.MethodPut, "/", nil)
	req.PostForm = map[string][]string{}
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if len(recv.events) != 1 {
		t.Fatalf("got %d events, want 1", len(recv.events))
	}
	if recv.events[0].Name != "HTTP.PUT" {
		t.Fatalf("event name = %q, want HTTP.PUT", recv.events[0].Name)
	}
}

func TestServeHTTPNoReceiverBound(t *testing.T) {
	p := New("http://example.invalid/scxml", Options{})
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ServeHTTP() status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestHandlePostsEventRawAsFormFields(t *testing.T) {
	var gotBody string
	var gotContentType string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New("", Options{})
	event := &scxml.Event{
		Name: "greet",
		Raw:  []byte(`{"who":"world"}`),
	}
	if err := p.Handle(context.Background(), event, srv.URL); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if gotContentType != "application/x-www-form-urlencoded" {
		t.Fatalf("Content-Type = %q", gotContentType)
	}
	if gotBody == "" {
		t.Fatal("Handle() sent an empty body")
	}
}

func TestHandleReturnsErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New("", Options{})
	event := &scxml.Event{Name: "greet"}
	if err := p.Handle(context.Background(), event, srv.URL); err == nil {
		t.Fatal("Handle() should have errored on a 500 response")
	}
}
