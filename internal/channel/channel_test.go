package channel

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/hostbridge/hostbridge/internal/protocol"
)

// sendEvent is one recorded Sender call.
type sendEvent struct {
	kind  string
	extra map[string]any
	data  []byte
	err   error
}

// recorder captures endpoint output for assertions.
type recorder struct {
	mu     sync.Mutex
	events []sendEvent
	closed chan struct{}
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan struct{})}
}

func (r *recorder) Ready(extra map[string]any) {
	r.mu.Lock()
	r.events = append(r.events, sendEvent{kind: "ready", extra: extra})
	r.mu.Unlock()
}

func (r *recorder) Data(p []byte) {
	r.mu.Lock()
	r.events = append(r.events, sendEvent{kind: "data", data: append([]byte(nil), p...)})
	r.mu.Unlock()
}

func (r *recorder) Done() {
	r.mu.Lock()
	r.events = append(r.events, sendEvent{kind: "done"})
	r.mu.Unlock()
}

func (r *recorder) Close(err error) {
	r.mu.Lock()
	r.events = append(r.events, sendEvent{kind: "close", err: err})
	r.mu.Unlock()
	close(r.closed)
}

// waitClosed blocks until the endpoint closed the channel.
func (r *recorder) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-r.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("channel did not close; events: %v", r.kinds())
	}
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.kind
	}
	return kinds
}

func (r *recorder) snapshot() []sendEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sendEvent(nil), r.events...)
}

// dataCat concatenates every data frame.
func (r *recorder) dataCat() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []byte
	for _, e := range r.events {
		if e.kind == "data" {
			out = append(out, e.data...)
		}
	}
	return out
}

// open runs a factory the way the session does.
func open(t *testing.T, f Factory, args map[string]any) (Endpoint, *recorder, error) {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	out := newRecorder()
	ep, err := f(&OpenRequest{Channel: "t1", Args: raw}, out)
	if err != nil {
		return nil, out, err
	}
	if err := ep.Start(); err != nil {
		return nil, out, err
	}
	return ep, out, nil
}

func mustOpen(t *testing.T, f Factory, args map[string]any) (Endpoint, *recorder) {
	t.Helper()
	ep, out, err := open(t, f, args)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return ep, out
}

func expectProblem(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", code)
	}
	if got := protocol.CodeOf(err); got != code {
		t.Fatalf("problem = %q (%v), want %q", got, err, code)
	}
}

func TestEcho(t *testing.T) {
	ep, out := mustOpen(t, NewEcho, nil)
	ep.Receive([]byte("hello"))
	ep.ReceiveDone()
	out.waitClosed(t)

	kinds := out.kinds()
	want := []string{"ready", "data", "done", "close"}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events = %v, want %v", kinds, want)
		}
	}
	if string(out.dataCat()) != "hello" {
		t.Fatalf("data = %q", out.dataCat())
	}
	if out.snapshot()[3].err != nil {
		t.Fatalf("close err = %v", out.snapshot()[3].err)
	}
}

func TestNullDiscards(t *testing.T) {
	ep, out := mustOpen(t, NewNull, nil)
	ep.Receive([]byte("dropped"))
	ep.ReceiveDone()

	kinds := out.kinds()
	if len(kinds) != 2 || kinds[0] != "ready" || kinds[1] != "done" {
		t.Fatalf("events = %v", kinds)
	}
	if len(out.dataCat()) != 0 {
		t.Fatalf("null echoed data: %q", out.dataCat())
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", NewEcho)
	if _, ok := r.Lookup("echo"); !ok {
		t.Fatalf("registered payload not found")
	}
	if _, ok := r.Lookup("nope"); ok {
		t.Fatalf("unknown payload found")
	}
}
