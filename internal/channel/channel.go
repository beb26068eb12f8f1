// Package channel defines the uniform endpoint capability interface for
// payload types and the registry mapping payload tags to endpoint
// factories. Adding a payload type is a registry entry; the control
// router never changes.
package channel

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/hostbridge/hostbridge/internal/protocol"
)

// OpenRequest is the decoded open control message handed to a factory.
// Args preserves the full open object so payload implementations can
// decode their own arguments.
type OpenRequest struct {
	Channel string
	Payload string
	Host    string
	Args    json.RawMessage
}

// Decode unmarshals the payload-specific arguments into v.
func (r *OpenRequest) Decode(v any) error {
	if len(r.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Args, v); err != nil {
		return protocol.Errf(protocol.ProtocolError, "invalid open arguments: %v", err)
	}
	return nil
}

// Sender is the outbound half of a channel. Implementations sit behind
// the per-channel flow control gate; all methods are safe for use from
// endpoint goroutines.
type Sender interface {
	// Ready emits the ready control message. Endpoints that accept the
	// open call it exactly once, before any data.
	Ready(extra map[string]any)
	// Data emits one data frame on the channel.
	Data(p []byte)
	// Done signals the end of the outbound stream.
	Done()
	// Close ends the channel. A nil error is a clean close; otherwise
	// the close frame carries the error's problem code and message.
	Close(err error)
}

// Endpoint is the uniform capability set of an open channel.
type Endpoint interface {
	// Start begins servicing the channel. A returned error closes the
	// channel with its problem code; ready is never emitted for it.
	Start() error
	// Receive delivers one inbound data frame.
	Receive(p []byte)
	// ReceiveDone signals the end of the inbound stream.
	ReceiveDone()
	// Close stops the endpoint. No further sends are delivered.
	Close()
}

// Factory constructs an endpoint for an open request. A returned error
// fails the open with its problem code.
type Factory func(req *OpenRequest, out Sender) (Endpoint, error)

// Registry maps payload type tags to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a factory for a payload type, replacing any previous one.
func (r *Registry) Register(payload string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[payload] = f
}

// Lookup returns the factory for a payload type.
func (r *Registry) Lookup(payload string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[payload]
	return f, ok
}

// Types returns the registered payload tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
