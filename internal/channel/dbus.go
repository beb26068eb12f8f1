package channel

import (
	"encoding/json"

	"github.com/hostbridge/hostbridge/internal/bus"
	"github.com/hostbridge/hostbridge/internal/logx"
	"github.com/hostbridge/hostbridge/internal/protocol"
)

// busMessage is one decoded request on a dbus channel.
type busMessage struct {
	ID       string            `json:"id,omitempty"`
	Call     []json.RawMessage `json:"call,omitempty"`
	Watch    *busWatchArgs     `json:"watch,omitempty"`
	AddMatch *busWatchArgs     `json:"add-match,omitempty"`
}

type busWatchArgs struct {
	Path      string `json:"path"`
	Interface string `json:"interface"`
}

// DBus connects a channel to the in-process object bus. Only the
// internal bus is reachable from a non-privileged bridge; system bus
// access is a separate payload implementation.
type DBus struct {
	out Sender
	srv *bus.Server
}

// NewDBusFactory returns the dbus-json3 factory bound to srv.
func NewDBusFactory(srv *bus.Server) Factory {
	return func(req *OpenRequest, out Sender) (Endpoint, error) {
		var args struct {
			Bus string `json:"bus"`
		}
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		if args.Bus != "internal" {
			return nil, protocol.Errf(protocol.NotSupported, "unsupported bus %q", args.Bus)
		}
		return &DBus{out: out, srv: srv}, nil
	}
}

func (c *DBus) Start() error {
	c.out.Ready(nil)
	return nil
}

func (c *DBus) Receive(p []byte) {
	var msg busMessage
	if err := json.Unmarshal(p, &msg); err != nil {
		logx.Log.Warn().Err(err).Msg("discarding unparsable bus message")
		return
	}
	switch {
	case msg.Call != nil:
		// Dispatch on its own goroutine: a method may suspend (waiting
		// for an interactive answer) and other channels must keep
		// making progress meanwhile.
		go c.handleCall(msg)
	case msg.Watch != nil:
		if err := c.srv.Watch(msg.Watch.Path, msg.Watch.Interface, c); err != nil {
			c.sendError(msg.ID, err)
			return
		}
		c.reply(msg.ID, json.RawMessage(`[]`))
	case msg.AddMatch != nil:
		c.srv.AddMatch(msg.AddMatch.Path, msg.AddMatch.Interface, c)
		c.reply(msg.ID, json.RawMessage(`[]`))
	default:
		c.sendError(msg.ID, bus.Errf("org.freedesktop.DBus.Error.Failed", "unrecognized bus request"))
	}
}

func (c *DBus) handleCall(msg busMessage) {
	if len(msg.Call) != 4 {
		c.sendError(msg.ID, bus.Errf("org.freedesktop.DBus.Error.InvalidArgs", "call expects [path, interface, method, args]"))
		return
	}
	var path, iface, method string
	var args []json.RawMessage
	if json.Unmarshal(msg.Call[0], &path) != nil ||
		json.Unmarshal(msg.Call[1], &iface) != nil ||
		json.Unmarshal(msg.Call[2], &method) != nil ||
		json.Unmarshal(msg.Call[3], &args) != nil {
		c.sendError(msg.ID, bus.Errf("org.freedesktop.DBus.Error.InvalidArgs", "call expects [path, interface, method, args]"))
		return
	}
	out, err := c.srv.Call(path, iface, method, args)
	if err != nil {
		c.sendError(msg.ID, err)
		return
	}
	c.reply(msg.ID, []any{out})
}

func (c *DBus) reply(id string, reply any) {
	if id == "" {
		return
	}
	b, _ := json.Marshal(map[string]any{"id": id, "reply": reply})
	c.out.Data(b)
}

func (c *DBus) sendError(id string, err error) {
	if id == "" {
		return
	}
	name := "org.freedesktop.DBus.Error.Failed"
	message := err.Error()
	if be, ok := err.(*bus.Error); ok {
		name = be.Name
		message = be.Message
	}
	b, _ := json.Marshal(map[string]any{"id": id, "error": []any{name, []any{message}}})
	c.out.Data(b)
}

// Meta implements bus.Client.
func (c *DBus) Meta(iface string, desc map[string]any) {
	b, _ := json.Marshal(map[string]any{"meta": map[string]any{iface: desc}})
	c.out.Data(b)
}

// Notify implements bus.Client.
func (c *DBus) Notify(path, iface string, props map[string]any) {
	b, _ := json.Marshal(map[string]any{"notify": map[string]any{path: map[string]any{iface: props}}})
	c.out.Data(b)
}

// Signal implements bus.Client.
func (c *DBus) Signal(path, iface, name string, args []any) {
	b, _ := json.Marshal(map[string]any{"signal": []any{path, iface, name, args}})
	c.out.Data(b)
}

func (c *DBus) ReceiveDone() { c.out.Done() }

func (c *DBus) Close() {
	c.srv.Disconnect(c)
}
