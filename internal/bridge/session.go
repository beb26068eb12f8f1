// Package bridge multiplexes channels over a single framed transport.
// One Session serves one connected client: it owns the frame codec, the
// channel table, the internal object bus and the superuser rule, and
// routes every inbound frame to its destination.
package bridge

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/hostbridge/hostbridge/internal/bus"
	"github.com/hostbridge/hostbridge/internal/channel"
	"github.com/hostbridge/hostbridge/internal/frame"
	"github.com/hostbridge/hostbridge/internal/loginmsg"
	"github.com/hostbridge/hostbridge/internal/logx"
	"github.com/hostbridge/hostbridge/internal/protocol"
	"github.com/hostbridge/hostbridge/internal/status"
	"github.com/hostbridge/hostbridge/internal/superuser"
)

// Options configures a Session.
type Options struct {
	// Host is the name this session answers to in open requests.
	// Defaults to os.Hostname().
	Host string

	// Superuser lists the configured elevation bridges.
	Superuser []superuser.Config

	// Privileged marks the process as already elevated; the superuser
	// rule then reports "root" and refuses to start a peer.
	Privileged bool

	// Login supplies the login messages store; a fresh empty store is
	// used when nil.
	Login *loginmsg.Store

	// Metrics receives session counters; nil disables them.
	Metrics *status.Metrics
}

// Session is one bridge connection. Run drives it until the transport
// closes or a protocol violation ends it.
type Session struct {
	reader  *frame.Reader
	writer  *frame.Writer
	host    string
	metrics *status.Metrics

	objects   *bus.Server
	factories *channel.Registry
	rule      *superuser.Rule

	mu       sync.Mutex
	channels map[string]*Chan
	closed   bool
	gotInit  bool

	authMu     sync.Mutex
	pending    map[string]chan string
	authClosed bool
}

// New builds a session over rw and exports the built-in bus objects.
func New(rw io.ReadWriter, opts Options) *Session {
	host := opts.Host
	if host == "" {
		host, _ = os.Hostname()
	}
	s := &Session{
		reader:   frame.NewReader(rw),
		writer:   frame.NewWriter(rw),
		host:     host,
		metrics:  opts.Metrics,
		objects:  bus.NewServer(),
		channels: make(map[string]*Chan),
		pending:  make(map[string]chan string),
	}
	login := opts.Login
	if login == nil {
		login = loginmsg.NewStore()
	}
	login.Export(s.objects)
	s.rule = superuser.New(s, opts.Superuser, opts.Privileged)
	s.rule.Export(s.objects)
	s.factories = channel.Builtin(s.objects)
	return s
}

// Bus exposes the internal object bus, mainly so callers can export
// additional objects before Run.
func (s *Session) Bus() *bus.Server { return s.objects }

// Rule exposes the superuser rule.
func (s *Session) Rule() *superuser.Rule { return s.rule }

// Factories exposes the payload registry for extra channel types.
func (s *Session) Factories() *channel.Registry { return s.factories }

// Channel returns the live channel with the given id, or nil.
func (s *Session) Channel(id string) *Chan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[id]
}

// Run sends the init greeting and then dispatches frames until EOF or a
// fatal protocol error. EOF returns nil; violations return the error
// after tearing the session down.
func (s *Session) Run() error {
	s.writeControl(protocol.Build("init", "", map[string]any{
		"version":   protocol.Version,
		"host":      s.host,
		"superuser": s.rule.Labels(),
	}))
	for {
		ch, payload, err := s.reader.Next()
		if err == io.EOF {
			s.shutdown()
			return nil
		}
		if err != nil {
			s.shutdown()
			return err
		}
		s.metrics.FrameRead()
		if ch != "" {
			s.handleData(ch, payload)
			continue
		}
		if err := s.handleControl(payload); err != nil {
			logx.Log.Error().Err(err).Msg("protocol violation, closing session")
			s.shutdown()
			return err
		}
	}
}

func (s *Session) handleData(ch string, payload []byte) {
	s.mu.Lock()
	c := s.channels[ch]
	s.mu.Unlock()
	if c == nil {
		logx.Log.Warn().Str("channel", ch).Msg("data for unknown channel")
		return
	}
	if c.routed {
		if err := s.rule.ForwardData(ch, payload); err != nil {
			logx.Log.Warn().Str("channel", ch).Err(err).Msg("superuser peer gone")
		}
		return
	}
	c.endpoint.Receive(payload)
}

// handleControl returns an error only for violations that end the
// whole session.
func (s *Session) handleControl(payload []byte) error {
	ctrl, err := protocol.ParseControl(payload)
	if err != nil {
		return err
	}
	if !s.gotInit {
		if ctrl.Command != "init" {
			return fmt.Errorf("expected init, got %q", ctrl.Command)
		}
		if ctrl.Version != protocol.Version {
			return fmt.Errorf("unsupported protocol version %d", ctrl.Version)
		}
		s.gotInit = true
		if label := ctrl.SuperuserID(); label != "" {
			go s.superuserInit(label)
		}
		return nil
	}
	switch ctrl.Command {
	case "init":
		// Late init messages are legal no-ops.
	case "open":
		return s.handleOpen(ctrl)
	case "done":
		s.forwardOrEndpoint(ctrl, func(c *Chan) { c.endpoint.ReceiveDone() })
	case "close":
		s.handleClose(ctrl)
	case "ready":
		// The client side signals readiness for channels it serves;
		// nothing to track here.
	case "ping":
		s.handlePing(ctrl)
	case "pong":
	case "kill":
		s.handleKill(ctrl)
	case "authorize":
		s.deliverAuthorize(ctrl)
	default:
		return fmt.Errorf("unknown control command %q", ctrl.Command)
	}
	return nil
}

func (s *Session) handleOpen(ctrl *protocol.Control) error {
	id := ctrl.Channel
	if id == "" {
		return fmt.Errorf("open without channel id")
	}
	s.mu.Lock()
	if _, ok := s.channels[id]; ok {
		s.mu.Unlock()
		return fmt.Errorf("open for already open channel %q", id)
	}
	s.mu.Unlock()

	// Host routing is decided before anything else, including the
	// superuser requirement.
	if ctrl.Host != "" && ctrl.Host != s.host {
		s.refuse(id, protocol.NoHost, "")
		return nil
	}

	if ctrl.SuperuserBool() {
		if !s.rule.Active() {
			s.refuse(id, protocol.AccessDenied, "")
			return nil
		}
		c := &Chan{sess: s, id: id, payload: ctrl.Payload, host: ctrl.Host, group: ctrl.Group, routed: true}
		s.register(c)
		if err := s.rule.ForwardControl(ctrl.Raw); err != nil {
			s.release(c)
			s.refuse(id, protocol.Terminated, "")
		}
		return nil
	}

	factory, ok := s.factories.Lookup(ctrl.Payload)
	if !ok {
		s.refuse(id, protocol.NotSupported, "")
		return nil
	}
	c := &Chan{sess: s, id: id, payload: ctrl.Payload, host: ctrl.Host, group: ctrl.Group}
	s.register(c)
	req := &channel.OpenRequest{
		Channel: id,
		Payload: ctrl.Payload,
		Host:    ctrl.Host,
		Args:    ctrl.Raw,
	}
	ep, err := factory(req, c)
	if err == nil {
		c.endpoint = ep
		err = ep.Start()
	}
	if err != nil {
		s.release(c)
		s.refuse(id, protocol.CodeOf(err), protocol.MessageOf(err))
		return nil
	}
	s.metrics.ChannelOpened(ctrl.Payload)
	logx.Log.Debug().Str("channel", id).Str("payload", ctrl.Payload).Msg("channel open")
	return nil
}

func (s *Session) handleClose(ctrl *protocol.Control) {
	s.mu.Lock()
	c := s.channels[ctrl.Channel]
	s.mu.Unlock()
	if c == nil {
		return
	}
	if c.routed {
		// The peer answers with its own close, which is relayed back
		// and releases the id then.
		if err := s.rule.ForwardControl(ctrl.Raw); err != nil {
			s.release(c)
		}
		return
	}
	c.Close(nil)
}

func (s *Session) forwardOrEndpoint(ctrl *protocol.Control, f func(*Chan)) {
	s.mu.Lock()
	c := s.channels[ctrl.Channel]
	s.mu.Unlock()
	if c == nil {
		return
	}
	if c.routed {
		if err := s.rule.ForwardControl(ctrl.Raw); err != nil {
			logx.Log.Warn().Str("channel", ctrl.Channel).Err(err).Msg("superuser peer gone")
		}
		return
	}
	f(c)
}

func (s *Session) handlePing(ctrl *protocol.Control) {
	if ctrl.Channel != "" {
		s.mu.Lock()
		c := s.channels[ctrl.Channel]
		s.mu.Unlock()
		if c != nil && c.routed {
			s.rule.ForwardControl(ctrl.Raw)
			return
		}
	}
	s.writeControl(protocol.Build("pong", ctrl.Channel, nil))
}

// handleKill closes every channel matching the host and group selectors
// with the terminated problem. Routed channels are the peer's to kill;
// the command is relayed and the peer's close frames come back through
// the ordinary path.
func (s *Session) handleKill(ctrl *protocol.Control) {
	if s.rule.Active() {
		_ = s.rule.ForwardControl(ctrl.Raw)
	}
	s.mu.Lock()
	var victims []*Chan
	for _, c := range s.channels {
		if c.routed {
			continue
		}
		if ctrl.Host != "" && c.host != ctrl.Host {
			continue
		}
		if ctrl.Group != "" && c.group != ctrl.Group {
			continue
		}
		victims = append(victims, c)
	}
	s.mu.Unlock()
	for _, c := range victims {
		c.Close(protocol.Errf(protocol.Terminated, ""))
	}
}

// superuserInit runs an elevation requested in the client's init
// message. superuser-init-done is sent whether or not it succeeded;
// the bus Current property carries the outcome.
func (s *Session) superuserInit(label string) {
	if err := s.rule.Start(label, initPrompter{s}); err != nil {
		logx.Log.Warn().Str("label", label).Err(err).Msg("superuser init failed")
		s.metrics.SuperuserStart("error")
	} else {
		s.metrics.SuperuserStart("ok")
	}
	s.writeControl(protocol.Build("superuser-init-done", "", nil))
}

// initPrompter answers superuser prompts over the transport with
// authorize messages instead of the bus Prompt signal. Used for
// elevation requested in init, before any bus channel exists.
type initPrompter struct {
	s *Session
}

func (p initPrompter) Prompt(message, def string, echo bool, errmsg string) (string, error) {
	cookie := uuid.NewString()
	ch := make(chan string, 1)
	p.s.authMu.Lock()
	if p.s.authClosed {
		p.s.authMu.Unlock()
		return "", fmt.Errorf("transport closed")
	}
	p.s.pending[cookie] = ch
	p.s.authMu.Unlock()
	p.s.writeControl(protocol.Build("authorize", "", map[string]any{
		"cookie":    cookie,
		"challenge": "plain1:",
		"message":   message,
	}))
	response, ok := <-ch
	if !ok {
		return "", fmt.Errorf("transport closed before the challenge was answered")
	}
	return response, nil
}

func (s *Session) deliverAuthorize(ctrl *protocol.Control) {
	s.authMu.Lock()
	ch := s.pending[ctrl.Cookie]
	delete(s.pending, ctrl.Cookie)
	s.authMu.Unlock()
	if ch == nil {
		logx.Log.Warn().Str("cookie", ctrl.Cookie).Msg("authorize with unknown cookie")
		return
	}
	ch <- ctrl.Response
}

// ForwardToClient implements superuser.Router: frames from the peer
// bridge pass through for channels routed to it.
func (s *Session) ForwardToClient(ch string, payload []byte) {
	if ch != "" {
		s.mu.Lock()
		c := s.channels[ch]
		s.mu.Unlock()
		if c == nil || !c.routed {
			logx.Log.Warn().Str("channel", ch).Msg("peer data for unrouted channel")
			return
		}
		s.writeFrame(ch, payload)
		return
	}
	ctrl, err := protocol.ParseControl(payload)
	if err != nil {
		logx.Log.Warn().Err(err).Msg("malformed control from superuser peer")
		return
	}
	s.mu.Lock()
	c := s.channels[ctrl.Channel]
	s.mu.Unlock()
	if c == nil || !c.routed {
		return
	}
	// Release before the close reaches the client: a client reusing
	// the id the moment it sees the close must find it free.
	if ctrl.Command == "close" {
		s.release(c)
	}
	s.writeControl(payload)
}

// PeerVanished implements superuser.Router: every channel routed to the
// departed peer is closed toward the client without a problem code.
func (s *Session) PeerVanished() {
	s.mu.Lock()
	var routed []*Chan
	for _, c := range s.channels {
		if c.routed {
			routed = append(routed, c)
		}
	}
	s.mu.Unlock()
	for _, c := range routed {
		c.Close(nil)
	}
}

func (s *Session) register(c *Chan) {
	s.mu.Lock()
	s.channels[c.id] = c
	s.mu.Unlock()
}

func (s *Session) release(c *Chan) {
	s.mu.Lock()
	delete(s.channels, c.id)
	s.mu.Unlock()
}

// refuse answers a failed open with a close frame carrying the problem.
func (s *Session) refuse(id, problem, message string) {
	extra := map[string]any{"problem": problem}
	if message != "" && message != problem {
		extra["message"] = message
	}
	s.writeControl(protocol.Build("close", id, extra))
	s.metrics.OpenFailed(problem)
}

func (s *Session) writeControl(payload []byte) {
	s.writeFrame("", payload)
}

func (s *Session) writeFrame(ch string, payload []byte) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if err := s.writer.WriteFrame(ch, payload); err != nil {
		logx.Log.Warn().Err(err).Msg("transport write failed")
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		return
	}
	s.metrics.FrameWritten()
}

// shutdown tears the session down after the transport ends: no more
// frames are written, the superuser peer is stopped and every endpoint
// released.
func (s *Session) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	chans := make([]*Chan, 0, len(s.channels))
	for _, c := range s.channels {
		chans = append(chans, c)
	}
	s.channels = make(map[string]*Chan)
	s.mu.Unlock()

	// Unblock any prompt still waiting for an authorize answer so the
	// elevation attempt can fail and the rule can unwind.
	s.authMu.Lock()
	s.authClosed = true
	for cookie, ch := range s.pending {
		delete(s.pending, cookie)
		close(ch)
	}
	s.authMu.Unlock()

	s.rule.Shutdown()
	for _, c := range chans {
		if c.endpoint != nil {
			c.endpoint.Close()
		}
	}
}
