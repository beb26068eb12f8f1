package superuser

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/hostbridge/hostbridge/internal/bus"
	"github.com/hostbridge/hostbridge/internal/frame"
	"github.com/hostbridge/hostbridge/internal/logx"
	"github.com/hostbridge/hostbridge/internal/protocol"
	"github.com/hostbridge/hostbridge/internal/secret"
)

// PeerTransport is the byte stream carrying the peer's own instance of
// the multiplexing protocol. Close must terminate the peer.
type PeerTransport interface {
	io.Reader
	io.Writer
	io.Closer
}

// SpawnFunc launches the configured peer process and returns its
// protocol stream.
type SpawnFunc func(cfg Config) (PeerTransport, error)

// execTransport adapts a spawned process's stdio.
type execTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	once   sync.Once
}

func (t *execTransport) Read(p []byte) (int, error)  { return t.stdout.Read(p) }
func (t *execTransport) Write(p []byte) (int, error) { return t.stdin.Write(p) }

func (t *execTransport) Close() error {
	t.once.Do(func() {
		_ = t.stdin.Close()
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		go func() { _ = t.cmd.Wait() }()
	})
	return nil
}

// ExecSpawn launches the configured command with its stdio as the
// protocol stream. Stderr passes through to the bridge's own stderr.
func ExecSpawn(cfg Config) (PeerTransport, error) {
	if len(cfg.Spawn) == 0 {
		return nil, errors.New("superuser bridge has no spawn command")
	}
	cmd := exec.Command(cfg.Spawn[0], cfg.Spawn[1:]...)
	cmd.Env = append(os.Environ(), cfg.Environ...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execTransport{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// sendQueueDepth bounds frames waiting for the peer to drain its
// stdin. A full queue fails the send instead of stalling the session's
// dispatch loop.
const sendQueueDepth = 256

type outFrame struct {
	channel string
	payload []byte
}

// Peer relays the spawned process's nested protocol stream. Frames for
// routed channels pass through unmodified; the peer's own handshake
// (init, authorize challenges, ping) is consumed here and never reaches
// the front end.
type Peer struct {
	rule      *Rule
	transport PeerTransport
	prompter  Prompter
	reader    *frame.Reader
	writer    *frame.Writer

	outbound chan outFrame
	done     chan struct{}

	readyOnce sync.Once
	ready     chan error

	closeOnce sync.Once
}

func newPeer(rule *Rule, transport PeerTransport, prompter Prompter) *Peer {
	return &Peer{
		rule:      rule,
		transport: transport,
		prompter:  prompter,
		reader:    frame.NewReader(transport),
		writer:    frame.NewWriter(transport),
		outbound:  make(chan outFrame, sendQueueDepth),
		done:      make(chan struct{}),
		ready:     make(chan error, 1),
	}
}

// waitReady blocks until the peer completes its init handshake or dies.
func (p *Peer) waitReady() error {
	return <-p.ready
}

func (p *Peer) finishStartup(err error) {
	p.readyOnce.Do(func() { p.ready <- err })
}

// writeFrame queues a frame for the sender goroutine. It never blocks
// on the peer's stdin: a stalled peer fails the send instead of
// wedging the caller.
func (p *Peer) writeFrame(channel string, payload []byte) error {
	f := outFrame{channel: channel, payload: payload}
	select {
	case <-p.done:
		return errors.New("superuser bridge is gone")
	default:
	}
	select {
	case p.outbound <- f:
		return nil
	case <-p.done:
		return errors.New("superuser bridge is gone")
	default:
		return errors.New("superuser bridge is not draining its input")
	}
}

// sendLoop owns the transport's write side.
func (p *Peer) sendLoop() {
	for {
		select {
		case <-p.done:
			return
		case f := <-p.outbound:
			if err := p.writer.WriteFrame(f.channel, f.payload); err != nil {
				logx.Log.Warn().Err(err).Msg("superuser bridge write failed")
				p.shutdown()
				return
			}
		}
	}
}

func (p *Peer) shutdown() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.transport.Close()
	})
}

// run is the peer's reader loop. It owns the handshake and then relays
// every frame until the stream ends.
func (p *Peer) run() {
	startupDone := false
	for {
		channel, payload, err := p.reader.Next()
		if err != nil {
			if !startupDone {
				p.finishStartup(bus.Errf(ErrorName, "superuser bridge failed: %v", err))
				return
			}
			p.rule.peerGone(p)
			return
		}
		if channel != "" {
			p.rule.router.ForwardToClient(channel, payload)
			continue
		}
		ctrl, err := protocol.ParseControl(payload)
		if err != nil {
			logx.Log.Warn().Err(err).Msg("discarding malformed peer control message")
			continue
		}
		switch ctrl.Command {
		case "init":
			if ctrl.Problem != "" {
				message := ctrl.Message
				if message == "" {
					message = ctrl.Problem
				}
				p.finishStartup(bus.Errf(ErrorName, "%s", message))
				p.shutdown()
				return
			}
			if err := p.writeFrame("", protocol.Build("init", "", map[string]any{"version": protocol.Version})); err != nil {
				p.finishStartup(bus.Errf(ErrorName, "superuser bridge failed: %v", err))
				return
			}
			startupDone = true
			p.finishStartup(nil)
		case "authorize":
			p.handleAuthorize(ctrl)
		case "ping":
			_ = p.writeFrame("", protocol.Build("pong", ctrl.Channel, nil))
		case "pong":
			// keepalive reply, nothing to do
		default:
			if ctrl.Channel != "" {
				p.rule.router.ForwardToClient("", payload)
			} else {
				logx.Log.Debug().Str("command", ctrl.Command).Msg("ignoring peer control message")
			}
		}
	}
}

// handleAuthorize surfaces the peer's interactive challenge and relays
// the answer back.
func (p *Peer) handleAuthorize(ctrl *protocol.Control) {
	message := ctrl.Message
	if message == "" {
		message = "Password: "
	}
	response, err := p.prompter.Prompt(message, "", false, "")
	if err != nil {
		logx.Log.Warn().Err(err).Msg("superuser prompt failed")
		response = ""
	}
	logx.Log.Debug().Str("response", secret.Mask(response)).Msg("answering superuser challenge")
	if err := p.writeFrame("", protocol.Build("authorize", "", map[string]any{
		"cookie":   ctrl.Cookie,
		"response": response,
	})); err != nil {
		logx.Log.Warn().Err(err).Msg("cannot answer superuser challenge")
	}
}
