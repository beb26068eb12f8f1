// Package superuser implements the privilege elevation state machine:
// it owns the set of candidate privileged-bridge configurations, spawns
// the chosen peer process, relays its protocol stream, and publishes
// its state on the internal object bus at /superuser.
package superuser

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/hostbridge/hostbridge/internal/bus"
	"github.com/hostbridge/hostbridge/internal/logx"
	"github.com/hostbridge/hostbridge/internal/protocol"
)

const (
	// Path is the bus path of the superuser object.
	Path = "/superuser"
	// Interface is its bus interface name.
	Interface = "cockpit.Superuser"
	// ErrorName is the bus error name for elevation failures.
	ErrorName = "cockpit.Superuser.Error"
)

// Config describes one candidate privileged bridge.
type Config struct {
	Label      string   `yaml:"label" json:"label"`
	Spawn      []string `yaml:"spawn" json:"spawn"`
	Environ    []string `yaml:"environ" json:"environ"`
	Privileged bool     `yaml:"privileged" json:"privileged"`
}

// DefaultConfigs returns the built-in candidate bridges used when no
// configuration file supplies any.
func DefaultConfigs() []Config {
	self, err := os.Executable()
	if err != nil {
		self = "hostbridge"
	}
	return []Config{
		{Label: "sudo", Spawn: []string{"sudo", "-A", self, "--privileged"}, Environ: []string{"SUDO_ASKPASS=true"}},
		{Label: "pkexec", Spawn: []string{"pkexec", "--disable-internal-agent", self, "--privileged"}},
	}
}

// Router is the session-side surface the rule drives. The session
// forwards peer frames to the front end and tears down routed channels
// when the peer goes away.
type Router interface {
	// ForwardToClient relays one frame read from the peer.
	ForwardToClient(channel string, payload []byte)
	// PeerVanished closes every channel routed to the peer, emitting
	// an ordinary close frame for each.
	PeerVanished()
}

// Prompter surfaces an interactive authentication challenge and blocks
// until an answer arrives. The bus flow raises a Prompt signal answered
// by the Answer method; the init flow raises an authorize challenge on
// the front-end transport.
type Prompter interface {
	Prompt(message, def string, echo bool, errmsg string) (string, error)
}

// Rule is the superuser elevation state machine.
type Rule struct {
	mu         sync.Mutex
	router     Router
	spawn      SpawnFunc
	configs    []Config
	privileged bool

	current string
	peer    *Peer

	obj *bus.Object

	answerMu sync.Mutex
	answerCh chan string
}

// New creates the rule. A privileged bridge publishes Current="root"
// and refuses to start nested peers.
func New(router Router, configs []Config, privileged bool) *Rule {
	r := &Rule{router: router, spawn: ExecSpawn, configs: configs, privileged: privileged, current: "none"}
	if privileged {
		r.current = "root"
	}
	return r
}

// SetSpawn overrides how peer processes are launched. Used by tests to
// substitute an in-process peer.
func (r *Rule) SetSpawn(fn SpawnFunc) { r.spawn = fn }

// SetConfigs replaces the candidate bridge list.
func (r *Rule) SetConfigs(configs []Config) {
	r.mu.Lock()
	r.configs = configs
	obj := r.obj
	labels := r.labelsLocked()
	methods := r.methodsLocked()
	r.mu.Unlock()
	if obj != nil {
		obj.Set("Bridges", labels)
		obj.Set("Methods", methods)
	}
}

// Labels lists the candidate bridge labels, empty when already
// privileged.
func (r *Rule) Labels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.labelsLocked()
}

func (r *Rule) labelsLocked() []string {
	if r.privileged {
		return []string{}
	}
	labels := make([]string, 0, len(r.configs))
	for _, c := range r.configs {
		labels = append(labels, c.Label)
	}
	return labels
}

// methodsLocked builds the Methods property: label descriptors in the
// variant encoding the front end expects.
func (r *Rule) methodsLocked() map[string]any {
	methods := map[string]any{}
	for _, c := range r.configs {
		methods[c.Label] = map[string]any{
			"t": "a{sv}",
			"v": map[string]any{
				"label": map[string]any{"t": "s", "v": c.Label},
			},
		}
	}
	return methods
}

func (r *Rule) config(label string) *Config {
	for i := range r.configs {
		if r.configs[i].Label == label {
			return &r.configs[i]
		}
	}
	return nil
}

// Current returns the elevation state: none, init, root or the active
// bridge label.
func (r *Rule) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Active reports whether a peer is running and accepting routed
// channels.
func (r *Rule) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peer != nil && r.current != "none" && r.current != "init"
}

func (r *Rule) setCurrent(state string) {
	r.mu.Lock()
	r.current = state
	obj := r.obj
	r.mu.Unlock()
	if obj != nil {
		obj.Set("Current", state)
	}
}

// Start spawns the configured peer for label and blocks until the peer
// finishes its handshake. Interactive challenges from the peer are
// surfaced through prompter. At most one peer may be active or
// connecting; a second Start fails without side effects.
func (r *Rule) Start(label string, prompter Prompter) error {
	r.mu.Lock()
	if r.privileged {
		r.mu.Unlock()
		return bus.Errf(ErrorName, "this bridge is already privileged")
	}
	if r.current != "none" {
		r.mu.Unlock()
		return bus.Errf(ErrorName, "superuser bridge already running")
	}
	cfg := r.config(label)
	if cfg == nil {
		r.mu.Unlock()
		return bus.Errf(ErrorName, "unknown superuser bridge: %s", label)
	}
	r.current = "connecting"
	r.mu.Unlock()

	r.setCurrent("init")

	transport, err := r.spawn(*cfg)
	if err != nil {
		r.setCurrent("none")
		return bus.Errf(ErrorName, "cannot spawn %s: %v", label, err)
	}
	peer := newPeer(r, transport, prompter)
	r.mu.Lock()
	r.peer = peer
	r.mu.Unlock()
	go peer.run()
	go peer.sendLoop()

	if err := peer.waitReady(); err != nil {
		r.mu.Lock()
		r.peer = nil
		r.mu.Unlock()
		peer.shutdown()
		r.setCurrent("none")
		return err
	}
	r.setCurrent(label)
	logx.Log.Info().Str("label", label).Msg("superuser bridge started")
	return nil
}

// Stop tears the peer down. Every channel routed to the peer is closed
// before Stop returns.
func (r *Rule) Stop() error {
	r.mu.Lock()
	peer := r.peer
	r.mu.Unlock()
	if peer == nil {
		return bus.Errf(ErrorName, "no superuser bridge running")
	}
	r.teardown(peer)
	return nil
}

// Answer supplies the response to a pending Prompt.
func (r *Rule) Answer(response string) error {
	r.answerMu.Lock()
	ch := r.answerCh
	r.answerCh = nil
	r.answerMu.Unlock()
	if ch == nil {
		return bus.Errf(ErrorName, "no prompt pending")
	}
	ch <- response
	return nil
}

// teardown detaches peer, closes routed channels and reverts state.
// Used by Stop, by unexpected peer exit and by session shutdown; only
// the first caller for a given peer does the work.
func (r *Rule) teardown(peer *Peer) {
	r.mu.Lock()
	if r.peer != peer {
		r.mu.Unlock()
		return
	}
	r.peer = nil
	r.mu.Unlock()
	r.cancelPrompt()
	peer.shutdown()
	if r.router != nil {
		r.router.PeerVanished()
	}
	r.setCurrent("none")
}

// cancelPrompt unblocks a pending prompt with an empty response so the
// peer reader can observe the dying transport.
func (r *Rule) cancelPrompt() {
	r.answerMu.Lock()
	ch := r.answerCh
	r.answerCh = nil
	r.answerMu.Unlock()
	if ch != nil {
		ch <- ""
	}
}

// peerGone handles an unexpected peer exit: identical to Stop, and not
// fatal to the parent session.
func (r *Rule) peerGone(peer *Peer) {
	logx.Log.Info().Msg("superuser bridge exited")
	r.teardown(peer)
}

// Shutdown stops any running peer without emitting further frames.
// Called when the front-end transport closes.
func (r *Rule) Shutdown() {
	r.mu.Lock()
	peer := r.peer
	r.peer = nil
	r.mu.Unlock()
	r.cancelPrompt()
	if peer != nil {
		peer.shutdown()
	}
}

// ForwardControl relays a control frame addressed to a routed channel
// to the peer.
func (r *Rule) ForwardControl(raw []byte) error {
	r.mu.Lock()
	peer := r.peer
	r.mu.Unlock()
	if peer == nil {
		return protocol.Errf(protocol.AccessDenied, "no superuser bridge running")
	}
	return peer.writeFrame("", raw)
}

// ForwardData relays a data frame for a routed channel to the peer.
func (r *Rule) ForwardData(channel string, payload []byte) error {
	r.mu.Lock()
	peer := r.peer
	r.mu.Unlock()
	if peer == nil {
		return protocol.Errf(protocol.AccessDenied, "no superuser bridge running")
	}
	return peer.writeFrame(channel, payload)
}

// busPrompter surfaces challenges as Prompt signals answered via the
// Answer method.
type busPrompter struct{ rule *Rule }

func (p busPrompter) Prompt(message, def string, echo bool, errmsg string) (string, error) {
	ch := make(chan string, 1)
	p.rule.answerMu.Lock()
	if p.rule.answerCh != nil {
		p.rule.answerMu.Unlock()
		return "", bus.Errf(ErrorName, "prompt already pending")
	}
	p.rule.answerCh = ch
	p.rule.answerMu.Unlock()

	if obj := p.rule.object(); obj != nil {
		obj.Emit("Prompt", "", message, def, echo, errmsg)
	}
	return <-ch, nil
}

func (r *Rule) object() *bus.Object {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.obj
}

// Export registers the /superuser object.
func (r *Rule) Export(srv *bus.Server) {
	obj := bus.NewObject(Interface)
	r.mu.Lock()
	obj.AddProperty("Bridges", "as", r.labelsLocked())
	obj.AddProperty("Current", "s", r.current)
	obj.AddProperty("Methods", "a{sv}", r.methodsLocked())
	r.mu.Unlock()
	obj.AddSignal("Prompt", []string{"s", "s", "s", "b", "s"})
	obj.AddMethod("Start", []string{"s"}, nil, func(args []json.RawMessage) ([]any, error) {
		var label string
		if len(args) != 1 || json.Unmarshal(args[0], &label) != nil {
			return nil, bus.Errf(ErrorName, "Start expects a bridge label")
		}
		return nil, r.Start(label, busPrompter{rule: r})
	})
	obj.AddMethod("Stop", nil, nil, func(args []json.RawMessage) ([]any, error) {
		return nil, r.Stop()
	})
	obj.AddMethod("Answer", []string{"s"}, nil, func(args []json.RawMessage) ([]any, error) {
		var response string
		if len(args) != 1 || json.Unmarshal(args[0], &response) != nil {
			return nil, bus.Errf(ErrorName, "Answer expects a string response")
		}
		return nil, r.Answer(response)
	})
	srv.Export(Path, obj)
	r.mu.Lock()
	r.obj = obj
	r.mu.Unlock()
}
