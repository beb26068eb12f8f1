// Package bus implements the in-process object bus reachable through a
// reserved bridge channel. Exported objects publish an explicit
// descriptor table (methods, properties, signals) built at export time;
// the same table drives introspection replies and call dispatch.
package bus

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// PropertiesInterface is the synthetic properties interface every
// exported object answers in addition to its own. Get, GetAll and Set
// are served straight from the descriptor table.
const PropertiesInterface = "org.freedesktop.DBus.Properties"

const invalidArgs = "org.freedesktop.DBus.Error.InvalidArgs"

// Error is a named bus-level failure returned to callers.
type Error struct {
	Name    string
	Message string
}

func (e *Error) Error() string { return e.Name + ": " + e.Message }

// Errf builds a bus Error with a formatted message.
func Errf(name, format string, args ...any) *Error {
	return &Error{Name: name, Message: fmt.Sprintf(format, args...)}
}

// Client receives pushed bus traffic: interface descriptors, property
// notifications and signal emissions. One client exists per connected
// bus channel.
type Client interface {
	Meta(iface string, desc map[string]any)
	Notify(path, iface string, props map[string]any)
	Signal(path, iface, name string, args []any)
}

type watcher struct {
	client Client
	path   string
	iface  string
}

type match struct {
	client Client
	path   string
	iface  string
}

// Server hosts exported objects keyed by path.
type Server struct {
	mu       sync.Mutex
	objects  map[string]*Object
	watchers []watcher
	matches  []match
}

func NewServer() *Server {
	return &Server{objects: map[string]*Object{}}
}

// Export registers obj at path. Re-exporting a path replaces the
// previous object.
func (s *Server) Export(path string, obj *Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj.srv = s
	obj.path = path
	s.objects[path] = obj
}

// Call dispatches a method call. Unknown path, interface or method
// fails with a bus error naming the unresolved identifier.
func (s *Server) Call(path, iface, method string, args []json.RawMessage) ([]any, error) {
	s.mu.Lock()
	obj := s.objects[path]
	s.mu.Unlock()
	if obj == nil {
		return nil, Errf("org.freedesktop.DBus.Error.UnknownObject", "no object at %s", path)
	}
	if iface == PropertiesInterface {
		return obj.propertiesCall(method, args)
	}
	if iface != obj.iface {
		return nil, Errf("org.freedesktop.DBus.Error.UnknownInterface", "object at %s has no interface %s", path, iface)
	}
	m := obj.methods[method]
	if m == nil {
		return nil, Errf("org.freedesktop.DBus.Error.UnknownMethod", "%s has no method %s", iface, method)
	}
	out, err := m.Call(args)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

// Watch registers c as an observer of path+iface and synchronously
// pushes the interface descriptor followed by the current property
// snapshot. The caller sends its own reply afterwards, preserving the
// meta, notify, reply ordering.
func (s *Server) Watch(path, iface string, c Client) error {
	s.mu.Lock()
	obj := s.objects[path]
	if obj == nil {
		s.mu.Unlock()
		return Errf("org.freedesktop.DBus.Error.UnknownObject", "no object at %s", path)
	}
	if iface == PropertiesInterface {
		// Properties watches observe the object's own interface.
		iface = obj.iface
	}
	if iface != obj.iface {
		s.mu.Unlock()
		return Errf("org.freedesktop.DBus.Error.UnknownInterface", "object at %s has no interface %s", path, iface)
	}
	s.watchers = append(s.watchers, watcher{client: c, path: path, iface: iface})
	desc := obj.describe()
	snapshot := obj.propertySnapshot()
	s.mu.Unlock()

	c.Meta(iface, desc)
	c.Notify(path, iface, snapshot)
	return nil
}

// AddMatch subscribes c to signal emissions for path+iface. Empty path
// or iface matches everything.
func (s *Server) AddMatch(path, iface string, c Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches = append(s.matches, match{client: c, path: path, iface: iface})
}

// Disconnect drops every watch and match held by c. Called when the
// owning bus channel closes.
func (s *Server) Disconnect(c Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	watchers := s.watchers[:0]
	for _, w := range s.watchers {
		if w.client != c {
			watchers = append(watchers, w)
		}
	}
	s.watchers = watchers
	matches := s.matches[:0]
	for _, m := range s.matches {
		if m.client != c {
			matches = append(matches, m)
		}
	}
	s.matches = matches
}

// notifyProps pushes a property delta to every active watcher of
// path+iface. Runs synchronously so the mutation is visible before the
// triggering call returns.
func (s *Server) notifyProps(path, iface string, props map[string]any) {
	s.mu.Lock()
	var targets []Client
	for _, w := range s.watchers {
		if w.path == path && w.iface == iface {
			targets = append(targets, w.client)
		}
	}
	s.mu.Unlock()
	for _, c := range targets {
		c.Notify(path, iface, props)
	}
}

func (s *Server) emitSignal(path, iface, name string, args []any) {
	s.mu.Lock()
	var targets []Client
	for _, m := range s.matches {
		if (m.path == "" || m.path == path) && (m.iface == "" || m.iface == iface) {
			targets = append(targets, m.client)
		}
	}
	s.mu.Unlock()
	for _, c := range targets {
		c.Signal(path, iface, name, args)
	}
}

// Method is one callable contract in an object's descriptor table.
type Method struct {
	In   []string
	Out  []string
	Call func(args []json.RawMessage) ([]any, error)
}

// Signal describes the typed arguments of one signal.
type Signal struct {
	In []string
}

type property struct {
	typ   string
	value any
}

// Object is an exported bus object with a single interface and an
// explicit descriptor table.
type Object struct {
	srv   *Server
	path  string
	iface string

	mu      sync.Mutex
	methods map[string]*Method
	props   map[string]*property
	signals map[string]Signal
}

// NewObject creates an empty object implementing iface.
func NewObject(iface string) *Object {
	return &Object{
		iface:   iface,
		methods: map[string]*Method{},
		props:   map[string]*property{},
		signals: map[string]Signal{},
	}
}

// AddMethod registers a method in the descriptor table.
func (o *Object) AddMethod(name string, in, out []string, call func(args []json.RawMessage) ([]any, error)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.methods[name] = &Method{In: in, Out: out, Call: call}
}

// AddProperty registers a property with its type signature and initial
// value.
func (o *Object) AddProperty(name, typ string, value any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.props[name] = &property{typ: typ, value: value}
}

// AddSignal registers a signal name with its argument signature.
func (o *Object) AddSignal(name string, in []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.signals[name] = Signal{In: in}
}

// Get returns the current value of a property.
func (o *Object) Get(name string) any {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p := o.props[name]; p != nil {
		return p.value
	}
	return nil
}

// Set mutates a property and synchronously notifies every watcher
// before returning.
func (o *Object) Set(name string, value any) {
	o.mu.Lock()
	p := o.props[name]
	if p == nil {
		o.mu.Unlock()
		return
	}
	p.value = value
	srv, path, iface := o.srv, o.path, o.iface
	o.mu.Unlock()
	if srv != nil {
		srv.notifyProps(path, iface, map[string]any{name: value})
	}
}

// Emit broadcasts a signal to subscribed clients.
func (o *Object) Emit(name string, args ...any) {
	o.mu.Lock()
	srv, path, iface := o.srv, o.path, o.iface
	o.mu.Unlock()
	if srv == nil {
		return
	}
	if args == nil {
		args = []any{}
	}
	srv.emitSignal(path, iface, name, args)
}

// propertiesCall serves the synthetic Properties interface. Values are
// returned in the {"t": signature, "v": value} variant encoding.
func (o *Object) propertiesCall(method string, args []json.RawMessage) ([]any, error) {
	switch method {
	case "Get":
		var iface, name string
		if err := decodeStrings(args, &iface, &name); err != nil {
			return nil, err
		}
		if iface != o.iface {
			return nil, Errf("org.freedesktop.DBus.Error.UnknownInterface", "%s has no interface %s", o.path, iface)
		}
		o.mu.Lock()
		p := o.props[name]
		var v map[string]any
		if p != nil {
			v = map[string]any{"t": p.typ, "v": p.value}
		}
		o.mu.Unlock()
		if v == nil {
			return nil, Errf(invalidArgs, "%s has no property %s", o.iface, name)
		}
		return []any{v}, nil
	case "GetAll":
		var iface string
		if err := decodeStrings(args, &iface); err != nil {
			return nil, err
		}
		if iface != o.iface {
			return nil, Errf("org.freedesktop.DBus.Error.UnknownInterface", "%s has no interface %s", o.path, iface)
		}
		return []any{o.variantSnapshot()}, nil
	case "Set":
		if len(args) != 3 {
			return nil, Errf(invalidArgs, "Set expects 3 arguments, got %d", len(args))
		}
		var iface, name string
		if err := decodeStrings(args[:2], &iface, &name); err != nil {
			return nil, err
		}
		if iface != o.iface {
			return nil, Errf("org.freedesktop.DBus.Error.UnknownInterface", "%s has no interface %s", o.path, iface)
		}
		var value any
		if err := json.Unmarshal(args[2], &value); err != nil {
			return nil, Errf(invalidArgs, "Set value: %v", err)
		}
		// Accept the variant encoding as well as a bare value.
		if m, ok := value.(map[string]any); ok && len(m) == 2 {
			if v, has := m["v"]; has {
				if _, has := m["t"]; has {
					value = v
				}
			}
		}
		o.mu.Lock()
		known := o.props[name] != nil
		o.mu.Unlock()
		if !known {
			return nil, Errf(invalidArgs, "%s has no property %s", o.iface, name)
		}
		o.Set(name, value)
		return []any{}, nil
	default:
		return nil, Errf("org.freedesktop.DBus.Error.UnknownMethod", "%s has no method %s", PropertiesInterface, method)
	}
}

func decodeStrings(args []json.RawMessage, dst ...*string) error {
	if len(args) < len(dst) {
		return Errf(invalidArgs, "expected %d arguments, got %d", len(dst), len(args))
	}
	for i, d := range dst {
		if err := json.Unmarshal(args[i], d); err != nil {
			return Errf(invalidArgs, "argument %d: %v", i, err)
		}
	}
	return nil
}

func (o *Object) variantSnapshot() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	all := make(map[string]any, len(o.props))
	for name, p := range o.props {
		all[name] = map[string]any{"t": p.typ, "v": p.value}
	}
	return all
}

// describe builds the introspection descriptor returned on watch.
func (o *Object) describe() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	methods := map[string]any{}
	for _, name := range sortedKeys(o.methods) {
		m := o.methods[name]
		in, out := m.In, m.Out
		if in == nil {
			in = []string{}
		}
		if out == nil {
			out = []string{}
		}
		methods[name] = map[string]any{"in": in, "out": out}
	}
	props := map[string]any{}
	for _, name := range sortedKeys(o.props) {
		props[name] = map[string]any{"flags": "r", "type": o.props[name].typ}
	}
	signals := map[string]any{}
	for _, name := range sortedKeys(o.signals) {
		in := o.signals[name].In
		if in == nil {
			in = []string{}
		}
		signals[name] = map[string]any{"in": in}
	}
	return map[string]any{"methods": methods, "properties": props, "signals": signals}
}

func (o *Object) propertySnapshot() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := make(map[string]any, len(o.props))
	for name, p := range o.props {
		snap[name] = p.value
	}
	return snap
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
