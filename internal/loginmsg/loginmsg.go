// Package loginmsg exposes the login message handed over by the login
// process as a bus object. The message survives re-reads within the
// session and disappears once dismissed.
package loginmsg

import (
	"encoding/json"
	"os"
	"strconv"
	"sync"

	"github.com/hostbridge/hostbridge/internal/bus"
	"github.com/hostbridge/hostbridge/internal/logx"
)

// EnvVar names the environment variable carrying the file descriptor
// with the login message contents.
const EnvVar = "COCKPIT_LOGIN_MESSAGES_MEMFD"

const (
	// Path is the bus path of the login messages object.
	Path = "/LoginMessages"
	// Interface is its bus interface name.
	Interface = "cockpit.LoginMessages"
)

// Store holds the session's login message.
type Store struct {
	mu      sync.Mutex
	message string
}

// NewStore reads the login message from the environment-provided file
// descriptor, if any.
func NewStore() *Store {
	s := &Store{}
	v := os.Getenv(EnvVar)
	if v == "" {
		return s
	}
	fd, err := strconv.Atoi(v)
	if err != nil {
		logx.Log.Warn().Str("value", v).Msg("ignoring invalid login messages fd")
		return s
	}
	// Reading through /proc re-opens the memfd at offset zero without
	// disturbing the descriptor shared with other consumers.
	data, err := os.ReadFile("/proc/self/fd/" + strconv.Itoa(fd))
	if err != nil {
		logx.Log.Warn().Err(err).Msg("cannot read login messages")
		return s
	}
	s.message = string(data)
	return s
}

// Get returns the login message, or "{}" when there is none.
func (s *Store) Get() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.message == "" {
		return "{}"
	}
	return s.message
}

// Dismiss discards the message. Dismissing twice is a no-op.
func (s *Store) Dismiss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = ""
}

// Export registers the object on the bus.
func (s *Store) Export(srv *bus.Server) {
	obj := bus.NewObject(Interface)
	obj.AddMethod("Get", nil, []string{"s"}, func(args []json.RawMessage) ([]any, error) {
		return []any{s.Get()}, nil
	})
	obj.AddMethod("Dismiss", nil, nil, func(args []json.RawMessage) ([]any, error) {
		s.Dismiss()
		return nil, nil
	})
	srv.Export(Path, obj)
}
