package loginmsg

import (
	"os"
	"strconv"
	"testing"

	"github.com/hostbridge/hostbridge/internal/bus"
)

func storeWithMessage(t *testing.T, message string) *Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "login")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = f.Close() })
	if _, err := f.WriteString(message); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvVar, strconv.Itoa(int(f.Fd())))
	return NewStore()
}

func TestGetAndDismiss(t *testing.T) {
	s := storeWithMessage(t, `{"motd": "welcome"}`)

	if got := s.Get(); got != `{"motd": "welcome"}` {
		t.Fatalf("Get = %q", got)
	}
	// Repeatable until dismissed.
	if got := s.Get(); got != `{"motd": "welcome"}` {
		t.Fatalf("second Get = %q", got)
	}
	s.Dismiss()
	if got := s.Get(); got != "{}" {
		t.Fatalf("Get after Dismiss = %q", got)
	}
	// Idempotent.
	s.Dismiss()
	if got := s.Get(); got != "{}" {
		t.Fatalf("Get after second Dismiss = %q", got)
	}
}

func TestNoMessage(t *testing.T) {
	t.Setenv(EnvVar, "")
	s := NewStore()
	if got := s.Get(); got != "{}" {
		t.Fatalf("Get = %q", got)
	}
}

func TestInvalidDescriptor(t *testing.T) {
	t.Setenv(EnvVar, "not-a-number")
	s := NewStore()
	if got := s.Get(); got != "{}" {
		t.Fatalf("Get = %q", got)
	}
}

func TestExport(t *testing.T) {
	s := storeWithMessage(t, "hello")
	srv := bus.NewServer()
	s.Export(srv)

	out, err := srv.Call(Path, Interface, "Get", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(out) != 1 || out[0] != "hello" {
		t.Fatalf("out = %v", out)
	}
	if _, err := srv.Call(Path, Interface, "Dismiss", nil); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	out, err = srv.Call(Path, Interface, "Get", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out[0] != "{}" {
		t.Fatalf("out after Dismiss = %v", out)
	}
}
