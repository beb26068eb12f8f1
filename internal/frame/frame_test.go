package frame

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	frames := []struct {
		channel string
		payload string
	}{
		{"", `{"command":"init","version":1}`},
		{"ch1", "hello"},
		{"ch1", ""},
		{"a:2", "binary\x00data\nwith newlines"},
	}
	for _, f := range frames {
		if err := w.WriteFrame(f.channel, []byte(f.payload)); err != nil {
			t.Fatalf("write %q: %v", f.channel, err)
		}
	}
	r := NewReader(&buf)
	for _, f := range frames {
		ch, payload, err := r.Next()
		if err != nil {
			t.Fatalf("read %q: %v", f.channel, err)
		}
		if ch != f.channel || string(payload) != f.payload {
			t.Fatalf("got (%q, %q), want (%q, %q)", ch, payload, f.channel, f.payload)
		}
	}
	if _, _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestWireFormat(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteFrame("ch", []byte("abc")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got, want := buf.String(), "6\nch\nabc"; got != want {
		t.Fatalf("wire bytes %q, want %q", got, want)
	}
}

func TestMalformed(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"garbage length", "xx\nfoo"},
		{"negative length", "-1\nfoo"},
		{"empty length", "\nfoo"},
		{"truncated body", "10\nch\nabc"},
		{"truncated header", "12"},
		{"missing separator", "3\nabc"},
		{"length over limit", "9999999999\nch\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := NewReader(strings.NewReader(c.in))
			_, _, err := r.Next()
			if !errors.Is(err, ErrFraming) {
				t.Fatalf("expected ErrFraming, got %v", err)
			}
		})
	}
}

func TestCleanEOFOnlyAtBoundary(t *testing.T) {
	r := NewReader(strings.NewReader("4\nch\nx"))
	if _, _, err := r.Next(); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if _, _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}
