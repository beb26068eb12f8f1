package channel

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hostbridge/hostbridge/internal/protocol"
)

func TestStreamSpawn(t *testing.T) {
	ep, out := mustOpen(t, NewStream, map[string]any{"spawn": []string{"cat"}})
	ep.Receive([]byte("through the pipe"))
	ep.ReceiveDone()
	out.waitClosed(t)

	if string(out.dataCat()) != "through the pipe" {
		t.Fatalf("output = %q", out.dataCat())
	}
	kinds := out.kinds()
	if kinds[0] != "ready" || kinds[len(kinds)-2] != "done" || kinds[len(kinds)-1] != "close" {
		t.Fatalf("events = %v", kinds)
	}
}

func TestStreamSpawnMissing(t *testing.T) {
	_, _, err := open(t, NewStream, map[string]any{"spawn": []string{"hostbridge-no-such-binary"}})
	expectProblem(t, err, protocol.NotFound)
}

func TestStreamArgsRequired(t *testing.T) {
	_, _, err := open(t, NewStream, map[string]any{})
	expectProblem(t, err, protocol.ProtocolError)
}

func TestStreamUnix(t *testing.T) {
	sock := t.TempDir() + "/echo.sock"
	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		_, _ = conn.Write(buf[:n])
		_ = conn.Close()
	}()

	ep, out := mustOpen(t, NewStream, map[string]any{"unix": sock})
	ep.Receive([]byte("ping"))
	out.waitClosed(t)
	if string(out.dataCat()) != "ping" {
		t.Fatalf("output = %q", out.dataCat())
	}
}

func TestHTTPStream(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hello" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		body := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(body)
		w.Header().Set("X-Reply", "yes")
		_, _ = w.Write([]byte("got: " + string(body)))
	}))
	defer ts.Close()

	port, err := strconv.Atoi(ts.URL[strings.LastIndex(ts.URL, ":")+1:])
	if err != nil {
		t.Fatal(err)
	}

	ep, out := mustOpen(t, NewHTTPStream, map[string]any{
		"method": "POST",
		"path":   "/hello",
		"port":   port,
	})
	ep.Receive([]byte("payload"))
	ep.ReceiveDone()
	out.waitClosed(t)

	events := out.snapshot()
	var first []byte
	for _, e := range events {
		if e.kind == "data" {
			first = e.data
			break
		}
	}
	var meta struct {
		Status  int               `json:"status"`
		Headers map[string]string `json:"headers"`
	}
	if err := json.Unmarshal(first, &meta); err != nil {
		t.Fatalf("meta frame %q: %v", first, err)
	}
	if meta.Status != 200 || meta.Headers["X-Reply"] != "yes" {
		t.Fatalf("meta = %+v", meta)
	}
	body := string(out.dataCat()[len(first):])
	if body != "got: payload" {
		t.Fatalf("body = %q", body)
	}
}

func TestHTTPStreamArgs(t *testing.T) {
	_, _, err := open(t, NewHTTPStream, map[string]any{"method": "GET", "path": "/"})
	expectProblem(t, err, protocol.ProtocolError)
	_, _, err = open(t, NewHTTPStream, map[string]any{"port": 80})
	expectProblem(t, err, protocol.ProtocolError)
}

func TestMetricsStream(t *testing.T) {
	ep, out := mustOpen(t, NewMetrics, map[string]any{
		"metrics":  []map[string]any{{"name": "memory.used"}, {"name": "cpu.user", "derive": "rate"}},
		"interval": 10,
	})
	defer ep.Close()

	// Wait for the meta frame plus at least two sample rows.
	deadline := time.Now().Add(5 * time.Second)
	var frames [][]byte
	for time.Now().Before(deadline) {
		frames = frames[:0]
		for _, e := range out.snapshot() {
			if e.kind == "data" {
				frames = append(frames, e.data)
			}
		}
		if len(frames) >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(frames) < 3 {
		t.Fatalf("got %d data frames", len(frames))
	}

	var meta struct {
		Interval int              `json:"interval"`
		Source   string           `json:"source"`
		Metrics  []map[string]any `json:"metrics"`
	}
	if err := json.Unmarshal(frames[0], &meta); err != nil {
		t.Fatalf("meta %q: %v", frames[0], err)
	}
	if meta.Source != "internal" || meta.Interval != 10 || len(meta.Metrics) != 2 {
		t.Fatalf("meta = %+v", meta)
	}
	if meta.Metrics[0]["name"] != "memory.used" || meta.Metrics[1]["derive"] != "rate" {
		t.Fatalf("meta metrics = %v", meta.Metrics)
	}

	// First row: absolute value plus false for the rate with no
	// previous sample yet.
	var row1 [][]any
	if err := json.Unmarshal(frames[1], &row1); err != nil || len(row1) != 1 || len(row1[0]) != 2 {
		t.Fatalf("row %q: %v", frames[1], err)
	}
	if _, ok := row1[0][0].(float64); !ok {
		t.Fatalf("memory sample = %T", row1[0][0])
	}
	if row1[0][1] != false {
		t.Fatalf("first rate sample = %v", row1[0][1])
	}

	// Second row: the rate is numeric now.
	var row2 [][]any
	if err := json.Unmarshal(frames[2], &row2); err != nil || len(row2) != 1 {
		t.Fatalf("row %q: %v", frames[2], err)
	}
	if _, ok := row2[0][1].(float64); !ok {
		t.Fatalf("second rate sample = %v (%T)", row2[0][1], row2[0][1])
	}
}

func TestMetricsValidation(t *testing.T) {
	_, _, err := open(t, NewMetrics, map[string]any{"metrics": []map[string]any{}})
	expectProblem(t, err, protocol.ProtocolError)

	_, _, err = open(t, NewMetrics, map[string]any{"metrics": []map[string]any{{"name": "disk.imaginary"}}})
	expectProblem(t, err, protocol.NotSupported)

	_, _, err = open(t, NewMetrics, map[string]any{
		"metrics": []map[string]any{{"name": "cpu.user"}},
		"source":  "direct",
	})
	expectProblem(t, err, protocol.NotSupported)
}
