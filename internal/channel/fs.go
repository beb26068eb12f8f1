package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hostbridge/hostbridge/internal/logx"
	"github.com/hostbridge/hostbridge/internal/protocol"
)

const fsReadChunk = 16 * 1024

func problemForPathError(err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return protocol.Errf(protocol.AccessDenied, "%v", err)
	case errors.Is(err, fs.ErrNotExist):
		return protocol.Errf(protocol.NotFound, "%v", err)
	default:
		return protocol.Errf(protocol.InternalError, "%v", err)
	}
}

func entryType(mode fs.FileMode) string {
	switch {
	case mode.IsDir():
		return "directory"
	case mode&fs.ModeSymlink != 0:
		return "link"
	case mode.IsRegular():
		return "file"
	default:
		return "special"
	}
}

// FSRead streams the contents of one file and closes.
type FSRead struct {
	out  Sender
	path string
}

func NewFSRead(req *OpenRequest, out Sender) (Endpoint, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	if args.Path == "" {
		return nil, protocol.Errf(protocol.ProtocolError, "fsread1 requires a path")
	}
	return &FSRead{out: out, path: args.Path}, nil
}

func (c *FSRead) Start() error {
	f, err := os.Open(c.path)
	if err != nil {
		return problemForPathError(err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return problemForPathError(err)
	}
	if info.IsDir() {
		_ = f.Close()
		return protocol.Errf(protocol.InternalError, "is a directory: %q", c.path)
	}
	c.out.Ready(map[string]any{"size-hint": info.Size()})
	go func() {
		defer func() { _ = f.Close() }()
		buf := make([]byte, fsReadChunk)
		for {
			n, err := f.Read(buf)
			if n > 0 {
				c.out.Data(append([]byte(nil), buf[:n]...))
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					logx.Log.Debug().Err(err).Str("path", c.path).Msg("fsread1 read")
				}
				break
			}
		}
		c.out.Done()
		c.out.Close(nil)
	}()
	return nil
}

func (c *FSRead) Receive(p []byte) {}
func (c *FSRead) ReceiveDone()     {}
func (c *FSRead) Close()           {}

// FSList enumerates a directory. Without watch it emits one JSON object
// per entry, then done and close.
type FSList struct {
	out    Sender
	path   string
	watch  bool
	poller *FSWatch
}

func NewFSList(req *OpenRequest, out Sender) (Endpoint, error) {
	var args struct {
		Path  string `json:"path"`
		Watch *bool  `json:"watch"`
	}
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	if args.Path == "" {
		return nil, protocol.Errf(protocol.ProtocolError, "fslist1 requires a path")
	}
	watch := true
	if args.Watch != nil {
		watch = *args.Watch
	}
	return &FSList{out: out, path: args.Path, watch: watch}, nil
}

func (c *FSList) Start() error {
	entries, err := os.ReadDir(c.path)
	if err != nil {
		return problemForPathError(err)
	}
	present := make(map[string]string, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		typ := entryType(info.Mode())
		present[e.Name()] = typ
		b, _ := json.Marshal(map[string]any{
			"event": "present",
			"path":  e.Name(),
			"type":  typ,
		})
		c.out.Data(b)
	}
	if c.watch {
		// Present snapshot delivered; ready marks its end, and change
		// events follow from the poller. The poller's baseline is the
		// snapshot just sent, so nothing created in between is lost.
		w := &FSWatch{out: c.out, path: c.path}
		w.startWith(present)
		c.poller = w
		c.out.Ready(nil)
		return nil
	}
	c.out.Done()
	c.out.Close(nil)
	return nil
}

func (c *FSList) Receive(p []byte) {}
func (c *FSList) ReceiveDone()     {}
func (c *FSList) Close() {
	if c.poller != nil {
		c.poller.Close()
	}
}

// FSReplace buffers the inbound stream and atomically replaces the
// target file when the sender is done.
type FSReplace struct {
	out  Sender
	path string
	buf  []byte
}

func NewFSReplace(req *OpenRequest, out Sender) (Endpoint, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	if args.Path == "" {
		return nil, protocol.Errf(protocol.ProtocolError, "fsreplace1 requires a path")
	}
	return &FSReplace{out: out, path: args.Path}, nil
}

func (c *FSReplace) Start() error {
	c.out.Ready(nil)
	return nil
}

func (c *FSReplace) Receive(p []byte) {
	c.buf = append(c.buf, p...)
}

func (c *FSReplace) ReceiveDone() {
	tmp, err := os.CreateTemp(filepath.Dir(c.path), "."+filepath.Base(c.path)+".tmp-")
	if err != nil {
		c.out.Close(problemForPathError(err))
		return
	}
	name := tmp.Name()
	if _, err := tmp.Write(c.buf); err == nil {
		err = tmp.Close()
		if err == nil {
			err = os.Rename(name, c.path)
		}
	} else {
		_ = tmp.Close()
	}
	if err != nil {
		_ = os.Remove(name)
		c.out.Close(problemForPathError(err))
		return
	}
	c.out.Done()
	c.out.Close(nil)
}

func (c *FSReplace) Close() {}

// FSWatch reports directory changes as JSON events. The implementation
// polls; inotify fidelity is not part of the channel contract.
type FSWatch struct {
	out    Sender
	path   string
	cancel context.CancelFunc
}

// PollInterval is how often watch channels rescan their target.
// Variable so tests can tighten it.
var PollInterval = time.Second

func NewFSWatch(req *OpenRequest, out Sender) (Endpoint, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	if args.Path == "" {
		return nil, protocol.Errf(protocol.ProtocolError, "fswatch1 requires a path")
	}
	return &FSWatch{out: out, path: args.Path}, nil
}

func (c *FSWatch) Start() error {
	if _, err := os.Stat(c.path); err != nil {
		return problemForPathError(err)
	}
	c.out.Ready(nil)
	c.startPolling()
	return nil
}

func (c *FSWatch) startPolling() {
	// Baseline is taken before returning: anything created after open
	// counts as a change.
	c.startWith(c.snapshot())
}

func (c *FSWatch) startWith(prev map[string]string) {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.poll(ctx, prev)
}

func (c *FSWatch) snapshot() map[string]string {
	snap := map[string]string{}
	entries, err := os.ReadDir(c.path)
	if err != nil {
		// Watching a plain file: track its identity alone.
		if info, err := os.Stat(c.path); err == nil {
			snap[filepath.Base(c.path)] = entryType(info.Mode())
		}
		return snap
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		snap[e.Name()] = entryType(info.Mode())
	}
	return snap
}

func (c *FSWatch) poll(ctx context.Context, prev map[string]string) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		next := c.snapshot()
		names := make([]string, 0, len(next))
		for name := range next {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if prev[name] != next[name] {
				event := "created"
				if _, existed := prev[name]; existed {
					event = "changed"
				}
				c.emit(event, name, next[name])
			}
		}
		deleted := make([]string, 0)
		for name := range prev {
			if _, ok := next[name]; !ok {
				deleted = append(deleted, name)
			}
		}
		sort.Strings(deleted)
		for _, name := range deleted {
			c.emit("deleted", name, prev[name])
		}
		prev = next
	}
}

func (c *FSWatch) emit(event, name, typ string) {
	b, _ := json.Marshal(map[string]any{
		"event": event,
		"path":  name,
		"type":  typ,
	})
	c.out.Data(b)
}

func (c *FSWatch) Receive(p []byte) {}
func (c *FSWatch) ReceiveDone()     {}

func (c *FSWatch) Close() {
	if c.cancel != nil {
		c.cancel()
	}
}
