package channel

import (
	"errors"
	"io"
	"net"
	"os/exec"

	"github.com/hostbridge/hostbridge/internal/logx"
	"github.com/hostbridge/hostbridge/internal/protocol"
)

const streamChunk = 32 * 1024

// Stream connects the channel to a spawned process's stdio or to a
// Unix socket. Inbound frames become writes; reads become data frames.
type Stream struct {
	out   Sender
	spawn []string
	env   []string
	unix  string

	cmd   *exec.Cmd
	stdin io.WriteCloser
	conn  net.Conn
}

func NewStream(req *OpenRequest, out Sender) (Endpoint, error) {
	var args struct {
		Spawn   []string `json:"spawn"`
		Environ []string `json:"environ"`
		Unix    string   `json:"unix"`
	}
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	if len(args.Spawn) == 0 && args.Unix == "" {
		return nil, protocol.Errf(protocol.ProtocolError, "stream requires either spawn or unix")
	}
	return &Stream{out: out, spawn: args.Spawn, env: args.Environ, unix: args.Unix}, nil
}

func (c *Stream) Start() error {
	if c.unix != "" {
		conn, err := net.Dial("unix", c.unix)
		if err != nil {
			return protocol.Errf(protocol.NotFound, "%v", err)
		}
		c.conn = conn
		c.out.Ready(nil)
		go c.pump(conn, func() {})
		return nil
	}

	cmd := exec.Command(c.spawn[0], c.spawn[1:]...)
	if len(c.env) > 0 {
		cmd.Env = c.env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return protocol.Errf(protocol.InternalError, "%v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return protocol.Errf(protocol.InternalError, "%v", err)
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return protocol.Errf(protocol.NotFound, "%v", err)
		}
		return protocol.Errf(protocol.InternalError, "%v", err)
	}
	c.cmd = cmd
	c.stdin = stdin
	c.out.Ready(nil)
	go c.pump(stdout, func() {
		if err := cmd.Wait(); err != nil {
			logx.Log.Debug().Err(err).Strs("spawn", c.spawn).Msg("stream process exited")
		}
	})
	return nil
}

// pump copies the process or socket output to the channel until EOF,
// then finishes the channel.
func (c *Stream) pump(r io.Reader, wait func()) {
	buf := make([]byte, streamChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.out.Data(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			break
		}
	}
	wait()
	c.out.Done()
	c.out.Close(nil)
}

func (c *Stream) Receive(p []byte) {
	var w io.Writer
	if c.stdin != nil {
		w = c.stdin
	} else if c.conn != nil {
		w = c.conn
	} else {
		return
	}
	if _, err := w.Write(p); err != nil {
		logx.Log.Debug().Err(err).Msg("stream write")
	}
}

func (c *Stream) ReceiveDone() {
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	if c.conn != nil {
		if uc, ok := c.conn.(*net.UnixConn); ok {
			_ = uc.CloseWrite()
		}
	}
}

func (c *Stream) Close() {
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
