package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/hostbridge/hostbridge/internal/protocol"
)

// HTTPStream proxies one HTTP request over the channel: inbound frames
// form the request body, the response arrives as a JSON status object
// followed by the body bytes.
type HTTPStream struct {
	out     Sender
	method  string
	path    string
	unix    string
	address string
	port    int
	headers map[string]string
	body    []byte
}

func NewHTTPStream(req *OpenRequest, out Sender) (Endpoint, error) {
	var args struct {
		Method  string            `json:"method"`
		Path    string            `json:"path"`
		Unix    string            `json:"unix"`
		Address string            `json:"address"`
		Port    int               `json:"port"`
		Headers map[string]string `json:"headers"`
	}
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	if args.Method == "" || args.Path == "" {
		return nil, protocol.Errf(protocol.ProtocolError, "http-stream2 requires method and path")
	}
	if args.Unix == "" && args.Port == 0 {
		return nil, protocol.Errf(protocol.ProtocolError, "http-stream2 requires either unix or port")
	}
	return &HTTPStream{
		out:     out,
		method:  args.Method,
		path:    args.Path,
		unix:    args.Unix,
		address: args.Address,
		port:    args.Port,
		headers: args.Headers,
	}, nil
}

func (c *HTTPStream) Start() error {
	c.out.Ready(nil)
	return nil
}

func (c *HTTPStream) Receive(p []byte) {
	c.body = append(c.body, p...)
}

func (c *HTTPStream) ReceiveDone() {
	go c.perform()
}

func (c *HTTPStream) client() *http.Client {
	if c.unix == "" {
		return http.DefaultClient
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", c.unix)
			},
		},
	}
}

func (c *HTTPStream) perform() {
	host := c.address
	if host == "" {
		host = "localhost"
	}
	url := fmt.Sprintf("http://%s%s", host, c.path)
	if c.unix == "" {
		url = fmt.Sprintf("http://%s:%d%s", host, c.port, c.path)
	}
	req, err := http.NewRequest(c.method, url, bytes.NewReader(c.body))
	if err != nil {
		c.out.Close(protocol.Errf(protocol.ProtocolError, "%v", err))
		return
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		c.out.Close(protocol.Errf(protocol.NotFound, "%v", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	headers := map[string]string{}
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	meta, _ := json.Marshal(map[string]any{
		"status":  resp.StatusCode,
		"reason":  resp.Status,
		"headers": headers,
	})
	c.out.Data(meta)
	buf := make([]byte, streamChunk)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			c.out.Data(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			if err != io.EOF {
				c.out.Close(protocol.Errf(protocol.InternalError, "%v", err))
				return
			}
			break
		}
	}
	c.out.Done()
	c.out.Close(nil)
}

func (c *HTTPStream) Close() {}
