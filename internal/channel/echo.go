package channel

// Echo reflects every inbound frame back to the sender. Used by the
// protocol test suites and as the reference passive endpoint.
type Echo struct {
	out Sender
}

func NewEcho(req *OpenRequest, out Sender) (Endpoint, error) {
	return &Echo{out: out}, nil
}

func (e *Echo) Start() error {
	e.out.Ready(nil)
	return nil
}

func (e *Echo) Receive(p []byte) { e.out.Data(p) }

func (e *Echo) ReceiveDone() {
	e.out.Done()
	e.out.Close(nil)
}

func (e *Echo) Close() {}

// Null accepts and discards inbound data.
type Null struct {
	out Sender
}

func NewNull(req *OpenRequest, out Sender) (Endpoint, error) {
	return &Null{out: out}, nil
}

func (n *Null) Start() error {
	n.out.Ready(nil)
	return nil
}

func (n *Null) Receive(p []byte) {}

func (n *Null) ReceiveDone() { n.out.Done() }

func (n *Null) Close() {}
