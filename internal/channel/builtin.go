package channel

import "github.com/hostbridge/hostbridge/internal/bus"

// Builtin returns a registry preloaded with the standard payload types.
// The dbus-json3 endpoint is bound to srv.
func Builtin(srv *bus.Server) *Registry {
	r := NewRegistry()
	r.Register("echo", NewEcho)
	r.Register("null", NewNull)
	r.Register("fsread1", NewFSRead)
	r.Register("fslist1", NewFSList)
	r.Register("fsreplace1", NewFSReplace)
	r.Register("fswatch1", NewFSWatch)
	r.Register("stream", NewStream)
	r.Register("http-stream2", NewHTTPStream)
	r.Register("metrics1", NewMetrics)
	r.Register("dbus-json3", NewDBusFactory(srv))
	return r
}
