package broadcaster

import (
	"livecast/native/internal/domain"
	"livecast/native/internal/eventloop"
)

// viewerConn is the broadcaster's side of one viewer. Owned by the loop.
type viewerConn struct {
	id        string
	peer      domain.Peer
	state     domain.ConnectionState
	keepAlive *eventloop.Timer
}

// registry holds at most one connection per viewer id.
type registry struct {
	conns map[string]*viewerConn
}

func newRegistry() *registry {
	return &registry{conns: make(map[string]*viewerConn)}
}

// upsert stores c and returns the entry it displaced, if any.
func (r *registry) upsert(c *viewerConn) *viewerConn {
	prev := r.conns[c.id]
	r.conns[c.id] = c
	return prev
}

// remove deletes the entry for id only if it is still c.
func (r *registry) remove(c *viewerConn) bool {
	if r.conns[c.id] != c {
		return false
	}
	delete(r.conns, c.id)
	return true
}

func (r *registry) get(id string) *viewerConn {
	return r.conns[id]
}

func (r *registry) forEach(fn func(*viewerConn)) {
	for _, c := range r.conns {
		fn(c)
	}
}

func (r *registry) len() int {
	return len(r.conns)
}
