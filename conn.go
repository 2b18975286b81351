package gearmand

import (
	"github.com/leonardolima-youdb/gearmand/driver"
	"github.com/leonardolima-youdb/gearmand/protocol"
)

// Conn is the server side state of one client or worker session. It is
// owned by exactly one IOThread for its whole life. Only the owning
// thread touches the transport, the decoder and the flags; the processing
// thread reaches in under the owning thread's lock for the proc queue,
// the outbound queue and io list membership.
type Conn struct {
	thread    *IOThread
	transport Transport
	id        string
	addr      string

	// events is the armed poll mask, revents the ready mask reported by
	// the poller. Fired events are moved from events to revents.
	events  EventMask
	revents EventMask

	// decoder holds the in-progress inbound frame, rbuf/pending the
	// bytes received but not yet fed to it.
	decoder *protocol.Decoder
	rbuf    []byte
	pending []byte

	outbound []*protocol.Packet // packets waiting to be written
	procIn   []*protocol.Packet // packets waiting for the processing thread

	// lastRet keeps the processing thread's command result until the
	// owning thread's next pass surfaces it.
	lastRet Status

	dead       bool
	free       bool
	noopQueued bool
	inIOList   bool
	inProcList bool
	inReady    bool

	// protocol session state, owned by the command executor.
	ctype    protocol.ClientType
	funcs    []string
	sleeping bool
	assigned map[string]*driver.Job
}

// ID is the session id assigned at accept time.
func (c *Conn) ID() string {
	return c.id
}

// Addr is the remote address, for logging.
func (c *Conn) Addr() string {
	return c.addr
}

func (c *Conn) reset() {
	c.thread = nil
	c.transport = nil
	c.id = ""
	c.addr = ""
	c.events = 0
	c.revents = 0
	c.decoder = nil
	c.rbuf = nil
	c.pending = nil
	c.outbound = nil
	c.procIn = nil
	c.lastRet = SUCCESS
	c.dead = false
	c.free = false
	c.noopQueued = false
	c.inIOList = false
	c.inProcList = false
	c.inReady = false
	c.ctype = 0
	c.funcs = nil
	c.sleeping = false
	c.assigned = nil
}

func (c *Conn) canDo(name string) bool {
	for _, f := range c.funcs {
		if f == name {
			return true
		}
	}
	return false
}
