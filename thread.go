package gearmand

import (
	"fmt"
	"sync"

	"github.com/leonardolima-youdb/gearmand/protocol"
)

// RunFn is called whenever a thread has new work and its driver should
// call Run again.
type RunFn func(t *IOThread)

// LogFn receives log lines emitted on behalf of a thread.
type LogFn func(t *IOThread, line string)

// IOThread owns a set of connections and drives their non blocking I/O.
// Run is the single entry point and must only be called from one
// goroutine, the thread's driver. Everything the processing thread or a
// readiness source touches is guarded by locker.
type IOThread struct {
	server *Server

	locker      sync.Mutex
	conns       map[*Conn]struct{}
	ioList      []*Conn // connections needing I/O attention
	procList    []*Conn // connections needing processing attention
	ready       []*Conn // connections the poller marked ready
	freeConns   []*Conn
	freePackets []*protocol.Packet

	runFn RunFn
	logFn LogFn
}

// NewIOThread creates an I/O thread on server. Creating the second
// thread switches the server into multi threaded mode and starts the
// processing thread.
func NewIOThread(server *Server) (t *IOThread, err error) {
	if server.threadCount() == 1 {
		if err = server.procStart(); err != nil {
			return
		}
	}
	t = new(IOThread)
	t.server = server
	t.conns = make(map[*Conn]struct{})
	server.addThread(t)
	return
}

// Free releases the thread's connections and pools. Freeing down from
// two threads stops the processing thread first.
func (t *IOThread) Free() {
	if t.server.threadCount() == 2 {
		t.server.procKill()
	}
	t.locker.Lock()
	conns := make([]*Conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.locker.Unlock()
	for _, c := range conns {
		t.releaseConn(c)
	}
	t.locker.Lock()
	t.ioList = nil
	t.procList = nil
	t.ready = nil
	t.freeConns = nil
	t.freePackets = nil
	t.locker.Unlock()
	t.server.removeThread(t)
}

// SetRunFn registers the driver wakeup callback.
func (t *IOThread) SetRunFn(fn RunFn) {
	t.runFn = fn
}

// SetLogFn registers the log callback.
func (t *IOThread) SetLogFn(fn LogFn) {
	t.logFn = fn
}

func (t *IOThread) logf(format string, args ...interface{}) {
	if t.logFn != nil {
		t.logFn(t, fmt.Sprintf(format, args...))
	}
}

func (t *IOThread) wakeRun() {
	if t.runFn != nil {
		t.runFn(t)
	}
}

// NewConn attaches a transport as a new connection on this thread.
func (t *IOThread) NewConn(transport Transport, id, addr string) (c *Conn) {
	t.locker.Lock()
	c = t.connAcquire()
	c.thread = t
	c.transport = transport
	c.id = id
	c.addr = addr
	c.events = POLLIN
	c.decoder = protocol.NewDecoder()
	c.rbuf = make([]byte, 4096)
	c.lastRet = SUCCESS
	t.conns[c] = struct{}{}
	t.locker.Unlock()
	if transport != nil {
		transport.SetEvents(POLLIN)
	}
	return
}

// setTransport attaches the transport after the readiness callback has
// been bound to the connection.
func (t *IOThread) setTransport(c *Conn, transport Transport) {
	t.locker.Lock()
	c.transport = transport
	t.locker.Unlock()
	transport.SetEvents(POLLIN)
}

// MarkReady records poller readiness for a connection. Fired events move
// from the armed mask to the ready mask. Callable from any goroutine. A
// late notify for an already released connection is dropped.
func (t *IOThread) MarkReady(c *Conn, events EventMask) {
	t.locker.Lock()
	if _, ok := t.conns[c]; !ok {
		t.locker.Unlock()
		return
	}
	c.revents |= events
	c.events &^= events
	if !c.inReady {
		c.inReady = true
		t.ready = append(t.ready, c)
	}
	t.locker.Unlock()
	t.wakeRun()
}

// ioListAdd marks a connection as needing I/O attention on its owning
// thread and nudges the thread's driver. Callable from the processing
// thread and, inline, from command execution in single threaded mode.
func (t *IOThread) ioListAdd(c *Conn) {
	t.locker.Lock()
	t.ioListAddLocked(c)
	t.locker.Unlock()
	t.wakeRun()
}

func (t *IOThread) ioListAddLocked(c *Conn) {
	if c.inIOList {
		return
	}
	c.inIOList = true
	t.ioList = append(t.ioList, c)
}

func (t *IOThread) ioNext() (c *Conn) {
	defer t.locker.Unlock()
	t.locker.Lock()
	if len(t.ioList) == 0 {
		return nil
	}
	c = t.ioList[0]
	t.ioList = t.ioList[1:]
	c.inIOList = false
	return
}

// procListAddLocked enqueues a connection for the processing thread. A
// connection already handed back for release is never re-enqueued.
func (t *IOThread) procListAddLocked(c *Conn) {
	if c.free || c.inProcList {
		return
	}
	c.inProcList = true
	t.procList = append(t.procList, c)
}

func (t *IOThread) procNext() (c *Conn) {
	defer t.locker.Unlock()
	t.locker.Lock()
	if len(t.procList) == 0 {
		return nil
	}
	c = t.procList[0]
	t.procList = t.procList[1:]
	c.inProcList = false
	return
}

func (t *IOThread) readyNext() (c *Conn, revents EventMask) {
	defer t.locker.Unlock()
	t.locker.Lock()
	if len(t.ready) == 0 {
		return nil, 0
	}
	c = t.ready[0]
	t.ready = t.ready[1:]
	c.inReady = false
	revents = c.revents
	c.revents = 0
	return
}

// procPacketAdd hands a complete inbound packet to the processing
// thread and signals it.
func (t *IOThread) procPacketAdd(c *Conn, pkt *protocol.Packet) {
	t.locker.Lock()
	c.procIn = append(c.procIn, pkt)
	t.procListAddLocked(c)
	t.locker.Unlock()
	t.server.procSignal()
}

func (t *IOThread) procPacketNext(c *Conn) (pkt *protocol.Packet) {
	defer t.locker.Unlock()
	t.locker.Lock()
	if len(c.procIn) == 0 {
		return nil
	}
	pkt = c.procIn[0]
	c.procIn = c.procIn[1:]
	return
}

// queuePacket appends an outbound packet and marks the connection for a
// flush on its owning thread. Callable from command execution on any
// thread.
func (t *IOThread) queuePacket(c *Conn, pkt *protocol.Packet) {
	t.locker.Lock()
	c.outbound = append(c.outbound, pkt)
	t.ioListAddLocked(c)
	t.locker.Unlock()
	t.wakeRun()
}

// queueNoop queues a wakeup NOOP unless one is already outstanding.
func (t *IOThread) queueNoop(c *Conn) {
	t.locker.Lock()
	if c.noopQueued {
		t.locker.Unlock()
		return
	}
	c.noopQueued = true
	pkt := t.packetAcquireLocked()
	pkt.Cmd = protocol.NOOP
	c.outbound = append(c.outbound, pkt)
	t.ioListAddLocked(c)
	t.locker.Unlock()
	t.wakeRun()
}

func (t *IOThread) packetAcquireLocked() (pkt *protocol.Packet) {
	if n := len(t.freePackets); n > 0 {
		pkt = t.freePackets[n-1]
		t.freePackets = t.freePackets[:n-1]
		return
	}
	return new(protocol.Packet)
}

func (t *IOThread) setLastRet(c *Conn, ret Status) {
	t.locker.Lock()
	c.lastRet = ret
	t.locker.Unlock()
}

// Run makes one pass of forward progress and returns either a
// connection paired with its fatal status, or the thread status. The
// step order matters: the processing thread's io list first, then
// poller ready connections, then (single threaded only) the io list
// again so packets queued by inline command execution flush in the same
// pass.
func (t *IOThread) Run() (*Conn, Status) {
	// If we are multi threaded, we may have packets to flush or
	// connections to release on behalf of the processing thread.
	if t.server.multiThreaded() {
		for c := t.ioNext(); c != nil; c = t.ioNext() {
			t.locker.Lock()
			free := c.free
			ret := c.lastRet
			t.locker.Unlock()
			if free {
				t.releaseConn(c)
				continue
			}
			if ret != SUCCESS && ret != IO_WAIT {
				return c, ret
			}
			if ret := t.packetFlush(c); ret != SUCCESS && ret != IO_WAIT {
				return c, ret
			}
		}
	}

	// Check for new activity on connections.
	for {
		c, revents := t.readyNext()
		if c == nil {
			break
		}
		if revents&POLLIN != 0 {
			if ret := t.packetRead(c); ret != SUCCESS && ret != IO_WAIT {
				return c, ret
			}
		}
		if revents&POLLOUT != 0 {
			if ret := t.packetFlush(c); ret != SUCCESS && ret != IO_WAIT {
				return c, ret
			}
		}
	}

	// Single threaded commands ran inline above and may have queued
	// packets on sibling connections.
	if !t.server.multiThreaded() {
		for c := t.ioNext(); c != nil; c = t.ioNext() {
			t.locker.Lock()
			free := c.free
			t.locker.Unlock()
			if free {
				t.releaseConn(c)
				continue
			}
			if ret := t.packetFlush(c); ret != SUCCESS && ret != IO_WAIT {
				return c, ret
			}
		}
	}

	if t.server.shutdown.Load() {
		return nil, SHUTDOWN
	}
	if t.server.shutdownGraceful.Load() {
		if t.server.jobCount.Load() == 0 {
			return nil, SHUTDOWN
		}
		return nil, SHUTDOWN_GRACEFUL
	}
	return nil, SUCCESS
}

// packetRead decodes complete packets until the transport would block.
func (t *IOThread) packetRead(c *Conn) Status {
	for {
		if len(c.pending) == 0 {
			n, ret := c.transport.Recv(c.rbuf)
			if ret == IO_WAIT {
				return SUCCESS
			}
			if ret != SUCCESS {
				return ret
			}
			c.pending = c.rbuf[:n]
		}
		for len(c.pending) > 0 {
			n, payload, err := c.decoder.Feed(c.pending)
			c.pending = c.pending[n:]
			if err != nil {
				t.logf("decode error from %s: %s", c.addr, err)
				return INVALID_PACKET
			}
			if payload == nil {
				continue
			}
			if ret := t.dispatchPayload(c, payload); ret != SUCCESS {
				return ret
			}
		}
		c.pending = nil
	}
}

// dispatchPayload routes one complete frame: the session handshake is
// consumed here, commands run inline in single threaded mode, or queue
// for the processing thread otherwise.
func (t *IOThread) dispatchPayload(c *Conn, payload []byte) Status {
	if c.ctype == 0 {
		if len(payload) != 1 {
			return INVALID_PACKET
		}
		switch protocol.ClientType(payload[0]) {
		case protocol.TYPECLIENT, protocol.TYPEWORKER:
			c.ctype = protocol.ClientType(payload[0])
			return SUCCESS
		}
		t.logf("unsupport client %d from %s", payload[0], c.addr)
		return INVALID_PACKET
	}

	pkt := t.packetAcquire()
	if err := protocol.ParsePayloadInto(payload, pkt); err != nil {
		t.packetFree(pkt)
		t.logf("bad payload from %s: %s", c.addr, err)
		return INVALID_PACKET
	}

	if !t.server.multiThreaded() {
		// Single threaded, run the command here.
		ret := t.server.runCommand(c, pkt)
		t.packetFree(pkt)
		return ret
	}

	// Multi threaded, queue for the processing thread to run.
	t.procPacketAdd(c, pkt)
	return SUCCESS
}

// packetFlush sends every queued outbound packet in order, stopping at
// would block. The packet stays at the head until the transport accepts
// the whole frame.
func (t *IOThread) packetFlush(c *Conn) Status {
	// Already waiting to become writable, avoid the extra syscall.
	t.locker.Lock()
	waiting := c.events&POLLOUT != 0
	t.locker.Unlock()
	if waiting {
		return IO_WAIT
	}

	for {
		t.locker.Lock()
		if len(c.outbound) == 0 {
			t.locker.Unlock()
			break
		}
		pkt := c.outbound[0]
		last := len(c.outbound) == 1
		t.locker.Unlock()

		ret := c.transport.Send(pkt.Frame(), last)
		if ret == IO_WAIT {
			t.locker.Lock()
			c.events |= POLLIN | POLLOUT
			events := c.events
			t.locker.Unlock()
			c.transport.SetEvents(events)
			return IO_WAIT
		}
		if ret != SUCCESS {
			return ret
		}

		t.locker.Lock()
		if pkt.Cmd == protocol.NOOP {
			c.noopQueued = false
		}
		c.outbound = c.outbound[1:]
		t.locker.Unlock()
		t.packetFree(pkt)
	}

	t.locker.Lock()
	c.events = POLLIN
	t.locker.Unlock()
	return c.transport.SetEvents(POLLIN)
}
