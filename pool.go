package gearmand

import (
	"github.com/leonardolima-youdb/gearmand/protocol"
)

// Free list bounds. A burst beyond these sizes falls through to the
// garbage collector instead of pinning memory on the thread forever.
const (
	maxFreeConns   = 64
	maxFreePackets = 256
)

// packetAcquire takes a packet from the thread's free list, or allocates.
func (t *IOThread) packetAcquire() (pkt *protocol.Packet) {
	defer t.locker.Unlock()
	t.locker.Lock()
	if n := len(t.freePackets); n > 0 {
		pkt = t.freePackets[n-1]
		t.freePackets = t.freePackets[:n-1]
		return
	}
	return new(protocol.Packet)
}

// packetFree zeros the packet and returns it to the owning thread's free
// list. Safe to call from the processing thread.
func (t *IOThread) packetFree(pkt *protocol.Packet) {
	pkt.Reset()
	defer t.locker.Unlock()
	t.locker.Lock()
	if len(t.freePackets) < maxFreePackets {
		t.freePackets = append(t.freePackets, pkt)
	}
}

func removeConn(list []*Conn, c *Conn) []*Conn {
	for i, lc := range list {
		if lc == c {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func (t *IOThread) connAcquire() (c *Conn) {
	if n := len(t.freeConns); n > 0 {
		c = t.freeConns[n-1]
		t.freeConns = t.freeConns[:n-1]
		return
	}
	return new(Conn)
}

// releaseConn closes the transport, forgets the connection and returns
// the object to the free list. Runs on the owning thread only.
func (t *IOThread) releaseConn(c *Conn) {
	if c.transport != nil {
		c.transport.Close()
	}
	t.locker.Lock()
	delete(t.conns, c)
	if c.inReady {
		t.ready = removeConn(t.ready, c)
	}
	if c.inIOList {
		t.ioList = removeConn(t.ioList, c)
	}
	if c.inProcList {
		t.procList = removeConn(t.procList, c)
	}
	for _, pkt := range c.procIn {
		pkt.Reset()
		if len(t.freePackets) < maxFreePackets {
			t.freePackets = append(t.freePackets, pkt)
		}
	}
	c.reset()
	if len(t.freeConns) < maxFreeConns {
		t.freeConns = append(t.freeConns, c)
	}
	t.locker.Unlock()
}
