package gearmand

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/leonardolima-youdb/gearmand/driver"
	"github.com/leonardolima-youdb/gearmand/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTransport scripts both directions of a connection: feed queues
// inbound bytes, acceptN limits how many sends succeed before the
// transport reports would block.
type mockTransport struct {
	locker  sync.Mutex
	in      bytes.Buffer
	sent    bytes.Buffer
	frames  [][]byte
	flushes []bool
	acceptN int // sends accepted before would block; -1 is unlimited
	recvErr Status
	events  EventMask
	closed  bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{acceptN: -1}
}

func (m *mockTransport) feed(data []byte) {
	m.locker.Lock()
	m.in.Write(data)
	m.locker.Unlock()
}

func (m *mockTransport) Recv(buf []byte) (int, Status) {
	defer m.locker.Unlock()
	m.locker.Lock()
	if m.in.Len() == 0 {
		if m.recvErr != SUCCESS {
			return 0, m.recvErr
		}
		return 0, IO_WAIT
	}
	n, _ := m.in.Read(buf)
	return n, SUCCESS
}

func (m *mockTransport) Send(frame []byte, flush bool) Status {
	defer m.locker.Unlock()
	m.locker.Lock()
	if m.acceptN == 0 {
		return IO_WAIT
	}
	if m.acceptN > 0 {
		m.acceptN--
	}
	m.sent.Write(frame)
	m.frames = append(m.frames, append([]byte(nil), frame...))
	m.flushes = append(m.flushes, flush)
	return SUCCESS
}

func (m *mockTransport) SetEvents(events EventMask) Status {
	m.locker.Lock()
	m.events = events
	m.locker.Unlock()
	return SUCCESS
}

func (m *mockTransport) Close() error {
	m.locker.Lock()
	m.closed = true
	m.locker.Unlock()
	return nil
}

func (m *mockTransport) sentPackets(t *testing.T) (pkts []*protocol.Packet) {
	t.Helper()
	m.locker.Lock()
	raw := append([]byte(nil), m.sent.Bytes()...)
	m.locker.Unlock()
	d := protocol.NewDecoder()
	for len(raw) > 0 {
		n, payload, err := d.Feed(raw)
		require.NoError(t, err)
		raw = raw[n:]
		if payload != nil {
			pkt, err := protocol.ParsePayload(payload)
			require.NoError(t, err)
			pkts = append(pkts, pkt)
		}
	}
	require.False(t, d.Pending(), "partial frame on the wire")
	return
}

func newTestServer(t *testing.T, nthreads int) (*Server, []*IOThread) {
	t.Helper()
	s := NewServer(driver.NewMemStoreDriver())
	for i := 0; i < nthreads; i++ {
		_, err := NewIOThread(s)
		require.NoError(t, err)
	}
	t.Cleanup(func() {
		if s.multiThreaded() {
			s.procKill()
		}
	})
	return s, s.threadList()
}

func handshakeFrame(ctype protocol.ClientType) []byte {
	payload := ctype.Bytes()
	header, _ := protocol.MakeHeader(payload)
	return append(header, payload...)
}

func cmdFrame(msgID string, cmd protocol.Command, data []byte) []byte {
	pkt := &protocol.Packet{MsgID: []byte(msgID), Cmd: cmd, Data: data}
	return pkt.Frame()
}

func (t *IOThread) outboundLen(c *Conn) int {
	t.locker.Lock()
	defer t.locker.Unlock()
	return len(c.outbound)
}

func (t *IOThread) inIOListNow(c *Conn) bool {
	t.locker.Lock()
	defer t.locker.Unlock()
	return c.inIOList
}

func TestSingleThreadEcho(t *testing.T) {
	s, threads := newTestServer(t, 1)
	th := threads[0]

	mt := newMockTransport()
	c := th.NewConn(mt, "c1", "test")
	mt.feed(handshakeFrame(protocol.TYPEWORKER))
	mt.feed(cmdFrame("100", protocol.PING, nil))
	th.MarkReady(c, POLLIN)

	errConn, ret := th.Run()
	require.Nil(t, errConn)
	require.Equal(t, SUCCESS, ret)

	// No processing thread exists in single threaded mode; the command
	// ran inline and the reply flushed in the same pass.
	s.procLocker.Lock()
	running := s.procRunning
	s.procLocker.Unlock()
	assert.False(t, running)

	pkts := mt.sentPackets(t)
	require.Len(t, pkts, 1)
	assert.Equal(t, protocol.PONG, pkts[0].Cmd)
	assert.Equal(t, []byte("100"), pkts[0].MsgID)
}

func TestMultiThreadDispatch(t *testing.T) {
	_, threads := newTestServer(t, 2)
	th := threads[0]

	mt := newMockTransport()
	c := th.NewConn(mt, "c1", "test")
	mt.feed(handshakeFrame(protocol.TYPEWORKER))
	mt.feed(cmdFrame("7", protocol.PING, nil))
	th.MarkReady(c, POLLIN)

	errConn, ret := th.Run()
	require.Nil(t, errConn)
	require.Equal(t, SUCCESS, ret)

	// Nothing flushed yet: the packet went to the processing thread,
	// which executes it and hands the connection back for I/O.
	require.Eventually(t, func() bool {
		return th.inIOListNow(c)
	}, time.Second, time.Millisecond)

	errConn, ret = th.Run()
	require.Nil(t, errConn)
	require.Equal(t, SUCCESS, ret)

	pkts := mt.sentPackets(t)
	require.Len(t, pkts, 1)
	assert.Equal(t, protocol.PONG, pkts[0].Cmd)
	assert.Equal(t, []byte("7"), pkts[0].MsgID)
}

func TestFlushBackpressure(t *testing.T) {
	_, threads := newTestServer(t, 1)
	th := threads[0]

	mt := newMockTransport()
	c := th.NewConn(mt, "c1", "test")
	c.ctype = protocol.TYPECLIENT

	for _, id := range []string{"1", "2", "3"} {
		pkt := th.packetAcquire()
		pkt.MsgID = []byte(id)
		pkt.Cmd = protocol.SUCCESS
		th.queuePacket(c, pkt)
	}

	mt.acceptN = 1
	ret := th.packetFlush(c)
	require.Equal(t, IO_WAIT, ret)
	assert.Equal(t, 2, th.outboundLen(c))
	assert.NotZero(t, c.events&POLLOUT, "want-write must be armed")

	// A second flush attempt while waiting for writability is a no-op.
	require.Equal(t, IO_WAIT, th.packetFlush(c))

	mt.locker.Lock()
	mt.acceptN = -1
	mt.locker.Unlock()
	th.MarkReady(c, POLLOUT)
	errConn, ret := th.Run()
	require.Nil(t, errConn)
	require.Equal(t, SUCCESS, ret)

	assert.Zero(t, th.outboundLen(c))
	assert.Equal(t, POLLIN, c.events)

	// Wire order preserved, flush hinted only on the queue tail.
	pkts := mt.sentPackets(t)
	require.Len(t, pkts, 3)
	for i, id := range []string{"1", "2", "3"} {
		assert.Equal(t, []byte(id), pkts[i].MsgID)
	}
	mt.locker.Lock()
	flushes := append([]bool(nil), mt.flushes...)
	mt.locker.Unlock()
	assert.Equal(t, []bool{false, false, true}, flushes)
}

func TestPeerClose(t *testing.T) {
	s, threads := newTestServer(t, 2)
	th := threads[0]

	mt := newMockTransport()
	c := th.NewConn(mt, "c1", "test")
	mt.feed(handshakeFrame(protocol.TYPEWORKER))
	mt.feed(cmdFrame("100", protocol.CAN_DO, []byte("resize")))
	th.MarkReady(c, POLLIN)
	_, ret := th.Run()
	require.Equal(t, SUCCESS, ret)

	require.Eventually(t, func() bool {
		s.jobLocker.Lock()
		defer s.jobLocker.Unlock()
		st, ok := s.stats["resize"]
		return ok && st.Worker.Int() == 1
	}, time.Second, time.Millisecond)

	// Peer goes away: the read surfaces the error with the connection.
	mt.locker.Lock()
	mt.recvErr = LOST_CONNECTION
	mt.locker.Unlock()
	th.MarkReady(c, POLLIN)
	errConn, ret := th.Run()
	require.Same(t, c, errConn)
	require.Equal(t, LOST_CONNECTION, ret)

	// The driver tears it down: dead, then freed by the processing
	// thread, then released on the owning thread's next pass.
	s.closeConn(c)
	require.Eventually(t, func() bool {
		th.locker.Lock()
		defer th.locker.Unlock()
		return c.free && c.inIOList
	}, time.Second, time.Millisecond)

	errConn, ret = th.Run()
	require.Nil(t, errConn)
	require.Equal(t, SUCCESS, ret)

	mt.locker.Lock()
	closed := mt.closed
	mt.locker.Unlock()
	assert.True(t, closed)

	th.locker.Lock()
	_, stillThere := th.conns[c]
	th.locker.Unlock()
	assert.False(t, stillThere)

	s.jobLocker.Lock()
	workers := s.stats["resize"].Worker.Int()
	s.jobLocker.Unlock()
	assert.Zero(t, workers, "registrations released on death")
}

func TestShutdownImmediate(t *testing.T) {
	s, threads := newTestServer(t, 1)
	th := threads[0]

	s.Shutdown()
	for i := 0; i < 3; i++ {
		errConn, ret := th.Run()
		require.Nil(t, errConn)
		require.Equal(t, SHUTDOWN, ret)
	}
}

func TestShutdownGraceful(t *testing.T) {
	s, threads := newTestServer(t, 1)
	th := threads[0]

	s.jobCount.Add(2)
	s.ShutdownGraceful()

	_, ret := th.Run()
	require.Equal(t, SHUTDOWN_GRACEFUL, ret)

	s.jobCount.Add(-1)
	_, ret = th.Run()
	require.Equal(t, SHUTDOWN_GRACEFUL, ret)

	s.jobCount.Add(-1)
	_, ret = th.Run()
	require.Equal(t, SHUTDOWN, ret)
}

func TestNoopDedup(t *testing.T) {
	_, threads := newTestServer(t, 1)
	th := threads[0]

	mt := newMockTransport()
	c := th.NewConn(mt, "c1", "test")
	c.ctype = protocol.TYPEWORKER

	th.queueNoop(c)
	th.queueNoop(c)
	assert.Equal(t, 1, th.outboundLen(c), "second NOOP suppressed")

	require.Equal(t, SUCCESS, th.packetFlush(c))
	th.locker.Lock()
	queued := c.noopQueued
	th.locker.Unlock()
	assert.False(t, queued)

	th.queueNoop(c)
	assert.Equal(t, 1, th.outboundLen(c), "flag cleared after send")

	pkts := mt.sentPackets(t)
	require.Len(t, pkts, 1)
	assert.Equal(t, protocol.NOOP, pkts[0].Cmd)
}

func TestRunNoWork(t *testing.T) {
	_, threads := newTestServer(t, 1)
	errConn, ret := threads[0].Run()
	require.Nil(t, errConn)
	require.Equal(t, SUCCESS, ret)
}

func TestCommandOrderPreserved(t *testing.T) {
	_, threads := newTestServer(t, 2)
	th := threads[0]

	mt := newMockTransport()
	c := th.NewConn(mt, "c1", "test")
	mt.feed(handshakeFrame(protocol.TYPECLIENT))
	for _, id := range []string{"1", "2", "3", "4"} {
		mt.feed(cmdFrame(id, protocol.PING, nil))
	}
	th.MarkReady(c, POLLIN)
	_, ret := th.Run()
	require.Equal(t, SUCCESS, ret)

	// Replies come back in submission order: the proc inbound queue is
	// FIFO per connection.
	require.Eventually(t, func() bool {
		th.Run()
		return len(mt.sentPackets(t)) == 4
	}, time.Second, time.Millisecond, "all replies flushed")
	pkts := mt.sentPackets(t)
	for i, id := range []string{"1", "2", "3", "4"} {
		assert.Equal(t, []byte(id), pkts[i].MsgID)
		assert.Equal(t, protocol.PONG, pkts[i].Cmd)
	}
}

func TestPacketPoolRoundTrip(t *testing.T) {
	_, threads := newTestServer(t, 1)
	th := threads[0]

	pkt := th.packetAcquire()
	pkt.MsgID = []byte("42")
	pkt.Cmd = protocol.SUBMIT_JOB
	pkt.Data = []byte("payload")
	th.packetFree(pkt)

	again := th.packetAcquire()
	require.Same(t, pkt, again, "free list reuses the object")
	assert.Nil(t, again.MsgID)
	assert.Equal(t, protocol.NOOP, again.Cmd)
	assert.Nil(t, again.Data)
}
