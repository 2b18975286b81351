package gearmand

import (
	"testing"
	"time"

	"github.com/leonardolima-youdb/gearmand/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func procRunning(s *Server) bool {
	s.procLocker.Lock()
	defer s.procLocker.Unlock()
	return s.procRunning
}

func TestProcThreadLifecycle(t *testing.T) {
	s := NewServer(driver.NewMemStoreDriver())

	// One thread: single threaded mode, no processing thread.
	t1, err := NewIOThread(s)
	require.NoError(t, err)
	assert.False(t, procRunning(s))
	assert.False(t, s.multiThreaded())

	// The second thread brings the processing thread up.
	t2, err := NewIOThread(s)
	require.NoError(t, err)
	assert.True(t, procRunning(s))
	assert.True(t, s.multiThreaded())

	// Freeing back down to one joins it again.
	t2.Free()
	assert.False(t, procRunning(s))
	assert.False(t, s.multiThreaded())

	t1.Free()
	assert.Equal(t, 0, s.threadCount())
}

func TestProcSignalCoalesces(t *testing.T) {
	s, _ := newTestServer(t, 2)

	for i := 0; i < 100; i++ {
		s.procSignal()
	}
	// All signals collapse into at most a few passes; the loop must be
	// idle and waiting again afterwards.
	require.Eventually(t, func() bool {
		s.procLocker.Lock()
		defer s.procLocker.Unlock()
		return !s.procWakeup
	}, time.Second, time.Millisecond)
}

func TestConnPoolRoundTrip(t *testing.T) {
	_, threads := newTestServer(t, 1)
	th := threads[0]

	mt := newMockTransport()
	c := th.NewConn(mt, "c1", "test")
	c.dead = true
	c.funcs = []string{"resize"}
	th.releaseConn(c)

	mt2 := newMockTransport()
	c2 := th.NewConn(mt2, "c2", "test2")
	require.Same(t, c, c2, "free list reuses the object")
	assert.False(t, c2.dead)
	assert.Nil(t, c2.funcs)
	assert.Equal(t, "c2", c2.ID())
}

func TestReleaseRegistrationsIdempotent(t *testing.T) {
	s, threads := newTestServer(t, 1)
	th := threads[0]

	mt := newMockTransport()
	c := th.NewConn(mt, "c1", "test")
	s.releaseRegistrations(c)
	s.releaseRegistrations(c)
}
