package gearmand

import (
	"bytes"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/leonardolima-youdb/gearmand/driver"
	"github.com/leonardolima-youdb/gearmand/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runAll drives the thread until it reports no progress left, tearing
// down erroring connections the way a real driver would.
func runAll(t *testing.T, s *Server, th *IOThread) {
	t.Helper()
	for {
		c, ret := th.Run()
		if c == nil {
			require.Contains(t, []Status{SUCCESS, SHUTDOWN, SHUTDOWN_GRACEFUL}, ret)
			return
		}
		s.closeConn(c)
	}
}

func testJob(name, funcName string, schedAt int64) driver.Job {
	return driver.Job{Name: name, Func: funcName, Args: "payload", SchedAt: schedAt}
}

func TestSubmitAndDispatch(t *testing.T) {
	s, threads := newTestServer(t, 1)
	th := threads[0]

	// A worker registers and grabs; the answer is deferred until a job
	// for its function is due.
	wt := newMockTransport()
	worker := th.NewConn(wt, "w1", "worker")
	wt.feed(handshakeFrame(protocol.TYPEWORKER))
	wt.feed(cmdFrame("100", protocol.CAN_DO, []byte("resize")))
	wt.feed(cmdFrame("100", protocol.GRAB_JOB, nil))
	th.MarkReady(worker, POLLIN)
	runAll(t, s, th)
	require.Zero(t, len(wt.sentPackets(t)), "grab waits for a due job")
	require.Equal(t, 1, s.grabQueue.len())

	// A client submits a job due now.
	ct := newMockTransport()
	cl := th.NewConn(ct, "c1", "client")
	ct.feed(handshakeFrame(protocol.TYPECLIENT))
	job := testJob("j1", "resize", time.Now().Unix()-1)
	ct.feed(cmdFrame("1", protocol.SUBMIT_JOB, job.Bytes()))
	th.MarkReady(cl, POLLIN)
	runAll(t, s, th)

	pkts := ct.sentPackets(t)
	require.Len(t, pkts, 1)
	assert.Equal(t, protocol.SUCCESS, pkts[0].Cmd)
	assert.Equal(t, int64(1), s.JobCount())

	// Dispatch pairs the due job with the grabbing worker.
	s.dispatchDue()
	runAll(t, s, th)

	wpkts := wt.sentPackets(t)
	require.Len(t, wpkts, 1)
	require.Equal(t, protocol.JOB_ASSIGN, wpkts[0].Cmd)
	parts := bytes.SplitN(wpkts[0].Data, protocol.NullChar, 2)
	require.Len(t, parts, 2)
	var assigned driver.Job
	require.NoError(t, json.Unmarshal(parts[1], &assigned))
	assert.Equal(t, "j1", assigned.Name)
	assert.Equal(t, driver.JOB_STATUS_PROC, assigned.Status)
	handle := string(parts[0])
	assert.Equal(t, strconv.FormatInt(assigned.Id, 10), handle)
	assert.Zero(t, s.grabQueue.len(), "grab entry consumed")

	// Completion drops the job and the graceful shutdown counter.
	wt.feed(cmdFrame("100", protocol.WORK_DONE, []byte(handle)))
	th.MarkReady(worker, POLLIN)
	runAll(t, s, th)
	assert.Zero(t, s.JobCount())
	_, err := s.store.Get(assigned.Id)
	assert.Error(t, err, "job deleted after done")
}

func TestGrabAfterSubmitAssignsImmediately(t *testing.T) {
	s, threads := newTestServer(t, 1)
	th := threads[0]

	job := testJob("j1", "resize", time.Now().Unix()-1)
	require.NoError(t, s.submitJob(&job))

	wt := newMockTransport()
	worker := th.NewConn(wt, "w1", "worker")
	wt.feed(handshakeFrame(protocol.TYPEWORKER))
	wt.feed(cmdFrame("100", protocol.CAN_DO, []byte("resize")))
	wt.feed(cmdFrame("100", protocol.GRAB_JOB, nil))
	th.MarkReady(worker, POLLIN)
	runAll(t, s, th)

	// The job was already due, no dispatch pass needed.
	pkts := wt.sentPackets(t)
	require.Len(t, pkts, 1)
	assert.Equal(t, protocol.JOB_ASSIGN, pkts[0].Cmd)
	assert.Zero(t, s.grabQueue.len())
}

func TestSubmitWakesSleeper(t *testing.T) {
	s, threads := newTestServer(t, 1)
	th := threads[0]

	wt := newMockTransport()
	worker := th.NewConn(wt, "w1", "worker")
	wt.feed(handshakeFrame(protocol.TYPEWORKER))
	wt.feed(cmdFrame("100", protocol.CAN_DO, []byte("resize")))
	wt.feed(cmdFrame("100", protocol.SLEEP, nil))
	th.MarkReady(worker, POLLIN)
	runAll(t, s, th)
	require.Zero(t, len(wt.sentPackets(t)))

	ct := newMockTransport()
	cl := th.NewConn(ct, "c1", "client")
	ct.feed(handshakeFrame(protocol.TYPECLIENT))
	job := testJob("j1", "resize", time.Now().Unix())
	ct.feed(cmdFrame("1", protocol.SUBMIT_JOB, job.Bytes()))
	th.MarkReady(cl, POLLIN)
	runAll(t, s, th)

	// The sleeping worker got exactly one NOOP nudge.
	pkts := wt.sentPackets(t)
	require.Len(t, pkts, 1)
	assert.Equal(t, protocol.NOOP, pkts[0].Cmd)
}

func TestWorkFailRequeues(t *testing.T) {
	s, threads := newTestServer(t, 1)
	th := threads[0]

	wt := newMockTransport()
	worker := th.NewConn(wt, "w1", "worker")
	wt.feed(handshakeFrame(protocol.TYPEWORKER))
	wt.feed(cmdFrame("100", protocol.CAN_DO, []byte("resize")))
	wt.feed(cmdFrame("100", protocol.GRAB_JOB, nil))
	th.MarkReady(worker, POLLIN)
	runAll(t, s, th)

	job := testJob("j1", "resize", time.Now().Unix()-1)
	require.NoError(t, s.submitJob(&job))
	s.dispatchDue()
	runAll(t, s, th)

	wpkts := wt.sentPackets(t)
	require.Len(t, wpkts, 1)
	handle := string(bytes.SplitN(wpkts[0].Data, protocol.NullChar, 2)[0])

	wt.feed(cmdFrame("100", protocol.WORK_FAIL, []byte(handle)))
	th.MarkReady(worker, POLLIN)
	runAll(t, s, th)

	stored, err := s.store.Get(job.Id)
	require.NoError(t, err)
	assert.Equal(t, driver.JOB_STATUS_READY, stored.Status)
	assert.Equal(t, int64(1), s.JobCount(), "failed jobs still count")
}

func TestSchedLater(t *testing.T) {
	s, threads := newTestServer(t, 1)
	th := threads[0]

	wt := newMockTransport()
	worker := th.NewConn(wt, "w1", "worker")
	wt.feed(handshakeFrame(protocol.TYPEWORKER))
	wt.feed(cmdFrame("100", protocol.CAN_DO, []byte("resize")))
	wt.feed(cmdFrame("100", protocol.GRAB_JOB, nil))
	th.MarkReady(worker, POLLIN)
	runAll(t, s, th)

	job := testJob("j1", "resize", time.Now().Unix()-1)
	require.NoError(t, s.submitJob(&job))
	s.dispatchDue()
	runAll(t, s, th)

	wpkts := wt.sentPackets(t)
	require.Len(t, wpkts, 1)
	handle := bytes.SplitN(wpkts[0].Data, protocol.NullChar, 2)[0]

	data := bytes.NewBuffer(nil)
	data.Write(handle)
	data.Write(protocol.NullChar)
	data.WriteString("300")
	wt.feed(cmdFrame("100", protocol.SCHED_LATER, data.Bytes()))
	th.MarkReady(worker, POLLIN)
	runAll(t, s, th)

	stored, err := s.store.Get(job.Id)
	require.NoError(t, err)
	assert.Equal(t, driver.JOB_STATUS_READY, stored.Status)
	assert.Greater(t, stored.SchedAt, time.Now().Unix()+200)
}

func TestSubmitUpsertKeepsCount(t *testing.T) {
	s, threads := newTestServer(t, 1)
	_ = threads

	job := testJob("j1", "resize", time.Now().Unix()+60)
	require.NoError(t, s.submitJob(&job))
	again := testJob("j1", "resize", time.Now().Unix()+120)
	require.NoError(t, s.submitJob(&again))

	assert.Equal(t, int64(1), s.JobCount(), "resubmit is an upsert")
	assert.Equal(t, job.Id, again.Id)

	s.jobLocker.Lock()
	jobs := s.stats["resize"].Job.Int()
	s.jobLocker.Unlock()
	assert.Equal(t, 1, jobs)
}

func TestStatusAndDropFunc(t *testing.T) {
	s, threads := newTestServer(t, 1)
	th := threads[0]

	job := testJob("j1", "resize", time.Now().Unix()+60)
	require.NoError(t, s.submitJob(&job))

	ct := newMockTransport()
	cl := th.NewConn(ct, "c1", "client")
	ct.feed(handshakeFrame(protocol.TYPECLIENT))
	ct.feed(cmdFrame("1", protocol.STATUS, nil))
	ct.feed(cmdFrame("2", protocol.DROP_FUNC, []byte("resize")))
	ct.feed(cmdFrame("3", protocol.STATUS, nil))
	th.MarkReady(cl, POLLIN)
	runAll(t, s, th)

	pkts := ct.sentPackets(t)
	require.Len(t, pkts, 3)
	assert.Contains(t, string(pkts[0].Data), "resize,0,1,0")
	assert.Equal(t, protocol.SUCCESS, pkts[1].Cmd)
	assert.Empty(t, pkts[2].Data, "func gone after drop")

	_, err := s.store.GetOne("resize", "j1")
	assert.Error(t, err)
}

func TestDumpAndLoad(t *testing.T) {
	s, threads := newTestServer(t, 1)
	th := threads[0]

	for _, name := range []string{"a", "b", "c"} {
		job := testJob(name, "resize", time.Now().Unix()+60)
		require.NoError(t, s.submitJob(&job))
	}

	ct := newMockTransport()
	cl := th.NewConn(ct, "c1", "client")
	ct.feed(handshakeFrame(protocol.TYPECLIENT))
	ct.feed(cmdFrame("1", protocol.DUMP, nil))
	th.MarkReady(cl, POLLIN)
	runAll(t, s, th)

	pkts := ct.sentPackets(t)
	require.Len(t, pkts, 2, "one batch plus EOF")
	var packed map[string][]driver.Job
	require.NoError(t, json.Unmarshal(pkts[0].Data, &packed))
	assert.Len(t, packed["jobs"], 3)
	assert.Equal(t, []byte("EOF"), pkts[1].Data)

	// Round trip the dump into a fresh server.
	s2, threads2 := newTestServer(t, 1)
	th2 := threads2[0]
	ct2 := newMockTransport()
	cl2 := th2.NewConn(ct2, "c1", "client")
	ct2.feed(handshakeFrame(protocol.TYPECLIENT))
	ct2.feed(cmdFrame("1", protocol.LOAD, pkts[0].Data))
	th2.MarkReady(cl2, POLLIN)
	runAll(t, s2, th2)

	pkts2 := ct2.sentPackets(t)
	require.Len(t, pkts2, 1)
	assert.Equal(t, protocol.SUCCESS, pkts2[0].Cmd)
	assert.Equal(t, int64(3), s2.JobCount())
}

func TestUnknownCommand(t *testing.T) {
	s, threads := newTestServer(t, 1)
	th := threads[0]

	ct := newMockTransport()
	cl := th.NewConn(ct, "c1", "client")
	ct.feed(handshakeFrame(protocol.TYPECLIENT))
	ct.feed(cmdFrame("9", protocol.Command(250), nil))
	th.MarkReady(cl, POLLIN)
	runAll(t, s, th)

	pkts := ct.sentPackets(t)
	require.Len(t, pkts, 1)
	assert.Equal(t, protocol.UNKNOWN, pkts[0].Cmd)
	assert.Equal(t, []byte("9"), pkts[0].MsgID)
}

func TestWorkerDeathRequeuesAssigned(t *testing.T) {
	s, threads := newTestServer(t, 2)
	th := threads[0]

	wt := newMockTransport()
	worker := th.NewConn(wt, "w1", "worker")
	wt.feed(handshakeFrame(protocol.TYPEWORKER))
	wt.feed(cmdFrame("100", protocol.CAN_DO, []byte("resize")))
	wt.feed(cmdFrame("100", protocol.GRAB_JOB, nil))
	th.MarkReady(worker, POLLIN)
	_, ret := th.Run()
	require.Equal(t, SUCCESS, ret)

	require.Eventually(t, func() bool {
		return s.grabQueue.len() == 1
	}, time.Second, time.Millisecond)

	job := testJob("j1", "resize", time.Now().Unix()-1)
	require.NoError(t, s.submitJob(&job))
	s.procSignal()
	require.Eventually(t, func() bool {
		th.Run()
		return len(wt.sentPackets(t)) == 1
	}, time.Second, time.Millisecond, "job assigned")

	// Connection dies with the job in flight; the processing thread
	// reverts it to ready.
	wt.locker.Lock()
	wt.recvErr = LOST_CONNECTION
	wt.locker.Unlock()
	th.MarkReady(worker, POLLIN)
	errConn, ret := th.Run()
	require.Same(t, worker, errConn)
	require.Equal(t, LOST_CONNECTION, ret)
	s.closeConn(worker)

	require.Eventually(t, func() bool {
		th.Run()
		stored, err := s.store.Get(job.Id)
		return err == nil && stored.Status == driver.JOB_STATUS_READY
	}, time.Second, time.Millisecond, "assigned job reverted")
}
