package gearmand

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leonardolima-youdb/gearmand/driver"
	"github.com/leonardolima-youdb/gearmand/protocol"
	"github.com/leonardolima-youdb/gearmand/queue"
	"github.com/leonardolima-youdb/gearmand/stat"
)

// Server coordinates the I/O threads, the processing thread and the
// shared job, worker and function tables.
type Server struct {
	locker  sync.Mutex
	threads []*IOThread
	nthread atomic.Int32

	procLocker   sync.Mutex
	procCond     *sync.Cond
	procWakeup   bool
	procShutdown bool
	procRunning  bool
	procDone     chan struct{}

	shutdown         atomic.Bool
	shutdownGraceful atomic.Bool

	// jobCount is the number of accepted jobs not yet completed. It is
	// the sole condition for graceful shutdown completion.
	jobCount atomic.Int64

	// jobLocker guards the tables below. Command execution (the
	// processing thread, or the lone I/O thread in single threaded
	// mode), dispatch and the HTTP API handlers all take it.
	jobLocker *sync.Mutex
	stats     map[string]*stat.FuncStat
	jobPQ     map[string]*queue.PriorityQueue
	grabQueue *grabQueue
	sleepers  map[*Conn]struct{}
	store     driver.StoreDriver

	timer *time.Timer
	done  chan struct{}

	listener net.Listener
	stopping atomic.Bool
	drivers  sync.WaitGroup
}

// NewServer creates a server over a job store. I/O threads are added
// with NewIOThread.
func NewServer(store driver.StoreDriver) *Server {
	s := new(Server)
	s.procCond = sync.NewCond(&s.procLocker)
	s.jobLocker = new(sync.Mutex)
	s.stats = make(map[string]*stat.FuncStat)
	s.jobPQ = make(map[string]*queue.PriorityQueue)
	s.grabQueue = newGrabQueue()
	s.sleepers = make(map[*Conn]struct{})
	s.store = store
	s.timer = time.NewTimer(time.Hour)
	s.done = make(chan struct{})
	return s
}

func (s *Server) addThread(t *IOThread) {
	s.locker.Lock()
	s.threads = append(s.threads, t)
	s.locker.Unlock()
	s.nthread.Add(1)
}

func (s *Server) removeThread(t *IOThread) {
	s.locker.Lock()
	for i, th := range s.threads {
		if th == t {
			s.threads = append(s.threads[:i], s.threads[i+1:]...)
			s.nthread.Add(-1)
			break
		}
	}
	s.locker.Unlock()
}

func (s *Server) threadList() []*IOThread {
	defer s.locker.Unlock()
	s.locker.Lock()
	out := make([]*IOThread, len(s.threads))
	copy(out, s.threads)
	return out
}

func (s *Server) threadCount() int {
	return int(s.nthread.Load())
}

func (s *Server) multiThreaded() bool {
	return s.threadCount() > 1
}

// Shutdown stops the server immediately. In flight packets are not
// drained; every Run returns SHUTDOWN from now on.
func (s *Server) Shutdown() {
	s.shutdown.Store(true)
	s.wakeAll()
}

// ShutdownGraceful lets outstanding jobs drain before shutting down.
// Run reports SHUTDOWN_GRACEFUL until the accepted job count reaches
// zero; bytes of a half read packet do not delay it.
func (s *Server) ShutdownGraceful() {
	s.shutdownGraceful.Store(true)
	s.wakeAll()
}

// JobCount is the number of accepted, uncompleted jobs.
func (s *Server) JobCount() int64 {
	return s.jobCount.Load()
}

func (s *Server) wakeAll() {
	for _, t := range s.threadList() {
		t.wakeRun()
	}
	if s.multiThreaded() {
		s.procSignal()
	}
}

// Close frees all threads (stopping the processing thread on the way
// down) and the job store.
func (s *Server) Close() {
	close(s.done)
	for _, t := range s.threadList() {
		t.Free()
	}
	if s.store != nil {
		s.store.Close()
	}
}

// closeConn tears a connection down after its driver observed a fatal
// status. Runs on the owning thread's driver goroutine.
func (s *Server) closeConn(c *Conn) {
	t := c.thread
	if s.multiThreaded() {
		t.locker.Lock()
		c.dead = true
		t.procListAddLocked(c)
		t.locker.Unlock()
		s.procSignal()
		return
	}
	s.releaseRegistrations(c)
	t.releaseConn(c)
}

// releaseRegistrations drops everything the tables know about a dead
// connection: grab queue entries, sleep state, function registrations,
// and jobs it was running go back to ready.
func (s *Server) releaseRegistrations(c *Conn) {
	defer s.jobLocker.Unlock()
	s.jobLocker.Lock()
	s.grabQueue.removeConn(c)
	delete(s.sleepers, c)
	for _, name := range c.funcs {
		s.decrStatWorker(name)
	}
	for _, job := range c.assigned {
		s.revertJob(job)
	}
	c.funcs = nil
	c.assigned = nil
	c.sleeping = false
}

// revertJob puts a handed out job back in the ready queue. Caller holds
// jobLocker.
func (s *Server) revertJob(job *driver.Job) {
	if job.Status == driver.JOB_STATUS_PROC {
		s.decrStatProc(*job)
	}
	job.Status = driver.JOB_STATUS_READY
	s.store.Save(job)
	s.pushJobPQ(*job)
}

func (s *Server) getStat(name string) *stat.FuncStat {
	st, ok := s.stats[name]
	if !ok {
		st = stat.NewFuncStat(name)
		s.stats[name] = st
	}
	return st
}

func (s *Server) decrStatWorker(name string) {
	if st, ok := s.stats[name]; ok {
		st.Worker.Decr()
	}
}

func (s *Server) decrStatProc(job driver.Job) {
	if st, ok := s.stats[job.Func]; ok && job.Status == driver.JOB_STATUS_PROC {
		st.Processing.Decr()
	}
}

func (s *Server) pushJobPQ(job driver.Job) {
	pq, ok := s.jobPQ[job.Func]
	if !ok {
		pq = queue.New()
		s.jobPQ[job.Func] = pq
	}
	pq.PushItem(job.Id, job.SchedAt)
}

// notifyJobTimer re-arms the dispatch timer after a table change.
func (s *Server) notifyJobTimer() {
	s.timer.Reset(time.Millisecond)
}

// jobTimer routes timer fires to whichever context may touch the
// tables: the processing thread in multi threaded mode, the lone I/O
// thread's driver otherwise.
func (s *Server) jobTimer() {
	for {
		select {
		case <-s.timer.C:
			if s.multiThreaded() {
				s.procSignal()
			} else if ts := s.threadList(); len(ts) > 0 {
				ts[0].wakeRun()
			}
		case <-s.done:
			return
		}
	}
}

// dispatchDue hands every due ready job to a grabbing worker. Runs on
// the processing thread, or on the single I/O thread's driver.
func (s *Server) dispatchDue() {
	defer s.jobLocker.Unlock()
	s.jobLocker.Lock()
	now := time.Now().Unix()
	var next int64
	for name, pq := range s.jobPQ {
		for pq.Len() > 0 {
			id, schedAt := pq.Peek()
			if schedAt > now {
				if next == 0 || schedAt < next {
					next = schedAt
				}
				break
			}
			job, err := s.store.Get(id)
			if err != nil || job.Status != driver.JOB_STATUS_READY {
				// Stale queue entry, the job was removed or handed out.
				pq.PopItem()
				continue
			}
			item, err := s.grabQueue.get(name)
			if err != nil {
				break
			}
			pq.PopItem()
			s.assignJob(item, job)
		}
	}
	if next > 0 {
		s.timer.Reset(time.Duration(next-now) * time.Second)
	}
}

// StatusLines snapshots one "name,workers,jobs,processing" line per
// known function.
func (s *Server) StatusLines() []string {
	defer s.jobLocker.Unlock()
	s.jobLocker.Lock()
	lines := make([]string, 0, len(s.stats))
	for _, st := range s.stats {
		lines = append(lines, st.String())
	}
	return lines
}

// ListJobs returns every stored job of one function.
func (s *Server) ListJobs(name string) (jobs []driver.Job) {
	iter := s.store.NewIterator([]byte(name))
	for iter.Next() {
		jobs = append(jobs, iter.Value())
	}
	iter.Close()
	return
}

// RemoveJob drops one job by function and name.
func (s *Server) RemoveJob(funcName, jobName string) error {
	defer s.notifyJobTimer()
	defer s.jobLocker.Unlock()
	s.jobLocker.Lock()
	job, err := s.store.GetOne(funcName, jobName)
	if err != nil {
		return err
	}
	if err = s.store.Delete(job.Id); err != nil {
		return err
	}
	if st, ok := s.stats[job.Func]; ok {
		st.Job.Decr()
	}
	if job.Status == driver.JOB_STATUS_PROC {
		s.decrStatProc(job)
	}
	s.jobCount.Add(-1)
	return nil
}

// assignJob marks the job as handed out and queues JOB_ASSIGN on the
// grabbing worker's connection. Caller holds jobLocker.
func (s *Server) assignJob(item grabItem, job driver.Job) {
	c := item.c
	job.Status = driver.JOB_STATUS_PROC
	job.RunAt = time.Now().Unix()
	s.store.Save(&job)
	if st, ok := s.stats[job.Func]; ok {
		st.Processing.Incr()
	}
	handle := strconv.FormatInt(job.Id, 10)
	if c.assigned == nil {
		c.assigned = make(map[string]*driver.Job)
	}
	stored := job
	c.assigned[handle] = &stored

	pkt := c.thread.packetAcquire()
	pkt.MsgID = item.msgID
	pkt.Cmd = protocol.JOB_ASSIGN
	pkt.Data = assignData(handle, job)
	c.thread.queuePacket(c, pkt)
	s.grabQueue.remove(item)
}
