package gearmand

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/leonardolima-youdb/gearmand/driver"
	"github.com/leonardolima-youdb/gearmand/protocol"
)

// runCommand executes one decoded packet against the shared tables. In
// multi threaded mode only the processing thread calls this; in single
// threaded mode the lone I/O thread runs it inline. Replies are never
// written directly: they are queued on the target connection and the
// connection is marked for a flush on its owning thread.
func (s *Server) runCommand(c *Conn, pkt *protocol.Packet) Status {
	switch pkt.Cmd {
	case protocol.PING:
		s.replyCmd(c, pkt.MsgID, protocol.PONG)
		return SUCCESS
	}

	if c.ctype == protocol.TYPEWORKER {
		return s.runWorkerCommand(c, pkt)
	}
	return s.runClientCommand(c, pkt)
}

func (s *Server) runWorkerCommand(c *Conn, pkt *protocol.Packet) Status {
	switch pkt.Cmd {
	case protocol.CAN_DO:
		return s.handleCanDo(c, string(pkt.Data))
	case protocol.CANT_DO:
		return s.handleCantDo(c, string(pkt.Data))
	case protocol.GRAB_JOB:
		return s.handleGrabJob(c, pkt.MsgID)
	case protocol.SLEEP:
		return s.handleSleep(c)
	case protocol.WORK_DONE:
		return s.handleDone(c, string(pkt.Data))
	case protocol.WORK_FAIL:
		return s.handleFail(c, string(pkt.Data))
	case protocol.SCHED_LATER:
		parts := bytes.SplitN(pkt.Data, protocol.NullChar, 2)
		if len(parts) != 2 {
			return INVALID_PACKET
		}
		delay, _ := strconv.ParseInt(string(parts[1]), 10, 64)
		return s.handleSchedLater(c, string(parts[0]), delay)
	}
	s.replyCmd(c, pkt.MsgID, protocol.UNKNOWN)
	return SUCCESS
}

func (s *Server) runClientCommand(c *Conn, pkt *protocol.Packet) Status {
	switch pkt.Cmd {
	case protocol.SUBMIT_JOB:
		return s.handleSubmitJob(c, pkt.MsgID, pkt.Data)
	case protocol.STATUS:
		return s.handleStatus(c, pkt.MsgID)
	case protocol.DROP_FUNC:
		return s.handleDropFunc(c, pkt.MsgID, pkt.Data)
	case protocol.REMOVE_JOB:
		return s.handleRemoveJob(c, pkt.MsgID, pkt.Data)
	case protocol.DUMP:
		return s.handleDump(c, pkt.MsgID)
	case protocol.LOAD:
		return s.handleLoad(c, pkt.MsgID, pkt.Data)
	}
	s.replyCmd(c, pkt.MsgID, protocol.UNKNOWN)
	return SUCCESS
}

// replyCmd queues a bare command response.
func (s *Server) replyCmd(c *Conn, msgID []byte, cmd protocol.Command) {
	pkt := c.thread.packetAcquire()
	pkt.MsgID = append([]byte(nil), msgID...)
	pkt.Cmd = cmd
	c.thread.queuePacket(c, pkt)
}

// replyData queues a command response carrying data.
func (s *Server) replyData(c *Conn, msgID []byte, cmd protocol.Command, data []byte) {
	pkt := c.thread.packetAcquire()
	pkt.MsgID = append([]byte(nil), msgID...)
	pkt.Cmd = cmd
	pkt.Data = data
	c.thread.queuePacket(c, pkt)
}

func assignData(handle string, job driver.Job) []byte {
	buf := bytes.NewBuffer(nil)
	buf.WriteString(handle)
	buf.Write(protocol.NullChar)
	buf.Write(job.Bytes())
	return buf.Bytes()
}

func (s *Server) handleCanDo(c *Conn, name string) Status {
	if name == "" {
		return INVALID_PACKET
	}
	defer s.jobLocker.Unlock()
	s.jobLocker.Lock()
	if c.canDo(name) {
		return SUCCESS
	}
	c.funcs = append(c.funcs, name)
	s.getStat(name).Worker.Incr()
	return SUCCESS
}

func (s *Server) handleCantDo(c *Conn, name string) Status {
	defer s.jobLocker.Unlock()
	s.jobLocker.Lock()
	newFuncs := make([]string, 0, len(c.funcs))
	for _, f := range c.funcs {
		if f == name {
			s.decrStatWorker(name)
			continue
		}
		newFuncs = append(newFuncs, f)
	}
	c.funcs = newFuncs
	return SUCCESS
}

// handleGrabJob answers with a JOB_ASSIGN right away when a job for one
// of the worker's functions is already due, and otherwise parks the
// worker in the grab queue until one is.
func (s *Server) handleGrabJob(c *Conn, msgID []byte) Status {
	defer s.jobLocker.Unlock()
	s.jobLocker.Lock()
	item := grabItem{c: c, msgID: append([]byte(nil), msgID...)}
	if s.assignDueLocked(item) {
		return SUCCESS
	}
	s.grabQueue.push(item)
	s.notifyJobTimer()
	return SUCCESS
}

// assignDueLocked hands the first due ready job runnable by the worker
// to it. Caller holds jobLocker.
func (s *Server) assignDueLocked(item grabItem) bool {
	now := nowUnix()
	for _, name := range item.c.funcs {
		pq, ok := s.jobPQ[name]
		if !ok {
			continue
		}
		for pq.Len() > 0 {
			id, schedAt := pq.Peek()
			if schedAt > now {
				break
			}
			job, err := s.store.Get(id)
			if err != nil || job.Status != driver.JOB_STATUS_READY {
				pq.PopItem()
				continue
			}
			pq.PopItem()
			s.assignJob(item, job)
			return true
		}
	}
	return false
}

// handleSleep parks the worker until a job for one of its functions is
// submitted, at which point a single NOOP nudges it awake.
func (s *Server) handleSleep(c *Conn) Status {
	defer s.jobLocker.Unlock()
	s.jobLocker.Lock()
	c.sleeping = true
	s.sleepers[c] = struct{}{}
	return SUCCESS
}

// wakeSleepers queues one NOOP on every sleeping worker able to run the
// named function. Caller holds jobLocker.
func (s *Server) wakeSleepers(name string) {
	for c := range s.sleepers {
		if !c.canDo(name) {
			continue
		}
		c.sleeping = false
		delete(s.sleepers, c)
		c.thread.queueNoop(c)
	}
}

func (s *Server) handleDone(c *Conn, handle string) Status {
	defer s.notifyJobTimer()
	defer s.jobLocker.Unlock()
	s.jobLocker.Lock()
	job, ok := c.assigned[handle]
	if !ok {
		return SUCCESS
	}
	delete(c.assigned, handle)
	s.store.Delete(job.Id)
	if st, found := s.stats[job.Func]; found {
		st.Job.Decr()
		if job.Status == driver.JOB_STATUS_PROC {
			st.Processing.Decr()
		}
	}
	s.jobCount.Add(-1)
	return SUCCESS
}

func (s *Server) handleFail(c *Conn, handle string) Status {
	defer s.notifyJobTimer()
	defer s.jobLocker.Unlock()
	s.jobLocker.Lock()
	job, ok := c.assigned[handle]
	if !ok {
		return SUCCESS
	}
	delete(c.assigned, handle)
	s.revertJob(job)
	return SUCCESS
}

func (s *Server) handleSchedLater(c *Conn, handle string, delay int64) Status {
	defer s.notifyJobTimer()
	defer s.jobLocker.Unlock()
	s.jobLocker.Lock()
	job, ok := c.assigned[handle]
	if !ok {
		return SUCCESS
	}
	delete(c.assigned, handle)
	job.SchedAt = nowUnix() + delay
	s.revertJob(job)
	return SUCCESS
}

func (s *Server) handleSubmitJob(c *Conn, msgID, payload []byte) Status {
	job, e := driver.NewJob(payload)
	if e != nil {
		s.replyData(c, msgID, protocol.UNKNOWN, []byte(e.Error()))
		return SUCCESS
	}
	if job.Name == "" || job.Func == "" {
		s.replyData(c, msgID, protocol.UNKNOWN, []byte("job name and func is require"))
		return SUCCESS
	}
	if err := s.submitJob(&job); err != nil {
		s.replyData(c, msgID, protocol.UNKNOWN, []byte(err.Error()))
		return SUCCESS
	}
	s.replyCmd(c, msgID, protocol.SUCCESS)
	return SUCCESS
}

// submitJob upserts a job into the store and the ready queue. Shared
// with the HTTP API. force is passed on to the store's Save.
func (s *Server) submitJob(job *driver.Job, force ...bool) (err error) {
	defer s.notifyJobTimer()
	defer s.jobLocker.Unlock()
	s.jobLocker.Lock()
	isNew := true
	changed := false
	job.Status = driver.JOB_STATUS_READY
	oldJob, e := s.store.GetOne(job.Func, job.Name)
	if e == nil && oldJob.Id > 0 {
		job.Id = oldJob.Id
		if oldJob.Status == driver.JOB_STATUS_PROC {
			s.decrStatProc(oldJob)
			changed = true
		}
		isNew = false
	}
	if err = s.store.Save(job, force...); err != nil {
		return
	}
	if isNew {
		st := s.getStat(job.Func)
		st.Job.Incr()
		s.jobCount.Add(1)
	}
	if isNew || changed {
		s.pushJobPQ(*job)
	}
	s.wakeSleepers(job.Func)
	return
}

func (s *Server) handleStatus(c *Conn, msgID []byte) Status {
	defer s.jobLocker.Unlock()
	s.jobLocker.Lock()
	buf := bytes.NewBuffer(nil)
	for _, st := range s.stats {
		buf.WriteString(st.String())
		buf.WriteString("\n")
	}
	s.replyData(c, msgID, protocol.STATUS, buf.Bytes())
	return SUCCESS
}

func (s *Server) handleDropFunc(c *Conn, msgID, payload []byte) Status {
	name := string(payload)
	defer s.notifyJobTimer()
	defer s.jobLocker.Unlock()
	s.jobLocker.Lock()
	st, ok := s.stats[name]
	if ok && st.Worker.Int() == 0 {
		iter := s.store.NewIterator(payload)
		deleteJob := make([]int64, 0)
		for iter.Next() {
			job := iter.Value()
			deleteJob = append(deleteJob, job.Id)
		}
		iter.Close()
		for _, jobId := range deleteJob {
			s.store.Delete(jobId)
			s.jobCount.Add(-1)
		}
		delete(s.stats, name)
		delete(s.jobPQ, name)
	}
	s.replyCmd(c, msgID, protocol.SUCCESS)
	return SUCCESS
}

func (s *Server) handleRemoveJob(c *Conn, msgID, payload []byte) Status {
	job, e := driver.NewJob(payload)
	if e != nil {
		s.replyData(c, msgID, protocol.UNKNOWN, []byte(e.Error()))
		return SUCCESS
	}
	defer s.notifyJobTimer()
	defer s.jobLocker.Unlock()
	s.jobLocker.Lock()
	job, e = s.store.GetOne(job.Func, job.Name)
	if e == nil && job.Id > 0 {
		s.store.Delete(job.Id)
		if st, ok := s.stats[job.Func]; ok {
			st.Job.Decr()
		}
		if job.Status == driver.JOB_STATUS_PROC {
			s.decrStatProc(job)
		}
		s.jobCount.Add(-1)
	}
	s.replyCmd(c, msgID, protocol.SUCCESS)
	return SUCCESS
}

func (s *Server) handleDump(c *Conn, msgID []byte) Status {
	var batchSize = 100
	var jobList []driver.Job
	iter := s.store.NewIterator(nil)
	for iter.Next() {
		job := iter.Value()
		if job.Name == "" {
			continue
		}
		jobList = append(jobList, job)
		if len(jobList) == batchSize {
			s.replyJobList(c, msgID, jobList)
			jobList = nil
		}
	}
	iter.Close()
	if len(jobList) > 0 {
		s.replyJobList(c, msgID, jobList)
	}
	s.replyData(c, msgID, protocol.SUCCESS, []byte("EOF"))
	return SUCCESS
}

func (s *Server) replyJobList(c *Conn, msgID []byte, jobList []driver.Job) {
	data, _ := json.Marshal(map[string][]driver.Job{"jobs": jobList})
	s.replyData(c, msgID, protocol.SUCCESS, data)
}

func (s *Server) handleLoad(c *Conn, msgID, payload []byte) Status {
	var packed map[string][]driver.Job
	if err := json.Unmarshal(payload, &packed); err != nil {
		s.replyData(c, msgID, protocol.UNKNOWN, []byte(err.Error()))
		return SUCCESS
	}
	for _, job := range packed["jobs"] {
		if job.Name == "" || job.Func == "" {
			continue
		}
		if err := s.submitJob(&job, true); err != nil {
			s.replyData(c, msgID, protocol.UNKNOWN, []byte(err.Error()))
			return SUCCESS
		}
	}
	s.replyCmd(c, msgID, protocol.SUCCESS)
	return SUCCESS
}
