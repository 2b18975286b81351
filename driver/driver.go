package driver

import (
	"encoding/json"
)

const (
	JOB_STATUS_READY = "ready"
	JOB_STATUS_PROC  = "processing"
)

// Job is the unit of work clients submit and workers run.
type Job struct {
	Id      int64  `json:"job_id"`
	Name    string `json:"name"`
	Func    string `json:"func"`
	Args    string `json:"workload"`
	Timeout int64  `json:"timeout"`
	SchedAt int64  `json:"sched_at"`
	RunAt   int64  `json:"run_at"`
	Status  string `json:"status"`
}

func NewJob(payload []byte) (job Job, err error) {
	err = json.Unmarshal(payload, &job)
	return
}

func (job Job) Bytes() (data []byte) {
	data, _ = json.Marshal(job)
	return
}

// StoreDriver persists jobs. Save allocates an id for new jobs; force
// skips the exists check when loading a dump.
type StoreDriver interface {
	Save(job *Job, force ...bool) error
	Delete(jobId int64) error
	Get(jobId int64) (Job, error)
	GetOne(Func, name string) (Job, error)
	NewIterator(Func []byte) JobIterator
	Close() error
}

type Iterator interface {
	Next() bool
}

// JobIterator walks jobs, all of them or one function's. Close releases
// the driver for writers again.
type JobIterator interface {
	Iterator
	Value() Job
	Error() error
	Close()
}
