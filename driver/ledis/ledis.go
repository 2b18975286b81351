package ledis

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/leonardolima-youdb/gearmand/driver"
	"github.com/ledisdb/ledisdb/config"
	"github.com/ledisdb/ledisdb/ledis"
)

const LEDIS_PREFIX = "gearmand:job:"

// LedisDriver stores jobs in an embedded ledis database, using the
// same key scheme as the redis driver: job body under a plain key, a
// per func name index and a global id index as sorted sets.
type LedisDriver struct {
	l        *ledis.Ledis
	db       *ledis.DB
	RWLocker *sync.Mutex
}

func NewLedisDriver(cfg *config.Config) (LedisDriver, error) {
	l, err := ledis.Open(cfg)
	if err != nil {
		return LedisDriver{}, err
	}
	db, err := l.Select(0)
	if err != nil {
		l.Close()
		return LedisDriver{}, err
	}
	return LedisDriver{
		l:        l,
		db:       db,
		RWLocker: new(sync.Mutex),
	}, nil
}

func (d LedisDriver) get(jobID int64) (job driver.Job, err error) {
	var key = []byte(LEDIS_PREFIX + strconv.FormatInt(jobID, 10))
	data, err := d.db.Get(key)
	if err != nil {
		return
	}
	if data == nil {
		err = fmt.Errorf("job %d not exists", jobID)
		return
	}
	job, err = driver.NewJob(data)
	return
}

func (d LedisDriver) Save(job *driver.Job, force ...bool) (err error) {
	defer d.RWLocker.Unlock()
	d.RWLocker.Lock()
	var prefix = LEDIS_PREFIX + job.Func + ":"
	if job.Id > 0 && (len(force) == 0 || !force[0]) {
		old, e := d.get(job.Id)
		if e != nil || old.Id < 1 {
			err = fmt.Errorf("update job %d fail, the old job is not exists", job.Id)
			return
		}
		if old.Name != job.Name {
			d.db.ZRem([]byte(prefix+"name"), []byte(old.Name))
		}
	} else if job.Id == 0 {
		job.Id, err = d.db.Incr([]byte(LEDIS_PREFIX + "sequence"))
		if err != nil {
			return
		}
	}
	var key = []byte(LEDIS_PREFIX + strconv.FormatInt(job.Id, 10))
	if err = d.db.Set(key, job.Bytes()); err != nil {
		return
	}
	d.db.ZAdd([]byte(prefix+"name"), ledis.ScorePair{Score: job.Id, Member: []byte(job.Name)})
	d.db.ZAdd([]byte(LEDIS_PREFIX+"ID"), ledis.ScorePair{Score: job.Id, Member: []byte(strconv.FormatInt(job.Id, 10))})
	return
}

func (d LedisDriver) Delete(jobID int64) (err error) {
	defer d.RWLocker.Unlock()
	d.RWLocker.Lock()
	job, e := d.get(jobID)
	if e != nil {
		return e
	}
	var prefix = LEDIS_PREFIX + job.Func + ":"
	var key = []byte(LEDIS_PREFIX + strconv.FormatInt(jobID, 10))
	if _, err = d.db.Del(key); err != nil {
		return
	}
	d.db.ZRem([]byte(prefix+"name"), []byte(job.Name))
	d.db.ZRem([]byte(LEDIS_PREFIX+"ID"), []byte(strconv.FormatInt(job.Id, 10)))
	return
}

func (d LedisDriver) Get(jobID int64) (job driver.Job, err error) {
	defer d.RWLocker.Unlock()
	d.RWLocker.Lock()
	return d.get(jobID)
}

func (d LedisDriver) GetOne(Func, name string) (job driver.Job, err error) {
	defer d.RWLocker.Unlock()
	d.RWLocker.Lock()
	jobID, e := d.db.ZScore([]byte(LEDIS_PREFIX+Func+":name"), []byte(name))
	if e != nil || jobID == 0 {
		err = fmt.Errorf("job %s:%s not exists", Func, name)
		return
	}
	return d.get(jobID)
}

// NewIterator holds the driver locked until Close.
func (d LedisDriver) NewIterator(Func []byte) driver.JobIterator {
	d.RWLocker.Lock()
	return &LedisIterator{
		Func:  Func,
		limit: 20,
		d:     d,
	}
}

func (d LedisDriver) Close() error {
	d.l.Close()
	return nil
}

type LedisIterator struct {
	Func     []byte
	cursor   int
	err      error
	cacheJob []driver.Job
	start    int
	limit    int
	d        LedisDriver
}

func (iter *LedisIterator) Next() bool {
	iter.cursor++
	if len(iter.cacheJob) > 0 && len(iter.cacheJob) > iter.cursor {
		return true
	}
	start := iter.start
	stop := iter.start + iter.limit - 1
	iter.start = iter.start + iter.limit

	var key []byte
	if iter.Func == nil {
		key = []byte(LEDIS_PREFIX + "ID")
	} else {
		key = []byte(LEDIS_PREFIX + string(iter.Func) + ":name")
	}

	pairs, err := iter.d.db.ZRange(key, start, stop)
	if err != nil || len(pairs) == 0 {
		iter.err = err
		return false
	}
	jobs := make([]driver.Job, len(pairs))
	for k, pair := range pairs {
		jobs[k], _ = iter.d.get(pair.Score)
	}
	iter.cacheJob = jobs
	iter.cursor = 0
	return true
}

func (iter *LedisIterator) Value() driver.Job {
	return iter.cacheJob[iter.cursor]
}

func (iter *LedisIterator) Error() error {
	return iter.err
}

func (iter *LedisIterator) Close() {
	iter.d.RWLocker.Unlock()
}
