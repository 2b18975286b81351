package gearmand

import (
	"errors"
	"log"
	"net"
	"strings"

	"github.com/google/uuid"
)

var errNoThreads = errors.New("server has no I/O threads")

// Serve listens on entryPoint ("tcp://host:port" or "unix:///path"),
// assigns accepted connections to I/O threads round robin, and drives
// every thread until shutdown. It blocks until Shutdown or a graceful
// shutdown drains the last job.
func (s *Server) Serve(entryPoint string) error {
	parts := strings.SplitN(entryPoint, "://", 2)
	if parts[0] == "unix" {
		if err := sockCheck(parts[1]); err != nil {
			return err
		}
	}
	threads := s.threadList()
	if len(threads) == 0 {
		return errNoThreads
	}

	listen, err := net.Listen(parts[0], parts[1])
	if err != nil {
		return err
	}
	s.listener = listen
	for _, t := range threads {
		t := t
		wake := make(chan struct{}, 1)
		t.SetRunFn(func(*IOThread) {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		t.SetLogFn(func(_ *IOThread, line string) {
			log.Printf("[gearmand] %s\n", line)
		})
		s.drivers.Add(1)
		go s.driveThread(t, wake)
	}
	go s.jobTimer()

	log.Printf("gearmand started on %s\n", entryPoint)
	var next uint64
	for {
		conn, err := listen.Accept()
		if err != nil {
			if s.shutdown.Load() || s.stopping.Load() {
				break
			}
			log.Printf("[gearmand] accept: %s\n", err)
			continue
		}
		t := threads[next%uint64(len(threads))]
		next++
		c := t.NewConn(nil, uuid.New().String(), conn.RemoteAddr().String())
		st := newSocketTransport(conn, func(events EventMask) {
			t.MarkReady(c, events)
		})
		t.setTransport(c, st)
		st.start()
	}

	s.drivers.Wait()
	return nil
}

// Stop closes the listener and lets Serve return once the drivers
// observe shutdown.
func (s *Server) Stop() {
	s.stopping.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wakeAll()
}

// driveThread is the poller side driver of one I/O thread: every
// readiness or cross thread wakeup runs the thread until it reports no
// fatal connection, tearing down the ones it does report.
func (s *Server) driveThread(t *IOThread, wake chan struct{}) {
	defer s.drivers.Done()
	for range wake {
		if !s.multiThreaded() {
			// No processing thread to pair due jobs with waiting
			// workers, so the lone I/O thread's driver does it.
			s.dispatchDue()
		}
		for {
			c, ret := t.Run()
			if c != nil {
				if ret != LOST_CONNECTION {
					t.logf("connection %s: %s", c.Addr(), ret)
				}
				s.closeConn(c)
				continue
			}
			if ret == SHUTDOWN {
				s.Stop()
				return
			}
			// SUCCESS or SHUTDOWN_GRACEFUL, wait for more work.
			break
		}
	}
}
