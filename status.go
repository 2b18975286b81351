package gearmand

import (
	"strconv"
)

// Status is the result of a core operation. IO_WAIT is not an error, it
// only reports absence of progress.
type Status int

const (
	SUCCESS Status = iota
	IO_WAIT
	SHUTDOWN
	SHUTDOWN_GRACEFUL
	MEMORY_ALLOCATION_FAILURE
	THREAD_ERROR
	LOST_CONNECTION
	INVALID_PACKET
	UNKNOWN_COMMAND
	ERRNO
)

func (s Status) String() string {
	switch s {
	case SUCCESS:
		return "SUCCESS"
	case IO_WAIT:
		return "IO_WAIT"
	case SHUTDOWN:
		return "SHUTDOWN"
	case SHUTDOWN_GRACEFUL:
		return "SHUTDOWN_GRACEFUL"
	case MEMORY_ALLOCATION_FAILURE:
		return "MEMORY_ALLOCATION_FAILURE"
	case THREAD_ERROR:
		return "THREAD_ERROR"
	case LOST_CONNECTION:
		return "LOST_CONNECTION"
	case INVALID_PACKET:
		return "INVALID_PACKET"
	case UNKNOWN_COMMAND:
		return "UNKNOWN_COMMAND"
	case ERRNO:
		return "ERRNO"
	}
	panic("Unknow Status " + strconv.Itoa(int(s)))
}
