/*
# Gearmand Protocol

The protocol operates over TCP, or a unix socket. Communication happens
between either a client and a job server, or between a worker and a job
server. In both cases the peer opens the session by sending a single byte
frame carrying its type (TYPECLIENT or TYPEWORKER).

Workers register functions they can perform with CAN_DO. Clients submit
jobs with SUBMIT_JOB. The job server notifies sleeping workers that can
perform a submitted function (NOOP), and hands a job to the first worker
that grabs it (GRAB_JOB / JOB_ASSIGN).

## Binary Packet

Requests and responses are encapsulated by a binary packet. A binary
packet consists of a header followed by a payload. The header is:

	4 byte size        - A big-endian (network-order) integer containing
	                     the size of the payload. The high bit is reserved
	                     and masked off on read.

The payload fields are separated by the two byte sequence \x00\x01:

	? byte message id  - A peer chosen reply channel id, echoed back on
	                     every response to that request.
	1 byte command     - The packet command:

	                   #   Name          Sender
	                   0   NOOP          Server
	                   1   GRAB_JOB      Worker
	                   2   SCHED_LATER   Worker
	                   3   WORK_DONE     Worker
	                   4   WORK_FAIL     Worker
	                   5   JOB_ASSIGN    Server
	                   6   NO_JOB        Server
	                   7   CAN_DO        Worker
	                   8   CANT_DO       Worker
	                   9   PING          Client/Worker
	                   10  PONG          Server
	                   11  SLEEP         Worker
	                   12  UNKNOWN       Server
	                   13  SUBMIT_JOB    Client
	                   14  STATUS        Client
	                   15  DROP_FUNC     Client
	                   16  SUCCESS       Server
	                   17  REMOVE_JOB    Client
	                   18  DUMP          Client
	                   19  LOAD          Client

	? byte data        - Command argument bytes. CAN_DO, CANT_DO and
	                     DROP_FUNC carry a function name. SUBMIT_JOB and
	                     REMOVE_JOB carry a job encoded as JSON. LOAD
	                     carries a JSON batch of jobs as sent by DUMP.
	                     WORK_DONE and WORK_FAIL carry a job handle.
	                     SCHED_LATER carries a job handle and a delay in
	                     seconds. JOB_ASSIGN carries a job handle and the
	                     job JSON.
*/
package protocol
