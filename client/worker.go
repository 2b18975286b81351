package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/leonardolima-youdb/gearmand/driver"
	"github.com/leonardolima-youdb/gearmand/protocol"
)

// Run is the command line worker loop: register one function, grab
// jobs forever and run each through a shell command. The command reads
// the workload on stdin; printing "FAIL" or "SCHED_LATER <seconds>"
// on stdout controls the completion report. A lost connection is
// redialled at once; a failed dial is retried after five seconds.
func Run(entryPoint, funcName, cmd string) {
	parts := strings.SplitN(entryPoint, "://", 2)
	for {
		nc, err := net.Dial(parts[0], parts[1])
		if err != nil {
			log.Printf("Error: %s\n", err.Error())
			log.Printf("Wait 5 second to reconnecting")
			time.Sleep(5 * time.Second)
			continue
		}
		conn := protocol.NewClientConn(nc)
		err = handleWorker(conn, funcName, cmd)
		if err != nil && err != io.EOF {
			log.Printf("Error: %s\n", err.Error())
		}
		conn.Close()
	}
}

func handleWorker(conn protocol.Conn, funcName, cmd string) (err error) {
	if err = conn.Send(protocol.TYPEWORKER.Bytes()); err != nil {
		return
	}
	var msgID = []byte("100")
	if err = sendCommand(conn, msgID, protocol.CAN_DO, []byte(funcName)); err != nil {
		return
	}

	for {
		if err = sendCommand(conn, msgID, protocol.GRAB_JOB, nil); err != nil {
			return
		}
		var payload []byte
		if payload, err = conn.Receive(); err != nil {
			return
		}
		job, jobHandle, e := extractJob(payload)
		if e != nil {
			return e
		}

		realCmd := strings.Split(cmd, " ")
		realCmd = append(realCmd, job.Name)
		c := exec.Command(realCmd[0], realCmd[1:]...)
		c.Stdin = strings.NewReader(job.Args)
		var out bytes.Buffer
		c.Stdout = &out
		c.Stderr = os.Stderr
		runErr := c.Run()

		var schedLater int
		var fail = false
		for {
			line, e := out.ReadString('\n')
			if e != nil {
				break
			}
			if strings.HasPrefix(line, "SCHED_LATER") {
				parts := strings.SplitN(strings.TrimSpace(line), " ", 2)
				if len(parts) == 2 {
					schedLater, _ = strconv.Atoi(strings.TrimSpace(parts[1]))
				}
			} else if strings.HasPrefix(line, "FAIL") {
				fail = true
			} else {
				fmt.Print(line)
			}
		}

		buf := bytes.NewBuffer(nil)
		buf.Write(jobHandle)
		var report = protocol.WORK_DONE
		if runErr != nil || fail {
			report = protocol.WORK_FAIL
		} else if schedLater > 0 {
			report = protocol.SCHED_LATER
			buf.Write(protocol.NullChar)
			buf.WriteString(strconv.Itoa(schedLater))
		}
		if err = sendCommand(conn, msgID, report, buf.Bytes()); err != nil {
			return
		}
	}
}

func sendCommand(conn protocol.Conn, msgID []byte, cmd protocol.Command, data []byte) error {
	buf := bytes.NewBuffer(nil)
	buf.Write(msgID)
	buf.Write(protocol.NullChar)
	buf.WriteByte(byte(cmd))
	if len(data) > 0 {
		buf.Write(protocol.NullChar)
		buf.Write(data)
	}
	return conn.Send(buf.Bytes())
}

func extractJob(payload []byte) (job driver.Job, jobHandle []byte, err error) {
	parts := bytes.SplitN(payload, protocol.NullChar, 4)
	if len(parts) != 4 {
		err = errors.New("invalid payload " + string(payload))
		return
	}
	if protocol.Command(parts[1][0]) != protocol.JOB_ASSIGN {
		err = errors.New("except JOB_ASSIGN, got " + protocol.Command(parts[1][0]).String())
		return
	}
	job, err = driver.NewJob(parts[3])
	jobHandle = parts[2]
	return
}
