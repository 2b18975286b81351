// Package client is a blocking protocol client for the gearmand wire
// protocol, used by the CLI tools and by end to end tests.
package client

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/leonardolima-youdb/gearmand/driver"
	"github.com/leonardolima-youdb/gearmand/protocol"
)

// Client is one client typed session with a gearmand server.
type Client struct {
	conn  protocol.Conn
	msgID []byte
}

// Dial connects to entryPoint ("tcp://host:port" or "unix:///path")
// and announces the given session type.
func Dial(entryPoint string, ctype protocol.ClientType) (c *Client, err error) {
	parts := strings.SplitN(entryPoint, "://", 2)
	nc, err := net.Dial(parts[0], parts[1])
	if err != nil {
		return
	}
	conn := protocol.NewClientConn(nc)
	if err = conn.Send(ctype.Bytes()); err != nil {
		nc.Close()
		return
	}
	c = &Client{conn: conn, msgID: []byte("100")}
	return
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Send writes one command frame on the session.
func (c *Client) Send(cmd protocol.Command, data []byte) error {
	buf := bytes.NewBuffer(nil)
	buf.Write(c.msgID)
	buf.Write(protocol.NullChar)
	buf.WriteByte(byte(cmd))
	if len(data) > 0 {
		buf.Write(protocol.NullChar)
		buf.Write(data)
	}
	return c.conn.Send(buf.Bytes())
}

// Receive reads the next reply, stripping the message id.
func (c *Client) Receive() (cmd protocol.Command, data []byte, err error) {
	payload, err := c.conn.Receive()
	if err != nil {
		return
	}
	pkt, err := protocol.ParsePayload(payload)
	if err != nil {
		return
	}
	return pkt.Cmd, pkt.Data, nil
}

// Ping round trips a PING.
func (c *Client) Ping() error {
	if err := c.Send(protocol.PING, nil); err != nil {
		return err
	}
	cmd, _, err := c.Receive()
	if err != nil {
		return err
	}
	if cmd != protocol.PONG {
		return fmt.Errorf("except PONG, got %s", cmd)
	}
	return nil
}

// SubmitJob submits one job and waits for the SUCCESS reply.
func (c *Client) SubmitJob(job driver.Job) error {
	if err := c.Send(protocol.SUBMIT_JOB, job.Bytes()); err != nil {
		return err
	}
	cmd, data, err := c.Receive()
	if err != nil {
		return err
	}
	if cmd != protocol.SUCCESS {
		return fmt.Errorf("submit fail: %s %s", cmd, data)
	}
	return nil
}

// RemoveJob removes one job by func and name.
func (c *Client) RemoveJob(job driver.Job) error {
	if err := c.Send(protocol.REMOVE_JOB, job.Bytes()); err != nil {
		return err
	}
	cmd, data, err := c.Receive()
	if err != nil {
		return err
	}
	if cmd != protocol.SUCCESS {
		return fmt.Errorf("remove fail: %s %s", cmd, data)
	}
	return nil
}

// DropFunc removes an idle function and all of its jobs.
func (c *Client) DropFunc(name string) error {
	if err := c.Send(protocol.DROP_FUNC, []byte(name)); err != nil {
		return err
	}
	cmd, data, err := c.Receive()
	if err != nil {
		return err
	}
	if cmd != protocol.SUCCESS {
		return fmt.Errorf("drop fail: %s %s", cmd, data)
	}
	return nil
}

// Status returns the per function stat lines.
func (c *Client) Status() (lines [][]string, err error) {
	if err = c.Send(protocol.STATUS, nil); err != nil {
		return
	}
	_, data, err := c.Receive()
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		lines = append(lines, strings.Split(line, ","))
	}
	return
}

// Dump streams every stored job as framed batches to w, ending with
// EOF.
func (c *Client) Dump(w io.Writer) error {
	if err := c.Send(protocol.DUMP, nil); err != nil {
		return err
	}
	for {
		_, data, err := c.Receive()
		if err != nil {
			return err
		}
		if bytes.Equal(data, []byte("EOF")) {
			return nil
		}
		header, err := protocol.MakeHeader(data)
		if err != nil {
			return err
		}
		if _, err = w.Write(header); err != nil {
			return err
		}
		if _, err = w.Write(data); err != nil {
			return err
		}
	}
}

// Load feeds framed job batches written by Dump back to the server.
func (c *Client) Load(r io.Reader) error {
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		data := make([]byte, protocol.ParseHeader(header))
		if _, err := io.ReadFull(r, data); err != nil {
			return err
		}
		if err := c.Send(protocol.LOAD, data); err != nil {
			return err
		}
		cmd, msg, err := c.Receive()
		if err != nil {
			return err
		}
		if cmd != protocol.SUCCESS {
			return fmt.Errorf("load fail: %s %s", cmd, msg)
		}
	}
}
