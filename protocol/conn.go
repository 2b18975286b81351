package protocol

import (
	"io"
	"net"
)

// Conn is a blocking framed connection, used by client side code. The
// server side drives frames through Decoder instead.
type Conn struct {
	net.Conn
}

// NewClientConn wraps a stream connection.
func NewClientConn(conn net.Conn) Conn {
	return Conn{Conn: conn}
}

// Receive waits for a new message on conn, and returns its payload.
func (conn Conn) Receive() (rdata []byte, rerr error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}

	length := ParseHeader(header)
	rdata = make([]byte, length)
	if _, err := io.ReadFull(conn, rdata); err != nil {
		return nil, err
	}
	return
}

// Send writes one framed message.
func (conn Conn) Send(data []byte) error {
	header, err := MakeHeader(data)
	if err != nil {
		return err
	}
	if _, err = conn.Write(header); err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}
