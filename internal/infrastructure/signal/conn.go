package signal

import (
	"bufio"
	"errors"
	"net"
	"time"
)

// errLineTooLong marks an oversized frame that was skipped. The transport
// is still usable afterwards.
var errLineTooLong = errors.New("signaling line exceeds max message size")

// frameConn moves whole envelope lines over one transport. ReadLine and
// WriteLine may run concurrently with each other but not with themselves.
type frameConn interface {
	ReadLine() ([]byte, error)
	WriteLine(line []byte, deadline time.Time) error
	Ping(deadline time.Time) error
	Close() error
	RemoteAddr() string
}

type tcpConn struct {
	conn    net.Conn
	reader  *bufio.Reader
	maxSize int64
}

func newTCPConn(conn net.Conn, maxSize int64) *tcpConn {
	return &tcpConn{conn: conn, reader: bufio.NewReader(conn), maxSize: maxSize}
}

func (c *tcpConn) ReadLine() ([]byte, error) {
	var (
		line     []byte
		overflow bool
	)
	for {
		chunk, isPrefix, err := c.reader.ReadLine()
		if err != nil {
			return nil, err
		}
		if !overflow {
			line = append(line, chunk...)
			if int64(len(line)) > c.maxSize {
				overflow = true
				line = nil
			}
		}
		if isPrefix {
			continue
		}
		if overflow {
			return nil, errLineTooLong
		}
		return line, nil
	}
}

func (c *tcpConn) WriteLine(line []byte, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := c.conn.Write(line)
	return err
}

// Ping is a no-op; TCP channels rely on heartbeats above them.
func (c *tcpConn) Ping(time.Time) error { return nil }

func (c *tcpConn) Close() error { return c.conn.Close() }

func (c *tcpConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }
