package p2p

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"

	"github.com/petervdpas/goopcall/internal/transport"
)

const (
	maxLine      = 1 << 20
	writeTimeout = 10 * time.Second
)

// streamConn is a signaling connection: one long-lived libp2p stream carrying
// newline-delimited payloads.
type streamConn struct {
	id     string
	remote string
	node   *Node
	s      network.Stream

	mu     sync.Mutex
	w      *bufio.Writer
	closed bool
}

func newStreamConn(n *Node, s network.Stream) *streamConn {
	return &streamConn{
		id:     uuid.NewString(),
		remote: s.Conn().RemotePeer().String(),
		node:   n,
		s:      s,
		w:      bufio.NewWriter(s),
	}
}

func (c *streamConn) ID() string       { return c.id }
func (c *streamConn) RemoteID() string { return c.remote }

func (c *streamConn) Send(payload []byte) error {
	if bytes.IndexByte(payload, '\n') >= 0 {
		return fmt.Errorf("%w: payload contains a newline", transport.ErrTransport)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	_ = c.s.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.w.Write(payload); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransport, err)
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransport, err)
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransport, err)
	}
	return nil
}

func (c *streamConn) Close() error {
	c.finish(nil)
	return nil
}

// finish closes the stream once and reports DataClosed.
func (c *streamConn) finish(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if err != nil {
		_ = c.s.Reset()
	} else {
		_ = c.s.Close()
	}
	c.node.untrack(c)
	c.node.box.Push(transport.DataClosed{Conn: c, Err: err})
}

func (c *streamConn) readLoop() {
	r := bufio.NewReader(c.s)
	for {
		line, err := readLine(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.finish(nil)
			} else {
				c.finish(fmt.Errorf("%w: %v", transport.ErrTransport, err))
			}
			return
		}
		if len(line) == 0 {
			continue
		}
		c.node.box.Push(transport.DataReceived{Conn: c, Payload: line})
	}
}

var errLineTooLong = errors.New("line exceeds limit")

// readLine returns one line without its terminator. A partial last line is
// dropped.
func readLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(buf)+len(chunk) > maxLine {
			return nil, errLineTooLong
		}
		buf = append(buf, chunk...)
		switch {
		case err == nil:
			return bytes.TrimRight(buf, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, err
		}
	}
}
