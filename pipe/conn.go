package pipe

import (
	"bytes"
	"io"
	"sync"
)

// Conn gives a pipe stream semantics: Write splits into MTU-sized Data
// frames and Read drains the received bytes in order. Reads return io.EOF
// once the pipe closed and the buffer is empty.
type Conn struct {
	p *Pipe

	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	opened bool
	closed bool
	err    error

	writeMu sync.Mutex
}

// NewConn wraps p and takes over its callbacks. Call it before Start so no
// data is missed.
func NewConn(p *Pipe) *Conn {
	c := &Conn{p: p, opened: p.State() == StateOpened}
	c.cond = sync.NewCond(&c.mu)
	p.SetEvents(PipeEvents{
		OnOpen:  c.onOpen,
		OnData:  c.onData,
		OnError: c.onError,
		OnClose: c.onClose,
	})
	// The pipe may have been accepted between the state check and SetEvents.
	if p.State() == StateOpened {
		c.onOpen()
	}
	return c
}

// Pipe returns the wrapped pipe.
func (c *Conn) Pipe() *Pipe { return c.p }

func (c *Conn) onOpen() {
	c.mu.Lock()
	c.opened = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Conn) onData(data []byte) {
	c.mu.Lock()
	c.buf.Write(data)
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Conn) onError(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *Conn) onClose() {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Read blocks until data arrives or the pipe closes.
func (c *Conn) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.buf.Len() == 0 && !c.closed {
		c.cond.Wait()
	}
	if c.buf.Len() > 0 {
		return c.buf.Read(b)
	}
	if c.err != nil {
		return 0, c.err
	}
	return 0, io.EOF
}

// Write waits for the pipe to open, then sends b in MTU-sized chunks.
func (c *Conn) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if err := c.waitOpen(); err != nil {
		return 0, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	mtu := c.p.MTU()
	if mtu == 0 {
		return 0, io.ErrShortWrite
	}
	written := 0
	for written < len(b) {
		end := written + mtu
		if end > len(b) {
			end = len(b)
		}
		if err := c.p.Send(b[written:end]); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

func (c *Conn) waitOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.opened && !c.closed {
		c.cond.Wait()
	}
	if c.closed {
		if c.err != nil {
			return c.err
		}
		return io.ErrClosedPipe
	}
	return nil
}

// Close closes the pipe.
func (c *Conn) Close() error {
	return c.p.Close()
}
