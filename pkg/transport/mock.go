package transport

import (
	"context"
	"sync"

	"github.com/teslashibe/go-taara/pkg/protocol"
)

// MockDialer is a mock implementation of Dialer for testing.
type MockDialer struct {
	mu sync.Mutex

	// DialFunc, if set, runs before a connection is handed out. A non-nil
	// error fails the dial.
	DialFunc func(ctx context.Context, target Target) error

	// Hold, if set, blocks Dial until it is closed or ctx is done.
	Hold chan struct{}

	targets []Target
	conns   []*MockConn
	dialed  chan *MockConn
}

// NewMockDialer creates a new MockDialer.
func NewMockDialer() *MockDialer {
	return &MockDialer{dialed: make(chan *MockConn, 16)}
}

// Dial implements Dialer.
func (d *MockDialer) Dial(ctx context.Context, target Target, deliver func(Inbound)) (Conn, error) {
	d.mu.Lock()
	d.targets = append(d.targets, target)
	hold := d.Hold
	d.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, NewConnectionError("dial cancelled", ctx.Err(), false)
		}
	}
	if d.DialFunc != nil {
		if err := d.DialFunc(ctx, target); err != nil {
			return nil, err
		}
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}

	c := &MockConn{deliver: deliver}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()

	select {
	case d.dialed <- c:
	default:
	}
	return c, nil
}

// Dialed yields each connection as it is handed out.
func (d *MockDialer) Dialed() <-chan *MockConn {
	return d.dialed
}

// Targets returns the targets passed to Dial.
func (d *MockDialer) Targets() []Target {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Target(nil), d.targets...)
}

// Conns returns the connections handed out.
func (d *MockDialer) Conns() []*MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*MockConn(nil), d.conns...)
}

// MockConn is a mock implementation of Conn for testing.
type MockConn struct {
	mu      sync.Mutex
	deliver func(Inbound)
	closed  bool

	// SendErr, if set, is returned by SendAudio and SendText.
	SendErr error

	audio [][]float32
	texts []string
}

// SendAudio implements Conn.
func (c *MockConn) SendAudio(samples []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.audio = append(c.audio, append([]float32(nil), samples...))
	return nil
}

// SendText implements Conn.
func (c *MockConn) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.texts = append(c.texts, text)
	return nil
}

// Close implements Conn.
func (c *MockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *MockConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Audio returns the frames sent.
func (c *MockConn) Audio() [][]float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]float32(nil), c.audio...)
}

// Texts returns the text messages sent.
func (c *MockConn) Texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

func (c *MockConn) simulate(in Inbound) bool {
	c.mu.Lock()
	closed := c.closed
	deliver := c.deliver
	c.mu.Unlock()
	if closed || deliver == nil {
		return false
	}
	deliver(in)
	return true
}

// SimulateAudio delivers a binary audio frame. It returns false once the
// connection is closed.
func (c *MockConn) SimulateAudio(chunk []byte) bool {
	return c.simulate(Inbound{Kind: InboundAudio, Audio: chunk})
}

// SimulateMessage delivers a message carrying a string.
func (c *MockConn) SimulateMessage(t protocol.MessageType, text string) bool {
	msg, err := protocol.NewTextMessage(t, text)
	if err != nil {
		return false
	}
	return c.simulate(Inbound{Kind: InboundMessage, Message: msg})
}

// SimulateSignal delivers a data-less message such as tts_start.
func (c *MockConn) SimulateSignal(t protocol.MessageType) bool {
	return c.simulate(Inbound{Kind: InboundMessage, Message: protocol.NewSignal(t)})
}

// SimulateClose delivers a remote close and marks the connection closed.
func (c *MockConn) SimulateClose(err error) bool {
	ok := c.simulate(Inbound{Kind: InboundClosed, Err: err})
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return ok
}
