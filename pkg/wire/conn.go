package wire

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// Inbound is one demultiplexed item from the client: exactly one of
// Frame or Control is set.
type Inbound struct {
	Frame   *BinaryFrame
	Control *ControlMessage
}

// Conn is the duplex client socket. A background read loop demuxes
// binary audio frames and JSON control messages onto Inbound();
// SendFrame and SendControl serialize writes in call order, which is
// what the controller relies on to order a tts stop after the audio
// frames already written.
type Conn struct {
	ws      *websocket.Conn
	inbound chan Inbound

	writeMu sync.Mutex

	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// NewConn wraps an established websocket connection and starts the
// read loop.
func NewConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:      ws,
		inbound: make(chan Inbound, 16),
	}
	go c.readLoop()
	return c
}

// Inbound returns the demultiplexed inbound stream. The channel is
// closed when the read side fails or the peer disconnects; Err reports
// the cause.
func (c *Conn) Inbound() <-chan Inbound {
	return c.inbound
}

// Err returns the error that terminated the read loop, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) readLoop() {
	defer close(c.inbound)
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			c.setErr(err)
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			frame, err := ParseFrame(data)
			if err != nil {
				// Length mismatch is fatal to the connection.
				c.setErr(err)
				c.CloseWithStatus(websocket.CloseProtocolError, "bad frame")
				return
			}
			c.inbound <- Inbound{Frame: frame}
		case websocket.TextMessage:
			msg, err := ParseControl(data)
			if err != nil {
				c.setErr(err)
				c.CloseWithStatus(websocket.ClosePolicyViolation, "bad control message")
				return
			}
			c.inbound <- Inbound{Control: msg}
		default:
			slog.Debug("wire: ignoring message", "kind", kind)
		}
	}
}

func (c *Conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// SendFrame writes one binary audio frame.
func (c *Conn) SendFrame(f *BinaryFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, f.Marshal()); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// SendControl writes one JSON control message.
func (c *Conn) SendControl(m *ControlMessage) error {
	b, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("wire: marshal control: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("wire: write control: %w", err)
	}
	return nil
}

// CloseWithStatus sends a close frame with the given code and closes
// the socket.
func (c *Conn) CloseWithStatus(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// Close closes the socket with a normal closure code.
func (c *Conn) Close() error {
	return c.CloseWithStatus(websocket.CloseNormalClosure, "")
}
