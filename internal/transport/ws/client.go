package ws

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"netphys.dev/internal/protocol"
)

// Client is the predicting side of a connection. SendInputCmd may be called
// from the game goroutine while States is drained by the same or another one.
type Client struct {
	conn    *websocket.Conn
	welcome protocol.WelcomeMsg

	wmu     sync.Mutex
	history []protocol.InputCmd

	states chan protocol.StateMsg
	done   chan struct{}

	emu sync.Mutex
	err error

	dropped atomic.Uint64
}

// Dial connects and completes the HELLO/WELCOME handshake.
func Dial(ctx context.Context, url, name string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if err := writeMessage(conn, protocol.TypeHello, protocol.HelloMsg{ProtocolVersion: protocol.Version, ClientName: name}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("welcome: %w", err)
	}
	if t, _ := protocol.Peek(msg); t == protocol.TypeError {
		var em protocol.ErrorMsg
		_ = protocol.Decode(msg, protocol.TypeError, &em)
		conn.Close()
		return nil, fmt.Errorf("rejected: %s %s", em.Code, em.Message)
	}
	var welcome protocol.WelcomeMsg
	if err := protocol.Decode(msg, protocol.TypeWelcome, &welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("welcome: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if welcome.RedundantCmds < 1 {
		welcome.RedundantCmds = 1
	}

	c := &Client{
		conn:    conn,
		welcome: welcome,
		states:  make(chan protocol.StateMsg, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Welcome() protocol.WelcomeMsg { return c.welcome }

// States delivers received STATE messages. When the consumer falls behind the
// oldest pending message is dropped.
func (c *Client) States() <-chan protocol.StateMsg { return c.states }

// Done is closed when the connection ends; Err then reports why.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Err() error {
	c.emu.Lock()
	defer c.emu.Unlock()
	return c.err
}

func (c *Client) setErr(err error) {
	c.emu.Lock()
	c.err = err
	c.emu.Unlock()
}

func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// SendInputCmd sends the command for frame together with the previous
// RedundantCmds-1 commands. It reports whether the write succeeded.
func (c *Client) SendInputCmd(frame int64, payload []byte) bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.history = append(c.history, protocol.InputCmd{Frame: frame, Payload: payload})
	if n := c.welcome.RedundantCmds; len(c.history) > n {
		c.history = append(c.history[:0], c.history[len(c.history)-n:]...)
	}
	return writeMessage(c.conn, protocol.TypeInput, protocol.InputMsg{Cmds: c.history}) == nil
}

func (c *Client) Close() error {
	c.wmu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.setErr(err)
			return
		}
		t, err := protocol.Peek(msg)
		if err != nil {
			continue
		}
		switch t {
		case protocol.TypeState:
			var st protocol.StateMsg
			if err := protocol.Decode(msg, protocol.TypeState, &st); err != nil {
				continue
			}
			c.deliver(st)
		case protocol.TypeError:
			var em protocol.ErrorMsg
			if err := protocol.Decode(msg, protocol.TypeError, &em); err == nil {
				c.setErr(fmt.Errorf("server error: %s %s", em.Code, em.Message))
			}
		}
	}
}

func (c *Client) deliver(st protocol.StateMsg) {
	select {
	case c.states <- st:
		return
	default:
	}
	select {
	case <-c.states:
		c.dropped.Add(1)
	default:
	}
	select {
	case c.states <- st:
	default:
	}
}
