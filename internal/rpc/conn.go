// Package rpc correlates JSON-RPC requests and responses over a single
// bidirectional byte stream.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/whispo/contextd/internal/protocol"
)

// ErrClosed is returned by calls on a connection whose stream has ended.
var ErrClosed = errors.New("rpc: connection closed")

// Handler answers requests and notifications initiated by the peer. It
// returns nil for notifications.
type Handler func(ctx context.Context, msg protocol.Message) *protocol.Message

type Option func(*Conn)

// WithHandler installs the handler for peer-initiated messages. Without
// one, ping is answered and every other request gets method-not-found.
func WithHandler(h Handler) Option {
	return func(c *Conn) { c.handler = h }
}

// WithCloser registers a resource closed together with the connection.
func WithCloser(cl io.Closer) Option {
	return func(c *Conn) { c.closer = cl }
}

// Conn multiplexes concurrent calls over one stream. Each outstanding call
// owns a pending slot keyed by request id; responses are routed only to the
// slot with the matching id and late responses are dropped.
type Conn struct {
	name    string
	reader  *protocol.LineReader
	writer  io.Writer
	handler Handler
	closer  io.Closer

	wmu sync.Mutex

	mu      sync.Mutex
	pending map[protocol.ID]chan protocol.Message

	lastSeen atomic.Int64

	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// NewConn starts reading r immediately.
func NewConn(name string, r io.Reader, w io.Writer, opts ...Option) *Conn {
	c := &Conn{
		name:    name,
		reader:  protocol.NewLineReader(r),
		writer:  w,
		pending: make(map[protocol.ID]chan protocol.Message),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastSeen.Store(time.Now().UnixNano())
	go c.readLoop()
	return c
}

// Call sends a request and waits for its response, ctx cancellation or
// connection loss. A response carrying an error object is returned as
// *protocol.RPCError.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, c.closedErr()
	default:
	}

	id := protocol.StringID(uuid.NewString())
	msg, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan protocol.Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(msg); err != nil {
		c.release(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.release(id)
		go c.cancelRemote(id, ctx.Err())
		return nil, ctx.Err()
	case <-c.done:
		c.release(id)
		return nil, c.closedErr()
	}
}

// Notify sends a notification.
func (c *Conn) Notify(method string, params any) error {
	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.send(msg)
}

// Pending reports the number of outstanding calls.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// LastSeen is the time the last frame arrived from the peer.
func (c *Conn) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Done is closed when the stream ends or Close is called.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection closed, or nil while open.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Conn) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Conn) send(msg protocol.Message) error {
	b, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}
	if err := protocol.WriteLine(c.writer, b); err != nil {
		return fmt.Errorf("rpc: write %s: %w", c.name, err)
	}
	return nil
}

func (c *Conn) release(id protocol.ID) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) cancelRemote(id protocol.ID, reason error) {
	_ = c.Notify(protocol.MethodCancelled, protocol.CancelledParams{RequestID: &id, Reason: reason.Error()})
}

func (c *Conn) readLoop() {
	for {
		frame, err := c.reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrClosed
			}
			c.shutdown(err)
			return
		}
		c.lastSeen.Store(time.Now().UnixNano())

		msg, err := protocol.Decode(frame)
		if err != nil {
			log.Warn().Err(err).Str("peer", c.name).Msg("Skipping malformed frame")
			continue
		}
		if msg.IsResponse() {
			c.deliver(msg)
			continue
		}
		go c.handleInbound(msg)
	}
}

func (c *Conn) deliver(msg protocol.Message) {
	if msg.ID == nil {
		log.Warn().Str("peer", c.name).Interface("error", msg.Error).Msg("Peer reported an error without request id")
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	delete(c.pending, *msg.ID)
	c.mu.Unlock()
	if !ok {
		log.Debug().Str("peer", c.name).Str("id", msg.ID.String()).Msg("Dropping response with no pending call")
		return
	}
	ch <- msg
}

func (c *Conn) handleInbound(msg protocol.Message) {
	var resp *protocol.Message
	if c.handler != nil {
		resp = c.handler(context.Background(), msg)
	} else {
		resp = defaultHandler(msg)
	}
	if resp == nil || msg.IsNotification() {
		return
	}
	if err := c.send(*resp); err != nil {
		log.Debug().Err(err).Str("peer", c.name).Msg("Failed to answer peer request")
	}
}

func defaultHandler(msg protocol.Message) *protocol.Message {
	if msg.IsNotification() {
		return nil
	}
	if msg.Method == protocol.MethodPing {
		resp, _ := protocol.NewResult(*msg.ID, struct{}{})
		return &resp
	}
	resp := protocol.NewErrorResponse(msg.ID, &protocol.RPCError{
		Code:    protocol.CodeMethodNotFound,
		Message: "Method not found",
	})
	return &resp
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		if c.closer != nil {
			_ = c.closer.Close()
		}
	})
}

func (c *Conn) closedErr() error {
	if c.err != nil && !errors.Is(c.err, ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, c.err)
	}
	return ErrClosed
}
