package rpc_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/whispo/contextd/internal/protocol"
	"github.com/whispo/contextd/internal/rpc"
)

// peer is the far end of a Conn. respond decides the reply to each request;
// returning nil sends nothing.
type peer struct {
	toConn   *io.PipeWriter
	fromConn *io.PipeReader

	mu       sync.Mutex
	received []protocol.Message
}

func newPair(t *testing.T, respond func(protocol.Message) *protocol.Message) (*rpc.Conn, *peer) {
	t.Helper()
	connIn, peerOut := io.Pipe()
	peerIn, connOut := io.Pipe()
	p := &peer{toConn: peerOut, fromConn: peerIn}
	conn := rpc.NewConn("test", connIn, connOut)
	t.Cleanup(func() {
		conn.Close()
		peerOut.Close()
		peerIn.Close()
	})

	go func() {
		lr := protocol.NewLineReader(peerIn)
		for {
			frame, err := lr.Next()
			if err != nil {
				return
			}
			msg, err := protocol.Decode(frame)
			if err != nil {
				continue
			}
			p.mu.Lock()
			p.received = append(p.received, msg)
			p.mu.Unlock()
			if !msg.IsRequest() {
				continue
			}
			if resp := respond(msg); resp != nil {
				p.send(*resp)
			}
		}
	}()
	return conn, p
}

func (p *peer) send(msg protocol.Message) {
	b, _ := protocol.Encode(msg)
	_ = protocol.WriteLine(p.toConn, b)
}

func (p *peer) methods() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.received))
	for _, m := range p.received {
		out = append(out, m.Method)
	}
	return out
}

func echo(msg protocol.Message) *protocol.Message {
	resp, _ := protocol.NewResult(*msg.ID, map[string]any{"method": msg.Method, "params": msg.Params})
	return &resp
}

func TestCall_RoutesResponsesByID(t *testing.T) {
	conn, _ := newPair(t, echo)

	var wg sync.WaitGroup
	methods := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	errs := make(chan error, len(methods))
	for _, m := range methods {
		wg.Add(1)
		go func(method string) {
			defer wg.Done()
			raw, err := conn.Call(context.Background(), method, nil)
			if err != nil {
				errs <- err
				return
			}
			var got struct{ Method string }
			if err := json.Unmarshal(raw, &got); err != nil {
				errs <- err
				return
			}
			if got.Method != method {
				errs <- errors.New("response routed to wrong call: " + got.Method + " != " + method)
			}
		}(m)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if n := conn.Pending(); n != 0 {
		t.Errorf("Pending() = %d, want 0", n)
	}
}

func TestCall_TimeoutReleasesSlotAndDropsLateResponse(t *testing.T) {
	held := make(chan protocol.Message, 1)
	conn, p := newPair(t, func(msg protocol.Message) *protocol.Message {
		if msg.Method == "slow" {
			held <- msg
			return nil
		}
		return echo(msg)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := conn.Call(ctx, "slow", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Call() error = %v, want DeadlineExceeded", err)
	}
	if n := conn.Pending(); n != 0 {
		t.Errorf("Pending() after timeout = %d, want 0", n)
	}

	// The late answer must not disturb the next call.
	late := <-held
	lateResp, _ := protocol.NewResult(*late.ID, "late")
	p.send(lateResp)

	raw, err := conn.Call(context.Background(), "fast", nil)
	if err != nil {
		t.Fatalf("Call(fast) error = %v", err)
	}
	var got struct{ Method string }
	_ = json.Unmarshal(raw, &got)
	if got.Method != "fast" {
		t.Errorf("Call(fast) got response for %q", got.Method)
	}
	select {
	case <-conn.Done():
		t.Error("connection closed after a timed-out call")
	default:
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, m := range p.methods() {
			if m == protocol.MethodCancelled {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("peer never received notifications/cancelled")
}

func TestCall_ErrorResponse(t *testing.T) {
	conn, _ := newPair(t, func(msg protocol.Message) *protocol.Message {
		resp := protocol.NewErrorResponse(msg.ID, &protocol.RPCError{Code: protocol.CodeInvalidParams, Message: "bad"})
		return &resp
	})
	_, err := conn.Call(context.Background(), "x", nil)
	var rpcErr *protocol.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Call() error = %v, want *RPCError", err)
	}
	if rpcErr.Code != protocol.CodeInvalidParams {
		t.Errorf("Code = %d, want %d", rpcErr.Code, protocol.CodeInvalidParams)
	}
}

func TestCall_StreamEndFailsPendingCalls(t *testing.T) {
	conn, p := newPair(t, func(protocol.Message) *protocol.Message { return nil })

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), "never", nil)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	p.toConn.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, rpc.ErrClosed) {
			t.Errorf("Call() error = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not released on stream end")
	}
	if _, err := conn.Call(context.Background(), "after", nil); !errors.Is(err, rpc.ErrClosed) {
		t.Errorf("Call() after close error = %v, want ErrClosed", err)
	}
}

func TestConn_SkipsMalformedFramesAndAnswersPing(t *testing.T) {
	conn, p := newPair(t, echo)

	_, _ = p.toConn.Write([]byte("this is not json\n"))
	ping, _ := protocol.NewRequest(protocol.IntID(99), protocol.MethodPing, nil)
	p.send(ping)

	if _, err := conn.Call(context.Background(), "still-alive", nil); err != nil {
		t.Fatalf("Call() after malformed frame error = %v", err)
	}
}
