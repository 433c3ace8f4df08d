// Package wsconn provides the single-writer-goroutine WebSocket pattern
// shared by the proxy's connection handler and both peer binaries: one
// goroutine owns the socket for writes, draining a bounded queue, while a
// separate reader goroutine parses inbound frames.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coder/websocket"
)

// outboxSize bounds the per-connection outbound queue. The protocol design
// calls for an unbounded queue; this implementation deliberately bounds it
// and drops on overflow rather than growing without limit (see
// DESIGN.md's note on the "unbounded outbound queues" design note).
const outboxSize = 256

var ErrQueueFull = errors.New("outbound queue full")

// Conn wraps a websocket.Conn with a bounded outbound queue and exposes the
// channel end that a registry's Outbox expects.
type Conn struct {
	ws  *websocket.Conn
	out chan []byte
}

func New(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws, out: make(chan []byte, outboxSize)}
}

// Out returns the send side of the outbound queue, suitable for handing to
// a registry.Attach call.
func (c *Conn) Out() chan<- []byte { return c.out }

// Send marshals v and enqueues it without blocking; if the queue is full the
// message is dropped and ErrQueueFull is returned.
func Send(out chan<- []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal wire message: %w", err)
	}
	select {
	case out <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

// RunWriter drains the outbound queue to the socket until the queue is
// closed, the context is canceled, or a write fails. It is meant to run in
// its own goroutine, one per connection.
func (c *Conn) RunWriter(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-c.out:
			if !ok {
				return nil
			}
			if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
				return fmt.Errorf("write frame: %w", err)
			}
		}
	}
}

// ReadLoop reads frames until the socket closes or the context is canceled,
// invoking handle for every text frame. Binary frames are ignored per the
// wire contract (text JSON only).
func (c *Conn) ReadLoop(ctx context.Context, handle func([]byte) error) error {
	for {
		kind, data, err := c.ws.Read(ctx)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if kind != websocket.MessageText {
			continue
		}
		if err := handle(data); err != nil {
			return err
		}
	}
}

func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}
