// Package downstream implements the downstream channel abstraction: a
// bidirectional, JSON event-named WebSocket connection to one untrusted
// client, framed with gobwas/ws.
package downstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

// Envelope is a downstream event-named JSON message, either a command
// arriving from the client or an event being pushed to it.
type Envelope struct {
	Name string          `json:"name"`
	Msg  json.RawMessage `json:"msg,omitempty"`
}

// New builds an outgoing Envelope from a name and a JSON-encodable value.
func New(name string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Name: name}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Name: name, Msg: raw}, nil
}

// Channel owns one downstream WebSocket connection. It exposes a buffered
// outgoing queue so a slow client cannot stall any other session's I/O.
type Channel struct {
	id     uint64
	conn   net.Conn
	logger zerolog.Logger

	sendQueue chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

const sendQueueSize = 256

// Accept performs the server-side WebSocket upgrade on an already-accepted
// TCP connection and returns a Channel ready to be served.
func Accept(id uint64, conn net.Conn, logger zerolog.Logger) (*Channel, error) {
	if _, err := ws.Upgrade(conn); err != nil {
		return nil, err
	}
	return &Channel{
		id:        id,
		conn:      conn,
		logger:    logger,
		sendQueue: make(chan []byte, sendQueueSize),
		closed:    make(chan struct{}),
	}, nil
}

// ID returns the connection's locally-unique identifier.
func (c *Channel) ID() uint64 { return c.id }

// Send enqueues an event for delivery. Non-blocking: if the queue is full
// the event is dropped rather than stalling the caller (the caller is
// usually the session's upstream-reader goroutine).
func (c *Channel) Send(name string, payload any) {
	select {
	case <-c.closed:
		return
	default:
	}
	env, err := New(name, payload)
	if err != nil {
		c.logger.Warn().Err(err).Str("event", name).Msg("failed to encode downstream event")
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.sendQueue <- data:
	default:
		c.logger.Warn().Str("event", name).Msg("downstream send queue full, dropping event")
	}
}

// Close shuts the connection down and stops accepting further sends.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// Serve runs the read and write loops until the connection closes or ctx is
// cancelled. onCommand is invoked for every decoded inbound Envelope, from
// the read loop's own goroutine. Handlers must not block on downstream I/O.
func (c *Channel) Serve(ctx context.Context, onCommand func(Envelope)) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		c.writeLoop(connCtx)
	}()

	c.readLoop(connCtx, onCommand)
	cancel()
	<-writeDone
}

func (c *Channel) readLoop(ctx context.Context, onCommand func(Envelope)) {
	reader := wsutil.NewReader(c.conn, ws.StateServerSide)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		default:
		}

		head, err := reader.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Debug().Err(err).Msg("downstream read frame error")
			}
			return
		}

		switch head.OpCode {
		case ws.OpClose:
			return
		case ws.OpPing:
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPong, nil); err != nil {
				return
			}
		case ws.OpText:
			payload := make([]byte, head.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				c.logger.Debug().Err(err).Msg("downstream read message error")
				return
			}
			var env Envelope
			if err := json.Unmarshal(payload, &env); err != nil {
				c.logger.Warn().Err(err).Msg("dropping unparseable downstream command")
				continue
			}
			onCommand(env)
		default:
			if _, err := io.CopyN(io.Discard, reader, int64(head.Length)); err != nil {
				return
			}
		}
	}
}

func (c *Channel) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-c.sendQueue:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, payload); err != nil {
				c.logger.Debug().Err(err).Msg("downstream write error")
				return
			}
		}
	}
}
