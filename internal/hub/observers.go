package hub

import (
	"context"
	"errors"
	"sync"

	"github.com/coder/websocket"
)

// ErrObserverClosed is returned by Send after Close.
var ErrObserverClosed = errors.New("observer closed")

// WSObserver delivers frames over a websocket connection.
type WSObserver struct {
	id        string
	conn      *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
}

// NewWSObserver wraps an accepted websocket connection.
func NewWSObserver(id string, conn *websocket.Conn) *WSObserver {
	return &WSObserver{id: id, conn: conn, done: make(chan struct{})}
}

// ID implements Observer.
func (o *WSObserver) ID() string { return o.id }

// Send implements Observer.
func (o *WSObserver) Send(ctx context.Context, data []byte) error {
	select {
	case <-o.done:
		return ErrObserverClosed
	default:
	}
	return o.conn.Write(ctx, websocket.MessageText, data)
}

// Close implements Observer.
func (o *WSObserver) Close(reason string) {
	o.closeOnce.Do(func() {
		close(o.done)
		_ = o.conn.Close(websocket.StatusNormalClosure, reason)
	})
}

// Done is closed once the observer has been closed.
func (o *WSObserver) Done() <-chan struct{} { return o.done }

// SSEObserver queues frames for an event-stream response writer.
type SSEObserver struct {
	id        string
	frames    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewSSEObserver creates an observer with a small frame buffer.
func NewSSEObserver(id string, buffer int) *SSEObserver {
	if buffer <= 0 {
		buffer = 16
	}
	return &SSEObserver{id: id, frames: make(chan []byte, buffer), done: make(chan struct{})}
}

// ID implements Observer.
func (o *SSEObserver) ID() string { return o.id }

// Send implements Observer. It blocks while the buffer is full until ctx expires.
func (o *SSEObserver) Send(ctx context.Context, data []byte) error {
	select {
	case <-o.done:
		return ErrObserverClosed
	default:
	}
	select {
	case o.frames <- data:
		return nil
	case <-o.done:
		return ErrObserverClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements Observer.
func (o *SSEObserver) Close(string) {
	o.closeOnce.Do(func() { close(o.done) })
}

// Frames yields queued frames for the stream writer.
func (o *SSEObserver) Frames() <-chan []byte { return o.frames }

// Done is closed once the observer has been closed.
func (o *SSEObserver) Done() <-chan struct{} { return o.done }
