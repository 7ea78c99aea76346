package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"estatechat/internal/models"
)

const DefaultPushBuffer = 64

var (
	errConnectionClosed = errors.New("connection closed")
	errBufferFull       = errors.New("outbound buffer full")
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

type eventHub interface {
	Announce(c *Connection)
	SendMessage(ctx context.Context, c *Connection, msg models.ClientMessage) error
	Disconnect(c *Connection)
}

// Connection is one client stream. It is the presence handle of its user:
// pushes are queued without blocking and written by the connection's own loop.
type Connection struct {
	ws         wsConnection
	hub        eventHub
	userID     string
	fromClient chan models.ClientMessage
	badFrames  chan error
	outbound   chan models.ServerMessage
	done       chan struct{}
	doneOnce   sync.Once
	errorCh    chan error
}

func NewConnection(
	hub eventHub,
	ws wsConnection,
	userID string,
	pushBuffer int,
) *Connection {
	if pushBuffer <= 0 {
		pushBuffer = DefaultPushBuffer
	}
	return &Connection{
		ws:         ws,
		hub:        hub,
		userID:     userID,
		fromClient: make(chan models.ClientMessage),
		badFrames:  make(chan error),
		outbound:   make(chan models.ServerMessage, pushBuffer),
		done:       make(chan struct{}),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) UserID() string {
	return c.userID
}

// Push queues env for delivery. It fails instead of blocking when the
// connection is gone or its buffer is full.
func (c *Connection) Push(env models.PushEnvelope) error {
	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}

	select {
	case c.outbound <- models.ServerMessage{Type: models.ServerMessageTypeMessage, Message: &env}:
		return nil
	case <-c.done:
		return errConnectionClosed
	default:
		return errBufferFull
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		c.doneOnce.Do(func() { close(c.done) })
		c.hub.Disconnect(c)
		close(c.errorCh)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg models.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if !isDecodeError(err) {
				return err
			}
			// The frame was consumed whole; report it and keep reading.
			select {
			case c.badFrames <- err:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.fromClient:
			if err := c.processClientMessage(ctx, msg); err != nil {
				return err
			}
		case err := <-c.badFrames:
			if err := c.writeError("invalid event: " + err.Error()); err != nil {
				return err
			}
		case msg := <-c.outbound:
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// processClientMessage handles one client event. Rejected events are answered
// with an error event and the stream stays open.
func (c *Connection) processClientMessage(ctx context.Context, msg models.ClientMessage) error {
	switch msg.Type {
	case models.ClientMessageTypeAnnounce:
		if msg.UserID != c.userID {
			return c.writeError("announce does not match the authenticated user")
		}
		c.hub.Announce(c)
	case models.ClientMessageTypeSend:
		if err := c.hub.SendMessage(ctx, c, msg); err != nil {
			return c.writeError(err.Error())
		}
	default:
		return c.writeError("unknown event type " + string(msg.Type))
	}

	return nil
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func (c *Connection) writeError(text string) error {
	return c.ws.WriteJSON(models.ServerMessage{
		Type:  models.ServerMessageTypeError,
		Error: text,
	})
}
