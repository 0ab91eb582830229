package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"tagarela/internal/models"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type topicHub interface {
	Subscribe(userID, topic string) (<-chan models.Envelope, func(), error)
	Publish(from, topic, event string, payload any) (models.Envelope, error)
}

// Connection bridges one websocket client to the hub.
type Connection struct {
	ws         wsConnection
	hub        topicHub
	userID     string
	fromClient chan ClientFrame
	fromServer chan ServerFrame
	errorCh    chan error

	// Map of topic -> cancel func
	subs map[string]func()
	// forwarders copying hub channels into fromServer
	forwarders sync.WaitGroup
}

func NewConnection(
	hub topicHub,
	ws wsConnection,
	userID string,
) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		userID:     userID,
		fromClient: make(chan ClientFrame),
		fromServer: make(chan ServerFrame, 64),
		errorCh:    make(chan error, 2),
		subs:       make(map[string]func()),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		for _, unsubscribe := range c.subs {
			unsubscribe()
		}
		c.forwarders.Wait()
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
	cancel()
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var frame ClientFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return err
		}
		select {
		case c.fromClient <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case frame := <-c.fromClient:
			if err := c.processClientFrame(ctx, frame); err != nil {
				return err
			}
		case frame := <-c.fromServer:
			if err := c.ws.WriteJSON(frame); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientFrame(ctx context.Context, frame ClientFrame) error {
	switch frame.Type {
	case ClientFrameSubscribe:
		if _, ok := c.subs[frame.Topic]; ok {
			return nil
		}
		ch, unsubscribe, err := c.hub.Subscribe(c.userID, frame.Topic)
		if err != nil {
			return c.replyError(frame.Topic, err)
		}
		c.subs[frame.Topic] = unsubscribe
		c.forwarders.Go(func() { c.forward(ctx, ch) })
	case ClientFrameUnsubscribe:
		if unsubscribe, ok := c.subs[frame.Topic]; ok {
			unsubscribe()
			delete(c.subs, frame.Topic)
		}
	case ClientFramePublish:
		if _, err := c.hub.Publish(c.userID, frame.Topic, frame.Event, frame.Payload); err != nil {
			return c.replyError(frame.Topic, err)
		}
	default:
		return c.replyError(frame.Topic, models.Validationf("unknown frame type %q", frame.Type))
	}
	return nil
}

func (c *Connection) replyError(topic string, err error) error {
	slog.Debug("rejected client frame", "user_id", c.userID, "topic", topic, "error", err)
	return c.ws.WriteJSON(ServerFrame{Type: ServerFrameError, Topic: topic, Message: err.Error()})
}

// forward copies envelopes until the hub closes ch. When the connection is
// gone the remaining envelopes are drained and discarded.
func (c *Connection) forward(ctx context.Context, ch <-chan models.Envelope) {
	for env := range ch {
		select {
		case c.fromServer <- ServerFrame{Type: ServerFrameEvent, Envelope: &env}:
		case <-ctx.Done():
		}
	}
}
