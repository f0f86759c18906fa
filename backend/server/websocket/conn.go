package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adwski/jukebox-remote/backend/codec"
	"github.com/adwski/jukebox-remote/backend/model"
)

// conn carries one network message per websocket text message.
type conn struct {
	ws     *websocket.Conn
	logger *zerolog.Logger
	ready  error
}

func newConn(ws *websocket.Conn, maxSize int64, pongWait time.Duration, logger *zerolog.Logger) *conn {
	ws.SetReadLimit(maxSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return ws.SetReadDeadline(time.Now().Add(deadline))
	}
	ws.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(pongWait)
	})
	c := &conn{ws: ws, logger: logger}
	if err := readDeadLineFunc(pongWait); err != nil {
		c.ready = fmt.Errorf("failed to set websocket read deadline: %w", err)
	}
	return c
}

func (c *conn) ReadMessage(_ context.Context) (model.NetworkMessage, error) {
	if c.ready != nil {
		return model.NetworkMessage{}, c.ready
	}
	for {
		mt, body, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("connection closed")
				return model.NetworkMessage{}, errors.Join(io.EOF, err)
			}
			return model.NetworkMessage{}, err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		return codec.Unmarshal(body)
	}
}

func (c *conn) WriteMessage(ctx context.Context, msg model.NetworkMessage) error {
	b, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("failed to marshall outgoing message: %w", err)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWebSocketWriteDeadline)
	}
	if err = c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set websocket write deadline: %w", err)
	}
	wsW, err := c.ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return fmt.Errorf("failed to get websocket text writer: %w", err)
	}
	if _, err = wsW.Write(b); err != nil {
		return fmt.Errorf("failed to write outgoing message: %w", err)
	}
	if err = wsW.Close(); err != nil {
		return fmt.Errorf("failed to close websocket writer: %w", err)
	}
	return nil
}

func (c *conn) Close() error {
	deadline := time.Now().Add(defaultWebSocketCloseWriteDeadline)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil &&
		!errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug().Err(err).Msg("failed to send websocket close message")
	}
	return c.ws.Close()
}
