package session

import (
	"context"
	"io"
	"time"

	"github.com/adwski/jukebox-remote/backend/codec"
	"github.com/adwski/jukebox-remote/backend/model"
)

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// StreamConn frames messages over a byte stream such as a TCP connection.
type StreamConn struct {
	rwc          io.ReadWriteCloser
	maxFrameSize uint32
}

func NewStreamConn(rwc io.ReadWriteCloser, maxFrameSize uint32) *StreamConn {
	if maxFrameSize == 0 {
		maxFrameSize = codec.DefaultMaxFrameSize
	}
	return &StreamConn{rwc: rwc, maxFrameSize: maxFrameSize}
}

// ReadMessage blocks until a frame arrives. It is unblocked by Close, not
// by ctx.
func (c *StreamConn) ReadMessage(_ context.Context) (model.NetworkMessage, error) {
	return codec.ReadFrame(c.rwc, c.maxFrameSize)
}

// WriteMessage writes one frame, honoring the ctx deadline when the stream
// supports write deadlines.
func (c *StreamConn) WriteMessage(ctx context.Context, msg model.NetworkMessage) error {
	if wd, ok := c.rwc.(writeDeadliner); ok {
		deadline, _ := ctx.Deadline()
		if err := wd.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	return codec.WriteFrame(c.rwc, msg)
}

func (c *StreamConn) Close() error {
	return c.rwc.Close()
}
