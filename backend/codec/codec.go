// Package codec packs network messages into length-prefixed frames.
//
// A frame is a 4-byte big-endian payload length followed by the JSON encoded
// NetworkMessage.
package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/adwski/jukebox-remote/backend/model"
)

const (
	headerSize = 4

	DefaultMaxFrameSize = 1 << 20
)

var (
	ErrMalformed     = errors.New("malformed message")
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
)

// Encode returns the complete frame for msg.
func Encode(msg model.NetworkMessage) ([]byte, error) {
	body, err := json.Marshal(&msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	frame := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[headerSize:], body)
	return frame, nil
}

func WriteFrame(w io.Writer, msg model.NetworkMessage) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one frame. A payload that is not a valid message is
// consumed and reported as ErrMalformed, so the stream stays in sync.
// Oversized frames cannot be skipped safely and return ErrFrameTooLarge.
func ReadFrame(r io.Reader, maxSize uint32) (model.NetworkMessage, error) {
	var (
		msg    model.NetworkMessage
		header [headerSize]byte
	)
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return msg, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if maxSize > 0 && size > maxSize {
		return msg, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return msg, err
	}
	return Unmarshal(body)
}

// Unmarshal decodes a frame payload without the length prefix.
func Unmarshal(body []byte) (model.NetworkMessage, error) {
	var msg model.NetworkMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, errors.Join(ErrMalformed, err)
	}
	switch msg.MessageType {
	case model.MessageTypeRequest, model.MessageTypeResponse, model.MessageTypePush:
	default:
		return msg, fmt.Errorf("%w: unknown message type %q", ErrMalformed, msg.MessageType)
	}
	return msg, nil
}

func DecodeRequest(msg model.NetworkMessage) (model.RequestInfo, error) {
	var req model.RequestInfo
	if msg.MessageType != model.MessageTypeRequest {
		return req, fmt.Errorf("%w: expected request, got %q", ErrMalformed, msg.MessageType)
	}
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return req, errors.Join(ErrMalformed, err)
	}
	if req.RequestAction == "" {
		return req, fmt.Errorf("%w: empty request action", ErrMalformed)
	}
	return req, nil
}

func NewRequest(req model.RequestInfo) (model.NetworkMessage, error) {
	return wrap(model.MessageTypeRequest, &req)
}

func NewResponse(resp model.ResponseInfo) (model.NetworkMessage, error) {
	return wrap(model.MessageTypeResponse, &resp)
}

func NewPush(push model.PushInfo) (model.NetworkMessage, error) {
	return wrap(model.MessageTypePush, &push)
}

func wrap(mt model.MessageType, v any) (model.NetworkMessage, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return model.NetworkMessage{}, fmt.Errorf("marshal %s payload: %w", mt, err)
	}
	return model.NetworkMessage{MessageType: mt, Payload: payload}, nil
}
