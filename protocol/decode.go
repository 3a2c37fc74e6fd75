package protocol

import (
	"errors"
	"fmt"
)

// ErrShortFrame reports that a buffer does not yet hold a complete response
// and more bytes are needed before a decision can be made. It is not a
// failure and must never be treated as one.
var ErrShortFrame = errors.New("incomplete protocol frame")

// Response is a decoded device response.
type Response struct {
	// Code is the response byte. RespNack is a complete, valid response.
	Code byte
	// Payload holds the fixed-size payload that follows Code, if any.
	Payload []byte
}

// Nack reports whether the response is a rejection.
func (r Response) Nack() bool { return r.Code == RespNack }

// FrameSize returns the total frame length (code byte plus payload) for a
// response code.
func FrameSize(resp byte) int {
	return 1 + PayloadSize(resp)
}

// DecodeResponse decodes the response to a command whose success code is
// expect. It returns the decoded response and the number of bytes consumed.
//
// Three outcomes are distinguished: a complete response (which includes
// NACK), a structurally invalid frame (ErrInvalidFrame), and a buffer that
// is too short to decide (ErrShortFrame).
func DecodeResponse(expect byte, buf []byte) (Response, int, error) {
	if len(buf) == 0 {
		return Response{}, 0, ErrShortFrame
	}
	code := buf[0]
	if code == RespNack {
		return Response{Code: code}, 1, nil
	}
	if code != expect {
		return Response{}, 0, fmt.Errorf("%w: response byte 0x%02x, want 0x%02x", ErrInvalidFrame, code, expect)
	}
	size := FrameSize(code)
	if len(buf) < size {
		return Response{}, 0, ErrShortFrame
	}
	return Response{Code: code, Payload: buf[1:size]}, size, nil
}
