package wire

import (
	"encoding/json"

	"github.com/pkg/errors"
)

/*
DecodeError reports a malformed envelope. It is a distinct type so that
transport/validation failures (drop the message, log, never retry) can be told
apart from business errors carried inside a well-formed Response.
*/
type DecodeError struct {
	reason string
	cause  error
}

func (e *DecodeError) Error() string {
	if e.cause != nil {
		return "decode: " + e.reason + ": " + e.cause.Error()
	}
	return "decode: " + e.reason
}

func (e *DecodeError) Unwrap() error {
	return e.cause
}

// IsDecodeError reports whether err stems from a malformed envelope.
func IsDecodeError(err error) bool {
	var derr *DecodeError
	return errors.As(err, &derr)
}

func EncodeRequest(rq *Request) ([]byte, error) {
	return json.Marshal(rq)
}

func DecodeRequest(data []byte) (*Request, error) {
	rq := new(Request)
	if err := json.Unmarshal(data, rq); err != nil {
		return nil, &DecodeError{reason: "request", cause: err}
	}
	if rq.Method == "" {
		return nil, &DecodeError{reason: "request has empty method"}
	}
	return rq, nil
}

func EncodeStreamRequest(rq *StreamRequest) ([]byte, error) {
	return json.Marshal(rq)
}

func DecodeStreamRequest(data []byte) (*StreamRequest, error) {
	rq := new(StreamRequest)
	if err := json.Unmarshal(data, rq); err != nil {
		return nil, &DecodeError{reason: "stream request", cause: err}
	}
	if rq.Method != MethodCreateWriteStream && rq.Method != MethodCreateReadStream {
		return nil, &DecodeError{reason: "stream request method " + rq.Method}
	}
	if rq.Method == MethodCreateWriteStream && rq.DataQueue == "" {
		return nil, &DecodeError{reason: "createWriteStream without dataQueue"}
	}
	return rq, nil
}

func EncodeResponse(rp *Response) ([]byte, error) {
	return json.Marshal(rp)
}

func DecodeResponse(data []byte) (*Response, error) {
	rp := new(Response)
	if err := json.Unmarshal(data, rp); err != nil {
		return nil, &DecodeError{reason: "response", cause: err}
	}
	return rp, nil
}

func EncodeChunk(c *Chunk) ([]byte, error) {
	return json.Marshal(c)
}

func DecodeChunk(data []byte) (*Chunk, error) {
	c := new(Chunk)
	if err := json.Unmarshal(data, c); err != nil {
		return nil, &DecodeError{reason: "chunk", cause: err}
	}
	if c.Ended && c.Error != "" {
		return nil, &DecodeError{reason: "chunk with both ended and error"}
	}
	return c, nil
}
