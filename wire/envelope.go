package wire

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// The two method names reserved for the stream bridge handshake.
const (
	MethodCreateWriteStream = "createWriteStream"
	MethodCreateReadStream  = "createReadStream"
)

/*
Request is the envelope a client publishes to invoke a method. Params carry the
positional arguments as raw JSON; the server passes them through to the handler
without interpreting them. ToAll marks a broadcast request, which is delivered
to every server instance and never hand-off-requeued.
*/
type Request struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ToAll  bool              `json:"toAll,omitempty"`
}

/*
Response is published by a server to the caller's private reply queue. At most
one of Result/Error is meaningful; a handler that produced neither does not
reply at all (the request is handed off instead).
*/
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

/*
StreamRequest is the setup envelope of the stream bridge handshake,
discriminated by Method. For createWriteStream, DataQueue names the chunk
queue the client is already publishing to. For createReadStream, DataQueue is
empty; the server's setup response carries the chunk queue name in its
transport-level replyTo instead.
*/
type StreamRequest struct {
	Method    string            `json:"method"`
	Params    []json.RawMessage `json:"params"`
	DataQueue string            `json:"dataQueue,omitempty"`
}

/*
Chunk is one fragment of a bridged byte stream. A stream is a finite sequence
of chunks terminated by exactly one envelope with Ended set (which may itself
carry final data) or one envelope with Error set. Seq is a consecutive
sequence number starting at 0, checked by the consumer as a defense against
brokers that do not guarantee strict per-queue ordering.
*/
type Chunk struct {
	Seq   uint64 `json:"seq"`
	Data  []byte `json:"chunk,omitempty"`
	Ended bool   `json:"ended,omitempty"`
	Error string `json:"error,omitempty"`
}

// NewRequest builds a Request, JSON-encoding each positional parameter.
func NewRequest(method string, toAll bool, params ...interface{}) (*Request, error) {
	encoded, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{Method: method, Params: encoded, ToAll: toAll}, nil
}

// NewWriteStreamRequest builds the setup envelope for a client-to-server transfer.
func NewWriteStreamRequest(dataQueue string, params ...interface{}) (*StreamRequest, error) {
	encoded, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	return &StreamRequest{Method: MethodCreateWriteStream, Params: encoded, DataQueue: dataQueue}, nil
}

// NewReadStreamRequest builds the setup envelope for a server-to-client transfer.
func NewReadStreamRequest(params ...interface{}) (*StreamRequest, error) {
	encoded, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	return &StreamRequest{Method: MethodCreateReadStream, Params: encoded}, nil
}

// ResultResponse builds a Response carrying a JSON-encoded result value.
func ResultResponse(result interface{}) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, errors.Wrap(err, "encoding result")
	}
	return &Response{Result: raw}, nil
}

// ErrorResponse builds a Response carrying a handler failure message.
func ErrorResponse(message string) *Response {
	return &Response{Error: message}
}

func encodeParams(params []interface{}) ([]json.RawMessage, error) {
	encoded := make([]json.RawMessage, 0, len(params))
	for i, p := range params {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding param %d", i)
		}
		encoded = append(encoded, raw)
	}
	return encoded, nil
}
