package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/busrpc/busrpc"
	"github.com/busrpc/busrpc/broker"
)

const (
	// Default hard timeout for unicast calls.
	DEFAULT_TIMEOUT = 15 * time.Second
	// Default idle window for broadcast calls: the collection ends once this
	// long has passed without a new response arriving.
	DEFAULT_IDLE_WINDOW = 1 * time.Second
)

/*
Client issues calls against servers consuming a shared queue and a broadcast
channel. It is safe for concurrent use; every call owns a private reply queue
that exists only for the call's duration.
*/
type Client struct {
	bus   broker.Broker
	queue string
	topic string

	name       string
	timeout    time.Duration
	idleWindow time.Duration
}

/*
Create a new client publishing unicast requests to `queue` and broadcast
requests to `topic`. The client has a default timeout of 15 seconds per
unicast call; err is a RequestError with err.Status() == STATUS_TIMEOUT in
case of a timeout.
*/
func New(bus broker.Broker, queue, topic string) *Client {
	return &Client{
		bus:        bus,
		queue:      queue,
		topic:      topic,
		name:       "busrpc",
		timeout:    DEFAULT_TIMEOUT,
		idleWindow: DEFAULT_IDLE_WINDOW,
	}
}

// Set the client name used in log output.
func (cl *Client) SetName(name string) {
	cl.name = name
}

// Sets the duration to wait for a unicast response before failing the call.
func (cl *Client) SetTimeout(d time.Duration) {
	cl.timeout = d
}

// Sets the idle window for broadcast calls.
func (cl *Client) SetIdleWindow(d time.Duration) {
	cl.idleWindow = d
}

// Per-call parameters overriding the client-wide defaults. There are builder
// methods to set the various values.
type CallParams struct {
	timeout    time.Duration
	idleWindow time.Duration
}

func NewParams() *CallParams {
	return &CallParams{}
}

// Override the hard timeout for this unicast call.
func (p *CallParams) Timeout(d time.Duration) *CallParams {
	p.timeout = d
	return p
}

// Override the idle window for this broadcast call.
func (p *CallParams) IdleWindow(d time.Duration) *CallParams {
	p.idleWindow = d
	return p
}

// One collected answer of a broadcast call: either a value or the error one
// instance reported. Exactly one of the two fields is set.
type Result struct {
	Value json.RawMessage
	Err   error
}

/*
Call invokes the named method on whichever server instance answers first.

The positional params are JSON-encoded; the returned value is the raw JSON
result of the winning response. An error reported by the handler is returned
as a *busrpc.RequestError with STATUS_NOT_OK carrying the handler's message;
no response within the timeout yields STATUS_TIMEOUT (check with
busrpc.IsTimeout). Should duplicate responses arrive for one call, only the
first is honored.
*/
func (cl *Client) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	return cl.CallWithParams(ctx, nil, method, params...)
}

// Like Call, with per-call parameter overrides.
func (cl *Client) CallWithParams(ctx context.Context, p *CallParams, method string, params ...interface{}) (json.RawMessage, error) {
	timeout := cl.timeout
	if p != nil && p.timeout > 0 {
		timeout = p.timeout
	}
	return cl.call(ctx, timeout, method, params)
}

/*
CallAll invokes the named method on every currently listening server instance
and collects the responses until none arrives for a full idle window.

Handler errors become entries in the result list rather than failing the whole
call; the order of the list carries no meaning. If the window elapses with
zero responses, CallAll fails with a STATUS_TIMEOUT RequestError.
*/
func (cl *Client) CallAll(ctx context.Context, method string, params ...interface{}) ([]Result, error) {
	return cl.CallAllWithParams(ctx, nil, method, params...)
}

// Like CallAll, with per-call parameter overrides.
func (cl *Client) CallAllWithParams(ctx context.Context, p *CallParams, method string, params ...interface{}) ([]Result, error) {
	window := cl.idleWindow
	if p != nil && p.idleWindow > 0 {
		window = p.idleWindow
	}
	return cl.callAll(ctx, window, method, params)
}

func errTimeout() error {
	return busrpc.NewRequestError(busrpc.STATUS_TIMEOUT, "RPC Request timed out")
}
