package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/busrpc/busrpc"
	"github.com/busrpc/busrpc/broker"
	"github.com/busrpc/busrpc/log"
	"github.com/busrpc/busrpc/timer"
	"github.com/busrpc/busrpc/wire"
)

/*
This file has the call mechanics; client.go remains uncluttered and with only
public functions.
*/

type callOutcome struct {
	value   json.RawMessage
	results []Result
	err     error
}

// replySession owns the per-call reply queue and its consumer. The queue is
// exclusive, auto-named and deleted again when the session closes, whichever
// way the call resolves.
type replySession struct {
	bus     broker.Broker
	corrId  string
	replyTo string
	sub     broker.Subscription
}

func (cl *Client) openReplySession(ctx context.Context, corrId string, h broker.Handler) (*replySession, error) {
	replyTo, err := cl.bus.AssertQueue(ctx, "", broker.QueueOptions{Exclusive: true})
	if err != nil {
		return nil, errors.Wrap(err, "asserting reply queue")
	}

	sub, err := cl.bus.Consume(ctx, replyTo, h)
	if err != nil {
		cl.bus.DeleteQueue(context.Background(), replyTo)
		return nil, errors.Wrap(err, "consuming reply queue")
	}

	return &replySession{bus: cl.bus, corrId: corrId, replyTo: replyTo, sub: sub}, nil
}

func (s *replySession) close() {
	s.sub.Cancel()
	s.bus.DeleteQueue(context.Background(), s.replyTo)
}

func (cl *Client) call(ctx context.Context, timeout time.Duration, method string, params []interface{}) (json.RawMessage, error) {
	rq, err := wire.NewRequest(method, false, params...)
	if err != nil {
		return nil, busrpc.NewRequestError(busrpc.STATUS_CLIENT_REQUEST_ERROR, err.Error())
	}
	body, err := wire.EncodeRequest(rq)
	if err != nil {
		return nil, busrpc.NewRequestError(busrpc.STATUS_CLIENT_REQUEST_ERROR, err.Error())
	}

	token := log.GetLogToken()
	done := make(chan callOutcome, 1)
	settle := func(out callOutcome) {
		// Only the first response (or the timer) wins.
		select {
		case done <- out:
		default:
		}
	}

	corrId := uuid.NewString()
	session, err := cl.openReplySession(ctx, corrId, func(d broker.Delivery) {
		defer d.Ack()
		if d.CorrelationID() != corrId {
			log.BRPC_log(log.LOGLEVEL_WARNINGS, "["+token+"]", "Response with foreign correlation id on private queue")
			return
		}
		rp, derr := wire.DecodeResponse(d.Body())
		if derr != nil {
			// Transport error: logged and dropped; the call resolves through a
			// later well-formed response or the timer.
			log.BRPC_log(log.LOGLEVEL_ERRORS, "["+token+"]", "Malformed response:", derr.Error())
			return
		}
		settle(responseOutcome(rp))
	})
	if err != nil {
		return nil, err
	}
	defer session.close()

	tm := timer.New(timeout, func() { settle(callOutcome{err: errTimeout()}) })
	tm.Start()
	defer tm.Stop()

	err = cl.bus.Publish(ctx, cl.queue, body, broker.PublishOptions{
		CorrelationID: session.corrId,
		ReplyTo:       session.replyTo,
		// Let an unconsumed request age out of the shared queue; nobody will
		// be waiting for its answer anymore.
		Expiration: timeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "publishing request")
	}

	if log.IsLoggingEnabled(log.LOGLEVEL_DEBUG) {
		log.BRPC_log(log.LOGLEVEL_DEBUG, "["+token+"]", cl.name, "calling", method)
	}

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func responseOutcome(rp *wire.Response) callOutcome {
	if rp.Error != "" {
		return callOutcome{err: busrpc.NewRequestError(busrpc.STATUS_NOT_OK, rp.Error)}
	}
	return callOutcome{value: rp.Result}
}

func (cl *Client) callAll(ctx context.Context, window time.Duration, method string, params []interface{}) ([]Result, error) {
	rq, err := wire.NewRequest(method, true, params...)
	if err != nil {
		return nil, busrpc.NewRequestError(busrpc.STATUS_CLIENT_REQUEST_ERROR, err.Error())
	}
	body, err := wire.EncodeRequest(rq)
	if err != nil {
		return nil, busrpc.NewRequestError(busrpc.STATUS_CLIENT_REQUEST_ERROR, err.Error())
	}

	token := log.GetLogToken()
	done := make(chan callOutcome, 1)

	var mu sync.Mutex
	var collected []Result

	// Declared up front so the consumer callback can reset it; assigned below.
	var tm *timer.T

	corrId := uuid.NewString()
	session, err := cl.openReplySession(ctx, corrId, func(d broker.Delivery) {
		defer d.Ack()
		if d.CorrelationID() != corrId {
			return
		}
		rp, derr := wire.DecodeResponse(d.Body())
		if derr != nil {
			// Transport error: logged and ignored, without extending the window.
			log.BRPC_log(log.LOGLEVEL_ERRORS, "["+token+"]", "Malformed broadcast response:", derr.Error())
			return
		}

		entry := Result{Value: rp.Result}
		if rp.Error != "" {
			entry = Result{Err: busrpc.NewRequestError(busrpc.STATUS_NOT_OK, rp.Error)}
		}
		mu.Lock()
		collected = append(collected, entry)
		mu.Unlock()
		tm.Reset()
	})
	if err != nil {
		return nil, err
	}
	defer session.close()

	tm = timer.New(window, func() {
		mu.Lock()
		results := collected
		mu.Unlock()

		out := callOutcome{results: results}
		if len(results) == 0 {
			out = callOutcome{err: errTimeout()}
		}
		select {
		case done <- out:
		default:
		}
	})

	err = cl.bus.PublishBroadcast(ctx, cl.topic, body, broker.PublishOptions{
		CorrelationID: session.corrId,
		ReplyTo:       session.replyTo,
	})
	if err != nil {
		return nil, errors.Wrap(err, "publishing broadcast request")
	}
	tm.Start()

	if log.IsLoggingEnabled(log.LOGLEVEL_DEBUG) {
		log.BRPC_log(log.LOGLEVEL_DEBUG, "["+token+"]", cl.name, "calling", method, "on all instances")
	}

	select {
	case out := <-done:
		return out.results, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
