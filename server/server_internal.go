package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/busrpc/busrpc/broker"
	"github.com/busrpc/busrpc/log"
	"github.com/busrpc/busrpc/wire"
)

/*
This file has the delivery path; server.go remains uncluttered and with only
public functions.
*/

func (srv *Server) handleDelivery(d broker.Delivery) {
	token := log.GetLogToken()

	rq, err := wire.DecodeRequest(d.Body())
	if err != nil {
		// Malformed input is never retried; no future consumer could do better.
		log.BRPC_log(log.LOGLEVEL_ERRORS, "["+token+"]", "Dropped message:", err.Error())
		decodeFailures.Inc()
		d.Ack()
		return
	}

	handler := srv.findHandler(rq.Method)
	if handler == nil {
		// Unknown methods are not requeue-retried either: the router is the
		// same on every instance of this deployment.
		log.BRPC_log(log.LOGLEVEL_WARNINGS, "["+token+"]", "No such method:", rq.Method)
		unknownMethods.Inc()
		d.Ack()
		return
	}

	if log.IsLoggingEnabled(log.LOGLEVEL_DEBUG) {
		log.BRPC_log(log.LOGLEVEL_DEBUG, "["+token+"]", "Calling method", rq.Method, "toAll:", rq.ToAll)
	}
	requests.WithLabelValues(rq.Method).Inc()

	result, herr := invoke(handler, rq.Params)

	var rp *wire.Response
	switch {
	case herr != nil:
		// Only the message crosses the boundary; stack detail stays here.
		rp = wire.ErrorResponse(herr.Error())
	case result != nil:
		rp, err = wire.ResultResponse(result)
		if err != nil {
			log.BRPC_log(log.LOGLEVEL_ERRORS, "["+token+"]", "Could not encode result of", rq.Method+":", err.Error())
			rp = wire.ErrorResponse(err.Error())
		}
	default:
		// Neither result nor error: this instance has nothing to contribute.
		srv.handOff(d, rq, token)
		return
	}

	srv.reply(d, rp, token)
}

// invoke runs the handler, converting a panic into a reportable error.
func invoke(h Handler, params []json.RawMessage) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(params)
}

/*
Hand-off rule: requeue the request once so another competing consumer can
attempt it; when the same correlation id comes around a second time, the whole
consumer ring has had its chance and the request is finally dropped (or
dead-lettered, if configured). Broadcast requests are never requeued --
every instance received its own copy, so silence from one of them is expected.
*/
func (srv *Server) handOff(d broker.Delivery, rq *wire.Request, token string) {
	if rq.ToAll {
		d.Ack()
		return
	}

	corr := d.CorrelationID()
	srv.mu.Lock()
	seen := srv.seen
	deadLetter := srv.deadLetter
	srv.mu.Unlock()

	_, cycled := seen.Get(corr)
	seen.Add(corr, struct{}{})

	if !cycled && corr != "" {
		if log.IsLoggingEnabled(log.LOGLEVEL_DEBUG) {
			log.BRPC_log(log.LOGLEVEL_DEBUG, "["+token+"]", "No answer for", rq.Method+", handing off")
		}
		handOffs.Inc()
		d.Nack(true)
		return
	}

	log.BRPC_log(log.LOGLEVEL_WARNINGS, "["+token+"]", "No instance answered", rq.Method+", dropping request")
	finalDrops.Inc()
	if deadLetter != "" {
		err := srv.bus.Publish(context.Background(), deadLetter, d.Body(), broker.PublishOptions{
			CorrelationID: corr,
			ReplyTo:       d.ReplyTo(),
		})
		if err != nil {
			log.BRPC_log(log.LOGLEVEL_ERRORS, "["+token+"]", "Dead-lettering failed:", err.Error())
		}
	}
	d.Nack(false)
}

func (srv *Server) reply(d broker.Delivery, rp *wire.Response, token string) {
	replyTo := d.ReplyTo()
	if replyTo == "" {
		log.BRPC_log(log.LOGLEVEL_WARNINGS, "["+token+"]", "Request without replyTo, discarding response")
		d.Ack()
		return
	}

	body, err := wire.EncodeResponse(rp)
	if err != nil {
		log.BRPC_log(log.LOGLEVEL_ERRORS, "["+token+"]", "Could not encode response:", err.Error())
		d.Ack()
		return
	}

	err = srv.bus.Publish(context.Background(), replyTo, body, broker.PublishOptions{
		CorrelationID: d.CorrelationID(),
	})
	if err != nil {
		// The caller will run into its timeout; there is no second channel to
		// report this on.
		log.BRPC_log(log.LOGLEVEL_WARNINGS, "["+token+"]", "Error when sending response:", err.Error())
	} else if log.IsLoggingEnabled(log.LOGLEVEL_DEBUG) {
		log.BRPC_log(log.LOGLEVEL_DEBUG, "["+token+"]", "Sent response.")
	}
	d.Ack()
}
