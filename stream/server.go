package stream

import (
	"context"
	"encoding/json"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/busrpc/busrpc/broker"
	"github.com/busrpc/busrpc/log"
	"github.com/busrpc/busrpc/wire"
)

const DEFAULT_SEEN_CAPACITY = 1024

/*
Server answers stream setup requests on one shared queue. For a
createWriteStream request it wires a consumer from the client's chunk queue
into the sink produced by the write factory, then confirms; for a
createReadStream request it creates a chunk queue, pipes the source produced
by the read factory into it, and names that queue in the setup response's
transport replyTo.

A factory failure is handed off once per correlation id -- a differently
provisioned instance may own the requested resource -- and reported back as a
setup error only after the full consumer ring has had its chance.
*/
type Server struct {
	bus    broker.Broker
	queue  string
	router *Router

	compress  bool
	chunkSize int
	seen      *lru.Cache[string, struct{}]
	sub       broker.Subscription
	started   bool
}

/*
Create a stream server answering setup requests on `queue` with the factories
registered in router. Use the setter functions below before calling Start().
*/
func NewServer(bus broker.Broker, queue string, router *Router) *Server {
	seen, _ := lru.New[string, struct{}](DEFAULT_SEEN_CAPACITY)
	return &Server{
		bus:       bus,
		queue:     queue,
		router:    router,
		chunkSize: DEFAULT_CHUNK_SIZE,
		seen:      seen,
	}
}

// Enable transparent gzip handling. Must match the setting of the clients.
func (srv *Server) SetCompression(on bool) {
	srv.compress = on
}

// Set the maximum data payload per chunk for read flows served by this instance.
func (srv *Server) SetChunkSize(n int) {
	if n > 0 {
		srv.chunkSize = n
	}
}

func (srv *Server) Start(ctx context.Context) error {
	if srv.started {
		return errors.New("stream server already started")
	}
	if err := srv.bus.SetPrefetch(1); err != nil {
		return errors.Wrap(err, "setting prefetch")
	}
	if _, err := srv.bus.AssertQueue(ctx, srv.queue, broker.QueueOptions{Durable: true}); err != nil {
		return errors.Wrap(err, "asserting setup queue")
	}
	sub, err := srv.bus.Consume(ctx, srv.queue, srv.handleSetup)
	if err != nil {
		return errors.Wrap(err, "consuming setup queue")
	}
	srv.sub = sub
	srv.started = true
	return nil
}

func (srv *Server) Stop() error {
	if srv.sub != nil {
		srv.sub.Cancel()
		srv.sub = nil
	}
	srv.started = false
	return nil
}

func (srv *Server) handleSetup(d broker.Delivery) {
	token := log.GetLogToken()

	rq, err := wire.DecodeStreamRequest(d.Body())
	if err != nil {
		log.BRPC_log(log.LOGLEVEL_ERRORS, "["+token+"]", "Dropped stream setup:", err.Error())
		d.Ack()
		return
	}

	switch rq.Method {
	case wire.MethodCreateWriteStream:
		srv.setupWrite(d, rq, token)
	case wire.MethodCreateReadStream:
		srv.setupRead(d, rq, token)
	}
}

func (srv *Server) setupWrite(d broker.Delivery, rq *wire.StreamRequest, token string) {
	sink, err := srv.makeSink(rq.Params)
	if err != nil {
		srv.failSetup(d, err, token)
		return
	}

	// The consumer must be wired before the confirmation goes out.
	if err := consumeChunks(srv.bus, rq.DataQueue, sink); err != nil {
		closeSink(sink, err)
		srv.failSetup(d, err, token)
		return
	}

	if log.IsLoggingEnabled(log.LOGLEVEL_DEBUG) {
		log.BRPC_log(log.LOGLEVEL_DEBUG, "["+token+"]", "Write stream wired, consuming", rq.DataQueue)
	}
	srv.replySetup(d, setupOk(), "", token)
}

func (srv *Server) setupRead(d broker.Delivery, rq *wire.StreamRequest, token string) {
	factory := srv.router.readFactory()
	if factory == nil {
		srv.failSetup(d, errors.New("no read stream factory registered"), token)
		return
	}
	source, err := factory(rq.Params)
	if err != nil {
		srv.failSetup(d, err, token)
		return
	}

	chunkQueue, err := srv.bus.AssertQueue(context.Background(), "", broker.QueueOptions{})
	if err != nil {
		source.Close()
		srv.failSetup(d, errors.Wrap(err, "asserting chunk queue"), token)
		return
	}

	go publishStream(srv.bus, chunkQueue, source, srv.compress, srv.chunkSize)

	if log.IsLoggingEnabled(log.LOGLEVEL_DEBUG) {
		log.BRPC_log(log.LOGLEVEL_DEBUG, "["+token+"]", "Read stream publishing to", chunkQueue)
	}
	// The chunk queue travels as the transport replyTo of the confirmation.
	srv.replySetup(d, setupOk(), chunkQueue, token)
}

func (srv *Server) makeSink(params []json.RawMessage) (io.WriteCloser, error) {
	factory := srv.router.writeFactory()
	if factory == nil {
		return nil, errors.New("no write stream factory registered")
	}
	sink, err := factory(params)
	if err != nil {
		return nil, err
	}
	if srv.compress {
		sink = newDecompressingSink(sink)
	}
	return sink, nil
}

/*
failSetup applies the hand-off discipline to factory failures: requeue once
per correlation id, then answer with a setup error instead of dropping the
request silently.
*/
func (srv *Server) failSetup(d broker.Delivery, ferr error, token string) {
	corr := d.CorrelationID()
	_, cycled := srv.seen.Get(corr)
	srv.seen.Add(corr, struct{}{})

	if !cycled && corr != "" {
		if log.IsLoggingEnabled(log.LOGLEVEL_DEBUG) {
			log.BRPC_log(log.LOGLEVEL_DEBUG, "["+token+"]", "Stream factory failed, handing off:", ferr.Error())
		}
		d.Nack(true)
		return
	}

	log.BRPC_log(log.LOGLEVEL_WARNINGS, "["+token+"]", "Stream setup failed on every instance:", ferr.Error())
	srv.replySetup(d, setupError(ferr.Error()), "", token)
}

func (srv *Server) replySetup(d broker.Delivery, rp *wire.Response, chunkQueue, token string) {
	if d.ReplyTo() == "" {
		log.BRPC_log(log.LOGLEVEL_WARNINGS, "["+token+"]", "Stream setup without replyTo")
		d.Ack()
		return
	}
	body, err := wire.EncodeResponse(rp)
	if err != nil {
		log.BRPC_log(log.LOGLEVEL_ERRORS, "["+token+"]", "Could not encode setup response:", err.Error())
		d.Ack()
		return
	}
	err = srv.bus.Publish(context.Background(), d.ReplyTo(), body, broker.PublishOptions{
		CorrelationID: d.CorrelationID(),
		ReplyTo:       chunkQueue,
	})
	if err != nil {
		log.BRPC_log(log.LOGLEVEL_WARNINGS, "["+token+"]", "Error when sending setup response:", err.Error())
	}
	d.Ack()
}

func setupOk() *wire.Response {
	return &wire.Response{Result: json.RawMessage("true")}
}

func setupError(message string) *wire.Response {
	return &wire.Response{Result: json.RawMessage("false"), Error: message}
}
