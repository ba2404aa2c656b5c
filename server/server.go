package server

import (
	"context"
	"encoding/json"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/busrpc/busrpc/broker"
	"github.com/busrpc/busrpc/log"
)

// How many hand-off correlation ids are remembered per instance by default.
const DEFAULT_SEEN_CAPACITY = 4096

/*
Type of a function that is called when the corresponding method is requested.
Params are the caller's positional arguments as raw JSON. A handler may return
(value, nil) for a result, (nil, error) for a failure that is reported back to
the caller, or (nil, nil) to state that this instance has nothing to
contribute -- in which case the request is handed off to another competing
consumer instead of being answered.
*/
type Handler func(params []json.RawMessage) (interface{}, error)

/*
Server binds a router of named methods to one shared queue (delivery split
between all competing consumer instances) and one broadcast channel (delivery
duplicated to every instance). Each consumer runs with a prefetch limit of
one, so method execution within an instance is serialized.
*/
type Server struct {
	bus   broker.Broker
	queue string
	topic string

	mu      sync.Mutex
	methods map[string]Handler
	seen    *lru.Cache[string, struct{}]
	// Queue receiving finally-dropped hand-off requests; empty means silent drop.
	deadLetter string
	subs       []broker.Subscription
	started    bool
}

/*
Create a server consuming requests from the shared queue `queue` and broadcast
requests from the fan-out channel `topic`. Register methods and use the setter
functions below before calling Start(), otherwise they might be ignored.
*/
func NewServer(bus broker.Broker, queue, topic string) *Server {
	seen, _ := lru.New[string, struct{}](DEFAULT_SEEN_CAPACITY)
	return &Server{
		bus:     bus,
		queue:   queue,
		topic:   topic,
		methods: make(map[string]Handler),
		seen:    seen,
	}
}

/*
Bound the hand-off memory. The seen-set remembers which correlation ids have
already cycled through this instance without an answer; capping it trades a
very small chance of an extra requeue cycle for bounded memory on long-running
servers.
*/
func (srv *Server) SetSeenCapacity(n int) error {
	seen, err := lru.New[string, struct{}](n)
	if err != nil {
		return err
	}
	srv.mu.Lock()
	srv.seen = seen
	srv.mu.Unlock()
	return nil
}

/*
Instead of silently dropping a request that cycled through the hand-off
mechanism without finding an answer, publish its original body to the named
queue for later inspection.
*/
func (srv *Server) SetDeadLetterQueue(name string) {
	srv.mu.Lock()
	srv.deadLetter = name
	srv.mu.Unlock()
}

/*
Add a new method under the given name.

err is not nil if the method is already registered.
*/
func (srv *Server) Register(name string, handler Handler) error {
	if name == "" {
		return errors.New("empty method name")
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if _, ok := srv.methods[name]; ok {
		log.BRPC_log(log.LOGLEVEL_WARNINGS, "Trying to register existing method:", name)
		return errors.New("method already registered; not overwritten")
	}
	srv.methods[name] = handler
	log.BRPC_log(log.LOGLEVEL_INFO, "Registered method:", name)
	return nil
}

/*
Removes a method from the set of served methods.

Returns an error value with a description if the method doesn't exist.
*/
func (srv *Server) Unregister(name string) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if _, ok := srv.methods[name]; !ok {
		log.BRPC_log(log.LOGLEVEL_WARNINGS, "Trying to unregister non-existing method:", name)
		return errors.New("no such method")
	}
	delete(srv.methods, name)
	log.BRPC_log(log.LOGLEVEL_INFO, "Unregistered method:", name)
	return nil
}

// Returns a handler, or nil if none was found.
func (srv *Server) findHandler(method string) Handler {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.methods[method]
}

/*
Declare the shared queue and the broadcast channel and begin consuming both.
Start returns once the consumers are wired; handlers run on the broker's
delivery callbacks until Stop() is called.
*/
func (srv *Server) Start(ctx context.Context) error {
	srv.mu.Lock()
	if srv.started {
		srv.mu.Unlock()
		return errors.New("server already started")
	}
	srv.started = true
	srv.mu.Unlock()

	if err := srv.wireConsumers(ctx); err != nil {
		// A failed Start may be retried.
		srv.mu.Lock()
		srv.started = false
		srv.mu.Unlock()
		return err
	}

	log.BRPC_log(log.LOGLEVEL_INFO, "Serving queue", srv.queue, "and broadcast channel", srv.topic)
	return nil
}

func (srv *Server) wireConsumers(ctx context.Context) error {
	if err := srv.bus.SetPrefetch(1); err != nil {
		return errors.Wrap(err, "setting prefetch")
	}
	if _, err := srv.bus.AssertQueue(ctx, srv.queue, broker.QueueOptions{Durable: true}); err != nil {
		return errors.Wrap(err, "asserting shared queue")
	}
	if err := srv.bus.AssertBroadcast(ctx, srv.topic); err != nil {
		return errors.Wrap(err, "asserting broadcast channel")
	}

	qsub, err := srv.bus.Consume(ctx, srv.queue, srv.handleDelivery)
	if err != nil {
		return errors.Wrap(err, "consuming shared queue")
	}
	bsub, err := srv.bus.ConsumeBroadcast(ctx, srv.topic, srv.handleDelivery)
	if err != nil {
		qsub.Cancel()
		return errors.Wrap(err, "consuming broadcast channel")
	}

	srv.mu.Lock()
	srv.subs = []broker.Subscription{qsub, bsub}
	srv.mu.Unlock()
	return nil
}

// Stop consuming. Requests already dispatched to a handler still complete.
func (srv *Server) Stop() error {
	srv.mu.Lock()
	subs := srv.subs
	srv.subs = nil
	srv.started = false
	srv.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	return nil
}
