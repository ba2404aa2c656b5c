package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/busrpc/busrpc/broker"
	"github.com/busrpc/busrpc/broker/inproc"
	"github.com/busrpc/busrpc/wire"
)

func getServer() *Server {
	return NewServer(nil, "q", "q.all")
}

func nopHandler([]json.RawMessage) (interface{}, error) { return true, nil }

func TestRegisterMethod(t *testing.T) {
	srv := getServer()
	if nil != srv.Register("Test1", nopHandler) {
		t.Fail()
	}
}

func TestRegisterMethodTwice(t *testing.T) {
	srv := getServer()
	if nil != srv.Register("Test1", nopHandler) {
		t.Fail()
	}
	if nil == srv.Register("Test1", nopHandler) {
		t.Fail()
	}
}

// Unregister should return an error when unregistering a non-existing method
func TestUnregisterMethod(t *testing.T) {
	srv := getServer()
	if nil == srv.Unregister("Test1") {
		t.Fail()
	}
	if nil != srv.Register("Test1", nopHandler) {
		t.Fail()
	}
	if nil != srv.Unregister("Test1") {
		t.Fail()
	}
}

func TestRegisterEmptyName(t *testing.T) {
	srv := getServer()
	if nil == srv.Register("", nopHandler) {
		t.Fail()
	}
}

func publishRequest(t *testing.T, bus *inproc.Bus, rq *wire.Request, opts broker.PublishOptions) {
	t.Helper()
	body, err := wire.EncodeRequest(rq)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), "q", body, opts))
}

func TestMalformedRequestIsDroppedWithoutRetry(t *testing.T) {
	bus := inproc.New()
	defer bus.Close()

	srv := NewServer(bus, "q", "q.all")
	require.NoError(t, srv.Register("m", nopHandler))
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()

	require.NoError(t, bus.Publish(context.Background(), "q", []byte("{garbage"), broker.PublishOptions{}))

	// A well-formed request published afterwards must still be served,
	// proving the garbage was acked away rather than wedging the consumer.
	reply, err := bus.AssertQueue(context.Background(), "", broker.QueueOptions{Exclusive: true})
	require.NoError(t, err)
	got := make(chan []byte, 1)
	_, err = bus.Consume(context.Background(), reply, func(d broker.Delivery) {
		got <- d.Body()
		d.Ack()
	})
	require.NoError(t, err)

	rq, err := wire.NewRequest("m", false)
	require.NoError(t, err)
	publishRequest(t, bus, rq, broker.PublishOptions{CorrelationID: "c1", ReplyTo: reply})

	select {
	case body := <-got:
		rp, err := wire.DecodeResponse(body)
		require.NoError(t, err)
		require.Empty(t, rp.Error)
	case <-time.After(time.Second):
		t.Fatal("request after garbage never answered")
	}
}

func TestPanickingHandlerBecomesErrorResponse(t *testing.T) {
	bus := inproc.New()
	defer bus.Close()

	srv := NewServer(bus, "q", "q.all")
	require.NoError(t, srv.Register("boom", func([]json.RawMessage) (interface{}, error) {
		panic("blew up")
	}))
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()

	reply, err := bus.AssertQueue(context.Background(), "", broker.QueueOptions{Exclusive: true})
	require.NoError(t, err)
	got := make(chan []byte, 1)
	_, err = bus.Consume(context.Background(), reply, func(d broker.Delivery) {
		got <- d.Body()
		d.Ack()
	})
	require.NoError(t, err)

	rq, err := wire.NewRequest("boom", false)
	require.NoError(t, err)
	publishRequest(t, bus, rq, broker.PublishOptions{CorrelationID: "c2", ReplyTo: reply})

	select {
	case body := <-got:
		rp, derr := wire.DecodeResponse(body)
		require.NoError(t, derr)
		require.Contains(t, rp.Error, "blew up")
	case <-time.After(time.Second):
		t.Fatal("no error response for panicking handler")
	}
}

func TestDeadLetterReceivesFinalDrop(t *testing.T) {
	bus := inproc.New()
	defer bus.Close()

	_, err := bus.AssertQueue(context.Background(), "dead", broker.QueueOptions{Durable: true})
	require.NoError(t, err)

	srv := NewServer(bus, "q", "q.all")
	srv.SetDeadLetterQueue("dead")
	require.NoError(t, srv.Register("nothing", func([]json.RawMessage) (interface{}, error) {
		return nil, nil
	}))
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()

	dead := make(chan []byte, 1)
	_, err = bus.Consume(context.Background(), "dead", func(d broker.Delivery) {
		dead <- d.Body()
		d.Ack()
	})
	require.NoError(t, err)

	rq, err := wire.NewRequest("nothing", false)
	require.NoError(t, err)
	publishRequest(t, bus, rq, broker.PublishOptions{CorrelationID: "c3", ReplyTo: "nowhere"})

	select {
	case body := <-dead:
		back, derr := wire.DecodeRequest(body)
		require.NoError(t, derr)
		require.Equal(t, "nothing", back.Method)
	case <-time.After(time.Second):
		t.Fatal("finally dropped request never dead-lettered")
	}
}

/*
A failed Start must not leave the server stuck in the started state: the
retry surfaces the broker error again, not "already started".
*/
func TestFailedStartIsRetryable(t *testing.T) {
	bus := inproc.New()
	bus.Close()

	srv := NewServer(bus, "q", "q.all")
	require.Error(t, srv.Start(context.Background()))

	err := srv.Start(context.Background())
	require.Error(t, err)
	require.NotContains(t, err.Error(), "already started")
}

func TestSeenCapacityMustBePositive(t *testing.T) {
	srv := getServer()
	if nil == srv.SetSeenCapacity(0) {
		t.Fail()
	}
	if nil != srv.SetSeenCapacity(16) {
		t.Fail()
	}
}
