package client

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/busrpc/busrpc"
	"github.com/busrpc/busrpc/broker"
	"github.com/busrpc/busrpc/broker/inproc"
	"github.com/busrpc/busrpc/server"
)

const (
	testQueue = "rpc"
	testTopic = "rpc.all"
)

func startServer(t *testing.T, bus *inproc.Bus, register func(*server.Server)) *server.Server {
	t.Helper()
	srv := server.NewServer(bus, testQueue, testTopic)
	register(srv)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func sumHandler(params []json.RawMessage) (interface{}, error) {
	var a, b int
	if err := json.Unmarshal(params[0], &a); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params[1], &b); err != nil {
		return nil, err
	}
	return a + b, nil
}

func TestCallResolvesWithResult(t *testing.T) {
	bus := inproc.New()
	defer bus.Close()

	startServer(t, bus, func(srv *server.Server) {
		require.NoError(t, srv.Register("sum", sumHandler))
	})

	cl := New(bus, testQueue, testTopic)
	result, err := cl.Call(context.Background(), "sum", 2, 3)
	require.NoError(t, err)

	var sum int
	require.NoError(t, json.Unmarshal(result, &sum))
	require.Equal(t, 5, sum)
}

func TestCallRejectsWithHandlerError(t *testing.T) {
	bus := inproc.New()
	defer bus.Close()

	startServer(t, bus, func(srv *server.Server) {
		require.NoError(t, srv.Register("explode", func([]json.RawMessage) (interface{}, error) {
			return nil, busrpc.NewRequestError(busrpc.STATUS_NOT_OK, "some error occurred in handler, abort")
		}))
	})

	cl := New(bus, testQueue, testTopic)
	_, err := cl.Call(context.Background(), "explode")
	require.Error(t, err)
	require.Equal(t, "some error occurred in handler, abort", err.Error())
	require.False(t, busrpc.IsTimeout(err))
}

func TestCallTimesOutOnMissingMethod(t *testing.T) {
	bus := inproc.New()
	defer bus.Close()

	startServer(t, bus, func(srv *server.Server) {
		require.NoError(t, srv.Register("sum", sumHandler))
	})

	cl := New(bus, testQueue, testTopic)
	cl.SetTimeout(150 * time.Millisecond)

	before := time.Now()
	_, err := cl.Call(context.Background(), "missing-method")
	elapsed := time.Since(before)

	require.Error(t, err)
	require.True(t, busrpc.IsTimeout(err))
	require.Equal(t, "RPC Request timed out", err.Error())
	require.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	require.Less(t, elapsed, time.Second)
}

func TestCallPerCallTimeoutOverride(t *testing.T) {
	bus := inproc.New()
	defer bus.Close()

	cl := New(bus, testQueue, testTopic) // no server at all
	before := time.Now()
	_, err := cl.CallWithParams(context.Background(), NewParams().Timeout(80*time.Millisecond), "anything")
	require.True(t, busrpc.IsTimeout(err))
	require.Less(t, time.Since(before), time.Second)
}

func TestCallAllCollectsFromEveryInstance(t *testing.T) {
	bus := inproc.New()
	defer bus.Close()

	for i := 0; i < 3; i++ {
		startServer(t, bus, func(srv *server.Server) {
			require.NoError(t, srv.Register("ping", func([]json.RawMessage) (interface{}, error) {
				return true, nil
			}))
		})
	}

	cl := New(bus, testQueue, testTopic)
	cl.SetIdleWindow(200 * time.Millisecond)

	results, err := cl.CallAll(context.Background(), "ping")
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		require.NoError(t, r.Err)
		var ok bool
		require.NoError(t, json.Unmarshal(r.Value, &ok))
		require.True(t, ok)
	}
}

func TestCallAllMixesValuesAndErrors(t *testing.T) {
	bus := inproc.New()
	defer bus.Close()

	startServer(t, bus, func(srv *server.Server) {
		require.NoError(t, srv.Register("work", func([]json.RawMessage) (interface{}, error) {
			return "fine", nil
		}))
	})
	startServer(t, bus, func(srv *server.Server) {
		require.NoError(t, srv.Register("work", func([]json.RawMessage) (interface{}, error) {
			return nil, busrpc.NewRequestError(busrpc.STATUS_NOT_OK, "broken replica")
		}))
	})

	cl := New(bus, testQueue, testTopic)
	cl.SetIdleWindow(200 * time.Millisecond)

	results, err := cl.CallAll(context.Background(), "work")
	require.NoError(t, err)
	require.Len(t, results, 2)

	values, errs := 0, 0
	for _, r := range results {
		if r.Err != nil {
			errs++
			require.Equal(t, "broken replica", r.Err.Error())
		} else {
			values++
		}
	}
	require.Equal(t, 1, values)
	require.Equal(t, 1, errs)
}

func TestCallAllTimesOutWithZeroResponders(t *testing.T) {
	bus := inproc.New()
	defer bus.Close()

	// A server is listening, but its handler opts out on broadcast too.
	startServer(t, bus, func(srv *server.Server) {
		require.NoError(t, srv.Register("quiet", func([]json.RawMessage) (interface{}, error) {
			return nil, nil
		}))
	})

	cl := New(bus, testQueue, testTopic)
	cl.SetIdleWindow(150 * time.Millisecond)

	_, err := cl.CallAll(context.Background(), "quiet")
	require.Error(t, err)
	require.True(t, busrpc.IsTimeout(err))
}

/*
Hand-off idempotence: a method that never produces an answer is delivered,
requeued exactly once, delivered again and then finally dropped -- never a
third time for the same correlation id.
*/
func TestHandOffIsBounded(t *testing.T) {
	bus := inproc.New()
	defer bus.Close()

	var invocations int64
	startServer(t, bus, func(srv *server.Server) {
		require.NoError(t, srv.Register("nothing", func([]json.RawMessage) (interface{}, error) {
			atomic.AddInt64(&invocations, 1)
			return nil, nil
		}))
	})

	cl := New(bus, testQueue, testTopic)
	cl.SetTimeout(200 * time.Millisecond)

	_, err := cl.Call(context.Background(), "nothing")
	require.True(t, busrpc.IsTimeout(err))

	// Give a hypothetical third delivery time to show up.
	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 2, atomic.LoadInt64(&invocations))
}

func TestBroadcastIsNeverHandedOff(t *testing.T) {
	bus := inproc.New()
	defer bus.Close()

	var invocations int64
	startServer(t, bus, func(srv *server.Server) {
		require.NoError(t, srv.Register("nothing", func([]json.RawMessage) (interface{}, error) {
			atomic.AddInt64(&invocations, 1)
			return nil, nil
		}))
	})

	cl := New(bus, testQueue, testTopic)
	cl.SetIdleWindow(100 * time.Millisecond)

	_, err := cl.CallAll(context.Background(), "nothing")
	require.True(t, busrpc.IsTimeout(err))

	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt64(&invocations))
}

// rawResponder consumes the shared queue directly, reporting each request's
// replyTo and answering with whatever body it is given (nil answers nothing).
func rawResponder(t *testing.T, bus *inproc.Bus, body []byte) <-chan string {
	t.Helper()
	ctx := context.Background()
	replyTo := make(chan string, 1)

	_, err := bus.AssertQueue(ctx, testQueue, broker.QueueOptions{Durable: true})
	require.NoError(t, err)
	_, err = bus.Consume(ctx, testQueue, func(d broker.Delivery) {
		defer d.Ack()
		select {
		case replyTo <- d.ReplyTo():
		default:
		}
		if body != nil {
			bus.Publish(ctx, d.ReplyTo(), body, broker.PublishOptions{CorrelationID: d.CorrelationID()})
		}
	})
	require.NoError(t, err)
	return replyTo
}

/*
A malformed response body is never surfaced to the caller: it is logged,
dropped, and the call resolves through the timeout.
*/
func TestMalformedResponseIsDroppedUntilTimeout(t *testing.T) {
	bus := inproc.New()
	defer bus.Close()

	rawResponder(t, bus, []byte("{garbage"))

	cl := New(bus, testQueue, testTopic)
	cl.SetTimeout(300 * time.Millisecond)

	before := time.Now()
	_, err := cl.Call(context.Background(), "anything")
	elapsed := time.Since(before)

	require.Error(t, err)
	require.True(t, busrpc.IsTimeout(err))
	require.Equal(t, "RPC Request timed out", err.Error())
	require.GreaterOrEqual(t, elapsed, 250*time.Millisecond)
}

func TestReplyQueueIsDeletedAfterResolve(t *testing.T) {
	bus := inproc.New()
	defer bus.Close()

	replyTo := rawResponder(t, bus, []byte(`{"result":true}`))

	cl := New(bus, testQueue, testTopic)
	_, err := cl.Call(context.Background(), "anything")
	require.NoError(t, err)

	q := <-replyTo
	require.NotEmpty(t, q)
	_, err = bus.Consume(context.Background(), q, func(broker.Delivery) {})
	require.Error(t, err)
}

func TestReplyQueueIsDeletedAfterTimeout(t *testing.T) {
	bus := inproc.New()
	defer bus.Close()

	replyTo := rawResponder(t, bus, nil)

	cl := New(bus, testQueue, testTopic)
	cl.SetTimeout(100 * time.Millisecond)
	_, err := cl.Call(context.Background(), "anything")
	require.True(t, busrpc.IsTimeout(err))

	q := <-replyTo
	require.NotEmpty(t, q)
	_, err = bus.Consume(context.Background(), q, func(broker.Delivery) {})
	require.Error(t, err)
}

func TestCallHonorsContextCancellation(t *testing.T) {
	bus := inproc.New()
	defer bus.Close()

	cl := New(bus, testQueue, testTopic)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := cl.Call(ctx, "anything")
	require.ErrorIs(t, err, context.Canceled)
}
