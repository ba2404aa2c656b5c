/*
Busrpc is a server/client library for doing RPC over message-broker primitives
(queues with competing consumers, broadcast fan-out, per-message acknowledgement
with requeue) instead of direct network connections. The user payload has no
defined format beyond JSON values; methods receive their parameters positionally
as raw JSON and return arbitrary JSON-encodable values.

Busrpc works with named methods registered on a Server. Any number of server
processes may consume the same shared queue; a request is answered by whichever
instance can produce a definitive result. An instance that has nothing to
contribute hands the request off by requeueing it once, so a differently
provisioned replica gets a chance to answer.

A Client issues unicast calls (first response wins, hard timeout) and broadcast
calls (delivered to every instance, responses collected until an idle window
elapses). The stream subpackage additionally bridges ordinary byte streams
across the broker by fragmenting them into ordered chunk messages.

E.g.:

	srv := server.NewServer(bus, "reports", "reports.all")
	srv.Register("sum", func(params []json.RawMessage) (interface{}, error) { ... })

	cl := client.New(bus, "reports", "reports.all")
	result, err := cl.Call(ctx, "sum", 2, 3)
*/
package busrpc
