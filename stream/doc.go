/*
Package stream bridges ordinary byte streams across the broker. A transfer is
negotiated with one unicast request/response exchange (the same shape the RPC
client and server use) and then driven over a dedicated transient chunk queue:
the sending side fragments its stream into ordered chunk envelopes, the
receiving side reassembles them, acknowledging each chunk only once it has been
fully applied. Exactly one terminating envelope -- ended or error -- closes
every transfer.

Two directions exist. In the write flow the client owns the bytes: it creates
the chunk queue, starts publishing, and asks the server to wire a sink via its
createWriteStream factory. In the read flow the server owns the bytes: the
client asks via createReadStream, and the server answers with the name of the
chunk queue it is publishing the source into.

Chunk payloads can be transparently gzip-compressed; the flag must be set on
both ends of a transfer. Delivery within a chunk queue must be FIFO; chunk
sequence numbers detect (but cannot repair) a reordering broker.
*/
package stream
