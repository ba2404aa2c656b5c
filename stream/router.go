package stream

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// WriteFactory produces the sink a client-to-server transfer is written into.
type WriteFactory func(params []json.RawMessage) (io.WriteCloser, error)

// ReadFactory produces the source a server-to-client transfer is read from.
type ReadFactory func(params []json.RawMessage) (io.ReadCloser, error)

/*
Router is the fixed two-slot registry of stream factories, one per transfer
direction. Unlike the RPC method router it cannot grow: createWriteStream and
createReadStream are the only two names the stream protocol knows.
*/
type Router struct {
	mu    sync.Mutex
	write WriteFactory
	read  ReadFactory
}

func NewRouter() *Router {
	return new(Router)
}

// err is not nil if a write factory is already registered.
func (r *Router) RegisterWriteStream(f WriteFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.write != nil {
		return errors.New("write stream factory already registered; not overwritten")
	}
	r.write = f
	return nil
}

// err is not nil if a read factory is already registered.
func (r *Router) RegisterReadStream(f ReadFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.read != nil {
		return errors.New("read stream factory already registered; not overwritten")
	}
	r.read = f
	return nil
}

func (r *Router) writeFactory() WriteFactory {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.write
}

func (r *Router) readFactory() ReadFactory {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read
}
