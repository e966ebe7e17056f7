package relay

import (
	"sync"
	"sync/atomic"

	"nuha.dev/fleettrack/internal/metrics"
)

// outbox is a peer's bounded write buffer. Push drops on a full buffer
// instead of stalling the publisher.
type outbox struct {
	out     chan []byte
	done    chan struct{}
	once    sync.Once
	closed  int32
	pushed  uint64
	skipped uint64
}

func newOutbox(size int) *outbox {
	if size < 1 {
		size = 1
	}
	return &outbox{out: make(chan []byte, size), done: make(chan struct{})}
}

func (o *outbox) Push(d []byte) bool {
	if atomic.LoadInt32(&o.closed) == 1 {
		return true
	}
	select {
	case o.out <- d:
		atomic.AddUint64(&o.pushed, 1)
	default:
		atomic.AddUint64(&o.skipped, 1)
		metrics.RelayDropped.Inc()
	}
	return false
}

func (o *outbox) shutdown() {
	o.once.Do(func() {
		atomic.StoreInt32(&o.closed, 1)
		close(o.done)
	})
}

func (o *outbox) stat() (pushed, skipped uint64) {
	return atomic.LoadUint64(&o.pushed), atomic.LoadUint64(&o.skipped)
}

// run writes buffered envelopes until shutdown, then flushes whatever is
// still buffered so a final reply reaches the client. A failed write shuts
// the outbox and calls abort, which must unblock the peer's reader.
func (o *outbox) run(write func([]byte) error, abort func()) error {
	for {
		select {
		case d := <-o.out:
			if err := write(d); err != nil {
				o.shutdown()
				abort()
				return err
			}
		case <-o.done:
			for {
				select {
				case d := <-o.out:
					if err := write(d); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}
