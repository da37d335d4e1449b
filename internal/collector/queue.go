package collector

import "flowsentry/internal/metrics"

// dropQueue is a bounded FIFO that evicts its oldest datagram when full.
type dropQueue struct {
	ch chan []byte
}

func newDropQueue(size int) *dropQueue {
	if size <= 0 {
		size = 1024
	}
	return &dropQueue{ch: make(chan []byte, size)}
}

// push enqueues b and reports whether an older datagram was evicted.
func (q *dropQueue) push(b []byte) bool {
	dropped := false
	for {
		select {
		case q.ch <- b:
			return dropped
		default:
		}
		select {
		case <-q.ch:
			dropped = true
			metrics.DatagramsDropped.Inc()
		default:
		}
	}
}

func (q *dropQueue) close() {
	close(q.ch)
}
