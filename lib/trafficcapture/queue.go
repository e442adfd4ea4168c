/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package trafficcapture

import (
	"sync"

	"github.com/gravitational/trace"
)

// ErrQueueDrained is returned by PopManyUpTo once the producer end has
// been closed and every previously admitted element has been popped.
var ErrQueueDrained = trace.NotFound("queue drained")

// costedQueue is a multi-producer / single-consumer FIFO bounded by the
// summed cost of its queued elements rather than by element count,
// implemented with a mutex plus a condition variable guarding a deque and
// a running cost sum.
//
// Producers call TryPush, which never blocks: it either admits the packet
// or rejects it outright, so a slow or stuck consumer can never stall a
// request-handling goroutine. Exactly one goroutine is expected to call
// PopManyUpTo; calling it concurrently from more than one goroutine is not
// supported (ordering guarantees hold only for a single consumer).
type costedQueue struct {
	mu   sync.Mutex
	cond sync.Cond

	items   []Packet
	costSum int
	maxCost int

	producerClosed bool
}

// newCostedQueue returns a queue that admits elements only while their
// summed cost stays at or below maxCost.
func newCostedQueue(maxCost int) *costedQueue {
	q := &costedQueue{maxCost: maxCost}
	q.cond.L = &q.mu
	return q
}

// TryPush attempts to admit p. It returns false, without blocking, if
// admitting p would exceed the configured maxCost or if the producer end
// has already been closed.
func (q *costedQueue) TryPush(p Packet) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.producerClosed {
		return false
	}

	cost := p.Cost()
	if q.costSum+cost > q.maxCost {
		return false
	}

	q.items = append(q.items, p)
	q.costSum += cost
	q.cond.Signal()
	return true
}

// PopManyUpTo removes queued elements in FIFO order until either the queue
// is empty or the summed cost of the popped elements would exceed budget.
// At least one element is always returned if the queue is non-empty,
// even if that single element's cost exceeds budget on its own.
//
// PopManyUpTo blocks while the queue is empty and the producer end is
// still open. It returns ErrQueueDrained once the producer end is closed
// and there is nothing left to pop.
func (q *costedQueue) PopManyUpTo(budget int) ([]Packet, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		if q.producerClosed {
			return nil, ErrQueueDrained
		}
		q.cond.Wait()
	}

	var out []Packet
	spent := 0
	for len(q.items) > 0 {
		cost := q.items[0].Cost()
		if len(out) > 0 && spent+cost > budget {
			break
		}
		out = append(out, q.items[0])
		q.items = q.items[1:]
		q.costSum -= cost
		spent += cost
	}
	return out, nil
}

// CloseProducer idempotently closes the producer end, causing a blocked
// PopManyUpTo to wake and, once the queue is empty, fail with
// ErrQueueDrained. Further calls to TryPush will return false.
func (q *costedQueue) CloseProducer() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.producerClosed {
		return
	}
	q.producerClosed = true
	q.cond.Broadcast()
}

// QueueDepth returns the current summed cost of queued elements.
func (q *costedQueue) QueueDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.costSum
}
