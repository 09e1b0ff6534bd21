package bxcan

import (
	"math"
	"time"

	"github.com/kstaniek/go-bxcan/internal/can"
)

// RxQueueCapacity is the number of received frames buffered in software.
const RxQueueCapacity = 16

// RxFrame is a frame taken off the controller in interrupt context.
type RxFrame struct {
	can.Frame
	Timestamp time.Time
	// Loopback marks an echo of a local transmission.
	Loopback bool
	// Failed marks a loopback echo whose transmission did not complete.
	Failed bool
}

// rxQueue is a fixed ring that never refuses a push: when full, the oldest
// frame is overwritten and the overflow counter advances, saturating at
// math.MaxUint32. The ISR is the only producer; Receive is the only consumer.
type rxQueue struct {
	buf      [RxQueueCapacity]RxFrame
	in, out  int
	n        int
	overflow uint32
}

func (q *rxQueue) push(f RxFrame) {
	q.buf[q.in] = f
	q.in = (q.in + 1) % RxQueueCapacity
	if q.n == RxQueueCapacity {
		q.out = (q.out + 1) % RxQueueCapacity
		if q.overflow < math.MaxUint32 {
			q.overflow++
		}
		return
	}
	q.n++
}

func (q *rxQueue) pop() (RxFrame, bool) {
	if q.n == 0 {
		return RxFrame{}, false
	}
	f := q.buf[q.out]
	q.buf[q.out] = RxFrame{}
	q.out = (q.out + 1) % RxQueueCapacity
	q.n--
	return f, true
}

func (q *rxQueue) len() int           { return q.n }
func (q *rxQueue) overflows() uint32 { return q.overflow }

func (q *rxQueue) reset() { *q = rxQueue{} }
