package server

import (
	"fmt"
	"time"

	"github.com/kstaniek/go-bxcan/internal/can"
	"github.com/kstaniek/go-bxcan/internal/metrics"
	"github.com/kstaniek/go-bxcan/internal/transport"
)

// startWriter launches the goroutine pushing bus frames from the session's
// hub queue to its connection. Frames are batched up to batchSize and
// flushed at least every flushInterval.
func (s *Server) startWriter(ctxDone <-chan struct{}, ss *session) {
	enc, ok := s.Codec.(transport.FrameBatchEncoder)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = ss.conn.Close()
			s.forget(ss)
			s.totalDisconnected.Add(1)
			ss.logSummary()
		}()
		if !ok {
			s.setError(fmt.Errorf("%w: codec %T cannot encode", ErrConnWrite, s.Codec))
			return
		}
		t := time.NewTicker(s.flushInterval)
		defer t.Stop()
		batch := make([]can.Frame, 0, s.batchSize)
		flush := func() bool {
			if len(batch) == 0 {
				return true
			}
			n := len(batch)
			_, err := enc.EncodeTo(ss.conn, batch)
			batch = batch[:0]
			if err != nil {
				wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return false
			}
			ss.framesOut.Add(uint64(n))
			metrics.AddTCPTx(n)
			return true
		}
		for {
			select {
			case fr := <-ss.client.Out:
				batch = append(batch, fr)
				if len(batch) >= s.batchSize && !flush() {
					return
				}
			case <-t.C:
				if !flush() {
					return
				}
			case <-ss.client.Closed:
				flush()
				return
			case <-ctxDone:
				flush()
				return
			}
		}
	}()
}
