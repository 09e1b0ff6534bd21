package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/kstaniek/go-bxcan/internal/can"
	"github.com/kstaniek/go-bxcan/internal/metrics"
	"github.com/kstaniek/go-bxcan/internal/transport"
)

// maxFramesPerRead bounds how many frames one DecodeN call drains.
const maxFramesPerRead = 16

// startReader launches the goroutine that decodes client frames and hands
// them to the transmit path.
func (s *Server) startReader(ctxDone <-chan struct{}, ss *session) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = ss.conn.Close() }()
		for {
			_ = ss.conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			count, err := s.readFrames(ss)
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				ss.logger.Warn("client_read_error", "error", wrap)
				return
			}
			if count == 0 {
				time.Sleep(100 * time.Microsecond)
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}

func (s *Server) readFrames(ss *session) (int, error) {
	if mfd, ok := s.Codec.(transport.MultiFrameDecoder); ok {
		return mfd.DecodeN(ss.conn, maxFramesPerRead, func(fr can.Frame) { s.handleFrame(ss, fr) })
	}
	fr, err := s.Codec.Decode(ss.conn)
	if err != nil {
		return 0, err
	}
	s.handleFrame(ss, fr)
	return 1, nil
}

// handleFrame validates one client frame and transmits it. Transmit failures
// are per-frame outcomes and never end the session.
func (s *Server) handleFrame(ss *session, fr can.Frame) {
	if err := fr.Validate(); err != nil {
		ss.invalid.Add(1)
		s.totalInvalid.Add(1)
		metrics.IncMalformed()
		ss.logger.Debug("client_frame_invalid", "error", err, "can_id", fmt.Sprintf("0x%X", fr.CANID))
		return
	}
	if s.frameFilter != nil && !s.frameFilter(&fr) {
		ss.filtered.Add(1)
		s.totalFiltered.Add(1)
		return
	}
	metrics.IncTCPRx()
	if s.Send == nil {
		return
	}
	err := s.Send(fr)
	switch {
	case err == nil:
		ss.framesIn.Add(1)
	case errors.Is(err, ErrTxTimeout):
		// The bus is saturated or the client outpaces it; the frame is lost.
		s.totalTxTimeouts.Add(1)
		if ss.txTimeouts.Add(1) == 1 {
			ss.logger.Warn("client_tx_backpressure", "frame", fr.String())
		}
	default:
		ss.txErrors.Add(1)
		s.totalBackendErrors.Add(1)
		wrap := err
		if !errors.Is(err, ErrBackendTx) {
			wrap = fmt.Errorf("%w: %v", ErrBackendTx, err)
		}
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		ss.logger.Error("backend_tx_error", "error", wrap, "can_id", fmt.Sprintf("0x%X", fr.CANID))
	}
}
