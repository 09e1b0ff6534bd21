package server

import (
	"fmt"
	"time"

	"github.com/kstaniek/go-bxcan/internal/can"
	"github.com/kstaniek/go-bxcan/internal/metrics"
)

// FrameSender is the blocking transmit side of the CAN driver.
type FrameSender interface {
	Send(frame can.Frame, timeout time.Duration) (bool, error)
}

// DriverSend adapts a FrameSender to a SendFunc. A frame the driver could not
// place in a mailbox within timeout yields ErrTxTimeout; driver errors are
// wrapped in ErrBackendTx.
func DriverSend(d FrameSender, timeout time.Duration) SendFunc {
	return func(fr can.Frame) error {
		ok, err := d.Send(fr, timeout)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBackendTx, err)
		}
		if !ok {
			metrics.IncTxTimeout()
			return ErrTxTimeout
		}
		return nil
	}
}
