package cnl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Hello is exchanged by both peers before any frame.
const Hello = "CANNELLONIv1"

// ErrBadHello is returned when the peer greets with anything but Hello.
var ErrBadHello = errors.New("cannelloni: bad hello")

// Handshake sends Hello and expects it back, both within timeout. The two
// directions run concurrently so neither side has to go first.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{})

	errCh := make(chan error, 2)
	go func() {
		_, err := io.WriteString(c, Hello)
		errCh <- err
	}()
	go func() {
		var buf [len(Hello)]byte
		_, err := io.ReadFull(c, buf[:])
		if err == nil && string(buf[:]) != Hello {
			err = fmt.Errorf("%w: %q", ErrBadHello, buf[:])
		}
		errCh <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("handshake: %w", err)
			}
		}
	}
	return nil
}
