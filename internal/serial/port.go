package serial

import (
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens the serial device.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

// Setup closes any open channel, selects bitrate and opens the adapter's
// channel, the usual SLCAN bring-up sequence.
func Setup(p Port, bitrate uint32) error {
	sn, err := BitrateCommand(bitrate)
	if err != nil {
		return err
	}
	for _, cmd := range [][]byte{{'C', cr}, sn, {'O', cr}} {
		if _, err := p.Write(cmd); err != nil {
			return fmt.Errorf("slcan setup %q: %w", cmd[:len(cmd)-1], err)
		}
	}
	return nil
}
