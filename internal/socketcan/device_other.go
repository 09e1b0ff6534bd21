//go:build !linux

package socketcan

import (
	"time"

	"github.com/kstaniek/go-bxcan/internal/can"
)

type Device struct{}

func Open(string, time.Duration) (*Device, error) { return nil, ErrUnsupported }

func (*Device) Close() error                 { return nil }
func (*Device) ReadFrame(*can.Frame) error   { return ErrUnsupported }
func (*Device) WriteFrame(can.Frame) error   { return ErrUnsupported }
