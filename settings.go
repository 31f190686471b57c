//go:build linux

package comm

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ByteSize is the number of data bits in each transmitted byte.
type ByteSize int

const (
	Five  ByteSize = 5
	Six   ByteSize = 6
	Seven ByteSize = 7
	Eight ByteSize = 8
)

// Parity is the parity scheme applied to each transmitted byte.
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
	ParityMark
	ParitySpace
)

// String returns a string representation of the parity scheme.
func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "none"
	case ParityOdd:
		return "odd"
	case ParityEven:
		return "even"
	case ParityMark:
		return "mark"
	case ParitySpace:
		return "space"
	default:
		return fmt.Sprintf("Parity(%d)", int(p))
	}
}

// StopBits is the number of stop bits appended to each transmitted byte.
type StopBits int

const (
	StopBitsOne        StopBits = 1
	StopBitsTwo        StopBits = 2
	StopBitsOneAndHalf StopBits = 3
)

// String returns a string representation of the stop bit count.
func (s StopBits) String() string {
	switch s {
	case StopBitsOne:
		return "1"
	case StopBitsTwo:
		return "2"
	case StopBitsOneAndHalf:
		return "1.5"
	default:
		return fmt.Sprintf("StopBits(%d)", int(s))
	}
}

// FlowControl is the flow control scheme of the serial line.
type FlowControl int

const (
	FlowNone FlowControl = iota
	FlowSoftware
	FlowHardware
)

// String returns a string representation of the flow control scheme.
func (f FlowControl) String() string {
	switch f {
	case FlowNone:
		return "none"
	case FlowSoftware:
		return "software"
	case FlowHardware:
		return "hardware"
	default:
		return fmt.Sprintf("FlowControl(%d)", int(f))
	}
}

// Settings describes the wire-level serial protocol. Changing it on an open
// channel reapplies the device configuration without reconnecting.
type Settings struct {
	ByteSize    ByteSize
	Parity      Parity
	StopBits    StopBits
	FlowControl FlowControl
}

// DefaultSettings returns the common 8-N-1 configuration with no flow control.
func DefaultSettings() Settings {
	return Settings{
		ByteSize:    Eight,
		Parity:      ParityNone,
		StopBits:    StopBitsOne,
		FlowControl: FlowNone,
	}
}

func (s Settings) validate() error {
	if s.ByteSize < Five || s.ByteSize > Eight {
		return errors.Wrapf(ErrConfig, "bytesize %d", s.ByteSize)
	}
	if s.Parity < ParityNone || s.Parity > ParitySpace {
		return errors.Wrapf(ErrConfig, "parity %d", s.Parity)
	}
	if s.StopBits < StopBitsOne || s.StopBits > StopBitsOneAndHalf {
		return errors.Wrapf(ErrConfig, "stopbits %d", s.StopBits)
	}
	if s.FlowControl < FlowNone || s.FlowControl > FlowHardware {
		return errors.Wrapf(ErrConfig, "flowcontrol %d", s.FlowControl)
	}
	return nil
}

// apply encodes the settings into termios control flags.
func (s Settings) apply(t *unix.Termios) error {
	t.Cflag &^= unix.CSIZE
	switch s.ByteSize {
	case Five:
		t.Cflag |= unix.CS5
	case Six:
		t.Cflag |= unix.CS6
	case Seven:
		t.Cflag |= unix.CS7
	case Eight:
		t.Cflag |= unix.CS8
	default:
		return errors.Wrapf(ErrConfig, "bytesize %d", s.ByteSize)
	}

	switch s.StopBits {
	case StopBitsOne:
		t.Cflag &^= unix.CSTOPB
	case StopBitsTwo, StopBitsOneAndHalf:
		t.Cflag |= unix.CSTOPB
	default:
		return errors.Wrapf(ErrConfig, "stopbits %d", s.StopBits)
	}

	t.Iflag &^= unix.INPCK | unix.ISTRIP
	t.Cflag &^= unix.PARENB | unix.PARODD | unix.CMSPAR
	switch s.Parity {
	case ParityNone:
		// parity bit off, no parity checking
	case ParityEven:
		t.Cflag |= unix.PARENB
	case ParityOdd:
		t.Cflag |= unix.PARENB | unix.PARODD
	case ParityMark:
		t.Cflag |= unix.PARENB | unix.CMSPAR | unix.PARODD
	case ParitySpace:
		t.Cflag |= unix.PARENB | unix.CMSPAR
	default:
		return errors.Wrapf(ErrConfig, "parity %d", s.Parity)
	}

	switch s.FlowControl {
	case FlowNone:
		t.Iflag &^= unix.IXON | unix.IXOFF | unix.IXANY
		t.Cflag &^= unix.CRTSCTS
	case FlowSoftware:
		t.Iflag |= unix.IXON | unix.IXOFF
		t.Cflag &^= unix.CRTSCTS
	case FlowHardware:
		t.Iflag &^= unix.IXON | unix.IXOFF | unix.IXANY
		t.Cflag |= unix.CRTSCTS
	default:
		return errors.Wrapf(ErrConfig, "flowcontrol %d", s.FlowControl)
	}
	return nil
}

// byteTime returns the seconds needed to push one framed byte on the wire:
// start bit, data bits, optional parity bit and stop bits at the given rate.
func (s Settings) byteTime(baudrate uint32) float64 {
	bits := 1.0 + float64(s.ByteSize)
	if s.Parity != ParityNone {
		bits++
	}
	switch s.StopBits {
	case StopBitsTwo:
		bits += 2
	case StopBitsOneAndHalf:
		bits += 1.5
	default:
		bits++
	}
	return bits / float64(baudrate)
}
