//go:build linux

package comm

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Timeout holds the four independent budgets that bound channel operations.
// Read and Send limit the total time of a read or send call. Byte scales
// with the requested size to cover the inherent per-byte transmission cost;
// the serial transport recomputes it from the baud rate and settings
// whenever they change. Conn bounds connection establishment and each single
// readiness wait.
type Timeout struct {
	Read unix.Timeval
	Send unix.Timeval
	Byte unix.Timeval
	Conn unix.Timeval
}

// NewTimeout builds a Timeout from budgets expressed in seconds.
func NewTimeout(read, send, perByte, conn float64) (Timeout, error) {
	var t Timeout
	var err error
	if t.Read, err = ToTimeval(read); err != nil {
		return Timeout{}, err
	}
	if t.Send, err = ToTimeval(send); err != nil {
		return Timeout{}, err
	}
	if t.Byte, err = ToTimeval(perByte); err != nil {
		return Timeout{}, err
	}
	if t.Conn, err = ToTimeval(conn); err != nil {
		return Timeout{}, err
	}
	return t, nil
}

// SimpleTimeout builds a Timeout with the same budget for read, send and
// connection waits and no per-byte allowance.
func SimpleTimeout(seconds float64) (Timeout, error) {
	return NewTimeout(seconds, seconds, 0, seconds)
}

// ToTimeval converts a duration in seconds to a timeval. Values below zero
// or above 2^32-1 whole seconds are out of range. The sub-second remainder
// is rounded to the nearest microsecond and overflowing microseconds carry
// into the seconds field.
func ToTimeval(seconds float64) (unix.Timeval, error) {
	sec := math.Floor(seconds)
	if sec < 0 || sec > math.MaxUint32 {
		return unix.Timeval{}, errors.Wrapf(ErrRange, "%g s", seconds)
	}
	usec := math.Round((seconds - sec) * 1e6)
	// NsecToTimeval carries overflowing microseconds into the seconds field.
	return unix.NsecToTimeval(int64(sec)*1e9 + int64(usec)*1e3), nil
}

func timevalDuration(tv unix.Timeval) time.Duration {
	return time.Duration(tv.Sec)*time.Second + time.Duration(tv.Usec)*time.Microsecond
}

// pollTimeout converts a budget to the millisecond bound unix.Poll expects.
func pollTimeout(tv unix.Timeval) int {
	return int(tv.Sec*1000 + tv.Usec/1000)
}

// deadline is an absolute point on the monotonic clock beyond which an
// operation gives up. time.Now carries a monotonic reading, so wall clock
// adjustments cannot stretch or shrink an in-flight wait.
type deadline struct {
	at time.Time
}

// operationDeadline allots the base budget plus twice the per-byte budget
// for every requested byte; the doubling absorbs scheduling jitter.
func operationDeadline(base, perByte unix.Timeval, size int) deadline {
	allowance := timevalDuration(base) + 2*time.Duration(size)*timevalDuration(perByte)
	return deadline{at: time.Now().Add(allowance)}
}

func (d deadline) expired() bool {
	return time.Now().After(d.at)
}
