//go:build linux

package comm

import (
	"bytes"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// transport is the closed set of medium-specific hooks. Everything that
// loops, waits or locks lives on Channel; a transport only knows how to
// open, connect and configure its descriptor and how to move bytes once.
type transport interface {
	open(c *Channel) error
	connect(c *Channel) error
	configure(c *Channel) error
	readOnce(fd int, p []byte) (int, error)
	writeOnce(fd int, p []byte) (int, error)
	flush(c *Channel) error
	flushInput(c *Channel) error
	flushOutput(c *Channel) error
}

// Channel is a blocking byte-stream connection to either a local serial
// device or a TCP peer, unified behind one read/send/line-framing contract.
//
// A reader and a writer may use the same Channel concurrently: read-family
// calls serialize on one mutex, send-family calls on another, so one of each
// can be in flight at the same time. Structural calls (Open, Close, Flush*
// and any setter that reconnects or reconfigures the device) take both
// mutexes, read before send, and therefore wait until both families are idle.
type Channel struct {
	address  string
	port     uint16
	baudrate uint32
	eol      []byte

	timeout  Timeout
	settings Settings

	isOpen      bool
	isConnected bool
	fd          int

	tr transport

	mtxRead sync.Mutex
	mtxSend sync.Mutex
}

// NewSerial creates a channel over a local serial device. When address is
// non-empty the device is opened and configured immediately; otherwise the
// channel stays closed until Open is called.
func NewSerial(address string, baudrate uint32, eol string, timeout Timeout, settings Settings) (*Channel, error) {
	if eol == "" {
		return nil, errors.Wrap(ErrConfig, "empty end of line")
	}
	if err := settings.validate(); err != nil {
		return nil, err
	}
	c := &Channel{
		address:  address,
		baudrate: baudrate,
		eol:      []byte(eol),
		timeout:  timeout,
		settings: settings,
		fd:       -1,
		tr:       serialTransport{},
	}
	if address != "" {
		if err := c.Open(); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

// NewEther creates a channel over a TCP stream socket. When both address and
// port are set the connection is established immediately; otherwise the
// channel stays closed until Open is called.
func NewEther(address string, port uint16, eol string, timeout Timeout) (*Channel, error) {
	if eol == "" {
		return nil, errors.Wrap(ErrConfig, "empty end of line")
	}
	c := &Channel{
		address: address,
		port:    port,
		eol:     []byte(eol),
		timeout: timeout,
		fd:      -1,
		tr:      etherTransport{},
	}
	if address != "" && port != 0 {
		if err := c.Open(); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

// Open opens and connects the channel. It is a no-op when already open.
func (c *Channel) Open() error {
	c.mtxRead.Lock()
	defer c.mtxRead.Unlock()
	c.mtxSend.Lock()
	defer c.mtxSend.Unlock()
	return c.openLocked()
}

func (c *Channel) openLocked() error {
	if err := c.tr.open(c); err != nil {
		return err
	}
	return c.tr.connect(c)
}

// Close releases the descriptor and returns the channel to the closed state.
// Safe to call in any state, any number of times.
func (c *Channel) Close() error {
	c.mtxRead.Lock()
	defer c.mtxRead.Unlock()
	c.mtxSend.Lock()
	defer c.mtxSend.Unlock()
	return c.closeLocked()
}

func (c *Channel) closeLocked() error {
	if !c.isOpen {
		return nil
	}
	if c.fd != -1 {
		if err := unix.Close(c.fd); err != nil {
			return errors.Wrap(err, "close")
		}
		c.fd = -1
	}
	c.isConnected = false
	c.isOpen = false
	return nil
}

// reopenLocked applies a structural configuration change: a connected
// channel is torn down and brought back up, never left half-configured.
func (c *Channel) reopenLocked() error {
	if !c.isConnected {
		return nil
	}
	if err := c.closeLocked(); err != nil {
		return err
	}
	return c.openLocked()
}

// IsOpen reports whether the channel holds a descriptor.
func (c *Channel) IsOpen() bool {
	return c.isOpen
}

// IsConnected reports whether the channel is ready for transfers.
func (c *Channel) IsConnected() bool {
	return c.isConnected
}

// Flush blocks until buffered output reached the device. A no-op for the
// TCP transport.
func (c *Channel) Flush() error {
	c.mtxRead.Lock()
	defer c.mtxRead.Unlock()
	c.mtxSend.Lock()
	defer c.mtxSend.Unlock()
	return c.tr.flush(c)
}

// FlushInput discards bytes received but not yet read.
func (c *Channel) FlushInput() error {
	c.mtxRead.Lock()
	defer c.mtxRead.Unlock()
	c.mtxSend.Lock()
	defer c.mtxSend.Unlock()
	return c.tr.flushInput(c)
}

// FlushOutput discards bytes written but not yet transmitted.
func (c *Channel) FlushOutput() error {
	c.mtxRead.Lock()
	defer c.mtxRead.Unlock()
	c.mtxSend.Lock()
	defer c.mtxSend.Unlock()
	return c.tr.flushOutput(c)
}

// WaitRead blocks until the channel is readable or the Conn budget elapses.
func (c *Channel) WaitRead() (bool, error) {
	c.mtxRead.Lock()
	defer c.mtxRead.Unlock()
	return c.waitReadiness(unix.POLLIN)
}

// WaitSend blocks until the channel is writable or the Conn budget elapses.
func (c *Channel) WaitSend() (bool, error) {
	c.mtxSend.Lock()
	defer c.mtxSend.Unlock()
	return c.waitReadiness(unix.POLLOUT)
}

// waitReadiness polls the descriptor for the given events, bounded by the
// Conn budget. A delivered signal or an elapsed budget reports not ready;
// retrying is the caller's business.
func (c *Channel) waitReadiness(events int16) (bool, error) {
	pfds := []unix.PollFd{{Fd: int32(c.fd), Events: events}}
	n, err := unix.Poll(pfds, pollTimeout(c.timeout.Conn))
	if err == unix.EINTR {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "poll")
	}
	// With a single descriptor polled, a positive count without events on it
	// cannot happen on a healthy descriptor table.
	if n > 0 && pfds[0].Revents == 0 {
		return false, errors.Wrap(ErrInterface, "poll reports readiness but the descriptor has no events")
	}
	return n > 0, nil
}

// readLocked drives repeated reads until len(p) bytes arrived, the deadline
// expired, or the stream can make no further progress. A short count is a
// valid outcome, not an error; the caller must inspect it. Callers hold
// mtxRead.
func (c *Channel) readLocked(p []byte) (int, error) {
	if !c.isOpen || !c.isConnected {
		return 0, errors.Wrap(ErrNotConnected, "read")
	}
	// Optimistic pass: data may already be buffered.
	last, _ := c.tr.readOnce(c.fd, p)
	read := 0
	if last > 0 {
		read = last
	}
	dl := operationDeadline(c.timeout.Read, c.timeout.Byte, len(p))
	for read < len(p) {
		// A zero-byte optimistic read means the stream already hit its end;
		// hand over what accumulated instead of waiting out the budget.
		if dl.expired() || last == 0 {
			break
		}
		ready, err := c.waitReadiness(unix.POLLIN)
		if err != nil {
			return read, err
		}
		if !ready {
			continue
		}
		n, err := c.tr.readOnce(c.fd, p[read:])
		if err == unix.EINTR {
			continue
		}
		if n < 1 {
			if err != nil {
				return read, errors.Wrapf(ErrInterface, "read after readiness: %v", err)
			}
			return read, errors.Wrap(ErrInterface, "device reports readiness to read but returned no data, disconnected?")
		}
		read += n
		last = n
	}
	return read, nil
}

// sendLocked drives repeated writes until len(p) bytes left, or the deadline
// expired. A short count is a valid outcome, not an error. Callers hold
// mtxSend.
func (c *Channel) sendLocked(p []byte) (int, error) {
	if !c.isOpen || !c.isConnected {
		return 0, errors.Wrap(ErrNotConnected, "send")
	}
	// Optimistic pass: buffer space may already be available.
	sent := 0
	if n, _ := c.tr.writeOnce(c.fd, p); n > 0 {
		sent = n
	}
	dl := operationDeadline(c.timeout.Send, c.timeout.Byte, len(p))
	for sent < len(p) {
		if dl.expired() {
			break
		}
		ready, err := c.waitReadiness(unix.POLLOUT)
		if err != nil {
			return sent, err
		}
		if !ready {
			continue
		}
		n, err := c.tr.writeOnce(c.fd, p[sent:])
		if err == unix.EINTR {
			continue
		}
		if n < 1 {
			if err != nil {
				return sent, errors.Wrapf(ErrInterface, "write after readiness: %v", err)
			}
			return sent, errors.Wrap(ErrInterface, "device reports readiness to send but accepted no data, disconnected?")
		}
		sent += n
	}
	return sent, nil
}

// Read fills p with up to len(p) bytes and returns the count actually read.
// The count is short when the read budget elapses first.
func (c *Channel) Read(p []byte) (int, error) {
	c.mtxRead.Lock()
	defer c.mtxRead.Unlock()
	return c.readLocked(p)
}

// ReadString reads up to size bytes and returns them as a string.
func (c *Channel) ReadString(size int) (string, error) {
	c.mtxRead.Lock()
	defer c.mtxRead.Unlock()
	buf := make([]byte, size)
	n, err := c.readLocked(buf)
	return string(buf[:n]), err
}

// ReadLine reads until the end-of-line marker, size bytes, or a timeout with
// no further data. The marker is consumed but excluded from the result; on
// timeout or size limit the accumulated bytes are returned as they are.
func (c *Channel) ReadLine(size int) (string, error) {
	c.mtxRead.Lock()
	defer c.mtxRead.Unlock()
	eol := c.eol
	buf := make([]byte, 0, size)
	for len(buf) < size {
		var b [1]byte
		n, err := c.readLocked(b[:])
		if err != nil {
			return string(buf), err
		}
		if n == 0 {
			break
		}
		buf = append(buf, b[0])
		if len(buf) < len(eol) {
			continue
		}
		if bytes.Equal(buf[len(buf)-len(eol):], eol) {
			return string(buf[:len(buf)-len(eol)]), nil
		}
	}
	return string(buf), nil
}

// ReadLines reads up to size bytes and splits them on every occurrence of
// the end-of-line marker, in arrival order. Trailing bytes after the last
// marker become a final, unterminated line.
func (c *Channel) ReadLines(size int) ([]string, error) {
	c.mtxRead.Lock()
	defer c.mtxRead.Unlock()
	eol := c.eol
	var lines []string
	buf := make([]byte, 0, size)
	start := 0
	for len(buf) < size {
		var b [1]byte
		n, err := c.readLocked(b[:])
		if err != nil {
			return lines, err
		}
		if n == 0 {
			break
		}
		buf = append(buf, b[0])
		if len(buf)-start < len(eol) {
			continue
		}
		if bytes.Equal(buf[len(buf)-len(eol):], eol) {
			lines = append(lines, string(buf[start:len(buf)-len(eol)]))
			start = len(buf)
		}
	}
	if start != len(buf) {
		lines = append(lines, string(buf[start:]))
	}
	return lines, nil
}

// Send writes p and returns the count actually sent. The count is short when
// the send budget elapses first.
func (c *Channel) Send(p []byte) (int, error) {
	c.mtxSend.Lock()
	defer c.mtxSend.Unlock()
	return c.sendLocked(p)
}

// SendString writes s and returns the count actually sent.
func (c *Channel) SendString(s string) (int, error) {
	c.mtxSend.Lock()
	defer c.mtxSend.Unlock()
	return c.sendLocked([]byte(s))
}

// Address returns the device path or host address.
func (c *Channel) Address() string {
	return c.address
}

// SetAddress changes the device path or host address. A connected channel is
// closed and reopened so the change applies atomically.
func (c *Channel) SetAddress(address string) error {
	if c.address == address {
		return nil
	}
	c.mtxRead.Lock()
	defer c.mtxRead.Unlock()
	c.mtxSend.Lock()
	defer c.mtxSend.Unlock()
	c.address = address
	return c.reopenLocked()
}

// Port returns the TCP port. Unused by the serial transport.
func (c *Channel) Port() uint16 {
	return c.port
}

// SetPort changes the TCP port. A connected channel is closed and reopened
// so the change applies atomically.
func (c *Channel) SetPort(port uint16) error {
	if c.port == port {
		return nil
	}
	c.mtxRead.Lock()
	defer c.mtxRead.Unlock()
	c.mtxSend.Lock()
	defer c.mtxSend.Unlock()
	c.port = port
	return c.reopenLocked()
}

// Baudrate returns the serial line speed. Unused by the TCP transport.
func (c *Channel) Baudrate() uint32 {
	return c.baudrate
}

// SetBaudrate changes the serial line speed. A connected channel is closed
// and reopened so the change applies atomically.
func (c *Channel) SetBaudrate(baudrate uint32) error {
	if c.baudrate == baudrate {
		return nil
	}
	c.mtxRead.Lock()
	defer c.mtxRead.Unlock()
	c.mtxSend.Lock()
	defer c.mtxSend.Unlock()
	c.baudrate = baudrate
	return c.reopenLocked()
}

// EOL returns the end-of-line marker used by the line framer.
func (c *Channel) EOL() string {
	return string(c.eol)
}

// SetEOL changes the end-of-line marker. The marker must be non-empty.
func (c *Channel) SetEOL(eol string) error {
	if eol == "" {
		return errors.Wrap(ErrConfig, "empty end of line")
	}
	c.mtxRead.Lock()
	defer c.mtxRead.Unlock()
	c.eol = []byte(eol)
	return nil
}

// Timeout returns the active timeout budgets.
func (c *Channel) Timeout() Timeout {
	return c.timeout
}

// SetTimeout replaces the timeout budgets and reapplies them to an open
// descriptor.
func (c *Channel) SetTimeout(t Timeout) error {
	c.mtxRead.Lock()
	defer c.mtxRead.Unlock()
	c.mtxSend.Lock()
	defer c.mtxSend.Unlock()
	c.timeout = t
	if c.isOpen {
		return c.tr.configure(c)
	}
	return nil
}

// SetTimeouts replaces the timeout budgets from values in seconds.
func (c *Channel) SetTimeouts(read, send, perByte, conn float64) error {
	t, err := NewTimeout(read, send, perByte, conn)
	if err != nil {
		return err
	}
	return c.SetTimeout(t)
}

// Settings returns the serial protocol settings.
func (c *Channel) Settings() Settings {
	return c.settings
}

// SetSettings replaces the serial protocol settings and reapplies the device
// configuration on an open descriptor. No reconnect is needed.
func (c *Channel) SetSettings(settings Settings) error {
	if err := settings.validate(); err != nil {
		return err
	}
	c.mtxRead.Lock()
	defer c.mtxRead.Unlock()
	c.mtxSend.Lock()
	defer c.mtxSend.Unlock()
	c.settings = settings
	if c.isOpen {
		return c.tr.configure(c)
	}
	return nil
}
