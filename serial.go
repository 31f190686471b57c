//go:build linux

package comm

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// serialTransport drives a local serial device through termios. The
// descriptor stays non-blocking for its whole life; readiness is established
// with poll before every transfer.
type serialTransport struct{}

// toUnixBaudrate maps a baud rate to the corresponding constant in the unix
// package.
var toUnixBaudrate = map[uint32]uint32{
	50:      unix.B50,
	75:      unix.B75,
	110:     unix.B110,
	134:     unix.B134,
	150:     unix.B150,
	200:     unix.B200,
	300:     unix.B300,
	600:     unix.B600,
	1200:    unix.B1200,
	1800:    unix.B1800,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	500000:  unix.B500000,
	576000:  unix.B576000,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	1152000: unix.B1152000,
	1500000: unix.B1500000,
	2000000: unix.B2000000,
	2500000: unix.B2500000,
	3000000: unix.B3000000,
	3500000: unix.B3500000,
	4000000: unix.B4000000,
}

func (serialTransport) open(c *Channel) error {
	if c.isOpen || c.address == "" {
		return nil
	}
	for {
		fd, err := unix.Open(c.address, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0666)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EMFILE || err == unix.ENFILE {
			return errors.Wrapf(err, "open %s: too many open files", c.address)
		}
		if err != nil {
			return errors.Wrapf(err, "open %s", c.address)
		}
		c.fd = fd
		c.isOpen = true
		return nil
	}
}

func (t serialTransport) connect(c *Channel) error {
	if c.isConnected || !c.isOpen {
		return nil
	}
	// No handshake on a serial line; connecting is applying the line
	// discipline.
	if err := t.configure(c); err != nil {
		return err
	}
	c.isConnected = true
	return nil
}

func (serialTransport) configure(c *Channel) error {
	if !c.isOpen {
		return nil
	}
	t, err := unix.IoctlGetTermios(c.fd, unix.TCGETS)
	if err != nil {
		return errors.Wrap(err, "tcgetattr")
	}

	// Raw mode: no echo, no line editing, no CR/LF mangling.
	t.Cflag |= unix.CLOCAL | unix.CREAD
	t.Lflag &^= unix.ICANON | unix.ECHO | unix.ECHOE | unix.ECHOK | unix.ECHONL | unix.ISIG | unix.IEXTEN
	t.Oflag &^= unix.OPOST
	t.Iflag &^= unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IGNBRK | unix.IUCLC | unix.PARMRK

	speed, ok := toUnixBaudrate[c.baudrate]
	if !ok {
		return errors.Wrapf(ErrConfig, "unsupported baud rate %d", c.baudrate)
	}
	t.Cflag &^= unix.CBAUD
	t.Cflag |= speed
	t.Ispeed = speed
	t.Ospeed = speed

	if err := c.settings.apply(t); err != nil {
		return err
	}

	// Polling read: readiness is established with poll before every read, so
	// the driver must never block a read call itself.
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(c.fd, unix.TCSETS, t); err != nil {
		return errors.Wrap(err, "tcsetattr")
	}

	// The Byte budget models the physical transmission time of one framed
	// byte; it follows every baud rate or settings change.
	bt, err := ToTimeval(c.settings.byteTime(c.baudrate))
	if err != nil {
		return err
	}
	c.timeout.Byte = bt
	return nil
}

func (serialTransport) readOnce(fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

func (serialTransport) writeOnce(fd int, p []byte) (int, error) {
	return unix.Write(fd, p)
}

func (serialTransport) flush(c *Channel) error {
	if !c.isOpen || !c.isConnected {
		return nil
	}
	// tcdrain: wait until all queued output reached the device.
	if err := unix.IoctlSetInt(c.fd, unix.TCSBRK, 1); err != nil {
		return errors.Wrap(err, "tcdrain")
	}
	return nil
}

func (serialTransport) flushInput(c *Channel) error {
	if !c.isOpen || !c.isConnected {
		return nil
	}
	if err := unix.IoctlSetInt(c.fd, unix.TCFLSH, unix.TCIFLUSH); err != nil {
		return errors.Wrap(err, "tcflush input")
	}
	return nil
}

func (serialTransport) flushOutput(c *Channel) error {
	if !c.isOpen || !c.isConnected {
		return nil
	}
	if err := unix.IoctlSetInt(c.fd, unix.TCFLSH, unix.TCOFLUSH); err != nil {
		return errors.Wrap(err, "tcflush output")
	}
	return nil
}
