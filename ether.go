//go:build linux

package comm

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// etherTransport drives a TCP stream socket. The connect handshake runs
// non-blocking, bounded by the Conn budget; established sockets go back to
// blocking with kernel read/send timeouts applied.
type etherTransport struct{}

func (etherTransport) open(c *Channel) error {
	if c.isOpen {
		return nil
	}
	for {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EMFILE || err == unix.ENFILE {
			return errors.Wrap(err, "socket: too many open files")
		}
		if err != nil {
			return errors.Wrap(err, "socket")
		}
		c.fd = fd
		c.isOpen = true
		return nil
	}
}

func (t etherTransport) connect(c *Channel) error {
	if c.isConnected || !c.isOpen || c.address == "" || c.port == 0 {
		return nil
	}
	sa, err := resolveInet4(c.address, c.port)
	if err != nil {
		return err
	}
	if err := unix.SetNonblock(c.fd, true); err != nil {
		return errors.Wrap(err, "set nonblock")
	}
	err = unix.Connect(c.fd, sa)
	if err == unix.EINPROGRESS {
		ready, werr := c.waitReadiness(unix.POLLOUT)
		if werr != nil {
			return werr
		}
		if !ready {
			return errors.Wrapf(ErrInterface, "connect %s:%d: timed out", c.address, c.port)
		}
		err = nil
	}
	if err != nil {
		return errors.Wrapf(ErrInterface, "connect %s:%d: %v", c.address, c.port, err)
	}
	// A deferred connect reports its outcome through SO_ERROR.
	soerr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errors.Wrap(err, "getsockopt SO_ERROR")
	}
	if soerr != 0 {
		return errors.Wrapf(ErrInterface, "connect %s:%d: %v", c.address, c.port, unix.Errno(soerr))
	}
	if err := unix.SetNonblock(c.fd, false); err != nil {
		return errors.Wrap(err, "set blocking")
	}
	if err := t.configure(c); err != nil {
		return err
	}
	c.isConnected = true
	return nil
}

// resolveInet4 turns the configured host and port into a socket address.
func resolveInet4(address string, port uint16) (*unix.SockaddrInet4, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		addrs, err := net.LookupIP(address)
		if err != nil {
			return nil, errors.Wrapf(ErrInterface, "resolve %s: %v", address, err)
		}
		for _, a := range addrs {
			if a.To4() != nil {
				ip = a
				break
			}
		}
	}
	if ip == nil || ip.To4() == nil {
		return nil, errors.Wrapf(ErrConfig, "no IPv4 address for %q", address)
	}
	sa := &unix.SockaddrInet4{Port: int(port)}
	copy(sa.Addr[:], ip.To4())
	return sa, nil
}

func (etherTransport) configure(c *Channel) error {
	if !c.isOpen {
		return nil
	}
	if err := unix.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &c.timeout.Read); err != nil {
		return errors.Wrap(err, "set read timeout")
	}
	if err := unix.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &c.timeout.Send); err != nil {
		return errors.Wrap(err, "set send timeout")
	}
	return nil
}

func (etherTransport) readOnce(fd int, p []byte) (int, error) {
	n, _, err := unix.Recvfrom(fd, p, unix.MSG_DONTWAIT)
	return n, err
}

func (etherTransport) writeOnce(fd int, p []byte) (int, error) {
	return unix.Write(fd, p)
}

// Stream sockets keep no user-flushable buffer.
func (etherTransport) flush(*Channel) error       { return nil }
func (etherTransport) flushInput(*Channel) error  { return nil }
func (etherTransport) flushOutput(*Channel) error { return nil }
