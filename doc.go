// Package comm provides a blocking, timeout-governed byte-stream channel
// over two transports: a local serial device and a TCP socket.
//
// Both transports sit behind one contract: Read/Send move as many of the
// requested bytes as the timeout budgets allow (short counts are normal
// results, not errors), and ReadLine/ReadLines segment the raw stream on a
// configurable multi-byte end-of-line marker.
//
// Features:
//   - Raw syscall-based I/O on Linux, non-blocking descriptors multiplexed
//     with poll
//   - Four independent timeout budgets: read, send, per-byte (derived from
//     the baud rate on serial lines) and connection
//   - Independent read and send locks, so one reader and one writer can work
//     on the same channel concurrently
//   - Reconfiguring address, port or baud rate on a connected channel closes
//     and reopens it atomically
//   - PTY-based serial tests and localhost socket tests
//
// This package does **not** support Windows.
//
// Example usage:
//
//	timeout, err := comm.NewTimeout(1, 1, 0, 0.2)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ch, err := comm.NewSerial("/dev/ttyUSB0", 115200, "\r\n", timeout, comm.DefaultSettings())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ch.Close()
//
//	if _, err := ch.SendString("C,START\r\n"); err != nil {
//	    log.Println("send failed:", err)
//	}
//	line, err := ch.ReadLine(256)
//	if err != nil {
//	    log.Println("read failed:", err)
//	}
//	fmt.Println("received:", line)
//
// A TCP channel behaves identically:
//
//	ch, err := comm.NewEther("192.168.1.50", 10001, "\n", timeout)
package comm
