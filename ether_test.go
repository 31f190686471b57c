//go:build linux

package comm

import (
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func etherTestTimeout(t *testing.T) Timeout {
	t.Helper()
	tt, err := NewTimeout(0.2, 0.2, 0, 0.05)
	require.NoError(t, err)
	return tt
}

// dialEther connects a Channel to a fresh localhost listener and returns it
// together with the server side of the connection.
func dialEther(t *testing.T, eol string, timeout Timeout) (*Channel, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ch, err := NewEther("127.0.0.1", port, eol, timeout)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })

	select {
	case conn := <-accepted:
		t.Cleanup(func() { conn.Close() })
		return ch, conn
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for accept")
		return nil, nil
	}
}

func TestEther_RoundTrip(t *testing.T) {
	ch, conn := dialEther(t, "\n", etherTestTimeout(t))
	require.True(t, ch.IsOpen())
	require.True(t, ch.IsConnected())

	_, err := conn.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	n, err := ch.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))

	n, err = ch.Send([]byte("world"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	echo := make([]byte, 5)
	_, err = io.ReadFull(conn, echo)
	require.NoError(t, err)
	require.Equal(t, "world", string(echo))
}

func TestEther_ReadString(t *testing.T) {
	ch, conn := dialEther(t, "\n", etherTestTimeout(t))

	_, err := conn.Write([]byte("abc"))
	require.NoError(t, err)

	s, err := ch.ReadString(3)
	require.NoError(t, err)
	require.Equal(t, "abc", s)
}

func TestEther_ShortReadOnTimeout(t *testing.T) {
	ch, conn := dialEther(t, "\n", etherTestTimeout(t))

	_, err := conn.Write([]byte("abc"))
	require.NoError(t, err)

	start := time.Now()
	buf := make([]byte, 10)
	n, err := ch.Read(buf)
	elapsed := time.Since(start)

	// A short count is a successful result; the read budget must have
	// elapsed by the time it is handed back.
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, "abc", string(buf[:n]))
	require.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
}

func TestEther_ReadLine_ExcludesMarker(t *testing.T) {
	ch, conn := dialEther(t, "\n", etherTestTimeout(t))

	_, err := conn.Write([]byte("hello\nrest"))
	require.NoError(t, err)

	line, err := ch.ReadLine(64)
	require.NoError(t, err)
	require.Equal(t, "hello", line)

	// No marker follows: the remainder comes back as-is once the budget runs out.
	line, err = ch.ReadLine(64)
	require.NoError(t, err)
	require.Equal(t, "rest", line)
}

func TestEther_ReadLines_TwoChunks(t *testing.T) {
	ch, conn := dialEther(t, "\n", etherTestTimeout(t))

	go func() {
		conn.Write([]byte("AB\n"))
		time.Sleep(50 * time.Millisecond)
		conn.Write([]byte("CDE\n"))
	}()

	lines, err := ch.ReadLines(7)
	require.NoError(t, err)
	require.Equal(t, []string{"AB", "CDE"}, lines)
}

func TestEther_ReadLines_MultiByteMarker(t *testing.T) {
	ch, conn := dialEther(t, "\r\n", etherTestTimeout(t))

	_, err := conn.Write([]byte("AB\r\nCD\r\n"))
	require.NoError(t, err)

	lines, err := ch.ReadLines(8)
	require.NoError(t, err)
	require.Equal(t, []string{"AB", "CD"}, lines)
}

func TestEther_SetEOL(t *testing.T) {
	ch, conn := dialEther(t, "\n", etherTestTimeout(t))

	require.ErrorIs(t, ch.SetEOL(""), ErrConfig)
	require.NoError(t, ch.SetEOL("END"))
	require.Equal(t, "END", ch.EOL())

	_, err := conn.Write([]byte("xENDy"))
	require.NoError(t, err)

	line, err := ch.ReadLine(16)
	require.NoError(t, err)
	require.Equal(t, "x", line)
}

func TestEther_DisconnectAfterReadiness(t *testing.T) {
	ch, conn := dialEther(t, "\n", etherTestTimeout(t))

	_, err := conn.Write([]byte("ab"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	time.Sleep(50 * time.Millisecond)

	// The buffered bytes arrive; the end of stream behind them surfaces as
	// an interface failure, not a timeout.
	buf := make([]byte, 10)
	n, err := ch.Read(buf)
	require.Equal(t, 2, n)
	require.ErrorIs(t, err, ErrInterface)
}

func TestEther_NotConnected(t *testing.T) {
	ch, err := NewEther("", 0, "\n", etherTestTimeout(t))
	require.NoError(t, err)
	require.False(t, ch.IsOpen())
	require.False(t, ch.IsConnected())

	_, err = ch.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrNotConnected)
	_, err = ch.Send([]byte("x"))
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestEther_CloseIdempotent(t *testing.T) {
	ch, _ := dialEther(t, "\n", etherTestTimeout(t))

	require.NoError(t, ch.Close())
	require.False(t, ch.IsOpen())
	require.NoError(t, ch.Close())
	require.False(t, ch.IsOpen())
}

func TestEther_ConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	require.NoError(t, ln.Close())

	_, err = NewEther("127.0.0.1", port, "\n", etherTestTimeout(t))
	require.ErrorIs(t, err, ErrInterface)
}

func TestEther_WaitRead(t *testing.T) {
	ch, conn := dialEther(t, "\n", etherTestTimeout(t))

	ready, err := ch.WaitRead()
	require.NoError(t, err)
	require.False(t, ready)

	_, err = conn.Write([]byte("x"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	ready, err = ch.WaitRead()
	require.NoError(t, err)
	require.True(t, ready)
}

func TestEther_WaitSend(t *testing.T) {
	ch, _ := dialEther(t, "\n", etherTestTimeout(t))

	ready, err := ch.WaitSend()
	require.NoError(t, err)
	require.True(t, ready)
}

func TestEther_ConcurrentReaderWriter(t *testing.T) {
	timeout, err := NewTimeout(1, 1, 0, 0.05)
	require.NoError(t, err)
	ch, conn := dialEther(t, "\n", timeout)

	// Echo server
	go io.Copy(conn, conn)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	got := make([]byte, len(payload))

	var g errgroup.Group
	g.Go(func() error {
		n, err := ch.Send(payload)
		if err != nil {
			return err
		}
		if n != len(payload) {
			return fmt.Errorf("short send: %d of %d", n, len(payload))
		}
		return nil
	})
	g.Go(func() error {
		total := 0
		for total < len(got) {
			n, err := ch.Read(got[total:])
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("read stalled at %d of %d", total, len(got))
			}
			total += n
		}
		return nil
	})

	require.NoError(t, g.Wait())
	require.Equal(t, payload, got)
}

func TestEther_ConcurrentReadersDoNotInterleave(t *testing.T) {
	ch, conn := dialEther(t, "\n", etherTestTimeout(t))

	_, err := conn.Write([]byte("AAAABBBB"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	results := make(chan string, 2)
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			buf := make([]byte, 4)
			n, err := ch.Read(buf)
			if err != nil {
				return err
			}
			results <- string(buf[:n])
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(results)

	var lines []string
	for r := range results {
		lines = append(lines, r)
	}
	require.ElementsMatch(t, []string{"AAAA", "BBBB"}, lines)
}
