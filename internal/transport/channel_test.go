package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// pipeChannel returns a channel over one end of an in-memory pipe and the
// server end for the test to drive.
func pipeChannel(t *testing.T, timeout time.Duration) (*Channel, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	ch := NewChannel("pipe", client, timeout)
	t.Cleanup(func() {
		ch.Close()
		server.Close()
	})
	return ch, server
}

func serve(server net.Conn, chunks ...string) {
	go func() {
		for _, c := range chunks {
			if _, err := server.Write([]byte(c)); err != nil {
				return
			}
		}
	}()
}

func TestReadLine(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		maxLen int
		want   []string
	}{
		{
			name:   "single line",
			chunks: []string{"+OK ready\r\n"},
			maxLen: 512,
			want:   []string{"+OK ready\r\n"},
		},
		{
			name:   "line split across writes",
			chunks: []string{"+OK hel", "lo\r\n"},
			maxLen: 512,
			want:   []string{"+OK hello\r\n"},
		},
		{
			name:   "two lines in one write",
			chunks: []string{"one\r\ntwo\r\n"},
			maxLen: 512,
			want:   []string{"one\r\n", "two\r\n"},
		},
		{
			name:   "long line is split at max length",
			chunks: []string{"abcdefghij\r\n"},
			maxLen: 8,
			want:   []string{"abcdefg", "hij\r\n"},
		},
		{
			name:   "newline exactly at limit",
			chunks: []string{"abcdef\n"},
			maxLen: 8,
			want:   []string{"abcdef\n"},
		},
		{
			name:   "embedded NUL preserved",
			chunks: []string{"a\x00b\r\n"},
			maxLen: 512,
			want:   []string{"a\x00b\r\n"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, server := pipeChannel(t, 2*time.Second)
			serve(server, tt.chunks...)

			for i, want := range tt.want {
				got, err := ch.ReadLine(context.Background(), tt.maxLen)
				if err != nil {
					t.Fatalf("ReadLine() #%d error = %v", i, err)
				}
				if !bytes.Equal(got, []byte(want)) {
					t.Errorf("ReadLine() #%d = %q, want %q", i, got, want)
				}
			}
		})
	}
}

func TestReadLineUnexpectedEOF(t *testing.T) {
	ch, server := pipeChannel(t, 2*time.Second)
	go func() {
		server.Write([]byte("partial"))
		server.Close()
	}()

	got, err := ch.ReadLine(context.Background(), 512)
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("ReadLine() error = %v, want *IOError", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("ReadLine() error = %v, want io.ErrUnexpectedEOF", err)
	}
	if string(got) != "partial" {
		t.Errorf("ReadLine() = %q, want %q", got, "partial")
	}
}

func TestReadLineTimeout(t *testing.T) {
	ch, _ := pipeChannel(t, 50*time.Millisecond)

	_, err := ch.ReadLine(context.Background(), 512)
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("ReadLine() error = %v, want *IOError", err)
	}
	if !ioErr.Timeout() {
		t.Errorf("IOError.Timeout() = false, want true (err %v)", err)
	}
}

func TestReadLineCancel(t *testing.T) {
	ch, _ := pipeChannel(t, 0)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := ch.ReadLine(ctx, 512)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("ReadLine() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadLine() not interrupted by cancellation")
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	ch, server := pipeChannel(t, 2*time.Second)
	serve(server, "+OK\r\n")

	peeked, err := ch.Peek(context.Background(), 1)
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if string(peeked) != "+" {
		t.Errorf("Peek() = %q, want %q", peeked, "+")
	}

	line, err := ch.ReadLine(context.Background(), 512)
	if err != nil {
		t.Fatalf("ReadLine() error = %v", err)
	}
	if string(line) != "+OK\r\n" {
		t.Errorf("ReadLine() = %q, want %q", line, "+OK\r\n")
	}
}

func TestWriteAll(t *testing.T) {
	ch, server := pipeChannel(t, 2*time.Second)
	payload := bytes.Repeat([]byte("RETR 1\r\n"), 1000)

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(payload))
		io.ReadFull(server, buf)
		got <- buf
	}()

	n, err := ch.WriteAll(context.Background(), payload)
	if err != nil {
		t.Fatalf("WriteAll() error = %v", err)
	}
	if n != len(payload) {
		t.Errorf("WriteAll() = %d, want %d", n, len(payload))
	}
	if !bytes.Equal(<-got, payload) {
		t.Error("server received different bytes")
	}
}

func TestCloseIdempotent(t *testing.T) {
	ch, _ := pipeChannel(t, time.Second)

	if err := ch.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	ch.Abort()

	if ch.State() != StateClosed {
		t.Errorf("State() = %v, want %v", ch.State(), StateClosed)
	}
	if _, err := ch.ReadLine(context.Background(), 512); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadLine() after Close error = %v, want ErrClosed", err)
	}
}

func TestOpenDialsListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("+OK POP3 ready\r\n"))
		io.Copy(io.Discard, conn)
	}()

	_, port, _ := net.SplitHostPort(ln.Addr().String())
	ch, err := Open(context.Background(), "127.0.0.1", port, Options{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer ch.Close()

	if ch.State() != StateConnected {
		t.Errorf("State() = %v, want %v", ch.State(), StateConnected)
	}
	line, err := ch.ReadLine(context.Background(), 512)
	if err != nil {
		t.Fatalf("ReadLine() error = %v", err)
	}
	if string(line) != "+OK POP3 ready\r\n" {
		t.Errorf("ReadLine() = %q", line)
	}
}

func TestOpenConnectError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()

	_, err = Open(context.Background(), "127.0.0.1", port, Options{ConnectTimeout: time.Second})
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("Open() error = %v, want *ConnectError", err)
	}
	if ce.Host != "127.0.0.1" || ce.Service != port {
		t.Errorf("ConnectError = %+v", ce)
	}
}

func TestOpenPlugin(t *testing.T) {
	ch, err := Open(context.Background(), "mail.example.org", "110", Options{
		Plugin:  "echo +OK %h %p",
		Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer ch.Close()

	line, err := ch.ReadLine(context.Background(), 512)
	if err != nil {
		t.Fatalf("ReadLine() error = %v", err)
	}
	if string(line) != "+OK mail.example.org 110\n" {
		t.Errorf("ReadLine() = %q", line)
	}
}

func TestExpandPlugin(t *testing.T) {
	tests := []struct {
		command string
		want    string
	}{
		{"ssh %h nc localhost %p", "ssh mail.example.org nc localhost pop3"},
		{"openssl s_client -connect %h:%p", "openssl s_client -connect mail.example.org:pop3"},
		{"echo 100%%", "echo 100%"},
		{"no placeholders", "no placeholders"},
	}
	for _, tt := range tests {
		if got := expandPlugin(tt.command, "mail.example.org", "pop3"); got != tt.want {
			t.Errorf("expandPlugin(%q) = %q, want %q", tt.command, got, tt.want)
		}
	}
}
