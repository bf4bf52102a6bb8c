package bytesource

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileReadsContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	if err := os.WriteFile(path, []byte{1, 2, 3, 4}, 0644); err != nil {
		t.Fatal(err)
	}
	f := &File{Path: path}
	if err := f.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.Stop()

	buf := make([]byte, 4)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatalf("Read: %v", err)
	}
	if n != 4 {
		t.Fatalf("read %d bytes, want 4", n)
	}
}

func TestFileLoopsOnEOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	if err := os.WriteFile(path, []byte{1, 2}, 0644); err != nil {
		t.Fatal(err)
	}
	f := &File{Path: path, Loop: true}
	if err := f.Start(); err != nil {
		t.Fatal(err)
	}
	defer f.Stop()

	buf := make([]byte, 2)
	if _, err := f.Read(buf); err != nil {
		t.Fatalf("first read: %v", err)
	}
	// Past EOF now; loop should seek back to start rather than error.
	n, err := f.Read(buf)
	if err != nil {
		t.Fatalf("looped read: %v", err)
	}
	if n == 0 {
		t.Fatal("expected looped read to return data, not nothing")
	}
}

func TestFileReadBeforeStartFails(t *testing.T) {
	f := &File{Path: "/nonexistent"}
	if _, err := f.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected error reading an unstarted file source")
	}
}

func TestTCPRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	src := &TCP{Host: host, Port: port, ConnectTimeout: time.Second, ReadTimeout: time.Second}
	if err := src.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer src.Stop()

	buf := make([]byte, 4)
	n, err := src.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 4 || buf[0] != 0xDE {
		t.Fatalf("unexpected read: %x (n=%d)", buf[:n], n)
	}
}

func TestTCPByteCap(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte{1, 2, 3, 4, 5, 6})
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	src := &TCP{Host: host, Port: port, ConnectTimeout: time.Second, ReadTimeout: time.Second, ByteCap: 3}
	if err := src.Start(); err != nil {
		t.Fatal(err)
	}
	defer src.Stop()

	buf := make([]byte, 10)
	n, err := src.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 3 {
		t.Fatalf("got %d bytes, want capped at 3", n)
	}

	n2, err := src.Read(buf)
	if err != io.EOF {
		t.Fatalf("expected io.EOF once the byte cap is reached, got n=%d err=%v", n2, err)
	}
}

func TestUDPRoundTrip(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	host, port, _ := net.SplitHostPort(conn.LocalAddr().String())
	conn.Close()

	src := &UDP{BindHost: host, BindPort: port, ReadTimeout: time.Second}
	if err := src.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer src.Stop()

	sender, err := net.Dial("udp", net.JoinHostPort(host, port))
	if err != nil {
		t.Fatal(err)
	}
	defer sender.Close()
	sender.Write([]byte{0x01, 0x02, 0x03})

	buf := make([]byte, 16)
	n, err := src.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 3 || buf[0] != 0x01 {
		t.Fatalf("unexpected datagram: %x", buf[:n])
	}
}

func TestUDPSourceFilterDropsOtherPeers(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	host, port, _ := net.SplitHostPort(conn.LocalAddr().String())
	conn.Close()

	src := &UDP{BindHost: host, BindPort: port, SourceHost: "10.0.0.9", ReadTimeout: 100 * time.Millisecond}
	if err := src.Start(); err != nil {
		t.Fatal(err)
	}
	defer src.Stop()

	sender, err := net.Dial("udp", net.JoinHostPort(host, port))
	if err != nil {
		t.Fatal(err)
	}
	defer sender.Close()
	sender.Write([]byte{0xAA})

	buf := make([]byte, 16)
	_, err = src.Read(buf)
	if err == nil {
		t.Fatal("expected the source filter to reject the datagram and time out")
	}
}
