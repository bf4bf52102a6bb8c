/*
DESCRIPTION
  bytesource.go implements the byte-source transports a live session reads
  framed telemetry from: serial, TCP, UDP and file.

  Grounded on device/file/file.go's AVFile (the Source interface below
  mirrors its Start/Stop/Read shape) for the File source, and
  on the retrieval pack's google-periph experimental/host/serial package
  for the devfs-open pattern used by Serial (opened directly via
  os.OpenFile against /dev/<port>, configured with
  golang.org/x/sys/unix termios ioctls rather than importing periph.io's
  full driver/registry framework, which brings GPIO pin registries this
  package has no use for).

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package bytesource provides the byte-stream transports a live pipeline
// reads framed telemetry from.
package bytesource

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Source is a byte stream a pipeline can read from and must eventually
// close. Implementations are safe to call Read after Stop only to get
// an error back, never a panic.
type Source interface {
	io.Reader
	Start() error
	Stop() error
}

// baudToUnix maps common baud rates to the termios speed constant.
var baudToUnix = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
}

// Serial is a blocking serial port source, read with a byte-read
// timeout expressed via termios VTIME.
type Serial struct {
	Port     string // e.g. "/dev/ttyUSB0".
	Baud     int
	Timeout  time.Duration // Per-Read timeout; VTIME is in deciseconds, minimum 100ms resolution.
	f        *os.File
	mu       sync.Mutex
}

// Start opens and configures the serial port.
func (s *Serial) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.Port, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return fmt.Errorf("bytesource: open %s: %w", s.Port, err)
	}

	speed, ok := baudToUnix[s.Baud]
	if !ok {
		f.Close()
		return fmt.Errorf("bytesource: unsupported baud rate %d", s.Baud)
	}

	t, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	if err != nil {
		f.Close()
		return fmt.Errorf("bytesource: get termios: %w", err)
	}
	t.Cflag = (t.Cflag &^ unix.CSIZE) | unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Iflag = 0
	t.Oflag = 0
	t.Lflag = 0
	t.Cc[unix.VMIN] = 0
	deciseconds := s.Timeout / (100 * time.Millisecond)
	if deciseconds < 1 {
		deciseconds = 1
	}
	t.Cc[unix.VTIME] = uint8(deciseconds)
	t.Cflag = (t.Cflag &^ unix.CBAUD) | speed
	t.Ispeed = speed
	t.Ospeed = speed
	if err := unix.IoctlSetTermios(int(f.Fd()), unix.TCSETS, t); err != nil {
		f.Close()
		return fmt.Errorf("bytesource: set termios: %w", err)
	}

	s.f = f
	return nil
}

// Stop closes the serial port.
func (s *Serial) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Read implements io.Reader.
func (s *Serial) Read(p []byte) (int, error) {
	s.mu.Lock()
	f := s.f
	s.mu.Unlock()
	if f == nil {
		return 0, errors.New("bytesource: serial port not started")
	}
	return f.Read(p)
}

// TCP connects to a remote host:port and applies a per-read deadline.
// ByteCap, if nonzero, stops reads once that many bytes have been
// consumed, returning io.EOF from then on.
type TCP struct {
	Host, Port        string
	ConnectTimeout     time.Duration
	ReadTimeout        time.Duration
	ByteCap            int64

	conn  net.Conn
	read  int64
	mu    sync.Mutex
}

func (c *TCP) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	timeout := c.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(c.Host, c.Port), timeout)
	if err != nil {
		return fmt.Errorf("bytesource: tcp dial: %w", err)
	}
	c.conn = conn
	c.read = 0
	return nil
}

func (c *TCP) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *TCP) Read(p []byte) (int, error) {
	c.mu.Lock()
	conn := c.conn
	cap := c.ByteCap
	read := c.read
	c.mu.Unlock()
	if conn == nil {
		return 0, errors.New("bytesource: tcp source not started")
	}
	if cap > 0 && read >= cap {
		return 0, io.EOF
	}
	if cap > 0 && int64(len(p)) > cap-read {
		p = p[:cap-read]
	}
	if c.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
	}
	n, err := conn.Read(p)
	c.mu.Lock()
	c.read += int64(n)
	c.mu.Unlock()
	return n, err
}

// UDP binds a local host:port and reads datagrams, optionally filtering
// to a specific source host/port and capping total bytes read.
type UDP struct {
	BindHost, BindPort     string
	SourceHost, SourcePort string // If nonempty, datagrams from other peers are discarded.
	ReadTimeout            time.Duration
	ByteCap                int64

	conn *net.UDPConn
	read int64
	mu   sync.Mutex
}

func (u *UDP) Start() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(u.BindHost, u.BindPort))
	if err != nil {
		return fmt.Errorf("bytesource: udp resolve: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("bytesource: udp listen: %w", err)
	}
	u.conn = conn
	u.read = 0
	return nil
}

func (u *UDP) Stop() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	return err
}

// Read returns the next datagram's payload that passes the source
// filter (if any), respecting ByteCap and ReadTimeout.
func (u *UDP) Read(p []byte) (int, error) {
	u.mu.Lock()
	conn := u.conn
	cap := u.ByteCap
	read := u.read
	u.mu.Unlock()
	if conn == nil {
		return 0, errors.New("bytesource: udp source not started")
	}
	if cap > 0 && read >= cap {
		return 0, io.EOF
	}

	for {
		if u.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(u.ReadTimeout))
		}
		n, from, err := conn.ReadFromUDP(p)
		if err != nil {
			return 0, err
		}
		if u.SourceHost != "" && from.IP.String() != u.SourceHost {
			continue
		}
		if u.SourcePort != "" && fmt.Sprint(from.Port) != u.SourcePort {
			continue
		}
		if cap > 0 && read+int64(n) > cap {
			n = int(cap - read)
		}
		u.mu.Lock()
		u.read += int64(n)
		u.mu.Unlock()
		return n, nil
	}
}

// File is an ordinary file byte source, optionally looping back to the
// start on EOF (mirrors AVFile's loop behaviour).
type File struct {
	Path string
	Loop bool

	f  *os.File
	mu sync.Mutex
}

func (fsrc *File) Start() error {
	fsrc.mu.Lock()
	defer fsrc.mu.Unlock()
	f, err := os.Open(fsrc.Path)
	if err != nil {
		return fmt.Errorf("bytesource: open %s: %w", fsrc.Path, err)
	}
	fsrc.f = f
	return nil
}

func (fsrc *File) Stop() error {
	fsrc.mu.Lock()
	defer fsrc.mu.Unlock()
	if fsrc.f == nil {
		return nil
	}
	err := fsrc.f.Close()
	fsrc.f = nil
	return err
}

func (fsrc *File) Read(p []byte) (int, error) {
	fsrc.mu.Lock()
	defer fsrc.mu.Unlock()
	if fsrc.f == nil {
		return 0, errors.New("bytesource: file not started")
	}
	n, err := fsrc.f.Read(p)
	if err == io.EOF && fsrc.Loop {
		if _, serr := fsrc.f.Seek(0, io.SeekStart); serr != nil {
			return n, fmt.Errorf("bytesource: seek to start for loop: %w", serr)
		}
		if n > 0 {
			return n, nil
		}
		return fsrc.f.Read(p)
	}
	return n, err
}
