// Package transport defines the thin contract the session controller needs
// from the underlying serial link, and a concrete implementation over
// go.bug.st/serial.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// Config describes how to open a serial line. BaudRate defaults to
// DefaultBaudRate (115200/8N1) when zero.
type Config struct {
	Port     string
	BaudRate int
}

// DefaultBaudRate is the reasonable default serial line speed.
const DefaultBaudRate = 115200

// ReadyMask is the bitmask of ready events passed to a registered source
// callback. Only IN (readable) is ever signalled by this driver's
// transports.
type ReadyMask uint8

const (
	// EventNone indicates the callback is being polled with nothing ready.
	EventNone ReadyMask = 0
	// EventIn indicates the port has data available to read.
	EventIn ReadyMask = 1 << 0
)

// SourceCallback is invoked by the host event loop with the ready-events
// mask. It returns true to remain installed, false to be removed.
type SourceCallback func(events ReadyMask) bool

// Transport is the contract the session controller requires from a serial
// link. Only WriteAll and ReadExact may block, and each takes a timeout
// argument; ReadNonblocking and HasReceiveData never block.
type Transport interface {
	Open(ctx context.Context, cfg Config) error
	Close() error
	Drain() error
	Flush() error

	WriteAll(data []byte, timeout time.Duration) (int, error)
	ReadExact(buf []byte, timeout time.Duration) (int, error)
	ReadNonblocking(buf []byte) (int, error)
	HasReceiveData() bool

	RegisterSource(pollInterval time.Duration, cb SourceCallback)
	UnregisterSource()
}

// Timeout computes the per-call serial timeout from the byte count and line
// speed: bytes*10/bps seconds (not rounded up) plus a fixed 50 ms slack. The
// factor of 10 accounts for 8 data bits plus start/stop framing on an 8N1
// line.
func Timeout(numBytes int, baudRate int) time.Duration {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	bitsPerByte := 10
	seconds := float64(numBytes*bitsPerByte) / float64(baudRate)
	computed := time.Duration(seconds * float64(time.Second))
	const slack = 50 * time.Millisecond
	if computed < 0 {
		computed = 0
	}
	return computed + slack
}

// serialTransport is the go.bug.st/serial-backed Transport implementation.
type serialTransport struct {
	log  *logrus.Entry
	port serial.Port
	cfg  Config

	sourceCancel context.CancelFunc
}

// NewSerialTransport returns a Transport backed by the real serial port API.
func NewSerialTransport(log *logrus.Entry) Transport {
	return &serialTransport{log: log}
}

func (t *serialTransport) Open(ctx context.Context, cfg Config) error {
	baud := cfg.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	t.log.WithField("port", cfg.Port).WithField("baud", baud).Debug("Opening serial port.")
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("transport: open %s: %w", cfg.Port, err)
	}
	port.ResetInputBuffer()

	t.port = port
	t.cfg = cfg
	return nil
}

func (t *serialTransport) Close() error {
	t.UnregisterSource()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

func (t *serialTransport) Drain() error {
	if t.port == nil {
		return fmt.Errorf("transport: drain: port not open")
	}
	return t.port.Drain()
}

func (t *serialTransport) Flush() error {
	if t.port == nil {
		return fmt.Errorf("transport: flush: port not open")
	}
	return t.port.ResetInputBuffer()
}

// WriteAll applies timeout only as the port's read timeout; the Write call
// itself is not bounded by it.
func (t *serialTransport) WriteAll(data []byte, timeout time.Duration) (int, error) {
	if t.port == nil {
		return 0, fmt.Errorf("transport: write: port not open")
	}
	t.port.SetReadTimeout(timeout)
	n, err := t.port.Write(data)
	if err != nil {
		return n, fmt.Errorf("transport: write: %w", err)
	}
	if n != len(data) {
		return n, fmt.Errorf("transport: write: short write %d/%d bytes", n, len(data))
	}
	return n, nil
}

func (t *serialTransport) ReadExact(buf []byte, timeout time.Duration) (int, error) {
	if t.port == nil {
		return 0, fmt.Errorf("transport: read: port not open")
	}
	t.port.SetReadTimeout(timeout)
	total := 0
	for total < len(buf) {
		n, err := t.port.Read(buf[total:])
		if err != nil {
			return total, fmt.Errorf("transport: read: %w", err)
		}
		if n == 0 {
			return total, fmt.Errorf("transport: read: timed out after %d/%d bytes", total, len(buf))
		}
		total += n
	}
	return total, nil
}

func (t *serialTransport) ReadNonblocking(buf []byte) (int, error) {
	if t.port == nil {
		return 0, fmt.Errorf("transport: read: port not open")
	}
	t.port.SetReadTimeout(0)
	n, err := t.port.Read(buf)
	if err != nil {
		return n, fmt.Errorf("transport: nonblocking read: %w", err)
	}
	return n, nil
}

func (t *serialTransport) HasReceiveData() bool {
	if t.port == nil {
		return false
	}
	n, err := t.port.ReadyToRead()
	if err != nil {
		return false
	}
	return n > 0
}

// RegisterSource installs cb into a ticker-driven poll loop, standing in for
// a real host event loop's source-add call. It is invoked every
// pollInterval with EventIn if data is ready, EventNone otherwise, until
// UnregisterSource is called or cb returns false.
func (t *serialTransport) RegisterSource(pollInterval time.Duration, cb SourceCallback) {
	t.UnregisterSource()
	ctx, cancel := context.WithCancel(context.Background())
	t.sourceCancel = cancel

	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				events := EventNone
				if t.HasReceiveData() {
					events = EventIn
				}
				if !cb(events) {
					return
				}
			}
		}
	}()
}

func (t *serialTransport) UnregisterSource() {
	if t.sourceCancel != nil {
		t.sourceCancel()
		t.sourceCancel = nil
	}
}
