package session

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/ela-project/driver/src/ela-driver/framework"
	"github.com/ela-project/driver/src/ela-driver/transport"
)

// mockTransport is a scripted transport.Transport test double: writes are
// recorded for assertion, and a single incoming byte stream is consumed in
// order by ReadExact/ReadNonblocking regardless of the requested timeout,
// standing in for a cooperative device that always has the next expected
// reply ready.
type mockTransport struct {
	opened bool
	cfg    transport.Config

	writes [][]byte
	in     []byte

	hasData bool

	cb           transport.SourceCallback
	pollInterval time.Duration
}

func (m *mockTransport) Open(ctx context.Context, cfg transport.Config) error {
	m.opened = true
	m.cfg = cfg
	return nil
}

func (m *mockTransport) Close() error {
	m.opened = false
	return nil
}

func (m *mockTransport) Drain() error { return nil }
func (m *mockTransport) Flush() error { return nil }

func (m *mockTransport) WriteAll(data []byte, timeout time.Duration) (int, error) {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.writes = append(m.writes, cp)
	return len(data), nil
}

func (m *mockTransport) ReadExact(buf []byte, timeout time.Duration) (int, error) {
	if len(m.in) < len(buf) {
		return 0, fmt.Errorf("mockTransport: not enough buffered input: have %d, want %d", len(m.in), len(buf))
	}
	n := copy(buf, m.in[:len(buf)])
	m.in = m.in[len(buf):]
	return n, nil
}

func (m *mockTransport) ReadNonblocking(buf []byte) (int, error) {
	if len(m.in) == 0 {
		return 0, io.EOF
	}
	n := copy(buf, m.in[:1])
	m.in = m.in[1:]
	return n, nil
}

func (m *mockTransport) HasReceiveData() bool {
	return m.hasData
}

func (m *mockTransport) RegisterSource(pollInterval time.Duration, cb transport.SourceCallback) {
	m.cb = cb
	m.pollInterval = pollInterval
}

func (m *mockTransport) UnregisterSource() {
	m.cb = nil
}

// feed appends bytes the session will read next.
func (m *mockTransport) feed(b []byte) {
	m.in = append(m.in, b...)
	m.hasData = len(m.in) > 0
}

// mockSink records every framework.Sink call it receives, in order.
type mockSink struct {
	events []string
	logic  []framework.LogicPacket
}

func (s *mockSink) SessionHeader() { s.events = append(s.events, "header") }
func (s *mockSink) Trigger()       { s.events = append(s.events, "trigger") }
func (s *mockSink) SessionEnd()    { s.events = append(s.events, "end") }
func (s *mockSink) Logic(p framework.LogicPacket) {
	s.events = append(s.events, "logic")
	s.logic = append(s.logic, p)
}

func testLogger() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}
