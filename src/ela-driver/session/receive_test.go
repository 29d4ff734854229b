package session

import (
	"testing"

	"github.com/ela-project/driver/src/ela-driver/frame"
	"github.com/ela-project/driver/src/ela-driver/transport"
)

func sampledDataInfo(t *testing.T, count, triggerIndex uint32) []byte {
	t.Helper()
	cmd := &frame.Command{
		Type:    frame.CmdReport,
		Subtype: frame.SubSampledData,
		SampledData: &frame.SampledDataPayload{
			SampledCount: count,
			TriggerIndex: triggerIndex,
		},
	}
	buf := make([]byte, 16)
	n, err := frame.Encode(cmd, buf, 0)
	if err != nil {
		t.Fatalf("encode SAMPLED_DATA info: %v", err)
	}
	return buf[:n]
}

// driveReceive feeds one byte at a time through onReceiveEvent, as the real
// poll loop would, until the state machine returns false (acquisition
// finished or aborted).
func driveReceive(t *testing.T, s *Session, mt *mockTransport, data []byte) {
	t.Helper()
	info := sampledDataInfo(t, uint32(len(data)), 0)
	mt.feed(append(append([]byte{}, info...), data...))

	for {
		more := s.onReceiveEvent(transport.EventIn)
		if !more {
			return
		}
	}
}

func TestReceiveMachineNoTriggers(t *testing.T) {
	mt := &mockTransport{}
	sink := &mockSink{}
	s := New(testLogger(), mt, sink)
	s.cfg = transport.Config{BaudRate: 115200}
	s.numOfTriggers = 0
	s.recv = receiveMachine{state: stateWaiting}

	driveReceive(t, s, mt, []byte{0x01, 0x02, 0x03, 0x04})

	if got, want := sink.events, []string{"logic", "end"}; !equalStrings(got, want) {
		t.Fatalf("sink events = %v, want %v", got, want)
	}
	if len(sink.logic) != 1 || string(sink.logic[0].Data) != string([]byte{0x01, 0x02, 0x03, 0x04}) {
		t.Fatalf("unexpected logic packet: %+v", sink.logic)
	}
	if s.recv.state != stateIdle {
		t.Fatalf("recv state = %v, want stateIdle", s.recv.state)
	}
}

func TestReceiveMachineWithTrigger(t *testing.T) {
	mt := &mockTransport{}
	sink := &mockSink{}
	s := New(testLogger(), mt, sink)
	s.cfg = transport.Config{BaudRate: 115200}
	s.numOfTriggers = 1
	s.recv = receiveMachine{state: stateWaiting}

	data := []byte{0x10, 0x20, 0x30, 0x40, 0x50}
	info := sampledDataInfo(t, uint32(len(data)), 2)
	mt.feed(append(append([]byte{}, info...), data...))

	for s.onReceiveEvent(transport.EventIn) {
	}

	want := []string{"logic", "trigger", "logic", "end"}
	if !equalStrings(sink.events, want) {
		t.Fatalf("sink events = %v, want %v", sink.events, want)
	}
	if string(sink.logic[0].Data) != string(data[0:2]) {
		t.Fatalf("pre-trigger packet = %v, want %v", sink.logic[0].Data, data[0:2])
	}
	if string(sink.logic[1].Data) != string(data[2:5]) {
		t.Fatalf("post-trigger packet = %v, want %v", sink.logic[1].Data, data[2:5])
	}
}

func TestReceiveMachineTimeoutInWaitingIsIgnored(t *testing.T) {
	mt := &mockTransport{}
	sink := &mockSink{}
	s := New(testLogger(), mt, sink)
	s.recv = receiveMachine{state: stateWaiting}

	if !s.onReceiveEvent(transport.EventNone) {
		t.Fatalf("handleWaitingLocked should stay installed on EventNone")
	}
	if s.recv.state != stateWaiting {
		t.Fatalf("recv state = %v, want stateWaiting", s.recv.state)
	}
	if len(sink.events) != 0 {
		t.Fatalf("sink should see no events while waiting, got %v", sink.events)
	}
}

func TestReceiveMachineTimeoutInReceivingInfoAborts(t *testing.T) {
	mt := &mockTransport{}
	sink := &mockSink{}
	s := New(testLogger(), mt, sink)
	s.recv = receiveMachine{state: stateReceivingInfo, infoBuf: []byte{0x06}}

	if s.onReceiveEvent(transport.EventNone) {
		t.Fatalf("handleReceivingInfoLocked should abort (return false) on timeout")
	}
	if s.recv.state != stateIdle {
		t.Fatalf("recv state = %v, want stateIdle after abort", s.recv.state)
	}
	if got, want := sink.events, []string{"end"}; !equalStrings(got, want) {
		t.Fatalf("sink events = %v, want %v", got, want)
	}
}

func TestReceiveMachineInvalidInfoFrameAborts(t *testing.T) {
	mt := &mockTransport{}
	sink := &mockSink{}
	s := New(testLogger(), mt, sink)
	s.recv = receiveMachine{state: stateWaiting}

	// A REPORT SAMPLERATE frame is well-formed but not the SAMPLED_DATA info
	// the state machine expects here; pad to sampledInfoSize so the state
	// machine actually reaches the decode-and-check step instead of running
	// out of bytes first.
	cmd := &frame.Command{Type: frame.CmdReport, Subtype: frame.SubSamplerate, Samplerate: u32ptrTest(123)}
	buf := make([]byte, sampledInfoSize)
	if _, err := frame.Encode(cmd, buf, 0); err != nil {
		t.Fatalf("encode: %v", err)
	}
	mt.feed(buf[:sampledInfoSize])

	for s.onReceiveEvent(transport.EventIn) {
	}

	if s.recv.state != stateIdle {
		t.Fatalf("recv state = %v, want stateIdle after abort", s.recv.state)
	}
	if got, want := sink.events, []string{"end"}; !equalStrings(got, want) {
		t.Fatalf("sink events = %v, want %v", got, want)
	}
}

func u32ptrTest(v uint32) *uint32 { return &v }

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
