package session

import (
	"github.com/ela-project/driver/src/ela-driver/frame"
	"github.com/ela-project/driver/src/ela-driver/framework"
	"github.com/ela-project/driver/src/ela-driver/transport"
)

// recvState is the receive state machine's state.
type recvState int

const (
	// stateIdle means no acquisition is in flight; it exists alongside the
	// wire protocol's four states so StartAcquisition can reject a second
	// concurrent start.
	stateIdle recvState = iota
	stateWaiting
	stateReceivingInfo
	stateReceivingData
	stateFinish
)

// sampledInfoSize is ELAP_SAMPLED_INFO_SIZE: type(1) + subtype(1) +
// sampled_count(4) + trigger_index(4).
const sampledInfoSize = 1 + 1 + 4 + 4

// receiveMachine holds the per-state data of the receive state machine: the
// info buffer while gathering the SAMPLED_DATA header, and the owned sample
// buffer while gathering its payload. The buffer cannot outlive an aborted
// RECEIVING_DATA because it is never reachable outside this struct.
type receiveMachine struct {
	state recvState

	infoBuf []byte

	rawSampleBuf       []byte
	bytesReceived      int
	numOfSampleData    uint32
	triggerSampleIndex uint32
}

// onReceiveEvent is the callback installed with transport.RegisterSource. It
// is invoked by the host event loop with the ready-events mask and returns
// true to remain installed, false to be removed.
func (s *Session) onReceiveEvent(events transport.ReadyMask) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.recv.state {
	case stateWaiting:
		return s.handleWaitingLocked(events)
	case stateReceivingInfo:
		return s.handleReceivingInfoLocked(events)
	case stateReceivingData:
		return s.handleReceivingDataLocked(events)
	default:
		return false
	}
}

func (s *Session) handleWaitingLocked(events transport.ReadyMask) bool {
	if events == transport.EventNone {
		return true
	}
	if events&transport.EventIn == 0 {
		return true
	}

	var b [1]byte
	n, err := s.transport.ReadNonblocking(b[:])
	if err != nil || n != 1 {
		s.log.WithError(err).Debug("Error receiving SAMPLED_DATA info byte.")
		s.abortLocked("read error entering RECEIVING_INFO")
		return false
	}

	s.recv.infoBuf = make([]byte, 0, sampledInfoSize)
	s.recv.infoBuf = append(s.recv.infoBuf, b[0])
	s.recv.state = stateReceivingInfo
	return true
}

func (s *Session) handleReceivingInfoLocked(events transport.ReadyMask) bool {
	if events&transport.EventIn == 0 {
		s.log.Debug("Timeout in RECEIVING_INFO.")
		s.abortLocked("timeout in RECEIVING_INFO")
		return false
	}

	var b [1]byte
	n, err := s.transport.ReadNonblocking(b[:])
	if err != nil || n != 1 {
		s.log.WithError(err).Debug("Error receiving SAMPLED_DATA info byte.")
		s.abortLocked("read error in RECEIVING_INFO")
		return false
	}
	s.recv.infoBuf = append(s.recv.infoBuf, b[0])

	if len(s.recv.infoBuf) < sampledInfoSize {
		return true
	}

	cmd, _, err := frame.Decode(s.recv.infoBuf, 0)
	// Either condition alone is enough to reject the frame: a decode error
	// with no type/subtype mismatch, or a mismatch that somehow decoded
	// cleanly, are both an invalid SAMPLED_DATA info frame.
	if err != nil || cmd.Type != frame.CmdReport || cmd.Subtype != frame.SubSampledData {
		s.log.WithError(err).Debug("Invalid SAMPLED_DATA info frame.")
		s.abortLocked("invalid SAMPLED_DATA info frame")
		return false
	}

	s.recv.numOfSampleData = cmd.SampledData.SampledCount
	s.recv.triggerSampleIndex = cmd.SampledData.TriggerIndex
	s.recv.rawSampleBuf = make([]byte, s.recv.numOfSampleData)
	s.recv.bytesReceived = 0
	s.recv.state = stateReceivingData

	s.log.WithField("count", s.recv.numOfSampleData).WithField("triggerIndex", s.recv.triggerSampleIndex).
		Debug("Received SAMPLED_DATA info.")

	return true
}

func (s *Session) handleReceivingDataLocked(events transport.ReadyMask) bool {
	if events&transport.EventIn == 0 {
		s.log.Debug("Timeout in RECEIVING_DATA.")
		s.recv.rawSampleBuf = nil
		s.abortLocked("timeout in RECEIVING_DATA")
		return false
	}

	var b [1]byte
	timeout := transport.Timeout(1, s.cfg.BaudRate)
	n, err := s.transport.ReadExact(b[:], timeout)
	if err != nil || n != 1 {
		s.log.WithError(err).WithField("index", s.recv.bytesReceived).Debug("Error receiving sample byte.")
		s.recv.rawSampleBuf = nil
		s.abortLocked("read error in RECEIVING_DATA")
		return false
	}

	s.recv.rawSampleBuf[s.recv.bytesReceived] = b[0]
	s.recv.bytesReceived++

	if s.recv.bytesReceived < int(s.recv.numOfSampleData) {
		return true
	}

	s.recv.state = stateFinish
	s.finishLocked()
	return false
}

// finishLocked emits the captured samples to the host framework, flushes
// the port, and sends the end-of-stream marker.
func (s *Session) finishLocked() {
	raw := s.recv.rawSampleBuf
	n := int(s.recv.numOfSampleData)
	t := int(s.recv.triggerSampleIndex)
	k := s.numOfTriggers

	if s.sink != nil {
		if k > 0 {
			if t > 0 {
				s.sink.Logic(framework.LogicPacket{Data: raw[0:t], UnitSize: 1})
			}
			s.sink.Trigger()
			if n > t {
				s.sink.Logic(framework.LogicPacket{Data: raw[t:n], UnitSize: 1})
			}
		} else {
			s.sink.Logic(framework.LogicPacket{Data: raw[0:n], UnitSize: 1})
		}
	}

	_ = s.transport.Flush()

	if s.sink != nil {
		s.sink.SessionEnd()
	}

	s.recv = receiveMachine{state: stateIdle}
}

// abortLocked frees the sample buffer, unregisters the serial source, and
// emits an end-of-stream marker so the host sees a clean close.
func (s *Session) abortLocked(reason string) {
	s.log.WithField("reason", reason).Debug("Aborting acquisition.")
	s.recv = receiveMachine{state: stateIdle}
	s.transport.UnregisterSource()
	if s.sink != nil {
		s.sink.SessionEnd()
	}
}

// abort is the externally-callable form used by StopAcquisition.
func (s *Session) abort(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortLocked(reason)
}
