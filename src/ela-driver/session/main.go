// Package session implements the ELA session controller: discovery
// handshake, metadata query, configuration push, start/stop, and the
// receive state machine that assembles SAMPLED_DATA reports and forwards
// them to the host framework. The core is single-threaded cooperative: one
// Session owns one Transport between Open and Close, and the mutex below
// only guards the receive state against a concurrent Stop call racing the
// poll goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ela-project/driver/src/ela-driver/frame"
	"github.com/ela-project/driver/src/ela-driver/framework"
	"github.com/ela-project/driver/src/ela-driver/transport"
)

// Defaults and invariant bounds.
const (
	DefaultSampleRate    uint32 = 200_000
	DefaultSampleCount   uint32 = 5000
	DefaultCaptureRatio  uint32 = 10
	MinNumSamples        uint32 = 10
	MinSampleRate        uint32 = 100
	MaxNumberOfInputs           = 16
	ResponseDelay               = 20 * time.Millisecond
	pollInterval                = 100 * time.Millisecond
)

// ChannelNames are the PCB silkscreen labels D0..D31; a device only ever
// uses as many as its metadata reports (NumOfPins), bounded by
// MaxNumberOfInputs.
var ChannelNames = makeChannelNames(32)

func makeChannelNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("D%d", i)
	}
	return names
}

// Sentinel errors distinguishing the kinds of failure a caller needs to
// react to differently: a bad argument, a protocol violation from the
// device, a transport I/O failure, a timeout, or a resource limit.
var (
	ErrArgument    = errors.New("session: argument error")
	ErrProtocol    = errors.New("session: protocol error")
	ErrTransport   = errors.New("session: transport error")
	ErrTimeout     = errors.New("session: timeout")
	ErrResource    = errors.New("session: resource error")
	ErrNotApplicable = errors.New("session: not applicable")

	// ErrNoDevice is returned by Discover when the probe sequence does not
	// find a device on the port; this is not a hard failure, just an
	// abandoned probe.
	ErrNoDevice = errors.New("session: no ELA device found")
)

// Session is one device's worth of driver-owned state.
type Session struct {
	log       *logrus.Entry
	transport transport.Transport
	sink      framework.Sink

	cfg transport.Config

	maxChannels    uint16
	maxSamples     uint32
	maxSamplerate  uint32

	curSamplerate uint32
	limitSamples  uint32
	captureRatio  uint32
	pinModes      []frame.PinMode
	numOfTriggers int

	mu    sync.Mutex
	recv  receiveMachine
}

// New returns a Session with the given transport and host-framework sink.
// sink may be nil for discovery-only use.
func New(log *logrus.Entry, t transport.Transport, sink framework.Sink) *Session {
	return &Session{
		log:           log,
		transport:     t,
		sink:          sink,
		curSamplerate: DefaultSampleRate,
		limitSamples:  DefaultSampleCount,
		captureRatio:  DefaultCaptureRatio,
	}
}

// Discover runs the discovery handshake: opens the port, sends RESET five
// times, sends HANDSHAKE, and on a matching reply queries METADATA. It
// always closes the port before returning, successful or not.
// ErrNoDevice means the probe found nothing at this port, not a hard error.
func (s *Session) Discover(ctx context.Context, cfg transport.Config) (*framework.DeviceMetadata, error) {
	if err := s.transport.Open(ctx, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer s.transport.Close()

	s.log.WithField("port", cfg.Port).Info("Probing for ELA device.")

	if err := s.sendReset5(cfg.BaudRate); err != nil {
		return nil, err
	}
	if err := s.sendShort(frame.CmdHandshake, cfg.BaudRate); err != nil {
		return nil, err
	}

	time.Sleep(ResponseDelay)

	if !s.transport.HasReceiveData() {
		s.log.Debug("No reply to handshake, abandoning probe.")
		return nil, ErrNoDevice
	}

	reply := make([]byte, len(frame.HandshakeReply))
	if _, err := s.transport.ReadExact(reply, transport.Timeout(len(reply), cfg.BaudRate)); err != nil {
		s.log.WithError(err).Debug("Failed to read handshake reply.")
		return nil, ErrNoDevice
	}
	if string(reply) != frame.HandshakeReply {
		s.log.WithField("reply", reply).Debug("Handshake reply did not match, abandoning probe.")
		return nil, ErrNoDevice
	}

	if err := s.sendCmd(&frame.Command{Type: frame.CmdGet, Subtype: frame.SubMetadata}, cfg.BaudRate); err != nil {
		return nil, err
	}
	time.Sleep(ResponseDelay)

	md, err := s.readMetadata(cfg.BaudRate)
	if err != nil {
		return nil, err
	}

	s.maxChannels = md.NumOfPins
	if s.maxChannels > MaxNumberOfInputs {
		s.maxChannels = MaxNumberOfInputs
	}
	s.maxSamples = md.MaxSampleCount
	s.maxSamplerate = md.MaxSampleRate
	s.pinModes = make([]frame.PinMode, s.maxChannels)
	for i := range s.pinModes {
		s.pinModes[i] = frame.PinModeDigitalOn
	}

	s.log.WithFields(logrus.Fields{
		"name":          md.Name,
		"maxSampleRate": md.MaxSampleRate,
		"maxSamples":    md.MaxSampleCount,
		"pins":          md.NumOfPins,
	}).Info("Found ELA device.")

	return md, nil
}

func (s *Session) readMetadata(baud int) (*framework.DeviceMetadata, error) {
	const headerSize = 1 + 1 + 1 + 4 + 4 + 2 // type+subtype+str_size+max_sr+max_sc+pins
	buf := make([]byte, headerSize)
	if _, err := s.transport.ReadExact(buf, transport.Timeout(headerSize, baud)); err != nil {
		return nil, fmt.Errorf("%w: reading metadata header: %v", ErrTimeout, err)
	}

	cmd, _, err := frame.Decode(buf, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding metadata: %v", ErrProtocol, err)
	}
	if cmd.Type != frame.CmdReport || cmd.Subtype != frame.SubMetadata {
		return nil, fmt.Errorf("%w: expected REPORT METADATA, got %s %s", ErrProtocol, cmd.Type, cmd.Subtype)
	}

	name := make([]byte, cmd.Metadata.StrSize)
	if cmd.Metadata.StrSize > 0 {
		if _, err := s.transport.ReadExact(name, transport.Timeout(int(cmd.Metadata.StrSize), baud)); err != nil {
			return nil, fmt.Errorf("%w: reading device name: %v", ErrTimeout, err)
		}
	}
	return &framework.DeviceMetadata{
		Name:           string(name),
		MaxSampleRate:  cmd.Metadata.MaxSamplerate,
		MaxSampleCount: cmd.Metadata.MaxSampleCount,
		NumOfPins:      cmd.Metadata.NumOfPins,
	}, nil
}

// Open takes exclusive ownership of the serial port for an acquisition: no
// other caller may use cfg's port until Close.
func (s *Session) Open(ctx context.Context, cfg transport.Config) error {
	s.cfg = cfg
	if err := s.transport.Open(ctx, cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// Close releases the serial port.
func (s *Session) Close() error {
	if err := s.transport.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// SetSampleRate validates and sets cur_samplerate (config_set SAMPLERATE).
func (s *Session) SetSampleRate(hz uint32) error {
	if hz < MinSampleRate || (s.maxSamplerate != 0 && hz > s.maxSamplerate) {
		return fmt.Errorf("%w: samplerate %d out of range [%d,%d]", ErrArgument, hz, MinSampleRate, s.maxSamplerate)
	}
	s.curSamplerate = hz
	return nil
}

// SetLimitSamples validates and sets limit_samples (config_set LIMIT_SAMPLES).
func (s *Session) SetLimitSamples(n uint32) error {
	if n < MinNumSamples || (s.maxSamples != 0 && n > s.maxSamples) {
		return fmt.Errorf("%w: limit_samples %d out of range [%d,%d]", ErrArgument, n, MinNumSamples, s.maxSamples)
	}
	s.limitSamples = n
	return nil
}

// SetCaptureRatio validates and sets capture_ratio (config_set CAPTURE_RATIO).
func (s *Session) SetCaptureRatio(ratio uint32) error {
	if ratio > 100 {
		return fmt.Errorf("%w: capture_ratio %d out of range [0,100]", ErrArgument, ratio)
	}
	s.captureRatio = ratio
	return nil
}

// SampleRate, LimitSamples, CaptureRatio are config_get accessors.
func (s *Session) SampleRate() uint32   { return s.curSamplerate }
func (s *Session) LimitSamples() uint32 { return s.limitSamples }
func (s *Session) CaptureRatio() uint32 { return s.captureRatio }

// Options reports the configuration surface a UI can offer: the legal
// sample rates and trigger match kinds, and the current device's bounds.
func (s *Session) Options() framework.Options {
	return framework.Options{
		SampleRates: framework.SampleRateList,
		TriggerMatches: []framework.TriggerMatchKind{
			framework.TriggerMatchRising,
			framework.TriggerMatchFalling,
			framework.TriggerMatchEdge,
		},
		MinNumSamples: MinNumSamples,
		MaxNumSamples: s.maxSamples,
		MinSampleRate: MinSampleRate,
		MaxSampleRate: s.maxSamplerate,
	}
}

// pretrigCount computes floor(limit_samples * capture_ratio / 100).
func pretrigCount(limitSamples, captureRatio uint32) uint32 {
	return uint32((uint64(limitSamples) * uint64(captureRatio)) / 100)
}

// StartAcquisition pushes configuration, derives pin modes from trig, sends
// START, and installs the receive callback. At most one acquisition per
// Session may be in flight at a time.
func (s *Session) StartAcquisition(ctx context.Context, trig framework.TriggerDescription) error {
	s.mu.Lock()
	if s.recv.state != stateIdle {
		s.mu.Unlock()
		return fmt.Errorf("%w: acquisition already in flight", ErrArgument)
	}
	s.mu.Unlock()

	pretrig := pretrigCount(s.limitSamples, s.captureRatio)

	pinModes, numOfTriggers := convertPinModes(int(s.maxChannels), trig)
	s.pinModes = pinModes
	s.numOfTriggers = numOfTriggers

	samplerate := s.curSamplerate
	limitSamples := s.limitSamples

	if err := s.sendCmd(&frame.Command{Type: frame.CmdSet, Subtype: frame.SubSamplerate, Samplerate: &samplerate}, s.cfg.BaudRate); err != nil {
		return err
	}
	if err := s.sendCmd(&frame.Command{Type: frame.CmdSet, Subtype: frame.SubSampleCount, SampleCount: &limitSamples}, s.cfg.BaudRate); err != nil {
		return err
	}
	if err := s.sendCmd(&frame.Command{Type: frame.CmdSet, Subtype: frame.SubPretrigCount, PretrigCount: &pretrig}, s.cfg.BaudRate); err != nil {
		return err
	}
	for i := 0; i < int(s.maxChannels); i++ {
		cmd := &frame.Command{
			Type:    frame.CmdSet,
			Subtype: frame.SubPinMode,
			PinMode: &frame.PinModePayload{Number: uint16(i), Mode: s.pinModes[i]},
		}
		if err := s.sendCmd(cmd, s.cfg.BaudRate); err != nil {
			return err
		}
	}

	if err := s.sendShort(frame.CmdStart, s.cfg.BaudRate); err != nil {
		return err
	}

	if s.sink != nil {
		s.sink.SessionHeader()
	}

	s.mu.Lock()
	s.recv = receiveMachine{state: stateWaiting}
	s.mu.Unlock()

	s.transport.RegisterSource(pollInterval, s.onReceiveEvent)

	return nil
}

// StopAcquisition sends STOP best-effort and aborts the in-flight receive
// state machine, freeing its buffer and emitting an end-of-stream marker.
func (s *Session) StopAcquisition() {
	_ = s.sendShort(frame.CmdStop, s.cfg.BaudRate) // best-effort: errors are swallowed
	s.abort("stopped by user")
}

func (s *Session) sendReset5(baud int) error {
	for i := 0; i < 5; i++ {
		if err := s.sendShort(frame.CmdReset, baud); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) sendShort(t frame.CmdType, baud int) error {
	return s.sendCmd(&frame.Command{Type: t}, baud)
}

func (s *Session) sendCmd(cmd *frame.Command, baud int) error {
	buf := make([]byte, 32)
	n, err := frame.Encode(cmd, buf, 0)
	if err != nil {
		return fmt.Errorf("%w: encoding %s %s: %v", ErrProtocol, cmd.Type, cmd.Subtype, err)
	}
	s.log.WithField("type", cmd.Type).WithField("subtype", cmd.Subtype).Debug("Sending command.")
	if _, err := s.transport.WriteAll(buf[:n], transport.Timeout(n, baud)); err != nil {
		return fmt.Errorf("%w: writing %s %s: %v", ErrTransport, cmd.Type, cmd.Subtype, err)
	}
	if err := s.transport.Drain(); err != nil {
		return fmt.Errorf("%w: draining after %s %s: %v", ErrTransport, cmd.Type, cmd.Subtype, err)
	}
	return nil
}
