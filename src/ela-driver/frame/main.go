// Package frame implements the ELA wire protocol's frame codec: validation
// of (type, subtype) pairs, per-pair payload schemas, size prediction, and
// encode/decode between a Command value and a byte buffer.
//
// The wire format is big-endian throughout. Rather than a C-style union with
// a discriminant, Command carries one optional payload field per
// (type,subtype) shape; at most one is ever non-nil for a given (Type,
// Subtype) pair, which rules out the class of bug where an active subtype
// and an active payload field disagree.
package frame

import (
	"errors"
	"fmt"

	"github.com/ela-project/driver/src/ela-driver/bytecodec"
	"github.com/ela-project/driver/src/ela-driver/util"
)

// CmdType is the 1-byte command type.
type CmdType uint8

const (
	CmdReset CmdType = iota
	CmdHandshake
	CmdStart
	CmdStop
	CmdSet
	CmdGet
	CmdReport
)

func (t CmdType) String() string {
	switch t {
	case CmdReset:
		return "RESET"
	case CmdHandshake:
		return "HANDSHAKE"
	case CmdStart:
		return "START"
	case CmdStop:
		return "STOP"
	case CmdSet:
		return "SET"
	case CmdGet:
		return "GET"
	case CmdReport:
		return "REPORT"
	default:
		return fmt.Sprintf("CmdType(%d)", uint8(t))
	}
}

// CmdSubtype is the 1-byte command subtype, present only on long commands
// (SET, GET, REPORT). Numbering starts at 1 so that the zero value is never
// a valid subtype.
type CmdSubtype uint8

const (
	SubSamplerate CmdSubtype = iota + 1
	SubSampleCount
	SubPretrigCount
	SubPinMode
	SubMetadata
	SubSampledData
)

func (s CmdSubtype) String() string {
	switch s {
	case SubSamplerate:
		return "SAMPLERATE"
	case SubSampleCount:
		return "SAMPLE_COUNT"
	case SubPretrigCount:
		return "PRETRIG_COUNT"
	case SubPinMode:
		return "PIN_MODE"
	case SubMetadata:
		return "METADATA"
	case SubSampledData:
		return "SAMPLED_DATA"
	default:
		return fmt.Sprintf("CmdSubtype(%d)", uint8(s))
	}
}

// subSharedEnd is the last subtype usable with SET; METADATA and
// SAMPLED_DATA are report-only and SET rejects both.
const subSharedEnd = SubPinMode

// PinMode is the per-channel configuration enum. PinModeInvalid is a
// dedicated sentinel distinct from the legal range 0x01..0x07.
type PinMode uint8

const (
	PinModeInvalid PinMode = 0
)

const (
	PinModeDigitalOff PinMode = iota + 1
	PinModeDigitalOn
	PinModeTriggerHigh
	PinModeTriggerLow
	PinModeTriggerRising
	PinModeTriggerFalling
	PinModeTriggerBoth
)

func (m PinMode) String() string {
	switch m {
	case PinModeInvalid:
		return "INVALID"
	case PinModeDigitalOff:
		return "DIGITAL_OFF"
	case PinModeDigitalOn:
		return "DIGITAL_ON"
	case PinModeTriggerHigh:
		return "TRIGGER_HIGH"
	case PinModeTriggerLow:
		return "TRIGGER_LOW"
	case PinModeTriggerRising:
		return "TRIGGER_RISING"
	case PinModeTriggerFalling:
		return "TRIGGER_FALLING"
	case PinModeTriggerBoth:
		return "TRIGGER_BOTH"
	default:
		return fmt.Sprintf("PinMode(%d)", uint8(m))
	}
}

// HandshakeReply is the literal 7-byte ASCII reply to CMD_HANDSHAKE,
// including the trailing NUL. It is compared as a fixed 7-byte string, NUL
// included, not as a C-string; bytes the device sends after the seventh are
// not part of the comparison.
const HandshakeReply = "ELAPV1\x00"

// PinModePayload is the payload shape shared by SET/REPORT/GET PIN_MODE.
// Mode is unused (zero) for GET, which carries only a pin number.
type PinModePayload struct {
	Number uint16
	Mode   PinMode
}

// MetadataPayload is the REPORT METADATA payload. Name is decoded separately
// by the caller once StrSize is known: the fixed header gives no size ahead
// of time to size a single read against.
type MetadataPayload struct {
	StrSize        uint8
	MaxSamplerate  uint32
	MaxSampleCount uint32
	NumOfPins      uint16
	Name           string
}

// SampledDataPayload is the REPORT SAMPLED_DATA info record. The raw sample
// bytes that follow on the wire are not part of this payload;
// they are read separately once SampledCount is known.
type SampledDataPayload struct {
	SampledCount  uint32
	TriggerIndex  uint32
}

// Command is a decoded or to-be-encoded ELA frame. Exactly one payload field
// is populated, chosen by (Type, Subtype); short commands (RESET, HANDSHAKE,
// START, STOP) and no-payload GETs populate none.
type Command struct {
	Type    CmdType
	Subtype CmdSubtype

	Samplerate   *uint32
	SampleCount  *uint32
	PretrigCount *uint32
	PinMode      *PinModePayload
	Metadata     *MetadataPayload
	SampledData  *SampledDataPayload
}

// ErrInvalidType is returned for a type outside {RESET,HANDSHAKE,START,STOP,
// SET,GET,REPORT}.
var ErrInvalidType = errors.New("frame: invalid command type")

// ErrInvalidSubtype is returned for a subtype rejected by IsValidSubtype.
var ErrInvalidSubtype = errors.New("frame: invalid command subtype")

// ErrTruncated is returned when the buffer does not hold enough bytes for
// the command being encoded or decoded.
var ErrTruncated = bytecodec.ErrOutOfRange

// IsValidType reports whether t is one of the seven defined command types.
func IsValidType(t CmdType) bool {
	return t >= CmdReset && t <= CmdReport
}

// HasSubtype reports whether commands of type t carry a subtype byte.
// Short commands (RESET, HANDSHAKE, START, STOP) do not; long commands
// (SET, GET, REPORT) do.
func HasSubtype(t CmdType) bool {
	return t >= CmdSet && t <= CmdReport
}

// IsValidSubtype reports whether subtype s is legal for command type t. If t
// carries no subtype, s is ignored and true is returned. SET additionally
// rejects METADATA and SAMPLED_DATA: both are report-only.
func IsValidSubtype(t CmdType, s CmdSubtype) bool {
	if !HasSubtype(t) {
		return true
	}
	if s < SubSamplerate || s > SubSampledData {
		return false
	}
	if t == CmdSet && s > subSharedEnd {
		return false
	}
	return true
}

// BytesInCmd returns the payload size in bytes (excluding the type byte and,
// where applicable, the subtype byte) for (t, s). It returns
// ErrInvalidType/ErrInvalidSubtype if the pair is unsupported.
func BytesInCmd(t CmdType, s CmdSubtype) (int, error) {
	if !IsValidType(t) {
		return 0, ErrInvalidType
	}
	if !IsValidSubtype(t, s) {
		return 0, ErrInvalidSubtype
	}

	switch t {
	case CmdReset, CmdHandshake, CmdStart, CmdStop:
		return 0, nil
	case CmdSet, CmdReport:
		switch s {
		case SubSamplerate, SubSampleCount, SubPretrigCount, SubPinMode:
			return 4, nil
		case SubMetadata:
			if t == CmdReport {
				// str_size(1) + max_samplerate(4) + max_sample_count(4) + numof_pins(2)
				return 1 + 4 + 4 + 2, nil
			}
		case SubSampledData:
			if t == CmdReport {
				return 4 + 4, nil
			}
		}
	case CmdGet:
		switch s {
		case SubSamplerate, SubSampleCount, SubPretrigCount, SubMetadata, SubSampledData:
			return 0, nil
		case SubPinMode:
			return 2, nil
		}
	}
	return 0, ErrInvalidSubtype
}

// Encode writes cmd into buf starting at offset and returns the new cursor
// position. It rejects invalid types and invalid (Type, Subtype) pairs
// without touching buf. On any other failure (a missing payload field, a
// buffer too short) the type/subtype bytes and part of the payload may
// already have been written; the caller is expected to discard the buffer
// content along with the error.
func Encode(cmd *Command, buf []byte, offset int) (int, error) {
	if !IsValidType(cmd.Type) {
		return 0, ErrInvalidType
	}
	if !IsValidSubtype(cmd.Type, cmd.Subtype) {
		return 0, ErrInvalidSubtype
	}

	c := &bytecodec.Cursor{Buf: buf, Pos: offset}
	if err := c.WriteUint(uint64(cmd.Type), 1); err != nil {
		return 0, err
	}
	if !HasSubtype(cmd.Type) {
		return c.Pos, nil
	}
	if err := c.WriteUint(uint64(cmd.Subtype), 1); err != nil {
		return 0, err
	}

	switch cmd.Type {
	case CmdSet, CmdReport:
		switch cmd.Subtype {
		case SubSamplerate:
			if err := writeRequired(c, cmd.Samplerate, 4); err != nil {
				return 0, err
			}
		case SubSampleCount:
			if err := writeRequired(c, cmd.SampleCount, 4); err != nil {
				return 0, err
			}
		case SubPretrigCount:
			if err := writeRequired(c, cmd.PretrigCount, 4); err != nil {
				return 0, err
			}
		case SubPinMode:
			if cmd.PinMode == nil {
				return 0, fmt.Errorf("frame: encode %s %s: missing pin mode payload", cmd.Type, cmd.Subtype)
			}
			if err := c.WriteUint(uint64(cmd.PinMode.Number), 2); err != nil {
				return 0, err
			}
			if err := c.WriteUint(uint64(cmd.PinMode.Mode), 2); err != nil {
				return 0, err
			}
		case SubMetadata:
			if cmd.Type != CmdReport {
				return 0, ErrInvalidSubtype
			}
			if err := encodeMetadata(c, cmd.Metadata); err != nil {
				return 0, err
			}
		case SubSampledData:
			if cmd.Type != CmdReport {
				return 0, ErrInvalidSubtype
			}
			if cmd.SampledData == nil {
				return 0, fmt.Errorf("frame: encode %s %s: missing sampled-data payload", cmd.Type, cmd.Subtype)
			}
			if err := c.WriteUint(uint64(cmd.SampledData.SampledCount), 4); err != nil {
				return 0, err
			}
			if err := c.WriteUint(uint64(cmd.SampledData.TriggerIndex), 4); err != nil {
				return 0, err
			}
		}
	case CmdGet:
		if cmd.Subtype == SubPinMode {
			if cmd.PinMode == nil {
				return 0, fmt.Errorf("frame: encode GET PIN_MODE: missing pin number")
			}
			if err := c.WriteUint(uint64(cmd.PinMode.Number), 2); err != nil {
				return 0, err
			}
		}
	}

	return c.Pos, nil
}

func writeRequired(c *bytecodec.Cursor, v *uint32, width int) error {
	if v == nil {
		return errors.New("frame: encode: missing required payload field")
	}
	return c.WriteUint(uint64(*v), width)
}

func encodeMetadata(c *bytecodec.Cursor, md *MetadataPayload) error {
	if md == nil {
		return errors.New("frame: encode REPORT METADATA: missing payload")
	}
	strSize := len(md.Name)
	if strSize > bytecodec.NameMaxLen-1 {
		strSize = bytecodec.NameMaxLen - 1
	}
	if err := c.WriteUint(uint64(strSize), 1); err != nil {
		return err
	}
	if err := c.WriteUint(uint64(md.MaxSamplerate), 4); err != nil {
		return err
	}
	if err := c.WriteUint(uint64(md.MaxSampleCount), 4); err != nil {
		return err
	}
	if err := c.WriteUint(uint64(md.NumOfPins), 2); err != nil {
		return err
	}
	return c.WriteCString(md.Name)
}

// Decode reads a command from buf starting at offset and returns the new
// cursor position. Decoding of a REPORT METADATA frame stops at the end of
// the fixed header; the caller then reads StrSize further name bytes from
// the transport and assigns them to cmd.Metadata.Name.
func Decode(buf []byte, offset int) (*Command, int, error) {
	c := &bytecodec.Cursor{Buf: buf, Pos: offset}

	rawType, err := c.ReadUint(1)
	if err != nil {
		return nil, 0, err
	}
	t := CmdType(rawType)
	if !IsValidType(t) {
		return nil, 0, ErrInvalidType
	}

	cmd := &Command{Type: t}
	if !HasSubtype(t) {
		return cmd, c.Pos, nil
	}

	rawSubtype, err := c.ReadUint(1)
	if err != nil {
		return nil, 0, err
	}
	s := CmdSubtype(rawSubtype)
	if !IsValidSubtype(t, s) {
		return nil, 0, ErrInvalidSubtype
	}
	cmd.Subtype = s

	switch t {
	case CmdSet, CmdReport:
		switch s {
		case SubSamplerate:
			v, err := c.ReadUint(4)
			if err != nil {
				return nil, 0, err
			}
			cmd.Samplerate = util.PointerTo(uint32(v))
		case SubSampleCount:
			v, err := c.ReadUint(4)
			if err != nil {
				return nil, 0, err
			}
			cmd.SampleCount = util.PointerTo(uint32(v))
		case SubPretrigCount:
			v, err := c.ReadUint(4)
			if err != nil {
				return nil, 0, err
			}
			cmd.PretrigCount = util.PointerTo(uint32(v))
		case SubPinMode:
			number, err := c.ReadUint(2)
			if err != nil {
				return nil, 0, err
			}
			mode, err := c.ReadUint(2)
			if err != nil {
				return nil, 0, err
			}
			cmd.PinMode = &PinModePayload{Number: uint16(number), Mode: PinMode(mode)}
		case SubMetadata:
			if t != CmdReport {
				return nil, 0, ErrInvalidSubtype
			}
			md, err := decodeMetadataHeader(c)
			if err != nil {
				return nil, 0, err
			}
			cmd.Metadata = md
		case SubSampledData:
			if t != CmdReport {
				return nil, 0, ErrInvalidSubtype
			}
			sampled, err := c.ReadUint(4)
			if err != nil {
				return nil, 0, err
			}
			trigger, err := c.ReadUint(4)
			if err != nil {
				return nil, 0, err
			}
			cmd.SampledData = &SampledDataPayload{SampledCount: uint32(sampled), TriggerIndex: uint32(trigger)}
		}
	case CmdGet:
		if s == SubPinMode {
			number, err := c.ReadUint(2)
			if err != nil {
				return nil, 0, err
			}
			cmd.PinMode = &PinModePayload{Number: uint16(number)}
		}
		// Any other GET subtype carries no payload: only Type/Subtype are stored.
	}

	return cmd, c.Pos, nil
}

func decodeMetadataHeader(c *bytecodec.Cursor) (*MetadataPayload, error) {
	strSize, err := c.ReadUint(1)
	if err != nil {
		return nil, err
	}
	maxSamplerate, err := c.ReadUint(4)
	if err != nil {
		return nil, err
	}
	maxSampleCount, err := c.ReadUint(4)
	if err != nil {
		return nil, err
	}
	numOfPins, err := c.ReadUint(2)
	if err != nil {
		return nil, err
	}
	return &MetadataPayload{
		StrSize:        uint8(strSize),
		MaxSamplerate:  uint32(maxSamplerate),
		MaxSampleCount: uint32(maxSampleCount),
		NumOfPins:      uint16(numOfPins),
	}, nil
}

