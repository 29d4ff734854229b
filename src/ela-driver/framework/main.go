// Package framework describes, at interface granularity only, the
// surrounding signal-acquisition framework that the session controller
// collaborates with. Nothing in this package performs I/O; it is the seam
// between the ELA protocol core and whatever host application embeds it —
// a sigrok-style scan/config_get/config_set/config_list/
// dev_acquisition_start/dev_acquisition_stop contract.
package framework

// DriverInfo carries the descriptive metadata a host framework expects from
// a registered driver object (api.c's ela_driver_info).
type DriverInfo struct {
	Name     string
	LongName string
}

// Info is the driver identity this repository registers.
var Info = DriverInfo{
	Name:     "ela",
	LongName: "Embedded logic analyzer",
}

// TriggerMatchKind is the match condition a host framework trigger stage can
// request for a channel.
type TriggerMatchKind int

const (
	// TriggerMatchNone means the channel participates in no trigger stage.
	TriggerMatchNone TriggerMatchKind = iota
	TriggerMatchEdge
	TriggerMatchRising
	TriggerMatchFalling
)

// ChannelTrigger is one channel's entry in the host framework's trigger
// description: whether the channel is enabled at all, and if so, which
// match condition (if any) it contributes to the trigger.
type ChannelTrigger struct {
	Channel int
	Enabled bool
	Match   TriggerMatchKind
}

// TriggerDescription is the full per-channel trigger configuration the host
// framework hands to the session controller ahead of an acquisition start.
// Channels not present default to enabled with no match.
type TriggerDescription struct {
	Channels []ChannelTrigger
}

// SampleRateList is a read-only ladder of supported sample rates, offered
// through config_list.
var SampleRateList = []uint64{
	100, 200, 500,
	1_000, 2_000, 5_000, 10_000, 20_000, 50_000, 100_000, 200_000, 500_000,
	1_000_000, 2_000_000, 4_000_000, 6_000_000, 9_000_000, 12_000_000,
}

// Options is the config_list surface: everything a host framework can
// enumerate about a connected device ahead of configuring it.
type Options struct {
	SampleRates      []uint64
	TriggerMatches   []TriggerMatchKind
	MinNumSamples    uint32
	MaxNumSamples    uint32
	MinSampleRate    uint32
	MaxSampleRate    uint32
}

// LogicPacket is one contiguous run of captured samples. UnitSize is always
// 1 (one byte per sample, bit i of the byte is the level of channel i).
type LogicPacket struct {
	Data     []byte
	UnitSize int
}

// Sink is what the session controller produces into: a session header
// marker, zero or more LOGIC packets, an optional TRIGGER marker positioned
// at the trigger sample, and a session end marker.
type Sink interface {
	SessionHeader()
	Logic(packet LogicPacket)
	Trigger()
	SessionEnd()
}

// DeviceMetadata is what discovery learns about a newly found device.
type DeviceMetadata struct {
	Name           string
	MaxSampleRate  uint32
	MaxSampleCount uint32
	NumOfPins      uint16
}
