package frame

import (
	"bytes"
	"testing"
)

func u32(v uint32) *uint32 { return &v }

func TestBytesInCmdTable(t *testing.T) {
	cases := []struct {
		t    CmdType
		s    CmdSubtype
		want int
	}{
		{CmdReset, 0, 0},
		{CmdHandshake, 0, 0},
		{CmdStart, 0, 0},
		{CmdStop, 0, 0},
		{CmdSet, SubSamplerate, 4},
		{CmdSet, SubSampleCount, 4},
		{CmdSet, SubPretrigCount, 4},
		{CmdSet, SubPinMode, 4},
		{CmdReport, SubSamplerate, 4},
		{CmdReport, SubMetadata, 11},
		{CmdReport, SubSampledData, 8},
		{CmdGet, SubSamplerate, 0},
		{CmdGet, SubMetadata, 0},
		{CmdGet, SubSampledData, 0},
		{CmdGet, SubPinMode, 2},
	}
	for _, tc := range cases {
		got, err := BytesInCmd(tc.t, tc.s)
		if err != nil {
			t.Errorf("BytesInCmd(%s,%s): unexpected error %v", tc.t, tc.s, err)
			continue
		}
		if got != tc.want {
			t.Errorf("BytesInCmd(%s,%s) = %d, want %d", tc.t, tc.s, got, tc.want)
		}
	}
}

func TestBytesInCmdRejectsInvalidPairs(t *testing.T) {
	invalid := []struct {
		t CmdType
		s CmdSubtype
	}{
		{CmdSet, SubMetadata},
		{CmdSet, SubSampledData},
		{CmdType(99), 0},
		{CmdSet, CmdSubtype(99)},
	}
	for _, tc := range invalid {
		if _, err := BytesInCmd(tc.t, tc.s); err == nil {
			t.Errorf("BytesInCmd(%v,%v): expected error, got nil", tc.t, tc.s)
		}
	}
}

func TestEncodeRejectsInvalidPairs(t *testing.T) {
	buf := make([]byte, 16)

	cmd := &Command{Type: CmdSet, Subtype: SubMetadata}
	if _, err := Encode(cmd, buf, 0); err == nil {
		t.Fatal("expected SET METADATA to fail")
	}
	for _, b := range buf {
		if b != 0 {
			t.Fatal("buffer must be untouched on encode failure")
		}
	}

	cmd = &Command{Type: CmdSet, Subtype: SubSampledData}
	if _, err := Encode(cmd, buf, 0); err == nil {
		t.Fatal("expected SET SAMPLED_DATA to fail")
	}

	cmd = &Command{Type: CmdType(200)}
	if _, err := Encode(cmd, buf, 0); err == nil {
		t.Fatal("expected unknown type to fail")
	}

	cmd = &Command{Type: CmdSet, Subtype: CmdSubtype(200)}
	if _, err := Encode(cmd, buf, 0); err == nil {
		t.Fatal("expected unknown subtype to fail")
	}
}

func TestCodecRoundTrip(t *testing.T) {
	cases := []*Command{
		{Type: CmdReset},
		{Type: CmdHandshake},
		{Type: CmdStart},
		{Type: CmdStop},
		{Type: CmdSet, Subtype: SubSamplerate, Samplerate: u32(1000)},
		{Type: CmdSet, Subtype: SubSampleCount, SampleCount: u32(5000)},
		{Type: CmdSet, Subtype: SubPretrigCount, PretrigCount: u32(500)},
		{Type: CmdSet, Subtype: SubPinMode, PinMode: &PinModePayload{Number: 3, Mode: PinModeTriggerRising}},
		{Type: CmdGet, Subtype: SubSamplerate},
		{Type: CmdGet, Subtype: SubPinMode, PinMode: &PinModePayload{Number: 7}},
		{Type: CmdReport, Subtype: SubSampledData, SampledData: &SampledDataPayload{SampledCount: 4, TriggerIndex: 2}},
	}

	for _, cmd := range cases {
		buf := make([]byte, 32)
		end, err := Encode(cmd, buf, 0)
		if err != nil {
			t.Fatalf("Encode(%v): %v", cmd, err)
		}

		decoded, decodedEnd, err := Decode(buf, 0)
		if err != nil {
			t.Fatalf("Decode after encoding %v: %v", cmd, err)
		}
		if decodedEnd != end {
			t.Fatalf("cursor mismatch: encode ended at %d, decode at %d", end, decodedEnd)
		}
		if decoded.Type != cmd.Type || decoded.Subtype != cmd.Subtype {
			t.Fatalf("type/subtype mismatch: got (%v,%v), want (%v,%v)", decoded.Type, decoded.Subtype, cmd.Type, cmd.Subtype)
		}
	}
}

func TestMetadataRoundTripStopsAtFixedHeader(t *testing.T) {
	cmd := &Command{
		Type:    CmdReport,
		Subtype: SubMetadata,
		Metadata: &MetadataPayload{
			MaxSamplerate:  1000,
			MaxSampleCount: 5000,
			NumOfPins:      8,
			Name:           "dev",
		},
	}
	buf := make([]byte, 32)
	end, err := Encode(cmd, buf, 0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// type(1) + subtype(1) + str_size(1) + max_sr(4) + max_sc(4) + pins(2) + "dev\0"(4)
	if end != 2+11+4 {
		t.Fatalf("encoded length = %d, want %d", end, 2+11+4)
	}

	decoded, fixedEnd, err := Decode(buf, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	// Decode stops at the end of the fixed 11-byte metadata header.
	if fixedEnd != 2+11 {
		t.Fatalf("decode stopped at %d, want %d (fixed header only)", fixedEnd, 2+11)
	}
	if decoded.Metadata.StrSize != 3 {
		t.Fatalf("str_size = %d, want 3", decoded.Metadata.StrSize)
	}
	if decoded.Metadata.MaxSamplerate != 1000 || decoded.Metadata.MaxSampleCount != 5000 || decoded.Metadata.NumOfPins != 8 {
		t.Fatalf("metadata header fields wrong: %+v", decoded.Metadata)
	}
}

// TestDecodeMetadataWireExample checks a worked REPORT METADATA frame
// decodes its fixed header and stops exactly where the name bytes begin.
func TestDecodeMetadataWireExample(t *testing.T) {
	buf := []byte{0x06, 0x05, 0x04, 0x00, 0x00, 0x03, 0xE8, 0x00, 0x00, 0x13, 0x88, 0x00, 0x08, 0x64, 0x65, 0x76, 0x00}
	cmd, end, err := Decode(buf, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cmd.Type != CmdReport || cmd.Subtype != SubMetadata {
		t.Fatalf("type/subtype = (%v,%v), want (REPORT,METADATA)", cmd.Type, cmd.Subtype)
	}
	if end != 13 {
		t.Fatalf("fixed header ends at %d, want 13", end)
	}
	md := cmd.Metadata
	if md.StrSize != 4 || md.MaxSamplerate != 1000 || md.MaxSampleCount != 5000 || md.NumOfPins != 8 {
		t.Fatalf("metadata = %+v, want str_size=4 max_sr=1000 max_sc=5000 pins=8", md)
	}
	name, err := bufCString(buf, end, int(md.StrSize))
	if err != nil {
		t.Fatalf("reading name: %v", err)
	}
	if name != "dev" {
		t.Fatalf("name = %q, want %q", name, "dev")
	}
}

func bufCString(buf []byte, offset, n int) (string, error) {
	raw := buf[offset : offset+n]
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return string(raw), nil
}

// TestEncodeSetSamplerateWireExample checks a SET SAMPLERATE command encodes
// to the expected byte sequence.
func TestEncodeSetSamplerateWireExample(t *testing.T) {
	cmd := &Command{Type: CmdSet, Subtype: SubSamplerate, Samplerate: u32(1000)}
	buf := make([]byte, 16)
	end, err := Encode(cmd, buf, 0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0x04, 0x01, 0x00, 0x00, 0x03, 0xE8}
	if !bytes.Equal(buf[:end], want) {
		t.Fatalf("encoded = % X, want % X", buf[:end], want)
	}
}

// TestDecodeRejectsInvalidSubtypeForType checks that decoding a frame whose
// subtype is illegal for its type fails without mutating the caller's
// existing command value.
func TestDecodeRejectsInvalidSubtypeForType(t *testing.T) {
	buf := []byte{0x04, 0x05, 0, 0, 0, 0}
	before := &Command{Type: CmdReset}
	_, _, err := Decode(buf, 0)
	if err == nil {
		t.Fatal("expected SET METADATA frame to fail decoding")
	}
	if before.Type != CmdReset {
		t.Fatal("output command must remain unchanged on decode failure")
	}
}

func TestSizePredictionConsistency(t *testing.T) {
	pairs := []struct {
		t CmdType
		s CmdSubtype
	}{
		{CmdSet, SubSamplerate},
		{CmdSet, SubSampleCount},
		{CmdSet, SubPretrigCount},
		{CmdSet, SubPinMode},
		{CmdReport, SubSamplerate},
		{CmdReport, SubSampledData},
		{CmdGet, SubPinMode},
	}
	for _, p := range pairs {
		var cmd *Command
		switch {
		case p.t == CmdSet && p.s == SubSamplerate:
			cmd = &Command{Type: p.t, Subtype: p.s, Samplerate: u32(42)}
		case p.t == CmdSet && p.s == SubSampleCount:
			cmd = &Command{Type: p.t, Subtype: p.s, SampleCount: u32(42)}
		case p.t == CmdSet && p.s == SubPretrigCount:
			cmd = &Command{Type: p.t, Subtype: p.s, PretrigCount: u32(42)}
		case p.s == SubPinMode:
			cmd = &Command{Type: p.t, Subtype: p.s, PinMode: &PinModePayload{Number: 1, Mode: PinModeDigitalOn}}
		case p.t == CmdReport && p.s == SubSamplerate:
			cmd = &Command{Type: p.t, Subtype: p.s, Samplerate: u32(42)}
		case p.t == CmdReport && p.s == SubSampledData:
			cmd = &Command{Type: p.t, Subtype: p.s, SampledData: &SampledDataPayload{SampledCount: 1, TriggerIndex: 0}}
		}

		buf := make([]byte, 32)
		end, err := Encode(cmd, buf, 0)
		if err != nil {
			t.Fatalf("Encode(%s,%s): %v", p.t, p.s, err)
		}
		headerBytes := 1
		if HasSubtype(p.t) {
			headerBytes = 2
		}
		payloadSize, err := BytesInCmd(p.t, p.s)
		if err != nil {
			t.Fatalf("BytesInCmd(%s,%s): %v", p.t, p.s, err)
		}
		if p.s == SubPinMode && p.t == CmdGet {
			// GET PIN_MODE payload is only the pin number (2 bytes); already covered generically.
		}
		if end-headerBytes != payloadSize {
			t.Fatalf("%s %s: encoded_length(%d) - header_bytes(%d) = %d, want bytes_in_cmd=%d", p.t, p.s, end, headerBytes, end-headerBytes, payloadSize)
		}
	}
}
