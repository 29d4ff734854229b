package session

import (
	"github.com/ela-project/driver/src/ela-driver/frame"
	"github.com/ela-project/driver/src/ela-driver/framework"
)

// convertPinModes derives the per-channel pin mode array and trigger count
// from the host framework's trigger description. Every channel defaults to
// DIGITAL_ON; a channel explicitly disabled always becomes DIGITAL_OFF,
// overriding any trigger match on it.
func convertPinModes(maxChannels int, trig framework.TriggerDescription) ([]frame.PinMode, int) {
	modes := make([]frame.PinMode, maxChannels)
	for i := range modes {
		modes[i] = frame.PinModeDigitalOn
	}

	numOfTriggers := 0
	for _, ch := range trig.Channels {
		if ch.Channel < 0 || ch.Channel >= maxChannels {
			continue
		}
		switch {
		case !ch.Enabled:
			modes[ch.Channel] = frame.PinModeDigitalOff
		case ch.Match == framework.TriggerMatchEdge:
			modes[ch.Channel] = frame.PinModeTriggerBoth
			numOfTriggers++
		case ch.Match == framework.TriggerMatchRising:
			modes[ch.Channel] = frame.PinModeTriggerRising
			numOfTriggers++
		case ch.Match == framework.TriggerMatchFalling:
			modes[ch.Channel] = frame.PinModeTriggerFalling
			numOfTriggers++
		default:
			modes[ch.Channel] = frame.PinModeDigitalOn
		}
	}

	return modes, numOfTriggers
}
