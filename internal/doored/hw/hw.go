// Package hw defines the narrow interfaces to the hardware
// collaborators: the 1-wire bus managers that enumerate credential
// devices and run the byte-level challenge protocol, and the GPIO
// actuator driving door relays and indicator LEDs. The daemon's core
// never touches a device file directly.
package hw

// BusManager multiplexes the physical credential readers behind one or
// more bus masters.
type BusManager interface {
	// PollBus enumerates the devices currently present on the bus and
	// reports the delta since the previous poll.
	PollBus(masterID string, bus int) (added, removed []string, err error)

	// IssueChallenge runs the challenge-response exchange against the
	// device using the stored shared secret.
	IssueChallenge(deviceID, secret string) (bool, error)

	// GenerateSecret tells the device to derive and store a fresh
	// secret, returning it. crcError reports a transport-level CRC
	// failure, which callers must treat as generation failure.
	GenerateSecret(deviceID string) (secret string, crcError bool, err error)
}

// Actuator is the GPIO side: relay channels that hold a door open and
// the session indicator LEDs.
type Actuator interface {
	SetRelay(doorID string, channel int, on bool) error
	SetIndicator(color string, on bool) error
}

// Indicator colors understood by the actuator.
const (
	IndicatorRed   = "red"
	IndicatorGreen = "green"
	IndicatorBlue  = "blue"
)
