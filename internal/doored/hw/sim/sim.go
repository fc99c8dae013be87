// Package sim provides in-memory implementations of the hw interfaces:
// a scriptable bus on which devices are inserted and removed
// programmatically, and an actuator that records pin states. Used for
// development runs without door hardware and throughout the tests.
package sim

import (
	"fmt"
	"sync"
)

// Device is one simulated credential or presence chip on a bus.
type Device struct {
	ID string

	// Secret currently burned into the device. IssueChallenge compares
	// against this; GenerateSecret replaces it.
	Secret string

	// CRCError makes the next GenerateSecret fail at the transport level.
	CRCError bool
}

type busKey struct {
	master string
	bus    int
}

// Bus is a scriptable BusManager. Present devices are keyed per
// (master, bus); PollBus diffs against the previous enumeration.
type Bus struct {
	mu      sync.Mutex
	present map[busKey]map[string]*Device
	last    map[busKey]map[string]struct{}
	serial  int
}

func NewBus() *Bus {
	return &Bus{
		present: make(map[busKey]map[string]*Device),
		last:    make(map[busKey]map[string]struct{}),
	}
}

// Insert places a device on the bus; it shows up in the added list of
// the next poll.
func (b *Bus) Insert(master string, bus int, dev *Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := busKey{master, bus}
	if b.present[k] == nil {
		b.present[k] = make(map[string]*Device)
	}
	b.present[k][dev.ID] = dev
}

// Remove takes a device off the bus.
func (b *Bus) Remove(master string, bus int, deviceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.present[busKey{master, bus}], deviceID)
}

func (b *Bus) PollBus(masterID string, bus int) (added, removed []string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := busKey{masterID, bus}
	now := b.present[k]
	prev := b.last[k]

	for id := range now {
		if _, ok := prev[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range prev {
		if _, ok := now[id]; !ok {
			removed = append(removed, id)
		}
	}

	snapshot := make(map[string]struct{}, len(now))
	for id := range now {
		snapshot[id] = struct{}{}
	}
	b.last[k] = snapshot
	return added, removed, nil
}

func (b *Bus) IssueChallenge(deviceID, secret string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev := b.find(deviceID)
	if dev == nil {
		return false, fmt.Errorf("device %s not on bus", deviceID)
	}
	return dev.Secret != "" && dev.Secret == secret, nil
}

func (b *Bus) GenerateSecret(deviceID string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev := b.find(deviceID)
	if dev == nil {
		return "", false, fmt.Errorf("device %s not on bus", deviceID)
	}
	if dev.CRCError {
		return "", true, nil
	}
	b.serial++
	dev.Secret = fmt.Sprintf("sim-secret-%08d", b.serial)
	return dev.Secret, false, nil
}

func (b *Bus) find(deviceID string) *Device {
	for _, devs := range b.present {
		if d, ok := devs[deviceID]; ok {
			return d
		}
	}
	return nil
}

// Actuator records relay and indicator states instead of toggling pins.
type Actuator struct {
	mu         sync.Mutex
	relays     map[string]bool // "doorID/channel" -> on
	indicators map[string]bool
}

func NewActuator() *Actuator {
	return &Actuator{
		relays:     make(map[string]bool),
		indicators: make(map[string]bool),
	}
}

func (a *Actuator) SetRelay(doorID string, channel int, on bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.relays[fmt.Sprintf("%s/%d", doorID, channel)] = on
	return nil
}

func (a *Actuator) SetIndicator(color string, on bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.indicators[color] = on
	return nil
}

// Relay reports the last state written to doorID's channel.
func (a *Actuator) Relay(doorID string, channel int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.relays[fmt.Sprintf("%s/%d", doorID, channel)]
}

// Indicator reports the last state written to a colored LED.
func (a *Actuator) Indicator(color string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.indicators[color]
}
