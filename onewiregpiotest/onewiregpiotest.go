// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewiregpiotest simulates 1-wire devices behind a single GPIO
// pin.
//
// Bus implements gpio.PinIO and stands in for the pin of a bit-banged bus
// master. Time on the bus is virtual: the master under test must use
// Bus.Delay as its delay function, so tests cover microsecond protocol
// timing without busy-waiting for real. Devices decode the master's drive
// edges into resets, ones and zeros, and answer by pulling the simulated
// line low for presence pulses and transmitted bits.
package onewiregpiotest

import (
	"errors"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"
)

// Bus is a simulated 1-wire line with any number of devices attached.
//
// The zero value is a working bus with no devices. Bus is not safe for
// concurrent use; the master under test is expected to own it.
type Bus struct {
	N       string    // pin name
	HoldLow bool      // short the line to ground, regardless of any driver
	Devices []*Device // devices attached to the line

	now        time.Duration // virtual time, advanced by Delay only
	resets     int           // reset pulses issued by the master so far
	input      bool          // line released by the master
	masterLow  bool          // master actively driving low
	masterHigh bool          // master actively driving high
	fellAt     time.Duration // when the master last started driving low
	pull       gpio.Pull     // pull requested by the last In
}

// Delay advances the virtual clock. The master under test must use it as
// its delay function; it is the only way time passes on the bus.
func (b *Bus) Delay(d time.Duration) {
	b.now += d
}

// Now returns the virtual time elapsed on the bus.
func (b *Bus) Now() time.Duration {
	return b.now
}

// Resets returns how many reset pulses the master has issued.
func (b *Bus) Resets() int {
	return b.resets
}

func (b *Bus) String() string {
	return b.Name()
}

// Name implements gpio.PinIO.
func (b *Bus) Name() string {
	if b.N == "" {
		return "onewiregpiotest"
	}
	return b.N
}

// Number implements gpio.PinIO.
func (b *Bus) Number() int {
	return 0
}

// Function implements gpio.PinIO.
func (b *Bus) Function() string {
	if b.input {
		return "In"
	}
	return "Out"
}

// Halt implements gpio.PinIO.
func (b *Bus) Halt() error {
	return nil
}

// In implements gpio.PinIO. It releases the line so the devices and the
// pull-up determine its level.
func (b *Bus) In(pull gpio.Pull, edge gpio.Edge) error {
	if edge != gpio.NoEdge {
		return errors.New("onewiregpiotest: edge detection is not supported")
	}
	if pull == gpio.PullDown {
		return errors.New("onewiregpiotest: a pull-down would hold the bus low")
	}
	if pull != gpio.PullNoChange {
		b.pull = pull
	}
	b.input = true
	b.masterHigh = false
	b.setMasterLow(false)
	return nil
}

// Out implements gpio.PinIO.
func (b *Bus) Out(l gpio.Level) error {
	b.input = false
	b.masterHigh = l == gpio.High
	b.setMasterLow(l == gpio.Low)
	return nil
}

// Read implements gpio.PinIO. It returns the wired-AND level of the line
// at the current virtual time.
func (b *Bus) Read() gpio.Level {
	return b.lineLevel()
}

// WaitForEdge implements gpio.PinIO.
func (b *Bus) WaitForEdge(timeout time.Duration) bool {
	return false
}

// Pull implements gpio.PinIO.
func (b *Bus) Pull() gpio.Pull {
	return b.pull
}

// DefaultPull implements gpio.PinIO.
func (b *Bus) DefaultPull() gpio.Pull {
	return gpio.Float
}

// PWM implements gpio.PinIO.
func (b *Bus) PWM(duty gpio.Duty, f physic.Frequency) error {
	return errors.New("onewiregpiotest: PWM is not supported")
}

// setMasterLow tracks the master's drive level and feeds the resulting
// edges to the devices. A fall opens a slot; the rise ends it, classified
// as a reset, a written 0 or a written 1 by how long the master held the
// line low.
func (b *Bus) setMasterLow(low bool) {
	if low == b.masterLow {
		return
	}
	b.masterLow = low
	if low {
		b.fellAt = b.now
		for _, d := range b.Devices {
			d.fall(b.now)
		}
		return
	}
	span := b.now - b.fellAt
	if span >= resetThreshold {
		b.resets++
		for _, d := range b.Devices {
			d.reset(b.now)
		}
		return
	}
	for _, d := range b.Devices {
		d.slotEnd(span)
	}
}

// lineLevel computes the wired-AND of every driver on the line.
func (b *Bus) lineLevel() gpio.Level {
	if b.HoldLow || b.masterLow {
		return gpio.Low
	}
	if !b.masterHigh {
		for _, d := range b.Devices {
			if d.driveFrom <= b.now && b.now < d.driveUntil {
				return gpio.Low
			}
		}
	}
	return gpio.High
}

// Device is a simulated 1-wire device. It answers resets with a presence
// pulse, decodes the ROM command that follows, takes part in searches and
// serves its address; bytes sent after the device was selected are
// collected for the test to inspect.
//
// The zero value of the timing fields selects typical silicon: a 120µs
// presence pulse starting 30µs after the reset is released, and 25µs of
// drive for every transmitted 0 bit.
type Device struct {
	ROM      onewire.Address // 64 bit device address, family code in the low byte
	Alarming bool            // take part in alarm searches as well as normal ones
	Mute     bool            // stay silent, as if the device was absent

	PresenceDelay time.Duration // reset release to presence pulse, 0 means 30µs
	PresenceWidth time.Duration // width of the presence pulse, 0 means 120µs
	ZeroPulse     time.Duration // drive time of a transmitted 0 bit, 0 means 25µs
	DropAfter     int           // vanish after matching this many search positions, 0 means never

	state      int
	pos        int           // bit position within the current state
	phase      int           // step within a search position, true then complement then write
	cmd        byte          // ROM command being accumulated
	cmdBits    int           // bits of cmd received so far
	cur        byte          // selected-mode byte being accumulated
	curBits    int           // bits of cur received so far
	payload    []byte        // bytes received while selected
	driveFrom  time.Duration // device pulls the line low in [driveFrom, driveUntil)
	driveUntil time.Duration
}

// Payload returns the bytes the device received while it was selected, in
// arrival order, accumulated across transactions.
func (d *Device) Payload() []byte {
	return d.payload
}

// reset puts the device back into command reception and schedules its
// presence pulse relative to at, the time the reset pulse was released.
func (d *Device) reset(at time.Duration) {
	if d.Mute {
		d.state = stateIdle
		d.driveFrom = 0
		d.driveUntil = 0
		return
	}
	d.state = stateCommand
	d.pos = 0
	d.phase = 0
	d.cmd = 0
	d.cmdBits = 0
	d.cur = 0
	d.curBits = 0
	d.driveFrom = at + d.presenceDelay()
	d.driveUntil = d.driveFrom + d.presenceWidth()
}

// fall handles the master starting to drive the line low at time at. In
// transmitting states this opens a read slot and the device schedules its
// drive if the bit to transmit is a 0. The slot is not counted as done
// until the master releases the line again.
func (d *Device) fall(at time.Duration) {
	switch d.state {
	case stateSearch:
		switch d.phase {
		case 0:
			d.transmit(at, d.romBit(d.pos))
		case 1:
			d.transmit(at, 1-d.romBit(d.pos))
		}
	case stateReadROM:
		d.transmit(at, d.romBit(d.pos))
	}
}

// transmit schedules the line drive for one transmitted bit. A 0 pulls the
// line low for the zero pulse time, a 1 leaves the line alone.
func (d *Device) transmit(at time.Duration, bit byte) {
	if bit != 0 {
		return
	}
	d.driveFrom = at
	d.driveUntil = at + d.zeroPulse()
}

// slotEnd handles the master releasing the line after holding it low for
// span, closing one slot.
func (d *Device) slotEnd(span time.Duration) {
	var bit byte
	if span < zeroThreshold {
		bit = 1
	}
	switch d.state {
	case stateCommand:
		d.cmd |= bit << uint(d.cmdBits)
		d.cmdBits++
		if d.cmdBits == 8 {
			d.dispatch()
		}
	case stateSearch:
		if d.phase < 2 {
			d.phase++
			return
		}
		// The master wrote the direction bit back. Devices on the other
		// branch drop out until the next pass.
		if bit != d.romBit(d.pos) {
			d.state = stateIdle
			return
		}
		d.pos++
		d.phase = 0
		if d.pos == 64 || (d.DropAfter > 0 && d.pos >= d.DropAfter) {
			d.state = stateIdle
		}
	case stateReadROM:
		d.pos++
		if d.pos == 64 {
			d.state = stateIdle
		}
	case stateMatch:
		if bit != d.romBit(d.pos) {
			d.state = stateIdle
			return
		}
		d.pos++
		if d.pos == 64 {
			d.state = stateSelected
		}
	case stateSelected:
		d.cur |= bit << uint(d.curBits)
		d.curBits++
		if d.curBits == 8 {
			d.payload = append(d.payload, d.cur)
			d.cur = 0
			d.curBits = 0
		}
	}
}

// dispatch acts on a fully received ROM command.
func (d *Device) dispatch() {
	switch d.cmd {
	case cmdSearchROM:
		d.state = stateSearch
		d.pos = 0
		d.phase = 0
	case cmdAlarmSearch:
		if d.Alarming {
			d.state = stateSearch
			d.pos = 0
			d.phase = 0
		} else {
			d.state = stateIdle
		}
	case cmdReadROM:
		d.state = stateReadROM
		d.pos = 0
	case cmdMatchROM:
		d.state = stateMatch
		d.pos = 0
	case cmdSkipROM:
		d.state = stateSelected
	default:
		d.state = stateIdle
	}
}

func (d *Device) romBit(pos int) byte {
	return byte(uint64(d.ROM)>>uint(pos)) & 1
}

func (d *Device) presenceDelay() time.Duration {
	if d.PresenceDelay != 0 {
		return d.PresenceDelay
	}
	return 30 * time.Microsecond
}

func (d *Device) presenceWidth() time.Duration {
	if d.PresenceWidth != 0 {
		return d.PresenceWidth
	}
	return 120 * time.Microsecond
}

func (d *Device) zeroPulse() time.Duration {
	if d.ZeroPulse != 0 {
		return d.ZeroPulse
	}
	return 25 * time.Microsecond
}

var _ gpio.PinIO = &Bus{}

const (
	resetThreshold = 480 * time.Microsecond // master low at least this long is a reset
	zeroThreshold  = 15 * time.Microsecond  // master low at least this long writes a 0

	cmdReadROM     = 0x33 // transmit the address of the only device
	cmdMatchROM    = 0x55 // select the device whose address follows
	cmdSkipROM     = 0xCC // select every device
	cmdSearchROM   = 0x0F // take part in one pass of the address search
	cmdAlarmSearch = 0xEC // cmdSearchROM for alarming devices only
)

const (
	stateIdle     = iota // wait for a reset
	stateCommand         // accumulate the 8 bit ROM command
	stateSearch          // answer search positions until a direction bit mismatches
	stateReadROM         // transmit the 64 address bits
	stateMatch           // compare 64 written bits against the address
	stateSelected        // accumulate bytes for the test to inspect
)
