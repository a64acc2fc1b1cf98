// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewiregpio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/host/v3/cpu"
)

// Opts contains options to pass to the constructor.
type Opts struct {
	// MaxDevices caps how many addresses a single search can discover. The
	// device table is allocated once at this size. Values below 1 select
	// the default of 8.
	MaxDevices int

	// Pull is the input mode used whenever the line is released:
	// gpio.PullUp uses the pin's internal pull-up, gpio.Float expects an
	// external pull-up resistor on the line. The zero value selects
	// gpio.PullUp; anything else is rejected.
	Pull gpio.Pull

	// Delay busy-waits for the given duration. It must keep sub-10µs
	// accuracy and must not yield to the scheduler, since scheduling
	// jitter inside a timeslot shows up as communication errors. Nil
	// selects cpu.Nanospin.
	Delay func(time.Duration)
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	MaxDevices: 8,
	Pull:       gpio.PullUp,
}

// New returns a Port that masters a 1-wire bus by bit-banging the pin q.
//
// The Port implements onewire.Bus and can be used to access devices on the
// bus. q must support both driven output and floating input, and the line
// needs a pull-up to idle high: either the pin's internal one with
// gpio.PullUp, or an external resistor with gpio.Float.
//
// Passing nil opts selects DefaultOpts.
func New(q gpio.PinIO, opts *Opts) (*Port, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	pull := opts.Pull
	switch pull {
	case gpio.PullUp, gpio.Float:
	case gpio.PullNoChange:
		pull = gpio.PullUp
	default:
		return nil, errors.New("onewiregpio: pull must be gpio.PullUp or gpio.Float")
	}
	maxDevices := opts.MaxDevices
	if maxDevices < 1 {
		maxDevices = DefaultOpts.MaxDevices
	}
	delay := opts.Delay
	if delay == nil {
		delay = cpu.Nanospin
	}
	p := &Port{
		q:       q,
		pull:    pull,
		delay:   delay,
		devices: make([]onewire.Address, maxDevices),
		scratch: make([]onewire.Address, maxDevices),
	}
	// Release the line so it can idle high before the first reset.
	if err := p.release(); err != nil {
		return nil, fmt.Errorf("onewiregpio: failed to configure %s: %s", q, err)
	}
	return p, nil
}

// Port is a handle to a 1-wire bus mastered through a single GPIO pin, and
// it implements the onewire.Bus interface.
//
// The pin is exclusively owned while a transaction is in progress. Port
// records the timing of the most recent presence pulse and the device table
// built by the most recent completed search; a search that fails partway
// leaves the previously committed table untouched.
type Port struct {
	sync.Mutex                     // lock for the bus while a transaction is in progress
	q          gpio.PinIO          // data line, open-drain with a pull-up
	pull       gpio.Pull           // input mode used whenever the line is released
	delay      func(time.Duration) // busy-waits one timing window
	tpdh       int                 // quarter-timeslots the line idled high before the last presence pulse
	tpdl       int                 // quarter-timeslots of width of the last presence pulse
	devices    []onewire.Address   // device table, capacity fixed at construction
	scratch    []onewire.Address   // working table for the search in flight
	numDevices int                 // entries of devices committed by the last completed search
}

func (p *Port) String() string {
	return fmt.Sprintf("OneWireGPIO{%s}", p.q)
}

// Halt implements conn.Resource. It releases the line.
func (p *Port) Halt() error {
	p.Lock()
	defer p.Unlock()
	return p.release()
}

// Q returns the data pin of the bus.
func (p *Port) Q() gpio.PinIO {
	return p.q
}

// PresencePulse reports the timing observed by the most recent reset: how
// long the line idled high after the reset was released before a device
// pulled it low, and how long it was then held low. Both are zero before the
// first reset.
func (p *Port) PresencePulse() (delay, width time.Duration) {
	p.Lock()
	defer p.Unlock()
	return time.Duration(p.tpdh) * quarterTimeslot, time.Duration(p.tpdl) * quarterTimeslot
}

// Reset issues a reset pulse and waits for a device to answer with a
// presence pulse.
//
// It returns nil if at least one device is present, NoDevices if the bus
// stayed idle, and CommError if the line misbehaved.
func (p *Port) Reset() error {
	p.Lock()
	defer p.Unlock()
	return p.resetPulse()
}

// SendCommand resets the bus and, once a device has answered with a
// presence pulse, writes cmd. A failed reset propagates without the command
// byte being written.
func (p *Port) SendCommand(cmd byte) error {
	p.Lock()
	defer p.Unlock()
	return p.sendCommand(cmd)
}

// WriteByte sends one byte onto the bus, least significant bit first.
func (p *Port) WriteByte(b byte) error {
	p.Lock()
	defer p.Unlock()
	return p.writeOctet(b)
}

// ReadByte reads one byte from the bus, least significant bit first.
func (p *Port) ReadByte() (byte, error) {
	p.Lock()
	defer p.Unlock()
	return p.readOctet()
}

// Tx performs a bus transaction, sending and receiving bytes, and ending by
// pulling the bus high either weakly or strongly depending on the value of
// power.
//
// A strong pull-up is typically required to power temperature conversion or
// EEPROM writes; the line stays driven high until the next transaction.
func (p *Port) Tx(w, r []byte, power onewire.Pullup) error {
	p.Lock()
	defer p.Unlock()

	if err := p.resetPulse(); err != nil {
		return err
	}
	for i, b := range w {
		if err := p.writeOctet(b); err != nil {
			return err
		}
		if power == onewire.StrongPullup && i == len(w)-1 && len(r) == 0 {
			return p.q.Out(gpio.High)
		}
	}
	for i := range r {
		b, err := p.readOctet()
		if err != nil {
			return err
		}
		r[i] = b
		if power == onewire.StrongPullup && i == len(r)-1 {
			return p.q.Out(gpio.High)
		}
	}
	return nil
}

// resetPulse drives the reset sequence and validates the presence response.
//
// The line is held low for resetLowSlots timeslots, then released; it must
// float back high within resetReleaseSteps microsecond polls or the bus is
// stuck (a shorted line and a missing pull-up look the same, both are
// CommError). The high phase before the presence pulse and the width of the
// pulse itself are then measured in quarter-timeslot ticks into p.tpdh and
// p.tpdl, each bounded by presenceBound. No device pulling the line low in
// time is NoDevices; a device stuck low, or a presence pulse narrower than
// presenceMinWidth, is CommError.
func (p *Port) resetPulse() error {
	if err := p.q.Out(gpio.Low); err != nil {
		return err
	}
	p.delay(resetLowSlots * timeslot)
	if err := p.release(); err != nil {
		return err
	}

	// Allow the line some time to float up.
	for limit := 0; !p.q.Read(); limit++ {
		if limit > resetReleaseSteps {
			return CommError
		}
		p.delay(time.Microsecond)
	}

	// Spin until a device pulls the line low.
	p.tpdh = 0
	p.tpdl = 0
	for {
		p.delay(quarterTimeslot)
		p.tpdh++
		if p.tpdh > presenceBound {
			return NoDevices
		}
		if !p.q.Read() {
			break
		}
	}

	// Spin until the device releases it again.
	for {
		p.delay(quarterTimeslot)
		p.tpdl++
		if p.tpdl > presenceBound {
			return CommError
		}
		if p.q.Read() {
			break
		}
	}

	// A narrower pulse is line noise, not a device.
	if p.tpdl < presenceMinWidth {
		return CommError
	}

	// Pad out to the protocol minimum of recoveryQuarters between the
	// release of the reset and the first command.
	if q := recoveryQuarters - p.tpdh - p.tpdl; q > 0 {
		p.delay(time.Duration(q) * quarterTimeslot)
	}
	return nil
}

func (p *Port) sendCommand(cmd byte) error {
	if err := p.resetPulse(); err != nil {
		return err
	}
	return p.writeOctet(cmd)
}

func (p *Port) writeOctet(b byte) error {
	for i := 0; i < 8; i++ {
		if err := p.writeBit(b & 1); err != nil {
			return err
		}
		b >>= 1
	}
	return nil
}

func (p *Port) readOctet() (byte, error) {
	var b byte
	for pos := uint(0); pos < 8; pos++ {
		if err := p.readBitOr(&b, pos); err != nil {
			return 0, err
		}
	}
	return b, nil
}

// writeBit sends a single bit. The opening low pulse is kept short enough
// that a slave sampling mid-slot sees high for a 1, and the written level is
// held past every slave's sampling window before the line is released for
// the recovery window.
func (p *Port) writeBit(bit byte) error {
	if err := p.q.Out(gpio.Low); err != nil {
		return err
	}
	p.delay(writeLowTime)
	if bit != 0 {
		if err := p.q.Out(gpio.High); err != nil {
			return err
		}
	}
	p.delay(writeHoldQuarters * quarterTimeslot)
	if err := p.release(); err != nil {
		return err
	}
	p.delay(writeRecoveryTime)
	return nil
}

// readBitOr opens a read slot and ORs the sampled line level into *acc at
// bit position pos. The slot is always consumed whole; a line still low at
// the end of it means a slave is overrunning its window, which is
// CommError.
func (p *Port) readBitOr(acc *byte, pos uint) error {
	if err := p.q.Out(gpio.Low); err != nil {
		return err
	}
	p.delay(readLowTime)
	if err := p.release(); err != nil {
		return err
	}
	p.delay(readSettleTime)
	if p.q.Read() {
		*acc |= 1 << pos
	}
	p.delay(timeslot)
	if !p.q.Read() {
		return CommError
	}
	p.delay(readRecoveryTime)
	return nil
}

// release turns the pin back into an input so the pull-up can float the
// line high.
func (p *Port) release() error {
	return p.q.In(p.pull, gpio.NoEdge)
}

var _ conn.Resource = &Port{}
var _ onewire.Bus = &Port{}
var _ onewire.BusSearcher = &Port{}
var _ onewire.Pins = &Port{}

const (
	timeslot        = 60 * time.Microsecond // transfers one bit in either direction
	quarterTimeslot = 15 * time.Microsecond // internal timing granularity

	resetLowSlots     = 10  // timeslots the line is driven low for a reset, protocol minimum is 8
	resetReleaseSteps = 200 // 1µs polls allowed for the released line to float back high
	presenceBound     = 90  // quarters allowed for either presence phase before giving up
	presenceMinWidth  = 3   // quarters a presence pulse must last to count as a device
	recoveryQuarters  = 32  // quarters between reset release and the first command, 8 timeslots

	writeLowTime      = 7 * time.Microsecond  // low pulse opening a write slot
	writeHoldQuarters = 5                     // quarters the written level is held, 1+1/4 timeslot
	writeRecoveryTime = 20 * time.Microsecond // recovery after a write slot

	readLowTime      = 5 * time.Microsecond  // low pulse opening a read slot
	readSettleTime   = 5 * time.Microsecond  // wait between releasing the line and sampling it
	readRecoveryTime = 10 * time.Microsecond // recovery after a read slot
)
