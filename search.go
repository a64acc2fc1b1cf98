// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewiregpio

import (
	"encoding/binary"
	"fmt"
	"sort"

	"periph.io/x/conn/v3/onewire"
)

// ROM commands understood by every 1-wire device, sent after a reset to
// select which devices take part in the rest of the transaction.
const (
	// CmdReadROM reads the 64-bit address of the single device on the bus.
	CmdReadROM = 0x33
	// CmdMatchROM addresses one device by its 64-bit address.
	CmdMatchROM = 0x55
	// CmdSkipROM addresses all devices on the bus at once.
	CmdSkipROM = 0xCC
	// CmdSearchROM starts one pass of the address search.
	CmdSearchROM = 0x0F
	// CmdAlarmSearch is CmdSearchROM restricted to devices in an alarm
	// condition.
	CmdAlarmSearch = 0xEC
)

// Search performs a device search on the bus and returns the addresses of
// all devices found in ascending order, family code in the least
// significant byte.
//
// If alarmOnly is true, only devices in an alarm condition answer. Each
// discovered device costs one pass, a reset followed by 64 bit triplets.
//
// The result of a successful search is also retained and can be fetched
// again with Devices. A failed search leaves the retained table from the
// previous successful search in place.
func (p *Port) Search(alarmOnly bool) ([]onewire.Address, error) {
	p.Lock()
	defer p.Unlock()
	cmd := byte(CmdSearchROM)
	if alarmOnly {
		cmd = CmdAlarmSearch
	}
	if err := p.searchDevices(cmd); err != nil {
		return nil, err
	}
	return p.committed(), nil
}

// Devices returns the addresses discovered by the most recent successful
// search, without touching the bus. It returns an empty slice before the
// first search.
func (p *Port) Devices() []onewire.Address {
	p.Lock()
	defer p.Unlock()
	return p.committed()
}

func (p *Port) committed() []onewire.Address {
	devices := make([]onewire.Address, p.numDevices)
	copy(devices, p.devices[:p.numDevices])
	return devices
}

// searchDevices walks the tree of device addresses, one pass per device.
//
// Within a pass every device still participating answers each address bit
// twice, true then complemented, with the answers wire-ANDed on the bus.
// Reading 0 both times marks a fork where devices disagree: a fork before
// the deepest one followed in the previous pass takes the 0 branch and is
// remembered, any other fork takes the 1 branch. Devices whose address bit
// differs from the bit written back drop out until the next pass. Passes
// accumulate into a working table; the pass that records no fork is the
// last one and commits the finished table in ascending address order, so
// an aborted search never reaches the committed entries.
func (p *Port) searchDevices(cmd byte) error {
	last := 64
	devicePos := 0
	for {
		if err := p.sendCommand(cmd); err != nil {
			return err
		}
		current := -1
		var rom onewire.Address
		for position := 0; position < 64; position++ {
			var v, c byte
			if err := p.readBitOr(&v, 0); err != nil {
				return err
			}
			if err := p.readBitOr(&c, 0); err != nil {
				return err
			}
			var next byte
			switch {
			case v&c != 0:
				// No device answered the position. On the first
				// position the bus is empty, deeper in it means a
				// device dropped out mid-pass.
				if position == 0 {
					return NoDevices
				}
				return CommError
			case v|c == 0:
				if position < last {
					current = position
				} else {
					next = 1
				}
			default:
				next = v
			}
			if next != 0 {
				rom |= onewire.Address(1) << uint(position)
			}
			if err := p.writeBit(next); err != nil {
				return err
			}
		}
		p.scratch[devicePos] = rom
		devicePos++
		if current < 0 {
			// No unexplored fork is left, the tree is exhausted.
			// The walk discovers devices in fork order, commit the
			// table in ascending address order instead.
			sort.Slice(p.scratch[:devicePos], func(i, j int) bool {
				return p.scratch[i] < p.scratch[j]
			})
			copy(p.devices, p.scratch[:devicePos])
			p.numDevices = devicePos
			return nil
		}
		if devicePos == len(p.scratch) {
			return TooManyDevices
		}
		last = current
	}
}

// SearchTriplet performs a single bit search triplet as part of a search
// run: it reads the true and complemented values of the next address bit
// from all participating devices and writes the direction bit back, keeping
// only the devices that match it.
//
// The caller owns the search state machine and must have issued the reset
// and search command itself; onewire.Search does this to run the standard
// algorithm on top of this primitive.
func (p *Port) SearchTriplet(direction byte) (onewire.TripletResult, error) {
	p.Lock()
	defer p.Unlock()
	var tr onewire.TripletResult
	var v, c byte
	if err := p.readBitOr(&v, 0); err != nil {
		return tr, err
	}
	if err := p.readBitOr(&c, 0); err != nil {
		return tr, err
	}
	tr.GotZero = v == 0
	tr.GotOne = c == 0
	switch {
	case v != 0 && c != 0:
		tr.Taken = 1
	case v == 0 && c == 0:
		if direction != 0 {
			tr.Taken = 1
		}
	default:
		tr.Taken = v
	}
	if err := p.writeBit(tr.Taken); err != nil {
		return tr, err
	}
	return tr, nil
}

// FormatAddress formats a device address as colon separated hex octets in
// wire transmission order, family code first.
func FormatAddress(addr onewire.Address) string {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(addr))
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x:%02x:%02x",
		b[0], b[1], b[2], b[3], b[4], b[5], b[6], b[7])
}
