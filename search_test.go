// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewiregpio

import (
	"reflect"
	"testing"
	"time"

	"periph.io/x/conn/v3/onewire"

	"github.com/GermanBionicSystems/onewiregpio/onewiregpiotest"
)

func TestSearch(t *testing.T) {
	bus := &onewiregpiotest.Bus{Devices: []*onewiregpiotest.Device{{ROM: 0x740000070e41ac28}}}
	p := newPort(t, bus)
	addrs, err := p.Search(false)
	if err != nil {
		t.Fatal(err)
	}
	if want := []onewire.Address{0x740000070e41ac28}; !reflect.DeepEqual(addrs, want) {
		t.Fatalf("got %v, want %v", addrs, want)
	}
	if n := bus.Resets(); n != 1 {
		t.Fatal(n)
	}
	// Devices returns the retained table without touching the bus.
	if devices := p.Devices(); !reflect.DeepEqual(devices, addrs) {
		t.Fatalf("retained table %v differs from %v", devices, addrs)
	}
	if n := bus.Resets(); n != 1 {
		t.Fatal(n)
	}
}

func TestSearch_noDevices(t *testing.T) {
	bus := &onewiregpiotest.Bus{}
	p := newPort(t, bus)
	if _, err := p.Search(false); err != NoDevices {
		t.Fatal(err)
	}
	if devices := p.Devices(); len(devices) != 0 {
		t.Fatal(devices)
	}
}

func TestSearch_order(t *testing.T) {
	// Any pair comes back in ascending address order whatever the attach
	// order. The first pair forks at bit 56 and the walk itself visits it
	// ascending, the second forks at bit 0 and the walk visits it
	// descending.
	pairs := [][2]onewire.Address{
		{0x1000000000000028, 0x1100000000000028},
		{0x31, 0x32},
	}
	for _, pair := range pairs {
		want := []onewire.Address{pair[0], pair[1]}
		for _, roms := range [][2]onewire.Address{{pair[0], pair[1]}, {pair[1], pair[0]}} {
			bus := &onewiregpiotest.Bus{Devices: []*onewiregpiotest.Device{
				{ROM: roms[0]}, {ROM: roms[1]},
			}}
			p := newPort(t, bus)
			addrs, err := p.Search(false)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(addrs, want) {
				t.Fatalf("got %v, want %v", addrs, want)
			}
			if n := bus.Resets(); n != 2 {
				t.Fatal(n)
			}
		}
	}
}

func TestSearch_forks(t *testing.T) {
	// 0x30, 0x31 and 0x32 fork at bit 0 and, on the 0 branch, again at
	// bit 1. The walk backtracks to the deepest fork first and reaches
	// 0x31 last, one reset per pass, and the table is sorted on commit.
	want := []onewire.Address{0x30, 0x31, 0x32}
	for _, devices := range [][]*onewiregpiotest.Device{
		{{ROM: 0x30}, {ROM: 0x31}, {ROM: 0x32}},
		{{ROM: 0x32}, {ROM: 0x30}, {ROM: 0x31}},
	} {
		bus := &onewiregpiotest.Bus{Devices: devices}
		p := newPort(t, bus)
		addrs, err := p.Search(false)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(addrs, want) {
			t.Fatalf("got %v, want %v", addrs, want)
		}
		if n := bus.Resets(); n != 3 {
			t.Fatal(n)
		}
	}
}

func TestSearch_tooMany(t *testing.T) {
	bus := &onewiregpiotest.Bus{Devices: []*onewiregpiotest.Device{
		{ROM: 0x30}, {ROM: 0x31}, {ROM: 0x32},
	}}
	p, err := New(bus, &Opts{MaxDevices: 2, Delay: bus.Delay})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Search(false); err != TooManyDevices {
		t.Fatal(err)
	}
	if devices := p.Devices(); len(devices) != 0 {
		t.Fatal(devices)
	}
}

func TestSearch_exactCapacity(t *testing.T) {
	// A bus carrying exactly as many devices as the table holds is not an
	// overflow.
	bus := &onewiregpiotest.Bus{Devices: []*onewiregpiotest.Device{
		{ROM: 0x30}, {ROM: 0x31},
	}}
	p, err := New(bus, &Opts{MaxDevices: 2, Delay: bus.Delay})
	if err != nil {
		t.Fatal(err)
	}
	addrs, err := p.Search(false)
	if err != nil {
		t.Fatal(err)
	}
	if want := []onewire.Address{0x30, 0x31}; !reflect.DeepEqual(addrs, want) {
		t.Fatalf("got %v, want %v", addrs, want)
	}
}

func TestSearch_repeat(t *testing.T) {
	bus := &onewiregpiotest.Bus{Devices: []*onewiregpiotest.Device{
		{ROM: 0x30}, {ROM: 0x31},
	}}
	p := newPort(t, bus)
	first, err := p.Search(false)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Search(false)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("first %v, second %v", first, second)
	}
	if n := bus.Resets(); n != 4 {
		t.Fatal(n)
	}
}

func TestSearch_keepsTableOnFailure(t *testing.T) {
	bus := &onewiregpiotest.Bus{Devices: []*onewiregpiotest.Device{{ROM: 0x30}}}
	p, err := New(bus, &Opts{MaxDevices: 2, Delay: bus.Delay})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Search(false); err != nil {
		t.Fatal(err)
	}
	// Two more devices appear, overflowing the table on the next search.
	// Its first pass discovers 0x20, which must not replace the committed
	// 0x30.
	bus.Devices = append(bus.Devices, &onewiregpiotest.Device{ROM: 0x20}, &onewiregpiotest.Device{ROM: 0x31})
	if _, err := p.Search(false); err != TooManyDevices {
		t.Fatal(err)
	}
	if want := []onewire.Address{0x30}; !reflect.DeepEqual(p.Devices(), want) {
		t.Fatalf("table %v, want %v", p.Devices(), want)
	}
}

func TestSearch_keepsTableOnDropout(t *testing.T) {
	// The failing search discovers 0x02 in its first pass before the
	// dropout aborts it, and that pass must not bleed into the slot where
	// the committed table holds 0x01.
	flaky := &onewiregpiotest.Device{ROM: 0x01}
	bus := &onewiregpiotest.Bus{Devices: []*onewiregpiotest.Device{
		{ROM: 0x02}, flaky,
	}}
	p := newPort(t, bus)
	want := []onewire.Address{0x01, 0x02}
	addrs, err := p.Search(false)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(addrs, want) {
		t.Fatalf("got %v, want %v", addrs, want)
	}
	flaky.DropAfter = 5
	if _, err := p.Search(false); err != CommError {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(p.Devices(), want) {
		t.Fatalf("table %v, want %v", p.Devices(), want)
	}
}

func TestSearch_vanishingDevice(t *testing.T) {
	// A device dropping off the bus mid-pass leaves a position nobody
	// answers.
	bus := &onewiregpiotest.Bus{Devices: []*onewiregpiotest.Device{
		{ROM: 0x30, DropAfter: 5},
	}}
	p := newPort(t, bus)
	if _, err := p.Search(false); err != CommError {
		t.Fatal(err)
	}
	if devices := p.Devices(); len(devices) != 0 {
		t.Fatal(devices)
	}
}

func TestSearch_alarm(t *testing.T) {
	bus := &onewiregpiotest.Bus{Devices: []*onewiregpiotest.Device{
		{ROM: 0x31, Alarming: true}, {ROM: 0x32},
	}}
	p := newPort(t, bus)
	addrs, err := p.Search(true)
	if err != nil {
		t.Fatal(err)
	}
	if want := []onewire.Address{0x31}; !reflect.DeepEqual(addrs, want) {
		t.Fatalf("got %v, want %v", addrs, want)
	}
	addrs, err = p.Search(false)
	if err != nil {
		t.Fatal(err)
	}
	if want := []onewire.Address{0x31, 0x32}; !reflect.DeepEqual(addrs, want) {
		t.Fatalf("got %v, want %v", addrs, want)
	}
}

func TestSearch_alarmNobody(t *testing.T) {
	bus := &onewiregpiotest.Bus{Devices: []*onewiregpiotest.Device{{ROM: 0x31}}}
	p := newPort(t, bus)
	if _, err := p.Search(true); err != NoDevices {
		t.Fatal(err)
	}
}

func TestSearchTriplet(t *testing.T) {
	// 0x30 and 0x31 disagree at bit 0; after the first triplet drops one
	// of them, the remaining bits of 0x31 come back unopposed and the
	// direction hint must be ignored.
	bus := &onewiregpiotest.Bus{Devices: []*onewiregpiotest.Device{
		{ROM: 0x30}, {ROM: 0x31},
	}}
	p := newPort(t, bus)
	if err := p.SendCommand(CmdSearchROM); err != nil {
		t.Fatal(err)
	}
	steps := []struct {
		direction byte
		want      onewire.TripletResult
	}{
		{1, onewire.TripletResult{GotZero: true, GotOne: true, Taken: 1}},
		{0, onewire.TripletResult{GotZero: true, GotOne: false, Taken: 0}},
		{1, onewire.TripletResult{GotZero: true, GotOne: false, Taken: 0}},
		{0, onewire.TripletResult{GotZero: true, GotOne: false, Taken: 0}},
		{0, onewire.TripletResult{GotZero: false, GotOne: true, Taken: 1}},
		{0, onewire.TripletResult{GotZero: false, GotOne: true, Taken: 1}},
	}
	for i, step := range steps {
		tr, err := p.SearchTriplet(step.direction)
		if err != nil {
			t.Fatal(err)
		}
		if tr != step.want {
			t.Fatalf("triplet %d: got %+v, want %+v", i, tr, step.want)
		}
	}
}

func TestSearch_slowDevice(t *testing.T) {
	bus := &onewiregpiotest.Bus{Devices: []*onewiregpiotest.Device{
		{ROM: 0x30, ZeroPulse: 75 * time.Microsecond},
	}}
	p := newPort(t, bus)
	if _, err := p.Search(false); err != CommError {
		t.Fatal(err)
	}
}

func TestDevices_isolated(t *testing.T) {
	bus := &onewiregpiotest.Bus{Devices: []*onewiregpiotest.Device{{ROM: 0x30}}}
	p := newPort(t, bus)
	addrs, err := p.Search(false)
	if err != nil {
		t.Fatal(err)
	}
	// Writes through a returned slice must not reach the retained table.
	addrs[0] = 0xbad
	if devices := p.Devices(); devices[0] != 0x30 {
		t.Fatal(devices)
	}
	devices := p.Devices()
	devices[0] = 0xbad
	if again := p.Devices(); again[0] != 0x30 {
		t.Fatal(again)
	}
}

func TestFormatAddress(t *testing.T) {
	tests := []struct {
		addr onewire.Address
		want string
	}{
		{0x740000070e41ac28, "28:ac:41:0e:07:00:00:74"},
		{0x8877665544332211, "11:22:33:44:55:66:77:88"},
		{0x28, "28:00:00:00:00:00:00:00"},
		{0, "00:00:00:00:00:00:00:00"},
	}
	for _, tt := range tests {
		if s := FormatAddress(tt.addr); s != tt.want {
			t.Errorf("FormatAddress(%#x) = %q, want %q", uint64(tt.addr), s, tt.want)
		}
	}
}
