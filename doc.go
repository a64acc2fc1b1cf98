// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewiregpio masters a 1-wire bus by bit-banging a single GPIO
// pin.
//
// The pin is driven low for the low phases of the protocol and released to
// float for the high phases, so the bus needs a pull-up to idle high:
// either the pin's internal pull-up or an external resistor. Multiple
// devices can share the one line, addressed through the bus search.
//
// All timing is produced with busy-waits on the calling goroutine. Bit
// windows are in the 10µs range, so running the master on a time-shared
// kernel without isolating it from scheduling jitter causes intermittent
// communication errors under load.
//
// # More Details
//
// See https://periph.io/device/onewiregpio/ for more details about the
// driver usage.
//
// # Protocol
//
// https://www.analog.com/en/resources/technical-articles/1wire-communication-through-software.html
//
// # Search
//
// https://www.analog.com/en/resources/app-notes/1wire-search-algorithm.html
package onewiregpio
