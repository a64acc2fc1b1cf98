// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewiregpio

// Result is the outcome of a 1-wire bus primitive.
//
// Every non-Ok Result implements error, so primitives return nil on success
// and the Result value otherwise. CommError additionally implements
// onewire.BusError and NoDevices implements onewire.NoDevicesError, so
// callers can classify failures without depending on this package.
type Result uint8

const (
	// Ok means the transaction completed within all timing bounds.
	Ok Result = iota
	// CommError means the timing contract was violated: a stuck line, an
	// unexpected level, a pulse width out of bounds or a device dropping
	// out mid-transfer. Retrying is up to the caller.
	CommError
	// NoDevices means no device answered the presence request. This is a
	// valid bus state, not an electrical fault.
	NoDevices
	// TooManyDevices means a search found more devices than the table
	// configured through Opts.MaxDevices can hold.
	TooManyDevices
)

var resultStrings = [...]string{
	Ok:             "no error",
	CommError:      "communication error",
	NoDevices:      "no devices",
	TooManyDevices: "too many devices",
}

// String returns a stable human-readable text for r. Out-of-range values map
// to a fallback instead of panicking.
func (r Result) String() string {
	if int(r) >= len(resultStrings) {
		return "no such error"
	}
	return resultStrings[r]
}

// Error implements error.
func (r Result) Error() string {
	return r.String()
}

// BusError returns true when the failure is with the devices or the wiring
// on the 1-wire bus rather than with the controller. Implements
// onewire.BusError.
func (r Result) BusError() bool {
	return r == CommError
}

// NoDevices returns true when the bus reported a valid absence of devices.
// Implements onewire.NoDevicesError.
func (r Result) NoDevices() bool {
	return r == NoDevices
}
