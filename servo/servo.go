/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package servo implements clock servos: control loops that turn a stream of
// measured clock offsets into frequency or step corrections.
package servo

import (
	"fmt"
)

// State is the result of servo calculation
type State uint8

// All the states of servo
const (
	// StateInit means the servo is still converging, no clock correction should be applied
	StateInit State = 0
	// StateJump means the offset is too big, the clock should be stepped by -offset
	StateJump State = 1
	// StateLocked means the clock should be trimmed by the returned frequency adjustment
	StateLocked State = 2
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateJump:
		return "JUMP"
	case StateLocked:
		return "LOCKED"
	}
	return "UNSUPPORTED"
}

// Servo abstracts away the servo control law
type Servo interface {
	// Sample takes the measured offset in nanoseconds and the local timestamp
	// it was measured at, and returns the frequency adjustment in PPB and the
	// state telling the caller how to apply it.
	Sample(offset int64, localTs uint64) (float64, State)
	// SyncInterval informs the servo about the master's sync message interval in seconds
	SyncInterval(interval float64)
	// SetMaxFreq adjusts the frequency range the servo can ask for
	SetMaxFreq(freq float64)
}

// New creates a servo implementing the control law selected by name.
// maxFreqPPB bounds the frequency corrections the servo will produce,
// swTs selects tuning for software timestamping (noisier samples).
func New(name string, maxFreqPPB float64, swTs bool) (Servo, error) {
	switch name {
	case "pi", "":
		return NewPiServo(maxFreqPPB, swTs), nil
	}
	return nil, fmt.Errorf("unknown servo %q", name)
}
