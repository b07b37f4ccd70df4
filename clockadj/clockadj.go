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

// Package clockadj wraps clock_adjtime(2) into the two primitives the
// synchronization core needs: a persistent frequency trim and a one-shot
// time step. Works on both the system clock and PHC devices via clock IDs.
package clockadj

import (
	"time"

	"golang.org/x/sys/unix"
)

// PPBToTimexPPM is what we use to convert PPB to PPM.
// man clock_adjtime(2):
// In struct timex, freq, ppsfreq, and stabil are ppm (parts per million) with a 16-bit fractional part.
// To convert value where 2^16=65536 is 1 ppm to ppb or back, we need this multiplier
const PPBToTimexPPM = 65.536

// clock_adjtime modes from usr/include/linux/timex.h
const (
	// frequency offset
	AdjFrequency uint32 = 0x0002
	// add 'time' to current time
	AdjSetOffset uint32 = 0x0100
	// select nanosecond resolution
	AdjNano uint32 = 0x2000
)

// AdjFreqPPB adjusts clock frequency in PPB
func AdjFreqPPB(clockid int32, freqPPB float64) (state int, err error) {
	tx := &unix.Timex{}
	tx.Freq = int64(freqPPB * PPBToTimexPPM)
	tx.Modes = AdjFrequency
	return unix.ClockAdjtime(clockid, tx)
}

// stepToTimex renders a one-shot step as the timex clock_adjtime expects
func stepToTimex(step time.Duration) *unix.Timex {
	sign := 1
	if step < 0 {
		sign = -1
		step = step * -1
	}
	tx := &unix.Timex{}
	tx.Modes = AdjSetOffset | AdjNano
	tx.Time.Sec = int64(sign) * int64(step/time.Second)
	// with AdjNano the Usec field holds nanoseconds
	tx.Time.Usec = int64(sign) * int64(step%time.Second)
	/*
	 * The value of a timeval is the sum of its fields, but the
	 * field tv_usec must always be non-negative.
	 */
	if tx.Time.Usec < 0 {
		tx.Time.Sec--
		tx.Time.Usec += 1000000000
	}
	return tx
}

// Step steps clock by given step
func Step(clockid int32, step time.Duration) (state int, err error) {
	return unix.ClockAdjtime(clockid, stepToTimex(step))
}

// MaxFreqPPB returns maximum frequency adjustment supported by the clock
func MaxFreqPPB(clockid int32) (freqPPB float64, state int, err error) {
	tx := &unix.Timex{}
	state, err = unix.ClockAdjtime(clockid, tx)
	if err != nil {
		return 0.0, state, err
	}
	// man(2) clock_adjtime
	freqPPB = float64(tx.Tolerance) / PPBToTimexPPM
	if freqPPB == 0 {
		freqPPB = 500000
	}
	return freqPPB, state, nil
}
