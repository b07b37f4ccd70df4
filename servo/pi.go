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

package servo

import (
	"math"

	log "github.com/sirupsen/logrus"
)

// proportional and integral constants, scaled by the sync interval
const (
	hwKpScale = 0.7
	hwKiScale = 0.3
	swKpScale = 0.1
	swKiScale = 0.001

	maxKpNormMax = 1.0
	maxKiNormMax = 2.0
)

// MaxStepThreshold is the offset above which a converged PI servo asks for a
// clock step instead of a frequency correction
const MaxStepThreshold = int64(100 * 1000 * 1000)

// PiServo is a proportional integral clock servo
type PiServo struct {
	maxFreq       float64
	stepThreshold int64
	kp            float64
	ki            float64
	kpScale       float64
	kiScale       float64
	offset        [2]int64
	local         [2]uint64
	drift         float64
	count         int
}

// NewPiServo creates a PI servo bound to the given max frequency adjustment.
// swTs selects gains suitable for the noise level of software timestamps.
func NewPiServo(maxFreqPPB float64, swTs bool) *PiServo {
	s := &PiServo{
		maxFreq:       maxFreqPPB,
		stepThreshold: MaxStepThreshold,
		kpScale:       hwKpScale,
		kiScale:       hwKiScale,
	}
	if swTs {
		s.kpScale = swKpScale
		s.kiScale = swKiScale
	}
	// reasonable gains until SyncInterval is called
	s.SyncInterval(1.0)
	return s
}

// SetMaxFreq is to adjust frequency range supported by the clock
func (s *PiServo) SetMaxFreq(freq float64) {
	s.maxFreq = freq
}

// SyncInterval informs the servo about the master's sync interval in seconds
func (s *PiServo) SyncInterval(interval float64) {
	s.kp = s.kpScale * math.Pow(interval, 0.0)
	if s.kp > maxKpNormMax/interval {
		s.kp = maxKpNormMax / interval
	}
	s.ki = s.kiScale * math.Pow(interval, 0.0)
	if s.ki > maxKiNormMax/interval {
		s.ki = maxKiNormMax / interval
	}
}

// Sample runs the control law on one offset measurement.
// The first two samples estimate the frequency drift and end in a clock step,
// after that the servo is locked and produces frequency corrections.
func (s *PiServo) Sample(offset int64, localTs uint64) (float64, State) {
	var kiTerm float64
	state := StateInit
	ppb := s.drift

	switch s.count {
	case 0:
		s.offset[0] = offset
		s.local[0] = localTs
		s.count = 1
	case 1:
		s.offset[1] = offset
		s.local[1] = localTs

		// the first sample must be older than the second
		if s.local[0] >= s.local[1] {
			s.count = 0
			break
		}

		// adjust drift by the frequency offset measured between the two samples
		s.drift += (math.Pow10(9) - s.drift) * float64(s.offset[1]-s.offset[0]) /
			float64(s.local[1]-s.local[0])

		if s.drift < -s.maxFreq {
			s.drift = -s.maxFreq
		} else if s.drift > s.maxFreq {
			s.drift = s.maxFreq
		}

		state = StateJump
		ppb = s.drift
		s.count = 2
	case 2:
		if offset > s.stepThreshold || offset < -s.stepThreshold {
			// too far gone for a frequency trim, start over with a step
			log.Warningf("servo: offset %d above step threshold, resetting", offset)
			s.count = 0
			state = StateInit
			break
		}
		state = StateLocked
		kiTerm = s.ki * float64(offset)
		ppb = s.kp*float64(offset) + s.drift + kiTerm
		if ppb < -s.maxFreq {
			ppb = -s.maxFreq
		} else if ppb > s.maxFreq {
			ppb = s.maxFreq
		} else {
			s.drift += kiTerm
		}
	}
	return ppb, state
}
