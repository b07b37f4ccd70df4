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

// Package filter provides sample filters used to smooth noisy time measurements.
package filter

import (
	"time"
)

// Mave is a moving average over a fixed window of samples.
// Zero value is not usable, use NewMave.
type Mave struct {
	size        int
	currentSize int
	index       int
	sum         time.Duration
	samples     []time.Duration
}

// NewMave creates a moving average filter over a window of length samples
func NewMave(length int) *Mave {
	if length < 1 {
		length = 1
	}
	return &Mave{
		size:    length,
		samples: make([]time.Duration, length),
	}
}

// Accumulate adds a sample to the window and returns the updated average.
// Once the window is full the oldest sample is dropped.
func (m *Mave) Accumulate(sample time.Duration) time.Duration {
	if m.currentSize < m.size {
		m.currentSize++
	} else {
		m.sum -= m.samples[m.index]
	}
	m.samples[m.index] = sample
	m.index = (m.index + 1) % m.size
	m.sum += sample
	return m.sum / time.Duration(m.currentSize)
}

// Value returns the current average without accumulating anything.
// With no samples accumulated it returns 0.
func (m *Mave) Value() time.Duration {
	if m.currentSize == 0 {
		return 0
	}
	return m.sum / time.Duration(m.currentSize)
}

// Full reports whether the window has been filled
func (m *Mave) Full() bool {
	return m.currentSize == m.size
}

// Reset discards all accumulated history
func (m *Mave) Reset() {
	m.currentSize = 0
	m.index = 0
	m.sum = 0
	for i := range m.samples {
		m.samples[i] = 0
	}
}
