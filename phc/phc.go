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

// Package phc provides access to PTP Hardware Clock (PHC) devices.
package phc

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ClockRealtime is the reserved clock ID selecting the system clock,
// always usable without opening any device
const ClockRealtime int32 = unix.CLOCK_REALTIME

// FDToClockID converts file descriptor number to clockID.
// see man(3) clock_gettime, clock_settime
func FDToClockID(fd uintptr) int32 {
	return int32((int(^fd) << 3) | 3)
}

// Device is a PHC device
type Device struct {
	f *os.File
}

// Open a PHC device by path, i.e. /dev/ptp0
func Open(path string) (*Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PHC device %q: %w", path, err)
	}
	return &Device{f: f}, nil
}

// ClockID derives the clock ID usable with clock_adjtime from the device fd
func (d *Device) ClockID() int32 {
	return FDToClockID(d.f.Fd())
}

// MaxFreqAdjPPB reads the maximum frequency adjustment the device supports.
// A device reporting zero is not adjustable.
func (d *Device) MaxFreqAdjPPB() (float64, error) {
	caps, err := unix.IoctlPtpClockGetcaps(int(d.f.Fd()))
	if err != nil {
		return 0, fmt.Errorf("getting clock capabilities of %q: %w", d.f.Name(), err)
	}
	return float64(caps.Max_adj), nil
}

// Close the underlying device
func (d *Device) Close() error {
	return d.f.Close()
}
