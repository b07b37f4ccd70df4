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

package port

import (
	"time"

	"golang.org/x/sys/unix"
)

// timers are timerfds multiplexed by the clock's poll loop together
// with the port's sockets, one slot each.

func newTimer() (int, error) {
	return unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK)
}

// armTimerPeriodic makes the timer fire every interval, first time after interval
func armTimerPeriodic(fd int, interval time.Duration) error {
	ts := unix.NsecToTimespec(interval.Nanoseconds())
	return unix.TimerfdSettime(fd, 0, &unix.ItimerSpec{Interval: ts, Value: ts}, nil)
}

// armTimerOnce makes the timer fire once after d
func armTimerOnce(fd int, d time.Duration) error {
	ts := unix.NsecToTimespec(d.Nanoseconds())
	return unix.TimerfdSettime(fd, 0, &unix.ItimerSpec{Value: ts}, nil)
}

func stopTimer(fd int) error {
	return unix.TimerfdSettime(fd, 0, &unix.ItimerSpec{}, nil)
}

// drainTimer consumes the expiration counter so the fd stops polling readable
func drainTimer(fd int) {
	var buf [8]byte
	_, _ = unix.Read(fd, buf[:])
}
