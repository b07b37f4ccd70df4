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

// Package timestamp provides kernel RX timestamping for PTP event sockets.
package timestamp

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// ControlSizeBytes is a size of a socket control message containing an RX timestamp
	ControlSizeBytes = 128
	// PayloadSizeBytes fits any PTP packet, they are usually up to 66 bytes
	PayloadSizeBytes = 128
)

// Timestamping modes
const (
	// HW is hardware timestamping, done by the NIC
	HW = "hardware"
	// SW is software timestamping, done by the kernel
	SW = "software"
)

// ConnFd returns file descriptor of a connection
func ConnFd(conn *net.UDPConn) (int, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var intfd int
	err = sc.Control(func(fd uintptr) {
		intfd = int(fd)
	})
	if err != nil {
		return -1, err
	}
	return intfd, nil
}

// ReadPacketWithRXTimestampBuf writes a packet into buf and returns the number of
// bytes copied, the sender address and the kernel RX timestamp.
// A missing timestamp is not an error, time.Time{} is returned in that case and the
// caller decides on a fallback. The oob buffer can be reused after the call.
func ReadPacketWithRXTimestampBuf(connFd int, buf, oob []byte) (int, unix.Sockaddr, time.Time, error) {
	bbuf, boob, _, saddr, err := unix.Recvmsg(connFd, buf, oob, 0)
	if err != nil {
		return 0, nil, time.Time{}, fmt.Errorf("reading packet with timestamp: %w", err)
	}
	ts, err := socketControlMessageTimestamp(oob[:boob])
	if err != nil {
		return bbuf, saddr, time.Time{}, nil
	}
	return bbuf, saddr, ts, nil
}
