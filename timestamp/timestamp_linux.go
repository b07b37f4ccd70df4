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

package timestamp

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// unix.Cmsghdr size differs depending on platform
var socketControlMessageHeaderOffset = binary.Size(unix.Cmsghdr{})

var timestamping = unix.SO_TIMESTAMPING_NEW

func init() {
	// if kernel is older than 5, it doesn't support unix.SO_TIMESTAMPING_NEW
	var uname unix.Utsname
	if err := unix.Uname(&uname); err == nil {
		if uname.Release[0] < '5' {
			timestamping = unix.SO_TIMESTAMPING
		}
	}
}

// EnableSWTimestampsRx enables kernel software RX timestamps on the socket
func EnableSWTimestampsRx(connFd int) error {
	flags := unix.SOF_TIMESTAMPING_RX_SOFTWARE |
		unix.SOF_TIMESTAMPING_SOFTWARE
	return unix.SetsockoptInt(connFd, unix.SOL_SOCKET, timestamping, flags)
}

// byteToTime converts LittleEndian bytes into a timestamp.
// The layout is __kernel_timespec from linux/time_types.h, two 64bit ints
// regardless of platform.
func byteToTime(data []byte) (time.Time, error) {
	if len(data) < 16 {
		return time.Time{}, fmt.Errorf("not enough data for a timespec: %d", len(data))
	}
	sec := int64(binary.LittleEndian.Uint64(data[0:8]))
	nsec := int64(binary.LittleEndian.Uint64(data[8:]))
	return time.Unix(sec, nsec), nil
}

/*
scmDataToTime parses SocketControlMessage Data field into time.Time.
The structure can return up to three timestamps. This is a legacy
feature. Only one field is non-zero at any time. Most timestamps
are passed in ts[0]. Hardware timestamps are passed in ts[2].
*/
func scmDataToTime(data []byte) (ts time.Time, err error) {
	// 2 x 64bit ints
	size := 16
	if len(data) < size*3 {
		return ts, fmt.Errorf("not enough data for timestamps: %d", len(data))
	}
	// first, try to use hardware timestamps
	ts, err = byteToTime(data[size*2 : size*3])
	if err != nil {
		return ts, err
	}
	// if hw timestamps aren't present, use software timestamps.
	// we can't use ts.IsZero because a timestamp parsed using time.Unix()
	// reports IsZero() == false even if seconds and nanoseconds are zero.
	if ts.UnixNano() == 0 {
		ts, err = byteToTime(data[0:size])
		if err != nil {
			return ts, err
		}
		if ts.UnixNano() == 0 {
			return ts, fmt.Errorf("got zero timestamp")
		}
	}
	return ts, nil
}

// socketControlMessageTimestamp scans socket control messages for a timestamp,
// a restricted version of unix.ParseSocketControlMessage.
func socketControlMessageTimestamp(b []byte) (time.Time, error) {
	for i := 0; i+socketControlMessageHeaderOffset <= len(b); {
		hdr, rest, err := parseOneSocketControlMessage(b[i:])
		if err != nil {
			return time.Time{}, err
		}
		if hdr.Level == unix.SOL_SOCKET && (int(hdr.Type) == unix.SO_TIMESTAMPING_NEW || int(hdr.Type) == unix.SO_TIMESTAMPING) {
			return scmDataToTime(b[i+socketControlMessageHeaderOffset : i+int(hdr.Len)])
		}
		if rest <= 0 {
			break
		}
		i += rest
	}
	return time.Time{}, fmt.Errorf("no timestamp control messages found")
}

// parseOneSocketControlMessage reads a single cmsghdr from the buffer and
// returns it together with the aligned offset of the next message.
func parseOneSocketControlMessage(b []byte) (*unix.Cmsghdr, int, error) {
	if len(b) < socketControlMessageHeaderOffset {
		return nil, 0, fmt.Errorf("control message too short: %d", len(b))
	}
	var hdr unix.Cmsghdr
	hdr.Len = uint64(binary.NativeEndian.Uint64(b[0:8]))
	hdr.Level = int32(binary.NativeEndian.Uint32(b[8:12]))
	hdr.Type = int32(binary.NativeEndian.Uint32(b[12:16]))
	if hdr.Len < uint64(socketControlMessageHeaderOffset) || hdr.Len > uint64(len(b)) {
		return nil, 0, fmt.Errorf("invalid control message length %d", hdr.Len)
	}
	next := cmsgAlign(int(hdr.Len))
	return &hdr, next, nil
}

func cmsgAlign(n int) int {
	const align = 8 // sizeof(long) on 64bit linux
	return (n + align - 1) & ^(align - 1)
}
