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

package clock

import (
	"time"

	ptp "github.com/caobinxin/linuxptp/protocol"
)

// currentUTCOffset is the TAI-UTC offset announced while we are
// grandmaster without a better source of it
const currentUTCOffset = 37

// DefaultDS is the static configuration of this node's candidacy as a
// master, IEEE 1588-2019 section 8.2.1
type DefaultDS struct {
	ClockIdentity ptp.ClockIdentity
	ClockQuality  ptp.ClockQuality
	Priority1     uint8
	Priority2     uint8
	DomainNumber  uint8
	SlaveOnly     bool
	NumberPorts   uint16
}

// CurrentDS describes the clock's position relative to the currently
// selected master, section 8.2.2. Only meaningful while a foreign
// master is selected, zeroed when this node is grandmaster.
type CurrentDS struct {
	StepsRemoved     uint16
	OffsetFromMaster time.Duration
	MeanPathDelay    time.Duration
}

// ParentDS describes the immediate parent and the grandmaster chain,
// section 8.2.3. Self-referential while this node is grandmaster.
type ParentDS struct {
	ParentPortIdentity                    ptp.PortIdentity
	ParentStats                           bool
	ObservedParentOffsetScaledLogVariance uint16
	ObservedParentClockPhaseChangeRate    uint32
	GrandmasterIdentity                   ptp.ClockIdentity
	GrandmasterClockQuality               ptp.ClockQuality
	GrandmasterPriority1                  uint8
	GrandmasterPriority2                  uint8
}

// TimePropertiesDS carries the timescale properties of the domain,
// section 8.2.4, derived from the best master's announcements or from
// local defaults while grandmaster.
type TimePropertiesDS struct {
	CurrentUtcOffset      int16
	CurrentUtcOffsetValid bool
	Leap61                bool
	Leap59                bool
	TimeTraceable         bool
	FrequencyTraceable    bool
	PtpTimescale          bool
	TimeSource            ptp.TimeSource
}
