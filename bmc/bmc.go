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

// Package bmc implements the Best Master Clock dataset comparison algorithm
// (IEEE 1588-2019 Figures 33 and 34) and the per-port state decision algorithm.
package bmc

import (
	ptp "github.com/caobinxin/linuxptp/protocol"
)

// Comparison results. Positive values mean A is better, negative mean B is better.
// The "Topo" variants mean the winner was picked by topology (steps removed and
// path identities) rather than by clock attributes.
const (
	Unknown     int = 0
	ABetter     int = 2
	ABetterTopo int = 1
	BBetterTopo int = -1
	BBetter     int = -2
)

// Dataset is the subset of announced fields the comparison runs on,
// plus the sender/receiver port identities of the path the announce took.
type Dataset struct {
	Priority1    uint8
	Identity     ptp.ClockIdentity
	Quality      ptp.ClockQuality
	Priority2    uint8
	StepsRemoved uint16
	Sender       ptp.PortIdentity
	Receiver     ptp.PortIdentity
}

// cmpIdentity is a three-way compare of clock identities
func cmpIdentity(a, b ptp.ClockIdentity) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// dscmp2 implements the part of Figure 34 that runs when both datasets
// advertise the same grandmaster, so only the topology can break the tie.
func dscmp2(a, b *Dataset) int {
	stepsA, stepsB := uint32(a.StepsRemoved), uint32(b.StepsRemoved)

	if stepsA+1 < stepsB {
		return ABetter
	}
	if stepsB+1 < stepsA {
		return BBetter
	}
	// We ignore the "error-1" conditions mentioned in the
	// standard, since there is nothing we can do about them anyway.
	if stepsA < stepsB {
		if diff := cmpIdentity(a.Receiver.ClockIdentity, b.Sender.ClockIdentity); diff != 0 {
			if diff < 0 {
				return ABetterTopo
			}
			return BBetterTopo
		}
		return Unknown
	}
	if stepsA > stepsB {
		if diff := cmpIdentity(a.Sender.ClockIdentity, b.Receiver.ClockIdentity); diff != 0 {
			if diff < 0 {
				return ABetterTopo
			}
			return BBetterTopo
		}
		return Unknown
	}
	if diff := cmpIdentity(a.Sender.ClockIdentity, b.Sender.ClockIdentity); diff != 0 {
		if diff < 0 {
			return ABetterTopo
		}
		return BBetterTopo
	}
	if diff := a.Receiver.Compare(b.Receiver); diff != 0 {
		if diff < 0 {
			return ABetterTopo
		}
		return BBetterTopo
	}
	return Unknown
}

// Dscmp compares two datasets. A nil dataset always loses to a non-nil one.
// For datasets with distinct grandmasters the identity is the final tiebreak,
// so there are no ties between them.
func Dscmp(a, b *Dataset) int {
	if a == b {
		return Unknown
	}
	if a != nil && b == nil {
		return ABetter
	}
	if b != nil && a == nil {
		return BBetter
	}

	if a.Identity == b.Identity {
		return dscmp2(a, b)
	}

	if a.Priority1 < b.Priority1 {
		return ABetter
	}
	if a.Priority1 > b.Priority1 {
		return BBetter
	}

	if a.Quality.ClockClass < b.Quality.ClockClass {
		return ABetter
	}
	if a.Quality.ClockClass > b.Quality.ClockClass {
		return BBetter
	}

	if a.Quality.ClockAccuracy < b.Quality.ClockAccuracy {
		return ABetter
	}
	if a.Quality.ClockAccuracy > b.Quality.ClockAccuracy {
		return BBetter
	}

	if a.Quality.OffsetScaledLogVariance < b.Quality.OffsetScaledLogVariance {
		return ABetter
	}
	if a.Quality.OffsetScaledLogVariance > b.Quality.OffsetScaledLogVariance {
		return BBetter
	}

	if a.Priority2 < b.Priority2 {
		return ABetter
	}
	if a.Priority2 > b.Priority2 {
		return BBetter
	}

	if a.Identity < b.Identity {
		return ABetter
	}
	return BBetter
}

// ClockView is what the state decision needs to know about the clock:
// its own candidacy as a master and the globally selected best foreign dataset.
type ClockView struct {
	DefaultDS  *Dataset
	ClockClass ptp.ClockClass
	Best       *Dataset // nil when no foreign master is selected
	BestPort   int      // index of the port owning Best, meaningful only when Best != nil
}

// PortView is the per-port input to the state decision.
type PortView struct {
	Index int
	State ptp.PortState
	Best  *Dataset // port's best foreign candidate, nil when it has none
}

// StateDecision implements the per-port state decision algorithm
// (IEEE 1588-2019 Figure 32), seeded with the globally selected best master.
// The recommendation codes from the standard are noted in the comments.
func StateDecision(c *ClockView, p *PortView) ptp.PortState {
	if p.Best == nil && p.State == ptp.PortStateListening {
		return ptp.PortStateListening
	}

	if c.ClockClass <= 127 {
		if Dscmp(c.DefaultDS, p.Best) > 0 {
			return ptp.PortStateGrandMaster /*M1*/
		}
		return ptp.PortStatePassive /*P1*/
	}

	if Dscmp(c.DefaultDS, c.Best) > 0 {
		return ptp.PortStateGrandMaster /*M2*/
	}

	if c.Best != nil && c.BestPort == p.Index {
		return ptp.PortStateSlave /*S1*/
	}
	if Dscmp(c.Best, p.Best) == ABetterTopo {
		return ptp.PortStatePassive /*P2*/
	}
	return ptp.PortStateMaster /*M3*/
}
