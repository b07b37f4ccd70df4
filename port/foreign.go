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

	"github.com/caobinxin/linuxptp/bmc"
	ptp "github.com/caobinxin/linuxptp/protocol"
)

// ForeignMasterThreshold is how many announce messages a foreign master
// must send before it becomes a candidate for best master selection.
const ForeignMasterThreshold = 2

// foreignMasterWindow is how many announce intervals a record survives
// without hearing from its master before it is dropped.
const foreignMasterWindow = 4

// Foreign is a record of a foreign master observed on this port:
// the comparison dataset distilled from its announcements plus the
// most recent announce message itself, which the clock reads when it
// adopts this master as its parent.
type Foreign struct {
	Dataset  bmc.Dataset
	Announce ptp.Announce

	count    int
	lastSeen time.Time
}

// Qualified reports whether enough announces were seen to make this
// record a candidate.
func (f *Foreign) Qualified() bool {
	return f.count >= ForeignMasterThreshold
}

// updateForeign records an announce message in the foreign master set.
// It reports whether the update warrants a best master selection run:
// true once the sender becomes qualified and on every announce after that,
// since each announce may carry changed dataset fields.
func (p *Port) updateForeign(ann *ptp.Announce, ingress time.Time) bool {
	sender := ann.SourcePortIdentity
	fc, ok := p.foreign[sender]
	if !ok {
		fc = &Foreign{}
		p.foreign[sender] = fc
	}
	if fc.count < ForeignMasterThreshold {
		fc.count++
	}
	fc.lastSeen = ingress
	fc.Announce = *ann
	fc.Dataset = bmc.Dataset{
		Priority1:    ann.GrandmasterPriority1,
		Identity:     ann.GrandmasterIdentity,
		Quality:      ann.GrandmasterClockQuality,
		Priority2:    ann.GrandmasterPriority2,
		StepsRemoved: ann.StepsRemoved,
		Sender:       sender,
		Receiver:     p.identity,
	}
	return fc.Qualified()
}

// ComputeBest prunes stale foreign master records, then picks this
// port's best qualified candidate, remembers it and returns it.
// Returns nil when the port has no qualified candidate.
func (p *Port) ComputeBest() *Foreign {
	window := foreignMasterWindow * p.cfg.LogAnnounceInterval.Duration()
	cutoff := time.Now().Add(-window)

	var best *Foreign
	for sender, fc := range p.foreign {
		if fc.lastSeen.Before(cutoff) {
			delete(p.foreign, sender)
			continue
		}
		if !fc.Qualified() {
			continue
		}
		if best == nil || bmc.Dscmp(&fc.Dataset, &best.Dataset) > 0 {
			best = fc
		}
	}
	p.best = best
	return best
}

// BestForeign returns the candidate picked by the last ComputeBest call.
// The record belongs to the port and is dropped when the port
// reinitializes, callers must not hold on to it across dispatches.
func (p *Port) BestForeign() *Foreign {
	return p.best
}
