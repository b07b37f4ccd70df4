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
	ptp "github.com/caobinxin/linuxptp/protocol"
)

// Event is a port state machine event
type Event uint8

// Port state machine events. EventStateDecision is special: it is never fed
// into the state machine, it tells the clock to run best master selection.
const (
	EventNone Event = iota
	EventInitialize
	EventFaultDetected
	EventStateDecision
	EventAnnounceReceiptTimeout
	EventQualificationTimeout
	EventMasterClockSelected
	EventRSMaster
	EventRSSlave
	EventRSPassive
)

// EventToString is a map from Event to string
var EventToString = map[Event]string{
	EventNone:                   "NONE",
	EventInitialize:             "INITIALIZE",
	EventFaultDetected:          "FAULT_DETECTED",
	EventStateDecision:          "STATE_DECISION",
	EventAnnounceReceiptTimeout: "ANNOUNCE_RECEIPT_TIMEOUT",
	EventQualificationTimeout:   "QUALIFICATION_TIMEOUT",
	EventMasterClockSelected:    "MASTER_CLOCK_SELECTED",
	EventRSMaster:               "RS_MASTER",
	EventRSSlave:                "RS_SLAVE",
	EventRSPassive:              "RS_PASSIVE",
}

func (e Event) String() string {
	return EventToString[e]
}

// clockFSM is the state machine of an ordinary (master-capable) port.
// It returns the state the port should move to on the given event;
// events with no transition from the current state leave it unchanged.
func clockFSM(state ptp.PortState, event Event) ptp.PortState {
	if event == EventInitialize || event == EventFaultDetected {
		return ptp.PortStateInitializing
	}
	switch state {
	case ptp.PortStateInitializing:
		// leaving Initializing requires a dispatch of EventInitialize,
		// handled above
	case ptp.PortStateListening:
		switch event {
		case EventAnnounceReceiptTimeout:
			return ptp.PortStateMaster
		case EventRSMaster:
			return ptp.PortStatePreMaster
		case EventRSSlave:
			return ptp.PortStateUncalibrated
		case EventRSPassive:
			return ptp.PortStatePassive
		}
	case ptp.PortStatePreMaster:
		switch event {
		case EventQualificationTimeout:
			return ptp.PortStateMaster
		case EventRSSlave:
			return ptp.PortStateUncalibrated
		case EventRSPassive:
			return ptp.PortStatePassive
		}
	case ptp.PortStateMaster, ptp.PortStateGrandMaster:
		switch event {
		case EventRSSlave:
			return ptp.PortStateUncalibrated
		case EventRSPassive:
			return ptp.PortStatePassive
		}
	case ptp.PortStatePassive:
		switch event {
		case EventAnnounceReceiptTimeout:
			return ptp.PortStateMaster
		case EventRSMaster:
			return ptp.PortStatePreMaster
		case EventRSSlave:
			return ptp.PortStateUncalibrated
		}
	case ptp.PortStateUncalibrated:
		switch event {
		case EventAnnounceReceiptTimeout:
			return ptp.PortStateMaster
		case EventMasterClockSelected:
			return ptp.PortStateSlave
		case EventRSMaster:
			return ptp.PortStatePreMaster
		case EventRSPassive:
			return ptp.PortStatePassive
		}
	case ptp.PortStateSlave:
		switch event {
		case EventAnnounceReceiptTimeout:
			return ptp.PortStateMaster
		case EventRSMaster:
			return ptp.PortStatePreMaster
		case EventRSPassive:
			return ptp.PortStatePassive
		}
	}
	return state
}

// slaveFSM is the state machine of a slave-only port: it never
// enters Master, PreMaster or Passive, losing its master sends it
// back to Listening instead.
func slaveFSM(state ptp.PortState, event Event) ptp.PortState {
	if event == EventInitialize || event == EventFaultDetected {
		return ptp.PortStateInitializing
	}
	switch state {
	case ptp.PortStateInitializing:
	case ptp.PortStateListening:
		if event == EventRSSlave {
			return ptp.PortStateUncalibrated
		}
	case ptp.PortStateUncalibrated:
		switch event {
		case EventAnnounceReceiptTimeout:
			return ptp.PortStateListening
		case EventMasterClockSelected:
			return ptp.PortStateSlave
		}
	case ptp.PortStateSlave:
		if event == EventAnnounceReceiptTimeout {
			return ptp.PortStateListening
		}
	default:
		// a slave-only port has no business in master states
		return ptp.PortStateListening
	}
	return state
}
