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

/*
Package port implements a PTP port bound to one network interface:
multicast event/general sockets, the protocol timers, the port state
machine and the foreign master record set. The port does not decide
anything globally - it translates I/O readiness into state machine
events and leaves best master selection to the owning clock.
*/
package port

import (
	"fmt"
	"math/rand"
	"net"
	"time"

	ptp "github.com/caobinxin/linuxptp/protocol"
	"github.com/caobinxin/linuxptp/timestamp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// Readiness slots of one port, in the order the clock polls them.
// First the two sockets, then the timers.
const (
	fdEvent = iota
	fdGeneral
	fdAnnounceTimer
	fdDelayTimer
	fdQualificationTimer
	fdMannoTimer
	fdSyncTimer
	// NSlots is how many descriptor slots each port owns
	NSlots
)

// message lengths on the wire, common header included
const (
	announceLen     = 64
	syncDelayReqLen = 44
	followUpLen     = 44
	delayRespLen    = 54
)

// controlField values for the obsolete UDPv4 compatibility field, Table 42
const (
	controlSync      = 0
	controlDelayReq  = 1
	controlFollowUp  = 2
	controlDelayResp = 3
	controlOther     = 5
)

// Clock is the view of the owning clock a port needs: the dataset fields
// that go into outgoing messages and the two timestamp-processing
// entry points invoked while handling synchronization exchanges.
type Clock interface {
	ClockIdentity() ptp.ClockIdentity
	DomainNumber() uint8
	SlaveOnly() bool
	StepsRemoved() uint16
	ParentIdentity() ptp.PortIdentity
	AnnounceBody() ptp.AnnounceBody
	AnnounceFlags() uint16
	Synchronize(ingress time.Time, origin ptp.Timestamp, correction1, correction2 ptp.Correction)
	PathDelay(req time.Time, rx ptp.Timestamp, correction ptp.Correction)
}

// Config is the static per-port configuration
type Config struct {
	Iface                  string
	Timestamping           string
	AnnounceReceiptTimeout int
	LogAnnounceInterval    ptp.LogInterval
	LogSyncInterval        ptp.LogInterval
	LogMinDelayReqInterval ptp.LogInterval
}

// udpConn is the subset of *net.UDPConn the port writes through
type udpConn interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	Close() error
}

// Port is one PTP port. All methods must be called from the clock's
// poll loop goroutine, the port does no locking.
type Port struct {
	cfg      Config
	clock    Clock
	number   uint16
	identity ptp.PortIdentity
	state    ptp.PortState

	eventConn   udpConn
	generalConn udpConn
	eventFd     int
	generalFd   int
	timerFds    [NSlots]int // only timer slots are used, socket slots stay -1

	eventDst   *net.UDPAddr
	generalDst *net.UDPAddr

	foreign map[ptp.PortIdentity]*Foreign
	best    *Foreign

	announceSeq uint16
	syncSeq     uint16
	delayReqSeq uint16

	// two-step sync in flight, waiting for its follow-up
	syncPending    bool
	syncRxSeq      uint16
	syncIngress    time.Time
	syncCorrection ptp.Correction

	// last delay request sent, waiting for its response
	delayReqTx time.Time

	buf  []byte
	gbuf []byte
	oob  []byte
}

// Open brings up a port on the named interface with the given port number
// (1-based, unique within the clock). The sockets join the PTP primary
// multicast group and software RX timestamping is enabled on the event
// socket. The port starts in the Initializing state and does nothing
// until EventInitialize is dispatched to it.
func Open(cfg Config, number int, c Clock) (*Port, error) {
	iface, err := net.InterfaceByName(cfg.Iface)
	if err != nil {
		return nil, fmt.Errorf("looking up interface %q: %w", cfg.Iface, err)
	}
	mcast := net.ParseIP(ptp.DefaultMulticastAddr)

	p := &Port{
		cfg:        cfg,
		clock:      c,
		number:     uint16(number),
		identity:   ptp.PortIdentity{ClockIdentity: c.ClockIdentity(), PortNumber: uint16(number)},
		state:      ptp.PortStateInitializing,
		eventDst:   &net.UDPAddr{IP: mcast, Port: ptp.PortEvent},
		generalDst: &net.UDPAddr{IP: mcast, Port: ptp.PortGeneral},
		foreign:    map[ptp.PortIdentity]*Foreign{},
		buf:        make([]byte, timestamp.PayloadSizeBytes),
		gbuf:       make([]byte, timestamp.PayloadSizeBytes),
		oob:        make([]byte, timestamp.ControlSizeBytes),
	}
	for i := range p.timerFds {
		p.timerFds[i] = -1
	}

	eventConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: ptp.PortEvent})
	if err != nil {
		return nil, fmt.Errorf("listening on event port: %w", err)
	}
	p.eventConn = eventConn
	if err := joinMulticast(eventConn, iface, mcast); err != nil {
		p.Close()
		return nil, err
	}
	p.eventFd, err = timestamp.ConnFd(eventConn)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := timestamp.EnableSWTimestampsRx(p.eventFd); err != nil {
		p.Close()
		return nil, fmt.Errorf("enabling RX timestamps: %w", err)
	}

	generalConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: ptp.PortGeneral})
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("listening on general port: %w", err)
	}
	p.generalConn = generalConn
	if err := joinMulticast(generalConn, iface, mcast); err != nil {
		p.Close()
		return nil, err
	}
	p.generalFd, err = timestamp.ConnFd(generalConn)
	if err != nil {
		p.Close()
		return nil, err
	}

	for _, slot := range []int{fdAnnounceTimer, fdDelayTimer, fdQualificationTimer, fdMannoTimer, fdSyncTimer} {
		fd, err := newTimer()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("creating timer: %w", err)
		}
		p.timerFds[slot] = fd
	}

	log.Infof("port %d (%s): opened", p.number, cfg.Iface)
	return p, nil
}

func joinMulticast(conn *net.UDPConn, iface *net.Interface, group net.IP) error {
	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(iface, &net.UDPAddr{IP: group}); err != nil {
		return fmt.Errorf("joining multicast group %s on %s: %w", group, iface.Name, err)
	}
	if err := pc.SetMulticastInterface(iface); err != nil {
		return fmt.Errorf("setting multicast interface: %w", err)
	}
	if err := pc.SetMulticastLoopback(false); err != nil {
		return fmt.Errorf("disabling multicast loopback: %w", err)
	}
	return nil
}

// Close releases the port's sockets and timers
func (p *Port) Close() error {
	for slot, fd := range p.timerFds {
		if fd >= 0 {
			_ = unix.Close(fd)
			p.timerFds[slot] = -1
		}
	}
	if p.eventConn != nil {
		_ = p.eventConn.Close()
		p.eventConn = nil
	}
	if p.generalConn != nil {
		_ = p.generalConn.Close()
		p.generalConn = nil
	}
	return nil
}

// Fds returns the port's descriptors in slot order for the clock to
// register in its poll set
func (p *Port) Fds() [NSlots]int {
	fds := p.timerFds
	fds[fdEvent] = p.eventFd
	fds[fdGeneral] = p.generalFd
	return fds
}

// Number returns the 1-based port number
func (p *Port) Number() uint16 {
	return p.number
}

// State returns the current state of the port's state machine
func (p *Port) State() ptp.PortState {
	return p.state
}

// Identity returns this port's identity
func (p *Port) Identity() ptp.PortIdentity {
	return p.identity
}

func (p *Port) isMaster() bool {
	return p.state == ptp.PortStateMaster || p.state == ptp.PortStateGrandMaster
}

func (p *Port) isSlaveSide() bool {
	return p.state == ptp.PortStateSlave || p.state == ptp.PortStateUncalibrated
}

func (p *Port) announceInterval() time.Duration {
	return p.cfg.LogAnnounceInterval.Duration()
}

// Dispatch feeds one event into the port's state machine and performs
// the entry actions of the new state
func (p *Port) Dispatch(event Event) {
	if event == EventNone {
		return
	}
	fsm := clockFSM
	if p.clock.SlaveOnly() {
		fsm = slaveFSM
	}
	next := fsm(p.state, event)
	if next == ptp.PortStateInitializing {
		p.initialize()
		return
	}
	if next == p.state {
		return
	}
	log.Infof("port %d: %s to %s on %s", p.number, p.state, next, event)
	p.state = next
	switch next {
	case ptp.PortStateListening:
		p.stopTimers()
		p.armAnnounceTimeout()
	case ptp.PortStatePreMaster:
		// qualify for (stepsRemoved+1) announce intervals before
		// taking over as master
		d := time.Duration(1+p.clock.StepsRemoved()) * p.announceInterval()
		if err := armTimerOnce(p.timerFds[fdQualificationTimer], d); err != nil {
			log.Errorf("port %d: arming qualification timer: %v", p.number, err)
		}
	case ptp.PortStateMaster, ptp.PortStateGrandMaster:
		p.stopTimers()
		if err := armTimerPeriodic(p.timerFds[fdMannoTimer], p.announceInterval()); err != nil {
			log.Errorf("port %d: arming announce timer: %v", p.number, err)
		}
		if err := armTimerPeriodic(p.timerFds[fdSyncTimer], p.cfg.LogSyncInterval.Duration()); err != nil {
			log.Errorf("port %d: arming sync timer: %v", p.number, err)
		}
	case ptp.PortStateUncalibrated:
		p.syncPending = false
		p.armDelayReqTimeout()
	case ptp.PortStatePassive:
		_ = stopTimer(p.timerFds[fdDelayTimer])
		_ = stopTimer(p.timerFds[fdMannoTimer])
		_ = stopTimer(p.timerFds[fdSyncTimer])
	}
}

// initialize resets the port to a clean Listening state: foreign master
// records dropped, timers stopped, announce receipt timeout armed.
func (p *Port) initialize() {
	log.Infof("port %d: %s to %s", p.number, p.state, ptp.PortStateListening)
	p.foreign = map[ptp.PortIdentity]*Foreign{}
	p.best = nil
	p.syncPending = false
	p.state = ptp.PortStateListening
	p.stopTimers()
	p.armAnnounceTimeout()
}

func (p *Port) stopTimers() {
	for _, slot := range []int{fdAnnounceTimer, fdDelayTimer, fdQualificationTimer, fdMannoTimer, fdSyncTimer} {
		_ = stopTimer(p.timerFds[slot])
	}
}

func (p *Port) armAnnounceTimeout() {
	d := time.Duration(p.cfg.AnnounceReceiptTimeout) * p.announceInterval()
	if err := armTimerOnce(p.timerFds[fdAnnounceTimer], d); err != nil {
		log.Errorf("port %d: arming announce receipt timeout: %v", p.number, err)
	}
}

// armDelayReqTimeout schedules the next delay request at a random point
// within two mean intervals, as the standard requires
func (p *Port) armDelayReqTimeout() {
	// extreme log2 intervals truncate to zero nanoseconds, which both
	// panics Int63n and would disarm the timer
	interval := p.cfg.LogMinDelayReqInterval.Duration()
	if interval < time.Nanosecond {
		interval = time.Nanosecond
	}
	d := time.Duration(1 + rand.Int63n(int64(2*interval)))
	if err := armTimerOnce(p.timerFds[fdDelayTimer], d); err != nil {
		log.Errorf("port %d: arming delay request timer: %v", p.number, err)
	}
}

// Event translates readiness of one descriptor slot into a state
// machine event. I/O errors are logged and swallowed, a lost packet is
// recovered by the protocol's natural retransmission.
func (p *Port) Event(slot int) Event {
	switch slot {
	case fdEvent:
		return p.readEventPacket()
	case fdGeneral:
		return p.readGeneralPacket()
	case fdAnnounceTimer:
		drainTimer(p.timerFds[fdAnnounceTimer])
		log.Debugf("port %d: announce receipt timeout", p.number)
		return EventAnnounceReceiptTimeout
	case fdDelayTimer:
		drainTimer(p.timerFds[fdDelayTimer])
		if p.isSlaveSide() {
			p.sendDelayReq()
			p.armDelayReqTimeout()
		}
		return EventNone
	case fdQualificationTimer:
		drainTimer(p.timerFds[fdQualificationTimer])
		return EventQualificationTimeout
	case fdMannoTimer:
		drainTimer(p.timerFds[fdMannoTimer])
		if p.isMaster() {
			p.sendAnnounce()
		}
		return EventNone
	case fdSyncTimer:
		drainTimer(p.timerFds[fdSyncTimer])
		if p.isMaster() {
			p.sendSync()
		}
		return EventNone
	}
	return EventNone
}

func (p *Port) readEventPacket() Event {
	n, _, rxts, err := timestamp.ReadPacketWithRXTimestampBuf(p.eventFd, p.buf, p.oob)
	if err != nil {
		log.Errorf("port %d: reading event packet: %v", p.number, err)
		return EventNone
	}
	if rxts.IsZero() {
		rxts = time.Now()
	}
	packet, err := ptp.DecodePacket(p.buf[:n])
	if err != nil {
		log.Debugf("port %d: ignoring event packet: %v", p.number, err)
		return EventNone
	}
	msg, ok := packet.(*ptp.SyncDelayReq)
	if !ok {
		return EventNone
	}
	switch msg.MessageType() {
	case ptp.MessageSync:
		return p.handleSync(msg, rxts)
	case ptp.MessageDelayReq:
		return p.handleDelayReq(msg, rxts)
	}
	return EventNone
}

func (p *Port) readGeneralPacket() Event {
	n, _, err := unix.Recvfrom(p.generalFd, p.gbuf, 0)
	if err != nil {
		log.Errorf("port %d: reading general packet: %v", p.number, err)
		return EventNone
	}
	packet, err := ptp.DecodePacket(p.gbuf[:n])
	if err != nil {
		log.Debugf("port %d: ignoring general packet: %v", p.number, err)
		return EventNone
	}
	switch msg := packet.(type) {
	case *ptp.Announce:
		return p.handleAnnounce(msg, time.Now())
	case *ptp.FollowUp:
		return p.handleFollowUp(msg)
	case *ptp.DelayResp:
		return p.handleDelayResp(msg)
	}
	return EventNone
}

func (p *Port) acceptable(h *ptp.Header) bool {
	if h.DomainNumber != p.clock.DomainNumber() {
		return false
	}
	// ignore our own multicasts
	if h.SourcePortIdentity.ClockIdentity == p.clock.ClockIdentity() {
		return false
	}
	return true
}

func (p *Port) fromParent(h *ptp.Header) bool {
	return h.SourcePortIdentity == p.clock.ParentIdentity()
}

func (p *Port) handleAnnounce(msg *ptp.Announce, ingress time.Time) Event {
	if !p.acceptable(&msg.Header) {
		return EventNone
	}
	log.Debugf("port %d: announce from %s, gm %s", p.number, msg.SourcePortIdentity, msg.GrandmasterIdentity)
	p.armAnnounceTimeout()
	if p.updateForeign(msg, ingress) {
		return EventStateDecision
	}
	return EventNone
}

func (p *Port) handleSync(msg *ptp.SyncDelayReq, ingress time.Time) Event {
	if !p.acceptable(&msg.Header) || !p.isSlaveSide() || !p.fromParent(&msg.Header) {
		return EventNone
	}
	if msg.FlagField&ptp.FlagTwoStep != 0 {
		p.syncPending = true
		p.syncRxSeq = msg.SequenceID
		p.syncIngress = ingress
		p.syncCorrection = msg.CorrectionField
		return EventNone
	}
	p.clock.Synchronize(ingress, msg.OriginTimestamp, msg.CorrectionField, 0)
	if p.state == ptp.PortStateUncalibrated {
		return EventMasterClockSelected
	}
	return EventNone
}

func (p *Port) handleFollowUp(msg *ptp.FollowUp) Event {
	if !p.acceptable(&msg.Header) || !p.isSlaveSide() || !p.fromParent(&msg.Header) {
		return EventNone
	}
	if !p.syncPending || msg.SequenceID != p.syncRxSeq {
		log.Debugf("port %d: unmatched follow-up seq %d", p.number, msg.SequenceID)
		return EventNone
	}
	p.syncPending = false
	p.clock.Synchronize(p.syncIngress, msg.PreciseOriginTimestamp, p.syncCorrection, msg.CorrectionField)
	if p.state == ptp.PortStateUncalibrated {
		return EventMasterClockSelected
	}
	return EventNone
}

func (p *Port) handleDelayReq(msg *ptp.SyncDelayReq, ingress time.Time) Event {
	if !p.acceptable(&msg.Header) || !p.isMaster() {
		return EventNone
	}
	resp := &ptp.DelayResp{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageDelayResp, 0),
			Version:            ptp.Version,
			MessageLength:      delayRespLen,
			DomainNumber:       p.clock.DomainNumber(),
			CorrectionField:    msg.CorrectionField,
			SourcePortIdentity: p.identity,
			SequenceID:         msg.SequenceID,
			ControlField:       controlDelayResp,
			LogMessageInterval: p.cfg.LogMinDelayReqInterval,
		},
		DelayRespBody: ptp.DelayRespBody{
			ReceiveTimestamp:       ptp.NewTimestamp(ingress),
			RequestingPortIdentity: msg.SourcePortIdentity,
		},
	}
	p.sendGeneral(resp)
	return EventNone
}

func (p *Port) handleDelayResp(msg *ptp.DelayResp) Event {
	if !p.acceptable(&msg.Header) || !p.isSlaveSide() {
		return EventNone
	}
	if msg.RequestingPortIdentity != p.identity || msg.SequenceID != p.delayReqSeq {
		return EventNone
	}
	p.clock.PathDelay(p.delayReqTx, msg.ReceiveTimestamp, msg.CorrectionField)
	return EventNone
}

func (p *Port) sendAnnounce() {
	p.announceSeq++
	msg := &ptp.Announce{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageAnnounce, 0),
			Version:            ptp.Version,
			MessageLength:      announceLen,
			DomainNumber:       p.clock.DomainNumber(),
			FlagField:          p.clock.AnnounceFlags(),
			SourcePortIdentity: p.identity,
			SequenceID:         p.announceSeq,
			ControlField:       controlOther,
			LogMessageInterval: p.cfg.LogAnnounceInterval,
		},
		AnnounceBody: p.clock.AnnounceBody(),
	}
	p.sendGeneral(msg)
}

// sendSync transmits a two-step sync: the sync itself carries no
// meaningful origin, the follow-up carries the (software) transmit
// timestamp taken right after the sync left.
func (p *Port) sendSync() {
	p.syncSeq++
	sync := &ptp.SyncDelayReq{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageSync, 0),
			Version:            ptp.Version,
			MessageLength:      syncDelayReqLen,
			DomainNumber:       p.clock.DomainNumber(),
			FlagField:          ptp.FlagTwoStep,
			SourcePortIdentity: p.identity,
			SequenceID:         p.syncSeq,
			ControlField:       controlSync,
			LogMessageInterval: p.cfg.LogSyncInterval,
		},
	}
	p.sendEvent(sync)
	txts := time.Now()

	fup := &ptp.FollowUp{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageFollowUp, 0),
			Version:            ptp.Version,
			MessageLength:      followUpLen,
			DomainNumber:       p.clock.DomainNumber(),
			SourcePortIdentity: p.identity,
			SequenceID:         p.syncSeq,
			ControlField:       controlFollowUp,
			LogMessageInterval: p.cfg.LogSyncInterval,
		},
		FollowUpBody: ptp.FollowUpBody{
			PreciseOriginTimestamp: ptp.NewTimestamp(txts),
		},
	}
	p.sendGeneral(fup)
}

func (p *Port) sendDelayReq() {
	p.delayReqSeq++
	msg := &ptp.SyncDelayReq{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageDelayReq, 0),
			Version:            ptp.Version,
			MessageLength:      syncDelayReqLen,
			DomainNumber:       p.clock.DomainNumber(),
			SourcePortIdentity: p.identity,
			SequenceID:         p.delayReqSeq,
			ControlField:       controlDelayReq,
			LogMessageInterval: 0x7f,
		},
	}
	p.delayReqTx = time.Now()
	p.sendEvent(msg)
}

func (p *Port) sendEvent(msg ptp.Packet) {
	p.sendTo(msg, p.eventConn, p.eventDst)
}

func (p *Port) sendGeneral(msg ptp.Packet) {
	p.sendTo(msg, p.generalConn, p.generalDst)
}

func (p *Port) sendTo(msg ptp.Packet, conn udpConn, dst *net.UDPAddr) {
	b, err := ptp.Bytes(msg)
	if err != nil {
		log.Errorf("port %d: encoding %s: %v", p.number, msg.MessageType(), err)
		return
	}
	if _, err := conn.WriteToUDP(b, dst); err != nil {
		log.Errorf("port %d: sending %s: %v", p.number, msg.MessageType(), err)
	}
}
