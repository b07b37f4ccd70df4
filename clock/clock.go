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
Package clock is the synchronization core of the daemon. The Clock owns
all ports, the PTP datasets, the best master selection state, the path
delay filter and the servo. Its poll loop multiplexes readiness across
every port's descriptors, dispatches port events and runs the global
state decision, and its two timestamp-processing entry points turn
sync/delay exchanges into corrections of the target clock.

Everything here runs on the single goroutine driving Poll, there is no
locking and no internal concurrency.
*/
package clock

import (
	"errors"
	"fmt"
	"time"

	"github.com/caobinxin/linuxptp/bmc"
	"github.com/caobinxin/linuxptp/clockadj"
	"github.com/caobinxin/linuxptp/config"
	"github.com/caobinxin/linuxptp/filter"
	"github.com/caobinxin/linuxptp/phc"
	"github.com/caobinxin/linuxptp/port"
	ptp "github.com/caobinxin/linuxptp/protocol"
	"github.com/caobinxin/linuxptp/servo"
	"github.com/caobinxin/linuxptp/stats"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// MaxPorts bounds how many ports one clock can own
const MaxPorts = 8

// max frequency adjustment of the system clock when the kernel does not
// report a tolerance
const systemMaxFreqPPB = 512000.0

// Port is the per-interface collaborator as the clock sees it.
// *port.Port implements it, tests substitute fakes.
type Port interface {
	Close() error
	Fds() [port.NSlots]int
	Event(slot int) port.Event
	Dispatch(event port.Event)
	ComputeBest() *port.Foreign
	BestForeign() *port.Foreign
	State() ptp.PortState
	Number() uint16
}

// Adjuster is the actuation boundary: a persistent frequency trim and
// a one-shot time step, both independently fallible.
type Adjuster interface {
	AdjFreqPPB(freqPPB float64) error
	Step(step time.Duration) error
}

// phcDevice is the clock device surface Create needs.
// *phc.Device implements it, tests substitute fakes.
type phcDevice interface {
	ClockID() int32
	MaxFreqAdjPPB() (float64, error)
	Close() error
}

// SysAdjuster drives clock_adjtime(2) on the target clock
type SysAdjuster struct {
	ClockID int32
}

// AdjFreqPPB sets a persistent frequency trim in parts per billion
func (a *SysAdjuster) AdjFreqPPB(freqPPB float64) error {
	_, err := clockadj.AdjFreqPPB(a.ClockID, freqPPB)
	return err
}

// Step applies a one-time step to the clock
func (a *SysAdjuster) Step(step time.Duration) error {
	_, err := clockadj.Step(a.ClockID, step)
	return err
}

// Clock is the synchronization core. The zero value is unusable, get
// one from New and initialize it with Create.
type Clock struct {
	dev phcDevice
	adj Adjuster
	pi  servo.Servo

	dds DefaultDS
	cur CurrentDS
	dad ParentDS
	tds TimePropertiesDS

	ports  []Port
	pollFd []unix.PollFd

	// the selected best master, resolved against the owning port on
	// demand - the Foreign record itself belongs to the port
	hasBest      bool
	bestPort     int
	bestIdentity ptp.ClockIdentity

	avgDelay     *filter.Mave
	masterOffset time.Duration
	pathDelay    time.Duration
	c1, c2       time.Duration
	t1, t2       time.Time

	st *stats.Stats

	openPort func(cfg port.Config, number int, c port.Clock) (Port, error)
	openPHC  func(path string) (phcDevice, error)
}

func defaultOpenPort(cfg port.Config, number int, c port.Clock) (Port, error) {
	return port.Open(cfg, number, c)
}

func defaultOpenPHC(path string) (phcDevice, error) {
	return phc.Open(path)
}

// New returns an uninitialized clock
func New() *Clock {
	return &Clock{openPort: defaultOpenPort, openPHC: defaultOpenPHC}
}

// Create brings the clock up from configuration: open the target clock
// device, size the servo to its adjustment range, create the path delay
// filter, initialize the datasets to a self-referential grandmaster
// state, open one port per interface and dispatch the initialize event
// to each. If the clock was already initialized it is torn down first,
// so Create doubles as reconfiguration. Any failure tears down whatever
// was brought up and leaves the clock uninitialized.
func (c *Clock) Create(cfg *config.Config, dds DefaultDS, st *stats.Stats) error {
	if len(c.ports) > 0 {
		c.Destroy()
	}
	if len(cfg.Interfaces) > MaxPorts {
		return fmt.Errorf("too many interfaces: %d, max %d", len(cfg.Interfaces), MaxPorts)
	}

	var clkid int32
	maxFreq := systemMaxFreqPPB
	if cfg.PHC != "" {
		dev, err := c.openPHC(cfg.PHC)
		if err != nil {
			return fmt.Errorf("opening %s: %w", cfg.PHC, err)
		}
		maxFreq, err = dev.MaxFreqAdjPPB()
		if err != nil {
			_ = dev.Close()
			return fmt.Errorf("querying max adjustment of %s: %w", cfg.PHC, err)
		}
		if maxFreq == 0 {
			_ = dev.Close()
			return fmt.Errorf("clock is not adjustable")
		}
		c.dev = dev
		clkid = dev.ClockID()
	} else {
		clkid = phc.ClockRealtime
		if freq, _, err := clockadj.MaxFreqPPB(clkid); err == nil {
			maxFreq = freq
		}
	}
	if c.adj == nil {
		c.adj = &SysAdjuster{ClockID: clkid}
	}

	pi, err := servo.New("pi", maxFreq, cfg.SoftwareTimestamping())
	if err != nil {
		c.Destroy()
		return fmt.Errorf("creating clock servo: %w", err)
	}
	c.pi = pi
	c.avgDelay = filter.NewMave(cfg.FilterLength)

	c.dds = dds
	c.cur = CurrentDS{}
	c.tds = TimePropertiesDS{}
	c.dad = ParentDS{
		ParentPortIdentity:                    ptp.PortIdentity{ClockIdentity: dds.ClockIdentity},
		ObservedParentOffsetScaledLogVariance: 0xffff,
		ObservedParentClockPhaseChangeRate:    0x7fffffff,
		GrandmasterIdentity:                   dds.ClockIdentity,
		GrandmasterClockQuality:               dds.ClockQuality,
		GrandmasterPriority1:                  dds.Priority1,
		GrandmasterPriority2:                  dds.Priority2,
	}

	for i, iface := range cfg.Interfaces {
		pcfg := port.Config{
			Iface:                  iface.Name,
			Timestamping:           iface.Timestamping,
			AnnounceReceiptTimeout: cfg.AnnounceReceiptTimeout,
			LogAnnounceInterval:    cfg.LogAnnounceInterval,
			LogSyncInterval:        cfg.LogSyncInterval,
			LogMinDelayReqInterval: cfg.LogMinDelayReqInterval,
		}
		p, err := c.openPort(pcfg, 1+i, c)
		if err != nil {
			c.Destroy()
			return fmt.Errorf("opening port %s: %w", iface.Name, err)
		}
		c.ports = append(c.ports, p)
	}
	c.dds.NumberPorts = uint16(len(c.ports))

	c.pollFd = make([]unix.PollFd, len(c.ports)*port.NSlots)
	for i, p := range c.ports {
		fds := p.Fds()
		for j, fd := range fds {
			k := i*port.NSlots + j
			c.pollFd[k].Fd = int32(fd)
			c.pollFd[k].Events = unix.POLLIN | unix.POLLPRI
		}
	}

	c.st = st
	c.hasBest = false

	for _, p := range c.ports {
		p.Dispatch(port.EventInitialize)
	}
	return nil
}

// Destroy closes all ports and the clock device and zeroes the sync
// state, leaving the clock ready for another Create
func (c *Clock) Destroy() {
	for _, p := range c.ports {
		_ = p.Close()
	}
	c.ports = nil
	c.pollFd = nil
	if c.dev != nil {
		_ = c.dev.Close()
		c.dev = nil
	}
	c.adj = nil
	c.pi = nil
	c.avgDelay = nil
	c.dds = DefaultDS{}
	c.cur = CurrentDS{}
	c.dad = ParentDS{}
	c.tds = TimePropertiesDS{}
	c.hasBest = false
	c.bestPort = 0
	c.bestIdentity = 0
	c.masterOffset = 0
	c.pathDelay = 0
	c.c1, c.c2 = 0, 0
	c.t1, c.t2 = time.Time{}, time.Time{}
}

// Poll processes one wake-up of the readiness multiplexer: it blocks
// until some port descriptor is ready, dispatches every raised event in
// port-then-slot order and runs at most one state decision pass.
// An interrupted wait is a no-op. Any other wait failure is returned,
// the loop cannot make progress without the multiplexer.
func (c *Clock) Poll() error {
	n, err := unix.Poll(c.pollFd, -1)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("polling: %w", err)
	}
	if n == 0 {
		return nil
	}
	c.processReady()
	return nil
}

// processReady drains every ready descriptor slot in ascending
// (port, slot) order, then runs the state decision if any port asked
// for it - once, however many ports did.
func (c *Clock) processReady() {
	sde := false
	for i, p := range c.ports {
		for j := 0; j < port.NSlots; j++ {
			k := i*port.NSlots + j
			if c.pollFd[k].Revents&(unix.POLLIN|unix.POLLPRI) == 0 {
				continue
			}
			event := p.Event(j)
			if event == port.EventStateDecision {
				sde = true
			} else {
				p.Dispatch(event)
			}
		}
	}
	if sde {
		c.handleStateDecision()
	}
}

// handleStateDecision picks the best foreign master across all ports
// and reconciles every port's state against it. Runs at most once per
// Poll wake-up.
func (c *Clock) handleStateDecision() {
	var best *port.Foreign
	bestPort := -1
	for i, p := range c.ports {
		fc := p.ComputeBest()
		if fc == nil {
			continue
		}
		if best == nil || bmc.Dscmp(&fc.Dataset, &best.Dataset) > 0 {
			best = fc
			bestPort = i
		}
	}
	if best == nil {
		return
	}

	log.Infof("selected best master clock %s", best.Dataset.Identity)

	// delay samples from two different masters must never share a window
	if !c.hasBest || c.bestIdentity != best.Dataset.Identity {
		c.avgDelay.Reset()
	}
	c.hasBest = true
	c.bestPort = bestPort
	c.bestIdentity = best.Dataset.Identity

	view := &bmc.ClockView{
		DefaultDS:  c.DefaultDataset(),
		ClockClass: c.dds.ClockQuality.ClockClass,
		Best:       &best.Dataset,
		BestPort:   bestPort,
	}
	for i, p := range c.ports {
		pv := &bmc.PortView{Index: i, State: p.State()}
		if fc := p.BestForeign(); fc != nil {
			pv.Best = &fc.Dataset
		}
		ps := bmc.StateDecision(view, pv)
		var event port.Event
		switch ps {
		case ptp.PortStateListening:
			event = port.EventNone
		case ptp.PortStateGrandMaster:
			c.updateGrandmaster()
			event = port.EventRSMaster
		case ptp.PortStateMaster:
			event = port.EventRSMaster
		case ptp.PortStatePassive:
			event = port.EventRSPassive
		case ptp.PortStateSlave:
			c.updateSlave(best)
			event = port.EventRSSlave
		default:
			event = port.EventInitialize
		}
		p.Dispatch(event)
		if c.st != nil {
			c.st.SetPortState(p.Number(), p.State())
		}
	}
	if c.st != nil {
		c.st.SetGMPresent(c.bestIdentity != c.dds.ClockIdentity)
	}
}

// updateGrandmaster switches the parent and time-properties datasets to
// this clock being its own source of time
func (c *Clock) updateGrandmaster() {
	c.cur = CurrentDS{}
	c.dad.ParentPortIdentity = ptp.PortIdentity{ClockIdentity: c.dds.ClockIdentity}
	c.dad.GrandmasterIdentity = c.dds.ClockIdentity
	c.dad.GrandmasterClockQuality = c.dds.ClockQuality
	c.dad.GrandmasterPriority1 = c.dds.Priority1
	c.dad.GrandmasterPriority2 = c.dds.Priority2
	c.tds = TimePropertiesDS{
		CurrentUtcOffset: currentUTCOffset,
		PtpTimescale:     true,
		TimeSource:       ptp.TimeSourceInternalOscillator,
	}
}

// updateSlave adopts the selected master's latest announcement into the
// current, parent and time-properties datasets
func (c *Clock) updateSlave(best *port.Foreign) {
	ann := &best.Announce
	c.cur.StepsRemoved = 1 + best.Dataset.StepsRemoved
	c.dad.ParentPortIdentity = best.Dataset.Sender
	c.dad.GrandmasterIdentity = ann.GrandmasterIdentity
	c.dad.GrandmasterClockQuality = ann.GrandmasterClockQuality
	c.dad.GrandmasterPriority1 = ann.GrandmasterPriority1
	c.dad.GrandmasterPriority2 = ann.GrandmasterPriority2
	c.tds = TimePropertiesDS{
		CurrentUtcOffset:      ann.CurrentUTCOffset,
		CurrentUtcOffsetValid: ann.FlagField&ptp.FlagCurrentUtcOffsetValid != 0,
		Leap61:                ann.FlagField&ptp.FlagLeap61 != 0,
		Leap59:                ann.FlagField&ptp.FlagLeap59 != 0,
		TimeTraceable:         ann.FlagField&ptp.FlagTimeTraceable != 0,
		FrequencyTraceable:    ann.FlagField&ptp.FlagFrequencyTraceable != 0,
		PtpTimescale:          ann.FlagField&ptp.FlagPTPTimescale != 0,
		TimeSource:            ann.TimeSource,
	}
}

// PathDelay processes the delay half of an E2E exchange: t3 is our
// delay request transmit time, rx and correction come from the delay
// response. Together with the t1/t2/c1/c2 cached by Synchronize this
// yields one two-way delay sample. A negative sample indicates a
// transient timestamp inconsistency and is discarded, the filtered
// delay keeps its previous value.
func (c *Clock) PathDelay(req time.Time, rx ptp.Timestamp, correction ptp.Correction) {
	c3 := correction.Duration()
	t3 := req
	t4 := rx.Time()

	pd := (c.t2.Sub(t3) + t4.Sub(c.t1) - (c.c1 + c.c2 + c3)) / 2

	if pd < 0 {
		log.Debugf("negative path delay %10d", pd.Nanoseconds())
		log.Debugf("path_delay = (t2 - t3) + (t4 - t1) - (c1 + c2 + c3)")
		log.Debugf("t2 - t3 = %+10d", c.t2.Sub(t3).Nanoseconds())
		log.Debugf("t4 - t1 = %+10d", t4.Sub(c.t1).Nanoseconds())
		log.Debugf("c1 %10d c2 %10d c3 %10d", c.c1.Nanoseconds(), c.c2.Nanoseconds(), c3.Nanoseconds())
		return
	}

	c.pathDelay = c.avgDelay.Accumulate(pd)
	c.cur.MeanPathDelay = c.pathDelay
	if c.st != nil {
		c.st.SetPathDelay(float64(c.pathDelay.Nanoseconds()))
	}
	log.Debugf("path delay    %10d %10d", c.pathDelay.Nanoseconds(), pd.Nanoseconds())
}

// Synchronize processes the sync half of an exchange: the local ingress
// timestamp, the master's origin timestamp and the corrections of the
// sync/follow-up pair. It caches them for the next PathDelay call,
// computes the master offset and, once a path delay has been
// established, feeds the servo and actuates the clock. A zero path
// delay still means "no delay measured yet" and keeps the servo idle.
func (c *Clock) Synchronize(ingress time.Time, origin ptp.Timestamp, correction1, correction2 ptp.Correction) {
	c.t1 = origin.Time()
	c.t2 = ingress
	c.c1 = correction1.Duration()
	c.c2 = correction2.Duration()

	c.masterOffset = c.t2.Sub(c.t1) - c.pathDelay - c.c1 - c.c2
	c.cur.OffsetFromMaster = c.masterOffset
	if c.st != nil {
		c.st.SetMasterOffset(float64(c.masterOffset.Nanoseconds()))
	}

	if c.pathDelay == 0 {
		return
	}

	adj, state := c.pi.Sample(c.masterOffset.Nanoseconds(), uint64(ingress.UnixNano()))
	log.Debugf("master offset %10d %s adj %+7.0f", c.masterOffset.Nanoseconds(), state, adj)
	if c.st != nil {
		c.st.SetServoState(float64(state))
		c.st.SetFreqAdj(adj)
	}

	// actuation failures are recoverable, the next sample retries
	switch state {
	case servo.StateInit:
	case servo.StateJump:
		if err := c.adj.Step(-c.masterOffset); err != nil {
			log.Errorf("failed to step clock: %v", err)
		}
	case servo.StateLocked:
		if err := c.adj.AdjFreqPPB(-adj); err != nil {
			log.Errorf("failed to adjust the clock: %v", err)
		}
	}
}

// accessors used by the port layer to fill outgoing messages

// ClockClass returns the clock class this node announces
func (c *Clock) ClockClass() ptp.ClockClass {
	return c.dds.ClockQuality.ClockClass
}

// ClockIdentity returns the local clock identity
func (c *Clock) ClockIdentity() ptp.ClockIdentity {
	return c.dds.ClockIdentity
}

// DomainNumber returns the PTP domain this clock operates in
func (c *Clock) DomainNumber() uint8 {
	return c.dds.DomainNumber
}

// SlaveOnly reports whether this node may ever become a master
func (c *Clock) SlaveOnly() bool {
	return c.dds.SlaveOnly
}

// StepsRemoved returns the current hop count from the grandmaster
func (c *Clock) StepsRemoved() uint16 {
	return c.cur.StepsRemoved
}

// ParentIdentity returns the identity of the port we are synchronizing to
func (c *Clock) ParentIdentity() ptp.PortIdentity {
	return c.dad.ParentPortIdentity
}

// DefaultDataset renders the default dataset as a comparison dataset
// for best master selection
func (c *Clock) DefaultDataset() *bmc.Dataset {
	self := ptp.PortIdentity{ClockIdentity: c.dds.ClockIdentity}
	return &bmc.Dataset{
		Priority1: c.dds.Priority1,
		Identity:  c.dds.ClockIdentity,
		Quality:   c.dds.ClockQuality,
		Priority2: c.dds.Priority2,
		Sender:    self,
		Receiver:  self,
	}
}

// BestForeign resolves the currently selected best master against the
// owning port's record set. Returns nil when no foreign master is
// selected or the record is gone.
func (c *Clock) BestForeign() *port.Foreign {
	if !c.hasBest {
		return nil
	}
	fc := c.ports[c.bestPort].BestForeign()
	if fc == nil || fc.Dataset.Identity != c.bestIdentity {
		return nil
	}
	return fc
}

// AnnounceBody renders the announce fields this clock sends as master
func (c *Clock) AnnounceBody() ptp.AnnounceBody {
	return ptp.AnnounceBody{
		CurrentUTCOffset:        c.tds.CurrentUtcOffset,
		GrandmasterPriority1:    c.dad.GrandmasterPriority1,
		GrandmasterClockQuality: c.dad.GrandmasterClockQuality,
		GrandmasterPriority2:    c.dad.GrandmasterPriority2,
		GrandmasterIdentity:     c.dad.GrandmasterIdentity,
		StepsRemoved:            c.cur.StepsRemoved,
		TimeSource:              c.tds.TimeSource,
	}
}

// AnnounceFlags renders the time-properties flags for outgoing announces
func (c *Clock) AnnounceFlags() uint16 {
	var flags uint16
	if c.tds.CurrentUtcOffsetValid {
		flags |= ptp.FlagCurrentUtcOffsetValid
	}
	if c.tds.Leap61 {
		flags |= ptp.FlagLeap61
	}
	if c.tds.Leap59 {
		flags |= ptp.FlagLeap59
	}
	if c.tds.TimeTraceable {
		flags |= ptp.FlagTimeTraceable
	}
	if c.tds.FrequencyTraceable {
		flags |= ptp.FlagFrequencyTraceable
	}
	if c.tds.PtpTimescale {
		flags |= ptp.FlagPTPTimescale
	}
	return flags
}
