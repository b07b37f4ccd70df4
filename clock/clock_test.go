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
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/caobinxin/linuxptp/bmc"
	"github.com/caobinxin/linuxptp/config"
	"github.com/caobinxin/linuxptp/filter"
	"github.com/caobinxin/linuxptp/port"
	ptp "github.com/caobinxin/linuxptp/protocol"
	"github.com/caobinxin/linuxptp/servo"
	"github.com/caobinxin/linuxptp/timestamp"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const localIdentity ptp.ClockIdentity = 0x0001020304050607

var defaultQuality = ptp.ClockQuality{
	ClockClass:              ptp.ClockClassDefault,
	ClockAccuracy:           ptp.ClockAccuracyUnknown,
	OffsetScaledLogVariance: 0xffff,
}

type fakeAdjuster struct {
	freqs []float64
	steps []time.Duration
	err   error
}

func (a *fakeAdjuster) AdjFreqPPB(freqPPB float64) error {
	a.freqs = append(a.freqs, freqPPB)
	return a.err
}

func (a *fakeAdjuster) Step(step time.Duration) error {
	a.steps = append(a.steps, step)
	return a.err
}

type fakeServo struct {
	adj     float64
	state   servo.State
	samples []int64
}

func (s *fakeServo) Sample(offset int64, localTs uint64) (float64, servo.State) {
	s.samples = append(s.samples, offset)
	return s.adj, s.state
}

func (s *fakeServo) SyncInterval(float64) {}
func (s *fakeServo) SetMaxFreq(float64)   {}

type fakePort struct {
	number     uint16
	state      ptp.PortState
	slotEvents map[int]port.Event
	eventLog   *[]string
	dispatched []port.Event
	best       *port.Foreign
	computed   int
	closed     bool
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func (p *fakePort) Fds() [port.NSlots]int { return [port.NSlots]int{} }

func (p *fakePort) Event(slot int) port.Event {
	if p.eventLog != nil {
		*p.eventLog = append(*p.eventLog, fmt.Sprintf("%d/%d", p.number, slot))
	}
	return p.slotEvents[slot]
}

func (p *fakePort) Dispatch(event port.Event) {
	p.dispatched = append(p.dispatched, event)
}

func (p *fakePort) ComputeBest() *port.Foreign {
	p.computed++
	return p.best
}

func (p *fakePort) BestForeign() *port.Foreign { return p.best }
func (p *fakePort) State() ptp.PortState      { return p.state }
func (p *fakePort) Number() uint16            { return p.number }

// testClock wires a clock around fakes the way Create would
func testClock(ports ...*fakePort) (*Clock, *fakeServo, *fakeAdjuster) {
	fs := &fakeServo{}
	fa := &fakeAdjuster{}
	c := New()
	c.dds = DefaultDS{
		ClockIdentity: localIdentity,
		ClockQuality:  defaultQuality,
		Priority1:     128,
		Priority2:     128,
	}
	c.dad = ParentDS{
		ParentPortIdentity:      ptp.PortIdentity{ClockIdentity: localIdentity},
		GrandmasterIdentity:     localIdentity,
		GrandmasterClockQuality: c.dds.ClockQuality,
		GrandmasterPriority1:    c.dds.Priority1,
		GrandmasterPriority2:    c.dds.Priority2,
	}
	c.pi = fs
	c.adj = fa
	c.avgDelay = filter.NewMave(10)
	for _, p := range ports {
		c.ports = append(c.ports, p)
	}
	c.pollFd = make([]unix.PollFd, len(ports)*port.NSlots)
	return c, fs, fa
}

func foreignFrom(gm ptp.ClockIdentity, prio1 uint8, sender, receiver ptp.PortIdentity) *port.Foreign {
	return &port.Foreign{
		Dataset: bmc.Dataset{
			Priority1: prio1,
			Identity:  gm,
			Quality:   defaultQuality,
			Priority2: 128,
			Sender:    sender,
			Receiver:  receiver,
		},
		Announce: ptp.Announce{
			Header: ptp.Header{
				SourcePortIdentity: sender,
				FlagField:          ptp.FlagPTPTimescale | ptp.FlagTimeTraceable,
			},
			AnnounceBody: ptp.AnnounceBody{
				CurrentUTCOffset:        37,
				GrandmasterPriority1:    prio1,
				GrandmasterClockQuality: defaultQuality,
				GrandmasterPriority2:    128,
				GrandmasterIdentity:     gm,
				TimeSource:              ptp.TimeSourceGNSS,
			},
		},
	}
}

func TestSynchronizeOffsetMath(t *testing.T) {
	c, fs, _ := testClock()
	c.pathDelay = 200 * time.Nanosecond

	ingress := time.Unix(1000, 1000)
	origin := ptp.NewTimestamp(time.Unix(1000, 0))
	c.Synchronize(ingress, origin, ptp.NewCorrection(100), ptp.NewCorrection(50))

	// offset = ingress - (origin + pathDelay + c1 + c2)
	require.Equal(t, 650*time.Nanosecond, c.cur.OffsetFromMaster)
	require.Len(t, fs.samples, 1)
	require.Equal(t, int64(650), fs.samples[0])

	// inputs cached for the next path delay computation
	require.Equal(t, time.Unix(1000, 0), c.t1)
	require.Equal(t, ingress, c.t2)
	require.Equal(t, 100*time.Nanosecond, c.c1)
	require.Equal(t, 50*time.Nanosecond, c.c2)
}

func TestSynchronizeGatedOnPathDelay(t *testing.T) {
	c, fs, fa := testClock()
	fs.state = servo.StateJump

	c.Synchronize(time.Unix(1000, 1000), ptp.NewTimestamp(time.Unix(1000, 0)), ptp.NewCorrection(100), ptp.NewCorrection(50))

	// offset is recorded but the servo never runs without a path delay
	require.Equal(t, 850*time.Nanosecond, c.cur.OffsetFromMaster)
	require.Empty(t, fs.samples)
	require.Empty(t, fa.steps)
	require.Empty(t, fa.freqs)
}

func TestActuation(t *testing.T) {
	c, fs, fa := testClock()
	c.pathDelay = 200 * time.Nanosecond
	ingress := time.Unix(1000, 1000)
	origin := ptp.NewTimestamp(time.Unix(1000, 0))

	// converging servo leaves the clock alone
	fs.state = servo.StateInit
	c.Synchronize(ingress, origin, 0, 0)
	require.Empty(t, fa.steps)
	require.Empty(t, fa.freqs)

	// jump steps by the negated offset
	fs.state = servo.StateJump
	c.Synchronize(ingress, origin, 0, 0)
	require.Equal(t, []time.Duration{-800 * time.Nanosecond}, fa.steps)
	require.Empty(t, fa.freqs)

	// locked trims frequency by the negated adjustment
	fs.state = servo.StateLocked
	fs.adj = 1234.5
	c.Synchronize(ingress, origin, 0, 0)
	require.Equal(t, []float64{-1234.5}, fa.freqs)
}

func TestActuationFailureIsNotFatal(t *testing.T) {
	c, fs, fa := testClock()
	c.pathDelay = 200 * time.Nanosecond
	fs.state = servo.StateJump
	fa.err = errors.New("adjtime rejected")

	ingress := time.Unix(1000, 1000)
	c.Synchronize(ingress, ptp.NewTimestamp(time.Unix(1000, 0)), 0, 0)
	require.Len(t, fa.steps, 1)
	// internal state stays correct for the next sample
	require.Equal(t, 800*time.Nanosecond, c.cur.OffsetFromMaster)

	c.Synchronize(ingress, ptp.NewTimestamp(time.Unix(1000, 0)), 0, 0)
	require.Len(t, fa.steps, 2)
}

func TestPathDelayMath(t *testing.T) {
	c, _, _ := testClock()

	// sync half caches t1/t2/c1/c2
	c.Synchronize(time.Unix(1000, 1000), ptp.NewTimestamp(time.Unix(1000, 0)), ptp.NewCorrection(100), ptp.NewCorrection(50))

	// pd = ((t2-t3) + (t4-t1) - (c1+c2+c3)) / 2 = ((-200) + 1400 - 150) / 2
	c.PathDelay(time.Unix(1000, 1200), ptp.NewTimestamp(time.Unix(1000, 1400)), ptp.NewCorrection(0))
	require.Equal(t, 525*time.Nanosecond, c.pathDelay)
	require.Equal(t, 525*time.Nanosecond, c.cur.MeanPathDelay)
}

func TestPathDelaySignSymmetry(t *testing.T) {
	// a delay exchange and its sign-mirrored twin (every timestamp
	// difference and correction negated) produce raw samples of equal
	// magnitude and opposite sign
	c, _, _ := testClock()
	c.Synchronize(time.Unix(1000, 1000), ptp.NewTimestamp(time.Unix(1000, 0)), ptp.NewCorrection(100), ptp.NewCorrection(50))
	c.PathDelay(time.Unix(1000, 1200), ptp.NewTimestamp(time.Unix(1000, 1400)), ptp.NewCorrection(0))
	require.Equal(t, 525*time.Nanosecond, c.pathDelay)

	// mirror: t2-t3 = +200, t4-t1 = -1400, c1+c2+c3 = -150, pd = -525
	m, _, _ := testClock()
	m.Synchronize(time.Unix(1000, 1000), ptp.NewTimestamp(time.Unix(1000, 0)), ptp.NewCorrection(-100), ptp.NewCorrection(-50))
	m.PathDelay(time.Unix(1000, 800), ptp.NewTimestamp(time.Unix(999, 999998600)), ptp.NewCorrection(0))

	// the negated sample never enters the filter
	require.Equal(t, time.Duration(0), m.pathDelay)
	require.Equal(t, time.Duration(0), m.avgDelay.Value())
}

func TestNegativePathDelayDiscarded(t *testing.T) {
	c, _, _ := testClock()
	c.Synchronize(time.Unix(1000, 1000), ptp.NewTimestamp(time.Unix(1000, 0)), ptp.NewCorrection(100), ptp.NewCorrection(50))
	c.PathDelay(time.Unix(1000, 1200), ptp.NewTimestamp(time.Unix(1000, 1400)), ptp.NewCorrection(0))
	require.Equal(t, 525*time.Nanosecond, c.pathDelay)

	// pd = ((-2000) + 1400 - 150) / 2 < 0: filtered value unchanged
	c.PathDelay(time.Unix(1000, 3000), ptp.NewTimestamp(time.Unix(1000, 1400)), ptp.NewCorrection(0))
	require.Equal(t, 525*time.Nanosecond, c.pathDelay)

	// and the averaging window was not reset either:
	// next sample of 1045 averages with the surviving 525
	c.PathDelay(time.Unix(1000, 1200), ptp.NewTimestamp(time.Unix(1000, 2440)), ptp.NewCorrection(0))
	require.Equal(t, 785*time.Nanosecond, c.pathDelay)
}

func TestStateDecisionNoCandidates(t *testing.T) {
	p1 := &fakePort{number: 1, state: ptp.PortStateListening}
	p2 := &fakePort{number: 2, state: ptp.PortStateListening}
	c, _, _ := testClock(p1, p2)

	c.handleStateDecision()

	require.Empty(t, p1.dispatched)
	require.Empty(t, p2.dispatched)
	require.False(t, c.hasBest)
	// parent dataset remains self-referential
	require.Equal(t, localIdentity, c.dad.GrandmasterIdentity)
	require.Equal(t, ptp.PortIdentity{ClockIdentity: localIdentity}, c.dad.ParentPortIdentity)
}

func TestStateDecisionTwoPorts(t *testing.T) {
	senderA := ptp.PortIdentity{ClockIdentity: 0xAAAAAAAAAAAAAAAA, PortNumber: 1}
	senderB := ptp.PortIdentity{ClockIdentity: 0xBBBBBBBBBBBBBBBB, PortNumber: 1}
	recvA := ptp.PortIdentity{ClockIdentity: localIdentity, PortNumber: 1}
	recvB := ptp.PortIdentity{ClockIdentity: localIdentity, PortNumber: 2}

	p1 := &fakePort{number: 1, state: ptp.PortStateListening, best: foreignFrom(senderA.ClockIdentity, 130, senderA, recvA)}
	p2 := &fakePort{number: 2, state: ptp.PortStateListening, best: foreignFrom(senderB.ClockIdentity, 100, senderB, recvB)}
	c, _, _ := testClock(p1, p2)

	c.handleStateDecision()

	// port 2's candidate wins on priority1
	require.True(t, c.hasBest)
	require.Equal(t, senderB.ClockIdentity, c.bestIdentity)
	require.Equal(t, 1, c.bestPort)

	// every port gets a dispatch: the loser becomes master, the winner slave
	require.Equal(t, []port.Event{port.EventRSMaster}, p1.dispatched)
	require.Equal(t, []port.Event{port.EventRSSlave}, p2.dispatched)

	// parent and time properties datasets follow the winner's announce
	require.Equal(t, senderB, c.dad.ParentPortIdentity)
	require.Equal(t, senderB.ClockIdentity, c.dad.GrandmasterIdentity)
	require.Equal(t, uint8(100), c.dad.GrandmasterPriority1)
	require.Equal(t, uint16(1), c.cur.StepsRemoved)
	require.Equal(t, ptp.TimeSourceGNSS, c.tds.TimeSource)
	require.True(t, c.tds.TimeTraceable)
	require.True(t, c.tds.PtpTimescale)
	require.Equal(t, int16(37), c.tds.CurrentUtcOffset)
}

func TestStateDecisionGrandmaster(t *testing.T) {
	sender := ptp.PortIdentity{ClockIdentity: 0xAAAAAAAAAAAAAAAA, PortNumber: 1}
	recv := ptp.PortIdentity{ClockIdentity: localIdentity, PortNumber: 1}
	p1 := &fakePort{number: 1, state: ptp.PortStateListening, best: foreignFrom(sender.ClockIdentity, 200, sender, recv)}
	c, _, _ := testClock(p1)
	c.dds.Priority1 = 10 // we beat any foreign candidate

	// make the datasets look slaved first
	c.cur.StepsRemoved = 3
	c.dad.GrandmasterIdentity = sender.ClockIdentity

	c.handleStateDecision()

	// grandmaster recommendation: reset datasets to self, then master event
	require.Equal(t, []port.Event{port.EventRSMaster}, p1.dispatched)
	require.Equal(t, CurrentDS{}, c.cur)
	require.Equal(t, localIdentity, c.dad.GrandmasterIdentity)
	require.Equal(t, ptp.PortIdentity{ClockIdentity: localIdentity}, c.dad.ParentPortIdentity)
	require.True(t, c.tds.PtpTimescale)
	require.Equal(t, ptp.TimeSourceInternalOscillator, c.tds.TimeSource)
	require.Equal(t, int16(currentUTCOffset), c.tds.CurrentUtcOffset)
}

func TestFilterResetOnMasterChange(t *testing.T) {
	sender := ptp.PortIdentity{ClockIdentity: 0xAAAAAAAAAAAAAAAA, PortNumber: 1}
	recv := ptp.PortIdentity{ClockIdentity: localIdentity, PortNumber: 1}
	p1 := &fakePort{number: 1, state: ptp.PortStateListening, best: foreignFrom(sender.ClockIdentity, 100, sender, recv)}
	c, _, _ := testClock(p1)

	c.handleStateDecision()
	c.avgDelay.Accumulate(100 * time.Nanosecond)
	require.Equal(t, 100*time.Nanosecond, c.avgDelay.Value())

	// same master selected again: history survives
	c.handleStateDecision()
	require.Equal(t, 100*time.Nanosecond, c.avgDelay.Value())

	// a different master invalidates the window
	other := ptp.PortIdentity{ClockIdentity: 0xBBBBBBBBBBBBBBBB, PortNumber: 1}
	p1.best = foreignFrom(other.ClockIdentity, 90, other, recv)
	c.handleStateDecision()
	require.Equal(t, time.Duration(0), c.avgDelay.Value())
}

func TestProcessReadySingleDecisionPass(t *testing.T) {
	mkPort := func(n uint16, events map[int]port.Event) *fakePort {
		return &fakePort{number: n, state: ptp.PortStateListening, slotEvents: events}
	}

	// N ports signal the decision marker, the pass still runs once
	p1 := mkPort(1, map[int]port.Event{0: port.EventStateDecision})
	p2 := mkPort(2, map[int]port.Event{0: port.EventStateDecision})
	c, _, _ := testClock(p1, p2)
	c.pollFd[0].Revents = unix.POLLIN
	c.pollFd[port.NSlots].Revents = unix.POLLIN
	c.processReady()
	require.Equal(t, 1, p1.computed)
	require.Equal(t, 1, p2.computed)

	// one port signals it
	p1 = mkPort(1, map[int]port.Event{0: port.EventStateDecision})
	p2 = mkPort(2, nil)
	c, _, _ = testClock(p1, p2)
	c.pollFd[0].Revents = unix.POLLIN
	c.processReady()
	require.Equal(t, 1, p1.computed)
	require.Equal(t, 1, p2.computed)

	// nobody does: no decision pass at all
	p1 = mkPort(1, map[int]port.Event{2: port.EventAnnounceReceiptTimeout})
	c, _, _ = testClock(p1)
	c.pollFd[2].Revents = unix.POLLIN
	c.processReady()
	require.Equal(t, 0, p1.computed)
	// but the raised event was dispatched immediately
	require.Equal(t, []port.Event{port.EventAnnounceReceiptTimeout}, p1.dispatched)
}

func TestProcessReadyDeterministicOrder(t *testing.T) {
	var order []string
	p1 := &fakePort{number: 1, state: ptp.PortStateListening, eventLog: &order}
	p2 := &fakePort{number: 2, state: ptp.PortStateListening, eventLog: &order}
	c, _, _ := testClock(p1, p2)

	// raise slots out of order across both ports
	c.pollFd[4].Revents = unix.POLLIN
	c.pollFd[0].Revents = unix.POLLIN
	c.pollFd[port.NSlots+3].Revents = unix.POLLIN
	c.pollFd[port.NSlots+1].Revents = unix.POLLIN

	c.processReady()
	require.Equal(t, []string{"1/0", "1/4", "2/1", "2/3"}, order)
}

func TestBestForeignWeakReference(t *testing.T) {
	sender := ptp.PortIdentity{ClockIdentity: 0xAAAAAAAAAAAAAAAA, PortNumber: 1}
	recv := ptp.PortIdentity{ClockIdentity: localIdentity, PortNumber: 1}
	fc := foreignFrom(sender.ClockIdentity, 100, sender, recv)
	p1 := &fakePort{number: 1, state: ptp.PortStateListening, best: fc}
	c, _, _ := testClock(p1)

	require.Nil(t, c.BestForeign())

	c.handleStateDecision()
	require.Equal(t, fc, c.BestForeign())

	// the owning port dropped its record set: the reference is gone
	p1.best = nil
	require.Nil(t, c.BestForeign())

	// a different record under the same port does not masquerade as the old one
	other := ptp.PortIdentity{ClockIdentity: 0xBBBBBBBBBBBBBBBB, PortNumber: 1}
	p1.best = foreignFrom(other.ClockIdentity, 90, other, recv)
	require.Nil(t, c.BestForeign())
}

func createConfig() *config.Config {
	return &config.Config{
		Interfaces: []config.IfaceConfig{
			{Name: "eth0", Timestamping: timestamp.SW},
			{Name: "eth1", Timestamping: timestamp.SW},
		},
		Priority1:              128,
		Priority2:              128,
		FilterLength:           10,
		AnnounceReceiptTimeout: 3,
		LogAnnounceInterval:    1,
	}
}

func TestCreate(t *testing.T) {
	var opened []*fakePort
	c := New()
	c.openPort = func(cfg port.Config, number int, cl port.Clock) (Port, error) {
		p := &fakePort{number: uint16(number), state: ptp.PortStateInitializing}
		opened = append(opened, p)
		return p, nil
	}
	dds := DefaultDS{ClockIdentity: localIdentity, ClockQuality: defaultQuality, Priority1: 128, Priority2: 128}

	require.NoError(t, c.Create(createConfig(), dds, nil))
	require.Len(t, opened, 2)
	require.Equal(t, uint16(2), c.dds.NumberPorts)
	require.Len(t, c.pollFd, 2*port.NSlots)

	// parent dataset starts self-referential
	require.Equal(t, localIdentity, c.dad.GrandmasterIdentity)
	require.Equal(t, ptp.PortIdentity{ClockIdentity: localIdentity}, c.dad.ParentPortIdentity)
	require.Equal(t, uint16(0xffff), c.dad.ObservedParentOffsetScaledLogVariance)

	// every port got the initialize event
	for _, p := range opened {
		require.Equal(t, []port.Event{port.EventInitialize}, p.dispatched)
	}

	// creating again tears the old instance down first
	require.NoError(t, c.Create(createConfig(), dds, nil))
	require.Len(t, opened, 4)
	require.True(t, opened[0].closed)
	require.True(t, opened[1].closed)
	require.False(t, opened[2].closed)
}

type fakeDevice struct {
	maxFreq float64
	err     error
	closed  bool
}

func (d *fakeDevice) ClockID() int32                  { return 42 }
func (d *fakeDevice) MaxFreqAdjPPB() (float64, error) { return d.maxFreq, d.err }
func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

func TestCreateWithPHC(t *testing.T) {
	var opened []*fakePort
	dev := &fakeDevice{maxFreq: 500000}
	c := New()
	c.openPort = func(cfg port.Config, number int, cl port.Clock) (Port, error) {
		p := &fakePort{number: uint16(number), state: ptp.PortStateInitializing}
		opened = append(opened, p)
		return p, nil
	}
	c.openPHC = func(path string) (phcDevice, error) {
		require.Equal(t, "/dev/ptp0", path)
		return dev, nil
	}
	cfg := createConfig()
	cfg.PHC = "/dev/ptp0"

	require.NoError(t, c.Create(cfg, DefaultDS{ClockIdentity: localIdentity, ClockQuality: defaultQuality}, nil))
	require.Len(t, opened, 2)

	c.Destroy()
	require.True(t, dev.closed)
}

func TestCreateUnadjustableClock(t *testing.T) {
	portsOpened := 0
	dev := &fakeDevice{maxFreq: 0}
	c := New()
	c.openPort = func(cfg port.Config, number int, cl port.Clock) (Port, error) {
		portsOpened++
		return &fakePort{number: uint16(number)}, nil
	}
	c.openPHC = func(path string) (phcDevice, error) { return dev, nil }
	cfg := createConfig()
	cfg.PHC = "/dev/ptp0"

	err := c.Create(cfg, DefaultDS{ClockIdentity: localIdentity, ClockQuality: defaultQuality}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "clock is not adjustable")
	require.Zero(t, portsOpened)
	require.True(t, dev.closed)
	require.Empty(t, c.ports)

	// a device that cannot even report its range fails the same way
	dev = &fakeDevice{err: errors.New("ioctl failed")}
	c.openPHC = func(path string) (phcDevice, error) { return dev, nil }
	err = c.Create(cfg, DefaultDS{ClockIdentity: localIdentity, ClockQuality: defaultQuality}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "max adjustment")
	require.Zero(t, portsOpened)
	require.True(t, dev.closed)
}

func TestCreatePHCOpenFailure(t *testing.T) {
	portsOpened := 0
	c := New()
	c.openPort = func(cfg port.Config, number int, cl port.Clock) (Port, error) {
		portsOpened++
		return &fakePort{number: uint16(number)}, nil
	}
	c.openPHC = func(path string) (phcDevice, error) { return nil, errors.New("no such device") }
	cfg := createConfig()
	cfg.PHC = "/dev/ptp7"

	err := c.Create(cfg, DefaultDS{ClockIdentity: localIdentity, ClockQuality: defaultQuality}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "/dev/ptp7")
	require.Zero(t, portsOpened)
	require.Empty(t, c.ports)
}

func TestCreatePortFailure(t *testing.T) {
	var opened []*fakePort
	c := New()
	c.openPort = func(cfg port.Config, number int, cl port.Clock) (Port, error) {
		if number == 2 {
			return nil, errors.New("no such device")
		}
		p := &fakePort{number: uint16(number), state: ptp.PortStateInitializing}
		opened = append(opened, p)
		return p, nil
	}
	dds := DefaultDS{ClockIdentity: localIdentity, ClockQuality: defaultQuality}

	err := c.Create(createConfig(), dds, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "eth1")

	// no partially constructed clock is left behind
	require.Empty(t, c.ports)
	require.Len(t, opened, 1)
	require.True(t, opened[0].closed)
}

func TestCreateTooManyInterfaces(t *testing.T) {
	c := New()
	cfg := createConfig()
	cfg.Interfaces = nil
	for i := 0; i <= MaxPorts; i++ {
		cfg.Interfaces = append(cfg.Interfaces, config.IfaceConfig{Name: fmt.Sprintf("eth%d", i), Timestamping: timestamp.SW})
	}
	err := c.Create(cfg, DefaultDS{ClockIdentity: localIdentity}, nil)
	require.Error(t, err)
}

func TestDestroy(t *testing.T) {
	var opened []*fakePort
	c := New()
	c.openPort = func(cfg port.Config, number int, cl port.Clock) (Port, error) {
		p := &fakePort{number: uint16(number), state: ptp.PortStateInitializing}
		opened = append(opened, p)
		return p, nil
	}
	require.NoError(t, c.Create(createConfig(), DefaultDS{ClockIdentity: localIdentity}, nil))

	c.Destroy()
	for _, p := range opened {
		require.True(t, p.closed)
	}
	require.Empty(t, c.ports)
	require.Empty(t, c.pollFd)
	require.Equal(t, ParentDS{}, c.dad)
	require.False(t, c.hasBest)
}

func TestAnnounceRendering(t *testing.T) {
	c, _, _ := testClock()
	c.updateGrandmaster()

	body := c.AnnounceBody()
	require.Equal(t, localIdentity, body.GrandmasterIdentity)
	require.Equal(t, uint8(128), body.GrandmasterPriority1)
	require.Equal(t, uint16(0), body.StepsRemoved)
	require.Equal(t, ptp.TimeSourceInternalOscillator, body.TimeSource)
	require.Equal(t, int16(currentUTCOffset), body.CurrentUTCOffset)

	flags := c.AnnounceFlags()
	require.Equal(t, ptp.FlagPTPTimescale, flags)
}

func TestDefaultDataset(t *testing.T) {
	c, _, _ := testClock()
	ds := c.DefaultDataset()
	require.Equal(t, localIdentity, ds.Identity)
	require.Equal(t, uint8(128), ds.Priority1)
	require.Equal(t, uint16(0), ds.StepsRemoved)
	require.Equal(t, localIdentity, ds.Sender.ClockIdentity)
	require.Equal(t, localIdentity, ds.Receiver.ClockIdentity)
}
