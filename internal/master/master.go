/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package master implements §4.9: the distributed election lock and
// the running/pausing/paused/stopping lifecycle state machine that
// starts and stops the master-only duties (publisher, watchdog,
// pruner) and the broker subscriptions.
package master

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/solnx/overseer/internal/dispatch"
	"github.com/solnx/overseer/internal/store"
)

// State is one of the four lifecycle states of §4.9.
type State int

const (
	StateRunning State = iota
	StatePausing
	StatePaused
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return `running`
	case StatePausing:
		return `pausing`
	case StatePaused:
		return `paused`
	case StateStopping:
		return `stopping`
	default:
		return `unknown`
	}
}

// Timing constants of §5.
const (
	LockKey           = `lock:master`
	LockTTL           = 60 * time.Second
	LockRenewInterval = 20 * time.Second
	ResignCeiling     = 3 * time.Second
	UnsubscribeCeiling = 5 * time.Second
	ResumePoll        = 1 * time.Second
)

// Lifecycle is the set of callbacks Master drives; the reactor
// supplies them so this package stays free of broker/publish/watchdog
// import cycles.
type Lifecycle struct {
	// Subscribe (re-)establishes the keepalives/results consumers.
	Subscribe func() error
	// Unsubscribe tears down both consumers, honoring ctx's ceiling.
	Unsubscribe func(ctx context.Context) error
	// StartMasterDuties launches the publisher/watchdog/pruner timers
	// and returns a cancel func that stops precisely that set (§4.9's
	// "dedicated list disjoint from non-master timers").
	StartMasterDuties func(ctx context.Context) context.CancelFunc
	// StopReactor is invoked once Stop has fully drained.
	StopReactor func()
}

// Master owns the election lock and the lifecycle state machine.
type Master struct {
	Store   *store.Store
	Dispatch *dispatch.Dispatcher
	Now     func() int64
	Testing bool
	Metrics metrics.Registry

	life Lifecycle

	mu           sync.Mutex
	state        State
	isMaster     bool
	masterCancel context.CancelFunc
	renewStop    chan struct{}
}

// New builds a Master bound to life's callbacks.
func New(s *store.Store, d *dispatch.Dispatcher, now func() int64, testing bool, life Lifecycle) *Master {
	return &Master{Store: s, Dispatch: d, Now: now, Testing: testing, life: life, state: StateRunning}
}

// State reports the current lifecycle state.
func (m *Master) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Master) meter(name string) metrics.Meter {
	return metrics.GetOrRegisterMeter(name, m.Metrics)
}

// IsMaster reports the current election outcome.
func (m *Master) IsMaster() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isMaster
}

// Start runs the bootstrap (subscribe, enter election) and arms the
// lock renewal timer. Call once after construction.
func (m *Master) Start(ctx context.Context) error {
	if err := m.bootstrap(); err != nil {
		return err
	}
	m.armRenewal(ctx)
	return nil
}

func (m *Master) bootstrap() error {
	if m.life.Subscribe != nil {
		if err := m.life.Subscribe(); err != nil {
			return fmt.Errorf(`master: subscribe: %w`, err)
		}
	}
	m.attemptElection()
	return nil
}

func (m *Master) armRenewal(ctx context.Context) {
	m.mu.Lock()
	if m.renewStop != nil {
		close(m.renewStop)
	}
	stop := make(chan struct{})
	m.renewStop = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(LockRenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				m.renewTick()
			}
		}
	}()
}

func (m *Master) renewTick() {
	if m.IsMaster() {
		now := strconv.FormatInt(m.Now(), 10)
		if err := m.Store.Set(LockKey, now); err != nil {
			logrus.WithError(err).Error(`master: renewing lock`)
		}
		return
	}
	if m.Store.Connected() {
		m.attemptElection()
	}
}

// attemptElection implements §4.9's election algorithm: setnx first,
// then a TTL-expired getset compare-and-swap.
func (m *Master) attemptElection() {
	now := strconv.FormatInt(m.Now(), 10)
	ok, err := m.Store.SetNX(LockKey, now)
	if err != nil {
		logrus.WithError(err).Error(`master: election setnx`)
		return
	}
	if ok {
		m.becomeMaster()
		return
	}

	current, err := m.Store.Get(LockKey)
	if err != nil {
		logrus.WithError(err).Error(`master: election read lock`)
		return
	}
	prev, err := strconv.ParseInt(current, 10, 64)
	if err != nil {
		return
	}
	if m.Now()-prev < int64(LockTTL/time.Second) {
		return
	}

	swapped, err := m.Store.GetSet(LockKey, now)
	if err != nil {
		logrus.WithError(err).Error(`master: election getset`)
		return
	}
	if swapped == current {
		m.becomeMaster()
	}
}

func (m *Master) becomeMaster() {
	m.mu.Lock()
	if m.isMaster {
		m.mu.Unlock()
		return
	}
	m.isMaster = true
	m.mu.Unlock()

	m.meter(`/master/elections.per.second`).Mark(1)

	if m.life.StartMasterDuties != nil {
		ctx, cancel := context.WithCancel(context.Background())
		masterCancel := m.life.StartMasterDuties(ctx)
		_ = masterCancel
		m.mu.Lock()
		m.masterCancel = cancel
		m.mu.Unlock()
	}
	logrus.Info(`master: elected`)
}

// Resign implements §4.9's resignation: cancel master timers, delete
// the lock if connected, then wait for is_master==false with a 3s
// ceiling after which it is forced and logged.
func (m *Master) Resign() {
	m.mu.Lock()
	wasMaster := m.isMaster
	cancel := m.masterCancel
	m.masterCancel = nil
	m.mu.Unlock()

	if !wasMaster {
		return
	}
	m.meter(`/master/elections.per.second`).Mark(1)
	if cancel != nil {
		cancel()
	}
	if m.Store.Connected() {
		if err := m.Store.Del(LockKey); err != nil {
			logrus.WithError(err).Error(`master: resignation lock delete`)
		}
	}

	deadline := time.After(ResignCeiling)
	for {
		if !m.IsMaster() {
			return
		}
		select {
		case <-deadline:
			m.mu.Lock()
			forced := m.isMaster
			m.isMaster = false
			m.mu.Unlock()
			if forced {
				logrus.Warn(`master: resignation forced after ceiling`)
			}
			return
		case <-time.After(10 * time.Millisecond):
			m.mu.Lock()
			m.isMaster = false
			m.mu.Unlock()
		}
	}
}

// Pause implements §4.9: cancel non-master timers (the renewal
// timer), unsubscribe both queues with a 5s ceiling forced afterwards,
// then resign as master. Idempotent; running→pausing→paused.
func (m *Master) Pause(ctx context.Context) {
	m.mu.Lock()
	if m.state == StatePaused || m.state == StatePausing {
		m.mu.Unlock()
		return
	}
	m.state = StatePausing
	stop := m.renewStop
	m.renewStop = nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}

	if m.life.Unsubscribe != nil {
		uctx, cancel := context.WithTimeout(ctx, UnsubscribeCeiling)
		if err := m.life.Unsubscribe(uctx); err != nil {
			logrus.WithError(err).Warn(`master: unsubscribe ceiling forced`)
		}
		cancel()
	}

	m.Resign()

	m.mu.Lock()
	m.state = StatePaused
	m.mu.Unlock()
}

// Resume implements §4.9's 1s-polled resume: blocks until ctx is done
// or the store/broker backends are connected while paused, then runs
// bootstrap and transitions paused→running.
func (m *Master) Resume(ctx context.Context, backendsConnected func() bool) {
	ticker := time.NewTicker(ResumePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			paused := m.state == StatePaused
			m.mu.Unlock()
			if !paused || !backendsConnected() {
				continue
			}
			if err := m.bootstrap(); err != nil {
				logrus.WithError(err).Error(`master: resume bootstrap`)
				continue
			}
			m.armRenewal(ctx)
			m.mu.Lock()
			m.state = StateRunning
			m.mu.Unlock()
			return
		}
	}
}

// Stop implements §4.9: set state=stopping, pause, wait for the
// in-flight handler counter to drain, close the store, stop the
// reactor.
func (m *Master) Stop(ctx context.Context) {
	m.mu.Lock()
	m.state = StateStopping
	m.mu.Unlock()

	m.Pause(ctx)

	if m.Dispatch != nil {
		m.Dispatch.WaitDrained(ctx)
	}
	if err := m.Store.Close(); err != nil {
		logrus.WithError(err).Error(`master: closing store`)
	}
	if m.life.StopReactor != nil {
		m.life.StopReactor()
	}
}
