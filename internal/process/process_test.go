/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

package process_test

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/require"

	"github.com/solnx/overseer/internal/aggregate"
	"github.com/solnx/overseer/internal/config"
	"github.com/solnx/overseer/internal/model"
	"github.com/solnx/overseer/internal/process"
	"github.com/solnx/overseer/internal/store"
)

func newProcessor(t *testing.T, confPath string, dispatched *[]model.Event) *process.Processor {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.New(store.Config{Addr: mr.Addr()})
	t.Cleanup(func() { st.Close() })

	reg, err := config.Load(confPath)
	require.NoError(t, err)

	return &process.Processor{
		Store:      st,
		Registry:   reg,
		Aggregator: &aggregate.Aggregator{Store: st},
		Metrics:    metrics.NewRegistry(),
		Dispatch: func(_ *model.EffectiveCheck, ev model.Event) {
			*dispatched = append(*dispatched, ev)
		},
	}
}

func seedClient(t *testing.T, p *process.Processor, name string) {
	t.Helper()
	require.NoError(t, p.Store.Set(`client:`+name, `{"name":"`+name+`","timestamp":0}`))
}

func result(client, check string, status model.Status, issued int64) model.Result {
	return model.Result{
		Client: client,
		Check: model.Check{
			Name:   check,
			Status: status,
			Issued: issued,
		},
	}
}

// TestSteadyOK covers §8 scenario 1: 25 OK results produce no events
// and a history capped at 21.
func TestSteadyOK(t *testing.T) {
	var dispatched []model.Event
	p := newProcessor(t, `testdata/default.conf`, &dispatched)
	seedClient(t, p, `c1`)

	for i := 0; i < 25; i++ {
		require.NoError(t, p.ProcessResult(result(`c1`, `cpu`, model.StatusOK, int64(i))))
	}

	require.Empty(t, dispatched)

	hist, err := p.Store.LRange(`history:c1:cpu`, 0, -1)
	require.NoError(t, err)
	require.Len(t, hist, 21)

	ev, err := p.Store.HGet(`events:c1`, `cpu`)
	require.NoError(t, err)
	require.Empty(t, ev)
}

// TestTransitionToCritical covers §8 scenario 2.
func TestTransitionToCritical(t *testing.T) {
	var dispatched []model.Event
	p := newProcessor(t, `testdata/default.conf`, &dispatched)
	seedClient(t, p, `c1`)

	for i := 0; i < 25; i++ {
		require.NoError(t, p.ProcessResult(result(`c1`, `cpu`, model.StatusOK, int64(i))))
	}
	dispatched = nil

	require.NoError(t, p.ProcessResult(result(`c1`, `cpu`, model.StatusCritical, 100)))

	require.Len(t, dispatched, 1)
	require.Equal(t, model.ActionCreate, dispatched[0].Action)
	require.Equal(t, 1, dispatched[0].Occurrences)
	require.False(t, dispatched[0].Flapping)
}

// TestContinuedCritical covers §8 scenario 3: occurrences keep
// incrementing for every subsequent critical result.
func TestContinuedCritical(t *testing.T) {
	var dispatched []model.Event
	p := newProcessor(t, `testdata/default.conf`, &dispatched)
	seedClient(t, p, `c1`)

	for i := 0; i < 25; i++ {
		require.NoError(t, p.ProcessResult(result(`c1`, `cpu`, model.StatusOK, int64(i))))
	}
	require.NoError(t, p.ProcessResult(result(`c1`, `cpu`, model.StatusCritical, 100)))
	dispatched = nil

	require.NoError(t, p.ProcessResult(result(`c1`, `cpu`, model.StatusCritical, 101)))
	require.NoError(t, p.ProcessResult(result(`c1`, `cpu`, model.StatusCritical, 102)))

	require.Len(t, dispatched, 2)
	require.Equal(t, model.ActionCreate, dispatched[0].Action)
	require.Equal(t, 2, dispatched[0].Occurrences)
	require.Equal(t, model.ActionCreate, dispatched[1].Action)
	require.Equal(t, 3, dispatched[1].Occurrences)
}

// TestResolve covers §8 scenario 4.
func TestResolve(t *testing.T) {
	var dispatched []model.Event
	p := newProcessor(t, `testdata/default.conf`, &dispatched)
	seedClient(t, p, `c1`)

	for i := 0; i < 25; i++ {
		require.NoError(t, p.ProcessResult(result(`c1`, `cpu`, model.StatusOK, int64(i))))
	}
	require.NoError(t, p.ProcessResult(result(`c1`, `cpu`, model.StatusCritical, 100)))
	require.NoError(t, p.ProcessResult(result(`c1`, `cpu`, model.StatusCritical, 101)))
	require.NoError(t, p.ProcessResult(result(`c1`, `cpu`, model.StatusCritical, 102)))
	dispatched = nil

	require.NoError(t, p.ProcessResult(result(`c1`, `cpu`, model.StatusOK, 103)))

	require.Len(t, dispatched, 1)
	require.Equal(t, model.ActionResolve, dispatched[0].Action)
	require.Equal(t, 3, dispatched[0].Occurrences)

	ev, err := p.Store.HGet(`events:c1`, `cpu`)
	require.NoError(t, err)
	require.Empty(t, ev)
}

// TestFlap covers §8 scenario 5: an alternating 0/2 sequence crosses
// the high flap threshold, then settles back below the low threshold.
func TestFlap(t *testing.T) {
	var dispatched []model.Event
	p := newProcessor(t, `testdata/flapping.conf`, &dispatched)
	seedClient(t, p, `c1`)

	statuses := make([]model.Status, 21)
	for i := range statuses {
		if i%2 == 0 {
			statuses[i] = model.StatusOK
		} else {
			statuses[i] = model.StatusCritical
		}
	}
	for i, s := range statuses {
		require.NoError(t, p.ProcessResult(result(`c1`, `cpu`, s, int64(i))))
	}

	last := dispatched[len(dispatched)-1]
	require.Equal(t, model.ActionFlapping, last.Action)
	require.True(t, last.Flapping)

	dispatched = nil
	for i := 0; i < 21; i++ {
		require.NoError(t, p.ProcessResult(result(`c1`, `cpu`, model.StatusOK, int64(100+i))))
	}

	require.NoError(t, p.ProcessResult(result(`c1`, `cpu`, model.StatusCritical, 200)))
	last = dispatched[len(dispatched)-1]
	require.Equal(t, model.ActionCreate, last.Action)
	require.False(t, last.Flapping)
}
