/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

package aggregate_test

import (
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/solnx/overseer/internal/aggregate"
	"github.com/solnx/overseer/internal/model"
	"github.com/solnx/overseer/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.New(store.Config{Addr: mr.Addr()})
	t.Cleanup(func() { st.Close() })
	return st
}

// TestAggregateResult covers §4.11's rollup semantics.
func TestAggregateResult(t *testing.T) {
	st := newStore(t)
	a := &aggregate.Aggregator{Store: st}

	for i, client := range []string{`c1`, `c2`, `c3`} {
		status := model.StatusOK
		if i == 1 {
			status = model.StatusCritical
		}
		r := model.Result{
			Client: client,
			Check: model.Check{
				Name:   `disk`,
				Status: status,
				Issued: 1000,
			},
		}
		require.NoError(t, a.AggregateResult(r))
	}

	counts, err := st.HGetAll(`aggregate:disk:1000`)
	require.NoError(t, err)
	require.Equal(t, `2`, counts[`ok`])
	require.Equal(t, `1`, counts[`critical`])
	require.Equal(t, `3`, counts[`total`])

	members, err := st.SMembers(`aggregates:disk`)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{`1000`}, members)

	names, err := st.SMembers(`aggregates`)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{`disk`}, names)
}

// TestPruneBound covers §8's invariant: aggregates:<n> never exceeds
// 20 members after a pruner pass (§4.12).
func TestPruneBound(t *testing.T) {
	st := newStore(t)
	a := &aggregate.Aggregator{Store: st}
	p := &aggregate.Pruner{Store: st}

	for i := 0; i < 25; i++ {
		r := model.Result{
			Client: `c1`,
			Check: model.Check{
				Name:   `disk`,
				Status: model.StatusOK,
				Issued: int64(1000 + i),
			},
		}
		require.NoError(t, a.AggregateResult(r))
	}

	require.NoError(t, p.Prune())

	members, err := st.SMembers(`aggregates:disk`)
	require.NoError(t, err)
	require.LessOrEqual(t, len(members), aggregate.MaxHistory)
	require.Len(t, members, aggregate.MaxHistory)

	for i := 0; i < 5; i++ {
		issued := fmt.Sprintf(`%d`, 1000+i)
		exists, err := st.HExists(`aggregate:disk:`+issued, `total`)
		require.NoError(t, err)
		require.False(t, exists)
	}
	for i := 5; i < 25; i++ {
		issued := fmt.Sprintf(`%d`, 1000+i)
		exists, err := st.HExists(`aggregate:disk:`+issued, `total`)
		require.NoError(t, err)
		require.True(t, exists)
	}
}
