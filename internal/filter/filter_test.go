/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

package filter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solnx/overseer/internal/config"
	"github.com/solnx/overseer/internal/filter"
)

func registry(t *testing.T, negate bool) *config.Registry {
	t.Helper()
	path := `testdata/negate-false.conf`
	if negate {
		path = `testdata/negate-true.conf`
	}
	reg, err := config.Load(path)
	require.NoError(t, err)
	return reg
}

// TestFilterNegateRoundTrip covers §8's negate round-trip law: with
// negate=true, a filter drops exactly the events a non-negated variant
// retains, and vice versa.
func TestFilterNegateRoundTrip(t *testing.T) {
	matching := map[string]interface{}{`check`: `cpu`, `status`: 2}
	nonMatching := map[string]interface{}{`check`: `disk`, `status`: 2}

	plain := registry(t, false)
	negated := registry(t, true)

	assert.False(t, filter.EventFiltered(plain, `by_check`, matching))
	assert.True(t, filter.EventFiltered(negated, `by_check`, matching))

	assert.True(t, filter.EventFiltered(plain, `by_check`, nonMatching))
	assert.False(t, filter.EventFiltered(negated, `by_check`, nonMatching))
}

// TestAttributesMatchNested covers recursive attribute matching.
func TestAttributesMatchNested(t *testing.T) {
	template := map[string]interface{}{
		`check`: `cpu`,
		`nested`: map[string]interface{}{
			`status`: 2,
		},
	}
	good := map[string]interface{}{
		`check`: `cpu`,
		`nested`: map[string]interface{}{
			`status`: 2,
			`extra`:  `ignored`,
		},
	}
	bad := map[string]interface{}{
		`check`: `cpu`,
		`nested`: map[string]interface{}{
			`status`: 1,
		},
	}

	assert.True(t, filter.AttributesMatch(template, good))
	assert.False(t, filter.AttributesMatch(template, bad))
}

// TestAttributesMatchEval covers the sandboxed `eval:` predicate path.
func TestAttributesMatchEval(t *testing.T) {
	template := map[string]interface{}{
		`status`: `eval: value >= 2`,
	}
	assert.True(t, filter.AttributesMatch(template, map[string]interface{}{`status`: 2}))
	assert.False(t, filter.AttributesMatch(template, map[string]interface{}{`status`: 1}))
}

// TestEventFilteredUnknownFilter covers §7 kind 5: an unknown filter
// name is logged and treated as non-dropping.
func TestEventFilteredUnknownFilter(t *testing.T) {
	plain := registry(t, false)
	assert.False(t, filter.EventFiltered(plain, `does-not-exist`, map[string]interface{}{}))
}
