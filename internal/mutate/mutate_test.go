/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

package mutate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solnx/overseer/internal/config"
	"github.com/solnx/overseer/internal/mutate"
)

type sample struct {
	Name string `json:"name"`
}

// TestMutatorDisabledIsCanonical covers §8's law: an empty mutator
// name yields JSON(event) byte-for-byte equal to the canonical encoder.
func TestMutatorDisabledIsCanonical(t *testing.T) {
	reg, err := config.Load(`testdata/mutators.conf`)
	require.NoError(t, err)

	event := sample{Name: `cpu`}
	canonical, err := mutate.CanonicalJSON(event)
	require.NoError(t, err)

	out, ok := mutate.Mutate(context.Background(), reg, ``, event)
	require.True(t, ok)
	assert.Equal(t, canonical, out)
}

// TestMutatorSubprocess runs a real subprocess mutator end-to-end.
func TestMutatorSubprocess(t *testing.T) {
	reg, err := config.Load(`testdata/mutators.conf`)
	require.NoError(t, err)

	out, ok := mutate.Mutate(context.Background(), reg, `uppercase`, map[string]string{`a`: `b`})
	require.True(t, ok)
	assert.Contains(t, string(out), `"A":"B"`)
}

// TestMutatorFailureSkipsHandler covers §7 kind 4: a non-zero exit
// yields ok=false.
func TestMutatorFailureSkipsHandler(t *testing.T) {
	reg, err := config.Load(`testdata/mutators.conf`)
	require.NoError(t, err)

	_, ok := mutate.Mutate(context.Background(), reg, `failing`, map[string]string{})
	assert.False(t, ok)
}

// TestMutatorUnknownSkipsHandler covers §7 kind 5.
func TestMutatorUnknownSkipsHandler(t *testing.T) {
	reg, err := config.Load(`testdata/mutators.conf`)
	require.NoError(t, err)

	_, ok := mutate.Mutate(context.Background(), reg, `does-not-exist`, map[string]string{})
	assert.False(t, ok)
}
