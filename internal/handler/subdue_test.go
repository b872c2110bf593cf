/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

package handler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/solnx/overseer/internal/handler"
	"github.com/solnx/overseer/internal/model"
)

func at(hour, minute int) handler.Clock {
	return func() time.Time {
		return time.Date(2026, time.July, 30, hour, minute, 0, 0, time.UTC)
	}
}

// TestSubdueMidnightWrap covers §8's boundary behavior for a subdue
// window whose end is earlier than its begin (crossing midnight).
func TestSubdueMidnightWrap(t *testing.T) {
	def := &model.CheckDefinition{
		Subdue: &model.Subdue{Begin: `22:00`, End: `02:00`},
	}

	tests := []struct {
		name string
		now  handler.Clock
		want bool
	}{
		{`well before window`, at(18, 0), false},
		{`exactly at begin`, at(22, 0), true},
		{`just after begin`, at(23, 30), true},
		{`at midnight`, at(0, 0), true},
		{`just before end`, at(1, 59), true},
		{`exactly at end`, at(2, 0), true},
		{`just after end`, at(2, 1), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, handler.CheckSubdued(def, handler.GateHandlerDispatch, tc.now))
		})
	}
}

// TestSubdueException covers the exception-window carve-out within an
// otherwise-covering subdue window.
func TestSubdueException(t *testing.T) {
	def := &model.CheckDefinition{
		Subdue: &model.Subdue{
			Begin:      `22:00`,
			End:        `02:00`,
			Exceptions: []model.SubdueWindow{{Begin: `00:00`, End: `00:30`}},
		},
	}

	assert.True(t, handler.CheckSubdued(def, handler.GateHandlerDispatch, at(23, 0)))
	assert.False(t, handler.CheckSubdued(def, handler.GateHandlerDispatch, at(0, 15)))
}

// TestSubdueGateName covers the publisher-vs-handler gate routing: a
// subdue with at="publisher" never fires for the handler gate.
func TestSubdueGateName(t *testing.T) {
	def := &model.CheckDefinition{
		Subdue: &model.Subdue{Begin: `00:00`, End: `23:59`, At: `publisher`},
	}

	assert.False(t, handler.CheckSubdued(def, handler.GateHandlerDispatch, at(12, 0)))
	assert.True(t, handler.CheckSubdued(def, handler.GatePublisher, at(12, 0)))
}
