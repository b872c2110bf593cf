/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

package keepalive_test

import (
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solnx/overseer/internal/keepalive"
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

// TestHandlePersistsClient covers §4.7: a well-formed keepalive is
// persisted at client:<name> and the name is tracked in the clients set.
func TestHandlePersistsClient(t *testing.T) {
	st := newStore(t)
	c := &keepalive.Consumer{Store: st}

	body, err := json.Marshal(model.Client{Name: `agent1`, Timestamp: 1_700_000_000})
	require.NoError(t, err)

	c.Handle(amqp.Delivery{Body: body})

	raw, err := st.Get(`client:agent1`)
	require.NoError(t, err)
	var got model.Client
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, `agent1`, got.Name)
	assert.Equal(t, int64(1_700_000_000), got.Timestamp)

	members, err := st.SMembers(`clients`)
	require.NoError(t, err)
	assert.Contains(t, members, `agent1`)
}

// TestHandleOverwritesOnRepeat covers §4.7's "per-client last write
// wins": a second keepalive for the same client replaces its timestamp
// without growing the clients set.
func TestHandleOverwritesOnRepeat(t *testing.T) {
	st := newStore(t)
	c := &keepalive.Consumer{Store: st}

	first, err := json.Marshal(model.Client{Name: `agent1`, Timestamp: 100})
	require.NoError(t, err)
	second, err := json.Marshal(model.Client{Name: `agent1`, Timestamp: 200})
	require.NoError(t, err)

	c.Handle(amqp.Delivery{Body: first})
	c.Handle(amqp.Delivery{Body: second})

	raw, err := st.Get(`client:agent1`)
	require.NoError(t, err)
	var got model.Client
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, int64(200), got.Timestamp)

	members, err := st.SMembers(`clients`)
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

// TestHandleMalformedPayloadDropped covers §7 kind 6: a malformed
// payload is dropped (ack'd) rather than requeued, and persists nothing.
func TestHandleMalformedPayloadDropped(t *testing.T) {
	st := newStore(t)
	c := &keepalive.Consumer{Store: st}

	c.Handle(amqp.Delivery{Body: []byte(`not json`)})

	members, err := st.SMembers(`clients`)
	require.NoError(t, err)
	assert.Empty(t, members)
}
