/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

package dispatch_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solnx/overseer/internal/config"
	"github.com/solnx/overseer/internal/dispatch"
	"github.com/solnx/overseer/internal/model"
)

func loadConf(t *testing.T, body string) *config.Registry {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, `overseer.conf`)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	reg, err := config.Load(path)
	require.NoError(t, err)
	return reg
}

// TestHandleEventPipeDispatch covers §4.5: a pipe handler receives the
// mutated (here, unmutated) event payload on stdin.
func TestHandleEventPipeDispatch(t *testing.T) {
	out := filepath.Join(t.TempDir(), `out.json`)
	conf := fmt.Sprintf(`
[overseer]
testing = true

[handlers.writer]
type = "pipe"
command = "cat > %s"
`, out)
	reg := loadConf(t, conf)

	d := dispatch.New(reg, nil)
	ck := &model.EffectiveCheck{Check: model.Check{Name: `cpu`, Handlers: []string{`writer`}}}
	ev := model.Event{Output: `all good`, Status: model.StatusOK, CheckName: `cpu`}

	d.HandleEvent(context.Background(), ck, ev, func() time.Time { return time.Unix(0, 0) })
	d.WaitDrained(context.Background())

	assert.Equal(t, int32(0), d.Count())
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"output":"all good"`)
}

// TestHandleEventMultipleHandlersIndependent covers §4.5: one
// handler's failure (unknown type) never blocks another's dispatch
// nor leaves the in-flight counter stuck.
func TestHandleEventMultipleHandlersIndependent(t *testing.T) {
	out := filepath.Join(t.TempDir(), `out.json`)
	conf := fmt.Sprintf(`
[overseer]
testing = true

[handlers.writer]
type = "pipe"
command = "cat > %s"

[handlers.broken]
type = "not-a-real-type"
`, out)
	reg := loadConf(t, conf)

	d := dispatch.New(reg, nil)
	ck := &model.EffectiveCheck{Check: model.Check{Name: `cpu`, Handlers: []string{`writer`, `broken`}}}
	ev := model.Event{Output: `ok`, Status: model.StatusOK, CheckName: `cpu`}

	d.HandleEvent(context.Background(), ck, ev, func() time.Time { return time.Unix(0, 0) })
	d.WaitDrained(context.Background())

	assert.Equal(t, int32(0), d.Count())
	_, err := os.Stat(out)
	assert.NoError(t, err)
}
