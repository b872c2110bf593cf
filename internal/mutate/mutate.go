/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package mutate implements §4.4: transforming an event's serialized
// form via a named mutator (subprocess or extension) before handler
// dispatch.
package mutate

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"
	"github.com/solnx/overseer/internal/config"
	"github.com/solnx/overseer/internal/runner"
)

// CanonicalJSON is the byte-for-byte encoding used when no mutator is
// named (the "mutator disabled" law of §8).
func CanonicalJSON(event interface{}) ([]byte, error) {
	return json.Marshal(event)
}

// Mutate runs the named mutator over event and returns its output
// bytes. An empty name yields the canonical JSON encoding. Unknown
// mutator, non-zero exit, or extension error: logged, ok=false (§4.4,
// §7 kind 4 — "event skips this handler only").
func Mutate(ctx context.Context, reg *config.Registry, name string, event interface{}) (out []byte, ok bool) {
	payload, err := CanonicalJSON(event)
	if err != nil {
		logrus.WithError(err).Error(`mutate: encoding event`)
		return nil, false
	}
	if name == `` {
		return payload, true
	}

	if def, found := reg.Mutator(name); found {
		success, res := runner.Run(ctx, def.Command, payload, func(msg string) {
			logrus.WithField(`mutator`, name).WithField(`error`, msg).Error(`mutate: subprocess spawn failed`)
		})
		if !success {
			return nil, false
		}
		if res.ExitStatus != 0 {
			logrus.WithField(`mutator`, name).WithField(`exit_status`, res.ExitStatus).Error(`mutate: mutator exited non-zero`)
			return nil, false
		}
		return []byte(res.Stdout), true
	}

	if ext, found := reg.ExtensionMutator(name); found {
		mutated, err := ext.Mutate(payload, reg.ToHash())
		if err != nil {
			logrus.WithError(err).WithField(`mutator`, name).Error(`mutate: extension mutator failed`)
			return nil, false
		}
		return mutated, true
	}

	logrus.WithField(`mutator`, name).Error(`mutate: unknown mutator`)
	return nil, false
}
