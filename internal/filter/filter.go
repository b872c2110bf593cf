/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package filter implements §4.2: recursive attribute matching with
// optional sandboxed expression predicates, and the filter-level
// negate/drop decision.
package filter

import (
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/solnx/overseer/internal/config"
	"github.com/solnx/overseer/internal/sandbox"
)

// EvalPrefix is the literal prefix that turns a template scalar into a
// sandboxed boolean predicate (§4.2).
const EvalPrefix = `eval:`

// AttributesMatch recursively walks template against candidate. All
// keys in template must match; extra keys in candidate are ignored.
func AttributesMatch(template, candidate map[string]interface{}) bool {
	for k, want := range template {
		got, present := candidate[k]

		if wantMap, ok := want.(map[string]interface{}); ok {
			gotMap, ok := got.(map[string]interface{})
			if !present || !ok {
				return false
			}
			if !AttributesMatch(wantMap, gotMap) {
				return false
			}
			continue
		}

		if wantStr, ok := want.(string); ok && strings.HasPrefix(wantStr, EvalPrefix) {
			expr := strings.TrimLeft(strings.TrimPrefix(wantStr, EvalPrefix), ` \t`)
			matched, err := sandbox.Eval(expr, got)
			if err != nil {
				logrus.WithError(err).WithField(`expr`, expr).Warn(`filter: eval predicate errored, treating as no-match`)
				return false
			}
			if !matched {
				return false
			}
			continue
		}

		if !present || got != want {
			return false
		}
	}
	return true
}

// EventFiltered reports whether filterName should drop event (§4.2).
// An unknown filter logs and returns false (does not drop).
func EventFiltered(reg *config.Registry, filterName string, event map[string]interface{}) bool {
	def, ok := reg.Filter(filterName)
	if !ok {
		logrus.WithField(`filter`, filterName).Error(`filter: unknown filter`)
		return false
	}
	matched := AttributesMatch(def.Attributes, event)
	if def.Negate {
		return matched
	}
	return !matched
}
