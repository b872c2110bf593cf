/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package sandbox evaluates the `eval:` filter predicates of §4.2/§6
// in an isolated ECMAScript VM: a fresh github.com/dop251/goja runtime
// per call, with no host bindings except the candidate value bound
// under "value", and no filesystem/network/unsafe package ever
// registered.
package sandbox

import (
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// Timeout bounds a single evaluation so a pathological expression
// cannot hang the worker it runs on.
const Timeout = 200 * time.Millisecond

// ValueName is the single name the candidate value is bound under
// inside the expression (§4.2: "a known name").
const ValueName = `value`

// Eval runs expr as a single boolean expression against value. A
// raised error (syntax error, runtime exception, timeout) counts as
// no-match, never as a hard failure (§4.2, §7 kind 5 family).
func Eval(expr string, value interface{}) (result bool, err error) {
	vm := goja.New()
	if err := vm.Set(ValueName, value); err != nil {
		return false, fmt.Errorf(`sandbox: binding value: %w`, err)
	}

	done := make(chan struct{})
	timer := time.AfterFunc(Timeout, func() {
		vm.Interrupt(`sandbox: evaluation timed out`)
	})
	defer timer.Stop()

	var v goja.Value
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf(`sandbox: panic: %v`, r)
			}
		}()
		v, err = vm.RunString(expr)
	}()
	<-done
	if err != nil {
		return false, fmt.Errorf(`sandbox: evaluating %q: %w`, expr, err)
	}
	return v.ToBoolean(), nil
}
