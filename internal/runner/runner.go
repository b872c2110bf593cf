/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package runner executes handler/mutator commands off the reactor
// thread (§4.1): it spawns a shell-style command line, optionally
// feeds it stdin, and reports the captured output and exit status.
package runner

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/sirupsen/logrus"
)

// Result is what a command run yields on success.
type Result struct {
	Stdout     string
	ExitStatus int
}

// Run spawns cmd with login-shell invocation semantics and writes stdin
// if non-nil. On a spawn or wait failure it calls onError (if non-nil)
// and returns ok=false; otherwise it returns ok=true with the captured
// output and exit status. Run blocks until the command exits and is
// meant to be invoked from a worker goroutine.
func Run(ctx context.Context, cmd string, stdin []byte, onError func(string)) (ok bool, res Result) {
	c := exec.CommandContext(ctx, `/bin/sh`, `-c`, cmd)
	if stdin != nil {
		c.Stdin = bytes.NewReader(stdin)
	}
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out

	if err := c.Start(); err != nil {
		logrus.WithError(err).WithField(`command`, cmd).Error(`runner: spawn failed`)
		if onError != nil {
			onError(err.Error())
		}
		return false, Result{}
	}

	err := c.Wait()
	status := 0
	if err != nil {
		if exitErr, isExit := err.(*exec.ExitError); isExit {
			status = exitErr.ExitCode()
		} else {
			logrus.WithError(err).WithField(`command`, cmd).Error(`runner: wait failed`)
			if onError != nil {
				onError(err.Error())
			}
			return false, Result{}
		}
	}
	return true, Result{Stdout: out.String(), ExitStatus: status}
}

// Completion is posted back to the reactor thread when an
// asynchronously-run command finishes.
type Completion struct {
	OK       bool
	Result   Result
	ErrorMsg string
}

// RunAsync runs Run on a fresh goroutine (the "worker pool" of §5 — a
// goroutine-per-call is the idiomatic equivalent of the teacher's own
// `go func(){...}()` dispatch in cyclone__process.go/handler.go) and
// delivers the Completion back on done for the caller to drain.
func RunAsync(ctx context.Context, cmd string, stdin []byte, done chan<- Completion) {
	go func() {
		var errMsg string
		ok, res := Run(ctx, cmd, stdin, func(msg string) { errMsg = msg })
		done <- Completion{OK: ok, Result: res, ErrorMsg: errMsg}
	}()
}
