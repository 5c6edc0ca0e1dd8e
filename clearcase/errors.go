// Error classes and the exception helpers used by the parsers.
//
// SPDX-License-Identifier: BSD-2-Clause

package clearcase

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error classes. The driver reports every failure as an *Error carrying
// one of these.
//
// configuration = missing mandatory fields, invalid excluded-region
// regexps, an unusable charset or time zone. Surfaced by Validate and
// by any operation that discovers the problem.
//
// launcher = the process could not be spawned, or I/O on it failed.
//
// tool = cleartool ran and exited non-zero. Carries the exit code and
// the tail of stderr. Polls degrade this to "no changes".
//
// parse = malformed history or describe output. Per-record parse
// failures are thrown and caught inside the parser; only whole-stream
// failures escape.
//
// cancelled = the host interrupted the operation.
const (
	ClassConfiguration = "configuration"
	ClassLauncher      = "launcher"
	ClassTool          = "tool"
	ClassParse         = "parse"
	ClassCancelled     = "cancelled"
)

// Error is the error type of every driver operation.
type Error struct {
	Class     string
	Op        string // cleartool subcommand or driver step
	ExitCode  int
	Stderr    string // tail of captured stderr, tool class only
	ViewInUse bool   // tool reported the view busy; fatal for this build, not retried
	Err       error
	message   string
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.message)
	if e.Class == ClassTool {
		fmt.Fprintf(&b, " (exit status %d)", e.ExitCode)
		if e.Stderr != "" {
			b.WriteString(": ")
			b.WriteString(e.Stderr)
		}
	}
	if e.Err != nil && e.message == "" {
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying cause, e.g. context.Canceled.
func (e *Error) Unwrap() error {
	return e.Err
}

// Go's panic/defer/recover is a weak primitive for catchable exceptions,
// but inside the output parsers it is the cleanest way to abandon one
// record. throw() builds the payload for panic(); catch() must be called
// in a defer hook with recover() as its second argument.
func throw(class string, msg string, args ...interface{}) *Error {
	e := new(Error)
	e.Class = class
	e.message = fmt.Sprintf(msg, args...)
	return e
}

func catch(accept string, x interface{}) *Error {
	if x == nil {
		return nil
	}
	if err, ok := x.(*Error); ok {
		if err.Class == accept {
			return err
		}
	}
	panic(x)
}

func classOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassCancelled
	}
	return ""
}

// IsToolFailure reports whether err is a non-zero cleartool exit.
func IsToolFailure(err error) bool {
	return classOf(err) == ClassTool
}

// IsCancelled reports whether err came from a host interruption.
func IsCancelled(err error) bool {
	return classOf(err) == ClassCancelled
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	return classOf(err) == ClassConfiguration
}

// IsParseError reports whether err is a whole-stream parse failure.
func IsParseError(err error) bool {
	return classOf(err) == ClassParse
}

func cancelled(op string, cause error) *Error {
	return &Error{Class: ClassCancelled, Op: op, message: "interrupted", Err: cause}
}

// stderrTail keeps the last few lines of stderr for error reports.
func stderrTail(s string) string {
	const maxLines = 5
	lines := SplitLines(strings.TrimSpace(s))
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "; ")
}
