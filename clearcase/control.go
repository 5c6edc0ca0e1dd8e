// Logging and the per-driver control block.
//
// SPDX-License-Identifier: BSD-2-Clause

package clearcase

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

/*
 * The point of this design is to make adding and removing log classes
 * simple. To create a new class add a constant to the iota initializer
 * and a corresponding entry to logtags, then use the constant in
 * logit() and logEnable().
 */

const (
	logSHOUT    uint = 1 << iota // Errors and urgent messages
	logWARN                      // Exceptional condition, probably not bug
	logCOMMANDS                  // Show cleartool commands as they are executed
	logCHECKOUT                  // View state machine decisions
	logHISTORY                   // lshistory parsing and filtering (verbose)
	logPOLL                      // Poll decisions
)

var logtags = map[string]uint{
	"shout":    logSHOUT,
	"warn":     logWARN,
	"commands": logCOMMANDS,
	"checkout": logCHECKOUT,
	"history":  logHISTORY,
	"poll":     logPOLL,
}

const defaultLogMask = logSHOUT | logWARN | logCOMMANDS | logCHECKOUT | logPOLL

// Control is the logging context of one driver. Used to be a package
// global; drivers serving different builds must not share it.
type Control struct {
	logmask    uint
	logfp      io.Writer
	logcounter int
	logmutex   sync.Mutex
	leader     string
}

// NewControl returns a control block writing to the given task log.
// A nil writer discards everything.
func NewControl(w io.Writer) *Control {
	if w == nil {
		w = ioutil.Discard
	}
	return &Control{logmask: defaultLogMask, logfp: w, leader: "clearcase"}
}

// SetLogMask replaces the enabled log classes by name, e.g. "warn,commands".
// "all" enables every class and "none" silences the log.
func (ctx *Control) SetLogMask(spec string) error {
	var mask uint
	for _, name := range strings.FieldsFunc(spec, func(r rune) bool { return r == ',' || r == ' ' }) {
		switch name {
		case "all":
			mask = ^uint(0)
		case "none":
			mask = 0
		default:
			bits, ok := logtags[name]
			if !ok {
				return throw(ClassConfiguration, "no such log class %q (known: %s)", name, strings.Join(LogClasses(), ", "))
			}
			mask |= bits
		}
	}
	ctx.logmutex.Lock()
	ctx.logmask = mask
	ctx.logmutex.Unlock()
	return nil
}

// LogClasses lists the log class names accepted by SetLogMask.
func LogClasses() []string {
	names := make([]string, 0, len(logtags))
	for k := range logtags {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// LogCount reports how many messages have been logged so far.
func (ctx *Control) LogCount() int {
	ctx.logmutex.Lock()
	defer ctx.logmutex.Unlock()
	return ctx.logcounter
}

// logEnable is a hook to set up log-message filtering.
func (ctx *Control) logEnable(logbits uint) bool {
	ctx.logmutex.Lock()
	defer ctx.logmutex.Unlock()
	return (ctx.logmask & logbits) != 0
}

func (ctx *Control) logit(logbits uint, msg string, args ...interface{}) {
	if !ctx.logEnable(logbits) {
		return
	}
	var leader string
	content := fmt.Sprintf(msg, args...)
	if _, ok := ctx.logfp.(*os.File); ok {
		leader = rfc3339(time.Now())
	} else {
		leader = ctx.leader
	}
	if logbits == logWARN {
		content = "WARNING: " + content
	}
	ctx.logmutex.Lock()
	io.WriteString(ctx.logfp, leader+": "+strings.TrimRight(content, "\n")+"\n")
	ctx.logcounter++
	ctx.logmutex.Unlock()
}

func rfc3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
