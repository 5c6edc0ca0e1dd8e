package main

// SPDX-License-Identifier: BSD-2-Clause

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	shlex "github.com/anmitsu/go-shlex"
	shellquote "github.com/kballard/go-shellquote"
	kommandant "gitlab.com/ianbruene/kommandant"
	terminal "golang.org/x/crypto/ssh/terminal"

	"gitlab.com/ccscm/ccscm/clearcase"
)

// interpreter runs cctool commands against one loaded job.
type interpreter struct {
	cmd     *kommandant.Kmdt
	session *session
	out     io.Writer
	echo    bool
	logHigh int
}

// SetCore is a Kommandant hook: keep a failing command from ending the
// session.
func (in *interpreter) SetCore(k *kommandant.Kmdt) {
	in.cmd = k
	k.OneCmdHook = func(ctx context.Context, line string) (stop bool) {
		defer func(stop *bool) {
			if e := recover(); e != nil {
				if err, ok := e.(error); ok {
					complain("%v", err)
					*stop = false
					return
				}
				panic(e)
			}
		}(&stop)
		stop = k.OneCmd_core(ctx, line)
		return
	}
}

// PreLoop is a Kommandant hook.
func (in *interpreter) PreLoop() {
	in.cmd.SetPrompt("cctool% ")
}

// PreCmd is the hook issued before each command handler.
func (in *interpreter) PreCmd(line string) string {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "#") {
		return ""
	}
	if in.echo {
		if fields, err := shlex.Split(line, true); err == nil {
			io.WriteString(in.out, shellquote.Join(fields...) + "\n")
		}
	}
	return line
}

// PostCmd reports driver messages the command produced.
func (in *interpreter) PostCmd(stop bool, line string) bool {
	n := in.session.driver.Control().LogCount()
	if n > in.logHigh && !quiet {
		fmt.Fprintf(in.out, "%d new log message(s)\n", n-in.logHigh)
	}
	in.logHigh = n
	return stop
}

// run dispatches a command line and reports its failure.
func (in *interpreter) run(ctx context.Context, operation string, line string) {
	args, err := shlex.Split(line, true)
	if err != nil {
		complain("%s: %v", operation, err)
		return
	}
	if err := in.session.dispatch(ctx, operation, args, in.out); err != nil {
		complain("%s: %v", operation, err)
	}
}

func (in *interpreter) help(name string) {
	if text, ok := commandHelp(name); ok {
		io.WriteString(in.out, text)
	}
}

// DoHelp lists the commands, or details one of them.
func (in *interpreter) DoHelp(ctx context.Context, line string) bool {
	if line != "" {
		in.cmd.DoHelp(ctx, line)
		return false
	}
	page(summaryHelp(nil))
	return false
}

// HelpCheckout says "Shut up, golint!"
func (in *interpreter) HelpCheckout() { in.help("checkout") }

// DoCheckout is the handler for the "checkout" command.
func (in *interpreter) DoCheckout(ctx context.Context, line string) bool {
	in.run(ctx, "checkout", line)
	return false
}

// HelpPoll says "Shut up, golint!"
func (in *interpreter) HelpPoll() { in.help("poll") }

// DoPoll is the handler for the "poll" command.
func (in *interpreter) DoPoll(ctx context.Context, line string) bool {
	in.run(ctx, "poll", line)
	return false
}

// HelpState says "Shut up, golint!"
func (in *interpreter) HelpState() { in.help("state") }

// DoState is the handler for the "state" command.
func (in *interpreter) DoState(ctx context.Context, line string) bool {
	in.run(ctx, "state", line)
	return false
}

// HelpEnv says "Shut up, golint!"
func (in *interpreter) HelpEnv() { in.help("env") }

// DoEnv is the handler for the "env" command.
func (in *interpreter) DoEnv(ctx context.Context, line string) bool {
	in.run(ctx, "env", line)
	return false
}

// HelpHistory says "Shut up, golint!"
func (in *interpreter) HelpHistory() { in.help("history") }

// DoHistory is the handler for the "history" command.
func (in *interpreter) DoHistory(ctx context.Context, line string) bool {
	in.run(ctx, "history", line)
	return false
}

// HelpCatcs says "Shut up, golint!"
func (in *interpreter) HelpCatcs() { in.help("catcs") }

// DoCatcs is the handler for the "catcs" command.
func (in *interpreter) DoCatcs(ctx context.Context, line string) bool {
	in.run(ctx, "catcs", line)
	return false
}

// HelpCompare says "Shut up, golint!"
func (in *interpreter) HelpCompare() { in.help("compare") }

// DoCompare is the handler for the "compare" command.
func (in *interpreter) DoCompare(ctx context.Context, line string) bool {
	in.run(ctx, "compare", line)
	return false
}

// HelpRmview says "Shut up, golint!"
func (in *interpreter) HelpRmview() { in.help("rmview") }

// DoRmview is the handler for the "rmview" command.
func (in *interpreter) DoRmview(ctx context.Context, line string) bool {
	in.run(ctx, "rmview", line)
	return false
}

// HelpLsview says "Shut up, golint!"
func (in *interpreter) HelpLsview() { in.help("lsview") }

// DoLsview is the handler for the "lsview" command.
func (in *interpreter) DoLsview(ctx context.Context, line string) bool {
	in.run(ctx, "lsview", line)
	return false
}

// HelpValidate says "Shut up, golint!"
func (in *interpreter) HelpValidate() { in.help("validate") }

// DoValidate is the handler for the "validate" command.
func (in *interpreter) DoValidate(ctx context.Context, line string) bool {
	in.run(ctx, "validate", line)
	return false
}

// HelpVersion says "Shut up, golint!"
func (in *interpreter) HelpVersion() { in.help("version") }

// DoVersion is the handler for the "version" command.
func (in *interpreter) DoVersion(ctx context.Context, line string) bool {
	fmt.Fprintln(in.out, version)
	in.run(ctx, "version", line)
	return false
}

// HelpLog says "Shut up, golint!"
func (in *interpreter) HelpLog() {
	io.WriteString(in.out, `log [CLASSES]

Without an argument, list the log classes. With a comma-separated list
of classes, or "all" or "none", show exactly those driver messages.
`)
}

// DoLog is the handler for the "log" command.
func (in *interpreter) DoLog(line string) bool {
	if line == "" {
		fmt.Fprintln(in.out, strings.Join(append([]string{"all", "none"}, clearcase.LogClasses()...), " "))
		return false
	}
	if err := in.session.driver.Control().SetLogMask(line); err != nil {
		complain("%v", err)
	}
	return false
}

// HelpEcho says "Shut up, golint!"
func (in *interpreter) HelpEcho() {
	io.WriteString(in.out, `echo [on|off]

Echo each command before running it, as a shell-quoted line.
`)
}

// DoEcho is the handler for the "echo" command.
func (in *interpreter) DoEcho(line string) bool {
	switch line {
	case "", "on":
		in.echo = true
	case "off":
		in.echo = false
	default:
		complain("echo takes on or off, not %q", line)
	}
	return false
}

// HelpReload says "Shut up, golint!"
func (in *interpreter) HelpReload() {
	io.WriteString(in.out, `reload

Read the job, descriptor and state files again.
`)
}

// DoReload is the handler for the "reload" command.
func (in *interpreter) DoReload(line string) bool {
	s, err := newSession()
	if err != nil {
		complain("reload: %v", err)
		return false
	}
	in.session = s
	in.logHigh = 0
	return false
}

// HelpQuit says "Shut up, golint!"
func (in *interpreter) HelpQuit() {
	io.WriteString(in.out, `quit

Leave the interpreter. Typing EOT (usually Ctrl-D) is a shortcut for this.
`)
}

// DoQuit is the handler for the "quit" command.
func (in *interpreter) DoQuit(line string) bool {
	return true
}

// DoEOF is the handler for end of command input.
func (in *interpreter) DoEOF(line string) bool {
	if terminal.IsTerminal(0) {
		io.WriteString(in.out, "\n")
	}
	return true
}

// runShell reads commands until quit or end of input.
func runShell(ctx context.Context, s *session) {
	in := &interpreter{session: s, out: os.Stdout, logHigh: s.driver.Control().LogCount()}
	k := kommandant.NewKommandant(in)
	k.EnableReadline(terminal.IsTerminal(0))
	k.PreLoop(ctx)
	k.CmdLoop(ctx, "")
	k.PostLoop(ctx)
}
