// Invoke cleartool and interpret its exit status.
//
// SPDX-License-Identifier: BSD-2-Clause

package clearcase

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	shellquote "github.com/kballard/go-shellquote"
	"golang.org/x/text/encoding"
)

// HistoryFormat is the lshistory -fmt template. The |#| sentinel never
// occurs in ClearCase data; the trailing END marks the record boundary
// so that multi-line comments survive.
const HistoryFormat = `%Nd|#|%u|#|%En|#|%Vn|#|%o|#|%e|#|%c|#|END\n`

const (
	historyFieldSep = "|#|"
	historyEnd      = "|#|END"
)

// FormatClearToolTime renders an instant the way cleartool accepts it in
// -since arguments and time rules.
func FormatClearToolTime(t time.Time) string {
	return t.UTC().Format("02-Jan-2006.15:04:05") + "UTC"
}

// Cleartool wraps the cleartool executable on one agent. It holds no
// view state; every call is a fresh process.
type Cleartool struct {
	launcher Launcher
	exe      string
	env      []string
	decoder  *encoding.Decoder
	ctl      *Control
}

// NewCleartool builds an invoker. env is passed to every process as-is;
// decoder may be nil when cleartool speaks UTF-8.
func NewCleartool(l Launcher, exe string, env []string, decoder *encoding.Decoder, ctl *Control) *Cleartool {
	if exe == "" {
		exe = "cleartool"
	}
	if ctl == nil {
		ctl = NewControl(l.TaskLogger())
	}
	return &Cleartool{launcher: l, exe: exe, env: env, decoder: decoder, ctl: ctl}
}

// IsUnix reports the agent's conventions.
func (ct *Cleartool) IsUnix() bool {
	return ct.launcher.IsUnix()
}

// exec runs one subcommand and returns stdout, the exit status and the
// stderr tail. The error is set only when the process could not run.
func (ct *Cleartool) exec(ctx context.Context, dir string, args ...string) (string, int, string, error) {
	op := args[0]
	argv := append([]string{ct.exe}, args...)
	if ct.ctl.logEnable(logCOMMANDS) {
		if dir != "" {
			ct.ctl.logit(logCOMMANDS, "[%s] %s", dir, shellquote.Join(argv...))
		} else {
			ct.ctl.logit(logCOMMANDS, "%s", shellquote.Join(argv...))
		}
	}
	var stdout, stderr bytes.Buffer
	code, err := ct.launcher.Launch(ctx, &Command{
		Args:   argv,
		Env:    ct.env,
		Dir:    dir,
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", -1, "", cancelled(op, ctx.Err())
		}
		return "", -1, "", &Error{Class: ClassLauncher, Op: op, Err: err,
			message: fmt.Sprintf("can't run %s: %v", ct.exe, err)}
	}
	out := stdout.Bytes()
	if ct.decoder != nil {
		decoded, derr := ct.decoder.Bytes(out)
		if derr != nil {
			return "", code, "", &Error{Class: ClassParse, Op: op, Err: derr,
				message: fmt.Sprintf("undecodable output: %v", derr)}
		}
		out = decoded
	}
	return string(out), code, stderr.String(), nil
}

// run is exec with a non-zero exit status turned into a tool error.
func (ct *Cleartool) run(ctx context.Context, dir string, args ...string) (string, error) {
	out, code, stderr, err := ct.exec(ctx, dir, args...)
	if err != nil {
		return "", err
	}
	if code != 0 {
		return out, ct.toolFailure(args[0], code, stderr)
	}
	return out, nil
}

func (ct *Cleartool) toolFailure(op string, code int, stderr string) *Error {
	e := &Error{
		Class:    ClassTool,
		Op:       op,
		ExitCode: code,
		Stderr:   stderrTail(stderr),
		message:  ct.exe + " failed",
	}
	if strings.Contains(strings.ToLower(stderr), "in use") {
		e.ViewInUse = true
	}
	return e
}

// PresentWorkingView returns the view root enclosing dir, "" outside views.
func (ct *Cleartool) PresentWorkingView(ctx context.Context, dir string) (string, error) {
	out, err := ct.run(ctx, dir, "pwv", "-root")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CurrentViewTag returns the tag of the view enclosing dir, "" outside views.
func (ct *Cleartool) CurrentViewTag(ctx context.Context, dir string) (string, error) {
	out, err := ct.run(ctx, dir, "pwv", "-short")
	if err != nil {
		return "", err
	}
	tag := strings.TrimSpace(out)
	if strings.Contains(tag, "NONE") {
		return "", nil
	}
	return tag, nil
}

// ListViews returns every registered view tag.
func (ct *Cleartool) ListViews(ctx context.Context) ([]string, error) {
	out, err := ct.run(ctx, "", "lsview", "-short")
	if err != nil {
		return nil, err
	}
	var tags []string
	for _, line := range SplitLines(out) {
		// The current view is flagged with a leading asterisk.
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "*"))
		if line != "" {
			tags = append(tags, line)
		}
	}
	return tags, nil
}

// ViewExists says whether a view tag is registered. Exit status 1 from
// lsview means it is not.
func (ct *Cleartool) ViewExists(ctx context.Context, tag string) (bool, error) {
	_, code, stderr, err := ct.exec(ctx, "", "lsview", "-short", tag)
	if err != nil {
		return false, err
	}
	switch code {
	case 0:
		return true, nil
	case 1:
		return false, nil
	}
	return false, ct.toolFailure("lsview", code, stderr)
}

// CatConfigSpec returns the config spec the view is using.
func (ct *Cleartool) CatConfigSpec(ctx context.Context, tag string) (string, error) {
	return ct.run(ctx, "", "catcs", "-tag", tag)
}

// SetConfigSpec applies the config spec in file. With dir empty the view
// is addressed by tag (dynamic views); otherwise the command runs in the
// snapshot view root.
func (ct *Cleartool) SetConfigSpec(ctx context.Context, tag, dir, file string) error {
	if dir == "" {
		_, err := ct.run(ctx, "", "setcs", "-tag", tag, file)
		return err
	}
	_, err := ct.run(ctx, dir, "setcs", file)
	return err
}

// CreateView runs mkview. A snapshot view is created at path, with
// storageDir as its -vws when given. A dynamic view gets its storage
// under storageDir.
func (ct *Cleartool) CreateView(ctx context.Context, dir, tag string, mode ViewMode, path, storageDir string, extraArgs []string) error {
	args := []string{"mkview"}
	if mode == Snapshot {
		args = append(args, "-snapshot")
	}
	args = append(args, "-tag", tag)
	args = append(args, extraArgs...)
	if mode == Snapshot {
		if storageDir != "" {
			args = append(args, "-vws", storageDir)
		}
		args = append(args, path)
	} else {
		args = append(args, joinPath(ct.IsUnix(), storageDir, tag+".vws"))
	}
	_, err := ct.run(ctx, dir, args...)
	return err
}

// RemoveView removes the snapshot view rooted at path.
func (ct *Cleartool) RemoveView(ctx context.Context, dir, path string) error {
	_, err := ct.run(ctx, dir, "rmview", "-force", path)
	return err
}

// RemoveViewTag removes a view by its tag.
func (ct *Cleartool) RemoveViewTag(ctx context.Context, tag string) error {
	_, err := ct.run(ctx, "", "rmview", "-force", "-tag", tag)
	return err
}

// StartView activates a dynamic view on this host.
func (ct *Cleartool) StartView(ctx context.Context, tag string) error {
	_, err := ct.run(ctx, "", "startview", tag)
	return err
}

// Update refreshes a snapshot view. New load rules are added with
// -add_loadrules; with none the whole view is updated.
func (ct *Cleartool) Update(ctx context.Context, dir, viewPath string, loadRules []string, overwrite bool, logFile string) error {
	args := []string{"update", "-force"}
	if overwrite {
		args = append(args, "-overwrite")
	}
	if logFile != "" {
		args = append(args, "-log", logFile)
	}
	if len(loadRules) > 0 {
		args = append(args, "-add_loadrules")
		for _, rule := range loadRules {
			args = append(args, joinPath(ct.IsUnix(), viewPath, relativeLoadRule(rule)))
		}
	} else {
		args = append(args, viewPath)
	}
	_, err := ct.run(ctx, dir, args...)
	return err
}

// ListHistory returns raw lshistory output in HistoryFormat for the given
// paths since the given instant. An empty branch lists every branch.
func (ct *Cleartool) ListHistory(ctx context.Context, dir, branch string, since time.Time, paths []string) (string, error) {
	args := []string{"lshistory", "-fmt", HistoryFormat, "-r", "-nco"}
	if branch != "" {
		args = append(args, "-branch", "brtype:"+branch)
	}
	args = append(args, "-since", FormatClearToolTime(since))
	args = append(args, paths...)
	return ct.run(ctx, dir, args...)
}

// DescribeLabels lists the labels attached to one element version,
// given as element@@version.
func (ct *Cleartool) DescribeLabels(ctx context.Context, dir, elementVersion string) ([]string, error) {
	out, err := ct.run(ctx, dir, "describe", "-fmt", "%Nl", elementVersion)
	if err != nil {
		return nil, err
	}
	return strings.Fields(out), nil
}

// Version returns the cleartool version banner.
func (ct *Cleartool) Version(ctx context.Context) (string, error) {
	out, err := ct.run(ctx, "", "-version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
