// The SCM driver: the operations a CI host invokes.
//
// SPDX-License-Identifier: BSD-2-Clause

package clearcase

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	shlex "github.com/anmitsu/go-shlex"
	shellquote "github.com/kballard/go-shellquote"
)

// Environment variables contributed to builds.
const (
	EnvViewTag        = "CLEARCASE_VIEWTAG"
	EnvViewName       = "CLEARCASE_VIEWNAME"
	EnvViewPath       = "CLEARCASE_VIEWPATH"
	EnvConfigSpecFile = "CLEARCASE_CSFILENAME"
)

// Descriptor holds the host-wide settings shared by every job.
type Descriptor struct {
	CleartoolExe             string        `yaml:"cleartoolExe"`
	MergeWindow              time.Duration `yaml:"mergeWindow"`
	DefaultViewName          string        `yaml:"defaultViewName"`
	DefaultViewPath          string        `yaml:"defaultViewPath"`
	DefaultWinDynStorageDir  string        `yaml:"defaultWinDynStorageDir"`
	DefaultUnixDynStorageDir string        `yaml:"defaultUnixDynStorageDir"`
}

// NewDescriptor returns the stock settings.
func NewDescriptor() *Descriptor {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return &Descriptor{
		CleartoolExe:             "cleartool",
		MergeWindow:              DefaultMergeWindow,
		DefaultViewName:          "${USER_NAME}_${NODE_NAME}_${JOB_NAME}_hudson",
		DefaultViewPath:          "view",
		DefaultWinDynStorageDir:  `\\` + host + `\views\dynamic`,
		DefaultUnixDynStorageDir: "/var/adm/rational/clearcase/views",
	}
}

// fillDefaults completes a descriptor read from a partial file.
func (desc *Descriptor) fillDefaults() {
	stock := NewDescriptor()
	if desc.CleartoolExe == "" {
		desc.CleartoolExe = stock.CleartoolExe
	}
	if desc.MergeWindow <= 0 {
		desc.MergeWindow = stock.MergeWindow
	}
	if desc.DefaultViewName == "" {
		desc.DefaultViewName = stock.DefaultViewName
	}
	if desc.DefaultViewPath == "" {
		desc.DefaultViewPath = stock.DefaultViewPath
	}
	if desc.DefaultWinDynStorageDir == "" {
		desc.DefaultWinDynStorageDir = stock.DefaultWinDynStorageDir
	}
	if desc.DefaultUnixDynStorageDir == "" {
		desc.DefaultUnixDynStorageDir = stock.DefaultUnixDynStorageDir
	}
}

// RevisionState is what the host persists after a build and hands back
// at the next poll.
type RevisionState struct {
	BuildTime  time.Time `yaml:"buildTime" json:"buildTime"`
	LoadRules  []string  `yaml:"loadRules" json:"loadRules"`
	ConfigSpec string    `yaml:"configSpec,omitempty" json:"configSpec,omitempty"`
}

// BuildContext is what the host knows about the build being run.
type BuildContext struct {
	Variables         Variables
	Env               []string // KEY=VALUE, passed to every process
	StartTime         time.Time
	Workspace         string
	PreviousBuildTime time.Time // zero for a first build
	PreviousState     *RevisionState
	PreviousEntries   *ChangeLogSet // change log of the previous build, may be nil
	RecordDir         string        // where build artifacts are kept, may be empty
}

// PollResult classifies what a poll found.
type PollResult int

// Poll outcomes.
const (
	PollNone PollResult = iota
	PollInsignificant
	PollSignificant
)

func (p PollResult) String() string {
	switch p {
	case PollNone:
		return "none"
	case PollInsignificant:
		return "insignificant"
	case PollSignificant:
		return "significant"
	}
	return fmt.Sprintf("PollResult(%d)", int(p))
}

// SCMDriver is the contract between the host and a ClearCase flavor.
type SCMDriver interface {
	BuildEnvironment(build *BuildContext) (map[string]string, error)
	ComputeRevisionState(ctx context.Context, build *BuildContext) (*RevisionState, error)
	HasNewConfigSpec(ctx context.Context, build *BuildContext, last *RevisionState) (bool, error)
	PollForChanges(ctx context.Context, build *BuildContext, last *RevisionState) (PollResult, error)
	Checkout(ctx context.Context, build *BuildContext, changelogPath string) error
}

// BaseDriver drives base ClearCase through cleartool.
type BaseDriver struct {
	desc     *Descriptor
	spec     *ViewSpec
	launcher Launcher
	ws       Workspace
	ctl      *Control
}

var _ SCMDriver = (*BaseDriver)(nil)

// NewBaseDriver builds a driver for one job on one agent.
func NewBaseDriver(desc *Descriptor, spec *ViewSpec, launcher Launcher, ws Workspace) *BaseDriver {
	if desc == nil {
		desc = NewDescriptor()
	} else {
		desc.fillDefaults()
	}
	return &BaseDriver{
		desc:     desc,
		spec:     spec,
		launcher: launcher,
		ws:       ws,
		ctl:      NewControl(launcher.TaskLogger()),
	}
}

// Control exposes the driver's log settings.
func (d *BaseDriver) Control() *Control {
	return d.ctl
}

// configSpecFileName is the expanded config spec file, anchored in the
// workspace when relative.
func (d *BaseDriver) configSpecFileName(build *BuildContext) string {
	name := build.Variables.Expand(d.spec.ConfigSpecFile)
	if name == "" || isAbsPath(name) {
		return NormalizePath(name, d.launcher.IsUnix())
	}
	return joinPath(d.launcher.IsUnix(), build.Workspace, name)
}

func (d *BaseDriver) readConfigSpecFile(build *BuildContext) (string, error) {
	name := d.configSpecFileName(build)
	data, err := d.ws.ReadFile(name)
	if err != nil {
		return "", &Error{Class: ClassConfiguration, Op: "configspec", Err: err,
			message: fmt.Sprintf("can't read config spec file %s: %v", name, err)}
	}
	return string(data), nil
}

// refresh runs the job's refresh command in the workspace. A failing
// command is only a warning; the config spec file is read regardless.
func (d *BaseDriver) refresh(ctx context.Context, build *BuildContext) error {
	cmdline := strings.TrimSpace(build.Variables.Expand(d.spec.RefreshCommand))
	if cmdline == "" {
		return nil
	}
	words, err := shlex.Split(cmdline, true)
	if err != nil || len(words) == 0 {
		return throw(ClassConfiguration, "preparing %q for execution: %v", cmdline, err)
	}
	d.ctl.logit(logCOMMANDS, "%s", shellquote.Join(words...))
	var stderr bytes.Buffer
	code, err := d.launcher.Launch(ctx, &Command{
		Args:   words,
		Env:    build.Env,
		Dir:    build.Workspace,
		Stdout: d.launcher.TaskLogger(),
		Stderr: &stderr,
	})
	if err != nil {
		if ctx.Err() != nil {
			return cancelled("refresh", ctx.Err())
		}
		d.ctl.logit(logWARN, "can't run %q: %v", cmdline, err)
		return nil
	}
	if code != 0 {
		d.ctl.logit(logWARN, "%q exited with status %d: %s", cmdline, code, stderrTail(stderr.String()))
	}
	return nil
}

// resolve builds the per-operation view spec. With readFile set
// a file-based config spec is read from the agent, falling back to the
// inline text with a warning.
func (d *BaseDriver) resolve(ctx context.Context, build *BuildContext, readFile, refresh bool) (*ResolvedViewSpec, error) {
	text := ""
	if readFile && d.spec.FileBased() {
		if refresh {
			if err := d.refresh(ctx, build); err != nil {
				return nil, err
			}
		}
		t, err := d.readConfigSpecFile(build)
		if err != nil {
			d.ctl.logit(logWARN, "%v; using the inline config spec", err)
		} else {
			text = t
		}
	}
	spec, err := d.spec.Resolve(build.Variables, d.launcher.IsUnix(), d.desc, text)
	if err != nil {
		return nil, err
	}
	if d.spec.FileBased() {
		spec.ConfigSpecFile = d.configSpecFileName(build)
	}
	return spec, nil
}

// Cleartool returns an invoker configured for this job and build.
func (d *BaseDriver) Cleartool(spec *ResolvedViewSpec, build *BuildContext) *Cleartool {
	return NewCleartool(d.launcher, d.desc.CleartoolExe, build.Env, spec.Decoder, d.ctl)
}

// Resolve exposes the resolved view spec of a build, reading a
// file-based config spec without refreshing it.
func (d *BaseDriver) Resolve(ctx context.Context, build *BuildContext) (*ResolvedViewSpec, error) {
	return d.resolve(ctx, build, true, false)
}

// historyPaths turns load rules into lshistory pnames relative to the
// view root.
func historyPaths(rules []string, isUnix bool) []string {
	paths := make([]string, 0, len(rules))
	for _, r := range rules {
		if p := relativeLoadRule(NormalizePath(r, isUnix)); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// BuildEnvironment contributes the view variables to the build.
func (d *BaseDriver) BuildEnvironment(build *BuildContext) (map[string]string, error) {
	spec, err := d.resolve(context.Background(), build, false, false)
	if err != nil {
		return nil, err
	}
	env := map[string]string{
		EnvViewTag:  spec.ViewTag,
		EnvViewName: spec.ViewTag,
	}
	if spec.ViewMode == Dynamic {
		if spec.ViewDrive != "" {
			env[EnvViewPath] = spec.ViewDir(build.Workspace)
		}
	} else {
		env[EnvViewPath] = spec.ViewDir(build.Workspace)
	}
	if spec.FileBased {
		env[EnvConfigSpecFile] = spec.ConfigSpecFile
	}
	return env, nil
}

// ComputeRevisionState records what this build was made from.
func (d *BaseDriver) ComputeRevisionState(ctx context.Context, build *BuildContext) (*RevisionState, error) {
	spec, err := d.resolve(ctx, build, true, false)
	if err != nil {
		return nil, err
	}
	return &RevisionState{
		BuildTime:  build.StartTime.UTC(),
		LoadRules:  append([]string(nil), spec.LoadRules...),
		ConfigSpec: spec.ConfigSpec,
	}, nil
}

// HasNewConfigSpec says whether a file-based config spec differs from
// the one the last build used. Load rules are not considered.
func (d *BaseDriver) HasNewConfigSpec(ctx context.Context, build *BuildContext, last *RevisionState) (bool, error) {
	if !d.spec.FileBased() {
		return false, nil
	}
	if err := d.refresh(ctx, build); err != nil {
		return false, err
	}
	text, err := d.readConfigSpecFile(build)
	if err != nil {
		return false, err
	}
	isUnix := d.launcher.IsUnix()
	var previous string
	if last != nil && last.ConfigSpec != "" {
		previous = last.ConfigSpec
	} else {
		previous = build.Variables.Expand(d.spec.ConfigSpec)
	}
	fresh := ParseConfigSpec(build.Variables.Expand(text), isUnix)
	return !fresh.SameRules(ParseConfigSpec(previous, isUnix)), nil
}

// PollForChanges decides whether a new build is needed. cleartool
// failures degrade to PollNone with a warning; the host polls again.
func (d *BaseDriver) PollForChanges(ctx context.Context, build *BuildContext, last *RevisionState) (PollResult, error) {
	if last == nil {
		d.ctl.logit(logPOLL, "no previous build state, a build is needed")
		return PollSignificant, nil
	}
	changed, err := d.HasNewConfigSpec(ctx, build, last)
	if err != nil {
		if IsCancelled(err) {
			return PollNone, err
		}
		d.ctl.logit(logWARN, "can't check config spec file: %v", err)
	}
	if changed {
		d.ctl.logit(logPOLL, "config spec file changed")
		return PollSignificant, nil
	}
	spec, err := d.resolve(ctx, build, true, false)
	if err != nil {
		return PollNone, err
	}
	added, removed := LoadRulesDelta(spec.LoadRules, last.LoadRules)
	if len(added) > 0 || len(removed) > 0 {
		d.ctl.logit(logPOLL, "load rules changed: added %v, removed %v", added, removed)
		return PollSignificant, nil
	}

	now := build.StartTime
	if now.IsZero() {
		now = time.Now()
	}
	since := last.BuildTime.Add(-spec.MultiSitePollBuffer)
	hr := NewHistoryReader(d.Cleartool(spec, build), d.ctl, spec, d.desc.MergeWindow)
	res, err := hr.Read(ctx, spec.ViewDir(build.Workspace), since, now, historyPaths(last.LoadRules, spec.IsUnix))
	if err != nil {
		if IsToolFailure(err) {
			d.ctl.logit(logWARN, "poll failed, assuming no changes: %v", err)
			return PollNone, nil
		}
		return PollNone, err
	}
	fresh := 0
	for _, e := range res.Entries {
		if build.PreviousEntries.Contains(e) {
			continue
		}
		fresh++
	}
	switch {
	case fresh > 0:
		d.ctl.logit(logPOLL, "%d new changes since %s", fresh, rfc3339(since))
		return PollSignificant, nil
	case res.Records > 0:
		d.ctl.logit(logPOLL, "%d history records since %s, none significant", res.Records, rfc3339(since))
		return PollInsignificant, nil
	}
	d.ctl.logit(logPOLL, "no changes since %s", rfc3339(since))
	return PollNone, nil
}

// ReadHistory returns the changes in (since, until] under the job's load
// rules.
func (d *BaseDriver) ReadHistory(ctx context.Context, build *BuildContext, since, until time.Time) (*HistoryResult, error) {
	spec, err := d.resolve(ctx, build, true, false)
	if err != nil {
		return nil, err
	}
	hr := NewHistoryReader(d.Cleartool(spec, build), d.ctl, spec, d.desc.MergeWindow)
	return hr.Read(ctx, spec.ViewDir(build.Workspace), since, until, historyPaths(spec.LoadRules, spec.IsUnix))
}

// Checkout prepares the view for the build and writes its change log.
func (d *BaseDriver) Checkout(ctx context.Context, build *BuildContext, changelogPath string) error {
	spec, err := d.resolve(ctx, build, true, true)
	if err != nil {
		return err
	}
	if strings.TrimSpace(spec.ConfigSpec) == "" {
		d.ctl.logit(logWARN, "config spec is empty")
	}
	if spec.ViewMode == Snapshot && len(spec.LoadRules) == 0 {
		d.ctl.logit(logWARN, "no load rules")
	}
	d.ctl.logit(logCHECKOUT, "%s", spec)

	ct := d.Cleartool(spec, build)
	planner := NewCheckoutPlanner(spec.ViewMode, ct, d.ctl, d.ws, build.Workspace, build.RecordDir)
	if err := planner.Checkout(ctx, spec, build.StartTime); err != nil {
		return err
	}

	var entries []*ChangeEntry
	if !build.PreviousBuildTime.IsZero() && spec.ChangeSetLevel != ChangeSetNone {
		hr := NewHistoryReader(ct, d.ctl, spec, d.desc.MergeWindow)
		res, err := hr.Read(ctx, spec.ViewDir(build.Workspace), build.PreviousBuildTime, build.StartTime,
			historyPaths(spec.LoadRules, spec.IsUnix))
		if err != nil {
			return err
		}
		entries = res.Entries
	}
	if changelogPath == "" {
		return nil
	}
	return d.saveChangeLog(changelogPath, entries)
}

// saveChangeLog replaces the change log through the workspace.
func (d *BaseDriver) saveChangeLog(path string, entries []*ChangeEntry) error {
	if err := SaveChangeLog(d.ws, path, entries); err != nil {
		return err
	}
	d.ctl.logit(logCHECKOUT, "wrote %d change log entries to %s", len(entries), path)
	return nil
}
