// cctool drives ClearCase views the way a CI host would.
package main

// SPDX-License-Identifier: BSD-2-Clause

import (
	"context"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	readline "github.com/chzyer/readline"
	difflib "github.com/ianbruene/go-difflib/difflib"
	terminfo "github.com/xo/terminfo"
	fqme "gitlab.com/esr/fqme"
	term "golang.org/x/term"
	yaml "gopkg.in/yaml.v2"

	"gitlab.com/ccscm/ccscm/clearcase"
)

var version string // Patched by -X option in Makefile

var verbose bool
var quiet bool
var force bool
var contextDiff bool
var jobPath string
var statePath string
var workspace string
var changelogPath string
var descriptorPath string
var logMask string

func croak(msg string, args ...interface{}) {
	content := fmt.Sprintf(msg, args...)
	os.Stderr.WriteString("cctool: " + content + "\n")
	os.Exit(1)
}

func announce(msg string, args ...interface{}) {
	if !quiet {
		content := fmt.Sprintf(msg, args...)
		os.Stdout.WriteString("cctool: " + content + "\n")
	}
}

func complain(msg string, args ...interface{}) {
	if !quiet {
		content := fmt.Sprintf(msg, args...)
		os.Stderr.WriteString("cctool: " + content + "\n")
	}
}

func input(prompt string) string {
	rl, err := readline.New(prompt)
	if err != nil {
		log.Fatal(err)
	}
	defer rl.Close()
	line, _ := rl.Readline()
	return line
}

// page ships text to the terminal through a pager when there is a
// terminal to page on.
func page(text string) {
	if quiet || !term.IsTerminal(int(os.Stdout.Fd())) {
		os.Stdout.WriteString(text)
		return
	}
	ti, err := terminfo.LoadFromEnv()
	if err == nil {
		var pager io.WriteCloser
		pager, err = NewPager(ti)
		if err == nil {
			io.WriteString(pager, text)
			pager.Close()
			return
		}
	}
	complain("unable to start a pager: %v", err)
	os.Stdout.WriteString(text)
}

// jobFile is the YAML description of one job.
type jobFile struct {
	JobName   string             `yaml:"jobName"`
	Variables map[string]string  `yaml:"variables"`
	Spec      clearcase.ViewSpec `yaml:"spec"`
	Env       map[string]string  `yaml:"env"`
}

func readYAML(path string, into interface{}) error {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.UnmarshalStrict(data, into); err != nil {
		return fmt.Errorf("%s: %v", path, err)
	}
	return nil
}

func loadJob(path string) (*jobFile, error) {
	job := new(jobFile)
	if err := readYAML(path, job); err != nil {
		return nil, err
	}
	if job.JobName == "" {
		job.JobName = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return job, nil
}

func loadDescriptor(path string) (*clearcase.Descriptor, error) {
	if path == "" {
		return nil, nil
	}
	desc := new(clearcase.Descriptor)
	if err := readYAML(path, desc); err != nil {
		return nil, err
	}
	return desc, nil
}

// loadState reads the state a previous checkout left; a missing file
// means there was no previous build.
func loadState(path string) (*clearcase.RevisionState, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	state := new(clearcase.RevisionState)
	if err := readYAML(path, state); err != nil {
		return nil, err
	}
	return state, nil
}

func saveState(path string, state *clearcase.RevisionState) error {
	data, err := yaml.Marshal(state)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// whoami is the user name views are named after.
func whoami() string {
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	if name := os.Getenv("USERNAME"); name != "" {
		return name
	}
	name, _, err := fqme.WhoAmI()
	if err == nil && name != "" {
		return name
	}
	return "nobody"
}

// session is one job on this agent.
type session struct {
	job       *jobFile
	driver    *clearcase.BaseDriver
	launcher  clearcase.Launcher
	workspace string
	state     *clearcase.RevisionState
}

func newSession() (*session, error) {
	if jobPath == "" {
		return nil, fmt.Errorf("a job file is required (-j)")
	}
	job, err := loadJob(jobPath)
	if err != nil {
		return nil, err
	}
	if err := job.Spec.Validate(); err != nil {
		return nil, err
	}
	desc, err := loadDescriptor(descriptorPath)
	if err != nil {
		return nil, err
	}
	state, err := loadState(statePath)
	if err != nil {
		return nil, err
	}
	ws := workspace
	if ws == "" {
		ws = "."
	}
	if ws, err = filepath.Abs(ws); err != nil {
		return nil, err
	}
	var sink io.Writer = os.Stderr
	if quiet {
		sink = ioutil.Discard
	}
	launcher := clearcase.NewLocalLauncher(sink)
	driver := clearcase.NewBaseDriver(desc, &job.Spec, launcher, clearcase.LocalWorkspace{})
	mask := logMask
	if mask == "" && verbose {
		mask = "all"
	}
	if mask != "" {
		if err := driver.Control().SetLogMask(mask); err != nil {
			return nil, err
		}
	}
	return &session{job: job, driver: driver, launcher: launcher, workspace: ws, state: state}, nil
}

// build assembles what a host would know about a build starting now.
func (s *session) build() *clearcase.BuildContext {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	vars := clearcase.Variables{
		"JOB_NAME":  s.job.JobName,
		"USER_NAME": whoami(),
		"NODE_NAME": host,
		"WORKSPACE": s.workspace,
	}
	for k, v := range s.job.Variables {
		vars[k] = v
	}
	env := os.Environ()
	for k, v := range s.job.Env {
		env = append(env, k+"="+v)
	}
	build := &clearcase.BuildContext{
		Variables:     vars,
		Env:           env,
		StartTime:     time.Now().UTC(),
		Workspace:     s.workspace,
		PreviousState: s.state,
	}
	if statePath != "" {
		build.RecordDir = filepath.Dir(statePath)
	}
	if s.state != nil {
		build.PreviousBuildTime = s.state.BuildTime
	}
	if changelogPath != "" {
		if _, err := os.Stat(changelogPath); err == nil {
			set, err := clearcase.LoadChangeLog(clearcase.LocalWorkspace{}, changelogPath)
			if err != nil {
				complain("ignoring previous change log: %v", err)
			} else {
				build.PreviousEntries = set
			}
		}
	}
	return build
}

func (s *session) checkout(ctx context.Context) error {
	build := s.build()
	if err := s.driver.Checkout(ctx, build, changelogPath); err != nil {
		return err
	}
	state, err := s.driver.ComputeRevisionState(ctx, build)
	if err != nil {
		return err
	}
	s.state = state
	if statePath != "" {
		if err := saveState(statePath, state); err != nil {
			return err
		}
	}
	announce("checkout of %s complete", s.job.JobName)
	return nil
}

func (s *session) poll(ctx context.Context, out io.Writer) (clearcase.PollResult, error) {
	result, err := s.driver.PollForChanges(ctx, s.build(), s.state)
	if err != nil {
		return result, err
	}
	fmt.Fprintln(out, result)
	return result, nil
}

func (s *session) showState(ctx context.Context, out io.Writer) error {
	state, err := s.driver.ComputeRevisionState(ctx, s.build())
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(state)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func (s *session) env(out io.Writer) error {
	env, err := s.driver.BuildEnvironment(s.build())
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%s=%s\n", k, env[k])
	}
	return nil
}

// parseSince accepts an RFC3339 time or a duration back from now.
func parseSince(arg string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(arg); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, arg)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither a duration nor an RFC3339 time", arg)
	}
	return t.UTC(), nil
}

func (s *session) history(ctx context.Context, args []string) (string, error) {
	build := s.build()
	var since time.Time
	switch {
	case len(args) > 0:
		t, err := parseSince(args[0], build.StartTime)
		if err != nil {
			return "", err
		}
		since = t
	case s.state != nil:
		since = s.state.BuildTime
	default:
		since = build.StartTime.Add(-24 * time.Hour)
	}
	res, err := s.driver.ReadHistory(ctx, build, since, build.StartTime)
	if err != nil {
		return "", err
	}
	var text strings.Builder
	for _, e := range res.Entries {
		fmt.Fprintf(&text, "%s  %s\n", e.Date.Format(time.RFC3339), e.User)
		for _, line := range strings.Split(e.Comment, "\n") {
			if line != "" {
				text.WriteString("    " + line + "\n")
			}
		}
		for _, el := range e.Elements {
			fmt.Fprintf(&text, "    %s %s@@%s\n", el.Operation, el.File, el.Version)
		}
	}
	fmt.Fprintf(&text, "%d changes from %d history records\n", len(res.Entries), res.Records)
	return text.String(), nil
}

func (s *session) catcs(ctx context.Context) (string, *clearcase.ResolvedViewSpec, error) {
	build := s.build()
	spec, err := s.driver.Resolve(ctx, build)
	if err != nil {
		return "", nil, err
	}
	text, err := s.driver.Cleartool(spec, build).CatConfigSpec(ctx, spec.ViewTag)
	return text, spec, err
}

// compare diffs the config spec the job wants against the view's.
func (s *session) compare(ctx context.Context) (string, error) {
	current, spec, err := s.catcs(ctx)
	if err != nil {
		return "", err
	}
	desired := clearcase.ParseConfigSpec(spec.ConfigSpec, spec.IsUnix)
	if spec.ViewMode == clearcase.Snapshot {
		desired = desired.WithLoadRules(spec.LoadRules)
	}
	actual := clearcase.ParseConfigSpec(current, spec.IsUnix)
	if desired.Equal(actual) {
		return "", nil
	}
	diffObj := difflib.LineDiffParams{
		A:        difflib.SplitLines(desired.String()),
		B:        difflib.SplitLines(actual.String()),
		FromFile: s.job.JobName + " (job)",
		ToFile:   spec.ViewTag + " (view)",
		Context:  3,
	}
	var text string
	if contextDiff {
		text, _ = difflib.GetContextDiffString(diffObj)
	} else {
		text, _ = difflib.GetUnifiedDiffString(diffObj)
	}
	return text, nil
}

// rmview removes the job's view once the user agrees.
func (s *session) rmview(ctx context.Context) error {
	build := s.build()
	spec, err := s.driver.Resolve(ctx, build)
	if err != nil {
		return err
	}
	if !force {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return fmt.Errorf("refusing to remove view %s without -f", spec.ViewTag)
		}
		answer := input(fmt.Sprintf("Remove view %s? [y/N] ", spec.ViewTag))
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "y") {
			announce("view %s kept", spec.ViewTag)
			return nil
		}
	}
	ct := s.driver.Cleartool(spec, build)
	if spec.ViewMode == clearcase.Snapshot {
		err = ct.RemoveView(ctx, s.workspace, spec.ViewDir(s.workspace))
	} else {
		err = ct.RemoveViewTag(ctx, spec.ViewTag)
	}
	if err != nil {
		return err
	}
	announce("view %s removed", spec.ViewTag)
	return nil
}

// lsview lists the registered view tags, or those matching a regexp.
// The job's own view is starred.
func (s *session) lsview(ctx context.Context, args []string, out io.Writer) error {
	var filter *regexp.Regexp
	if len(args) > 0 {
		re, err := regexp.Compile(args[0])
		if err != nil {
			return fmt.Errorf("bad view filter: %v", err)
		}
		filter = re
	}
	build := s.build()
	spec, err := s.driver.Resolve(ctx, build)
	if err != nil {
		return err
	}
	tags, err := s.driver.Cleartool(spec, build).ListViews(ctx)
	if err != nil {
		return err
	}
	for _, tag := range tags {
		if filter != nil && !filter.MatchString(tag) {
			continue
		}
		mark := " "
		if tag == spec.ViewTag {
			mark = "*"
		}
		fmt.Fprintf(out, "%s %s\n", mark, tag)
	}
	return nil
}

func (s *session) validate(ctx context.Context, out io.Writer) error {
	spec, err := s.driver.Resolve(ctx, s.build())
	if err != nil {
		return err
	}
	fmt.Fprintln(out, spec)
	return nil
}

func (s *session) version(ctx context.Context) (string, error) {
	build := s.build()
	spec, err := s.driver.Resolve(ctx, build)
	if err != nil {
		return "", err
	}
	return s.driver.Cleartool(spec, build).Version(ctx)
}

var dochead = `cctool prepares ClearCase views for builds, polls them for changes and
reports their history, using a YAML job file to describe the view.

`

type helpEntry struct {
	usage    string
	oneliner string
	text     string
}

var helpdict = map[string]helpEntry{
	"checkout": {
		"checkout",
		"prepare the job's view for a build",
		`The "checkout" command creates or updates the view the job file
describes, then writes the change log of everything that happened since
the previous checkout (-c) and records the new state (-s).
`},
	"poll": {
		"poll",
		"ask whether a new build is needed",
		`The "poll" command compares the job against the state recorded by
the last checkout and prints one of "significant", "insignificant" or
"none". A changed config spec or changed load rules are significant;
otherwise the view history since the last build decides.
`},
	"state": {
		"state",
		"print the revision state a build would record",
		`The "state" command prints, as YAML, the build time, load rules and
config spec a checkout starting now would record.
`},
	"env": {
		"env",
		"print the variables a build would get",
		`The "env" command prints the CLEARCASE_* variables contributed to
builds, one KEY=VALUE per line.
`},
	"history": {
		"history [since]",
		"list changes in the view",
		`The "history" command lists the changes under the job's load rules
since the argument, which may be an RFC3339 time or a duration such as
"36h". Without an argument the time of the last checkout is used, or
one day back when there was none.
`},
	"catcs": {
		"catcs",
		"print the view's config spec",
		`The "catcs" command prints the config spec the job's view holds.
`},
	"compare": {
		"compare",
		"diff the job's config spec against the view's",
		`The "compare" command prints a unified diff (a context diff with -x)
from the config spec the job wants to the one the view holds. Nothing is
printed when they agree.
`},
	"rmview": {
		"rmview",
		"remove the job's view",
		`The "rmview" command removes the job's view after asking for
confirmation. With -f no question is asked; without a terminal -f is
required.
`},
	"lsview": {
		"lsview [regexp]",
		"list registered views",
		`The "lsview" command lists the view tags registered with ClearCase,
one per line, starring the job's own view. With an argument only the tags
matching that regular expression are listed.
`},
	"validate": {
		"validate",
		"check the job file",
		`The "validate" command checks the job file and prints the view it
resolves to, without running cleartool.
`},
	"shell": {
		"shell",
		"run commands interactively",
		`The "shell" command starts an interpreter accepting the other
commands, so a job can be examined without reloading it each time.
`},
	"version": {
		"version",
		"report cctool's version",
		`The "version" command reports the version level of the software,
and that of cleartool when a job file is given.
`},
	"help": {
		"help [command]",
		"emit help about cctool commands",
		`The "help" command displays a summary of commands and options.
With a following argument that is a command name, display detailed help for that command.
`},
}

var narrativeOrder []string = []string{
	"checkout",
	"poll",
	"state",
	"env",
	"history",
	"catcs",
	"compare",
	"rmview",
	"lsview",
	"validate",
	"shell",
	"version",
	"help",
}

func dumpDocs() {
	if len(narrativeOrder) != len(helpdict) {
		os.Stderr.WriteString("cctool: documentation sanity check failed.\n")
		os.Exit(1)
	}
	for _, item := range narrativeOrder {
		os.Stdout.WriteString(item + "::\n")
		text := helpdict[item].text
		text = strings.Replace(text, "\n\n", "\n+\n", -1)
		os.Stdout.WriteString(text)
		os.Stdout.WriteString("\n")
	}
}

func commandHelp(name string) (string, bool) {
	cdoc, ok := helpdict[name]
	if !ok {
		return "", false
	}
	return fmt.Sprintf("usage: %s\n\n%s", cdoc.usage, cdoc.text), true
}

func summaryHelp(flags *flag.FlagSet) string {
	var text strings.Builder
	text.WriteString(dochead)
	text.WriteString("commands:\n")
	for _, key := range narrativeOrder {
		fmt.Fprintf(&text, " %-16s %s\n", key, helpdict[key].oneliner)
	}
	if flags != nil {
		text.WriteString("\noptions:\n")
		flags.SetOutput(&text)
		flags.PrintDefaults()
		flags.SetOutput(os.Stderr)
	}
	return text.String()
}

// interruptible returns a context cancelled by the first interrupt, so
// a running cleartool is killed rather than orphaned.
func interruptible() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	go func() {
		select {
		case <-sigs:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigs)
		cancel()
	}
}

func main() {
	flags := flag.NewFlagSet("cctool", flag.ExitOnError)

	flags.BoolVar(&verbose, "v", false, "log every class of driver message")
	flags.BoolVar(&quiet, "q", false, "run as quietly as possible")
	flags.BoolVar(&force, "f", false, "do not ask for confirmation")
	flags.BoolVar(&contextDiff, "x", false, "emit context diff")

	flags.StringVar(&jobPath, "j", "", "job file")
	flags.StringVar(&statePath, "s", "", "state file written by checkout and read by poll")
	flags.StringVar(&workspace, "w", "", "workspace directory (default .)")
	flags.StringVar(&changelogPath, "c", "", "change log file")
	flags.StringVar(&descriptorPath, "d", "", "host descriptor file")
	flags.StringVar(&logMask, "l", "", "log classes: "+strings.Join(clearcase.LogClasses(), ","))

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr,
			"cctool: requires a subcommand argument - do 'cctool help' for a subcommand list.\n")
		os.Exit(1)
	}
	operation := os.Args[1]

	flags.Parse(os.Args[2:])
	args := flags.Args()

	if operation != "compare" && contextDiff {
		croak("compare option with non-compare operation, bailing out.")
	}
	if operation != "rmview" && force {
		croak("-f only applies to rmview")
	}

	switch operation {
	case "help":
		if len(args) == 0 {
			page(summaryHelp(flags))
		} else if text, ok := commandHelp(args[0]); ok {
			os.Stdout.WriteString(text)
		} else {
			croak("no such command\n")
		}
		return
	case "docgen": // Not documented
		dumpDocs()
		return
	case "version":
		fmt.Println(version)
		if jobPath == "" {
			return
		}
	}
	if _, ok := helpdict[operation]; !ok {
		fmt.Fprintf(os.Stderr, "cctool: unknown operation %q\n", operation)
		os.Exit(1)
	}

	s, err := newSession()
	if err != nil {
		croak("%v", err)
	}
	ctx, stop := interruptible()
	defer stop()
	if err := s.dispatch(ctx, operation, args, os.Stdout); err != nil {
		stop()
		croak("%v", err)
	}
}

// dispatch runs one subcommand against the session.
func (s *session) dispatch(ctx context.Context, operation string, args []string, out io.Writer) error {
	switch operation {
	case "checkout":
		return s.checkout(ctx)
	case "poll":
		_, err := s.poll(ctx, out)
		return err
	case "state":
		return s.showState(ctx, out)
	case "env":
		return s.env(out)
	case "history":
		text, err := s.history(ctx, args)
		if err != nil {
			return err
		}
		if out == os.Stdout {
			page(text)
		} else {
			io.WriteString(out, text)
		}
		return nil
	case "catcs":
		text, _, err := s.catcs(ctx)
		if err != nil {
			return err
		}
		_, err = io.WriteString(out, text)
		return err
	case "compare":
		text, err := s.compare(ctx)
		if err != nil {
			return err
		}
		_, err = io.WriteString(out, text)
		return err
	case "rmview":
		return s.rmview(ctx)
	case "lsview":
		return s.lsview(ctx, args, out)
	case "validate":
		return s.validate(ctx, out)
	case "version":
		text, err := s.version(ctx)
		if err != nil {
			return err
		}
		_, err = io.WriteString(out, text)
		return err
	case "shell":
		runShell(ctx, s)
		return nil
	}
	return fmt.Errorf("unknown operation %q", operation)
}

// end
