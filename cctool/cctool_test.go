package main

// SPDX-License-Identifier: BSD-2-Clause

import (
	"bufio"
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	terminfo "github.com/xo/terminfo"

	"gitlab.com/ccscm/ccscm/clearcase"
)

func assertEqual(t *testing.T, a string, b string) {
	t.Helper()
	if a != b {
		t.Fatalf("assertEqual: expected %q == %q", a, b)
	}
}

func bufioReader(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := ioutil.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJob(t *testing.T) {
	dir, err := ioutil.TempDir("", "cctool")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	path := writeTemp(t, dir, "nightly.yaml", `variables:
  STREAM: dev
spec:
  branch: ${STREAM}
  configSpec: |
    element * CHECKEDOUT
    element * /main/LATEST
  loadRules: /vobs/proj
  viewTag: ${JOB_NAME}_view
  useUpdate: true
`)
	job, err := loadJob(path)
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, job.JobName, "nightly")
	assertEqual(t, job.Variables["STREAM"], "dev")
	assertEqual(t, job.Spec.LoadRules, "/vobs/proj")
	if !job.Spec.UseUpdate {
		t.Fatal("useUpdate lost")
	}

	spec, err := job.Spec.Resolve(clearcase.Variables{"JOB_NAME": job.JobName, "STREAM": "dev"}, true, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, spec.ViewTag, "nightly_view")
	assertEqual(t, strings.Join(spec.Branches, ","), "dev")

	bad := writeTemp(t, dir, "bad.yaml", "spec:\n  noSuchField: 1\n")
	if _, err := loadJob(bad); err == nil {
		t.Fatal("unknown job field accepted")
	}
}

func TestStateRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "cctool")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "state.yaml")

	state, err := loadState(path)
	if err != nil || state != nil {
		t.Fatalf("missing state file: got %v, %v", state, err)
	}
	at := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	want := &clearcase.RevisionState{BuildTime: at, LoadRules: []string{"/vobs/proj"}, ConfigSpec: "element * /main/LATEST\n"}
	if err := saveState(path, want); err != nil {
		t.Fatal(err)
	}
	got, err := loadState(path)
	if err != nil {
		t.Fatal(err)
	}
	if !got.BuildTime.Equal(at) {
		t.Fatalf("build time: %v", got.BuildTime)
	}
	assertEqual(t, strings.Join(got.LoadRules, ","), "/vobs/proj")
	assertEqual(t, got.ConfigSpec, want.ConfigSpec)
}

func TestDescriptorFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "cctool")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	path := writeTemp(t, dir, "host.yaml", "cleartoolExe: /opt/rational/clearcase/bin/cleartool\nmergeWindow: 10s\n")
	desc, err := loadDescriptor(path)
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, desc.CleartoolExe, "/opt/rational/clearcase/bin/cleartool")
	if desc.MergeWindow != 10*time.Second {
		t.Fatalf("merge window: %v", desc.MergeWindow)
	}
	if desc, err := loadDescriptor(""); desc != nil || err != nil {
		t.Fatal("empty descriptor path should mean defaults")
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	got, err := parseSince("36h", now)
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, got.Format(time.RFC3339), "2024-01-13T22:00:00Z")
	got, err = parseSince("2024-01-14T12:00:00+01:00", now)
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, got.Format(time.RFC3339), "2024-01-14T11:00:00Z")
	if _, err := parseSince("yesterday", now); err == nil {
		t.Fatal("bad time accepted")
	}
}

func TestHelpCoverage(t *testing.T) {
	if len(narrativeOrder) != len(helpdict) {
		t.Fatalf("%d commands in narrative order, %d documented", len(narrativeOrder), len(helpdict))
	}
	for _, name := range narrativeOrder {
		if _, ok := commandHelp(name); !ok {
			t.Fatalf("%s is undocumented", name)
		}
	}
	text, _ := commandHelp("history")
	if !strings.HasPrefix(text, "usage: history [since]\n\n") {
		t.Fatalf("unexpected help layout:\n%s", text)
	}
	if !strings.Contains(summaryHelp(nil), " rmview           remove the job's view\n") {
		t.Fatalf("summary misses rmview:\n%s", summaryHelp(nil))
	}
}

func TestScreenPager(t *testing.T) {
	ti, err := terminfo.Load("xterm")
	if err != nil {
		t.Skip("no xterm terminfo entry")
	}
	var out bytes.Buffer
	p := &screenPager{ti: ti, out: &out, in: bufioReader("\n"), height: 3}
	p.Write([]byte("one\ntwo\nthr"))
	p.Write([]byte("ee\n"))
	p.Write([]byte("tail"))
	p.Close()
	text := out.String()
	if !strings.HasPrefix(text, "one\ntwo\n") || !strings.HasSuffix(text, "three\ntail") {
		t.Fatalf("unexpected pager output %q", text)
	}
	if !strings.Contains(text, "-- Press Enter for more --") {
		t.Fatalf("no prompt in %q", text)
	}
}

func TestBlankPagerCommand(t *testing.T) {
	for _, command := range []string{"", "  ", "\t"} {
		p, err := newCommandPager(command)
		if err == nil {
			p.Close()
		}
	}
	if _, err := newCommandPager("no-such-pager-anywhere -s"); err == nil {
		t.Fatal("missing pager started")
	}
}

func TestLsviewDocumented(t *testing.T) {
	text, ok := commandHelp("lsview")
	if !ok || !strings.HasPrefix(text, "usage: lsview [regexp]\n\n") {
		t.Fatalf("lsview help:\n%s", text)
	}
}
