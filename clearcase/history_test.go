// SPDX-License-Identifier: BSD-2-Clause

package clearcase

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"
)

// historyRecord renders one lshistory record in HistoryFormat.
func historyRecord(date, user, file, version, op, action, comment string) string {
	return strings.Join([]string{date, user, file, version, op, action, comment}, historyFieldSep) + historyEnd + "\n"
}

func newTestReader(t *testing.T, fake *fakeLauncher, vs *ViewSpec) *HistoryReader {
	t.Helper()
	spec, err := vs.Resolve(nil, fake.IsUnix(), nil, "")
	if err != nil {
		t.Fatal(err)
	}
	ctl := NewControl(fake.TaskLogger())
	ctl.SetLogMask("all")
	ct := NewCleartool(fake, "cleartool", nil, nil, ctl)
	return NewHistoryReader(ct, ctl, spec, 0)
}

var (
	histSince = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	histUntil = time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC)
)

func TestHistoryParse(t *testing.T) {
	fake := newFakeLauncher()
	fake.reply("pwv", "/ws/view\n")
	fake.reply("lshistory",
		historyRecord("20240115.100000", "ann", "/ws/view/vobs/proj/a.c", "/main/3", "checkin", "create version", "fix\r\nthe bug\n")+
			"20240115.100001|#|bob|#|/ws/view/vobs/proj/b.c|#|/main/1|#|checkin|#|END\n"+
			historyRecord("garbage", "x", "y", "z", "checkin", "", "")+
			historyRecord("20240115.120000", "late", "/ws/view/vobs/late.c", "/main/1", "checkin", "", "")+
			historyRecord("20240115.090000", "early", "/ws/view/vobs/early.c", "/main/1", "checkin", "", ""))
	hr := newTestReader(t, fake, &ViewSpec{ConfigSpec: "x", ChangeSetLevel: ChangeSetAll})
	res, err := hr.Read(context.Background(), "/ws/view", histSince, histUntil, []string{"vobs/proj"})
	if err != nil {
		t.Fatal(err)
	}
	// the garbage record is skipped, the late and early ones are outside the window
	assertIntEqual(t, res.Records, 2)
	assertIntEqual(t, len(res.Entries), 2)
	first := res.Entries[0]
	assertEqual(t, first.User, "ann")
	assertEqual(t, first.Comment, "fix\nthe bug")
	assertEqual(t, rfc3339(first.Date), "2024-01-15T10:00:00Z")
	assertEqual(t, first.Elements[0].File, "vobs/proj/a.c")
	assertEqual(t, first.Elements[0].Version, "/main/3")
	assertEqual(t, first.Elements[0].Operation, "checkin")
	assertEqual(t, first.Elements[0].Action, "create version")
	assertEqual(t, res.Entries[1].User, "bob")
	assertEqual(t, res.Entries[1].Comment, "")
	if !strings.Contains(fake.log.String(), "WARNING: skipping history record") {
		t.Fatalf("bad record not logged:\n%s", fake.log.String())
	}
	assertStrings(t, fake.find("lshistory"), []string{
		"lshistory -fmt " + HistoryFormat + " -r -nco -since 15-Jan-2024.09:00:00UTC vobs/proj",
	})
}

func TestHistoryTimeZone(t *testing.T) {
	fake := newFakeLauncher()
	fake.reply("lshistory", historyRecord("20240115.110000", "ann", "f", "/main/1", "checkin", "", "c"))
	hr := newTestReader(t, fake, &ViewSpec{ConfigSpec: "x", TimeZone: "Europe/Paris"})
	res, err := hr.Read(context.Background(), "/ws/view", histSince, histUntil, nil)
	if err != nil {
		t.Fatal(err)
	}
	assertIntEqual(t, len(res.Entries), 1)
	assertEqual(t, rfc3339(res.Entries[0].Date), "2024-01-15T10:00:00Z")
}

func TestHistoryWholeStreamFailure(t *testing.T) {
	fake := newFakeLauncher()
	fake.reply("lshistory", "cleartool: Error: something unexpected\n")
	hr := newTestReader(t, fake, &ViewSpec{ConfigSpec: "x"})
	_, err := hr.Read(context.Background(), "/ws/view", histSince, histUntil, nil)
	assertBool(t, IsParseError(err), true)

	fake = newFakeLauncher()
	fake.fail("lshistory", 1, "cleartool: Error: Not a vob object")
	hr = newTestReader(t, fake, &ViewSpec{ConfigSpec: "x"})
	_, err = hr.Read(context.Background(), "/ws/view", histSince, histUntil, nil)
	assertBool(t, IsToolFailure(err), true)
}

func TestHistoryPerBranch(t *testing.T) {
	fake := newFakeLauncher()
	fake.on("lshistory", func(c *Command) response {
		joined := strings.Join(c.Args, " ")
		switch {
		case strings.Contains(joined, "brtype:main"):
			return response{out: historyRecord("20240115.100000", "ann", "a", "/main/1", "checkin", "", "m")}
		case strings.Contains(joined, "brtype:dev"):
			return response{out: historyRecord("20240115.100500", "ann", "b", "/main/dev/1", "checkin", "", "d")}
		}
		return response{}
	})
	hr := newTestReader(t, fake, &ViewSpec{ConfigSpec: "x", Branch: "main dev"})
	res, err := hr.Read(context.Background(), "/ws/view", histSince, histUntil, nil)
	if err != nil {
		t.Fatal(err)
	}
	assertIntEqual(t, len(fake.find("lshistory")), 2)
	assertIntEqual(t, len(res.Entries), 2)

	fake.calls = nil
	hr = newTestReader(t, fake, &ViewSpec{ConfigSpec: "x", Branch: "main dev", ChangeSetLevel: ChangeSetUnfiltered})
	if _, err := hr.Read(context.Background(), "/ws/view", histSince, histUntil, nil); err != nil {
		t.Fatal(err)
	}
	calls := fake.find("lshistory")
	assertIntEqual(t, len(calls), 1)
	assertBool(t, strings.Contains(calls[0], "-branch"), false)
}

func TestMergeEntries(t *testing.T) {
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	mk := func(user, comment string, offset time.Duration, file string) *ChangeEntry {
		return &ChangeEntry{User: user, Comment: comment, Date: base.Add(offset),
			Elements: []FileElement{{File: file, Version: "/main/1"}}}
	}
	a := mk("ann", "fix", 0, "a")
	b := mk("ann", "fix", 3*time.Second, "b")
	merged := MergeEntries([]*ChangeEntry{b, a}, 5*time.Second)
	assertIntEqual(t, len(merged), 1)
	assertIntEqual(t, len(merged[0].Elements), 2)
	assertEqual(t, merged[0].Elements[0].File, "a")
	assertEqual(t, merged[0].Elements[1].File, "b")
	assertEqual(t, rfc3339(merged[0].Date), "2024-01-15T10:00:03Z")
	// inputs untouched
	assertIntEqual(t, len(a.Elements), 1)

	apart := MergeEntries([]*ChangeEntry{a, mk("ann", "fix", 5*time.Second, "c")}, 5*time.Second)
	assertIntEqual(t, len(apart), 2)
	otherUser := MergeEntries([]*ChangeEntry{a, mk("bob", "fix", time.Second, "c")}, 5*time.Second)
	assertIntEqual(t, len(otherUser), 2)
	otherComment := MergeEntries([]*ChangeEntry{a, mk("ann", "other", time.Second, "c")}, 5*time.Second)
	assertIntEqual(t, len(otherComment), 2)
	assertEqual(t, otherComment[0].Comment, "fix")
	// an entry by someone else in between keeps the two apart
	mixed := MergeEntries([]*ChangeEntry{b, mk("bob", "x", time.Second, "c"), a}, 5*time.Second)
	assertIntEqual(t, len(mixed), 3)
	assertEqual(t, mixed[0].User+" "+mixed[0].Elements[0].File, "ann a")
	assertEqual(t, mixed[1].User+" "+mixed[1].Elements[0].File, "bob c")
	assertEqual(t, mixed[2].User+" "+mixed[2].Elements[0].File, "ann b")
	for _, e := range mixed {
		assertIntEqual(t, len(e.Elements), 1)
	}
	// a run of three folds into one
	run := MergeEntries([]*ChangeEntry{a, b, mk("ann", "fix", 6*time.Second, "d")}, 5*time.Second)
	assertIntEqual(t, len(run), 1)
	assertIntEqual(t, len(run[0].Elements), 3)
}

func TestFilters(t *testing.T) {
	ctx := context.Background()
	entry := func(op, action, comment, file string) *ChangeEntry {
		return &ChangeEntry{Comment: comment, Elements: []FileElement{{File: file, Version: "/main/1", Operation: op, Action: action}}}
	}
	destroy := destroySubBranchFilter()
	keep, _ := destroy(ctx, entry("rmbranch", "", "", "f"))
	assertBool(t, keep, false)
	keep, _ = destroy(ctx, entry("checkin", "", `destroy sub-branch "dev" of branch "/main"`, "f"))
	assertBool(t, keep, false)
	keep, _ = destroy(ctx, entry("checkin", "create version", "ok", "f"))
	assertBool(t, keep, true)

	excluded := excludedRegionsFilter([]*regexp.Regexp{regexp.MustCompile(`\.txt$`)})
	keep, _ = excluded(ctx, entry("checkin", "", "", "vobs/readme.txt"))
	assertBool(t, keep, false)
	keep, _ = excluded(ctx, entry("checkin", "", "", "vobs/main.c"))
	assertBool(t, keep, true)

	content := contentOperationFilter()
	keep, _ = content(ctx, entry("mklabel", "", "", "f"))
	assertBool(t, keep, false)
	for op := range contentOperations {
		keep, _ = content(ctx, entry(op, "", "", "f"))
		assertBool(t, keep, true)
	}
}

func TestHistoryLevelFiltering(t *testing.T) {
	out := historyRecord("20240115.100000", "ann", "a", "/main/1", "checkin", "", "c") +
		historyRecord("20240115.100000", "ann", "a", "/main/1", "mklabel", "", "label it")
	for _, level := range []ChangeSetLevel{ChangeSetBranch, ChangeSetAll} {
		fake := newFakeLauncher()
		fake.reply("lshistory", out)
		hr := newTestReader(t, fake, &ViewSpec{ConfigSpec: "x", ChangeSetLevel: level})
		res, err := hr.Read(context.Background(), "/ws/view", histSince, histUntil, nil)
		if err != nil {
			t.Fatal(err)
		}
		assertIntEqual(t, res.Records, 2)
		if level == ChangeSetBranch {
			assertIntEqual(t, len(res.Entries), 1)
		} else {
			assertIntEqual(t, len(res.Entries), 2)
		}
	}
}

func TestHistoryLabelFilter(t *testing.T) {
	out := historyRecord("20240115.100000", "ann", "vobs/f.c", "/main/1", "checkin", "", "one") +
		historyRecord("20240115.101000", "ann", "vobs/f.c", "/main/2", "checkin", "", "two")
	labels := map[string]string{"vobs/f.c@@/main/1": "REL_A OTHER\n", "vobs/f.c@@/main/2": "\n"}

	fake := newFakeLauncher()
	fake.reply("lshistory", out)
	fake.on("describe", func(c *Command) response {
		return response{out: labels[c.Args[len(c.Args)-1]]}
	})
	hr := newTestReader(t, fake, &ViewSpec{ConfigSpec: "x", Label: "REL_A"})
	res, err := hr.Read(context.Background(), "/ws/view", histSince, histUntil, nil)
	if err != nil {
		t.Fatal(err)
	}
	assertIntEqual(t, len(res.Entries), 1)
	assertEqual(t, res.Entries[0].Elements[0].Version, "/main/1")
	assertIntEqual(t, res.Records, 2)
	assertIntEqual(t, len(fake.find("describe")), 2)

	fake = newFakeLauncher()
	fake.reply("lshistory", out)
	hr = newTestReader(t, fake, &ViewSpec{ConfigSpec: "x"})
	res, err = hr.Read(context.Background(), "/ws/view", histSince, histUntil, nil)
	if err != nil {
		t.Fatal(err)
	}
	assertIntEqual(t, len(res.Entries), 2)
	assertIntEqual(t, len(fake.find("describe")), 0)
}

func TestHistoryLabelCache(t *testing.T) {
	// Same version reported on two branches is described once.
	out := historyRecord("20240115.100000", "ann", "f", "/main/1", "checkin", "", "a")
	fake := newFakeLauncher()
	fake.reply("lshistory", out)
	fake.reply("describe", "REL_A\n")
	hr := newTestReader(t, fake, &ViewSpec{ConfigSpec: "x", Label: "REL_A", Branch: "main dev"})
	if _, err := hr.Read(context.Background(), "/ws/view", histSince, histUntil, nil); err != nil {
		t.Fatal(err)
	}
	assertIntEqual(t, len(fake.find("describe")), 1)
}
