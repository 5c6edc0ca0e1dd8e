// SPDX-License-Identifier: BSD-2-Clause

package clearcase

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func changeLogRoundTrip(t *testing.T, entries []*ChangeEntry) []*ChangeEntry {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteChangeLog(&buf, entries); err != nil {
		t.Fatal(err)
	}
	back, err := ReadChangeLog(&buf)
	if err != nil {
		t.Fatalf("%v in:\n%s", err, buf.String())
	}
	return back
}

func TestChangeLogRoundTrip(t *testing.T) {
	when := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	comments := []string{
		"plain",
		"",
		"   ",
		"line one\nline two\n\nline four",
		"ümlaut ĳ 中文",
		"emoji 😀 and 𝄞",
		`<tag attr="x"> & 'quotes'`,
		"\ttabbed",
	}
	var entries []*ChangeEntry
	for i, c := range comments {
		entries = append(entries, &ChangeEntry{
			User:    "user" + string(rune('a'+i)),
			Date:    when.Add(time.Duration(i) * time.Minute),
			Comment: c,
			Elements: []FileElement{
				{File: "vobs/proj/f" + string(rune('a'+i)), Version: "/main/1", Action: "create version", Operation: "checkin"},
				{File: "vobs/proj/dir", Version: "/main/2", Action: "", Operation: ""},
			},
		})
	}
	entries = append(entries, &ChangeEntry{User: "nobody", Date: when})

	back := changeLogRoundTrip(t, entries)
	assertIntEqual(t, len(back), len(entries))
	for i := range entries {
		if !entries[i].Equal(back[i]) {
			t.Fatalf("entry %d: wrote %s, read %s", i, entries[i], back[i])
		}
	}
}

func TestChangeLogEmpty(t *testing.T) {
	back := changeLogRoundTrip(t, nil)
	assertIntEqual(t, len(back), 0)
}

func TestChangeLogDocument(t *testing.T) {
	var buf bytes.Buffer
	entries := []*ChangeEntry{{
		User:     "ann",
		Date:     time.Date(2024, 1, 15, 10, 0, 0, 0, time.FixedZone("CET", 3600)),
		Comment:  "a < b",
		Elements: []FileElement{{File: "f", Version: "/main/1", Action: "create version", Operation: "checkin"}},
	}}
	if err := WriteChangeLog(&buf, entries); err != nil {
		t.Fatal(err)
	}
	doc := buf.String()
	for _, want := range []string{
		`<?xml version="1.0" encoding="UTF-8"?>`,
		"<history>",
		"<date>2024-01-15T09:00:00Z</date>",
		"<comment>a &lt; b</comment>",
		"<operation>checkin</operation>",
	} {
		if !strings.Contains(doc, want) {
			t.Fatalf("missing %q in:\n%s", want, doc)
		}
	}
}

func TestChangeLogLegacy(t *testing.T) {
	legacy := `<?xml version="1.0" encoding="UTF-8"?>
<history>
  <entry>
    <user>bob</user>
    <comment>old style</comment>
    <date>20070101.120000</date>
    <file>vobs/a.c</file>
    <version>/main/4</version>
    <action>create version</action>
  </entry>
  <entry>
    <user>carl</user>
    <comment></comment>
    <date>Mon Jan  1 12:00:05 UTC 2007</date>
    <element>
      <file>vobs/b.c</file>
      <version>/main/1</version>
      <action>create version</action>
    </element>
  </entry>
</history>
`
	entries, err := ReadChangeLog(strings.NewReader(legacy))
	if err != nil {
		t.Fatal(err)
	}
	assertIntEqual(t, len(entries), 2)
	assertEqual(t, entries[0].User, "bob")
	assertIntEqual(t, len(entries[0].Elements), 1)
	assertEqual(t, entries[0].Elements[0].File, "vobs/a.c")
	assertEqual(t, entries[0].Elements[0].Operation, "")
	assertEqual(t, rfc3339(entries[0].Date), "2007-01-01T12:00:00Z")
	assertEqual(t, entries[1].Elements[0].Operation, "")
	assertEqual(t, rfc3339(entries[1].Date), "2007-01-01T12:00:05Z")
}

func TestChangeLogMalformed(t *testing.T) {
	_, err := ReadChangeLog(strings.NewReader("<history><entry>"))
	assertBool(t, IsParseError(err), true)
	_, err = ReadChangeLog(strings.NewReader("<history><entry><date>yesterday</date></entry></history>"))
	assertBool(t, IsParseError(err), true)
}

func TestSaveAndLoadChangeLog(t *testing.T) {
	ws := newMemWorkspace()
	path := "/rec/changelog.xml"
	ws.WriteFile(path, []byte("stale"))
	entries := []*ChangeEntry{{User: "ann", Date: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), Comment: "c"}}
	if err := SaveChangeLog(ws, path, entries); err != nil {
		t.Fatal(err)
	}
	assertStrings(t, ws.names(), []string{path})
	set, err := LoadChangeLog(ws, path)
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, set.ID, path)
	assertIntEqual(t, len(set.Entries), 1)
	assertEqual(t, set.Entries[0].SetID, path)
	assertBool(t, set.Contains(entries[0]), true)
	assertBool(t, set.Contains(&ChangeEntry{User: "bob"}), false)

	if _, err := LoadChangeLog(ws, "/rec/missing.xml"); err == nil {
		t.Fatal("missing change log loaded")
	}
}

func TestLocalChangeLogMode(t *testing.T) {
	dir, err := ioutil.TempDir("", "changelog")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "changelog.xml")
	if err := SaveChangeLog(LocalWorkspace{}, path, nil); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0644 {
		t.Fatalf("change log mode %v", info.Mode().Perm())
	}
	set, err := LoadChangeLog(LocalWorkspace{}, path)
	if err != nil {
		t.Fatal(err)
	}
	assertIntEqual(t, len(set.Entries), 0)
}
