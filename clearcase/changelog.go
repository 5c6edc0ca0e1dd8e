// The change log document: one per build, XML on disk.
//
// SPDX-License-Identifier: BSD-2-Clause

package clearcase

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"
)

// FileElement is one element version touched by a change.
type FileElement struct {
	File      string `xml:"file"`
	Version   string `xml:"version"`
	Action    string `xml:"action"`
	Operation string `xml:"operation"`
}

// ChangeEntry is one logical change: a user, an instant, a comment, and
// the element versions it touched.
type ChangeEntry struct {
	User     string
	Date     time.Time // UTC, second precision
	Comment  string
	Elements []FileElement
	SetID    string // identity of the owning ChangeLogSet, not serialized
}

// Equal compares the serialized content of two entries. The set identity
// is ignored and a nil element list equals an empty one.
func (e *ChangeEntry) Equal(other *ChangeEntry) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.User != other.User || e.Comment != other.Comment || !e.Date.Equal(other.Date) {
		return false
	}
	if len(e.Elements) != len(other.Elements) {
		return false
	}
	for i := range e.Elements {
		if e.Elements[i] != other.Elements[i] {
			return false
		}
	}
	return true
}

func (e *ChangeEntry) String() string {
	files := make([]string, 0, len(e.Elements))
	for _, el := range e.Elements {
		files = append(files, el.File+"@@"+el.Version)
	}
	return fmt.Sprintf("%s %s %q [%s]", rfc3339(e.Date), e.User, e.Comment, strings.Join(files, " "))
}

// ChangeLogSet is the change log of one build.
type ChangeLogSet struct {
	ID      string
	Entries []*ChangeEntry
}

// NewChangeLogSet stamps every entry with the set identity.
func NewChangeLogSet(id string, entries []*ChangeEntry) *ChangeLogSet {
	for _, e := range entries {
		e.SetID = id
	}
	return &ChangeLogSet{ID: id, Entries: entries}
}

// Contains reports whether an equal entry is already in the set.
func (s *ChangeLogSet) Contains(e *ChangeEntry) bool {
	if s == nil {
		return false
	}
	for _, have := range s.Entries {
		if have.Equal(e) {
			return true
		}
	}
	return false
}

type xmlHistory struct {
	XMLName xml.Name   `xml:"history"`
	Entries []xmlEntry `xml:"entry"`
}

type xmlEntry struct {
	User     string        `xml:"user"`
	Comment  string        `xml:"comment"`
	Date     string        `xml:"date"`
	Elements []FileElement `xml:"element"`
	// Pre-element layout: one file per entry.
	File    string `xml:"file,omitempty"`
	Version string `xml:"version,omitempty"`
	Action  string `xml:"action,omitempty"`
}

var changeLogDateLayouts = []string{
	time.RFC3339,
	"20060102.150405",
	time.UnixDate,
}

func parseChangeLogDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range changeLogDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, throw(ClassParse, "unrecognized change log date %q", s)
}

// WriteChangeLog serializes entries as a UTF-8 XML document.
func WriteChangeLog(w io.Writer, entries []*ChangeEntry) error {
	doc := xmlHistory{Entries: make([]xmlEntry, 0, len(entries))}
	for _, e := range entries {
		doc.Entries = append(doc.Entries, xmlEntry{
			User:     e.User,
			Comment:  e.Comment,
			Date:     e.Date.UTC().Truncate(time.Second).Format(time.RFC3339),
			Elements: e.Elements,
		})
	}
	if _, err := io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>`+"\n"); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// ReadChangeLog parses a change log document, including files written
// before entries carried element lists.
func ReadChangeLog(r io.Reader) ([]*ChangeEntry, error) {
	var doc xmlHistory
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, &Error{Class: ClassParse, Op: "changelog", Err: err,
			message: fmt.Sprintf("malformed change log: %v", err)}
	}
	entries := make([]*ChangeEntry, 0, len(doc.Entries))
	for _, x := range doc.Entries {
		date, err := parseChangeLogDate(x.Date)
		if err != nil {
			return nil, err
		}
		e := &ChangeEntry{User: x.User, Comment: x.Comment, Date: date, Elements: x.Elements}
		if len(e.Elements) == 0 && (x.File != "" || x.Version != "" || x.Action != "") {
			e.Elements = []FileElement{{File: x.File, Version: x.Version, Action: x.Action}}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// SaveChangeLog replaces the change log at path through the workspace.
// The document goes to a sibling temporary file first so readers never
// see a partial one.
func SaveChangeLog(ws Workspace, path string, entries []*ChangeEntry) error {
	var buf bytes.Buffer
	if err := WriteChangeLog(&buf, entries); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := ws.WriteFile(tmp, buf.Bytes()); err != nil {
		return &Error{Class: ClassLauncher, Op: "changelog", Err: err,
			message: fmt.Sprintf("can't write %s: %v", tmp, err)}
	}
	if err := ws.Rename(tmp, path); err != nil {
		return &Error{Class: ClassLauncher, Op: "changelog", Err: err,
			message: fmt.Sprintf("can't replace %s: %v", path, err)}
	}
	return nil
}

// LoadChangeLog reads the change log at path as a set identified by path.
func LoadChangeLog(ws Workspace, path string) (*ChangeLogSet, error) {
	data, err := ws.ReadFile(path)
	if err != nil {
		return nil, err
	}
	entries, err := ReadChangeLog(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return NewChangeLogSet(path, entries), nil
}
