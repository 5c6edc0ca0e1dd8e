// Read, filter and merge lshistory output into change entries.
//
// SPDX-License-Identifier: BSD-2-Clause

package clearcase

import (
	"context"
	"sort"
	"strings"
	"time"
)

// DefaultMergeWindow is how close in time two checkins by the same user
// with the same comment must be to count as one change.
const DefaultMergeWindow = 5 * time.Second

const historyDateLayout = "20060102.150405"

// HistoryResult is the outcome of one history read. Records counts the
// raw records inside the window before filtering, so callers can tell
// "everything was filtered" from "nothing happened".
type HistoryResult struct {
	Entries []*ChangeEntry
	Records int
}

// HistoryReader turns lshistory output into merged change entries.
type HistoryReader struct {
	ct          *Cleartool
	ctl         *Control
	spec        *ResolvedViewSpec
	mergeWindow time.Duration
}

// NewHistoryReader returns a reader for one resolved view spec.
func NewHistoryReader(ct *Cleartool, ctl *Control, spec *ResolvedViewSpec, mergeWindow time.Duration) *HistoryReader {
	if mergeWindow <= 0 {
		mergeWindow = DefaultMergeWindow
	}
	return &HistoryReader{ct: ct, ctl: ctl, spec: spec, mergeWindow: mergeWindow}
}

// Read collects changes in (since, until] under paths, running cleartool
// in dir.
func (hr *HistoryReader) Read(ctx context.Context, dir string, since, until time.Time, paths []string) (*HistoryResult, error) {
	root, err := hr.ct.PresentWorkingView(ctx, dir)
	if err != nil {
		if IsCancelled(err) {
			return nil, err
		}
		hr.ctl.logit(logWARN, "can't find view root of %s: %v", dir, err)
		root = ""
	}
	prefix := ""
	if root != "" {
		prefix = strings.TrimRight(root, "/\\") + fileSep(hr.ct.IsUnix())
	}
	describeDir := dir
	if root != "" {
		describeDir = root
	}
	chain := buildFilters(hr.spec, hr.ct, hr.ctl, describeDir)

	branches := hr.spec.Branches
	if hr.spec.ChangeSetLevel == ChangeSetUnfiltered || len(branches) == 0 {
		branches = []string{""}
	}
	result := new(HistoryResult)
	var kept []*ChangeEntry
	for _, branch := range branches {
		out, err := hr.ct.ListHistory(ctx, dir, branch, since, paths)
		if err != nil {
			return nil, err
		}
		records, err := hr.parse(out, prefix)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if !rec.Date.After(since) || rec.Date.After(until) {
				continue
			}
			result.Records++
			keep, err := applyFilters(ctx, chain, rec)
			if err != nil {
				return nil, err
			}
			if keep {
				kept = append(kept, rec)
			} else if hr.ctl.logEnable(logHISTORY) {
				hr.ctl.logit(logHISTORY, "filtered %s", rec)
			}
		}
	}
	result.Entries = MergeEntries(kept, hr.mergeWindow)
	if hr.ctl.logEnable(logHISTORY) {
		hr.ctl.logit(logHISTORY, "%d records, %d changes after filtering and merging",
			result.Records, len(result.Entries))
	}
	return result, nil
}

// parse splits raw output into single-element entries. A record that
// does not parse is logged and skipped; output with content but no
// record terminator at all is a whole-stream failure.
func (hr *HistoryReader) parse(out, prefix string) ([]*ChangeEntry, error) {
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}
	if !strings.Contains(out, historyEnd) {
		return nil, &Error{Class: ClassParse, Op: "lshistory",
			message: "output contains no history records"}
	}
	var entries []*ChangeEntry
	for _, chunk := range strings.Split(out, historyEnd) {
		chunk = strings.TrimLeft(chunk, "\r\n")
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		e, err := parseHistoryRecord(chunk, prefix, hr.spec.Location)
		if err != nil {
			hr.ctl.logit(logWARN, "skipping history record: %v", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func parseHistoryRecord(chunk, prefix string, loc *time.Location) (entry *ChangeEntry, err error) {
	defer func() {
		if e := catch(ClassParse, recover()); e != nil {
			entry, err = nil, e
		}
	}()
	fields := strings.SplitN(chunk, historyFieldSep, 7)
	if len(fields) < 3 {
		panic(throw(ClassParse, "too few fields in %q", chunk))
	}
	for len(fields) < 7 {
		fields = append(fields, "")
	}
	if loc == nil {
		loc = time.UTC
	}
	date, perr := time.ParseInLocation(historyDateLayout, strings.TrimSpace(fields[0]), loc)
	if perr != nil {
		panic(throw(ClassParse, "bad date %q", fields[0]))
	}
	file := strings.TrimSpace(fields[2])
	if file == "" {
		panic(throw(ClassParse, "no element name in %q", chunk))
	}
	if prefix != "" && strings.HasPrefix(file, prefix) {
		file = file[len(prefix):]
	}
	comment := strings.ReplaceAll(fields[6], "\r\n", "\n")
	comment = strings.TrimRight(comment, "\n")
	return &ChangeEntry{
		User:    strings.TrimSpace(fields[1]),
		Date:    date.UTC(),
		Comment: comment,
		Elements: []FileElement{{
			File:      file,
			Version:   strings.TrimSpace(fields[3]),
			Operation: strings.TrimSpace(fields[4]),
			Action:    strings.TrimSpace(fields[5]),
		}},
	}, nil
}

// MergeEntries folds an entry into the one before it, oldest first, when
// both have the same user and comment and are less than window apart.
// Entries by someone else in between keep the two apart. The merged entry
// keeps the elements of both in order and the later date.
func MergeEntries(entries []*ChangeEntry, window time.Duration) []*ChangeEntry {
	sorted := make([]*ChangeEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Date.Before(sorted[j].Date)
	})
	var merged []*ChangeEntry
	for _, e := range sorted {
		if n := len(merged); n > 0 {
			last := merged[n-1]
			if last.User == e.User && last.Comment == e.Comment && absDuration(last.Date.Sub(e.Date)) < window {
				last.Elements = append(last.Elements, e.Elements...)
				if e.Date.After(last.Date) {
					last.Date = e.Date
				}
				continue
			}
		}
		dup := *e
		dup.Elements = append([]FileElement(nil), e.Elements...)
		merged = append(merged, &dup)
	}
	return merged
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
