// Config spec model: view rules plus load rules.
//
// SPDX-License-Identifier: BSD-2-Clause

package clearcase

import (
	"strings"

	orderedset "github.com/emirpasic/gods/sets/linkedhashset"
	difflib "github.com/ianbruene/go-difflib/difflib"
)

// ConfigSpec is a parsed ClearCase config spec. Load rules are kept apart
// from the other rules because they are managed independently of them;
// equality after StripLoadRules is the test for "config spec changed".
type ConfigSpec struct {
	rules     []string
	loadRules *orderedset.Set // of string, normalized to agent conventions
	isUnix    bool
}

// ParseConfigSpec splits config-spec text into rules and load rules.
// A load line is any line whose first token is "load", in any case.
// Blank lines are dropped and trailing whitespace is not significant.
// Rule lines get the agent's path separators so that a spec read back
// from the view compares equal to the one written to it.
func ParseConfigSpec(text string, isUnix bool) *ConfigSpec {
	cs := &ConfigSpec{loadRules: orderedset.New(), isUnix: isUnix}
	for _, line := range SplitLines(text) {
		line = strings.TrimRight(line, " \t\r")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if strings.EqualFold(fields[0], "load") {
			rest := strings.TrimSpace(strings.TrimSpace(line)[len(fields[0]):])
			if rest != "" {
				cs.loadRules.Add(normalizeLoadRule(rest, isUnix))
			}
			continue
		}
		cs.rules = append(cs.rules, NormalizePath(line, isUnix))
	}
	return cs
}

func normalizeLoadRule(rule string, isUnix bool) string {
	rule = strings.TrimSpace(rule)
	if len(rule) >= 2 {
		first, last := rule[0], rule[len(rule)-1]
		if (first == '"' || first == '\'') && first == last {
			rule = rule[1 : len(rule)-1]
		}
	}
	return NormalizePath(rule, isUnix)
}

// quoteLoadRule puts double quotes around a path containing whitespace.
func quoteLoadRule(rule string) string {
	if strings.ContainsAny(rule, " \t") {
		return `"` + rule + `"`
	}
	return rule
}

func (cs *ConfigSpec) clone() *ConfigSpec {
	dup := &ConfigSpec{isUnix: cs.isUnix}
	dup.rules = append([]string(nil), cs.rules...)
	dup.loadRules = orderedset.New(cs.loadRules.Values()...)
	return dup
}

// Rules returns the non-load lines in their original order.
func (cs *ConfigSpec) Rules() []string {
	return append([]string(nil), cs.rules...)
}

// LoadRules returns the load paths in their original order.
func (cs *ConfigSpec) LoadRules() []string {
	out := make([]string, 0, cs.loadRules.Size())
	for _, v := range cs.loadRules.Values() {
		out = append(out, v.(string))
	}
	return out
}

// StripLoadRules returns a copy without load rules.
func (cs *ConfigSpec) StripLoadRules() *ConfigSpec {
	dup := cs.clone()
	dup.loadRules.Clear()
	return dup
}

// WithLoadRules returns a copy whose load rules are replaced.
func (cs *ConfigSpec) WithLoadRules(rules []string) *ConfigSpec {
	dup := cs.StripLoadRules()
	for _, r := range rules {
		dup.loadRules.Add(normalizeLoadRule(r, cs.isUnix))
	}
	return dup
}

// LoadRulesString serializes the load paths one per line.
func (cs *ConfigSpec) LoadRulesString() string {
	return strings.Join(cs.LoadRules(), "\n")
}

// SerializeRulesOnly renders the non-load rules as config-spec text.
func (cs *ConfigSpec) SerializeRulesOnly() string {
	if len(cs.rules) == 0 {
		return ""
	}
	return strings.Join(cs.rules, "\n") + "\n"
}

// String renders the config spec with agent line endings, load rules last.
func (cs *ConfigSpec) String() string {
	var b strings.Builder
	nl := lineSep(cs.isUnix)
	for _, r := range cs.rules {
		b.WriteString(r)
		b.WriteString(nl)
	}
	for _, r := range cs.LoadRules() {
		b.WriteString("load ")
		b.WriteString(quoteLoadRule(r))
		b.WriteString(nl)
	}
	return b.String()
}

// Equal compares rule sequences and load-rule sequences exactly.
func (cs *ConfigSpec) Equal(other *ConfigSpec) bool {
	if other == nil {
		return false
	}
	if len(cs.rules) != len(other.rules) {
		return false
	}
	for i := range cs.rules {
		if cs.rules[i] != other.rules[i] {
			return false
		}
	}
	mine, theirs := cs.LoadRules(), other.LoadRules()
	if len(mine) != len(theirs) {
		return false
	}
	for i := range mine {
		if mine[i] != theirs[i] {
			return false
		}
	}
	return true
}

// SameRules is the stripped comparison used for change detection.
func (cs *ConfigSpec) SameRules(other *ConfigSpec) bool {
	return cs.StripLoadRules().Equal(other.StripLoadRules())
}

// LoadRulesDelta reports load rules present in desired but not current
// (added) and the reverse (removed), both in order of appearance.
func LoadRulesDelta(desired, current []string) (added, removed []string) {
	want := orderedset.New()
	for _, r := range desired {
		want.Add(r)
	}
	have := orderedset.New()
	for _, r := range current {
		have.Add(r)
	}
	for _, v := range want.Values() {
		if !have.Contains(v) {
			added = append(added, v.(string))
		}
	}
	for _, v := range have.Values() {
		if !want.Contains(v) {
			removed = append(removed, v.(string))
		}
	}
	return added, removed
}

// Diff returns a unified diff from cs to other, empty when equal.
func (cs *ConfigSpec) Diff(other *ConfigSpec, fromName, toName string) string {
	a := strings.ReplaceAll(cs.String(), "\r\n", "\n")
	b := strings.ReplaceAll(other.String(), "\r\n", "\n")
	if a == b {
		return ""
	}
	diff := difflib.LineDiffParams{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: fromName,
		ToFile:   toName,
		Context:  3,
	}
	text, _ := difflib.GetUnifiedDiffString(diff)
	return text
}
