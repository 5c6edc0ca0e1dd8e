// SPDX-License-Identifier: BSD-2-Clause

package clearcase

import (
	"testing"
)

func TestNormalizePath(t *testing.T) {
	type normalizeTestEntry struct {
		input   string
		unix    bool
		expects string
	}
	tests := []normalizeTestEntry{
		{`vobs\proj\src`, true, "vobs/proj/src"},
		{"/vobs/proj/src", false, `\vobs\proj\src`},
		{"a\r\nb\n", true, "a\nb\n"},
		{"a\nb\r\n", false, "a\r\nb\r\n"},
		{"", true, ""},
		{"", false, ""},
	}
	for _, item := range tests {
		assertEqual(t, NormalizePath(item.input, item.unix), item.expects)
	}
}

func TestNormalizePathIdempotent(t *testing.T) {
	inputs := []string{
		`C:\views\tag\vobs/proj`,
		"element * CHECKEDOUT\r\nload /vobs/proj\n",
		"mixed\n\r\n\\/",
		"",
	}
	for _, s := range inputs {
		for _, unix := range []bool{true, false} {
			once := NormalizePath(s, unix)
			assertEqual(t, NormalizePath(once, unix), once)
		}
	}
}

func TestSplitLines(t *testing.T) {
	assertStrings(t, SplitLines("a\r\nb\nc\n"), []string{"a", "b", "c"})
	assertStrings(t, SplitLines("a"), []string{"a"})
	assertIntEqual(t, len(SplitLines("")), 0)
}

func TestJoinPath(t *testing.T) {
	assertEqual(t, joinPath(true, "/ws/", "/view", "vobs/proj"), "/ws/view/vobs/proj")
	assertEqual(t, joinPath(false, `C:\ws`, "view"), `C:\ws\view`)
	assertEqual(t, joinPath(true, "", "tag.vws"), "tag.vws")
	assertBool(t, isAbsPath("/vobs"), true)
	assertBool(t, isAbsPath(`C:\vobs`), true)
	assertBool(t, isAbsPath("view"), false)
	assertEqual(t, relativeLoadRule(`\vobs\proj`), `vobs\proj`)
}
