// Path and line-ending conventions of Unix and Windows agents.
//
// SPDX-License-Identifier: BSD-2-Clause

package clearcase

import (
	"strings"
)

// NormalizePath converts the line endings and path separators in text to
// the conventions of the target agent. Applying it twice with the same
// target is the same as applying it once.
func NormalizePath(text string, targetIsUnix bool) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if targetIsUnix {
		return strings.ReplaceAll(text, "\\", "/")
	}
	text = strings.ReplaceAll(text, "/", "\\")
	return strings.ReplaceAll(text, "\n", "\r\n")
}

// SplitLines splits text on LF or CR-LF. A trailing line terminator
// does not produce a final empty line.
func SplitLines(text string) []string {
	if text == "" {
		return nil
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	return strings.Split(text, "\n")
}

func fileSep(isUnix bool) string {
	if isUnix {
		return "/"
	}
	return "\\"
}

func lineSep(isUnix bool) string {
	if isUnix {
		return "\n"
	}
	return "\r\n"
}

// joinPath joins agent path components with the agent's separator.
// Components are normalized first; empty components are skipped.
func joinPath(isUnix bool, elem ...string) string {
	sep := fileSep(isUnix)
	var out string
	for _, e := range elem {
		if e == "" {
			continue
		}
		e = NormalizePath(e, isUnix)
		if out == "" {
			out = e
			continue
		}
		out = strings.TrimRight(out, sep) + sep + strings.TrimLeft(e, sep)
	}
	return out
}

// isAbsPath says whether an agent path is absolute in either convention.
func isAbsPath(p string) bool {
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return true
	}
	// Drive letter, C:\ or C:/
	return len(p) >= 3 && p[1] == ':' && (p[2] == '\\' || p[2] == '/')
}

// relativeLoadRule strips leading separators so a load rule can be
// given to cleartool relative to the view root.
func relativeLoadRule(rule string) string {
	return strings.TrimLeft(rule, "/\\")
}
