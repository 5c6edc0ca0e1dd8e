// SPDX-License-Identifier: BSD-2-Clause

package clearcase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
)

func assertEqual(t *testing.T, a string, b string) {
	t.Helper()
	if a != b {
		t.Fatalf("assertEqual: expected %q == %q", a, b)
	}
}

func assertIntEqual(t *testing.T, a int, b int) {
	t.Helper()
	if a != b {
		t.Fatalf("assertIntEqual: expected %d == %d", a, b)
	}
}

func assertBool(t *testing.T, see bool, expect bool) {
	t.Helper()
	if see != expect {
		t.Fatalf("assertBool: expected %v saw %v", expect, see)
	}
}

func assertStrings(t *testing.T, a []string, b []string) {
	t.Helper()
	if len(a) != len(b) {
		t.Fatalf("assertStrings: expected %q == %q", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("assertStrings: expected %q == %q", a, b)
		}
	}
}

type response struct {
	out    string
	errout string
	code   int
}

// fakeLauncher records commands and answers them from handlers keyed by
// cleartool subcommand (or by executable for anything else).
type fakeLauncher struct {
	unix     bool
	log      bytes.Buffer
	mu       sync.Mutex
	calls    []*Command
	handlers map[string]func(c *Command) response
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{unix: true, handlers: make(map[string]func(*Command) response)}
}

func (f *fakeLauncher) on(key string, h func(c *Command) response) {
	f.handlers[key] = h
}

func (f *fakeLauncher) reply(key string, out string) {
	f.on(key, func(*Command) response { return response{out: out} })
}

func (f *fakeLauncher) fail(key string, code int, errout string) {
	f.on(key, func(*Command) response { return response{code: code, errout: errout} })
}

func (f *fakeLauncher) Launch(ctx context.Context, c *Command) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	key := c.Args[0]
	if key == "cleartool" && len(c.Args) > 1 {
		key = c.Args[1]
	}
	var r response
	if h, ok := f.handlers[key]; ok {
		r = h(c)
	}
	if c.Stdout != nil {
		io.WriteString(c.Stdout, r.out)
	}
	if c.Stderr != nil {
		io.WriteString(c.Stderr, r.errout)
	}
	return r.code, nil
}

func (f *fakeLauncher) IsUnix() bool {
	return f.unix
}

func (f *fakeLauncher) TaskLogger() io.Writer {
	return &f.log
}

// commands renders every cleartool call as "sub arg arg...".
func (f *fakeLauncher) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.Args[0] == "cleartool" {
			out = append(out, strings.Join(c.Args[1:], " "))
		}
	}
	return out
}

// subcommands lists the cleartool subcommands in call order.
func (f *fakeLauncher) subcommands() []string {
	var out []string
	for _, line := range f.commands() {
		out = append(out, strings.Fields(line)[0])
	}
	return out
}

func (f *fakeLauncher) find(sub string) []string {
	var out []string
	for _, line := range f.commands() {
		if strings.HasPrefix(line, sub+" ") || line == sub {
			out = append(out, line)
		}
	}
	return out
}

// memWorkspace is an in-memory agent filesystem. Directories exist
// implicitly when any file lives below them, or explicitly via mkdir.
type memWorkspace struct {
	files map[string][]byte
	dirs  map[string]bool
}

func newMemWorkspace() *memWorkspace {
	return &memWorkspace{files: make(map[string][]byte), dirs: make(map[string]bool)}
}

func (m *memWorkspace) mkdir(path string) {
	m.dirs[path] = true
}

func (m *memWorkspace) Exists(path string) bool {
	if _, ok := m.files[path]; ok {
		return true
	}
	if m.dirs[path] {
		return true
	}
	for k := range m.files {
		if strings.HasPrefix(k, path+"/") {
			return true
		}
	}
	return false
}

func (m *memWorkspace) ReadFile(path string) ([]byte, error) {
	data, ok := m.files[path]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrNotExist}
	}
	return append([]byte(nil), data...), nil
}

func (m *memWorkspace) WriteFile(path string, data []byte) error {
	m.files[path] = append([]byte(nil), data...)
	return nil
}

func (m *memWorkspace) Remove(path string) error {
	if _, ok := m.files[path]; ok {
		delete(m.files, path)
		return nil
	}
	if m.dirs[path] {
		delete(m.dirs, path)
		return nil
	}
	return &os.PathError{Op: "remove", Path: path, Err: os.ErrNotExist}
}

func (m *memWorkspace) Rename(from, to string) error {
	if !m.Exists(from) {
		return &os.PathError{Op: "rename", Path: from, Err: os.ErrNotExist}
	}
	if data, ok := m.files[from]; ok {
		delete(m.files, from)
		m.files[to] = data
	}
	if m.dirs[from] {
		delete(m.dirs, from)
		m.dirs[to] = true
	}
	for k, v := range m.files {
		if strings.HasPrefix(k, from+"/") {
			delete(m.files, k)
			m.files[to+k[len(from):]] = v
		}
	}
	return nil
}

func (m *memWorkspace) Copy(from, to string) error {
	data, ok := m.files[from]
	if !ok {
		return fmt.Errorf("copy %s: not found", from)
	}
	m.files[to] = append([]byte(nil), data...)
	return nil
}

func (m *memWorkspace) names() []string {
	var out []string
	for k := range m.files {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
