// Host capabilities: process launching and workspace file access.
//
// SPDX-License-Identifier: BSD-2-Clause

package clearcase

import (
	"context"
	"errors"
	"io"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	shutil "github.com/termie/go-shutil"
)

// Command is one process to be run on the agent.
type Command struct {
	Args   []string // Args[0] is the executable
	Env    []string // KEY=VALUE; the launcher adds nothing of its own
	Dir    string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Launcher runs processes on the build agent. A non-zero exit status is
// reported through the exit code with a nil error; the error is reserved
// for spawn and I/O failures and for cancellation, in which case it wraps
// the context's error.
type Launcher interface {
	Launch(ctx context.Context, cmd *Command) (int, error)
	IsUnix() bool
	TaskLogger() io.Writer
}

// Workspace gives the driver file access on the agent.
type Workspace interface {
	Exists(path string) bool
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	Remove(path string) error
	Rename(from, to string) error
	Copy(from, to string) error
}

// LocalLauncher runs processes on this machine.
type LocalLauncher struct {
	Log io.Writer
}

// NewLocalLauncher returns a launcher whose task log is w.
func NewLocalLauncher(w io.Writer) *LocalLauncher {
	if w == nil {
		w = ioutil.Discard
	}
	return &LocalLauncher{Log: w}
}

// Launch runs the command to completion or until ctx is done.
func (l *LocalLauncher) Launch(ctx context.Context, c *Command) (int, error) {
	if len(c.Args) == 0 {
		return -1, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Env = c.Env
	if cmd.Env == nil {
		cmd.Env = []string{}
	}
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

// IsUnix says whether this agent follows Unix conventions.
func (l *LocalLauncher) IsUnix() bool {
	return runtime.GOOS != "windows"
}

// TaskLogger is where the driver writes its log.
func (l *LocalLauncher) TaskLogger() io.Writer {
	return l.Log
}

// LocalWorkspace is the local filesystem.
type LocalWorkspace struct{}

// Exists reports whether the path is present.
func (LocalWorkspace) Exists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// ReadFile returns a file's contents.
func (LocalWorkspace) ReadFile(path string) ([]byte, error) {
	return ioutil.ReadFile(path)
}

// WriteFile writes a file, creating its directory if need be.
func (LocalWorkspace) WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return ioutil.WriteFile(path, data, 0644)
}

// Remove deletes a file or an empty directory.
func (LocalWorkspace) Remove(path string) error {
	return os.Remove(path)
}

// Rename moves a file or directory.
func (LocalWorkspace) Rename(from, to string) error {
	return os.Rename(from, to)
}

// Copy copies one file, replacing the target.
func (LocalWorkspace) Copy(from, to string) error {
	if err := os.MkdirAll(filepath.Dir(to), 0755); err != nil {
		return err
	}
	_, err := shutil.Copy(from, to, false)
	return err
}
