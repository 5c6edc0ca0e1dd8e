package main

// SPDX-License-Identifier: BSD-2-Clause

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	terminfo "github.com/xo/terminfo"
	terminal "golang.org/x/crypto/ssh/terminal"
)

// NewPager returns a writer that pages what it is given, through $PAGER
// when one can be run and by screenfuls otherwise.
func NewPager(ti *terminfo.Terminfo) (io.WriteCloser, error) {
	if p, err := newCommandPager(os.Getenv("PAGER")); err == nil {
		return p, nil
	}
	return newScreenPager(ti, os.Stdout, bufio.NewReader(os.Stdin))
}

// commandPager feeds a pager process through a pipe.
type commandPager struct {
	w    io.WriteCloser
	done chan error
	once sync.Once
}

func newCommandPager(command string) (*commandPager, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		fields = []string{"more"}
	}
	path, err := exec.LookPath(fields[0])
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(path, fields[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	w, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &commandPager{w: w, done: make(chan error, 1)}
	go func() {
		p.done <- cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *commandPager) Write(b []byte) (int, error) {
	return p.w.Write(b)
}

// Close ends the input and waits for the pager to exit.
func (p *commandPager) Close() error {
	var err error
	p.once.Do(func() {
		err = p.w.Close()
	})
	if werr := <-p.done; werr != nil {
		return werr
	}
	return err
}

// screenPager stops after every screenful and waits for Enter.
type screenPager struct {
	ti      *terminfo.Terminfo
	out     io.Writer
	in      *bufio.Reader
	height  int
	shown   int
	partial []byte
}

func newScreenPager(ti *terminfo.Terminfo, out io.Writer, in *bufio.Reader) (*screenPager, error) {
	_, height, err := terminal.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return nil, err
	}
	return &screenPager{ti: ti, out: out, in: in, height: height}, nil
}

func (p *screenPager) Write(b []byte) (int, error) {
	p.partial = append(p.partial, b...)
	for {
		i := bytes.IndexByte(p.partial, '\n')
		if i < 0 {
			return len(b), nil
		}
		if err := p.line(p.partial[:i+1]); err != nil {
			return len(b), err
		}
		p.partial = p.partial[i+1:]
	}
}

func (p *screenPager) line(text []byte) error {
	if p.height > 1 && p.shown == p.height-1 {
		p.ti.Fprintf(p.out, terminfo.EnterReverseMode)
		io.WriteString(p.out, "-- Press Enter for more --")
		p.ti.Fprintf(p.out, terminfo.ExitAttributeMode)
		if _, err := p.in.ReadString('\n'); err != nil {
			return err
		}
		p.ti.Fprintf(p.out, terminfo.CursorUp)
		p.ti.Fprintf(p.out, terminfo.ClrEol)
		p.shown = 0
	}
	p.shown++
	_, err := p.out.Write(text)
	return err
}

// Close flushes an unterminated last line.
func (p *screenPager) Close() error {
	if len(p.partial) > 0 {
		_, err := p.out.Write(p.partial)
		p.partial = nil
		return err
	}
	return nil
}
