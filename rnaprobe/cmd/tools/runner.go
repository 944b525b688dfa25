// Copyright © 2024 The rnaprobe Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package tools runs the external programs of the pipeline: the STAR
// aligner, the featureCounts counter, the blastn search tool and a DESeq2
// R script. They are black boxes, only their input and output files are
// known to the pipeline.
package tools

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/shenwei356/go-logging"

	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/pipeline"
)

var log = logging.MustGetLogger("rnaprobe")

// maximum bytes of stderr kept for error messages
const stderrTail = 4096

// Runner runs external commands with a timeout. When the context is
// cancelled or the timeout is reached, the command receives SIGTERM and
// is killed after the grace period.
type Runner struct {
	Timeout time.Duration // 0 for no timeout
	Grace   time.Duration
}

// Run runs a command. Its stderr (and stdout, unless captured) goes to
// logFile when given. Failures are returned as *pipeline.ExternalToolError.
func (r Runner) Run(ctx context.Context, logFile string, stdout io.Writer, name string, args ...string) error {
	tool := filepath.Base(name)

	runCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.Grace

	tail := &tailBuffer{max: stderrTail}
	var stderr io.Writer = tail
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
			return errors.Wrap(err, logFile)
		}
		fh, err := os.Create(logFile)
		if err != nil {
			return errors.Wrap(err, logFile)
		}
		defer fh.Close()
		stderr = io.MultiWriter(fh, tail)
		if stdout == nil {
			stdout = fh
		}
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	log.Debugf("running: %s %s", name, strings.Join(args, " "))
	err := cmd.Run()
	if err == nil {
		return nil
	}

	e := &pipeline.ExternalToolError{Tool: tool, ExitCode: -1, Stderr: tail.String(), Err: err}
	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		e.Timeout = true
		return e
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		e.ExitCode = exitErr.ExitCode()
	}
	return e
}

// Check tells whether a program can be found.
func Check(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return errors.Errorf("%s not found, please install it or give its path", name)
	}
	return nil
}

// tailBuffer keeps the last bytes written.
type tailBuffer struct {
	max int
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= t.max {
		t.buf.Reset()
		t.buf.Write(p[len(p)-t.max:])
		return n, nil
	}
	if t.buf.Len()+len(p) > t.max {
		b := t.buf.Bytes()
		keep := append([]byte(nil), b[t.buf.Len()+len(p)-t.max:]...)
		t.buf.Reset()
		t.buf.Write(keep)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string { return t.buf.String() }
