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

package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ExternalToolError means an external tool exited with a non-zero status,
// could not be started, or timed out.
type ExternalToolError struct {
	Tool     string
	ExitCode int  // -1 when the tool did not exit by itself
	Timeout  bool // killed after the timeout
	Stderr   string
	Err      error
}

func (e *ExternalToolError) Error() string {
	var msg string
	switch {
	case e.Timeout:
		msg = fmt.Sprintf("%s: timed out", e.Tool)
	case e.ExitCode >= 0:
		msg = fmt.Sprintf("%s: exit status %d", e.Tool, e.ExitCode)
	default:
		msg = fmt.Sprintf("%s: %s", e.Tool, e.Err)
	}
	if s := lastLine(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ExternalToolError) Unwrap() error { return e.Err }

// IsExternalToolError tells whether err is, or wraps, an ExternalToolError.
func IsExternalToolError(err error) bool {
	var e *ExternalToolError
	return errors.As(err, &e)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return s
}

// RetryOptions bounds the retries of external tools.
type RetryOptions struct {
	Retries int           // number of retries after the first attempt
	Backoff time.Duration // delay before the first retry, doubled for every next one
}

// Retry calls fn until it succeeds, for at most 1+Retries attempts.
// Only ExternalToolErrors other than timeouts are retried. It returns
// early when ctx is done.
func Retry(ctx context.Context, opt RetryOptions, name string, fn func() error) error {
	var err error
	delay := opt.Backoff
	for i := 0; ; i++ {
		err = fn()
		if err == nil || ctx.Err() != nil || i >= opt.Retries {
			return err
		}

		var e *ExternalToolError
		if !errors.As(err, &e) || e.Timeout {
			return err
		}

		log.Warningf("%s: attempt %d/%d failed, retrying in %s: %s", name, i+1, opt.Retries+1, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return err
		}
		delay *= 2
	}
}
