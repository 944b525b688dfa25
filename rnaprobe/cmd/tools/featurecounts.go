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

package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// FeatureCounts counts reads of genes with featureCounts of Subread.
type FeatureCounts struct {
	Bin        string
	Annotation string // GTF
	Threads    int
	Paired     bool
	Runner     Runner
}

// Count implements pipeline.Counter.
func (f *FeatureCounts) Count(ctx context.Context, alignments []string, outFile string) error {
	if err := os.MkdirAll(filepath.Dir(outFile), 0755); err != nil {
		return errors.Wrap(err, outFile)
	}

	threads := f.Threads
	if threads < 1 {
		threads = 1
	}
	args := []string{"-T", fmt.Sprintf("%d", threads), "-a", f.Annotation, "-o", outFile}
	if f.Paired {
		args = append(args, "-p", "--countReadPairs")
	}
	args = append(args, alignments...)

	return f.Runner.Run(ctx, outFile+".log", nil, f.Bin, args...)
}
