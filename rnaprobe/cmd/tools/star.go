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
	"strings"

	"github.com/pkg/errors"

	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/config"
	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/split"
)

// STAR aligns reads with STAR, keeping unmapped reads in an unsorted BAM
// file, in the order of the input reads.
type STAR struct {
	Bin       string
	Index     string // genome index directory
	Threads   int
	ExtraArgs []string
	Runner    Runner
}

// Align implements pipeline.Aligner.
func (s *STAR) Align(ctx context.Context, sample config.SampleRecord, outDir string) (split.AlignmentOutput, error) {
	var out split.AlignmentOutput
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return out, errors.Wrap(err, outDir)
	}

	args := []string{
		"--runThreadN", fmt.Sprintf("%d", s.threads()),
		"--genomeDir", s.Index,
		"--readFilesIn",
	}
	args = append(args, sample.ReadFiles...)
	if strings.HasSuffix(strings.ToLower(sample.ReadFiles[0]), ".gz") {
		args = append(args, "--readFilesCommand", "zcat")
	}
	args = append(args,
		"--outSAMtype", "BAM", "Unsorted",
		"--outSAMunmapped", "Within",
		"--outFileNamePrefix", outDir+string(filepath.Separator),
	)
	args = append(args, s.ExtraArgs...)

	err := s.Runner.Run(ctx, filepath.Join(outDir, "STAR.stderr.log"), nil, s.Bin, args...)
	if err != nil {
		return out, err
	}

	out.File = filepath.Join(outDir, "Aligned.out.bam")
	out.LogFile = filepath.Join(outDir, "Log.final.out")
	out.ReportedTotal, err = split.ReadStarLog(out.LogFile)
	if err != nil {
		return out, err
	}
	return out, nil
}

func (s *STAR) threads() int {
	if s.Threads < 1 {
		return 1
	}
	return s.Threads
}
