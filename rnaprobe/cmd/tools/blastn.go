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

	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/blast"
)

// Blastn searches queries with blastn, in tabular format with the query
// coverage and subject title as two extra columns.
type Blastn struct {
	Bin           string
	DB            string
	Threads       int
	MaxTargetSeqs int
	Evalue        float64
	Runner        Runner
}

// Search implements pipeline.Searcher.
func (b *Blastn) Search(ctx context.Context, queryFile, outFile string) error {
	threads := b.Threads
	if threads < 1 {
		threads = 1
	}
	args := []string{
		"-query", queryFile,
		"-db", b.DB,
		"-out", outFile,
		"-outfmt", blast.OutFormat,
		"-num_threads", fmt.Sprintf("%d", threads),
	}
	if b.MaxTargetSeqs > 0 {
		args = append(args, "-max_target_seqs", fmt.Sprintf("%d", b.MaxTargetSeqs))
	}
	if b.Evalue > 0 {
		args = append(args, "-evalue", fmt.Sprintf("%g", b.Evalue))
	}

	// blastn refuses empty queries
	fi, err := os.Stat(queryFile)
	if err != nil {
		return err
	}
	if fi.Size() == 0 {
		return os.WriteFile(outFile, nil, 0644)
	}

	return b.Runner.Run(ctx, filepath.Join(filepath.Dir(outFile), "blastn.log"), nil, b.Bin, args...)
}
