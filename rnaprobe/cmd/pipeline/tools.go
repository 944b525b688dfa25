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

	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/config"
	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/split"
)

// Aligner aligns the reads of a sample into outDir. The output must keep
// unmapped reads, in the order of the input reads.
type Aligner interface {
	Align(ctx context.Context, sample config.SampleRecord, outDir string) (split.AlignmentOutput, error)
}

// Counter counts reads of genes of the aligned samples into outFile.
// Columns of the table follow the order of alignments.
type Counter interface {
	Count(ctx context.Context, alignments []string, outFile string) error
}

// Searcher searches the query sequences against the database and writes
// a tabular hit table.
type Searcher interface {
	Search(ctx context.Context, queryFile, outFile string) error
}

// DEEngine runs the differential-expression analysis from a counts table
// and a design table (sample_id, condition), writing results to outDir.
type DEEngine interface {
	Analyze(ctx context.Context, countsFile, designFile, outDir string) error
}

// Tools are the external collaborators. Aligner is required by ModeAlign,
// Searcher by ModeProbe, the others are optional.
type Tools struct {
	Aligner  Aligner
	Counter  Counter
	Searcher Searcher
	DE       DEEngine
}
