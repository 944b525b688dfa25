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
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/blast"
	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/composition"
	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/split"
)

// Outcome is how a sample ended in a run.
type Outcome int

const (
	// Completed means the sample reached the last stage of the mode.
	Completed Outcome = iota
	// Ineligible means the sample was split but its unmapped rate does
	// not exceed the threshold. It is not a failure.
	Ineligible
	// Failed means a stage failed, see FailedStage and Reason.
	Failed
	// Interrupted means the run was cancelled before the sample finished.
	Interrupted
)

var outcomeNames = []string{"completed", "not-probe-eligible", "failed", "interrupted"}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
	return outcomeNames[o]
}

// SampleState is the terminal state of a sample in a run.
type SampleState struct {
	SampleID string
	Stage    Stage // last completed stage
	Outcome  Outcome

	FailedStage Stage
	Reason      string
	Err         error

	Split        *split.Result
	Eligible     bool
	Probed       int
	SkippedLines int
	Warnings     []blast.ParseWarning
	Report       *composition.Report

	// Executed lists stages actually run, the others were already done.
	Executed []Stage

	manifest *Manifest
}

// State is the state shown in summaries.
func (s *SampleState) State() string {
	switch s.Outcome {
	case Failed:
		return "FAILED"
	case Interrupted:
		return "INTERRUPTED"
	}
	return s.Stage.String()
}

// Ran tells whether a stage was run, instead of being skipped as done.
func (s *SampleState) Ran(stage Stage) bool {
	for _, st := range s.Executed {
		if st == stage {
			return true
		}
	}
	return false
}

// SummaryHeader is the header of the run summary table.
const SummaryHeader = "sample_id\tstate\tfailed_stage\treason\ttotal\taligned\tunaligned\tunmapped_rate\teligible\tskipped_lines\n"

// WriteSummaryRow writes the summary row of a sample.
func WriteSummaryRow(w io.Writer, s *SampleState) error {
	failedStage, reason := "-", "-"
	if s.Outcome == Failed {
		failedStage = s.FailedStage.String()
		reason = strings.NewReplacer("\t", " ", "\n", " ").Replace(s.Reason)
	}
	total, aligned, unaligned, rate, eligible := "-", "-", "-", "-", "-"
	if s.Split != nil {
		total = fmt.Sprintf("%d", s.Split.Total)
		aligned = fmt.Sprintf("%d", s.Split.Aligned)
		unaligned = fmt.Sprintf("%d", s.Split.Unaligned)
		rate = fmt.Sprintf("%.4f", s.Split.UnmappedRate())
		eligible = fmt.Sprintf("%v", s.Eligible)
	}
	_, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
		s.SampleID, s.State(), failedStage, reason, total, aligned, unaligned, rate, eligible, s.SkippedLines)
	return err
}

// Status is the overall result of a run.
type Status int

const (
	// Success means no sample failed or was interrupted.
	Success Status = iota
	// PartialFailure means some samples, or a run-level step, failed.
	PartialFailure
	// TotalFailure means no sample completed.
	TotalFailure
)

// RunResult gathers the terminal states of all samples of a run.
type RunResult struct {
	RunID  string
	Mode   Mode
	States []*SampleState // in the order of the samplesheet

	// errors of run-level steps: counting and differential expression
	RunErrors []error
}

// Count returns the number of samples with an outcome.
func (r *RunResult) Count(o Outcome) int {
	var n int
	for _, s := range r.States {
		if s.Outcome == o {
			n++
		}
	}
	return n
}

// Status tells how the run went.
func (r *RunResult) Status() Status {
	done := r.Count(Completed) + r.Count(Ineligible)
	switch {
	case len(r.States) > 0 && done == 0:
		return TotalFailure
	case done < len(r.States) || len(r.RunErrors) > 0:
		return PartialFailure
	}
	return Success
}

// FailureLines summarizes failures like "2/10 samples failed at stage SPLIT",
// one line per stage.
func (r *RunResult) FailureLines() []string {
	byStage := make(map[Stage]int)
	for _, s := range r.States {
		if s.Outcome == Failed {
			byStage[s.FailedStage]++
		}
	}
	stages := make([]int, 0, len(byStage))
	for st := range byStage {
		stages = append(stages, int(st))
	}
	sort.Ints(stages)

	lines := make([]string, 0, len(stages)+1)
	for _, st := range stages {
		lines = append(lines, fmt.Sprintf("%d/%d samples failed at stage %s", byStage[Stage(st)], len(r.States), Stage(st)))
	}
	if n := r.Count(Interrupted); n > 0 {
		lines = append(lines, fmt.Sprintf("%d/%d samples interrupted", n, len(r.States)))
	}
	return lines
}
