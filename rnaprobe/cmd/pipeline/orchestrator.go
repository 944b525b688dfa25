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
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shenwei356/go-logging"
	"github.com/shenwei356/xopen"

	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/blast"
	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/composition"
	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/config"
	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/split"
)

var log = logging.MustGetLogger("rnaprobe")

// file names in a sample directory
const (
	AlignerDir     = "star"
	QueryFile      = "query.fasta"
	HitsFile       = "hits.tsv"
	BestHitsFile   = "best_hits.tsv"
	SampleCompFile = "composition.tsv"
)

// file names in the output directory
const (
	CountsDir  = "counts"
	CountsFile = "gene_counts.tsv"
	DesignFile = "design.tsv"
	DEDir      = "deseq2"
	ReportFile = "composition_report.tsv"
)

// SummaryFile returns the name of the run summary of a mode, in the
// output directory. Each run rewrites it.
func SummaryFile(mode Mode) string {
	return "run_summary." + mode.String() + ".tsv"
}

// Options configures a run.
type Options struct {
	OutDir    string
	Workers   int // samples processed at the same time
	Threads   int // threads for parsing a hit table
	ChunkSize int // lines per chunk when parsing a hit table, 0 for default
	RunID     string

	Retry RetryOptions

	UnmappedRateThreshold float64
	SampleSize            int // maximum number of unaligned reads searched, 0 for all

	Resolve     blast.ResolveOptions
	Composition composition.Options
	Labeler     *blast.TaxonLabeler

	RunDE bool

	// OnTerminal is called by the summary writer when a sample reaches
	// a terminal state.
	OnTerminal func(*SampleState)
}

// Writers receive run-level tables. Only the orchestrator's single
// writer goroutine writes to them. Writers having a Flush() error method,
// e.g., *bufio.Writer, are flushed after the rows of every sample.
type Writers struct {
	Summary io.Writer // required
	Report  io.Writer // composition report, only used by ModeProbe
}

type flusher interface {
	Flush() error
}

func flush(w io.Writer) error {
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// Orchestrator runs samples through the stages of a mode.
type Orchestrator struct {
	opt   Options
	tools Tools
}

// New creates an Orchestrator.
func New(tools Tools, opt Options) (*Orchestrator, error) {
	if opt.OutDir == "" {
		return nil, fmt.Errorf("output directory needed")
	}
	if opt.Workers < 1 {
		opt.Workers = 1
	}
	if opt.Threads < 1 {
		opt.Threads = 1
	}
	if opt.Retry.Retries < 0 {
		opt.Retry.Retries = 0
	}
	if opt.RunID == "" {
		opt.RunID = uuid.New().String()
	}
	return &Orchestrator{opt: opt, tools: tools}, nil
}

// RunID returns the identifier of the run, stamped in manifests.
func (o *Orchestrator) RunID() string { return o.opt.RunID }

// Run processes all samples with a bounded pool of workers. Samples are
// independent: a failed sample never stops the others. When ctx is done,
// no new sample is started and unfinished samples are reported as
// interrupted, keeping their last recorded stage.
//
// The returned error is only for problems of the run itself, e.g.,
// missing tools or failing to write the summary.
func (o *Orchestrator) Run(ctx context.Context, mode Mode, samples []config.SampleRecord, w Writers) (*RunResult, error) {
	if w.Summary == nil {
		return nil, fmt.Errorf("summary writer needed")
	}
	switch mode {
	case ModeAlign:
		if o.tools.Aligner == nil {
			return nil, fmt.Errorf("aligner needed for mode %s", mode)
		}
	case ModeProbe:
		if o.tools.Searcher == nil {
			return nil, fmt.Errorf("search tool needed for mode %s", mode)
		}
	}

	if err := os.MkdirAll(o.opt.OutDir, 0755); err != nil {
		return nil, errors.Wrap(err, o.opt.OutDir)
	}

	if _, err := io.WriteString(w.Summary, SummaryHeader); err != nil {
		return nil, errors.Wrap(err, "write run summary")
	}
	if mode == ModeProbe && w.Report != nil {
		if _, err := io.WriteString(w.Report, composition.Header); err != nil {
			return nil, errors.Wrap(err, "write composition report")
		}
	}

	result := &RunResult{RunID: o.opt.RunID, Mode: mode, States: make([]*SampleState, len(samples))}

	// the single writer
	type indexedState struct {
		i     int
		state *SampleState
	}
	ch := make(chan indexedState, o.opt.Workers)
	done := make(chan int)
	var writeErr error
	go func() {
		for r := range ch {
			result.States[r.i] = r.state
			if err := o.writeTerminal(mode, r.state, w); err != nil && writeErr == nil {
				writeErr = err
			}
		}
		done <- 1
	}()

	var wg sync.WaitGroup
	tokens := make(chan int, o.opt.Workers)
	for i, sample := range samples {
		select {
		case <-ctx.Done():
		case tokens <- 1:
			if ctx.Err() != nil {
				<-tokens
				break
			}

			wg.Add(1)
			go func(i int, sample config.SampleRecord) {
				defer func() {
					wg.Done()
					<-tokens
				}()
				ch <- indexedState{i, o.process(ctx, mode, sample)}
			}(i, sample)
			continue
		}
		ch <- indexedState{i, o.notStarted(sample)}
	}
	wg.Wait()
	close(ch)
	<-done

	if writeErr != nil {
		return result, writeErr
	}

	if mode == ModeAlign && ctx.Err() == nil {
		o.countAndCompare(ctx, samples, result)
	}
	return result, nil
}

// writeTerminal is only called from the writer goroutine.
func (o *Orchestrator) writeTerminal(mode Mode, s *SampleState, w Writers) error {
	if mode == ModeProbe && (s.Outcome == Completed || s.Outcome == Ineligible) && s.Report != nil {
		if w.Report != nil {
			err := composition.WriteRows(w.Report, s.Report)
			if err == nil {
				err = flush(w.Report)
			}
			if err != nil {
				return errors.Wrap(err, "write composition report")
			}
		}
		if s.Outcome == Completed && s.manifest != nil {
			err := s.manifest.Record(Reported, o.opt.RunID)
			if err == nil {
				err = s.manifest.Save()
			}
			if err != nil {
				s.Outcome, s.FailedStage, s.Reason, s.Err = Failed, Reported, err.Error(), err
				log.Errorf("sample %s: failed at stage %s: %s", s.SampleID, Reported, err)
			} else {
				s.Stage = Reported
			}
		}
	}

	err := WriteSummaryRow(w.Summary, s)
	if err == nil {
		err = flush(w.Summary)
	}
	if err != nil {
		return errors.Wrap(err, "write run summary")
	}
	if o.opt.OnTerminal != nil {
		o.opt.OnTerminal(s)
	}
	return nil
}

func (o *Orchestrator) notStarted(sample config.SampleRecord) *SampleState {
	s := &SampleState{SampleID: sample.ID, Outcome: Interrupted}
	if m, err := LoadManifest(filepath.Join(o.opt.OutDir, sample.ID), sample.ID); err == nil {
		s.Stage = m.Stage
	}
	return s
}

type stageError struct {
	stage Stage
	err   error
}

func (e *stageError) Error() string { return fmt.Sprintf("stage %s: %s", e.stage, e.err) }

// sampleRun holds what one worker needs for one sample.
type sampleRun struct {
	o      *Orchestrator
	ctx    context.Context
	sample config.SampleRecord
	dir    string
	m      *Manifest
	st     *SampleState

	valid map[Stage]bool
	hits  []blast.HitRecord
}

func (o *Orchestrator) process(ctx context.Context, mode Mode, sample config.SampleRecord) *SampleState {
	st := &SampleState{SampleID: sample.ID, Outcome: Completed}
	dir := filepath.Join(o.opt.OutDir, sample.ID)

	fail := func(stage Stage, err error) *SampleState {
		st.Outcome, st.FailedStage, st.Reason, st.Err = Failed, stage, err.Error(), err
		log.Errorf("sample %s: failed at stage %s: %s", sample.ID, stage, err)
		return st
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fail(Configured, err)
	}
	m, err := LoadManifest(dir, sample.ID)
	if err != nil {
		return fail(Configured, err)
	}
	m.RunID = o.opt.RunID
	st.manifest = m

	r := &sampleRun{o: o, ctx: ctx, sample: sample, dir: dir, m: m, st: st, valid: make(map[Stage]bool)}
	if mode == ModeAlign {
		err = r.align()
	} else {
		err = r.probe()
	}
	st.Stage = m.Stage

	if err == nil {
		return st
	}

	stage := m.Stage + 1
	var se *stageError
	if errors.As(err, &se) {
		stage, err = se.stage, se.err
	}
	if ctx.Err() != nil {
		st.Outcome = Interrupted
		log.Warningf("sample %s: interrupted at stage %s", sample.ID, stage)
		return st
	}

	m.Fail(stage, o.opt.RunID, err.Error())
	if e := m.Save(); e != nil {
		log.Errorf("sample %s: %s", sample.ID, e)
	}
	return fail(stage, err)
}

// step runs a stage unless its recorded outputs are still valid. fn
// returns the artifacts of the stage.
func (r *sampleRun) step(stage Stage, fn func() ([]string, error)) error {
	if r.isValid(stage) {
		log.Debugf("sample %s: stage %s already done", r.sample.ID, stage)
		return nil
	}
	if prev := stage - 1; !r.isValid(prev) {
		return &stageError{stage, fmt.Errorf("outputs of stage %s missing or changed", prev)}
	}
	if err := r.ctx.Err(); err != nil {
		return &stageError{stage, err}
	}

	log.Infof("sample %s: running stage %s", r.sample.ID, stage)
	files, err := fn()
	if err != nil {
		return &stageError{stage, err}
	}
	if err = r.m.Record(stage, r.o.opt.RunID, files...); err != nil {
		return &stageError{stage, err}
	}
	if err = r.m.Save(); err != nil {
		return &stageError{stage, err}
	}

	for st := range r.valid {
		if st > stage {
			delete(r.valid, st)
		}
	}
	r.valid[stage] = true
	r.st.Executed = append(r.st.Executed, stage)
	return nil
}

func (r *sampleRun) isValid(stage Stage) bool {
	if ok, checked := r.valid[stage]; checked {
		return ok
	}
	ok := r.m.Valid(stage)
	r.valid[stage] = ok
	return ok
}

func (r *sampleRun) retry(name string, fn func() error) error {
	return Retry(r.ctx, r.o.opt.Retry, fmt.Sprintf("sample %s: %s", r.sample.ID, name), fn)
}

func (r *sampleRun) align() error {
	err := r.step(Aligned, func() ([]string, error) {
		var out split.AlignmentOutput
		err := r.retry("align", func() error {
			var err error
			out, err = r.o.tools.Aligner.Align(r.ctx, r.sample, filepath.Join(r.dir, AlignerDir))
			return err
		})
		if err != nil {
			return nil, err
		}
		r.m.Alignment = &out
		files := []string{out.File}
		if out.LogFile != "" {
			files = append(files, out.LogFile)
		}
		return files, nil
	})
	if err != nil {
		return err
	}

	return r.split()
}

func (r *sampleRun) split() error {
	err := r.step(Split, func() ([]string, error) {
		if r.m.Alignment == nil {
			return nil, fmt.Errorf("no alignment output recorded, please run the align command first")
		}
		result, err := split.Split(r.sample, *r.m.Alignment, r.dir)
		if err != nil {
			return nil, err
		}
		r.m.Split = &result
		return []string{result.AlignedFile, result.UnalignedFile}, nil
	})
	if err != nil {
		return err
	}

	if r.m.Split == nil {
		return &stageError{Split, fmt.Errorf("no split result recorded")}
	}
	r.st.Split = r.m.Split
	eligible := r.m.Split.Eligible(r.o.opt.UnmappedRateThreshold)
	r.st.Eligible = eligible
	if r.m.Eligible == nil || *r.m.Eligible != eligible {
		r.m.Eligible = &eligible
		if err = r.m.Save(); err != nil {
			return &stageError{Split, err}
		}
	}

	log.Infof("sample %s: %d reads, unmapped rate: %.4f, probe eligible: %v",
		r.sample.ID, r.m.Split.Total, r.m.Split.UnmappedRate(), eligible)
	if !eligible {
		r.st.Outcome = Ineligible
	}
	return nil
}

func (r *sampleRun) probe() error {
	if err := r.split(); err != nil {
		return err
	}
	if r.st.Outcome == Ineligible {
		r.st.Report = composition.NotEligible(r.sample.ID)
		return nil
	}

	queryFile := filepath.Join(r.dir, QueryFile)
	hitsFile := filepath.Join(r.dir, HitsFile)

	err := r.step(ProbeReady, func() ([]string, error) {
		n, err := blast.BuildQueryFasta(r.m.Split.UnalignedFile, queryFile, r.o.opt.SampleSize)
		if err != nil {
			return nil, err
		}
		r.m.Probed = n
		return []string{queryFile}, nil
	})
	if err != nil {
		return err
	}
	r.st.Probed = r.m.Probed

	err = r.step(Parsed, func() ([]string, error) {
		err := r.retry("search", func() error {
			return r.o.tools.Searcher.Search(r.ctx, queryFile, hitsFile)
		})
		if err != nil {
			return nil, err
		}
		if err = r.parseHits(hitsFile); err != nil {
			return nil, err
		}
		return []string{hitsFile}, nil
	})
	if err != nil {
		return err
	}
	r.st.SkippedLines = r.m.SkippedLines

	bestFile := filepath.Join(r.dir, BestHitsFile)
	compFile := filepath.Join(r.dir, SampleCompFile)
	var report *composition.Report
	err = r.step(Aggregated, func() ([]string, error) {
		if r.hits == nil {
			if err := r.parseHits(hitsFile); err != nil {
				return nil, err
			}
		}
		queries, err := blast.QueryIDs(queryFile)
		if err != nil {
			return nil, err
		}
		resolved := blast.Resolve(queries, r.hits, r.o.opt.Resolve)
		if err = blast.WriteResolved(bestFile, resolved); err != nil {
			return nil, err
		}

		report, err = composition.Aggregate(r.sample.ID, resolved, r.m.Probed, r.o.opt.Composition)
		if err != nil {
			return nil, err
		}
		if err = composition.WriteSampleReport(compFile, report); err != nil {
			return nil, err
		}
		return []string{bestFile, compFile}, nil
	})
	if err != nil {
		return err
	}

	if report == nil {
		if report, err = composition.ReadSampleReport(compFile); err != nil {
			return &stageError{Aggregated, err}
		}
	}
	log.Infof("sample %s: %s", r.sample.ID, report.Flag)
	r.st.Report = report
	return nil
}

func (r *sampleRun) parseHits(file string) error {
	hits, stats, err := blast.ReadAll(file, r.o.opt.Labeler, r.o.opt.Threads, r.o.opt.ChunkSize)
	if err != nil {
		return err
	}
	if stats.Skipped > 0 {
		log.Warningf("sample %s: %d malformed lines skipped in %s", r.sample.ID, stats.Skipped, file)
		for _, w := range stats.Warnings {
			log.Warning(w)
		}
	}
	r.hits = hits
	r.m.SkippedLines = stats.Skipped
	r.st.Warnings = stats.Warnings
	return nil
}

// countAndCompare counts reads of genes of all split samples, and runs
// the differential-expression analysis when asked. Their failures do not
// change sample states.
func (o *Orchestrator) countAndCompare(ctx context.Context, samples []config.SampleRecord, result *RunResult) {
	if o.tools.Counter == nil {
		return
	}

	alignments := make([]string, 0, len(samples))
	counted := make([]config.SampleRecord, 0, len(samples))
	for i, s := range result.States {
		if s.Outcome != Completed && s.Outcome != Ineligible {
			continue
		}
		if s.manifest == nil || s.manifest.Alignment == nil {
			continue
		}
		alignments = append(alignments, s.manifest.Alignment.File)
		counted = append(counted, samples[i])
	}
	if len(alignments) == 0 {
		log.Warningf("no aligned samples to count")
		return
	}

	dir := filepath.Join(o.opt.OutDir, CountsDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		result.RunErrors = append(result.RunErrors, err)
		return
	}

	countsFile := filepath.Join(dir, CountsFile)
	log.Infof("counting reads of genes for %d samples", len(alignments))
	err := Retry(ctx, o.opt.Retry, "count", func() error {
		return o.tools.Counter.Count(ctx, alignments, countsFile)
	})
	if err != nil {
		log.Errorf("counting failed: %s", err)
		result.RunErrors = append(result.RunErrors, err)
		return
	}

	if !o.opt.RunDE || o.tools.DE == nil {
		return
	}

	designFile := filepath.Join(dir, DesignFile)
	conditions, err := writeDesign(designFile, counted)
	if err != nil {
		result.RunErrors = append(result.RunErrors, err)
		return
	}
	if conditions < 2 {
		log.Warningf("differential expression skipped: only %d condition", conditions)
		return
	}

	log.Infof("running differential-expression analysis")
	err = Retry(ctx, o.opt.Retry, "differential expression", func() error {
		return o.tools.DE.Analyze(ctx, countsFile, designFile, filepath.Join(o.opt.OutDir, DEDir))
	})
	if err != nil {
		log.Errorf("differential-expression analysis failed: %s", err)
		result.RunErrors = append(result.RunErrors, err)
	}
}

// writeDesign writes the group assignment of samples, in the order of
// columns of the counts table, and returns the number of conditions.
func writeDesign(file string, samples []config.SampleRecord) (int, error) {
	outfh, err := xopen.Wopen(file)
	if err != nil {
		return 0, errors.Wrap(err, file)
	}
	conditions := make(map[string]struct{})
	fmt.Fprintf(outfh, "sample_id\tcondition\n")
	for _, s := range samples {
		fmt.Fprintf(outfh, "%s\t%s\n", s.ID, s.Condition)
		conditions[s.Condition] = struct{}{}
	}
	if err = outfh.Close(); err != nil {
		return 0, errors.Wrap(err, file)
	}
	return len(conditions), nil
}
