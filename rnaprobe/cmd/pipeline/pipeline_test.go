package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/blast"
	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/composition"
	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/config"
	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/split"
)

const samHeader = "@HD\tVN:1.6\tSO:unsorted\n@SQ\tSN:chr1\tLN:10000\n"

func samRecord(name string, mapped bool) string {
	if mapped {
		return name + "\t0\tchr1\t100\t255\t8M\t*\t0\t0\tACGTACGT\tIIIIIIII"
	}
	return name + "\t4\t*\t0\t0\t*\t*\t0\t0\tTTTTCCCC\tIIIIIIII"
}

// pairRecords returns both mates of a template, mapped in proper pair or
// both unmapped.
func pairRecords(name string, mapped bool) []string {
	if mapped {
		return []string{
			name + "\t67\tchr1\t100\t255\t8M\t=\t200\t108\tACGTACGT\tIIIIIIII",
			name + "\t131\tchr1\t200\t255\t8M\t=\t100\t-108\tACGTACGT\tIIIIIIII",
		}
	}
	return []string{
		name + "\t77\t*\t0\t0\t*\t*\t0\t0\tTTTTCCCC\tIIIIIIII",
		name + "\t141\t*\t0\t0\t*\t*\t0\t0\tGGGGAAAA\tIIIIIIII",
	}
}

type fakeAligner struct {
	sync.Mutex
	records map[string][]string
	offset  map[string]int // added to the reported total
	calls   map[string]int
}

func (a *fakeAligner) Align(ctx context.Context, sample config.SampleRecord, outDir string) (split.AlignmentOutput, error) {
	a.Lock()
	a.calls[sample.ID]++
	records := a.records[sample.ID]
	offset := a.offset[sample.ID]
	a.Unlock()

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return split.AlignmentOutput{}, err
	}
	file := filepath.Join(outDir, "Aligned.out.sam")
	content := samHeader + strings.Join(records, "\n") + "\n"
	if err := ioutil.WriteFile(file, []byte(content), 0644); err != nil {
		return split.AlignmentOutput{}, err
	}
	return split.AlignmentOutput{File: file, ReportedTotal: uint64(len(records) + offset)}, nil
}

func (a *fakeAligner) numCalls(id string) int {
	a.Lock()
	defer a.Unlock()
	return a.calls[id]
}

type fakeSearcher struct {
	sync.Mutex
	hits     map[string][]string // query -> hit lines without the query column
	failures int                 // number of calls failing first
	calls    int
}

func (s *fakeSearcher) Search(ctx context.Context, queryFile, outFile string) error {
	s.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.Unlock()
	if fail {
		return &ExternalToolError{Tool: "blastn", ExitCode: 1, Stderr: "BLAST Database error"}
	}

	ids, err := blast.QueryIDs(queryFile)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, id := range ids {
		for _, h := range s.hits[id] {
			fmt.Fprintf(&buf, "%s\t%s\n", id, h)
		}
	}
	return ioutil.WriteFile(outFile, buf.Bytes(), 0644)
}

func newFakeAligner() *fakeAligner {
	return &fakeAligner{
		records: map[string][]string{
			// unmapped rate 0.6
			"S1": {samRecord("r1", true), samRecord("r2", false), samRecord("r3", true),
				samRecord("r4", false), samRecord("r5", false)},
			// unmapped rate 0.2
			"S2": {samRecord("r1", true), samRecord("r2", true), samRecord("r3", true),
				samRecord("r4", true), samRecord("r5", false)},
			"S3": {samRecord("r1", true), samRecord("r2", false)},
		},
		offset: map[string]int{"S3": 1},
		calls:  make(map[string]int),
	}
}

func newFakeSearcher() *fakeSearcher {
	return &fakeSearcher{hits: map[string][]string{
		"r2": {
			"NR_003278.3\t99.5\t8\t0\t0\t1\t8\t1\t8\t1e-10\t16\t100\tNR_003278.3 Mus musculus 18S ribosomal RNA",
			"garbage line",
		},
		"r4": {"CP001\t70.0\t8\t2\t0\t1\t8\t1\t8\t1e-3\t10\t100\tCP001 Mycoplasma hyorhinis strain HUB-1"},
	}}
}

var samples = []config.SampleRecord{
	{ID: "S1", Condition: "ko"},
	{ID: "S2", Condition: "wt"},
	{ID: "S3", Condition: "wt"},
}

func newOrchestrator(t *testing.T, outDir string, tools Tools) *Orchestrator {
	t.Helper()
	o, err := New(tools, Options{
		OutDir:                outDir,
		Workers:               2,
		Threads:               2,
		Retry:                 RetryOptions{Retries: 2, Backoff: time.Millisecond},
		UnmappedRateThreshold: 0.5,
		Resolve:               blast.ResolveOptions{MinIdentity: 90, MaxEvalue: 1e-5},
		Composition: composition.Options{DominantFraction: 0.5,
			IsHost: func(label string) bool { return label == "Mus musculus" }},
	})
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func stateOf(t *testing.T, r *RunResult, id string) *SampleState {
	t.Helper()
	for _, s := range r.States {
		if s.SampleID == id {
			return s
		}
	}
	t.Fatalf("sample %s not found", id)
	return nil
}

func TestAlignThenProbe(t *testing.T) {
	outDir := t.TempDir()
	aligner, searcher := newFakeAligner(), newFakeSearcher()
	o := newOrchestrator(t, outDir, Tools{Aligner: aligner, Searcher: searcher})

	var summary bytes.Buffer
	result, err := o.Run(context.Background(), ModeAlign, samples, Writers{Summary: &summary})
	if err != nil {
		t.Fatal(err)
	}

	s1 := stateOf(t, result, "S1")
	if s1.Outcome != Completed || s1.Stage != Split || !s1.Eligible {
		t.Errorf("S1: unexpected state: %s %s eligible=%v", s1.Outcome, s1.Stage, s1.Eligible)
	}
	if s1.Split.Total != 5 || s1.Split.Unaligned != 3 || s1.Split.Aligned+s1.Split.Unaligned != s1.Split.Total {
		t.Errorf("S1: unexpected accounting: %s", s1.Split)
	}
	if s2 := stateOf(t, result, "S2"); s2.Outcome != Ineligible || s2.Stage != Split {
		t.Errorf("S2: unexpected state: %s %s", s2.Outcome, s2.Stage)
	}
	s3 := stateOf(t, result, "S3")
	if s3.Outcome != Failed || s3.FailedStage != Split || !split.IsAccountingError(s3.Err) {
		t.Errorf("S3: unexpected state: %s %s %v", s3.Outcome, s3.FailedStage, s3.Err)
	}
	if result.Status() != PartialFailure {
		t.Errorf("unexpected status: %d", result.Status())
	}
	if lines := strings.Split(strings.TrimSpace(summary.String()), "\n"); len(lines) != 4 {
		t.Errorf("expected 4 summary lines, returned %d", len(lines))
	}

	var report bytes.Buffer
	summary.Reset()
	result, err = o.Run(context.Background(), ModeProbe, samples, Writers{Summary: &summary, Report: &report})
	if err != nil {
		t.Fatal(err)
	}

	s1 = stateOf(t, result, "S1")
	if s1.Outcome != Completed || s1.Stage != Reported {
		t.Fatalf("S1: unexpected state: %s %s: %s", s1.Outcome, s1.Stage, s1.Reason)
	}
	if s1.Probed != 3 || s1.SkippedLines != 1 {
		t.Errorf("S1: probed %d, skipped %d", s1.Probed, s1.SkippedLines)
	}
	if s1.Report.Flag != composition.FlagChromatinDisruption {
		t.Errorf("S1: unexpected flag: %s", s1.Report.Flag)
	}
	if f := s1.Report.Fraction(blast.NoHitLabel); f < 0.66 || f > 0.67 {
		t.Errorf("S1: unexpected no-hit fraction: %f", f)
	}
	if s1.Ran(Split) || s1.Ran(Aligned) {
		t.Errorf("S1: split should not be run again")
	}

	if s3 := stateOf(t, result, "S3"); s3.Outcome != Failed || s3.FailedStage != Split {
		t.Errorf("S3: unexpected state: %s %s", s3.Outcome, s3.FailedStage)
	}
	lines := result.FailureLines()
	if len(lines) != 1 || lines[0] != "1/3 samples failed at stage SPLIT" {
		t.Errorf("unexpected failure lines: %v", lines)
	}

	rows := report.String()
	if !strings.HasPrefix(rows, composition.Header) {
		t.Errorf("report header missing")
	}
	if !strings.Contains(rows, "S1\tno_significant_hit\t2\t") || !strings.Contains(rows, "S1\tMus musculus\t1\t") {
		t.Errorf("unexpected composition rows of S1:\n%s", rows)
	}
	if !strings.Contains(rows, "S2\t-\t0\t0\tnot-probe-eligible") {
		t.Errorf("ineligible sample missing in the report:\n%s", rows)
	}
	if strings.Contains(rows, "S3") {
		t.Errorf("failed sample should not be reported:\n%s", rows)
	}

	m, err := LoadManifest(filepath.Join(outDir, "S1"), "S1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Stage != Reported || m.Failure != nil || !m.Valid(Aggregated) {
		t.Errorf("unexpected manifest of S1: %s", m.Stage)
	}
	if aligner.numCalls("S1") != 1 {
		t.Errorf("S1 should be aligned once, %d calls", aligner.numCalls("S1"))
	}

	// paired-end reads: mates are one read of the composition
	pairedDir := t.TempDir()
	pairedAligner := &fakeAligner{
		records: map[string][]string{
			"P1": append(append(append(pairRecords("p1", true), pairRecords("p2", false)...),
				pairRecords("p3", false)...), pairRecords("p4", false)...),
		},
		offset: map[string]int{"P1": -4},
		calls:  make(map[string]int),
	}
	pairedSearcher := &fakeSearcher{hits: map[string][]string{
		"p2/1": {"NR_003278.3\t99.5\t8\t0\t0\t1\t8\t1\t8\t1e-10\t16\t100\tNR_003278.3 Mus musculus 18S ribosomal RNA"},
		"p2/2": {"CP001\t99.0\t8\t0\t0\t1\t8\t1\t8\t1e-10\t15\t100\tCP001 Mycoplasma hyorhinis strain HUB-1"},
		"p3/2": {"CP001\t99.0\t8\t0\t0\t1\t8\t1\t8\t1e-10\t15\t100\tCP001 Mycoplasma hyorhinis strain HUB-1"},
	}}
	po := newOrchestrator(t, pairedDir, Tools{Aligner: pairedAligner, Searcher: pairedSearcher})
	pairedSamples := []config.SampleRecord{{ID: "P1", Condition: "ko"}}
	if _, err = po.Run(context.Background(), ModeAlign, pairedSamples, Writers{Summary: ioutil.Discard}); err != nil {
		t.Fatal(err)
	}
	report.Reset()
	result, err = po.Run(context.Background(), ModeProbe, pairedSamples, Writers{Summary: ioutil.Discard, Report: &report})
	if err != nil {
		t.Fatal(err)
	}

	p1 := stateOf(t, result, "P1")
	if p1.Outcome != Completed || p1.Stage != Reported {
		t.Fatalf("P1: unexpected state: %s %s: %s", p1.Outcome, p1.Stage, p1.Reason)
	}
	if p1.Split.Total != 4 || p1.Split.Unaligned != 3 {
		t.Errorf("P1: unexpected accounting: %s", p1.Split)
	}
	if p1.Probed != int(p1.Split.Unaligned) || p1.Report.Total != int(p1.Split.Unaligned) {
		t.Errorf("P1: composition denominator %d (probed %d) != unaligned reads %d",
			p1.Report.Total, p1.Probed, p1.Split.Unaligned)
	}
	for _, row := range []string{
		"P1\tno_significant_hit\t1\t",
		"P1\tMus musculus\t1\t",
		"P1\tMycoplasma hyorhinis\t1\t",
	} {
		if !strings.Contains(report.String(), row) {
			t.Errorf("P1: row %q missing in the report:\n%s", row, report.String())
		}
	}
	if p1.Report.Flag != composition.FlagChromatinDisruption {
		t.Errorf("P1: unexpected flag: %s", p1.Report.Flag)
	}
}

func TestSplitIdempotent(t *testing.T) {
	outDir := t.TempDir()
	aligner := newFakeAligner()
	o := newOrchestrator(t, outDir, Tools{Aligner: aligner})

	one := samples[:1]
	if _, err := o.Run(context.Background(), ModeAlign, one, Writers{Summary: ioutil.Discard}); err != nil {
		t.Fatal(err)
	}

	dir := filepath.Join(outDir, "S1")
	files := []string{filepath.Join(dir, split.AlignedFile), filepath.Join(dir, split.UnalignedFile), filepath.Join(dir, ManifestFile)}
	before := make([]time.Time, len(files))
	for i, file := range files {
		fi, err := os.Stat(file)
		if err != nil {
			t.Fatal(err)
		}
		before[i] = fi.ModTime()
	}

	time.Sleep(10 * time.Millisecond)
	result, err := o.Run(context.Background(), ModeAlign, one, Writers{Summary: ioutil.Discard})
	if err != nil {
		t.Fatal(err)
	}
	s1 := result.States[0]
	if s1.Outcome != Completed || s1.Stage != Split || len(s1.Executed) != 0 {
		t.Errorf("re-run should be a no-op: %s %s %v", s1.Outcome, s1.Stage, s1.Executed)
	}
	for i, file := range files {
		fi, err := os.Stat(file)
		if err != nil {
			t.Fatal(err)
		}
		if !fi.ModTime().Equal(before[i]) {
			t.Errorf("file rewritten: %s", file)
		}
	}
	if aligner.numCalls("S1") != 1 {
		t.Errorf("aligner called %d times", aligner.numCalls("S1"))
	}

	// changed outputs are rebuilt
	if err = ioutil.WriteFile(files[1], []byte("corrupted"), 0644); err != nil {
		t.Fatal(err)
	}
	result, err = o.Run(context.Background(), ModeAlign, one, Writers{Summary: ioutil.Discard})
	if err != nil {
		t.Fatal(err)
	}
	if s1 = result.States[0]; !s1.Ran(Split) || s1.Ran(Aligned) || s1.Outcome != Completed {
		t.Errorf("split should be run again, and only split: %v", s1.Executed)
	}
}

func TestProbeRetry(t *testing.T) {
	outDir := t.TempDir()
	searcher := newFakeSearcher()
	searcher.failures = 2
	o := newOrchestrator(t, outDir, Tools{Aligner: newFakeAligner(), Searcher: searcher})

	one := samples[:1]
	if _, err := o.Run(context.Background(), ModeAlign, one, Writers{Summary: ioutil.Discard}); err != nil {
		t.Fatal(err)
	}
	result, err := o.Run(context.Background(), ModeProbe, one, Writers{Summary: ioutil.Discard})
	if err != nil {
		t.Fatal(err)
	}
	if s := result.States[0]; s.Outcome != Completed || searcher.calls != 3 {
		t.Errorf("expected success after 2 retries: %s, %d calls", s.Outcome, searcher.calls)
	}

	// too many failures
	outDir = t.TempDir()
	searcher = newFakeSearcher()
	searcher.failures = 10
	o = newOrchestrator(t, outDir, Tools{Aligner: newFakeAligner(), Searcher: searcher})
	if _, err = o.Run(context.Background(), ModeAlign, one, Writers{Summary: ioutil.Discard}); err != nil {
		t.Fatal(err)
	}
	result, err = o.Run(context.Background(), ModeProbe, one, Writers{Summary: ioutil.Discard})
	if err != nil {
		t.Fatal(err)
	}
	s := result.States[0]
	if s.Outcome != Failed || s.FailedStage != Parsed || !IsExternalToolError(s.Err) || searcher.calls != 3 {
		t.Errorf("unexpected state: %s %s %v, %d calls", s.Outcome, s.FailedStage, s.Err, searcher.calls)
	}
	if result.Status() != TotalFailure {
		t.Errorf("unexpected status: %d", result.Status())
	}

	m, err := LoadManifest(filepath.Join(outDir, "S1"), "S1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Failure == nil || m.Failure.Stage != Parsed || m.Stage != ProbeReady {
		t.Errorf("failure not recorded: %+v", m.Failure)
	}
}

func TestRowsFlushedPerSample(t *testing.T) {
	var summary, report bytes.Buffer
	sw := bufio.NewWriterSize(&summary, 1<<20)
	rw := bufio.NewWriterSize(&report, 1<<20)

	var missing []string
	check := func(s *SampleState) {
		if !strings.Contains(summary.String(), s.SampleID+"\t") {
			missing = append(missing, "summary:"+s.SampleID)
		}
		if s.Report != nil && !strings.Contains(report.String(), s.SampleID+"\t") {
			missing = append(missing, "report:"+s.SampleID)
		}
	}

	o, err := New(Tools{Aligner: newFakeAligner(), Searcher: newFakeSearcher()}, Options{
		OutDir:                t.TempDir(),
		Workers:               1,
		Threads:               1,
		Retry:                 RetryOptions{Retries: 0, Backoff: time.Millisecond},
		UnmappedRateThreshold: 0.5,
		Resolve:               blast.ResolveOptions{MinIdentity: 90, MaxEvalue: 1e-5},
		Composition:           composition.Options{DominantFraction: 0.5},
		OnTerminal:            check,
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, mode := range []Mode{ModeAlign, ModeProbe} {
		summary.Reset()
		report.Reset()
		if _, err = o.Run(context.Background(), mode, samples, Writers{Summary: sw, Report: rw}); err != nil {
			t.Fatal(err)
		}
	}
	if len(missing) > 0 {
		t.Errorf("rows not flushed when the sample reached a terminal state: %v", missing)
	}
	if sw.Buffered() != 0 || rw.Buffered() != 0 {
		t.Errorf("buffered bytes left: %d, %d", sw.Buffered(), rw.Buffered())
	}
}

func TestRetryTimeout(t *testing.T) {
	var calls int
	err := Retry(context.Background(), RetryOptions{Retries: 3, Backoff: time.Millisecond}, "test", func() error {
		calls++
		return &ExternalToolError{Tool: "STAR", ExitCode: -1, Timeout: true}
	})
	if !IsExternalToolError(err) || calls != 1 {
		t.Errorf("timeouts should not be retried: %d calls", calls)
	}

	calls = 0
	err = Retry(context.Background(), RetryOptions{Retries: 3, Backoff: time.Millisecond}, "test", func() error {
		calls++
		return fmt.Errorf("not a tool error")
	})
	if err == nil || calls != 1 {
		t.Errorf("other errors should not be retried: %d calls", calls)
	}
}

func TestRunCancelled(t *testing.T) {
	outDir := t.TempDir()
	o := newOrchestrator(t, outDir, Tools{Aligner: newFakeAligner()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var summary bytes.Buffer
	result, err := o.Run(ctx, ModeAlign, samples, Writers{Summary: &summary})
	if err != nil {
		t.Fatal(err)
	}
	if result.Count(Interrupted) != len(samples) {
		t.Errorf("all samples should be interrupted")
	}
	if result.Status() != TotalFailure {
		t.Errorf("unexpected status: %d", result.Status())
	}
	if _, err = os.Stat(filepath.Join(outDir, "S1", ManifestFile)); !os.IsNotExist(err) {
		t.Errorf("no manifest should be written")
	}
	if !strings.Contains(summary.String(), "S1\tINTERRUPTED\t") {
		t.Errorf("unexpected summary:\n%s", summary.String())
	}
}

type fakeCounter struct {
	alignments []string
	fail       bool
}

func (c *fakeCounter) Count(ctx context.Context, alignments []string, outFile string) error {
	c.alignments = alignments
	if c.fail {
		return &ExternalToolError{Tool: "featureCounts", ExitCode: 255}
	}
	return ioutil.WriteFile(outFile, []byte("# featureCounts\n"), 0644)
}

type fakeDE struct {
	calls  int
	design string
}

func (d *fakeDE) Analyze(ctx context.Context, countsFile, designFile, outDir string) error {
	d.calls++
	data, err := ioutil.ReadFile(designFile)
	d.design = string(data)
	return err
}

func TestCountAndCompare(t *testing.T) {
	outDir := t.TempDir()
	counter, de := &fakeCounter{}, &fakeDE{}
	o := newOrchestrator(t, outDir, Tools{Aligner: newFakeAligner(), Counter: counter, DE: de})
	o.opt.RunDE = true

	result, err := o.Run(context.Background(), ModeAlign, samples, Writers{Summary: ioutil.Discard})
	if err != nil {
		t.Fatal(err)
	}
	// S3 failed and is not counted
	if len(counter.alignments) != 2 || len(result.RunErrors) != 0 {
		t.Errorf("unexpected counting: %v, %v", counter.alignments, result.RunErrors)
	}
	if de.calls != 1 || de.design != "sample_id\tcondition\nS1\tko\nS2\twt\n" {
		t.Errorf("unexpected design table: %q", de.design)
	}

	// run-level failures leave sample states unchanged
	outDir = t.TempDir()
	counter, de = &fakeCounter{fail: true}, &fakeDE{}
	o = newOrchestrator(t, outDir, Tools{Aligner: newFakeAligner(), Counter: counter, DE: de})
	o.opt.RunDE = true
	o.opt.Retry.Retries = 0

	one := samples[:1]
	result, err = o.Run(context.Background(), ModeAlign, one, Writers{Summary: ioutil.Discard})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.RunErrors) != 1 || de.calls != 0 {
		t.Errorf("counting failure expected: %v, %d DE calls", result.RunErrors, de.calls)
	}
	if result.States[0].Outcome != Completed || result.Status() != PartialFailure {
		t.Errorf("unexpected result: %s, status %d", result.States[0].Outcome, result.Status())
	}
}

func TestStageYAML(t *testing.T) {
	dir := t.TempDir()
	m, err := LoadManifest(dir, "S9")
	if err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(dir, "a.txt")
	if err = ioutil.WriteFile(file, []byte("ACGT"), 0644); err != nil {
		t.Fatal(err)
	}
	if err = m.Record(ProbeReady, "run1", file); err != nil {
		t.Fatal(err)
	}
	if err = m.Save(); err != nil {
		t.Fatal(err)
	}

	m2, err := LoadManifest(dir, "S9")
	if err != nil {
		t.Fatal(err)
	}
	if m2.Stage != ProbeReady || !m2.Valid(ProbeReady) || m2.Valid(Parsed) {
		t.Errorf("unexpected reloaded manifest: %s", m2.Stage)
	}
	if rec, _ := m2.Get(ProbeReady); len(rec.Artifacts) != 1 || rec.Artifacts[0].Path != "a.txt" || rec.Artifacts[0].Size != 4 {
		t.Errorf("unexpected artifacts: %+v", rec.Artifacts)
	}

	if _, err = LoadManifest(dir, "S8"); err == nil {
		t.Errorf("manifest of another sample should be rejected")
	}

	for i, name := range stageNames {
		s, err := ParseStage(strings.ToLower(name))
		if err != nil || s != Stage(i) {
			t.Errorf("ParseStage(%s): %v", name, err)
		}
	}
}
