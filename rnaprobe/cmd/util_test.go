package cmd

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/composition"
	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/pipeline"
	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/split"
)

func TestThreadsPerTask(t *testing.T) {
	for _, c := range []struct{ cpus, tasks, n int }{
		{16, 4, 4},
		{16, 3, 5},
		{2, 4, 1},
		{8, 0, 8},
	} {
		if n := threadsPerTask(c.cpus, c.tasks); n != c.n {
			t.Errorf("threadsPerTask(%d, %d) = %d, expected %d", c.cpus, c.tasks, n, c.n)
		}
	}
}

func TestFormatFlagUsage(t *testing.T) {
	s := formatFlagUsage(`  first line
		second line  `)
	if s != "first line second line" {
		t.Errorf("unexpected usage: %q", s)
	}
}

func testResult() *pipeline.RunResult {
	return &pipeline.RunResult{
		Mode: pipeline.ModeProbe,
		States: []*pipeline.SampleState{
			{
				SampleID: "S1",
				Stage:    pipeline.Reported,
				Outcome:  pipeline.Completed,
				Split:    &split.Result{SampleID: "S1", Total: 12000, Aligned: 4000, Unaligned: 8000},
				Eligible: true,
				Probed:   100,
				Report:   &composition.Report{SampleID: "S1", Flag: composition.FlagChromatinDisruption},
			},
			{
				SampleID:    "S2",
				Stage:       pipeline.Aligned,
				Outcome:     pipeline.Failed,
				FailedStage: pipeline.Split,
				Reason:      "accounting",
			},
		},
	}
}

func TestWriteSummaryTable(t *testing.T) {
	var buf bytes.Buffer
	if err := writeSummaryTable(&buf, testResult()); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, s := range []string{"12,000", "8,000", "0.6667", composition.FlagChromatinDisruption, "[SPLIT] accounting", "FAILED"} {
		if !strings.Contains(out, s) {
			t.Errorf("%q not found in table:\n%s", s, out)
		}
	}
}

func TestExitCode(t *testing.T) {
	r := testResult()
	if c := exitCode(r); c != exitPartial {
		t.Errorf("partial failure expected, returned %d", c)
	}

	r.States = r.States[:1]
	if c := exitCode(r); c != exitOK {
		t.Errorf("success expected, returned %d", c)
	}

	r.RunErrors = []error{errors.New("featureCounts failed")}
	if c := exitCode(r); c != exitPartial {
		t.Errorf("partial failure expected for run-level errors, returned %d", c)
	}

	r.RunErrors = nil
	r.States[0].Outcome = pipeline.Failed
	if c := exitCode(r); c != exitAllFailed {
		t.Errorf("total failure expected, returned %d", c)
	}
}

func TestJoinNonEmpty(t *testing.T) {
	if s := joinNonEmpty(", ", "Mus musculus", "", "mouse"); s != "Mus musculus, mouse" {
		t.Errorf("unexpected: %q", s)
	}
}
