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

package cmd

import (
	"fmt"
	"io"
	"strings"

	humanize "github.com/dustin/go-humanize"
	prettytable "github.com/tatsushid/go-prettytable"

	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/pipeline"
)

// maximum width of the reason column
const reasonWidth = 60

// writeSummaryTable prints the terminal state of every sample.
func writeSummaryTable(w io.Writer, result *pipeline.RunResult) error {
	columns := []prettytable.Column{
		{Header: "sample"},
		{Header: "state"},
		{Header: "reads", AlignRight: true},
		{Header: "unaligned", AlignRight: true},
		{Header: "unmapped-rate", AlignRight: true},
		{Header: "eligible"},
	}
	if result.Mode == pipeline.ModeProbe {
		columns = append(columns, []prettytable.Column{
			{Header: "probed", AlignRight: true},
			{Header: "skipped-lines", AlignRight: true},
			{Header: "flag"},
		}...)
	}
	columns = append(columns, prettytable.Column{Header: "reason"})

	tbl, err := prettytable.NewTable(columns...)
	if err != nil {
		return err
	}
	tbl.Separator = "  "

	for _, s := range result.States {
		reads, unaligned, rate, eligible := "-", "-", "-", "-"
		if s.Split != nil {
			reads = humanize.Comma(int64(s.Split.Total))
			unaligned = humanize.Comma(int64(s.Split.Unaligned))
			rate = fmt.Sprintf("%.4f", s.Split.UnmappedRate())
			eligible = fmt.Sprintf("%v", s.Eligible)
		}

		reason := "-"
		if s.Outcome == pipeline.Failed {
			reason = fmt.Sprintf("[%s] %s", s.FailedStage, s.Reason)
			if len(reason) > reasonWidth {
				reason = reason[:reasonWidth-3] + "..."
			}
		}

		row := []interface{}{s.SampleID, s.State(), reads, unaligned, rate, eligible}
		if result.Mode == pipeline.ModeProbe {
			probed, flag := "-", "-"
			if s.Outcome == pipeline.Completed {
				probed = humanize.Comma(int64(s.Probed))
			}
			if s.Report != nil {
				flag = s.Report.Flag
			}
			row = append(row, probed, humanize.Comma(int64(s.SkippedLines)), flag)
		}
		row = append(row, reason)
		tbl.AddRow(row...)
	}

	_, err = w.Write(tbl.Bytes())
	return err
}

// logRunResult logs counts of outcomes and failures per stage.
func logRunResult(result *pipeline.RunResult) {
	n := len(result.States)
	log.Infof("%d/%d samples completed, %d not probe-eligible, %d failed, %d interrupted",
		result.Count(pipeline.Completed), n, result.Count(pipeline.Ineligible),
		result.Count(pipeline.Failed), result.Count(pipeline.Interrupted))

	var reached int
	for _, s := range result.States {
		if s.Outcome == pipeline.Completed && s.Stage >= result.Mode.Target() {
			reached++
		}
	}
	log.Infof("%d/%d samples reached stage %s", reached, n, result.Mode.Target())

	for _, line := range result.FailureLines() {
		log.Warning(line)
	}
	for _, err := range result.RunErrors {
		log.Warningf("run-level step failed: %s", err)
	}

	var skipped int
	for _, s := range result.States {
		skipped += s.SkippedLines
	}
	if skipped > 0 {
		log.Warningf("%s malformed lines skipped in hit tables", humanize.Comma(int64(skipped)))
	}
}

func exitCode(result *pipeline.RunResult) int {
	switch result.Status() {
	case pipeline.TotalFailure:
		return exitAllFailed
	case pipeline.PartialFailure:
		return exitPartial
	}
	return exitOK
}

func joinNonEmpty(sep string, values ...string) string {
	list := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			list = append(list, v)
		}
	}
	return strings.Join(list, sep)
}
