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

// Package composition rolls the resolved hits of a sample into taxon
// counts and fractions, and flags the composition with one of the two
// competing explanations of a high unmapped rate.
//
// The flag is a threshold heuristic for an analyst to review. It is not a
// statistical test and does not diagnose anything.
package composition

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/twotwotwo/sorts"
	"github.com/zeebo/wyhash"

	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/blast"
)

// classification flags
const (
	FlagChromatinDisruption = "chromatin-disruption-consistent"
	FlagContamination       = "contamination-consistent"
	FlagInconclusive        = "inconclusive"
	FlagNotEligible         = "not-probe-eligible"
)

// Options controls the classification.
type Options struct {
	// DominantFraction is the minimal fraction of reads supporting
	// an explanation, in (0, 1].
	DominantFraction float64

	// IsHost tells whether a taxon label is the host organism or one of
	// its relatives. Reads of these taxa, as well as reads without any
	// significant hit, support the chromatin-disruption explanation.
	IsHost func(label string) bool
}

// Row is the count of one taxon.
type Row struct {
	Taxon    string
	Count    int
	Fraction float64
}

// Report is the composition of one sample.
type Report struct {
	SampleID string
	Total    int // number of probed reads, the denominator of fractions
	Rows     []Row
	Flag     string

	HostLike float64 // fraction of host-like and no-hit reads
	NonHost  float64
}

// Eligible tells whether the sample went through the similarity search.
func (r *Report) Eligible() bool { return r.Flag != FlagNotEligible }

// Fraction returns the fraction of a taxon, 0 for absent taxa.
func (r *Report) Fraction(taxon string) float64 {
	for _, row := range r.Rows {
		if row.Taxon == taxon {
			return row.Fraction
		}
	}
	return 0
}

func (r *Report) String() string {
	return fmt.Sprintf("%s: %d reads, %d taxa, host-like: %.4f, non-host: %.4f, %s",
		r.SampleID, r.Total, len(r.Rows), r.HostLike, r.NonHost, r.Flag)
}

// NotEligible returns the report of a sample below the unmapped-rate
// threshold, which has no composition.
func NotEligible(sampleID string) *Report {
	return &Report{SampleID: sampleID, Flag: FlagNotEligible}
}

// AggregationError means the resolved hits of a sample are inconsistent.
type AggregationError struct {
	SampleID string
	Msg      string
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("aggregation error for sample %s: %s", e.SampleID, e.Msg)
}

// IsAggregationError tells whether err is, or wraps, an AggregationError.
func IsAggregationError(err error) bool {
	var e *AggregationError
	return errors.As(err, &e)
}

// Aggregate counts resolved hits by taxon label. total is the number of
// probed reads, with a read pair counted once; 0 means the number of
// resolved hits. Every query must be resolved at most once.
func Aggregate(sampleID string, resolved []blast.ResolvedHit, total int, opt Options) (*Report, error) {
	if total == 0 {
		total = len(resolved)
	}
	if len(resolved) > total {
		return nil, &AggregationError{SampleID: sampleID,
			Msg: fmt.Sprintf("%d resolved queries for %d probed reads", len(resolved), total)}
	}

	seen := make(map[uint64][]string, len(resolved))
	counts := make(map[string]int, 64)
	var h uint64
	for _, r := range resolved {
		h = wyhash.HashString(r.QueryID, 1)
		for _, q := range seen[h] {
			if q == r.QueryID {
				return nil, &AggregationError{SampleID: sampleID,
					Msg: fmt.Sprintf("query resolved more than once: %s", r.QueryID)}
			}
		}
		seen[h] = append(seen[h], r.QueryID)

		counts[r.Taxon()]++
	}

	report := &Report{SampleID: sampleID, Total: total, Rows: make([]Row, 0, len(counts))}
	var hostLike, nonHost int
	for taxon, n := range counts {
		var f float64
		if total > 0 {
			f = float64(n) / float64(total)
		}
		report.Rows = append(report.Rows, Row{Taxon: taxon, Count: n, Fraction: f})

		if taxon == blast.NoHitLabel || (opt.IsHost != nil && opt.IsHost(taxon)) {
			hostLike += n
		} else {
			nonHost += n
		}
	}
	sorts.Quicksort(Rows(report.Rows))

	if total > 0 {
		report.HostLike = float64(hostLike) / float64(total)
		report.NonHost = float64(nonHost) / float64(total)
	}
	report.Flag = Classify(report.HostLike, report.NonHost, opt.DominantFraction, total)

	return report, nil
}

// Classify returns the flag of a composition. The chromatin-disruption
// explanation wins when both reach the threshold.
func Classify(hostLike, nonHost, dominant float64, total int) string {
	switch {
	case total == 0:
		return FlagInconclusive
	case hostLike >= dominant:
		return FlagChromatinDisruption
	case nonHost >= dominant:
		return FlagContamination
	default:
		return FlagInconclusive
	}
}

// Rows sorts rows by count in descending order, then by taxon.
type Rows []Row

func (s Rows) Len() int { return len(s) }
func (s Rows) Less(i, j int) bool {
	if s[i].Count == s[j].Count {
		return s[i].Taxon < s[j].Taxon
	}
	return s[i].Count > s[j].Count
}
func (s Rows) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
