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

package blast

import (
	"sort"
)

// NoHitLabel is the taxon label of queries without any confident hit.
const NoHitLabel = "no_significant_hit"

// ResolveOptions is the confidence filter applied before choosing the
// best hit.
type ResolveOptions struct {
	MinIdentity float64 // percent
	MaxEvalue   float64
	MinQueryCov float64 // percent, only applied to hits carrying qcovs; 0 for no filter
}

// ResolvedHit is the authoritative hit of a query, or the "no hit"
// sentinel when Hit is nil.
type ResolvedHit struct {
	QueryID string
	Hit     *HitRecord
}

// NoHit tells whether it is the "no hit" sentinel.
func (r ResolvedHit) NoHit() bool { return r.Hit == nil }

// Taxon returns the taxon label of the hit, or NoHitLabel.
func (r ResolvedHit) Taxon() string {
	if r.Hit == nil {
		return NoHitLabel
	}
	return r.Hit.Taxon
}

// Pass tells whether a hit passes the confidence filter.
func (o ResolveOptions) Pass(h *HitRecord) bool {
	if h.Identity < o.MinIdentity || h.Evalue > o.MaxEvalue {
		return false
	}
	if o.MinQueryCov > 0 && h.QueryCov >= 0 && h.QueryCov < o.MinQueryCov {
		return false
	}
	return true
}

// Better tells whether a is a better hit than b: higher bit score, then
// lower e-value, then lexicographically smaller subject ID. The remaining
// keys only order multiple HSPs of the same subject, so that the choice
// never depends on the input order.
func Better(a, b *HitRecord) bool {
	if a.BitScore != b.BitScore {
		return a.BitScore > b.BitScore
	}
	if a.Evalue != b.Evalue {
		return a.Evalue < b.Evalue
	}
	if a.SubjectID != b.SubjectID {
		return a.SubjectID < b.SubjectID
	}

	if a.Identity != b.Identity {
		return a.Identity > b.Identity
	}
	if a.AlignLen != b.AlignLen {
		return a.AlignLen > b.AlignLen
	}
	if a.Mismatch != b.Mismatch {
		return a.Mismatch < b.Mismatch
	}
	if a.GapOpen != b.GapOpen {
		return a.GapOpen < b.GapOpen
	}
	if a.QueryCov != b.QueryCov {
		return a.QueryCov > b.QueryCov
	}
	if a.QStart != b.QStart {
		return a.QStart < b.QStart
	}
	if a.QEnd != b.QEnd {
		return a.QEnd < b.QEnd
	}
	if a.SStart != b.SStart {
		return a.SStart < b.SStart
	}
	if a.SEnd != b.SEnd {
		return a.SEnd < b.SEnd
	}
	if a.QueryID != b.QueryID {
		return a.QueryID < b.QueryID
	}
	return a.Title < b.Title
}

// ResolveQuery chooses the best hit among the hits of one query.
func ResolveQuery(queryID string, hits []HitRecord, opt ResolveOptions) ResolvedHit {
	var best *HitRecord
	for i := range hits {
		h := &hits[i]
		if !opt.Pass(h) {
			continue
		}
		if best == nil || Better(h, best) {
			best = h
		}
	}
	if best == nil {
		return ResolvedHit{QueryID: queryID}
	}
	hit := *best
	return ResolvedHit{QueryID: queryID, Hit: &hit}
}

// Resolve returns one ResolvedHit for every distinct template: the queries
// given, in their order, followed by templates only present in hits, sorted.
// Mates of a pair (IDs ending with /1 and /2) resolve to one template,
// whose best hit is the better one of the mates' best hits.
// Templates without any hit passing the filter get the "no hit" sentinel.
func Resolve(queries []string, hits []HitRecord, opt ResolveOptions) []ResolvedHit {
	groups := make(map[string][]HitRecord, len(queries))
	var q string
	for _, h := range hits {
		q = TemplateID(h.QueryID)
		groups[q] = append(groups[q], h)
	}

	resolved := make([]ResolvedHit, 0, len(queries))
	seen := make(map[string]struct{}, len(queries))
	for _, id := range queries {
		q = TemplateID(id)
		if _, ok := seen[q]; ok {
			continue
		}
		seen[q] = struct{}{}
		resolved = append(resolved, ResolveQuery(q, groups[q], opt))
	}

	extra := make([]string, 0, 8)
	for q := range groups {
		if _, ok := seen[q]; !ok {
			extra = append(extra, q)
		}
	}
	sort.Strings(extra)
	for _, q := range extra {
		resolved = append(resolved, ResolveQuery(q, groups[q], opt))
	}

	return resolved
}
