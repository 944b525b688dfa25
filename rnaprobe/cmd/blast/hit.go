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

// Package blast parses similarity-search (BLAST tabular, -outfmt 6) results,
// resolves the best hit of every query and labels subjects with taxa.
package blast

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// NumFields is the number of standard columns of -outfmt 6:
//
//	qseqid sseqid pident length mismatch gapopen qstart qend sstart send evalue bitscore
//
// Two optional columns may follow: qcovs and stitle.
const NumFields = 12

const maxFields = NumFields + 2

// OutFormat is the -outfmt value requested from blastn.
const OutFormat = "6 qseqid sseqid pident length mismatch gapopen qstart qend sstart send evalue bitscore qcovs stitle"

// HitRecord is one row of a similarity-search result.
type HitRecord struct {
	QueryID   string
	SubjectID string
	Identity  float64 // percent identity, [0, 100]
	AlignLen  int
	Mismatch  int
	GapOpen   int
	QStart    int
	QEnd      int
	SStart    int
	SEnd      int
	Evalue    float64
	BitScore  float64

	QueryCov float64 // -1 when absent
	Title    string  // subject title, may be empty

	Taxon string
}

func (h HitRecord) String() string {
	return fmt.Sprintf("%s\t%s\t%.3f\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%g\t%g",
		h.QueryID, h.SubjectID, h.Identity, h.AlignLen, h.Mismatch, h.GapOpen,
		h.QStart, h.QEnd, h.SStart, h.SEnd, h.Evalue, h.BitScore)
}

// ErrMalformedLine means a line of the hit table could not be parsed.
var ErrMalformedLine = errors.New("blast: malformed line")

// ParseLine parses one line of the hit table. items is a reusable buffer
// with a capacity of at least 14. Errors wrap ErrMalformedLine.
func ParseLine(line string, items *[]string) (HitRecord, error) {
	var h HitRecord

	stringSplitNByByte(line, '\t', maxFields, items)
	if len(*items) < NumFields {
		return h, errors.Wrapf(ErrMalformedLine, "%d columns found, at least %d expected", len(*items), NumFields)
	}
	cols := *items

	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}

	h.QueryID = cols[0]
	h.SubjectID = cols[1]
	if h.QueryID == "" || h.SubjectID == "" {
		return h, errors.Wrap(ErrMalformedLine, "empty query or subject ID")
	}

	var err error
	h.Identity, err = strconv.ParseFloat(cols[2], 64)
	if err != nil || math.IsNaN(h.Identity) || h.Identity < 0 || h.Identity > 100 {
		return h, errors.Wrapf(ErrMalformedLine, "invalid pident: %s", cols[2])
	}

	h.AlignLen, err = strconv.Atoi(cols[3])
	if err != nil || h.AlignLen <= 0 {
		return h, errors.Wrapf(ErrMalformedLine, "invalid alignment length: %s", cols[3])
	}

	ints := []struct {
		name string
		v    *int
	}{
		{"mismatch", &h.Mismatch},
		{"gapopen", &h.GapOpen},
		{"qstart", &h.QStart},
		{"qend", &h.QEnd},
		{"sstart", &h.SStart},
		{"send", &h.SEnd},
	}
	for i, f := range ints {
		*f.v, err = strconv.Atoi(cols[4+i])
		if err != nil {
			return h, errors.Wrapf(ErrMalformedLine, "invalid %s: %s", f.name, cols[4+i])
		}
	}

	h.Evalue, err = strconv.ParseFloat(cols[10], 64)
	if err != nil || math.IsNaN(h.Evalue) || h.Evalue < 0 {
		return h, errors.Wrapf(ErrMalformedLine, "invalid evalue: %s", cols[10])
	}

	h.BitScore, err = strconv.ParseFloat(cols[11], 64)
	if err != nil || math.IsNaN(h.BitScore) {
		return h, errors.Wrapf(ErrMalformedLine, "invalid bitscore: %s", cols[11])
	}

	h.QueryCov = -1
	if len(cols) > NumFields {
		s := cols[12]
		if s != "" {
			h.QueryCov, err = strconv.ParseFloat(s, 64)
			if err != nil {
				return h, errors.Wrapf(ErrMalformedLine, "invalid qcovs: %s", cols[12])
			}
		}
	}
	if len(cols) > NumFields+1 {
		h.Title = cols[13]
	}

	return h, nil
}

func stringSplitNByByte(s string, sep byte, n int, a *[]string) {
	if a == nil {
		tmp := make([]string, n)
		a = &tmp
	}
	if cap(*a) < n {
		*a = make([]string, n)
	}
	*a = (*a)[:n]

	n--
	i := 0
	for i < n {
		m := strings.IndexByte(s, sep)
		if m < 0 {
			break
		}
		(*a)[i] = s[:m]
		s = s[m+1:]
		i++
	}
	(*a)[i] = s

	(*a) = (*a)[:i+1]
}
