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
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/shenwei356/breader"
)

// MaxWarnings is the number of malformed lines kept for reporting,
// all of them are counted anyway.
var MaxWarnings = 10

// ParseWarning describes a skipped malformed line.
type ParseWarning struct {
	File string
	Line string
	Err  error
}

func (w ParseWarning) String() string {
	line := w.Line
	if len(line) > 80 {
		line = line[:77] + "..."
	}
	return fmt.Sprintf("%s: skipped malformed line: %s: %q", w.File, w.Err, line)
}

type malformedLine struct {
	line string
	err  error
}

// HitReader lazily parses a hit table. Lines are parsed in parallel in
// chunks, while records come out in the order of the file. Blank lines and
// lines starting with "#" are ignored. A malformed line never stops the
// parsing: it is skipped and counted.
//
// A HitReader can only be consumed once.
type HitReader struct {
	File string

	labeler *TaxonLabeler
	reader  *breader.BufferedReader

	chunk []interface{}
	i     int
	done  bool
	err   error

	records  int
	skipped  int
	warnings []ParseWarning
}

// NewHitReader creates a HitReader. threads and chunkSize control
// the parallel parsing, labeler may be nil.
func NewHitReader(file string, labeler *TaxonLabeler, threads, chunkSize int) (*HitReader, error) {
	fi, err := os.Stat(file)
	if err != nil {
		return nil, errors.Wrap(err, file)
	}

	r := &HitReader{File: file, labeler: labeler}
	if fi.Size() == 0 { // no hit at all
		r.done = true
		return r, nil
	}

	if threads < 1 {
		threads = 1
	}
	if chunkSize < 1 {
		chunkSize = 5000
	}

	pool := &sync.Pool{New: func() interface{} {
		tmp := make([]string, maxFields)
		return &tmp
	}}

	fn := func(line string) (interface{}, bool, error) {
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" || line[0] == '#' { // ignoring blank line and comment line
			return nil, false, nil
		}

		items := pool.Get().(*[]string)
		h, err := ParseLine(line, items)
		pool.Put(items)
		if err != nil {
			return malformedLine{line: line, err: err}, true, nil
		}

		h.Taxon = labeler.Label(h.SubjectID, h.Title)
		return h, true, nil
	}

	r.reader, err = breader.NewBufferedReader(file, threads, chunkSize, fn)
	if err != nil {
		return nil, errors.Wrap(err, file)
	}
	return r, nil
}

// Next returns the next record, false when the table is exhausted or a
// read error happened, see Err.
func (r *HitReader) Next() (HitRecord, bool) {
	for {
		for r.i < len(r.chunk) {
			data := r.chunk[r.i]
			r.i++

			switch v := data.(type) {
			case HitRecord:
				r.records++
				return v, true
			case malformedLine:
				r.skipped++
				if len(r.warnings) < MaxWarnings {
					r.warnings = append(r.warnings, ParseWarning{File: r.File, Line: v.line, Err: v.err})
				}
			}
		}

		if r.done {
			return HitRecord{}, false
		}

		chunk, ok := <-r.reader.Ch
		if !ok {
			r.done = true
			r.chunk = nil
			return HitRecord{}, false
		}
		if chunk.Err != nil {
			r.err = errors.Wrap(chunk.Err, r.File)
			r.done = true
			r.chunk = nil
			go func() {
				for range r.reader.Ch {
				}
			}()
			return HitRecord{}, false
		}
		r.chunk = chunk.Data
		r.i = 0
	}
}

// Err returns the read error, if any. Malformed lines are not errors.
func (r *HitReader) Err() error { return r.err }

// Records returns the number of records returned so far.
func (r *HitReader) Records() int { return r.records }

// Skipped returns the number of malformed lines skipped so far.
func (r *HitReader) Skipped() int { return r.skipped }

// Warnings returns the first MaxWarnings skipped lines.
func (r *HitReader) Warnings() []ParseWarning { return r.warnings }

// Stats summarizes the parsing of one hit table.
type Stats struct {
	Records  int
	Skipped  int
	Warnings []ParseWarning
}

// ReadAll materializes all records of a hit table.
func ReadAll(file string, labeler *TaxonLabeler, threads, chunkSize int) ([]HitRecord, Stats, error) {
	r, err := NewHitReader(file, labeler, threads, chunkSize)
	if err != nil {
		return nil, Stats{}, err
	}

	hits := make([]HitRecord, 0, 1024)
	for {
		h, ok := r.Next()
		if !ok {
			break
		}
		hits = append(hits, h)
	}
	stats := Stats{Records: r.Records(), Skipped: r.Skipped(), Warnings: r.Warnings()}
	return hits, stats, r.Err()
}
