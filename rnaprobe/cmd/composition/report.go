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

package composition

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/shenwei356/xopen"
)

// Header is the header line of composition tables.
const Header = "sample_id\ttaxon_label\tread_count\tfraction\tclassification_flag\n"

// WriteRows writes the rows of a report in the composition table format,
// without the header. A report without rows, e.g., of an ineligible
// sample, is written as a single row of taxon "-".
func WriteRows(w io.Writer, r *Report) error {
	var err error
	if len(r.Rows) == 0 {
		_, err = fmt.Fprintf(w, "%s\t-\t0\t0\t%s\n", r.SampleID, r.Flag)
		return err
	}
	for _, row := range r.Rows {
		_, err = fmt.Fprintf(w, "%s\t%s\t%d\t%.6f\t%s\n", r.SampleID, row.Taxon, row.Count, row.Fraction, r.Flag)
		if err != nil {
			return err
		}
	}
	return nil
}

// WriteSampleReport writes the composition of one sample, with a few
// comment lines keeping what is needed to reload it.
func WriteSampleReport(file string, r *Report) error {
	tmp := filepath.Join(filepath.Dir(file), ".tmp."+filepath.Base(file))
	outfh, err := xopen.Wopen(tmp)
	if err != nil {
		return errors.Wrap(err, tmp)
	}

	fmt.Fprintf(outfh, "#probed_reads\t%d\n", r.Total)
	fmt.Fprintf(outfh, "#host_like_fraction\t%.6f\n", r.HostLike)
	fmt.Fprintf(outfh, "#non_host_fraction\t%.6f\n", r.NonHost)
	outfh.WriteString(Header)
	if err = WriteRows(outfh, r); err != nil {
		outfh.Close()
		os.Remove(tmp)
		return errors.Wrap(err, tmp)
	}

	if err = outfh.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, tmp)
	}
	return os.Rename(tmp, file)
}

// ReadSampleReport reloads a report written by WriteSampleReport.
func ReadSampleReport(file string) (*Report, error) {
	fh, err := xopen.Ropen(file)
	if err != nil {
		return nil, errors.Wrap(err, file)
	}
	defer fh.Close()

	r := &Report{Rows: make([]Row, 0, 16)}
	var line string
	var n int
	var eof, headerSeen bool
	for {
		line, err = fh.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, errors.Wrap(err, file)
		}
		eof = err == io.EOF
		n++

		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			if err = r.parseLine(line, &headerSeen); err != nil {
				return nil, errors.Wrapf(err, "%s:%d", file, n)
			}
		}
		if eof {
			break
		}
	}
	if !headerSeen || r.SampleID == "" {
		return nil, errors.Errorf("%s: no composition found", file)
	}
	return r, nil
}

func (r *Report) parseLine(line string, headerSeen *bool) error {
	items := strings.Split(line, "\t")
	var err error

	if line[0] == '#' {
		if len(items) != 2 {
			return errors.Errorf("invalid comment line")
		}
		switch items[0] {
		case "#probed_reads":
			r.Total, err = strconv.Atoi(items[1])
		case "#host_like_fraction":
			r.HostLike, err = strconv.ParseFloat(items[1], 64)
		case "#non_host_fraction":
			r.NonHost, err = strconv.ParseFloat(items[1], 64)
		}
		return err
	}

	if !*headerSeen {
		if line+"\n" != Header {
			return errors.Errorf("invalid header")
		}
		*headerSeen = true
		return nil
	}

	if len(items) != 5 {
		return errors.Errorf("5 columns expected, %d given", len(items))
	}
	r.SampleID = items[0]
	r.Flag = items[4]
	if items[1] == "-" {
		return nil
	}
	count, err := strconv.Atoi(items[2])
	if err != nil {
		return errors.Errorf("invalid read count: %s", items[2])
	}
	row := Row{Taxon: items[1], Count: count}
	if r.Total > 0 {
		row.Fraction = float64(count) / float64(r.Total)
	}
	r.Rows = append(r.Rows, row)
	return nil
}
