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
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/shenwei356/bio/seq"
	"github.com/shenwei356/bio/seqio/fastx"
	"github.com/shenwei356/xopen"
)

// BuildQueryFasta converts the reads of at most limit templates (0 for all)
// of a FASTQ file into a FASTA file of search queries. Both mates of a pair,
// adjacent and named with /1 and /2 suffixes, are written as separate
// queries but counted as one template. It returns the number of templates.
func BuildQueryFasta(fastqFile, outFile string, limit int) (int, error) {
	tmp := filepath.Join(filepath.Dir(outFile), ".tmp."+filepath.Base(outFile))
	outfh, err := xopen.Wopen(tmp)
	if err != nil {
		return 0, errors.Wrap(err, tmp)
	}

	n, err := writeQueries(fastqFile, outfh, limit)
	if err != nil {
		outfh.Close()
		os.Remove(tmp)
		return 0, err
	}
	if err = outfh.Close(); err != nil {
		os.Remove(tmp)
		return 0, errors.Wrap(err, tmp)
	}
	return n, os.Rename(tmp, outFile)
}

func writeQueries(fastqFile string, outfh *xopen.Writer, limit int) (int, error) {
	fi, err := os.Stat(fastqFile)
	if err != nil {
		return 0, errors.Wrap(err, fastqFile)
	}
	if fi.Size() == 0 {
		return 0, nil
	}

	reader, err := fastx.NewDefaultReader(fastqFile)
	if err != nil {
		return 0, errors.Wrap(err, fastqFile)
	}

	var n int
	var record, query *fastx.Record
	var template, last string
	for {
		record, err = reader.Read()
		if err != nil {
			if err == io.EOF {
				break
			}
			return n, errors.Wrap(err, fastqFile)
		}

		template = TemplateID(string(record.ID))
		if n == 0 || template != last {
			if limit > 0 && n >= limit {
				break
			}
			n++
			last = template
		}

		query, err = fastx.NewRecord(seq.Unlimit, record.ID, record.ID, nil, record.Seq.Seq)
		if err != nil {
			return n, errors.Wrapf(err, "read: %s", record.ID)
		}
		query.FormatToWriter(outfh, 0)
	}
	return n, nil
}

// TemplateID returns the read ID without the /1 or /2 suffix of a mate.
func TemplateID(id string) string {
	if n := len(id); n > 2 && id[n-2] == '/' && (id[n-1] == '1' || id[n-1] == '2') {
		return id[:n-2]
	}
	return id
}

// QueryIDs returns the IDs of all sequences in a FASTA/Q file, in order.
func QueryIDs(file string) ([]string, error) {
	fi, err := os.Stat(file)
	if err != nil {
		return nil, errors.Wrap(err, file)
	}
	ids := make([]string, 0, 1024)
	if fi.Size() == 0 {
		return ids, nil
	}

	reader, err := fastx.NewDefaultReader(file)
	if err != nil {
		return nil, errors.Wrap(err, file)
	}
	var record *fastx.Record
	for {
		record, err = reader.Read()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrap(err, file)
		}
		ids = append(ids, string(record.ID))
	}
	return ids, nil
}

// WriteResolved writes the best hit of every query as a table.
func WriteResolved(file string, resolved []ResolvedHit) error {
	tmp := filepath.Join(filepath.Dir(file), ".tmp."+filepath.Base(file))
	outfh, err := xopen.Wopen(tmp)
	if err != nil {
		return errors.Wrap(err, tmp)
	}

	outfh.WriteString("query_id\tsubject_id\tpercent_identity\talignment_length\tevalue\tbit_score\ttaxon_label\n")
	for _, r := range resolved {
		if r.NoHit() {
			fmt.Fprintf(outfh, "%s\t*\t*\t*\t*\t*\t%s\n", r.QueryID, NoHitLabel)
			continue
		}
		h := r.Hit
		fmt.Fprintf(outfh, "%s\t%s\t%.3f\t%d\t%g\t%g\t%s\n",
			r.QueryID, h.SubjectID, h.Identity, h.AlignLen, h.Evalue, h.BitScore, h.Taxon)
	}

	if err = outfh.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, tmp)
	}
	return os.Rename(tmp, file)
}
