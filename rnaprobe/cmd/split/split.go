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

// Package split partitions the aligner's output of one sample into aligned
// and unaligned reads and checks the read accounting.
package split

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/biogo/hts/bam"
	"github.com/biogo/hts/sam"
	"github.com/pkg/errors"
	"github.com/shenwei356/bio/seq"
	"github.com/shenwei356/bio/seqio/fastx"
	"github.com/shenwei356/xopen"

	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/config"
)

// file names of the two read subsets in a sample directory
const (
	AlignedFile   = "aligned.fastq.gz"
	UnalignedFile = "unaligned.fastq.gz"
)

// AlignmentOutput is what the aligner produced for one sample: a SAM/BAM
// file keeping unmapped reads, in the order of the input reads, and the
// number of input reads the aligner reported.
type AlignmentOutput struct {
	File          string `yaml:"file"`
	LogFile       string `yaml:"log_file,omitempty"`
	ReportedTotal uint64 `yaml:"reported_total"`
}

// Result is the read accounting of one sample.
type Result struct {
	SampleID      string `yaml:"sample_id"`
	Total         uint64 `yaml:"total"`
	Aligned       uint64 `yaml:"aligned"`
	Unaligned     uint64 `yaml:"unaligned"`
	AlignedFile   string `yaml:"aligned_file"`
	UnalignedFile string `yaml:"unaligned_file"`
}

// UnmappedRate is unaligned / total, 0 for an empty sample.
func (r Result) UnmappedRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Unaligned) / float64(r.Total)
}

// Eligible tells whether the sample qualifies for the similarity search,
// i.e., its unmapped rate exceeds the threshold.
func (r Result) Eligible(threshold float64) bool {
	return r.UnmappedRate() > threshold
}

// Check verifies aligned + unaligned == total.
func (r Result) Check() error {
	if r.Aligned+r.Unaligned != r.Total {
		return &AccountingError{SampleID: r.SampleID,
			Msg: fmt.Sprintf("aligned (%d) + unaligned (%d) != total (%d)", r.Aligned, r.Unaligned, r.Total)}
	}
	return nil
}

func (r Result) String() string {
	return fmt.Sprintf("%s: %d reads, %d aligned, %d unaligned, unmapped rate: %.4f",
		r.SampleID, r.Total, r.Aligned, r.Unaligned, r.UnmappedRate())
}

// AccountingError means the aligner output is inconsistent with itself,
// which signals a corrupted file or a failed upstream tool.
type AccountingError struct {
	SampleID string
	Msg      string
}

func (e *AccountingError) Error() string {
	return fmt.Sprintf("accounting error for sample %s: %s", e.SampleID, e.Msg)
}

// IsAccountingError tells whether err is, or wraps, an AccountingError.
func IsAccountingError(err error) bool {
	var e *AccountingError
	return errors.As(err, &e)
}

type recordReader interface {
	Read() (*sam.Record, error)
}

// Split classifies every read of the alignment output as aligned or
// unaligned, and writes the two subsets to outDir/aligned.fastq.gz and
// outDir/unaligned.fastq.gz, keeping the order of the source.
//
// A read is a template: mates of a pair are adjacent in the aligner output
// and go to the same subset, interleaved. A template is unaligned when all
// its primary records carry the unmapped flag. Secondary and supplementary
// records are ignored.
//
// The number of templates must equal the total reported by the aligner,
// otherwise an AccountingError is returned and no output is kept.
func Split(sample config.SampleRecord, in AlignmentOutput, outDir string) (Result, error) {
	result := Result{
		SampleID:      sample.ID,
		AlignedFile:   filepath.Join(outDir, AlignedFile),
		UnalignedFile: filepath.Join(outDir, UnalignedFile),
	}

	fh, err := os.Open(in.File)
	if err != nil {
		return result, errors.Wrapf(err, "sample %s", sample.ID)
	}
	defer fh.Close()

	br := bufio.NewReaderSize(fh, 65536)
	var reader recordReader
	if isBam(br) {
		bamReader, err := bam.NewReader(br, 1)
		if err != nil {
			return result, &AccountingError{SampleID: sample.ID, Msg: fmt.Sprintf("fail to read BAM %s: %s", in.File, err)}
		}
		defer bamReader.Close()
		reader = bamReader
	} else {
		reader, err = sam.NewReader(br)
		if err != nil {
			return result, &AccountingError{SampleID: sample.ID, Msg: fmt.Sprintf("fail to read SAM %s: %s", in.File, err)}
		}
	}

	if err = os.MkdirAll(outDir, 0755); err != nil {
		return result, errors.Wrap(err, outDir)
	}

	tmpAligned := tmpFile(result.AlignedFile)
	tmpUnaligned := tmpFile(result.UnalignedFile)
	outAligned, err := xopen.Wopen(tmpAligned)
	if err != nil {
		return result, errors.Wrap(err, tmpAligned)
	}
	outUnaligned, err := xopen.Wopen(tmpUnaligned)
	if err != nil {
		outAligned.Close()
		os.Remove(tmpAligned)
		return result, errors.Wrap(err, tmpUnaligned)
	}
	discard := func() {
		outAligned.Close()
		outUnaligned.Close()
		os.Remove(tmpAligned)
		os.Remove(tmpUnaligned)
	}

	template := make([]*sam.Record, 0, 2)
	flush := func() error {
		if len(template) == 0 {
			return nil
		}
		result.Total++

		outfh := outUnaligned
		if isMapped(template) {
			result.Aligned++
			outfh = outAligned
		} else {
			result.Unaligned++
		}
		for _, rec := range template {
			if err := writeFastq(outfh, rec); err != nil {
				return err
			}
		}
		template = template[:0]
		return nil
	}

	var rec *sam.Record
	for {
		rec, err = reader.Read()
		if err != nil {
			if err == io.EOF {
				break
			}
			discard()
			return result, &AccountingError{SampleID: sample.ID, Msg: fmt.Sprintf("fail to parse %s: %s", in.File, err)}
		}

		if rec.Flags&(sam.Secondary|sam.Supplementary) != 0 {
			continue
		}

		if len(template) > 0 && template[0].Name != rec.Name {
			if err = flush(); err != nil {
				discard()
				return result, errors.Wrapf(err, "sample %s", sample.ID)
			}
		}
		template = append(template, rec)
	}
	if err = flush(); err != nil {
		discard()
		return result, errors.Wrapf(err, "sample %s", sample.ID)
	}

	if result.Total != in.ReportedTotal {
		discard()
		return result, &AccountingError{SampleID: sample.ID,
			Msg: fmt.Sprintf("%d reads found in %s, but the aligner reported %d", result.Total, in.File, in.ReportedTotal)}
	}
	if err = result.Check(); err != nil {
		discard()
		return result, err
	}

	if err = outAligned.Close(); err != nil {
		discard()
		return result, errors.Wrap(err, tmpAligned)
	}
	if err = outUnaligned.Close(); err != nil {
		discard()
		return result, errors.Wrap(err, tmpUnaligned)
	}
	if err = os.Rename(tmpAligned, result.AlignedFile); err != nil {
		os.Remove(tmpUnaligned)
		return result, err
	}
	if err = os.Rename(tmpUnaligned, result.UnalignedFile); err != nil {
		return result, err
	}
	return result, nil
}

// keeps the suffix, so xopen still compresses .gz files
func tmpFile(file string) string {
	return filepath.Join(filepath.Dir(file), ".tmp."+filepath.Base(file))
}

func isBam(b *bufio.Reader) bool {
	m, err := b.Peek(2)
	if err != nil {
		return false
	}
	return m[0] == 0x1f && m[1] == 0x8b
}

func isMapped(template []*sam.Record) bool {
	for _, rec := range template {
		if rec.Flags&sam.Unmapped == 0 {
			return true
		}
	}
	return false
}

func writeFastq(outfh *xopen.Writer, rec *sam.Record) error {
	name := rec.Name
	if rec.Flags&sam.Paired != 0 {
		if rec.Flags&sam.Read1 != 0 {
			name += "/1"
		} else if rec.Flags&sam.Read2 != 0 {
			name += "/2"
		}
	}

	s := rec.Seq.Expand()
	q := make([]byte, len(rec.Qual))
	for i, v := range rec.Qual {
		if v == 0xff { // missing
			q[i] = 'I'
		} else {
			q[i] = v + 33
		}
	}
	if len(q) != len(s) {
		q = make([]byte, len(s))
		for i := range q {
			q[i] = 'I'
		}
	}

	record, err := fastx.NewRecordWithQual(seq.DNAredundant, []byte(name), []byte(name), nil, s, q)
	if err != nil {
		return errors.Wrapf(err, "read: %s", name)
	}
	// restore the original orientation of reads mapped to the reverse strand
	if rec.Flags&sam.Reverse != 0 && rec.Flags&sam.Unmapped == 0 {
		record.Seq.RevComInplace()
	}
	record.FormatToWriter(outfh, 0)
	return nil
}
