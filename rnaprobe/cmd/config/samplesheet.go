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

package config

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/shenwei356/util/pathutil"
	"github.com/shenwei356/xopen"
)

// SampleRecord describes one sample of the experiment.
type SampleRecord struct {
	ID        string
	ReadFiles []string // fastq1 [, fastq2]; two files mean paired-end reads
	Condition string
	Metadata  map[string]string
}

// Paired tells whether the sample has paired-end reads.
func (s SampleRecord) Paired() bool {
	return len(s.ReadFiles) == 2
}

const (
	colSampleID  = "sample_id"
	colCondition = "condition"
)

// columns like fastq1, fastq_2, read1, reads
var reReadColumn = regexp.MustCompile(`^(fastq|reads?)_?\d*$`)

// sample IDs become directory names
var reSampleID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// LoadSamplesheet reads a samplesheet with one header row and one row per
// sample. Fields are separated by tabs, or by commas for .csv files, and
// gzipped files are supported.
//
// Relative read-file paths are resolved against the directory of the
// samplesheet. All referenced read files must exist.
func LoadSamplesheet(file string) ([]SampleRecord, error) {
	fh, err := xopen.Ropen(file)
	if err != nil {
		return nil, newConfigError(file, 0, "fail to read samplesheet: %s", err)
	}
	defer fh.Close()

	sep := "\t"
	name := strings.TrimSuffix(strings.ToLower(file), ".gz")
	if strings.HasSuffix(name, ".csv") {
		sep = ","
	}
	baseDir := filepath.Dir(file)

	var header []string
	var idxID, idxCond int
	var idxReads []int

	samples := make([]SampleRecord, 0, 8)
	seen := make(map[string]int, 8)

	var line string
	var lineNum int
	for {
		line, err = fh.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, newConfigError(file, lineNum, "fail to read samplesheet: %s", err)
		}
		eof := err == io.EOF
		lineNum++

		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" || line[0] == '#' {
			if eof {
				break
			}
			continue
		}

		items := strings.Split(line, sep)
		for i := range items {
			items[i] = strings.TrimSpace(items[i])
		}

		if header == nil {
			header = items
			idxID, idxCond, idxReads, err = parseSamplesheetHeader(header)
			if err != nil {
				return nil, newConfigError(file, lineNum, "%s", err)
			}
			if eof {
				break
			}
			continue
		}

		if len(items) != len(header) {
			return nil, newConfigError(file, lineNum, "%d columns found, %d expected", len(items), len(header))
		}

		s := SampleRecord{
			ID:        items[idxID],
			Condition: items[idxCond],
			Metadata:  make(map[string]string),
		}
		if s.ID == "" {
			return nil, newConfigError(file, lineNum, "empty %s", colSampleID)
		}
		if !reSampleID.MatchString(s.ID) {
			return nil, newConfigError(file, lineNum, "invalid %s: %q, only letters, digits, '.', '_' and '-' are allowed", colSampleID, s.ID)
		}
		if prev, ok := seen[s.ID]; ok {
			return nil, newConfigError(file, lineNum, "duplicated %s: %s (first seen in line %d)", colSampleID, s.ID, prev)
		}
		seen[s.ID] = lineNum

		if s.Condition == "" {
			return nil, newConfigError(file, lineNum, "empty %s for sample: %s", colCondition, s.ID)
		}

		for _, i := range idxReads {
			if items[i] == "" {
				continue
			}
			path, err := resolvePath(baseDir, items[i])
			if err != nil {
				return nil, newConfigError(file, lineNum, "%s", err)
			}
			if err = checkRegularFile(path); err != nil {
				return nil, newConfigError(file, lineNum, "sample %s: %s", s.ID, err)
			}
			s.ReadFiles = append(s.ReadFiles, path)
		}
		if len(s.ReadFiles) == 0 {
			return nil, newConfigError(file, lineNum, "no read file given for sample: %s", s.ID)
		}
		if len(s.ReadFiles) > 2 {
			return nil, newConfigError(file, lineNum, "at most 2 read files (paired-end) are supported, %d given for sample: %s", len(s.ReadFiles), s.ID)
		}

		for i, col := range header {
			if i == idxID || i == idxCond || isIn(i, idxReads) {
				continue
			}
			s.Metadata[col] = items[i]
		}

		samples = append(samples, s)

		if eof {
			break
		}
	}

	if header == nil {
		return nil, newConfigError(file, 0, "no header row found")
	}
	if len(samples) == 0 {
		return nil, newConfigError(file, 0, "no samples found")
	}
	return samples, nil
}

func parseSamplesheetHeader(header []string) (idxID, idxCond int, idxReads []int, err error) {
	idxID, idxCond = -1, -1
	cols := make(map[string]struct{}, len(header))
	for i, col := range header {
		col = strings.ToLower(col)
		header[i] = col
		if _, ok := cols[col]; ok {
			return 0, 0, nil, errors.Errorf("duplicated column: %s", col)
		}
		cols[col] = struct{}{}

		switch {
		case col == colSampleID:
			idxID = i
		case col == colCondition:
			idxCond = i
		case reReadColumn.MatchString(col):
			idxReads = append(idxReads, i)
		}
	}

	var missing []string
	if idxID < 0 {
		missing = append(missing, colSampleID)
	}
	if idxCond < 0 {
		missing = append(missing, colCondition)
	}
	if len(idxReads) == 0 {
		missing = append(missing, "fastq1")
	}
	if len(missing) > 0 {
		return 0, 0, nil, errors.Errorf("required column(s) missing: %s", strings.Join(missing, ", "))
	}
	return idxID, idxCond, idxReads, nil
}

func isIn(i int, list []int) bool {
	for _, j := range list {
		if i == j {
			return true
		}
	}
	return false
}

// resolvePath expands "~" and makes relative paths relative to baseDir.
func resolvePath(baseDir, path string) (string, error) {
	p, err := homedir.Expand(path)
	if err != nil {
		return "", errors.Wrap(err, path)
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(baseDir, p)
	}
	return filepath.Clean(p), nil
}

func checkRegularFile(path string) error {
	existed, err := pathutil.Exists(path)
	if err != nil {
		return errors.Wrap(err, path)
	}
	if !existed {
		return errors.Errorf("file not found: %s", path)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(err, path)
	}
	if fi.IsDir() {
		return errors.Errorf("directory given, file expected: %s", path)
	}
	return nil
}
