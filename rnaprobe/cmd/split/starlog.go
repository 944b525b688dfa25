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

package split

import (
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/shenwei356/xopen"
)

const starInputReadsKey = "Number of input reads"

// ReadStarLog returns the number of input reads reported in a STAR
// Log.final.out file:
//
//	    Number of input reads |	1000
//	Average input read length |	150
func ReadStarLog(file string) (uint64, error) {
	fh, err := xopen.Ropen(file)
	if err != nil {
		return 0, errors.Wrap(err, file)
	}
	defer fh.Close()

	var line string
	for {
		line, err = fh.ReadString('\n')
		if err != nil && err != io.EOF {
			return 0, errors.Wrap(err, file)
		}

		i := strings.IndexByte(line, '|')
		if i > 0 && strings.TrimSpace(line[:i]) == starInputReadsKey {
			n, err := strconv.ParseUint(strings.TrimSpace(line[i+1:]), 10, 64)
			if err != nil {
				return 0, errors.Errorf("invalid number of input reads in %s: %s", file, strings.TrimSpace(line[i+1:]))
			}
			return n, nil
		}

		if err == io.EOF {
			break
		}
	}
	return 0, errors.Errorf("%q not found in %s", starInputReadsKey, file)
}
