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
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/shenwei356/util/cliutil"
)

// TaxonLabeler derives a taxon label from a subject ID and its title.
type TaxonLabeler struct {
	names map[string]string
}

// NewTaxonLabeler creates a TaxonLabeler, optionally with tabular
// two-column files mapping subject IDs to taxon labels.
func NewTaxonLabeler(nameMapFiles ...string) (*TaxonLabeler, error) {
	l := &TaxonLabeler{names: make(map[string]string)}
	for _, file := range nameMapFiles {
		if file == "" {
			continue
		}
		m, err := cliutil.ReadKVs(file, false)
		if err != nil {
			return nil, errors.Wrap(err, file)
		}
		for k, v := range m {
			l.names[k] = v
		}
	}
	return l, nil
}

// NumNames returns the number of mapped subject IDs.
func (l *TaxonLabeler) NumNames() int {
	if l == nil {
		return 0
	}
	return len(l.names)
}

var reAccession = regexp.MustCompile(`^([A-Za-z]{1,6}_?[0-9]+(\.[0-9]+)?|gi\|.+|ref\|.+)$`)

// Label returns, in order of preference: the mapped name of the subject ID
// (also tried without the version suffix), "Genus species" from the
// subject title, or the subject ID itself.
func (l *TaxonLabeler) Label(subjectID, title string) string {
	if l != nil && len(l.names) > 0 {
		if name, ok := l.names[subjectID]; ok {
			return name
		}
		if i := strings.LastIndexByte(subjectID, '.'); i > 0 {
			if name, ok := l.names[subjectID[:i]]; ok {
				return name
			}
		}
	}

	if name := speciesFromTitle(subjectID, title); name != "" {
		return name
	}
	return subjectID
}

// "NR_003278.3 Mus musculus 18S ribosomal RNA" -> "Mus musculus"
// "PREDICTED: Homo sapiens uncharacterized LOC1" -> "Homo sapiens"
func speciesFromTitle(subjectID, title string) string {
	words := strings.Fields(title)
	if len(words) > 0 && (words[0] == subjectID || reAccession.MatchString(words[0])) {
		words = words[1:]
	}
	if len(words) > 0 && strings.HasSuffix(words[0], ":") {
		words = words[1:]
	}
	if len(words) == 0 {
		return ""
	}

	genus := strings.Trim(words[0], ",;[]")
	if genus == "" {
		return ""
	}
	if len(words) == 1 {
		return genus
	}
	species := strings.Trim(words[1], ",;[]")
	if species == "" {
		return genus
	}
	return genus + " " + species
}
