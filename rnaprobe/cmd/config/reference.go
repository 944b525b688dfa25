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
	"fmt"
	"io/ioutil"
	"math"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/shenwei356/util/pathutil"
	"gopkg.in/yaml.v2"
)

// default values of the thresholds
const (
	DefaultUnmappedRateThreshold = 0.6
	DefaultMinIdentity           = 90.0
	DefaultMaxEvalue             = 1e-5
	DefaultDominantTaxonFraction = 0.5
)

// ReferenceConfig holds the reference genome, annotation, search database
// and the thresholds of a run.
type ReferenceConfig struct {
	Organism           string
	GenomePath         string
	AnnotationPath     string
	SearchDatabasePath string
	StarIndex          string // aligner index directory, GenomePath if not given

	UnmappedRateThreshold float64 // (0, 1)
	MinIdentity           float64 // percent, [0, 100]
	MaxEvalue             float64
	MinQueryCoverage      float64 // percent, 0 for no filter
	DominantTaxonFraction float64 // (0, 1]

	HostTaxa []string // extra taxon labels treated as host-like
	NameMap  string   // optional two-column file mapping subject IDs to taxon labels

	file string
}

type referenceConfigYAML struct {
	Organism           string   `yaml:"organism"`
	GenomePath         string   `yaml:"genome_path"`
	AnnotationPath     string   `yaml:"annotation_path"`
	SearchDatabasePath string   `yaml:"search_database_path"`
	StarIndex          string   `yaml:"star_index"`
	HostTaxa           []string `yaml:"host_taxa"`
	NameMap            string   `yaml:"name_map"`

	UnmappedRateThreshold *float64 `yaml:"unmapped_rate_threshold"`
	MinIdentity           *float64 `yaml:"min_identity"`
	MaxEvalue             *float64 `yaml:"max_evalue"`
	MinQueryCoverage      *float64 `yaml:"min_query_coverage"`
	DominantTaxonFraction *float64 `yaml:"dominant_taxon_fraction"`
}

// LoadReference reads a YAML reference configuration. Relative paths are
// resolved against the directory of the configuration file, absent
// thresholds take default values.
func LoadReference(file string) (ReferenceConfig, error) {
	var ref ReferenceConfig

	data, err := ioutil.ReadFile(file)
	if err != nil {
		return ref, newConfigError(file, 0, "fail to read reference config: %s", err)
	}

	var raw referenceConfigYAML
	if err = yaml.Unmarshal(data, &raw); err != nil {
		return ref, newConfigError(file, 0, "fail to parse reference config: %s", err)
	}

	var missing []string
	for _, kv := range [][2]string{
		{"organism", raw.Organism},
		{"genome_path", raw.GenomePath},
		{"annotation_path", raw.AnnotationPath},
		{"search_database_path", raw.SearchDatabasePath},
	} {
		if strings.TrimSpace(kv[1]) == "" {
			missing = append(missing, kv[0])
		}
	}
	if len(missing) > 0 {
		return ref, newConfigError(file, 0, "required key(s) missing: %s", strings.Join(missing, ", "))
	}

	baseDir := filepath.Dir(file)
	ref = ReferenceConfig{
		Organism: strings.TrimSpace(raw.Organism),
		HostTaxa: raw.HostTaxa,

		UnmappedRateThreshold: floatOr(raw.UnmappedRateThreshold, DefaultUnmappedRateThreshold),
		MinIdentity:           floatOr(raw.MinIdentity, DefaultMinIdentity),
		MaxEvalue:             floatOr(raw.MaxEvalue, DefaultMaxEvalue),
		MinQueryCoverage:      floatOr(raw.MinQueryCoverage, 0),
		DominantTaxonFraction: floatOr(raw.DominantTaxonFraction, DefaultDominantTaxonFraction),

		file: file,
	}

	paths := []struct {
		key string
		in  string
		out *string
	}{
		{"genome_path", raw.GenomePath, &ref.GenomePath},
		{"annotation_path", raw.AnnotationPath, &ref.AnnotationPath},
		{"search_database_path", raw.SearchDatabasePath, &ref.SearchDatabasePath},
		{"star_index", raw.StarIndex, &ref.StarIndex},
		{"name_map", raw.NameMap, &ref.NameMap},
	}
	for _, p := range paths {
		if p.in == "" {
			continue
		}
		*p.out, err = resolvePath(baseDir, p.in)
		if err != nil {
			return ref, newConfigError(file, 0, "%s: %s", p.key, err)
		}
	}
	if ref.StarIndex == "" {
		ref.StarIndex = ref.GenomePath
	}

	if err = ref.Validate(); err != nil {
		return ref, err
	}
	return ref, nil
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// Validate checks the thresholds and that all configured paths resolve.
// It is called again after command-line overrides are applied.
func (r ReferenceConfig) Validate() error {
	file := r.file
	if file == "" {
		file = "reference config"
	}

	for _, kv := range []struct {
		key string
		v   float64
	}{
		{"unmapped_rate_threshold", r.UnmappedRateThreshold},
		{"min_identity", r.MinIdentity},
		{"max_evalue", r.MaxEvalue},
		{"min_query_coverage", r.MinQueryCoverage},
		{"dominant_taxon_fraction", r.DominantTaxonFraction},
	} {
		if math.IsNaN(kv.v) {
			return newConfigError(file, 0, "%s should be a number: %v", kv.key, kv.v)
		}
	}

	if !(r.UnmappedRateThreshold > 0 && r.UnmappedRateThreshold < 1) {
		return newConfigError(file, 0, "unmapped_rate_threshold should be in range of (0, 1): %v", r.UnmappedRateThreshold)
	}
	if r.MinIdentity < 0 || r.MinIdentity > 100 {
		return newConfigError(file, 0, "min_identity should be in range of [0, 100]: %v", r.MinIdentity)
	}
	if r.MaxEvalue < 0 {
		return newConfigError(file, 0, "max_evalue should be non-negative: %v", r.MaxEvalue)
	}
	if r.MinQueryCoverage < 0 || r.MinQueryCoverage > 100 {
		return newConfigError(file, 0, "min_query_coverage should be in range of [0, 100]: %v", r.MinQueryCoverage)
	}
	if !(r.DominantTaxonFraction > 0 && r.DominantTaxonFraction <= 1) {
		return newConfigError(file, 0, "dominant_taxon_fraction should be in range of (0, 1]: %v", r.DominantTaxonFraction)
	}

	for _, kv := range [][2]string{
		{"genome_path", r.GenomePath},
		{"annotation_path", r.AnnotationPath},
		{"star_index", r.StarIndex},
	} {
		existed, err := pathutil.Exists(kv[1])
		if err != nil {
			return newConfigError(file, 0, "%s: %s", kv[0], err)
		}
		if !existed {
			return newConfigError(file, 0, "%s not found: %s", kv[0], kv[1])
		}
	}
	if r.NameMap != "" {
		if err := checkRegularFile(r.NameMap); err != nil {
			return newConfigError(file, 0, "name_map: %s", err)
		}
	}

	ok, err := searchDatabaseExists(r.SearchDatabasePath)
	if err != nil {
		return newConfigError(file, 0, "search_database_path: %s", err)
	}
	if !ok {
		return newConfigError(file, 0, "search_database_path not found: %s", r.SearchDatabasePath)
	}
	return nil
}

// A BLAST database is a prefix of a group of files (db.nsq, db.nin, db.nal, ...).
func searchDatabaseExists(prefix string) (bool, error) {
	existed, err := pathutil.Exists(prefix)
	if err != nil || existed {
		return existed, err
	}
	matches, err := filepath.Glob(prefix + ".*")
	if err != nil {
		return false, errors.Wrap(err, prefix)
	}
	return len(matches) > 0, nil
}

// HostLabels returns the taxon labels regarded as the host organism: the
// organism key in "Genus species" form plus the configured host_taxa.
func (r ReferenceConfig) HostLabels() []string {
	labels := make([]string, 0, len(r.HostTaxa)+1)
	if name := OrganismName(r.Organism); name != "" {
		labels = append(labels, name)
	}
	return append(labels, r.HostTaxa...)
}

// IsHostTaxon tells whether a taxon label refers to the host organism.
func (r ReferenceConfig) IsHostTaxon(label string) bool {
	for _, h := range r.HostLabels() {
		if strings.EqualFold(h, label) {
			return true
		}
	}
	return false
}

// OrganismName turns an organism key like "mus_musculus" into "Mus musculus".
func OrganismName(key string) string {
	words := strings.Fields(strings.ReplaceAll(strings.TrimSpace(key), "_", " "))
	if len(words) == 0 {
		return ""
	}
	words[0] = strings.ToUpper(words[0][:1]) + strings.ToLower(words[0][1:])
	for i := 1; i < len(words); i++ {
		words[i] = strings.ToLower(words[i])
	}
	return strings.Join(words, " ")
}

func (r ReferenceConfig) String() string {
	return fmt.Sprintf("organism: %s, genome: %s, annotation: %s, search db: %s, unmapped-rate threshold: %v, min identity: %v, max e-value: %v, dominant taxon fraction: %v",
		r.Organism, r.GenomePath, r.AnnotationPath, r.SearchDatabasePath,
		r.UnmappedRateThreshold, r.MinIdentity, r.MaxEvalue, r.DominantTaxonFraction)
}
