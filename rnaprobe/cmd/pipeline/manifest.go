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

package pipeline

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/shenwei356/util/pathutil"
	"github.com/zeebo/xxh3"
	"gopkg.in/yaml.v2"

	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/split"
)

// ManifestFile is the name of the manifest in a sample directory.
const ManifestFile = "manifest.yaml"

// Artifact is an output file of a stage. Path is relative to the sample
// directory when the file lies in it.
type Artifact struct {
	Path     string `yaml:"path"`
	Size     int64  `yaml:"size"`
	Checksum string `yaml:"xxh3"`
}

// StageRecord tells a stage was completed, with its artifacts.
type StageRecord struct {
	Stage     Stage      `yaml:"stage"`
	RunID     string     `yaml:"run_id"`
	Time      time.Time  `yaml:"time"`
	Artifacts []Artifact `yaml:"artifacts"`
}

// Failure is the stage where a sample failed, and why.
type Failure struct {
	Stage  Stage  `yaml:"stage"`
	Reason string `yaml:"reason"`
	RunID  string `yaml:"run_id"`
}

// Manifest is the recorded state of one sample.
type Manifest struct {
	SampleID string        `yaml:"sample_id"`
	RunID    string        `yaml:"run_id"`
	Stage    Stage         `yaml:"stage"`
	Stages   []StageRecord `yaml:"stages"`

	Alignment    *split.AlignmentOutput `yaml:"alignment,omitempty"`
	Split        *split.Result          `yaml:"split,omitempty"`
	Eligible     *bool                  `yaml:"probe_eligible,omitempty"`
	Probed       int                    `yaml:"probed_reads,omitempty"`
	SkippedLines int                    `yaml:"skipped_lines,omitempty"`

	Failure *Failure `yaml:"failure,omitempty"`

	dir string
}

// LoadManifest reads the manifest of a sample directory. A missing
// manifest gives an empty one, at stage CONFIGURED.
func LoadManifest(dir, sampleID string) (*Manifest, error) {
	m := &Manifest{SampleID: sampleID, Stage: Configured, dir: dir}

	file := filepath.Join(dir, ManifestFile)
	existed, err := pathutil.Exists(file)
	if err != nil {
		return nil, errors.Wrap(err, file)
	}
	if !existed {
		return m, nil
	}

	data, err := ioutil.ReadFile(file)
	if err != nil {
		return nil, errors.Wrap(err, file)
	}
	if err = yaml.Unmarshal(data, m); err != nil {
		return nil, errors.Wrapf(err, "fail to unmarshal manifest: %s", file)
	}
	if m.SampleID != sampleID {
		return nil, fmt.Errorf("manifest of sample %s found in the directory of sample %s: %s", m.SampleID, sampleID, file)
	}
	m.dir = dir
	return m, nil
}

// Save writes the manifest atomically.
func (m *Manifest) Save() error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return errors.Wrapf(err, "fail to marshal manifest of sample %s", m.SampleID)
	}

	file := filepath.Join(m.dir, ManifestFile)
	tmp := filepath.Join(m.dir, ".tmp."+ManifestFile)
	if err = ioutil.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, tmp)
	}
	return os.Rename(tmp, file)
}

// Record marks a stage as completed with its artifacts. Records of later
// stages are dropped as they were built from older outputs.
func (m *Manifest) Record(stage Stage, runID string, files ...string) error {
	rec := StageRecord{Stage: stage, RunID: runID, Time: time.Now().Round(time.Second),
		Artifacts: make([]Artifact, 0, len(files))}
	for _, file := range files {
		size, sum, err := checksum(file)
		if err != nil {
			return err
		}
		rec.Artifacts = append(rec.Artifacts, Artifact{Path: m.relPath(file), Size: size, Checksum: sum})
	}

	stages := make([]StageRecord, 0, len(m.Stages)+1)
	for _, r := range m.Stages {
		if r.Stage < stage {
			stages = append(stages, r)
		}
	}
	m.Stages = append(stages, rec)
	m.Stage = stage
	m.Failure = nil
	return nil
}

// Fail records a failure.
func (m *Manifest) Fail(stage Stage, runID string, reason string) {
	m.Failure = &Failure{Stage: stage, Reason: reason, RunID: runID}
}

// Get returns the record of a stage.
func (m *Manifest) Get(stage Stage) (StageRecord, bool) {
	for _, r := range m.Stages {
		if r.Stage == stage {
			return r, true
		}
	}
	return StageRecord{}, false
}

// Valid tells whether a stage was completed and all its artifacts are
// still there, unchanged.
func (m *Manifest) Valid(stage Stage) bool {
	if stage == Configured {
		return true
	}
	rec, ok := m.Get(stage)
	if !ok {
		return false
	}
	for _, a := range rec.Artifacts {
		size, sum, err := checksum(m.absPath(a.Path))
		if err != nil || size != a.Size || sum != a.Checksum {
			return false
		}
	}
	return true
}

func (m *Manifest) relPath(file string) string {
	rel, err := filepath.Rel(m.dir, file)
	if err != nil || filepath.IsAbs(rel) || len(rel) >= 2 && rel[:2] == ".." {
		return file
	}
	return rel
}

func (m *Manifest) absPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(m.dir, path)
}

func checksum(file string) (int64, string, error) {
	fh, err := os.Open(file)
	if err != nil {
		return 0, "", errors.Wrap(err, file)
	}
	defer fh.Close()

	h := xxh3.New()
	n, err := io.Copy(h, fh)
	if err != nil {
		return 0, "", errors.Wrap(err, file)
	}
	return n, fmt.Sprintf("%016x", h.Sum64()), nil
}
