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

// Package pipeline drives samples through the stages of a run. Every
// sample has its own state, recorded in a manifest in its output
// directory, so that a failed sample never blocks others and a re-run
// resumes from the last recorded stage.
package pipeline

import (
	"fmt"
	"strings"
)

// Stage is a step of the per-sample state machine.
type Stage int

// stages in their strict order
const (
	Configured Stage = iota
	Aligned
	Split
	ProbeReady
	Parsed
	Aggregated
	Reported
)

var stageNames = []string{
	"CONFIGURED",
	"ALIGNED",
	"SPLIT",
	"PROBE_READY",
	"PARSED",
	"AGGREGATED",
	"REPORTED",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

// ParseStage parses a stage name, case-insensitive.
func ParseStage(name string) (Stage, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for i, s := range stageNames {
		if s == name {
			return Stage(i), nil
		}
	}
	return Configured, fmt.Errorf("invalid stage: %s", name)
}

// MarshalYAML implements yaml.Marshaler.
func (s Stage) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Stage) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	stage, err := ParseStage(name)
	if err != nil {
		return err
	}
	*s = stage
	return nil
}

// Mode is what a run does.
type Mode int

const (
	// ModeAlign aligns reads and splits them, then counts reads of genes
	// and optionally runs the differential-expression analysis.
	ModeAlign Mode = iota
	// ModeProbe searches unaligned reads of probe-eligible samples and
	// reports their taxonomic composition.
	ModeProbe
)

func (m Mode) String() string {
	if m == ModeProbe {
		return "probe"
	}
	return "align"
}

// Target is the last stage of the mode.
func (m Mode) Target() Stage {
	if m == ModeProbe {
		return Reported
	}
	return Split
}
