// Ageingpanel: Ageing Panel Stroke and Psychosis Pipeline
// Copyright (c) 2022 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/ptra/blob/master/LICENSE.txt>.

package wave

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// NofWaves is the number of study waves.
const NofWaves = 9

var (
	ErrMissingField = errors.New("missing raw field")
	ErrUnknownCode  = errors.New("code outside codebook")
	ErrCodebook     = errors.New("invalid codebook")
)

//go:embed codebook.yaml
var defaultCodebook []byte

// Scale maps raw integer codes onto ordinal labels.
type Scale map[int]string

// OutcomeSpec describes the participation outcome codes of a wave. Field is empty for waves whose outcome is recorded
// in the index table.
type OutcomeSpec struct {
	Field      string `yaml:"field"`
	Known      []int  `yaml:"known"`
	Productive []int  `yaml:"productive"`
}

// StrokeSpec names the medical condition slots and the stroke detail fields of a wave. Age, Year and Count may be
// empty when the wave did not ask for them.
type StrokeSpec struct {
	Slots    []string `yaml:"slots"`
	Code     int      `yaml:"code"`
	MaxCode  int      `yaml:"maxCode"`
	NoneCode int      `yaml:"noneCode"`
	Age      string   `yaml:"age"`
	Year     string   `yaml:"year"`
	Count    string   `yaml:"count"`
}

// PsychSpec describes the psychiatric condition questions of a wave: either generic slots holding condition codes, or
// one named yes/no field per condition.
type PsychSpec struct {
	Slots         []string          `yaml:"slots"`
	MaxCode       int               `yaml:"maxCode"`
	NoneCode      int               `yaml:"noneCode"`
	Halluc        int               `yaml:"halluc"`
	Anxiety       int               `yaml:"anxiety"`
	Depression    int               `yaml:"depression"`
	Schizophrenia int               `yaml:"schizophrenia"`
	Psychosis     int               `yaml:"psychosis"`
	Named         map[string]string `yaml:"named"` //condition -> raw field
}

// RegionSpec names the region field of a wave. BlankIDs lists the participants whose region is known to hold only
// whitespace.
type RegionSpec struct {
	Field    string  `yaml:"field"`
	Scheme   string  `yaml:"scheme"`
	BlankIDs []int64 `yaml:"blankIDs"`
}

type EthnicitySpec struct {
	Field    string `yaml:"field"`
	White    int    `yaml:"white"`
	NonWhite int    `yaml:"nonWhite"`
}

type SmokingSpec struct {
	Ever string `yaml:"ever"`
	Now  string `yaml:"now"`
}

type OrdinalSpec struct {
	Field string `yaml:"field"`
	Scale string `yaml:"scale"`
}

// WaveSpec is the codebook of one study wave.
type WaveSpec struct {
	Wave      int           `yaml:"wave"`
	Sentinels []int         `yaml:"sentinels"`
	Outcome   OutcomeSpec   `yaml:"outcome"`
	Stroke    StrokeSpec    `yaml:"stroke"`
	Psych     PsychSpec     `yaml:"psych"`
	Region    RegionSpec    `yaml:"region"`
	Ethnicity EthnicitySpec `yaml:"ethnicity"`
	Smoking   SmokingSpec   `yaml:"smoking"`
	Alcohol   OrdinalSpec   `yaml:"alcohol"`
	Activity  OrdinalSpec   `yaml:"activity"`
	Age       string        `yaml:"age"`
	Sex       string        `yaml:"sex"`
	BirthYear string        `yaml:"birthYear"`
}

// IndexSpec describes the participant index table: outcome codes of the early waves and the mortality code.
type IndexSpec struct {
	Sentinels     []int          `yaml:"sentinels"`
	OutcomeFields map[int]string `yaml:"outcomeFields"`
	DeathField    string         `yaml:"deathField"`
	DeathWaves    map[int]int    `yaml:"deathWaves"`
	AliveCodes    []int          `yaml:"aliveCodes"` //mortality codes of participants alive or of unknown status

}

// PreStudySpec describes one pre-study health survey table. Stroke is a yes(1)/no(2) field; Psych maps derived
// condition names onto yes/no fields.
type PreStudySpec struct {
	Name      string            `yaml:"name"`
	Sentinels []int             `yaml:"sentinels"`
	Stroke    string            `yaml:"stroke"`
	StrokeAge string            `yaml:"strokeAge"`
	Psych     map[string]string `yaml:"psych"`
}

// FinancialSpec describes the wealth tables. Sentinels apply to the quintile; SumSentinels are the missing-value codes
// of the wealth sum, where small negative amounts are real values.
type FinancialSpec struct {
	Sum          string `yaml:"sum"`
	Quintile     string `yaml:"quintile"`
	Sentinels    []int  `yaml:"sentinels"`
	SumSentinels []int  `yaml:"sumSentinels"`
}

// Codebook holds every per-wave recoding rule of the panel.
type Codebook struct {
	Scales          map[string]Scale             `yaml:"scales"`
	AlcoholBaseline map[string]string            `yaml:"alcoholBaseline"`
	RegionSchemes   map[string]map[string]string `yaml:"regionSchemes"`
	Index           IndexSpec                    `yaml:"index"`
	PreStudy        []PreStudySpec               `yaml:"preStudy"`
	Financial       FinancialSpec                `yaml:"financial"`
	Waves           []WaveSpec                   `yaml:"waves"`
}

// DefaultCodebook returns the built-in codebook.
func DefaultCodebook() (*Codebook, error) {
	return ParseCodebook(defaultCodebook)
}

// LoadCodebook reads a codebook from a YAML file. An empty file name selects the built-in codebook.
func LoadCodebook(fileName string) (*Codebook, error) {
	if fileName == "" {
		return DefaultCodebook()
	}
	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	return ParseCodebook(data)
}

// ParseCodebook decodes and validates a YAML codebook.
func ParseCodebook(data []byte) (*Codebook, error) {
	cb := &Codebook{}
	if err := yaml.Unmarshal(data, cb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodebook, err)
	}
	if err := cb.validate(); err != nil {
		return nil, err
	}
	return cb, nil
}

func (cb *Codebook) validate() error {
	if len(cb.Waves) != NofWaves {
		return fmt.Errorf("%w: %d waves, expected %d", ErrCodebook, len(cb.Waves), NofWaves)
	}
	for i := range cb.Waves {
		spec := &cb.Waves[i]
		if spec.Wave != i+1 {
			return fmt.Errorf("%w: wave %d listed at position %d", ErrCodebook, spec.Wave, i+1)
		}
		for _, scale := range []string{spec.Alcohol.Scale, spec.Activity.Scale} {
			if _, ok := cb.Scales[scale]; !ok {
				return fmt.Errorf("%w: wave %d: unknown scale %q", ErrCodebook, spec.Wave, scale)
			}
		}
		for _, label := range cb.Scales[spec.Alcohol.Scale] {
			if _, ok := cb.AlcoholBaseline[label]; !ok {
				return fmt.Errorf("%w: wave %d: alcohol label %q has no baseline category", ErrCodebook, spec.Wave, label)
			}
		}
		if _, ok := cb.RegionSchemes[spec.Region.Scheme]; !ok {
			return fmt.Errorf("%w: wave %d: unknown region scheme %q", ErrCodebook, spec.Wave, spec.Region.Scheme)
		}
		_, indexed := cb.Index.OutcomeFields[spec.Wave]
		if indexed == (spec.Outcome.Field != "") {
			return fmt.Errorf("%w: wave %d: outcome must come from exactly one of the index and the wave table", ErrCodebook, spec.Wave)
		}
	}
	return nil
}

// Wave returns the codebook of wave k, 1-based.
func (cb *Codebook) Wave(k int) *WaveSpec {
	return &cb.Waves[k-1]
}

// StringFields returns the raw fields that hold text rather than numeric codes.
func (cb *Codebook) StringFields() []string {
	fields := []string{}
	for _, spec := range cb.Waves {
		fields = append(fields, spec.Region.Field)
	}
	return fields
}

// PreStudyNames returns the names of the pre-study tables, in codebook order.
func (cb *Codebook) PreStudyNames() []string {
	names := make([]string, len(cb.PreStudy))
	for i, p := range cb.PreStudy {
		names[i] = p.Name
	}
	return names
}

// IsProductive reports whether a participation outcome code counts as an interview in wave k.
func (cb *Codebook) IsProductive(k int, code int) bool {
	for _, c := range cb.Wave(k).Outcome.Productive {
		if c == code {
			return true
		}
	}
	return false
}
