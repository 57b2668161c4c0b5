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

package cohort

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"ageingpanel/table"
	"ageingpanel/wave"

	"go.uber.org/zap"
	"gopkg.in/guregu/null.v3"
	"gopkg.in/yaml.v3"
)

// Reasons recorded with a disputed event.
const (
	NeverHad            = "never_had"
	Misdiagnosed        = "misdiagnosed"
	NotPreviouslyHasNow = "not_previously_has_now"
	NeverSmoked         = "never_smoked"
	NoLongerHas         = "no_longer_has"
)

var ErrCorrection = errors.New("invalid correction")

//go:embed corrections.yaml
var defaultCorrections []byte

// applied tells per reason whether a correction is applied. It is unclear whether no longer having a condition means
// it resolved or was never there, so those reports are left as recorded.
var applied = map[string]bool{
	NeverHad:            true,
	Misdiagnosed:        true,
	NotPreviouslyHasNow: true,
	NeverSmoked:         true,
	NoLongerHas:         false,
}

// dependents are the fields cleared when a correction overrides a field.
var dependents = map[string][]string{
	"stroke": {"strokeage", "strokeyear", "strokecount"},
}

// Correction overrides one normalized field of one participant at one wave.
type Correction struct {
	ID     int64   `yaml:"id"`
	Wave   int     `yaml:"wave"`
	Field  string  `yaml:"field"`
	Value  float64 `yaml:"value"`
	Reason string  `yaml:"reason"`
}

// CorrectionReport counts what happened to the corrections of one application.
type CorrectionReport struct {
	Applied int `yaml:"applied"`
	Ignored int `yaml:"ignored"` //reason is never applied
	Absent  int `yaml:"absent"`  //participant not in the table
}

// DefaultCorrections returns the built-in correction list.
func DefaultCorrections() ([]Correction, error) {
	return ParseCorrections(defaultCorrections)
}

// LoadCorrections reads a correction list from a YAML file. An empty file name selects the built-in list.
func LoadCorrections(fileName string) ([]Correction, error) {
	if fileName == "" {
		return DefaultCorrections()
	}
	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	return ParseCorrections(data)
}

// ParseCorrections decodes and checks a YAML correction list.
func ParseCorrections(data []byte) ([]Correction, error) {
	var corrections []Correction
	if err := yaml.Unmarshal(data, &corrections); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrection, err)
	}
	for _, c := range corrections {
		if _, ok := applied[c.Reason]; !ok {
			return nil, fmt.Errorf("%w: participant %d wave %d: unknown reason %q", ErrCorrection, c.ID, c.Wave, c.Reason)
		}
		if c.Wave < 1 || c.Wave > wave.NofWaves {
			return nil, fmt.Errorf("%w: participant %d: wave %d", ErrCorrection, c.ID, c.Wave)
		}
	}
	return corrections, nil
}

// ApplyCorrections returns a copy of the merged table with the corrections applied. Applying the same list to its own
// output changes nothing.
func ApplyCorrections(t *table.Table, corrections []Correction, logger *zap.Logger) (*table.Table, CorrectionReport, error) {
	result := t.Clone(t.Name)
	report := CorrectionReport{}
	for _, c := range corrections {
		log := logger.With(zap.Int64("id", c.ID), zap.Int("wave", c.Wave), zap.String("field", c.Field),
			zap.String("reason", c.Reason))
		if !applied[c.Reason] {
			report.Ignored++
			log.Warn("disputed event left as reported")
			continue
		}
		row, ok := result.Row(c.ID)
		if !ok {
			report.Absent++
			log.Warn("disputed event for unknown participant")
			continue
		}
		if err := applyCorrection(result, row, c); err != nil {
			return nil, report, err
		}
		report.Applied++
	}
	return result, report, nil
}

func applyCorrection(t *table.Table, row int, c Correction) error {
	k := c.Wave
	if err := t.SetFloat(wave.Col(k, c.Field), row, null.FloatFrom(c.Value)); err != nil {
		return fmt.Errorf("%w: participant %d: %v", ErrCorrection, c.ID, err)
	}
	for _, dep := range dependents[c.Field] {
		if err := t.SetFloat(wave.Col(k, dep), row, null.Float{}); err != nil {
			return fmt.Errorf("%w: participant %d: %v", ErrCorrection, c.ID, err)
		}
	}
	if c.Field == "smokenow" {
		label := wave.SmokingLabel(t.Float(wave.Col(k, "smokeever"), row), t.Float(wave.Col(k, "smokenow"), row))
		if err := t.SetString(wave.Col(k, "smoking"), row, label); err != nil {
			return fmt.Errorf("%w: participant %d: %v", ErrCorrection, c.ID, err)
		}
	}
	return nil
}
