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

package survival

import (
	"strconv"

	"ageingpanel/cohort"
	"ageingpanel/table"

	"go.uber.org/zap"
	"gopkg.in/guregu/null.v3"
)

// Years between two waves.
const yearsPerWave = 2

// Horizons are the follow-up horizons, in years, of the censored outcome flags.
var Horizons = []int{4, 10}

// Direction is one exposure/outcome analysis.
type Direction struct {
	Name     string
	Exposure cohort.Condition
	Outcome  cohort.Condition
}

var (
	StrokeAfterPsychosis = Direction{Name: "stroke_after_psychosis", Exposure: cohort.Psychosis, Outcome: cohort.Stroke}
	PsychosisAfterStroke = Direction{Name: "psychosis_after_stroke", Exposure: cohort.Stroke, Outcome: cohort.Psychosis}
)

// Directions lists both analyses.
var Directions = []Direction{StrokeAfterPsychosis, PsychosisAfterStroke}

// Covariates are the baseline columns carried from the master table into the survival tables.
var Covariates = []string{
	"netwealth_q5",
	"alcoholbaseline",
	"smokingbaseline",
	"vigorousactbaseline",
	"ageatfirstparticipate",
	"sex",
	"region",
	"ethnicity",
}

// CensoredColumn returns the name of the censored outcome flag of a condition at a horizon, e.g. strokeever_4.
func CensoredColumn(c cohort.Condition, horizon int) string {
	return c.String() + "ever_" + strconv.Itoa(horizon)
}

// CensoredColumns returns the censored outcome flags of a direction.
func (d Direction) CensoredColumns() []string {
	cols := make([]string, len(Horizons))
	for i, h := range Horizons {
		cols[i] = CensoredColumn(d.Outcome, h)
	}
	return cols
}

// FollowUp returns the follow-up time in waves, given the first and last wave of participation and the first-report
// waves of exposure and outcome, 0 meaning never reported. A pre-study outcome report starts follow-up at the
// pre-study wave.
func FollowUp(first, last, exposure, outcome float64) float64 {
	if outcome == cohort.PreStudyWave {
		first = cohort.PreStudyWave
	}
	switch {
	case exposure > 0 && outcome == 0:
		return last - exposure
	case outcome > 0 && exposure == 0:
		return outcome - first
	case exposure == 0 && outcome == 0:
		return last - first
	case outcome <= exposure:
		// the outcome did not follow the exposure
		return 0
	}
	return outcome - exposure
}

// Censor returns an outcome flag censored at a horizon: an outcome seen after more than horizon years counts as none.
func Censor(ever float64, fuptime float64, horizon int) float64 {
	if ever == 1 && fuptime > float64(horizon) {
		return 0
	}
	return ever
}

// Report counts the follow-up times that came out negative and were set to 0.
type Report struct {
	Direction string `yaml:"direction"`
	Rows      int    `yaml:"rows"`
	Clamped   int    `yaml:"clamped"`
	Events    int    `yaml:"events"`
}

// Build derives the survival table of a direction from the master table.
func Build(master *table.Table, d Direction, logger *zap.Logger) (*table.Table, Report, error) {
	exposureEver, outcomeEver := d.Exposure.String()+"ever", d.Outcome.String()+"ever"
	exposureFirst, outcomeFirst := "wavefirstreport_"+d.Exposure.String(), "wavefirstreport_"+d.Outcome.String()
	required := append([]string{"wavefirstparticipate", "wavelastparticipate", exposureEver, outcomeEver,
		exposureFirst, outcomeFirst}, Covariates...)
	report := Report{Direction: d.Name, Rows: master.Len()}
	if err := master.Require(required...); err != nil {
		return nil, report, err
	}
	result, err := master.Select(d.Name, append([]string{"strokeever", "psychosisever"}, Covariates...)...)
	if err != nil {
		return nil, report, err
	}
	censored := make([]*table.Column, len(Horizons))
	for i, name := range d.CensoredColumns() {
		if censored[i], err = result.AddFloat(name); err != nil {
			return nil, report, err
		}
	}
	fuptime, err := result.AddFloat("fuptime")
	if err != nil {
		return nil, report, err
	}
	for row := range master.IDs {
		waves := FollowUp(master.Float("wavefirstparticipate", row).Float64, master.Float("wavelastparticipate", row).Float64,
			master.Float(exposureFirst, row).Float64, master.Float(outcomeFirst, row).Float64)
		years := waves * yearsPerWave
		if years < 0 {
			report.Clamped++
			logger.Debug("negative follow-up time set to 0", zap.String("direction", d.Name),
				zap.Int64("id", master.ID(row)), zap.Float64("fuptime", years))
			years = 0
		}
		fuptime.Floats[row] = null.FloatFrom(years)
		ever := master.Float(outcomeEver, row).Float64
		if ever == 1 {
			report.Events++
		}
		for i, h := range Horizons {
			censored[i].Floats[row] = null.FloatFrom(Censor(ever, years, h))
		}
	}
	if report.Clamped > 0 {
		logger.Warn("negative follow-up times set to 0", zap.String("direction", d.Name), zap.Int("clamped", report.Clamped))
	}
	logger.Info("built survival table", zap.String("direction", d.Name), zap.Int("rows", report.Rows),
		zap.Int("events", report.Events))
	return result, report, nil
}

// BuildAll builds the survival tables of all directions and gives each table the censored outcome flags of the other
// directions.
func BuildAll(master *table.Table, logger *zap.Logger) (map[string]*table.Table, []Report, error) {
	built := make([]*table.Table, len(Directions))
	reports := make([]Report, len(Directions))
	for i, d := range Directions {
		var err error
		if built[i], reports[i], err = Build(master, d, logger); err != nil {
			return nil, nil, err
		}
	}
	result := map[string]*table.Table{}
	for i, d := range Directions {
		merged := built[i]
		for j, other := range Directions {
			if i == j {
				continue
			}
			flags, err := built[j].Select(other.Name+"flags", other.CensoredColumns()...)
			if err != nil {
				return nil, nil, err
			}
			if merged, err = table.OuterJoin(d.Name, merged, flags); err != nil {
				return nil, nil, err
			}
		}
		result[d.Name] = merged
	}
	return result, reports, nil
}
