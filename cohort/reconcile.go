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
	"fmt"

	"ageingpanel/table"
	"ageingpanel/wave"

	"go.uber.org/zap"
	"gopkg.in/guregu/null.v3"
)

// Report summarizes a reconciliation run.
type Report struct {
	Corrections CorrectionReport `yaml:"corrections"`
	Merged      int              `yaml:"merged"`
	Removed     int              `yaml:"removed"` //never interviewed
	Retained    int              `yaml:"retained"`
}

// baselineLabels are the time-varying text covariates taken from the wave of first participation.
var baselineLabels = []struct{ column, field string }{
	{"smokingbaseline", "smoking"},
	{"vigorousactbaseline", "vigorousact"},
	{"region", "region"},
}

// baselineNumbers are the time-varying numeric covariates taken from the wave of first participation.
var baselineNumbers = []struct{ column, field string }{
	{"netwealth_sum", "netwealth_sum"},
	{"netwealth_q5", "netwealth_q5"},
	{"ageatfirstparticipate", "age"},
}

// derived accumulates the derived columns of the master table.
type derived struct {
	t   *table.Table
	err error
}

func (d *derived) float(name string) *table.Column {
	if d.err != nil {
		return nil
	}
	var c *table.Column
	c, d.err = d.t.AddFloat(name)
	return c
}

func (d *derived) string(name string) *table.Column {
	if d.err != nil {
		return nil
	}
	var c *table.Column
	c, d.err = d.t.AddString(name)
	return c
}

// Reconcile applies the corrections to the merged table, removes participants that were never interviewed, and derives
// the per-participant attributes of the master table.
func Reconcile(merged *table.Table, cb *wave.Codebook, corrections []Correction, logger *zap.Logger) (*table.Table, *Report, error) {
	corrected, correctionReport, err := ApplyCorrections(merged, corrections, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("applied corrections", zap.Int("applied", correctionReport.Applied),
		zap.Int("ignored", correctionReport.Ignored), zap.Int("absent", correctionReport.Absent))

	participants := ParticipantsFromTable(corrected, cb)
	kept := ApplyParticipantFilters([]ParticipantFilter{ParticipatedFilter()}, participants)
	keep := make([]bool, corrected.Len())
	for _, p := range kept {
		keep[p.Row] = true
	}
	master := corrected.Filter("master", func(row int) bool { return keep[row] })
	report := &Report{
		Corrections: correctionReport,
		Merged:      merged.Len(),
		Removed:     merged.Len() - master.Len(),
		Retained:    master.Len(),
	}
	logger.Info("removed participants without interview", zap.Int("removed", report.Removed),
		zap.Int("retained", report.Retained))

	if err := derive(master, kept, cb); err != nil {
		return nil, nil, err
	}
	return master, report, nil
}

func derive(master *table.Table, participants []*Participant, cb *wave.Codebook) error {
	d := &derived{t: master}
	nparticipate := d.float("nparticipate")
	first := d.float("wavefirstparticipate")
	last := d.float("wavelastparticipate")
	firstReport := map[Condition]*table.Column{}
	ever := map[Condition]*table.Column{}
	for _, c := range Conditions {
		firstReport[c] = d.float("wavefirstreport_" + c.String())
	}
	for _, c := range Conditions {
		ever[c] = d.float(c.String() + "ever")
	}
	order := d.string("strokepsychosisorder")
	ethnicitySum := d.float("ethnicitysum")
	ethnicity := d.string("ethnicity")
	alcohol := d.string("alcoholbaseline")
	labels := make([]*table.Column, len(baselineLabels))
	for i, b := range baselineLabels {
		labels[i] = d.string(b.column)
	}
	numbers := make([]*table.Column, len(baselineNumbers))
	for i, b := range baselineNumbers {
		numbers[i] = d.float(b.column)
	}
	sex := d.float("sex")
	strokeAgeMin := d.float("strokeage_min")
	ageStroke := d.float("agefirstreport_stroke")
	agePsychosis := d.float("agefirstreport_psychosis")
	if d.err != nil {
		return d.err
	}

	// participants are in master row order
	for row, p := range participants {
		if p.ID != master.ID(row) {
			return fmt.Errorf("participant %d out of order at row %d of %s", p.ID, row, master.Name)
		}
		fw := FirstParticipation(p)
		nparticipate.Floats[row] = null.FloatFrom(float64(len(p.Productive)))
		first.Floats[row] = null.FloatFrom(float64(fw))
		last.Floats[row] = null.FloatFrom(float64(LastParticipation(p)))
		for _, c := range Conditions {
			firstReport[c].Floats[row] = null.FloatFrom(FirstReport(p, c))
			ever[c].Floats[row] = null.FloatFrom(boolFloat(Ever(p, c)))
		}
		order.Strings[row] = null.StringFrom(StrokePsychosisOrder(float64(fw), FirstReport(p, Stroke),
			FirstReport(p, Psychosis), master.Float("wavefirstreport_death", row)))

		reports := make([]null.String, wave.NofWaves)
		for k := 1; k <= wave.NofWaves; k++ {
			reports[k-1] = master.String(wave.Col(k, "ethnicity"), row)
		}
		sum, label := EthnicityConsensus(reports)
		ethnicitySum.Floats[row] = null.FloatFrom(float64(sum))
		ethnicity.Strings[row] = null.StringFrom(label)

		if fw > 0 {
			if a := master.String(wave.Col(fw, "alcohol"), row); a.Valid {
				harmonized, ok := cb.AlcoholBaseline[a.String]
				if !ok {
					return fmt.Errorf("participant %d: alcohol label %q: %w", p.ID, a.String, wave.ErrUnknownCode)
				}
				alcohol.Strings[row] = null.StringFrom(harmonized)
			}
			for i, b := range baselineLabels {
				labels[i].Strings[row] = master.String(wave.Col(fw, b.field), row)
			}
			for i, b := range baselineNumbers {
				numbers[i].Floats[row] = master.Float(wave.Col(fw, b.field), row)
			}
		}
		sex.Floats[row] = baselineSex(master, row, fw)
		strokeAgeMin.Floats[row] = minStrokeAge(master, row, cb)
		ageStroke.Floats[row] = ageAtWave(master, row, FirstReport(p, Stroke))
		agePsychosis.Floats[row] = ageAtWave(master, row, FirstReport(p, Psychosis))
	}
	return nil
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// baselineSex takes sex from the wave of first participation, else from the earliest wave that recorded it.
func baselineSex(t *table.Table, row, firstWave int) null.Float {
	if firstWave > 0 {
		if v := t.Float(wave.Col(firstWave, "sex"), row); v.Valid {
			return v
		}
	}
	for k := 1; k <= wave.NofWaves; k++ {
		if v := t.Float(wave.Col(k, "sex"), row); v.Valid {
			return v
		}
	}
	return null.Float{}
}

// birthYear returns the first recorded birth year.
func birthYear(t *table.Table, row int) null.Float {
	for k := 1; k <= wave.NofWaves; k++ {
		if v := t.Float(wave.Col(k, "birthyear"), row); v.Valid {
			return v
		}
	}
	return null.Float{}
}

// minStrokeAge returns the smallest stroke age over the pre-study surveys and the study waves. A wave without a
// reported age but with a report year contributes the year minus the birth year.
func minStrokeAge(t *table.Table, row int, cb *wave.Codebook) null.Float {
	result := null.Float{}
	consider := func(age null.Float) {
		if age.Valid && (!result.Valid || age.Float64 < result.Float64) {
			result = age
		}
	}
	for _, name := range cb.PreStudyNames() {
		consider(t.Float(name+"strokeage", row))
	}
	by := birthYear(t, row)
	for k := 1; k <= wave.NofWaves; k++ {
		age := t.Float(wave.Col(k, "strokeage"), row)
		if !age.Valid {
			if year := t.Float(wave.Col(k, "strokeyear"), row); year.Valid && by.Valid {
				age = null.FloatFrom(year.Float64 - by.Float64)
			}
		}
		consider(age)
	}
	return result
}

// ageAtWave returns the age recorded at a study wave; pre-study and absent reports have none.
func ageAtWave(t *table.Table, row int, w float64) null.Float {
	k := int(w)
	if float64(k) != w || k < 1 || k > wave.NofWaves {
		return null.Float{}
	}
	return t.Float(wave.Col(k, "age"), row)
}
