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
	"sort"

	"ageingpanel/table"
	"ageingpanel/wave"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// Metrics describes a reconciled cohort.
type Metrics struct {
	Participants int            `yaml:"participants"`
	Ever         map[string]int `yaml:"ever"`  //participants per condition
	Order        map[string]int `yaml:"order"` //participants per stroke/psychosis order category
	MeanAge      float64        `yaml:"meanAge"`
	StdDevAge    float64        `yaml:"stdDevAge"`
	MedianAge    float64        `yaml:"medianAge"`
	Male         int            `yaml:"male"`
	Female       int            `yaml:"female"`
}

// Summarize computes cohort metrics of a master table and logs them.
func Summarize(master *table.Table, cb *wave.Codebook, logger *zap.Logger) Metrics {
	m := Metrics{Participants: master.Len(), Ever: map[string]int{}, Order: map[string]int{}}
	participants := ParticipantsFromTable(master, cb)
	for _, c := range Conditions {
		m.Ever[c.String()] = len(ApplyParticipantFilters([]ParticipantFilter{EverFilter(c)}, participants))
	}
	ages := []float64{}
	for row := range master.IDs {
		if order := master.String("strokepsychosisorder", row); order.Valid {
			m.Order[order.String]++
		}
		if age := master.Float("ageatfirstparticipate", row); age.Valid {
			ages = append(ages, age.Float64)
		}
		switch master.Float("sex", row).Float64 {
		case 1:
			m.Male++
		case 2:
			m.Female++
		}
	}
	if len(ages) > 0 {
		sort.Float64s(ages)
		m.MeanAge, m.StdDevAge = stat.MeanStdDev(ages, nil)
		m.MedianAge = stat.Quantile(0.5, stat.Empirical, ages, nil)
	}
	fields := []zap.Field{
		zap.Int("participants", m.Participants),
		zap.Float64("meanAge", m.MeanAge),
		zap.Float64("stdDevAge", m.StdDevAge),
		zap.Float64("medianAge", m.MedianAge),
		zap.Int("male", m.Male),
		zap.Int("female", m.Female),
	}
	for _, c := range Conditions {
		fields = append(fields, zap.Int(c.String()+"ever", m.Ever[c.String()]))
	}
	logger.Info("cohort metrics", fields...)
	for _, category := range []string{PsychosisOnly, StrokeOnly, StrokeThenPsychosis, PsychosisThenStroke, SameTime,
		PsychosisThenDied, StrokeThenDied, NoStrokeOrPsychosis} {
		logger.Debug("stroke and psychosis order", zap.String("category", category), zap.Int("participants",
			m.Order[category]))
	}
	return m
}
