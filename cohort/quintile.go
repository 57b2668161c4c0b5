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

	"gonum.org/v1/gonum/stat"
	"gopkg.in/guregu/null.v3"
)

// QuintileBreaks returns the 20, 40, 60 and 80 percent empirical quantiles of the given values.
func QuintileBreaks(values []float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	breaks := make([]float64, 4)
	for i := range breaks {
		breaks[i] = stat.Quantile(float64(i+1)/5, stat.Empirical, sorted, nil)
	}
	return breaks
}

// Quintile returns the 1-based bin of a value: the first bin whose upper break is at least the value.
func Quintile(value float64, breaks []float64) int {
	for i, b := range breaks {
		if value <= b {
			return i + 1
		}
	}
	return len(breaks) + 1
}

// ImputeQuintiles returns a copy of a normalized financial table of wave k in which missing official wealth quintiles
// are filled in with quintiles computed from the wealth sums of that wave. Official values take precedence.
func ImputeQuintiles(fin *table.Table, k int) (*table.Table, int, error) {
	sumName, q5Name := wave.Col(k, "netwealth_sum"), wave.Col(k, "netwealth_q5")
	if err := fin.Require(sumName, q5Name); err != nil {
		return nil, 0, err
	}
	result := fin.Clone(fin.Name)
	sums, _ := result.Column(sumName)
	q5, _ := result.Column(q5Name)
	values := []float64{}
	for _, v := range sums.Floats {
		if v.Valid {
			values = append(values, v.Float64)
		}
	}
	breaks := QuintileBreaks(values)
	filled := 0
	for row, v := range sums.Floats {
		if q5.Floats[row].Valid || !v.Valid {
			continue
		}
		q5.Floats[row] = null.FloatFrom(float64(Quintile(v.Float64, breaks)))
		filled++
	}
	return result, filled, nil
}
