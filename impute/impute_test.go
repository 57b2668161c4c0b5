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

package impute

import (
	"errors"
	"testing"

	"ageingpanel/cohort"
	"ageingpanel/survival"
	"ageingpanel/table"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/guregu/null.v3"
)

var regions = []string{"london", "wales", "scotland", "south east"}

// syntheticMaster builds a master table in which the covariates depend on each other, with every seventh cell of a
// covariate missing.
func syntheticMaster(t *testing.T, n int) *table.Table {
	t.Helper()
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(100000 + i)
	}
	master, err := table.New("master", ids)
	require.NoError(t, err)
	for _, name := range []string{"netwealth_q5", "ageatfirstparticipate", "sex"} {
		_, err := master.AddFloat(name)
		require.NoError(t, err)
	}
	for _, name := range []string{"alcoholbaseline", "smokingbaseline", "vigorousactbaseline", "region", "ethnicity"} {
		_, err := master.AddString(name)
		require.NoError(t, err)
	}
	for row := 0; row < n; row++ {
		age := 50 + float64(row%40)
		q5 := float64(1 + (row%40)/8)
		sex := float64(1 + row%2)
		values := map[string]null.Float{
			"netwealth_q5":          null.FloatFrom(q5),
			"ageatfirstparticipate": null.FloatFrom(age),
			"sex":                   null.FloatFrom(sex),
		}
		labels := map[string]null.String{
			"alcoholbaseline":     null.StringFrom([]string{"daily", "weekly", "monthly", "rarely", "never"}[int(q5)-1]),
			"smokingbaseline":     null.StringFrom([]string{"never", "ex", "current"}[row%3]),
			"vigorousactbaseline": null.StringFrom([]string{"once a week", "hardly ever or never"}[row%2]),
			"region":              null.StringFrom(regions[row%len(regions)]),
			"ethnicity":           null.StringFrom(cohort.EthnicityWhite),
		}
		if row%11 == 0 {
			labels["ethnicity"] = null.StringFrom(cohort.EthnicityUnknown)
		}
		col := 0
		for _, name := range survival.Covariates {
			missing := (row+col)%7 == 0
			col++
			if v, ok := values[name]; ok {
				if missing {
					v = null.Float{}
				}
				require.NoError(t, master.SetFloat(name, row, v))
			} else {
				v := labels[name]
				if missing {
					v = null.String{}
				}
				require.NoError(t, master.SetString(name, row, v))
			}
		}
	}
	return master
}

func testImputer() *MissForest {
	mf := NewMissForest(zap.NewNop())
	mf.Trees = 10
	mf.MaxIter = 4
	mf.Categorical = CategoricalCovariates
	return mf
}

func TestForestRegression(t *testing.T) {
	n := 100
	f := &frame{cols: [][]float64{make([]float64, n), make([]float64, n)}, categorical: []bool{false, false},
		nlevels: []int{0, 0}}
	rows := make([]int, n)
	for i := 0; i < n; i++ {
		f.cols[0][i] = float64(i)
		f.cols[1][i] = 2 * float64(i)
		rows[i] = i
	}
	fo := fitForest(f, 1, []int{0}, rows, 20, treeParams{mtry: 1, minLeaf: 2}, 42)
	assert.InDelta(t, 100.0, fo.predict(f, 50), 10)
	assert.InDelta(t, 10.0, fo.predict(f, 5), 10)
}

func TestForestClassification(t *testing.T) {
	n := 60
	f := &frame{cols: [][]float64{make([]float64, n), make([]float64, n)}, categorical: []bool{true, true},
		nlevels: []int{3, 3}}
	rows := make([]int, n)
	for i := 0; i < n; i++ {
		f.cols[0][i] = float64(i % 3)
		f.cols[1][i] = float64((i + 1) % 3)
		rows[i] = i
	}
	fo := fitForest(f, 1, []int{0}, rows, 15, treeParams{mtry: 1, minLeaf: 1}, 7)
	for i := 0; i < 3; i++ {
		assert.Equal(t, float64((i+1)%3), fo.predict(f, i))
	}
	predictions, ok := fo.oob(f, rows)
	for j := range rows {
		if ok[j] {
			assert.Equal(t, f.cols[1][j], predictions[j])
		}
	}
}

func TestTreeSeedNeverZero(t *testing.T) {
	for i := 0; i < 1000; i++ {
		assert.NotZero(t, treeSeed(0, i))
		assert.NotZero(t, treeSeed(uint32(i)*2654435761, i))
	}
}

func TestMissForestFillsMissing(t *testing.T) {
	master := syntheticMaster(t, 120)
	frame, err := master.Select("frame", survival.Covariates...)
	require.NoError(t, err)
	imputed, diagnostics, err := testImputer().Impute(frame, 2024)
	require.NoError(t, err)
	require.Equal(t, frame.IDs, imputed.IDs)
	for _, c := range imputed.Columns {
		orig, _ := frame.Column(c.Name)
		for row := range imputed.IDs {
			require.False(t, c.Missing(row), "%s row %d", c.Name, row)
			if !orig.Missing(row) {
				assert.Equal(t, orig.Missing(row), c.Missing(row))
				if c.Kind == table.String {
					assert.Equal(t, orig.Strings[row], c.Strings[row])
				} else {
					assert.Equal(t, orig.Floats[row], c.Floats[row])
				}
			}
		}
	}
	for row := range imputed.IDs {
		q5 := imputed.Float("netwealth_q5", row).Float64
		assert.Contains(t, []float64{1, 2, 3, 4, 5}, q5)
		assert.Contains(t, regions, imputed.String("region", row).String)
	}
	assert.Len(t, diagnostics.Variables, len(survival.Covariates))
	assert.GreaterOrEqual(t, diagnostics.Iterations, 1)
	assert.Equal(t, uint32(2024), diagnostics.Seed)
	for _, v := range diagnostics.Variables {
		assert.GreaterOrEqual(t, v.Error, 0.0)
		if v.Name == "ageatfirstparticipate" {
			assert.Equal(t, NRMSE, v.Measure)
		}
		if v.Name == "region" || v.Name == "sex" {
			assert.Equal(t, PFC, v.Measure)
		}
	}
}

func TestMissForestDeterministic(t *testing.T) {
	master := syntheticMaster(t, 80)
	frame, err := master.Select("frame", survival.Covariates...)
	require.NoError(t, err)
	first, d1, err := testImputer().Impute(frame, 99)
	require.NoError(t, err)
	second, d2, err := testImputer().Impute(frame, 99)
	require.NoError(t, err)
	assert.Equal(t, first.Columns, second.Columns)
	assert.Equal(t, d1.Iterations, d2.Iterations)
}

func TestMissForestNoObservations(t *testing.T) {
	frame, err := table.New("frame", []int64{1, 2})
	require.NoError(t, err)
	_, err = frame.AddFloat("sex")
	require.NoError(t, err)
	_, _, err = testImputer().Impute(frame, 1)
	assert.True(t, errors.Is(err, ErrNoObservations))
}

func TestMissForestComplete(t *testing.T) {
	frame, err := table.New("frame", []int64{1, 2})
	require.NoError(t, err)
	_, err = frame.AddFloat("age")
	require.NoError(t, err)
	require.NoError(t, frame.SetFloat("age", 0, null.FloatFrom(70)))
	require.NoError(t, frame.SetFloat("age", 1, null.FloatFrom(80)))
	imputed, diagnostics, err := testImputer().Impute(frame, 1)
	require.NoError(t, err)
	assert.Equal(t, frame.Columns, imputed.Columns)
	assert.Equal(t, 0, diagnostics.Iterations)
}

func TestAdapter(t *testing.T) {
	master := syntheticMaster(t, 60)
	for _, name := range []string{"wavefirstparticipate", "wavelastparticipate", "strokeever", "psychosisever",
		"wavefirstreport_stroke", "wavefirstreport_psychosis"} {
		_, err := master.AddFloat(name)
		require.NoError(t, err)
	}
	for row := range master.IDs {
		require.NoError(t, master.SetFloat("wavefirstparticipate", row, null.FloatFrom(1)))
		require.NoError(t, master.SetFloat("wavelastparticipate", row, null.FloatFrom(float64(1+row%9))))
		stroke := float64(row % 4)
		require.NoError(t, master.SetFloat("wavefirstreport_stroke", row, null.FloatFrom(stroke)))
		require.NoError(t, master.SetFloat("strokeever", row, null.FloatFrom(boolFloat(stroke > 0))))
		require.NoError(t, master.SetFloat("wavefirstreport_psychosis", row, null.FloatFrom(0)))
		require.NoError(t, master.SetFloat("psychosisever", row, null.FloatFrom(0)))
	}
	survivals, _, err := survival.BuildAll(master, zap.NewNop())
	require.NoError(t, err)

	frame, err := Covariates(master, survivals)
	require.NoError(t, err)
	row, _ := frame.Row(100011)
	assert.False(t, frame.String("ethnicity", row).Valid)

	adapter := &Adapter{Imputer: testImputer(), Imputations: 2, Seed: 5, WarnError: 0.5, Logger: zap.NewNop()}
	result, err := adapter.Run(master, survivals)
	require.NoError(t, err)
	require.Len(t, result.Diagnostics, 2)
	assert.Equal(t, uint32(5), result.Diagnostics[0].Seed)
	assert.Equal(t, uint32(5+seedStride), result.Diagnostics[1].Seed)
	for _, d := range survival.Directions {
		tables := result.Tables[d.Name]
		require.Len(t, tables, 2)
		assert.Equal(t, ImputedName(d.Name, 1, 2), tables[1].Name)
		surv := survivals[d.Name]
		for _, imputed := range tables {
			assert.Equal(t, surv.IDs, imputed.IDs)
			for _, name := range []string{"fuptime", "strokeever", "strokeever_4", "psychosisever_10"} {
				want, _ := surv.Column(name)
				got, ok := imputed.Column(name)
				require.True(t, ok)
				assert.Equal(t, want.Floats, got.Floats)
			}
			for _, name := range survival.Covariates {
				c, ok := imputed.Column(name)
				require.True(t, ok)
				for row := range imputed.IDs {
					assert.False(t, c.Missing(row))
				}
			}
			assert.NotContains(t, imputed.Names(), "nrmse")
		}
	}
}

func TestImputedName(t *testing.T) {
	assert.Equal(t, "imputed_stroke_after_psychosis", ImputedName("stroke_after_psychosis", 0, 1))
	assert.Equal(t, "imputed_stroke_after_psychosis_3", ImputedName("stroke_after_psychosis", 2, 3))
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
