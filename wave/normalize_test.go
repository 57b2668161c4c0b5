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
	"sort"
	"testing"

	"ageingpanel/table"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"
)

type rawRow map[string]interface{}

// buildRaw creates a raw table; string values make string columns, nil values are missing cells.
func buildRaw(t *testing.T, name string, rows map[int64]rawRow) *table.Table {
	t.Helper()
	ids := []int64{}
	kinds := map[string]table.Kind{}
	for id, row := range rows {
		ids = append(ids, id)
		for field, v := range row {
			if _, ok := v.(string); ok {
				kinds[field] = table.String
			} else if _, ok := kinds[field]; !ok {
				kinds[field] = table.Float
			}
		}
	}
	raw, err := table.New(name, ids)
	require.NoError(t, err)
	fields := make([]string, 0, len(kinds))
	for field := range kinds {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		if kinds[field] == table.String {
			_, err = raw.AddString(field)
		} else {
			_, err = raw.AddFloat(field)
		}
		require.NoError(t, err)
	}
	for id, row := range rows {
		r, _ := raw.Row(id)
		for field, v := range row {
			switch v := v.(type) {
			case string:
				require.NoError(t, raw.SetString(field, r, null.StringFrom(v)))
			case int:
				require.NoError(t, raw.SetFloat(field, r, null.FloatFrom(float64(v))))
			case float64:
				require.NoError(t, raw.SetFloat(field, r, null.FloatFrom(v)))
			}
		}
	}
	return raw
}

// baseRow returns a valid raw row for wave k of the codebook with no conditions reported.
func baseRow(cb *Codebook, k int) rawRow {
	spec := cb.Wave(k)
	row := rawRow{}
	if spec.Outcome.Field != "" {
		row[spec.Outcome.Field] = 11
	}
	for _, slot := range spec.Stroke.Slots {
		row[slot] = -1
	}
	for _, field := range []string{spec.Stroke.Age, spec.Stroke.Year, spec.Stroke.Count} {
		if field != "" {
			row[field] = -1
		}
	}
	for _, slot := range spec.Psych.Slots {
		row[slot] = -1
	}
	for _, field := range spec.Psych.Named {
		row[field] = 0
	}
	if spec.Region.Scheme == "letter" {
		row[spec.Region.Field] = "H"
	} else {
		row[spec.Region.Field] = "E12000007"
	}
	row[spec.Ethnicity.Field] = 1
	row[spec.Smoking.Ever] = 2
	row[spec.Smoking.Now] = -1
	row[spec.Alcohol.Field] = 1
	row[spec.Activity.Field] = 1
	row[spec.Age] = 60
	row[spec.Sex] = 1
	row[spec.BirthYear] = 1950
	return row
}

func with(row rawRow, updates rawRow) rawRow {
	r := rawRow{}
	for k, v := range row {
		r[k] = v
	}
	for k, v := range updates {
		r[k] = v
	}
	return r
}

func testCodebook(t *testing.T) *Codebook {
	t.Helper()
	cb, err := DefaultCodebook()
	require.NoError(t, err)
	return cb
}

func TestDefaultCodebook(t *testing.T) {
	cb := testCodebook(t)
	assert.Len(t, cb.Waves, NofWaves)
	assert.Len(t, cb.Scales["alcohol6"], 6)
	assert.Len(t, cb.Scales["alcohol8"], 8)
	assert.Equal(t, "alcohol6", cb.Wave(1).Alcohol.Scale)
	assert.Equal(t, "alcohol8", cb.Wave(2).Alcohol.Scale)
	assert.Equal(t, "w6indout", cb.Wave(6).Outcome.Field)
	assert.Equal(t, "", cb.Wave(5).Outcome.Field)
	assert.Equal(t, "fqethnr", cb.Wave(9).Ethnicity.Field)
	assert.Len(t, cb.Wave(1).Stroke.Slots, 7)
	assert.Len(t, cb.Wave(2).Psych.Slots, 9)
	assert.Len(t, cb.Wave(3).Psych.Named, 5)
	assert.True(t, cb.IsProductive(3, 21))
	assert.False(t, cb.IsProductive(2, 21))
	assert.False(t, cb.IsProductive(1, 51))
	assert.Equal(t, []string{"hse98", "hse01"}, cb.PreStudyNames())
}

func TestParseCodebookInvalid(t *testing.T) {
	_, err := ParseCodebook([]byte("waves: []\n"))
	assert.ErrorIs(t, err, ErrCodebook)
	_, err = ParseCodebook([]byte("waves: ["))
	assert.ErrorIs(t, err, ErrCodebook)
}

func TestNormalizeIdempotent(t *testing.T) {
	cb := testCodebook(t)
	for k := 1; k <= NofWaves; k++ {
		base := baseRow(cb, k)
		raw := buildRaw(t, "wave", map[int64]rawRow{
			100001: base,
			100002: with(base, rawRow{cb.Wave(k).Smoking.Ever: 1, cb.Wave(k).Smoking.Now: 1}),
			100003: with(base, rawRow{cb.Wave(k).Stroke.Slots[0]: 8, cb.Wave(k).Alcohol.Field: -9}),
		})
		first, err := cb.NormalizeWave(raw, k)
		require.NoError(t, err)
		second, err := cb.NormalizeWave(raw, k)
		require.NoError(t, err)
		assert.Equal(t, first.IDs, second.IDs)
		assert.Equal(t, first.Columns, second.Columns)
	}
}

func TestNormalizeSchema(t *testing.T) {
	cb := testCodebook(t)
	raw := buildRaw(t, "wave6", map[int64]rawRow{1: baseRow(cb, 6)})
	out, err := cb.NormalizeWave(raw, 6)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"w6outcome", "w6stroke", "w6strokeage", "w6strokeyear", "w6strokecount",
		"w6halluc", "w6schz", "w6psychosislabel", "w6depression", "w6anxiety", "w6psychosisany",
		"w6region", "w6ethnicity", "w6smokeever", "w6smokenow", "w6smoking",
		"w6alcohol", "w6vigorousact", "w6age", "w6sex", "w6birthyear",
	}, out.Names())

	raw = buildRaw(t, "wave1", map[int64]rawRow{1: baseRow(cb, 1)})
	out, err = cb.NormalizeWave(raw, 1)
	require.NoError(t, err)
	assert.False(t, out.Has("w1outcome"))
	assert.True(t, out.Has("w1strokeyear"))
	assert.False(t, out.Float("w1strokeyear", 0).Valid)
}

func TestCompositePsychosisNamedFields(t *testing.T) {
	cb := testCodebook(t)
	base := baseRow(cb, 3)
	raw := buildRaw(t, "wave3", map[int64]rawRow{
		1: with(base, rawRow{"hepsyha": 1, "hepsysc": 0, "hepsyps": 0}),
		2: with(base, rawRow{"hepsyha": 0, "hepsysc": 0, "hepsyps": 0}),
		3: with(base, rawRow{"hepsyha": -8, "hepsysc": -9, "hepsyps": 1}),
	})
	out, err := cb.NormalizeWave(raw, 3)
	require.NoError(t, err)
	assert.Equal(t, 1.0, out.Float("w3psychosisany", 0).Float64)
	assert.Equal(t, 1.0, out.Float("w3halluc", 0).Float64)
	assert.Equal(t, 0.0, out.Float("w3psychosisany", 1).Float64)
	assert.True(t, out.Float("w3psychosisany", 1).Valid)
	assert.Equal(t, 1.0, out.Float("w3psychosisany", 2).Float64)
	assert.Equal(t, 0.0, out.Float("w3halluc", 2).Float64)
}

func TestCompositeSlots(t *testing.T) {
	cb := testCodebook(t)
	base := baseRow(cb, 1)
	raw := buildRaw(t, "wave1", map[int64]rawRow{
		1: with(base, rawRow{"hedia01": 3, "hedia02": 8, "heagh": 55, "hestrnum": 1}),
		2: with(base, rawRow{"hepsy1": 3, "hepsy2": 2}),
		3: with(base, rawRow{"hepsy4": 5}),
		4: with(base, rawRow{"hepsy1": 96, "hedia01": 96}),
	})
	out, err := cb.NormalizeWave(raw, 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, out.Float("w1stroke", 0).Float64)
	assert.Equal(t, 55.0, out.Float("w1strokeage", 0).Float64)
	assert.False(t, out.Float("w1strokeage", 1).Valid)
	assert.Equal(t, 0.0, out.Float("w1stroke", 1).Float64)
	assert.Equal(t, 1.0, out.Float("w1depression", 1).Float64)
	assert.Equal(t, 1.0, out.Float("w1anxiety", 1).Float64)
	assert.Equal(t, 0.0, out.Float("w1psychosisany", 1).Float64)
	assert.Equal(t, 1.0, out.Float("w1schz", 2).Float64)
	assert.Equal(t, 1.0, out.Float("w1psychosisany", 2).Float64)
	assert.Equal(t, 0.0, out.Float("w1psychosisany", 3).Float64)
}

func TestRegionCanonicalization(t *testing.T) {
	cb := testCodebook(t)
	raw := buildRaw(t, "wave1", map[int64]rawRow{
		1: with(baseRow(cb, 1), rawRow{"gor": "H "}),
		2: with(baseRow(cb, 1), rawRow{"gor": "M"}),
		3: with(baseRow(cb, 1), rawRow{"gor": "-1"}),
	})
	out, err := cb.NormalizeWave(raw, 1)
	require.NoError(t, err)
	assert.Equal(t, "london", out.String("w1region", 0).String)
	assert.Equal(t, "scotland", out.String("w1region", 1).String)
	assert.False(t, out.String("w1region", 2).Valid)

	raw = buildRaw(t, "wave7", map[int64]rawRow{1: with(baseRow(cb, 7), rawRow{"GOR": "E12000007"})})
	out, err = cb.NormalizeWave(raw, 7)
	require.NoError(t, err)
	assert.Equal(t, "london", out.String("w7region", 0).String)
}

func TestBlankRegion(t *testing.T) {
	cb := testCodebook(t)
	raw := buildRaw(t, "wave2", map[int64]rawRow{
		1: baseRow(cb, 2),
		2: with(baseRow(cb, 2), rawRow{"gor": "  "}),
		3: with(baseRow(cb, 2), rawRow{"gor": " "}),
	})
	out, err := cb.NormalizeWave(raw, 2)
	require.NoError(t, err)
	assert.Equal(t, "london", out.String("w2region", 0).String)
	assert.False(t, out.String("w2region", 1).Valid)
	assert.False(t, out.String("w2region", 2).Valid)
	assert.Equal(t, []int64{2, 3}, cb.UnlistedBlankRegions(raw, 2))

	cb.Wave(2).Region.BlankIDs = []int64{2}
	out, err = cb.NormalizeWave(raw, 2)
	require.NoError(t, err)
	assert.False(t, out.String("w2region", 1).Valid)
	assert.Equal(t, []int64{3}, cb.UnlistedBlankRegions(raw, 2))

	raw = buildRaw(t, "wave2", map[int64]rawRow{2: with(baseRow(cb, 2), rawRow{"gor": "Z"})})
	_, err = cb.NormalizeWave(raw, 2)
	assert.ErrorIs(t, err, ErrUnknownCode)
	assert.Empty(t, cb.UnlistedBlankRegions(raw, 2))
}

func TestSmokingAndSentinels(t *testing.T) {
	cb := testCodebook(t)
	base := baseRow(cb, 2)
	raw := buildRaw(t, "wave2", map[int64]rawRow{
		1: with(base, rawRow{"hesmk": 1, "heska": 1}),
		2: with(base, rawRow{"hesmk": 1, "heska": -8}),
		3: with(base, rawRow{"hesmk": 2}),
		4: with(base, rawRow{"hesmk": -9, "indager": -9, "scako": -8}),
	})
	out, err := cb.NormalizeWave(raw, 2)
	require.NoError(t, err)
	assert.Equal(t, "current", out.String("w2smoking", 0).String)
	assert.Equal(t, 0.0, out.Float("w2smokenow", 1).Float64)
	assert.True(t, out.Float("w2smokenow", 1).Valid)
	assert.Equal(t, "ex", out.String("w2smoking", 1).String)
	assert.Equal(t, "never", out.String("w2smoking", 2).String)
	assert.False(t, out.String("w2smoking", 3).Valid)
	assert.False(t, out.Float("w2age", 3).Valid)
	assert.False(t, out.String("w2alcohol", 3).Valid)
	assert.Equal(t, 60.0, out.Float("w2age", 0).Float64)
}

func TestOrdinalScalesDifferByWave(t *testing.T) {
	cb := testCodebook(t)
	raw1 := buildRaw(t, "wave1", map[int64]rawRow{1: with(baseRow(cb, 1), rawRow{"scako": 6})})
	out1, err := cb.NormalizeWave(raw1, 1)
	require.NoError(t, err)
	assert.Equal(t, "not at all", out1.String("w1alcohol", 0).String)

	raw1 = buildRaw(t, "wave1", map[int64]rawRow{1: with(baseRow(cb, 1), rawRow{"scako": 8})})
	_, err = cb.NormalizeWave(raw1, 1)
	assert.ErrorIs(t, err, ErrUnknownCode)

	raw2 := buildRaw(t, "wave2", map[int64]rawRow{1: with(baseRow(cb, 2), rawRow{"scako": 8})})
	out2, err := cb.NormalizeWave(raw2, 2)
	require.NoError(t, err)
	assert.Equal(t, "not at all in the last 12 months", out2.String("w2alcohol", 0).String)
}

func TestNormalizeFailures(t *testing.T) {
	cb := testCodebook(t)
	row := baseRow(cb, 4)
	delete(row, "hepsysc")
	_, err := cb.NormalizeWave(buildRaw(t, "wave4", map[int64]rawRow{1: row}), 4)
	require.ErrorIs(t, err, ErrMissingField)
	assert.Contains(t, err.Error(), "hepsysc")

	tests := []struct {
		name string
		wave int
		bad  rawRow
	}{
		{"stroke slot", 1, rawRow{"hedia03": 40}},
		{"named psych", 5, rawRow{"hepsyha": 2}},
		{"ethnicity", 3, rawRow{"fqethnr": 3}},
		{"smoking", 3, rawRow{"hesmk": 7}},
		{"activity", 8, rawRow{"heacta": 5}},
		{"sex", 9, rawRow{"indsex": 3}},
		{"outcome", 6, rawRow{"w6indout": 99}},
		{"fractional code", 2, rawRow{"scako": 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := buildRaw(t, "wave", map[int64]rawRow{1: with(baseRow(cb, tt.wave), tt.bad)})
			_, err := cb.NormalizeWave(raw, tt.wave)
			assert.ErrorIs(t, err, ErrUnknownCode)
		})
	}
}

func TestNormalizeIndex(t *testing.T) {
	cb := testCodebook(t)
	raw := buildRaw(t, "index", map[int64]rawRow{
		1: {"outindw1": 11, "outindw2": 51, "outindw3": 21, "outindw4": -1, "outindw5": 54, "mortwave": 52},
		2: {"outindw1": 61, "outindw2": 61, "outindw3": 61, "outindw4": 61, "outindw5": 61, "mortwave": 0},
	})
	out, err := cb.NormalizeIndex(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1outcome", "w2outcome", "w3outcome", "w4outcome", "w5outcome", "deathcode",
		"wavefirstreport_death"}, out.Names())
	assert.Equal(t, 11.0, out.Float("w1outcome", 0).Float64)
	assert.False(t, out.Float("w4outcome", 0).Valid)
	assert.Equal(t, 5.0, out.Float("wavefirstreport_death", 0).Float64)
	assert.False(t, out.Float("wavefirstreport_death", 1).Valid)

	raw = buildRaw(t, "index", map[int64]rawRow{
		1: {"outindw1": 21, "outindw2": 51, "outindw3": 21, "outindw4": -1, "outindw5": 54, "mortwave": 52},
	})
	_, err = cb.NormalizeIndex(raw)
	assert.ErrorIs(t, err, ErrUnknownCode)
}

func TestNormalizeIndexMortalityCodes(t *testing.T) {
	cb := testCodebook(t)
	outcomes := rawRow{"outindw1": 11, "outindw2": 11, "outindw3": 11, "outindw4": 11, "outindw5": 11}
	raw := buildRaw(t, "index", map[int64]rawRow{
		1: with(outcomes, rawRow{"mortwave": 99}),
		2: with(outcomes, rawRow{"mortwave": -9}),
		3: with(outcomes, rawRow{"mortwave": 13}),
	})
	out, err := cb.NormalizeIndex(raw)
	require.NoError(t, err)
	assert.False(t, out.Float("wavefirstreport_death", 0).Valid)
	assert.False(t, out.Float("wavefirstreport_death", 1).Valid)
	assert.Equal(t, 1.0, out.Float("wavefirstreport_death", 2).Float64)

	raw = buildRaw(t, "index", map[int64]rawRow{4: with(outcomes, rawRow{"mortwave": 77})})
	_, err = cb.NormalizeIndex(raw)
	require.ErrorIs(t, err, ErrUnknownCode)
	assert.Contains(t, err.Error(), "participant 4")
}

func TestNormalizePreStudyAndFinancial(t *testing.T) {
	cb := testCodebook(t)
	raw := buildRaw(t, "hse98", map[int64]rawRow{
		1: {"strokhse98": 1, "strokagehse98": 52, "psyhse98": -8},
		2: {"strokhse98": -9, "strokagehse98": -1, "psyhse98": 1},
	})
	out, err := cb.NormalizePreStudy(raw, "hse98")
	require.NoError(t, err)
	assert.Equal(t, []string{"hse98stroke", "hse98strokeage", "hse98psychosisany"}, out.Names())
	assert.Equal(t, 1.0, out.Float("hse98stroke", 0).Float64)
	assert.Equal(t, 0.0, out.Float("hse98stroke", 1).Float64)
	assert.False(t, out.Float("hse98strokeage", 1).Valid)
	assert.Equal(t, 1.0, out.Float("hse98psychosisany", 1).Float64)
	_, err = cb.NormalizePreStudy(raw, "hse03")
	assert.ErrorIs(t, err, ErrCodebook)

	fin := buildRaw(t, "financial", map[int64]rawRow{
		1: {"nettotw_bu_s": -2500.0, "nettotw_bu_q5": 1},
		2: {"nettotw_bu_s": 125000.0, "nettotw_bu_q5": -999},
	})
	out, err = cb.NormalizeFinancial(fin, 4)
	require.NoError(t, err)
	assert.Equal(t, -2500.0, out.Float("w4netwealth_sum", 0).Float64)
	assert.Equal(t, 1.0, out.Float("w4netwealth_q5", 0).Float64)
	assert.False(t, out.Float("w4netwealth_q5", 1).Valid)
}

func TestNormalizeFinancialSumSentinels(t *testing.T) {
	cb := testCodebook(t)
	fin := buildRaw(t, "financial", map[int64]rawRow{
		1: {"nettotw_bu_s": -999.0, "nettotw_bu_q5": -999},
		2: {"nettotw_bu_s": -998.0, "nettotw_bu_q5": 2},
		3: {"nettotw_bu_s": -1.0, "nettotw_bu_q5": 1},
		4: {"nettotw_bu_s": 20000.0, "nettotw_bu_q5": 3},
	})
	out, err := cb.NormalizeFinancial(fin, 1)
	require.NoError(t, err)
	assert.False(t, out.Float("w1netwealth_sum", 0).Valid)
	assert.False(t, out.Float("w1netwealth_sum", 1).Valid)
	assert.Equal(t, null.FloatFrom(-1), out.Float("w1netwealth_sum", 2))
	assert.Equal(t, 20000.0, out.Float("w1netwealth_sum", 3).Float64)
	assert.False(t, out.Float("w1netwealth_q5", 0).Valid)
}
