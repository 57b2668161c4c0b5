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

package app_test

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"

	"ageingpanel/app"
	"ageingpanel/impute"
	"ageingpanel/survival"
	"ageingpanel/table"
	"ageingpanel/wave"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	nofParticipants = 40
	firstID         = 1000
	neverInterviews = firstID + nofParticipants - 1
)

var (
	letterRegions = []string{"H", "J", "L"}
	onsRegions    = []string{"E12000007", "E12000008", "S99999999"}
)

// present reports whether participant i took part in wave k.
func present(i, k int) bool {
	return firstID+i != neverInterviews && (i+k)%5 != 0
}

type record map[string]string

func writeCSVFile(t *testing.T, fileName string, records map[int64]record) {
	t.Helper()
	fields := map[string]bool{}
	for _, r := range records {
		for f := range r {
			fields[f] = true
		}
	}
	header := []string{table.IDColumn}
	for f := range fields {
		header = append(header, f)
	}
	sort.Strings(header[1:])
	ids := make([]int64, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	require.NoError(t, w.Write(header))
	for _, id := range ids {
		line := []string{strconv.FormatInt(id, 10)}
		for _, f := range header[1:] {
			line = append(line, records[id][f])
		}
		require.NoError(t, w.Write(line))
	}
	w.Flush()
	require.NoError(t, w.Error())
	require.NoError(t, os.WriteFile(fileName, buf.Bytes(), 0600))
}

// waveRecord is an interview of participant i at wave k. Every seventh participant reports a stroke at wave 3, every
// sixth a psychotic disorder at wave 4.
func waveRecord(spec *wave.WaveSpec, i int) record {
	k := spec.Wave
	r := record{}
	if spec.Outcome.Field != "" {
		r[spec.Outcome.Field] = "11"
	}
	for j, slot := range spec.Stroke.Slots {
		r[slot] = "-1"
		if j == 0 && k == 3 && i%7 == 0 {
			r[slot] = strconv.Itoa(spec.Stroke.Code)
		}
	}
	for _, field := range []string{spec.Stroke.Age, spec.Stroke.Year, spec.Stroke.Count} {
		if field != "" {
			r[field] = "-1"
		}
	}
	if k == 3 && i%7 == 0 {
		r[spec.Stroke.Age] = strconv.Itoa(55 + i%20)
	}
	for _, slot := range spec.Psych.Slots {
		r[slot] = "-1"
	}
	for condition, field := range spec.Psych.Named {
		r[field] = "0"
		if condition == "psychosis" && k == 4 && i%6 == 0 {
			r[field] = "1"
		}
	}
	if spec.Region.Scheme == "letter" {
		r[spec.Region.Field] = letterRegions[i%len(letterRegions)]
	} else {
		r[spec.Region.Field] = onsRegions[i%len(onsRegions)]
	}
	r[spec.Ethnicity.Field] = strconv.Itoa(1 + boolInt(i%9 == 0))
	r[spec.Smoking.Ever] = strconv.Itoa(1 + i%2)
	r[spec.Smoking.Now] = []string{"1", "2", "-1"}[i%3]
	r[spec.Alcohol.Field] = strconv.Itoa(1 + i%5)
	r[spec.Activity.Field] = strconv.Itoa(1 + i%4)
	r[spec.Age] = strconv.Itoa(50 + i%30 + 2*k)
	r[spec.Sex] = strconv.Itoa(1 + i%2)
	r[spec.BirthYear] = strconv.Itoa(1950 - i%30)
	return r
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// writeFixture writes a complete set of panel exports and a configuration referring to them.
func writeFixture(t *testing.T) *app.Config {
	t.Helper()
	cb, err := wave.DefaultCodebook()
	require.NoError(t, err)
	dir := t.TempDir()

	index := map[int64]record{}
	for i := 0; i < nofParticipants; i++ {
		r := record{cb.Index.DeathField: "0"}
		for k, field := range cb.Index.OutcomeFields {
			r[field] = "61"
			if present(i, k) {
				r[field] = "11"
			}
		}
		index[int64(firstID+i)] = r
	}
	writeCSVFile(t, filepath.Join(dir, "index.csv"), index)

	cfg := &app.Config{
		Inputs: app.InputsConfig{
			Dir:       dir,
			Index:     "index.csv",
			PreStudy:  map[string]string{},
			Financial: map[int]string{},
		},
		LogMode: "development",
		Imputation: app.ImputationConfig{
			Seed:        2023,
			Trees:       10,
			MaxIter:     3,
			Imputations: 1,
			WarnError:   0.5,
		},
	}
	for k := 1; k <= wave.NofWaves; k++ {
		records := map[int64]record{}
		for i := 0; i < nofParticipants; i++ {
			if present(i, k) {
				records[int64(firstID+i)] = waveRecord(cb.Wave(k), i)
			}
		}
		fileName := fmt.Sprintf("wave_%d.csv", k)
		writeCSVFile(t, filepath.Join(dir, fileName), records)
		cfg.Inputs.Waves = append(cfg.Inputs.Waves, fileName)
	}

	hse98 := map[int64]record{}
	for i := 0; i < nofParticipants; i += 3 {
		hse98[int64(firstID+i)] = record{"strokhse98": "2", "strokagehse98": "-1", "psyhse98": "2"}
	}
	hse98[firstID+6]["psyhse98"] = "1"
	writeCSVFile(t, filepath.Join(dir, "hse98.csv"), hse98)
	cfg.Inputs.PreStudy["hse98"] = "hse98.csv"

	// some first-wave participants lack wealth data and every fifth official quintile is missing
	fin := map[int64]record{}
	for i := 0; i < nofParticipants; i++ {
		if present(i, 1) && i%4 != 0 {
			q5 := strconv.Itoa(1 + i%5)
			if i%5 == 1 {
				q5 = "-999"
			}
			fin[int64(firstID+i)] = record{"nettotw_bu_s": strconv.Itoa(1000 * (i - 5)), "nettotw_bu_q5": q5}
		}
	}
	writeCSVFile(t, filepath.Join(dir, "financial_1.csv"), fin)
	cfg.Inputs.Financial[1] = "financial_1.csv"
	return cfg
}

func readFile(t *testing.T, fileName string) []byte {
	t.Helper()
	data, err := os.ReadFile(fileName)
	require.NoError(t, err)
	return data
}

func TestRunPipeline(t *testing.T) {
	cfg := writeFixture(t)
	out := t.TempDir()
	require.NoError(t, app.Run(cfg, app.Options{OutputPath: out}, zap.NewNop()))

	for _, name := range []string{"merged", "master"} {
		assert.FileExists(t, app.ArtifactPath(out, name))
	}
	assert.NoFileExists(t, filepath.Join(out, "merged.csv"))
	assert.FileExists(t, filepath.Join(out, "master.csv"))
	for _, d := range survival.Directions {
		for _, name := range []string{app.SurvivalName(d.Name), impute.ImputedName(d.Name, 0, 1)} {
			assert.FileExists(t, app.ArtifactPath(out, name))
			assert.FileExists(t, filepath.Join(out, name+".csv"))
		}
	}

	merged, err := table.Load(app.ArtifactPath(out, "merged"))
	require.NoError(t, err)
	assert.Equal(t, nofParticipants, merged.Len())

	master, err := table.Load(app.ArtifactPath(out, "master"))
	require.NoError(t, err)
	assert.Equal(t, nofParticipants-1, master.Len())
	_, ok := master.Row(neverInterviews)
	assert.False(t, ok)

	// participant 0 reported a stroke at wave 3 and a psychotic disorder at wave 4
	row, ok := master.Row(firstID)
	require.True(t, ok)
	assert.Equal(t, 3.0, master.Float("wavefirstreport_stroke", row).Float64)
	assert.Equal(t, 4.0, master.Float("wavefirstreport_psychosis", row).Float64)
	// participant 6 reported psychosis in the pre-study survey
	row, _ = master.Row(firstID + 6)
	assert.Equal(t, 0.5, master.Float("wavefirstreport_psychosis", row).Float64)
	assert.Equal(t, 1.0, master.Float("psychosisever", row).Float64)
	// participant 9 reported non-white ethnicity at every wave
	row, _ = master.Row(firstID + 9)
	assert.Equal(t, "Non-White", master.String("ethnicity", row).String)

	for _, d := range survival.Directions {
		imputed, err := table.Load(app.ArtifactPath(out, impute.ImputedName(d.Name, 0, 1)))
		require.NoError(t, err)
		for _, name := range survival.Covariates {
			c, ok := imputed.Column(name)
			require.True(t, ok, name)
			for row := range imputed.IDs {
				assert.False(t, c.Missing(row), "%s row %d", name, row)
			}
		}
		s, err := table.Load(app.ArtifactPath(out, app.SurvivalName(d.Name)))
		require.NoError(t, err)
		for row := range s.IDs {
			assert.GreaterOrEqual(t, s.Float("fuptime", row).Float64, 0.0)
		}
	}

	var report app.RunReport
	require.NoError(t, yaml.Unmarshal(readFile(t, filepath.Join(out, "run.yaml")), &report))
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, app.StageMerge, report.From)
	require.Len(t, report.Stages, len(app.Stages))
	require.NotNil(t, report.Reconcile)
	assert.Equal(t, 1, report.Reconcile.Removed)
	assert.Equal(t, nofParticipants-1, report.Reconcile.Retained)
	require.NotNil(t, report.Metrics)
	assert.Equal(t, nofParticipants-1, report.Metrics.Participants)
	assert.Len(t, report.Survival, len(survival.Directions))
	assert.Len(t, report.Imputation, 1)
	assert.FileExists(t, filepath.Join(out, "imputation_diagnostics.yaml"))
}

func TestRunResumes(t *testing.T) {
	cfg := writeFixture(t)
	out := t.TempDir()
	require.NoError(t, app.Run(cfg, app.Options{OutputPath: out}, zap.NewNop()))
	name := impute.ImputedName(survival.StrokeAfterPsychosis.Name, 0, 1)
	first := readFile(t, filepath.Join(out, name+".csv"))
	survivalCSV := readFile(t, filepath.Join(out, app.SurvivalName(survival.StrokeAfterPsychosis.Name)+".csv"))

	// inputs are not read again when resuming
	cfg.Inputs.Dir = filepath.Join(t.TempDir(), "gone")
	require.NoError(t, app.Run(cfg, app.Options{OutputPath: out, From: app.StageSurvival}, zap.NewNop()))
	assert.Equal(t, survivalCSV, readFile(t, filepath.Join(out, app.SurvivalName(survival.StrokeAfterPsychosis.Name)+".csv")))
	assert.Equal(t, first, readFile(t, filepath.Join(out, name+".csv")))

	require.NoError(t, app.Run(cfg, app.Options{OutputPath: out, From: app.StageImpute}, zap.NewNop()))
	assert.Equal(t, first, readFile(t, filepath.Join(out, name+".csv")))

	var report app.RunReport
	require.NoError(t, yaml.Unmarshal(readFile(t, filepath.Join(out, "run.yaml")), &report))
	assert.Equal(t, app.StageImpute, report.From)
	require.Len(t, report.Stages, 2)
	assert.True(t, report.Stages[0].Loaded)
	assert.Equal(t, app.StageSurvival, report.Stages[0].Stage)
}

func TestRunFailures(t *testing.T) {
	cfg := writeFixture(t)
	err := app.Run(cfg, app.Options{OutputPath: t.TempDir(), From: "plot"}, zap.NewNop())
	assert.ErrorIs(t, err, app.ErrConfig)

	// resuming without previous output
	err = app.Run(cfg, app.Options{OutputPath: t.TempDir(), From: app.StageReconcile}, zap.NewNop())
	assert.Error(t, err)

	cfg.Inputs.PreStudy["hse03"] = "hse03.csv"
	out := t.TempDir()
	err = app.Run(cfg, app.Options{OutputPath: out}, zap.NewNop())
	assert.ErrorIs(t, err, app.ErrConfig)
	assert.NoFileExists(t, app.ArtifactPath(out, "merged"))
	delete(cfg.Inputs.PreStudy, "hse03")

	// an unknown outcome code in wave 7
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Inputs.Dir, cfg.Inputs.Waves[6]),
		[]byte("idauniq,w7indout\n1000,99\n"), 0600))
	err = app.Run(cfg, app.Options{OutputPath: out}, zap.NewNop())
	assert.Error(t, err)
	assert.NoFileExists(t, app.ArtifactPath(out, "merged"))
}

func TestStageIndex(t *testing.T) {
	assert.Equal(t, 0, app.StageIndex(app.StageMerge))
	assert.Equal(t, 3, app.StageIndex(app.StageImpute))
	assert.Equal(t, -1, app.StageIndex("plot"))
}
