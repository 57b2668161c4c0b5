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

package app

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"ageingpanel/cohort"
	"ageingpanel/impute"
	"ageingpanel/survival"
	"ageingpanel/table"
	"ageingpanel/wave"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Pipeline stages, in execution order.
const (
	StageMerge     = "merge"
	StageReconcile = "reconcile"
	StageSurvival  = "survival"
	StageImpute    = "impute"
)

var Stages = []string{StageMerge, StageReconcile, StageSurvival, StageImpute}

const (
	artifactExt     = ".gob.gz"
	runReportFile   = "run.yaml"
	diagnosticsFile = "imputation_diagnostics.yaml"
)

// Options are the per-run settings that do not come from the configuration file.
type Options struct {
	OutputPath string
	// From is the first stage to execute. The outputs of the earlier stages are loaded from OutputPath.
	From string
	// Source reads the raw input files. Nil means CSV files.
	Source Source
}

// StageTiming records how long a stage took.
type StageTiming struct {
	Stage   string  `yaml:"stage"`
	Seconds float64 `yaml:"seconds"`
	Loaded  bool    `yaml:"loaded"` //read from a previous run
}

// RunReport is written to run.yaml at the end of a successful run.
type RunReport struct {
	RunID        string                `yaml:"runID"`
	Started      time.Time             `yaml:"started"`
	From         string                `yaml:"from"`
	Stages       []StageTiming         `yaml:"stages"`
	Participants int                   `yaml:"participants,omitempty"` //rows of the merged table
	Columns      int                   `yaml:"columns,omitempty"`      //columns of the merged table
	Reconcile    *cohort.Report        `yaml:"reconcile,omitempty"`
	Metrics      *cohort.Metrics       `yaml:"metrics,omitempty"`
	Survival     []survival.Report     `yaml:"survival,omitempty"`
	Imputation   []*impute.Diagnostics `yaml:"imputation,omitempty"`
}

// run carries the state of one pipeline execution between stages.
type run struct {
	cfg         *Config
	opts        Options
	codebook    *wave.Codebook
	corrections []cohort.Correction
	logger      *zap.Logger
	report      *RunReport

	merged    *table.Table
	master    *table.Table
	survivals map[string]*table.Table
}

func stageIndex(stage string) int {
	for i, s := range Stages {
		if s == stage {
			return i
		}
	}
	return -1
}

// ArtifactPath returns the file a table with the given name is persisted to.
func ArtifactPath(outputPath, name string) string {
	return filepath.Join(outputPath, name+artifactExt)
}

func survivalName(direction string) string {
	return "survival_" + direction
}

// Run executes the pipeline from the requested stage to the end. Every stage persists its output before the next one
// starts; a failing stage leaves no output of its own behind.
func Run(cfg *Config, opts Options, logger *zap.Logger) (err error) {
	defer func() {
		// converts any panics into errors to avoid crashing the app
		if r := recover(); r != nil {
			logger.Error("recovered from panic during pipeline run", zap.Any("panic", r))
			err = fmt.Errorf("failed to run pipeline: %v", r)
		}
	}()

	if err = cfg.Validate(); err != nil {
		return err
	}
	if opts.From == "" {
		opts.From = StageMerge
	}
	from := stageIndex(opts.From)
	if from < 0 {
		return fmt.Errorf("unknown stage %q: %w", opts.From, ErrConfig)
	}
	if err = os.MkdirAll(opts.OutputPath, 0700); err != nil {
		return err
	}

	id := uuid.NewString()
	r := &run{
		cfg:    cfg,
		opts:   opts,
		logger: logger.With(zap.String("run", id)),
		report: &RunReport{RunID: id, Started: time.Now(), From: opts.From},
	}
	if r.codebook, err = wave.LoadCodebook(cfg.Codebook); err != nil {
		return err
	}
	if cfg.Corrections == "" {
		r.corrections, err = cohort.DefaultCorrections()
	} else {
		r.corrections, err = cohort.LoadCorrections(cfg.Corrections)
	}
	if err != nil {
		return err
	}
	if r.opts.Source == nil {
		r.opts.Source = NewCSVSource(r.codebook.StringFields())
	}

	steps := []struct {
		execute func() error
		load    func() error
	}{
		{r.merge, r.loadMerged},
		{r.reconcile, r.loadMaster},
		{r.survival, r.loadSurvivals},
		{r.impute, nil},
	}
	for i, step := range steps {
		stage := Stages[i]
		start := time.Now()
		if i < from {
			// only the direct input of the first executed stage is needed
			if i == from-1 {
				if err = step.load(); err != nil {
					return fmt.Errorf("stage %s: loading previous output: %w", stage, err)
				}
				r.report.Stages = append(r.report.Stages, StageTiming{Stage: stage, Loaded: true})
			}
			continue
		}
		r.logger.Info("starting stage", zap.String("stage", stage))
		if err = step.execute(); err != nil {
			return fmt.Errorf("stage %s: %w", stage, err)
		}
		elapsed := time.Since(start)
		r.logger.Info("finished stage", zap.String("stage", stage), zap.Duration("elapsed", elapsed))
		r.report.Stages = append(r.report.Stages, StageTiming{Stage: stage, Seconds: elapsed.Seconds()})
	}
	return writeYAML(filepath.Join(opts.OutputPath, runReportFile), r.report)
}

// readSources reads and normalizes all configured input files.
func (r *run) readSources() (cohort.Sources, error) {
	var sources cohort.Sources
	cb, src, in := r.codebook, r.opts.Source, r.cfg.Inputs
	raw, err := src.Read("index", r.cfg.Path(in.Index))
	if err != nil {
		return sources, err
	}
	if sources.Index, err = cb.NormalizeIndex(raw); err != nil {
		return sources, err
	}
	for k := 1; k <= wave.NofWaves; k++ {
		raw, err := src.Read(wave.Prefix(k), r.cfg.Path(in.Waves[k-1]))
		if err != nil {
			return sources, err
		}
		if ids := cb.UnlistedBlankRegions(raw, k); len(ids) > 0 {
			r.logger.Warn("blank region outside the known list, treated as missing", zap.Int("wave", k),
				zap.Int64s("participants", ids))
		}
		normalized, err := cb.NormalizeWave(raw, k)
		if err != nil {
			return sources, err
		}
		r.logger.Info("normalized wave", zap.Int("wave", k), zap.Int("participants", normalized.Len()),
			zap.Int("columns", len(normalized.Columns)))
		sources.Waves = append(sources.Waves, normalized)
	}
	known := map[string]bool{}
	for _, name := range cb.PreStudyNames() {
		known[name] = true
		fileName, ok := in.PreStudy[name]
		if !ok {
			r.logger.Warn("no pre-study file configured", zap.String("preStudy", name))
			continue
		}
		raw, err := src.Read(name, r.cfg.Path(fileName))
		if err != nil {
			return sources, err
		}
		normalized, err := cb.NormalizePreStudy(raw, name)
		if err != nil {
			return sources, err
		}
		sources.PreStudy = append(sources.PreStudy, normalized)
	}
	for name := range in.PreStudy {
		if !known[name] {
			return sources, fmt.Errorf("inputs.pre_study: %s is not in the codebook: %w", name, ErrConfig)
		}
	}
	sources.Financial = map[int]*table.Table{}
	waves := make([]int, 0, len(in.Financial))
	for k := range in.Financial {
		waves = append(waves, k)
	}
	sort.Ints(waves)
	for _, k := range waves {
		raw, err := src.Read(wave.Col(k, "financial"), r.cfg.Path(in.Financial[k]))
		if err != nil {
			return sources, err
		}
		if sources.Financial[k], err = cb.NormalizeFinancial(raw, k); err != nil {
			return sources, err
		}
	}
	return sources, nil
}

func (r *run) merge() error {
	sources, err := r.readSources()
	if err != nil {
		return err
	}
	if r.merged, err = cohort.Merge(sources, r.logger); err != nil {
		return err
	}
	r.report.Participants, r.report.Columns = r.merged.Len(), len(r.merged.Columns)
	return table.Save(r.merged, ArtifactPath(r.opts.OutputPath, r.merged.Name))
}

func (r *run) loadMerged() (err error) {
	r.merged, err = table.Load(ArtifactPath(r.opts.OutputPath, "merged"))
	return err
}

func (r *run) reconcile() error {
	master, report, err := cohort.Reconcile(r.merged, r.codebook, r.corrections, r.logger)
	if err != nil {
		return err
	}
	r.master = master
	r.report.Reconcile = report
	metrics := cohort.Summarize(master, r.codebook, r.logger)
	r.report.Metrics = &metrics
	return r.persist(master, master.Name)
}

func (r *run) loadMaster() (err error) {
	r.master, err = table.Load(ArtifactPath(r.opts.OutputPath, "master"))
	return err
}

func (r *run) survival() error {
	survivals, reports, err := survival.BuildAll(r.master, r.logger)
	if err != nil {
		return err
	}
	for _, d := range survival.Directions {
		if err := r.persist(survivals[d.Name], survivalName(d.Name)); err != nil {
			return err
		}
	}
	r.survivals = survivals
	r.report.Survival = reports
	return nil
}

func (r *run) loadSurvivals() error {
	if err := r.loadMaster(); err != nil {
		return err
	}
	r.survivals = map[string]*table.Table{}
	for _, d := range survival.Directions {
		t, err := table.Load(ArtifactPath(r.opts.OutputPath, survivalName(d.Name)))
		if err != nil {
			return err
		}
		r.survivals[d.Name] = t
	}
	return nil
}

func (r *run) impute() error {
	imp := r.cfg.Imputation
	mf := impute.NewMissForest(r.logger)
	mf.Trees = imp.Trees
	mf.MaxIter = imp.MaxIter
	mf.Categorical = impute.CategoricalCovariates
	adapter := &impute.Adapter{
		Imputer:     mf,
		Imputations: imp.Imputations,
		Seed:        imp.Seed,
		WarnError:   imp.WarnError,
		Logger:      r.logger,
	}
	result, err := adapter.Run(r.master, r.survivals)
	if err != nil {
		return err
	}
	for _, d := range survival.Directions {
		for m, t := range result.Tables[d.Name] {
			if err := r.persist(t, impute.ImputedName(d.Name, m, imp.Imputations)); err != nil {
				return err
			}
		}
	}
	r.report.Imputation = result.Diagnostics
	return writeYAML(filepath.Join(r.opts.OutputPath, diagnosticsFile), result.Diagnostics)
}

// persist saves a table as a stage artifact and as CSV next to it.
func (r *run) persist(t *table.Table, name string) error {
	if err := table.Save(t, ArtifactPath(r.opts.OutputPath, name)); err != nil {
		return err
	}
	if err := table.WriteCSVFile(t, filepath.Join(r.opts.OutputPath, name+".csv")); err != nil {
		return err
	}
	r.logger.Info("persisted table", zap.String("table", name), zap.Int("rows", t.Len()),
		zap.Int("columns", len(t.Columns)))
	return nil
}

// writeYAML writes a value as YAML under a temporary name and renames it into place.
func writeYAML(fileName string, v interface{}) (err error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	tmp := fileName + ".tmp"
	if err = os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, fileName)
}
