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
	"errors"
	"fmt"
	"path/filepath"

	"ageingpanel/wave"

	"github.com/ilyakaznacheev/cleanenv"
)

var ErrConfig = errors.New("invalid configuration")

// Config holds the configuration of a pipeline run. It is read from a YAML file; environment variables override the
// values of the fields that declare one.
type Config struct {
	Inputs InputsConfig `yaml:"inputs"`

	// Codebook is a YAML codebook replacing the built-in one. Empty means built-in.
	Codebook string `yaml:"codebook" env:"AGEINGPANEL_CODEBOOK" env-default:""`
	// Corrections is a YAML correction list replacing the built-in one. Empty means built-in.
	Corrections string `yaml:"corrections" env:"AGEINGPANEL_CORRECTIONS" env-default:""`

	// LogMode selects JSON (production) or console (development) logging.
	LogMode string `yaml:"log_mode" env:"AGEINGPANEL_LOG_MODE" env-default:"development"`

	Imputation ImputationConfig `yaml:"imputation"`

	NrOfThreads int `yaml:"nr_of_threads" env:"AGEINGPANEL_NR_OF_THREADS" env-default:"0"`
}

// InputsConfig lists the exported panel files. Relative file names are resolved against Dir, and a relative Dir
// against the directory of the configuration file.
type InputsConfig struct {
	Dir       string            `yaml:"dir" env:"AGEINGPANEL_INPUT_DIR" env-default:""`
	Index     string            `yaml:"index"`
	Waves     []string          `yaml:"waves"`     //one file per wave, in wave order
	PreStudy  map[string]string `yaml:"pre_study"` //keyed by pre-study name
	Financial map[int]string    `yaml:"financial"` //keyed by wave
}

// ImputationConfig configures the covariate imputation.
type ImputationConfig struct {
	Seed        uint32  `yaml:"seed" env:"AGEINGPANEL_SEED" env-default:"2023"`
	Trees       int     `yaml:"trees" env:"AGEINGPANEL_TREES" env-default:"100"`
	MaxIter     int     `yaml:"max_iter" env:"AGEINGPANEL_MAX_ITER" env-default:"10"`
	Imputations int     `yaml:"imputations" env:"AGEINGPANEL_IMPUTATIONS" env-default:"1"`
	WarnError   float64 `yaml:"warn_error" env:"AGEINGPANEL_WARN_ERROR" env-default:"0.5"`
}

// Load reads a configuration file, applies the environment overrides, and resolves the input file names.
func Load(fileName string) (*Config, error) {
	cfg := &Config{}
	if err := cleanenv.ReadConfig(fileName, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", fileName, err)
	}
	if !filepath.IsAbs(cfg.Inputs.Dir) {
		cfg.Inputs.Dir = filepath.Join(filepath.Dir(fileName), cfg.Inputs.Dir)
	}
	cfg.Codebook = cfg.resolve(filepath.Dir(fileName), cfg.Codebook)
	cfg.Corrections = cfg.resolve(filepath.Dir(fileName), cfg.Corrections)
	return cfg, nil
}

func (c *Config) resolve(dir, fileName string) string {
	if fileName == "" || filepath.IsAbs(fileName) {
		return fileName
	}
	return filepath.Join(dir, fileName)
}

// Path resolves an input file name against the input directory.
func (c *Config) Path(fileName string) string {
	return c.resolve(c.Inputs.Dir, fileName)
}

// Validate checks the configuration for errors that would otherwise only surface halfway through a run.
func (c *Config) Validate() error {
	if c.Inputs.Index == "" {
		return fmt.Errorf("inputs.index is required: %w", ErrConfig)
	}
	if len(c.Inputs.Waves) != wave.NofWaves {
		return fmt.Errorf("inputs.waves lists %d files, expected %d: %w", len(c.Inputs.Waves), wave.NofWaves, ErrConfig)
	}
	for i, w := range c.Inputs.Waves {
		if w == "" {
			return fmt.Errorf("inputs.waves: no file for wave %d: %w", i+1, ErrConfig)
		}
	}
	for k := range c.Inputs.Financial {
		if k < 1 || k > wave.NofWaves {
			return fmt.Errorf("inputs.financial: wave %d: %w", k, ErrConfig)
		}
	}
	imp := c.Imputation
	switch {
	case imp.Trees < 1:
		return fmt.Errorf("imputation.trees must be positive: %w", ErrConfig)
	case imp.MaxIter < 1:
		return fmt.Errorf("imputation.max_iter must be positive: %w", ErrConfig)
	case imp.Imputations < 1:
		return fmt.Errorf("imputation.imputations must be positive: %w", ErrConfig)
	case imp.WarnError < 0:
		return fmt.Errorf("imputation.warn_error must not be negative: %w", ErrConfig)
	}
	if c.NrOfThreads < 0 {
		return fmt.Errorf("nr_of_threads must not be negative: %w", ErrConfig)
	}
	return nil
}
