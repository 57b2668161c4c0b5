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
	"fmt"
	"sort"
	"strconv"

	"ageingpanel/cohort"
	"ageingpanel/survival"
	"ageingpanel/table"

	"go.uber.org/zap"
	"gopkg.in/guregu/null.v3"
)

// seedStride separates the seeds of successive imputations.
const seedStride = 7777

// CategoricalCovariates are the numeric covariates imputed as categories.
var CategoricalCovariates = []string{"netwealth_q5", "sex"}

// Adapter assembles the covariates of the survival tables, imputes them, and re-attaches the outcome and follow-up
// columns of each direction.
type Adapter struct {
	Imputer     Imputer
	Imputations int
	Seed        uint32
	WarnError   float64 //out-of-bag error above which a variable is reported
	Logger      *zap.Logger
}

// Result holds the imputed survival tables per direction, one per imputation, and the diagnostics per imputation.
type Result struct {
	Tables      map[string][]*table.Table
	Diagnostics []*Diagnostics
}

// Covariates builds the covariate frame of the participants in any of the survival tables from the master table.
// Unknown ethnicity is not a category and becomes missing.
func Covariates(master *table.Table, survivals map[string]*table.Table) (*table.Table, error) {
	ids := map[int64]bool{}
	for _, s := range survivals {
		for _, id := range s.IDs {
			ids[id] = true
		}
	}
	selected, err := master.Select("covariates", survival.Covariates...)
	if err != nil {
		return nil, err
	}
	frame := selected.Filter("covariates", func(row int) bool { return ids[selected.ID(row)] })
	if len(frame.IDs) != len(ids) {
		return nil, fmt.Errorf("covariates: %d participants of the survival tables are not in %s", len(ids)-len(frame.IDs),
			master.Name)
	}
	ethnicity, _ := frame.Column("ethnicity")
	for row, v := range ethnicity.Strings {
		if v.Valid && v.String == cohort.EthnicityUnknown {
			ethnicity.Strings[row] = null.String{}
		}
	}
	return frame, nil
}

// outcomes returns the columns of a survival table that are not covariates.
func outcomes(s *table.Table) (*table.Table, error) {
	covariate := map[string]bool{}
	for _, c := range survival.Covariates {
		covariate[c] = true
	}
	names := []string{}
	for _, name := range s.Names() {
		if !covariate[name] {
			names = append(names, name)
		}
	}
	return s.Select(s.Name+"outcomes", names...)
}

// Run imputes the covariates once per imputation and joins the result with the outcome columns of every direction.
func (a *Adapter) Run(master *table.Table, survivals map[string]*table.Table) (*Result, error) {
	frame, err := Covariates(master, survivals)
	if err != nil {
		return nil, err
	}
	directions := make([]string, 0, len(survivals))
	for name := range survivals {
		directions = append(directions, name)
	}
	sort.Strings(directions)
	outcomeTables := map[string]*table.Table{}
	for _, name := range directions {
		if outcomeTables[name], err = outcomes(survivals[name]); err != nil {
			return nil, err
		}
	}
	result := &Result{Tables: map[string][]*table.Table{}}
	for m := 0; m < a.Imputations; m++ {
		seed := a.Seed + uint32(m)*seedStride
		imputed, diagnostics, err := a.Imputer.Impute(frame, seed)
		if err != nil {
			return nil, err
		}
		a.report(m, diagnostics)
		result.Diagnostics = append(result.Diagnostics, diagnostics)
		for _, name := range directions {
			out := outcomeTables[name]
			covariates := imputed.Filter("covariates", func(row int) bool {
				_, ok := out.Row(imputed.ID(row))
				return ok
			})
			joined, err := table.OuterJoin(ImputedName(name, m, a.Imputations), out, covariates)
			if err != nil {
				return nil, err
			}
			result.Tables[name] = append(result.Tables[name], joined)
		}
	}
	return result, nil
}

// ImputedName names the imputed table of a direction: imputed_<direction>, with the imputation number appended when
// there is more than one.
func ImputedName(direction string, m, imputations int) string {
	if imputations <= 1 {
		return "imputed_" + direction
	}
	return "imputed_" + direction + "_" + strconv.Itoa(m+1)
}

func (a *Adapter) report(m int, d *Diagnostics) {
	a.Logger.Info("imputed covariates", zap.Int("imputation", m+1), zap.Uint32("seed", d.Seed),
		zap.Int("iterations", d.Iterations), zap.Bool("converged", d.Converged), zap.Float64("nrmse", d.NRMSE),
		zap.Float64("pfc", d.PFC))
	for _, v := range d.Variables {
		if v.Error > a.WarnError {
			a.Logger.Warn("high out-of-bag error", zap.Int("imputation", m+1), zap.String("variable", v.Name),
				zap.String("measure", v.Measure), zap.Float64("error", v.Error))
		}
	}
}
