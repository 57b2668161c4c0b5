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
	"fmt"
	"math"
	"sort"
	"strconv"

	"ageingpanel/table"

	"github.com/exascience/pargo/parallel"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/guregu/null.v3"
)

var ErrNoObservations = errors.New("variable has no observed values")

// Imputer fills in the missing cells of a table. The same seed on the same table gives the same result.
type Imputer interface {
	Impute(t *table.Table, seed uint32) (*table.Table, *Diagnostics, error)
}

// Error measures of the out-of-bag error.
const (
	NRMSE = "NRMSE"
	PFC   = "PFC"
)

// VariableError is the out-of-bag error of the forest of one imputed variable.
type VariableError struct {
	Name    string  `yaml:"name"`
	Measure string  `yaml:"measure"`
	Error   float64 `yaml:"error"`
	Missing int     `yaml:"missing"`
}

// Diagnostics describes an imputation run. None of it ends up in the imputed data.
type Diagnostics struct {
	Seed       uint32          `yaml:"seed"`
	Iterations int             `yaml:"iterations"`
	Converged  bool            `yaml:"converged"`
	NRMSE      float64         `yaml:"nrmse"`
	PFC        float64         `yaml:"pfc"`
	Variables  []VariableError `yaml:"variables"`
}

// MissForest imputes by iteratively fitting a random forest per incomplete variable on the observed rows of that
// variable and predicting its missing rows.
type MissForest struct {
	Trees              int
	MaxIter            int
	MinLeafNumeric     int
	MinLeafCategorical int
	Categorical        []string //numeric columns imputed as categories
	Logger             *zap.Logger
}

// NewMissForest returns an imputer with the usual settings: 100 trees, at most 10 iterations, leaves of at least 5
// rows for numeric and 1 row for categorical targets.
func NewMissForest(logger *zap.Logger) *MissForest {
	return &MissForest{Trees: 100, MaxIter: 10, MinLeafNumeric: 5, MinLeafCategorical: 1, Logger: logger}
}

// variable is one column of the table being imputed.
type variable struct {
	name        string
	kind        table.Kind
	categorical bool
	levels      []string  //categorical: level labels
	levelValues []float64 //categorical numeric columns: level values
	missing     []int     //rows with a missing cell
	observed    []int     //rows with a value
}

func newVariable(c *table.Column, categorical bool) *variable {
	v := &variable{name: c.Name, kind: c.Kind, categorical: categorical || c.Kind == table.String}
	for row := range c.Floats {
		if c.Missing(row) {
			v.missing = append(v.missing, row)
		} else {
			v.observed = append(v.observed, row)
		}
	}
	for row := range c.Strings {
		if c.Missing(row) {
			v.missing = append(v.missing, row)
		} else {
			v.observed = append(v.observed, row)
		}
	}
	return v
}

// encode returns the numeric values of a column: the value itself, or the index of its level for categorical
// variables. Levels are sorted so the encoding does not depend on row order.
func (v *variable) encode(c *table.Column) []float64 {
	values := make([]float64, len(v.missing)+len(v.observed))
	if !v.categorical {
		for _, row := range v.observed {
			values[row] = c.Floats[row].Float64
		}
		return values
	}
	if c.Kind == table.String {
		seen := map[string]bool{}
		for _, row := range v.observed {
			seen[c.Strings[row].String] = true
		}
		for level := range seen {
			v.levels = append(v.levels, level)
		}
		sort.Strings(v.levels)
		index := map[string]int{}
		for i, level := range v.levels {
			index[level] = i
		}
		for _, row := range v.observed {
			values[row] = float64(index[c.Strings[row].String])
		}
		return values
	}
	seen := map[float64]bool{}
	for _, row := range v.observed {
		seen[c.Floats[row].Float64] = true
	}
	for level := range seen {
		v.levelValues = append(v.levelValues, level)
	}
	sort.Float64s(v.levelValues)
	index := map[float64]int{}
	for i, level := range v.levelValues {
		index[level] = i
		v.levels = append(v.levels, strconv.FormatFloat(level, 'f', -1, 64))
	}
	for _, row := range v.observed {
		values[row] = float64(index[c.Floats[row].Float64])
	}
	return values
}

// initialValue is the mean of a numeric variable and the most frequent level, lowest on ties, of a categorical one.
func (v *variable) initialValue(values []float64) float64 {
	observed := make([]float64, len(v.observed))
	for i, row := range v.observed {
		observed[i] = values[row]
	}
	if !v.categorical {
		return stat.Mean(observed, nil)
	}
	counts := make([]int, len(v.levels))
	for _, x := range observed {
		counts[int(x)]++
	}
	best := 0
	for i, c := range counts {
		if c > counts[best] {
			best = i
		}
	}
	return float64(best)
}

func (m *MissForest) isCategorical(name string) bool {
	for _, c := range m.Categorical {
		if c == name {
			return true
		}
	}
	return false
}

// Impute returns a copy of the table with every missing cell filled in, and the diagnostics of the run.
func (m *MissForest) Impute(t *table.Table, seed uint32) (*table.Table, *Diagnostics, error) {
	f := &frame{}
	vars := make([]*variable, len(t.Columns))
	for i, c := range t.Columns {
		v := newVariable(c, m.isCategorical(c.Name))
		if len(v.observed) == 0 {
			return nil, nil, fmt.Errorf("imputing %s: %s: %w", t.Name, c.Name, ErrNoObservations)
		}
		values := v.encode(c)
		init := v.initialValue(values)
		for _, row := range v.missing {
			values[row] = init
		}
		vars[i] = v
		f.cols = append(f.cols, values)
		f.categorical = append(f.categorical, v.categorical)
		f.nlevels = append(f.nlevels, len(v.levels))
	}

	// incomplete variables, fewest missing values first
	order := []int{}
	for i, v := range vars {
		if len(v.missing) > 0 {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return len(vars[order[i]].missing) < len(vars[order[j]].missing) })

	diagnostics := &Diagnostics{Seed: seed}
	convOld := [2]float64{math.Inf(1), math.Inf(1)}
	current, errs := f.cols, []VariableError(nil)
	for iter := 1; len(order) > 0 && iter <= m.MaxIter; iter++ {
		previous := copyColumns(current)
		f.cols = copyColumns(current)
		newErrs := m.iterate(f, vars, order, seed, iter)
		convNew := convergence(f, previous, vars, order)
		m.Logger.Debug("imputation iteration", zap.Int("iteration", iter),
			zap.Float64("numericChange", convNew[0]), zap.Float64("categoricalChange", convNew[1]))
		if !improved(convNew, convOld, f, order) {
			diagnostics.Converged = true
			break
		}
		current, errs, convOld = f.cols, newErrs, convNew
		diagnostics.Iterations = iter
	}
	f.cols = current
	diagnostics.Variables = errs
	diagnostics.NRMSE, diagnostics.PFC = overallErrors(errs)
	return decode(t, f, vars), diagnostics, nil
}

func copyColumns(cols [][]float64) [][]float64 {
	result := make([][]float64, len(cols))
	for i, c := range cols {
		result[i] = append([]float64(nil), c...)
	}
	return result
}

// iterate runs one pass over the incomplete variables, updating the frame in place.
func (m *MissForest) iterate(f *frame, vars []*variable, order []int, seed uint32, iter int) []VariableError {
	errs := make([]VariableError, 0, len(order))
	for pos, target := range order {
		v := vars[target]
		features := make([]int, 0, len(vars)-1)
		for i := range vars {
			if i != target {
				features = append(features, i)
			}
		}
		params := treeParams{mtry: int(math.Max(1, math.Floor(math.Sqrt(float64(len(features)))))),
			minLeaf: m.MinLeafNumeric}
		if v.categorical {
			params.minLeaf = m.MinLeafCategorical
		}
		fo := fitForest(f, target, features, v.observed, m.Trees, params,
			seed+uint32(iter)*1000003+uint32(pos)*7919)
		predictions := make([]float64, len(v.missing))
		for i, row := range v.missing {
			predictions[i] = fo.predict(f, row)
		}
		errs = append(errs, oobError(f, fo, v, target))
		for i, row := range v.missing {
			f.cols[target][row] = predictions[i]
		}
	}
	return errs
}

type errSum struct {
	sq, n float64
}

// oobError computes the out-of-bag error of a forest over the observed rows of its target: the normalized root mean
// squared error for numeric targets and the proportion falsely classified for categorical ones.
func oobError(f *frame, fo *forest, v *variable, target int) VariableError {
	predictions, ok := fo.oob(f, v.observed)
	y := f.cols[target]
	total := parallel.RangeReduce(0, len(v.observed), 0, func(low, high int) interface{} {
		s := errSum{}
		for j := low; j < high; j++ {
			if !ok[j] {
				continue
			}
			d := predictions[j] - y[v.observed[j]]
			if v.categorical {
				if d != 0 {
					s.sq++
				}
			} else {
				s.sq += d * d
			}
			s.n++
		}
		return s
	}, func(x, y interface{}) interface{} {
		a, b := x.(errSum), y.(errSum)
		return errSum{sq: a.sq + b.sq, n: a.n + b.n}
	}).(errSum)
	result := VariableError{Name: v.name, Missing: len(v.missing)}
	if v.categorical {
		result.Measure = PFC
		if total.n > 0 {
			result.Error = total.sq / total.n
		}
		return result
	}
	result.Measure = NRMSE
	observed := make([]float64, len(v.observed))
	for j, row := range v.observed {
		observed[j] = y[row]
	}
	variance := stat.PopVariance(observed, nil)
	if total.n > 0 && variance > 0 {
		result.Error = math.Sqrt(total.sq / total.n / variance)
	}
	return result
}

// convergence measures how much an iteration changed the imputed values: the squared difference relative to the
// squared values for numeric variables, and the fraction of changed cells for categorical ones.
func convergence(f *frame, previous [][]float64, vars []*variable, order []int) [2]float64 {
	var num, den, changed, cells float64
	for _, i := range order {
		v := vars[i]
		if v.categorical {
			for _, row := range v.missing {
				if f.cols[i][row] != previous[i][row] {
					changed++
				}
			}
			cells += float64(len(v.missing))
			continue
		}
		for row, x := range f.cols[i] {
			d := x - previous[i][row]
			num += d * d
			den += x * x
		}
	}
	result := [2]float64{}
	if den > 0 {
		result[0] = num / den
	}
	if cells > 0 {
		result[1] = changed / cells
	}
	return result
}

// improved reports whether an iteration decreased the change of any variable type present.
func improved(convNew, convOld [2]float64, f *frame, order []int) bool {
	numeric, categorical := false, false
	for _, i := range order {
		if f.categorical[i] {
			categorical = true
		} else {
			numeric = true
		}
	}
	return (numeric && convNew[0] < convOld[0]) || (categorical && convNew[1] < convOld[1])
}

// overallErrors averages the per-variable errors per measure.
func overallErrors(errs []VariableError) (nrmse, pfc float64) {
	var nn, np float64
	for _, e := range errs {
		if e.Measure == NRMSE {
			nrmse += e.Error
			nn++
		} else {
			pfc += e.Error
			np++
		}
	}
	if nn > 0 {
		nrmse /= nn
	}
	if np > 0 {
		pfc /= np
	}
	return nrmse, pfc
}

// decode writes the imputed values back into a copy of the table.
func decode(t *table.Table, f *frame, vars []*variable) *table.Table {
	result := t.Clone(t.Name)
	for i, v := range vars {
		c := result.Columns[i]
		for _, row := range v.missing {
			x := f.cols[i][row]
			switch {
			case v.kind == table.String:
				c.Strings[row] = null.StringFrom(v.levels[int(x)])
			case v.categorical:
				c.Floats[row] = null.FloatFrom(v.levelValues[int(x)])
			default:
				c.Floats[row] = null.FloatFrom(x)
			}
		}
	}
	return result
}
