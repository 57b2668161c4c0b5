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
	"sort"

	"ageingpanel/table"

	"go.uber.org/zap"
)

// Sources are the normalized input tables of the cohort merge.
type Sources struct {
	Index     *table.Table
	Waves     []*table.Table
	PreStudy  []*table.Table
	Financial map[int]*table.Table //keyed by wave
}

// assertUnique re-checks the participant ID uniqueness of a source table.
func assertUnique(t *table.Table) error {
	seen := make(map[int64]bool, len(t.IDs))
	for _, id := range t.IDs {
		if seen[id] {
			return fmt.Errorf("table %s: id %d: %w", t.Name, id, table.ErrDuplicateKey)
		}
		seen[id] = true
	}
	return nil
}

// Merge joins all sources into one wide table with a row for every participant that occurs in any source. Missing
// financial quintiles are computed from the wealth sums before joining.
func Merge(sources Sources, logger *zap.Logger) (*table.Table, error) {
	tables := []*table.Table{}
	if sources.Index != nil {
		tables = append(tables, sources.Index)
	}
	tables = append(tables, sources.Waves...)
	tables = append(tables, sources.PreStudy...)
	waves := make([]int, 0, len(sources.Financial))
	for k := range sources.Financial {
		waves = append(waves, k)
	}
	sort.Ints(waves)
	for _, k := range waves {
		fin, filled, err := ImputeQuintiles(sources.Financial[k], k)
		if err != nil {
			return nil, err
		}
		logger.Info("imputed wealth quintiles", zap.Int("wave", k), zap.Int("filled", filled))
		tables = append(tables, fin)
	}
	for _, t := range tables {
		if err := assertUnique(t); err != nil {
			return nil, err
		}
	}
	merged, err := table.JoinAll("merged", tables...)
	if err != nil {
		return nil, err
	}
	logger.Info("merged cohort", zap.Int("sources", len(tables)), zap.Int("participants", merged.Len()),
		zap.Int("columns", len(merged.Columns)))
	return merged, nil
}
