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
	"fmt"
	"sort"

	"ageingpanel/table"

	"gopkg.in/guregu/null.v3"
)

// NormalizeIndex extracts from the participant index table the outcome codes of the waves the index covers, the raw
// mortality code, and the wave of death. A mortality code must either collapse onto a wave or be listed as alive or
// unknown.
func (cb *Codebook) NormalizeIndex(raw *table.Table) (*table.Table, error) {
	n, err := newNormalizer(raw, "index", 0, cb.Index.Sentinels)
	if err != nil {
		return nil, err
	}
	waves := make([]int, 0, len(cb.Index.OutcomeFields))
	for k := range cb.Index.OutcomeFields {
		waves = append(waves, k)
	}
	sort.Ints(waves)
	for _, k := range waves {
		n.wave = k
		if err := n.addCoded(Col(k, "outcome"), cb.Index.OutcomeFields[k], cb.Wave(k).Outcome.Known); err != nil {
			return nil, err
		}
	}
	n.wave = 0
	if err := n.addNumber("deathcode", cb.Index.DeathField); err != nil {
		return nil, err
	}
	death, err := n.out.AddFloat("wavefirstreport_death")
	if err != nil {
		return nil, err
	}
	for row := range raw.IDs {
		code := n.out.Float("deathcode", row)
		if !code.Valid {
			continue
		}
		c := int(code.Float64)
		if k, ok := cb.Index.DeathWaves[c]; ok {
			death.Floats[row] = null.FloatFrom(float64(k))
		} else if !member(c, cb.Index.AliveCodes) {
			return nil, n.unknownCode(cb.Index.DeathField, row, c)
		}
	}
	return n.out, nil
}

// NormalizePreStudy maps a pre-study survey table onto <name>stroke, <name>strokeage and the configured psychiatric
// flags. As in the study waves, sentinels on outcome questions count as no.
func (cb *Codebook) NormalizePreStudy(raw *table.Table, name string) (*table.Table, error) {
	var spec *PreStudySpec
	for i := range cb.PreStudy {
		if cb.PreStudy[i].Name == name {
			spec = &cb.PreStudy[i]
		}
	}
	if spec == nil {
		return nil, fmt.Errorf("%w: no pre-study table %s", ErrCodebook, name)
	}
	n, err := newNormalizer(raw, name, 0, spec.Sentinels)
	if err != nil {
		return nil, err
	}
	if err := n.addYesNo(name+"stroke", spec.Stroke); err != nil {
		return nil, err
	}
	if err := n.addNumber(name+"strokeage", spec.StrokeAge); err != nil {
		return nil, err
	}
	conditions := make([]string, 0, len(spec.Psych))
	for condition := range spec.Psych {
		conditions = append(conditions, condition)
	}
	sort.Strings(conditions)
	for _, condition := range conditions {
		if err := n.addYesNo(name+condition, spec.Psych[condition]); err != nil {
			return nil, err
		}
	}
	return n.out, nil
}

func (n *normalizer) addYesNo(name, field string) error {
	col, err := n.out.AddFloat(name)
	if err != nil {
		return err
	}
	c, err := n.column(field)
	if err != nil {
		return err
	}
	for row := range n.raw.IDs {
		if col.Floats[row], err = n.yesNo(c, row, null.FloatFrom(0)); err != nil {
			return err
		}
	}
	return nil
}

// NormalizeFinancial maps the financial table of wave k onto w<k>netwealth_sum and w<k>netwealth_q5. Negative wealth
// sums are kept; the missing-value codes of the sum and the quintile sentinels become missing.
func (cb *Codebook) NormalizeFinancial(raw *table.Table, k int) (*table.Table, error) {
	n, err := newNormalizer(raw, Prefix(k)+"financial", k, cb.Financial.Sentinels)
	if err != nil {
		return nil, err
	}
	sum, err := n.column(cb.Financial.Sum)
	if err != nil {
		return nil, err
	}
	if sum.Kind != table.Float {
		return nil, fmt.Errorf("%s: wave %d: %s is not numeric: %w", raw.Name, k, cb.Financial.Sum, ErrUnknownCode)
	}
	if err := n.withSentinels(cb.Financial.SumSentinels).addNumber(Col(k, "netwealth_sum"), cb.Financial.Sum); err != nil {
		return nil, err
	}
	if err := n.addCoded(Col(k, "netwealth_q5"), cb.Financial.Quintile, []int{1, 2, 3, 4, 5}); err != nil {
		return nil, err
	}
	return n.out, nil
}
