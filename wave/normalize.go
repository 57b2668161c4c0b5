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
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"ageingpanel/table"

	"gopkg.in/guregu/null.v3"
)

// Prefix returns the column prefix of wave k.
func Prefix(k int) string {
	return "w" + strconv.Itoa(k)
}

// Col returns the normalized column name of a field in wave k, e.g. Col(3, "stroke") is "w3stroke".
func Col(k int, field string) string {
	return Prefix(k) + field
}

// Labels of the normalized ethnicity and smoking fields.
const (
	White    = "white"
	NonWhite = "non-white"

	Never   = "never"
	Ex      = "ex"
	Current = "current"
)

// normalizer carries the state of normalizing one raw table: the source, its sentinel codes, and the table being
// built. Errors name the source table and wave so a codebook mismatch can be traced to a release.
type normalizer struct {
	raw       *table.Table
	out       *table.Table
	wave      int
	sentinels map[int]bool
}

func newNormalizer(raw *table.Table, name string, wave int, sentinels []int) (*normalizer, error) {
	out, err := table.New(name, raw.IDs)
	if err != nil {
		return nil, err
	}
	n := &normalizer{raw: raw, out: out, wave: wave, sentinels: map[int]bool{}}
	for _, s := range sentinels {
		n.sentinels[s] = true
	}
	return n, nil
}

// withSentinels returns a normalizer that writes to the same table but uses another set of sentinel codes.
func (n *normalizer) withSentinels(sentinels []int) *normalizer {
	m := &normalizer{raw: n.raw, out: n.out, wave: n.wave, sentinels: map[int]bool{}}
	for _, s := range sentinels {
		m.sentinels[s] = true
	}
	return m
}

func (n *normalizer) missingField(field string) error {
	return fmt.Errorf("%s: wave %d: %s: %w", n.raw.Name, n.wave, field, ErrMissingField)
}

func (n *normalizer) unknownCode(field string, row int, value interface{}) error {
	return fmt.Errorf("%s: wave %d: %s: participant %d: value %v: %w", n.raw.Name, n.wave, field, n.raw.ID(row), value,
		ErrUnknownCode)
}

// column looks up a raw field. Every field named in the codebook must be present.
func (n *normalizer) column(field string) (*table.Column, error) {
	c, ok := n.raw.Column(field)
	if !ok {
		return nil, n.missingField(field)
	}
	return c, nil
}

// code reads a raw numeric code. The second result is false for missing cells and sentinel codes.
func (n *normalizer) code(c *table.Column, row int) (int, bool, error) {
	var f float64
	if c.Kind == table.String {
		v := c.Strings[row]
		if !v.Valid || strings.TrimSpace(v.String) == "" {
			return 0, false, nil
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v.String), 64)
		if err != nil {
			return 0, false, n.unknownCode(c.Name, row, v.String)
		}
		f = parsed
	} else {
		v := c.Floats[row]
		if !v.Valid {
			return 0, false, nil
		}
		f = v.Float64
	}
	if f != math.Trunc(f) {
		return 0, false, n.unknownCode(c.Name, row, f)
	}
	code := int(f)
	if n.sentinels[code] {
		return code, false, nil
	}
	return code, true, nil
}

// number reads a raw descriptive value; sentinel codes and missing cells become missing.
func (n *normalizer) number(c *table.Column, row int) (null.Float, error) {
	if c.Kind == table.String {
		code, ok, err := n.code(c, row)
		if err != nil || !ok {
			return null.Float{}, err
		}
		return null.FloatFrom(float64(code)), nil
	}
	v := c.Floats[row]
	if !v.Valid || (v.Float64 == math.Trunc(v.Float64) && n.sentinels[int(v.Float64)]) {
		return null.Float{}, nil
	}
	return v, nil
}

// addNumber copies a descriptive field with sentinels mapped to missing. An empty field name adds an all-missing
// column.
func (n *normalizer) addNumber(name, field string) error {
	col, err := n.out.AddFloat(name)
	if err != nil || field == "" {
		return err
	}
	c, err := n.column(field)
	if err != nil {
		return err
	}
	for row := range n.raw.IDs {
		if col.Floats[row], err = n.number(c, row); err != nil {
			return err
		}
	}
	return nil
}

// addCoded copies a categorical numeric field, checking each code against the known set.
func (n *normalizer) addCoded(name, field string, known []int) error {
	col, err := n.out.AddFloat(name)
	if err != nil {
		return err
	}
	c, err := n.column(field)
	if err != nil {
		return err
	}
	for row := range n.raw.IDs {
		code, ok, err := n.code(c, row)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if !member(code, known) {
			return n.unknownCode(field, row, code)
		}
		col.Floats[row] = null.FloatFrom(float64(code))
	}
	return nil
}

// addLabel recodes a categorical field into text labels. Sentinels and missing cells become missing.
func (n *normalizer) addLabel(name, field string, labels map[int]string) error {
	col, err := n.out.AddString(name)
	if err != nil {
		return err
	}
	c, err := n.column(field)
	if err != nil {
		return err
	}
	for row := range n.raw.IDs {
		code, ok, err := n.code(c, row)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		label, found := labels[code]
		if !found {
			return n.unknownCode(field, row, code)
		}
		col.Strings[row] = null.StringFrom(label)
	}
	return nil
}

// yesNo reads a 1 = yes / 2 = no question. Missing cells and sentinels yield the given default.
func (n *normalizer) yesNo(c *table.Column, row int, otherwise null.Float) (null.Float, error) {
	code, ok, err := n.code(c, row)
	if err != nil || !ok {
		return otherwise, err
	}
	switch code {
	case 1:
		return null.FloatFrom(1), nil
	case 2:
		return null.FloatFrom(0), nil
	}
	return null.Float{}, n.unknownCode(c.Name, row, code)
}

// flag builds a 0/1 outcome column that is 1 when test accepts the code of any of the given fields. Sentinels and
// missing cells count as 0.
func (n *normalizer) flag(name string, fields []string, valid func(code int) bool, test func(code int) bool) error {
	col, err := n.out.AddFloat(name)
	if err != nil {
		return err
	}
	cols := make([]*table.Column, len(fields))
	for i, field := range fields {
		if cols[i], err = n.column(field); err != nil {
			return err
		}
	}
	for row := range n.raw.IDs {
		value := 0.0
		for _, c := range cols {
			code, ok, err := n.code(c, row)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if !valid(code) {
				return n.unknownCode(c.Name, row, code)
			}
			if test(code) {
				value = 1
			}
		}
		col.Floats[row] = null.FloatFrom(value)
	}
	return nil
}

func member(code int, codes []int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// NormalizeWave maps a raw wave table onto the uniform w<k> schema using the codebook of wave k. The result depends
// only on the raw table and the codebook.
func (cb *Codebook) NormalizeWave(raw *table.Table, k int) (*table.Table, error) {
	spec := cb.Wave(k)
	n, err := newNormalizer(raw, Prefix(k), k, spec.Sentinels)
	if err != nil {
		return nil, err
	}
	if spec.Outcome.Field != "" {
		if err := n.addCoded(Col(k, "outcome"), spec.Outcome.Field, spec.Outcome.Known); err != nil {
			return nil, err
		}
	}
	steps := []func(*normalizer, *WaveSpec) error{
		cb.normalizeStroke,
		cb.normalizePsych,
		cb.normalizeRegion,
		cb.normalizeEthnicity,
		cb.normalizeSmoking,
		cb.normalizeOrdinals,
		cb.normalizeDemographics,
	}
	for _, step := range steps {
		if err := step(n, spec); err != nil {
			return nil, err
		}
	}
	return n.out, nil
}

func (cb *Codebook) normalizeStroke(n *normalizer, spec *WaveSpec) error {
	s := spec.Stroke
	valid := func(code int) bool { return (code >= 1 && code <= s.MaxCode) || code == s.NoneCode }
	if err := n.flag(Col(spec.Wave, "stroke"), s.Slots, valid, func(code int) bool { return code == s.Code }); err != nil {
		return err
	}
	if err := n.addNumber(Col(spec.Wave, "strokeage"), s.Age); err != nil {
		return err
	}
	if err := n.addNumber(Col(spec.Wave, "strokeyear"), s.Year); err != nil {
		return err
	}
	return n.addNumber(Col(spec.Wave, "strokecount"), s.Count)
}

// psychColumns are the normalized psychiatric columns, keyed by condition.
var psychColumns = []struct{ condition, column string }{
	{"halluc", "halluc"},
	{"schizophrenia", "schz"},
	{"psychosis", "psychosislabel"},
	{"depression", "depression"},
	{"anxiety", "anxiety"},
}

func (cb *Codebook) normalizePsych(n *normalizer, spec *WaveSpec) error {
	p := spec.Psych
	k := spec.Wave
	if len(p.Named) > 0 {
		valid := func(code int) bool { return code == 0 || code == 1 }
		yes := func(code int) bool { return code == 1 }
		for _, pc := range psychColumns {
			field, ok := p.Named[pc.condition]
			if !ok {
				return fmt.Errorf("%w: wave %d: no field for %s", ErrCodebook, k, pc.condition)
			}
			if err := n.flag(Col(k, pc.column), []string{field}, valid, yes); err != nil {
				return err
			}
		}
	} else {
		codes := map[string]int{
			"halluc":        p.Halluc,
			"schizophrenia": p.Schizophrenia,
			"psychosis":     p.Psychosis,
			"depression":    p.Depression,
			"anxiety":       p.Anxiety,
		}
		valid := func(code int) bool { return (code >= 1 && code <= p.MaxCode) || code == p.NoneCode }
		for _, pc := range psychColumns {
			target := codes[pc.condition]
			if err := n.flag(Col(k, pc.column), p.Slots, valid, func(code int) bool { return code == target }); err != nil {
				return err
			}
		}
	}
	return composePsychosis(n.out, k)
}

// composePsychosis derives psychosisany from the three psychosis-spectrum items of wave k.
func composePsychosis(t *table.Table, k int) error {
	col, err := t.AddFloat(Col(k, "psychosisany"))
	if err != nil {
		return err
	}
	items := []string{Col(k, "halluc"), Col(k, "schz"), Col(k, "psychosislabel")}
	for row := range t.IDs {
		value := 0.0
		for _, item := range items {
			if t.Float(item, row).Float64 == 1 {
				value = 1
			}
		}
		col.Floats[row] = null.FloatFrom(value)
	}
	return nil
}

func (cb *Codebook) normalizeRegion(n *normalizer, spec *WaveSpec) error {
	col, err := n.out.AddString(Col(spec.Wave, "region"))
	if err != nil {
		return err
	}
	c, err := n.column(spec.Region.Field)
	if err != nil {
		return err
	}
	scheme := cb.RegionSchemes[spec.Region.Scheme]
	for row := range n.raw.IDs {
		raw, ok, err := n.regionCode(c, row)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		label, ok, err := canonicalRegion(raw, scheme, n.sentinels)
		if err == errBlankRegion {
			continue
		}
		if err != nil {
			return n.unknownCode(spec.Region.Field, row, strconv.Quote(raw))
		}
		if ok {
			col.Strings[row] = null.StringFrom(label)
		}
	}
	return nil
}

// regionCode reads the raw text of a region cell. The second result is false for missing cells and sentinel codes.
func (n *normalizer) regionCode(c *table.Column, row int) (string, bool, error) {
	if c.Kind == table.String {
		v := c.Strings[row]
		return v.String, v.Valid, nil
	}
	code, ok, err := n.code(c, row)
	if err != nil || !ok {
		return "", false, err
	}
	return strconv.Itoa(code), true, nil
}

// UnlistedBlankRegions returns the participants of a raw wave-k table whose region holds only whitespace but who are
// not on the known blank list of the codebook. Their region is normalized to missing like that of listed participants.
func (cb *Codebook) UnlistedBlankRegions(raw *table.Table, k int) []int64 {
	spec := cb.Wave(k)
	c, ok := raw.Column(spec.Region.Field)
	if !ok || c.Kind != table.String {
		return nil
	}
	var ids []int64
	for row, id := range raw.IDs {
		v := c.Strings[row]
		if v.Valid && strings.TrimSpace(v.String) == "" && !member64(id, spec.Region.BlankIDs) {
			ids = append(ids, id)
		}
	}
	return ids
}

func member64(id int64, ids []int64) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}

// errBlankRegion marks a region cell that holds only whitespace.
var errBlankRegion = errors.New("blank region")

// canonicalRegion maps a raw region code onto its label. Sentinel codes yield no label. Whitespace around a code is
// ignored; a cell with only whitespace yields errBlankRegion.
func canonicalRegion(raw string, scheme map[string]string, sentinels map[int]bool) (string, bool, error) {
	code := strings.TrimSpace(raw)
	if code == "" {
		return "", false, errBlankRegion
	}
	if label, ok := scheme[code]; ok {
		return label, true, nil
	}
	if s, err := strconv.Atoi(code); err == nil && sentinels[s] {
		return "", false, nil
	}
	return "", false, ErrUnknownCode
}

func (cb *Codebook) normalizeEthnicity(n *normalizer, spec *WaveSpec) error {
	e := spec.Ethnicity
	return n.addLabel(Col(spec.Wave, "ethnicity"), e.Field, map[int]string{e.White: White, e.NonWhite: NonWhite})
}

// SmokingLabel derives the smoking status from the ever and now flags.
func SmokingLabel(ever, now null.Float) null.String {
	switch {
	case !ever.Valid:
		return null.String{}
	case ever.Float64 == 0:
		return null.StringFrom(Never)
	case now.Valid && now.Float64 == 1:
		return null.StringFrom(Current)
	}
	return null.StringFrom(Ex)
}

func (cb *Codebook) normalizeSmoking(n *normalizer, spec *WaveSpec) error {
	k := spec.Wave
	everCol, err := n.column(spec.Smoking.Ever)
	if err != nil {
		return err
	}
	nowCol, err := n.column(spec.Smoking.Now)
	if err != nil {
		return err
	}
	ever, err := n.out.AddFloat(Col(k, "smokeever"))
	if err != nil {
		return err
	}
	now, err := n.out.AddFloat(Col(k, "smokenow"))
	if err != nil {
		return err
	}
	smoking, err := n.out.AddString(Col(k, "smoking"))
	if err != nil {
		return err
	}
	for row := range n.raw.IDs {
		if ever.Floats[row], err = n.yesNo(everCol, row, null.Float{}); err != nil {
			return err
		}
		// failing to confirm current smoking counts as not smoking
		if now.Floats[row], err = n.yesNo(nowCol, row, null.FloatFrom(0)); err != nil {
			return err
		}
		smoking.Strings[row] = SmokingLabel(ever.Floats[row], now.Floats[row])
	}
	return nil
}

func (cb *Codebook) normalizeOrdinals(n *normalizer, spec *WaveSpec) error {
	if err := n.addLabel(Col(spec.Wave, "alcohol"), spec.Alcohol.Field, cb.Scales[spec.Alcohol.Scale]); err != nil {
		return err
	}
	return n.addLabel(Col(spec.Wave, "vigorousact"), spec.Activity.Field, cb.Scales[spec.Activity.Scale])
}

func (cb *Codebook) normalizeDemographics(n *normalizer, spec *WaveSpec) error {
	k := spec.Wave
	if err := n.addNumber(Col(k, "age"), spec.Age); err != nil {
		return err
	}
	if err := n.addCoded(Col(k, "sex"), spec.Sex, []int{1, 2}); err != nil {
		return err
	}
	return n.addNumber(Col(k, "birthyear"), spec.BirthYear)
}
