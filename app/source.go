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
	"compress/gzip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"ageingpanel/table"

	"gopkg.in/guregu/null.v3"
)

var ErrMissingColumn = errors.New("missing column")

// Source reads a raw panel table from a file.
type Source interface {
	Read(name, fileName string) (*table.Table, error)
}

// CSVSource reads panel tables exported as comma separated files with a header row, optionally gzip compressed.
// Cells of the string fields are kept verbatim. Every other column is numeric when all of its cells parse as numbers
// and text otherwise; empty cells are missing.
type CSVSource struct {
	StringFields map[string]bool
}

// NewCSVSource creates a source that keeps the given fields as text.
func NewCSVSource(stringFields []string) *CSVSource {
	s := &CSVSource{StringFields: map[string]bool{}}
	for _, f := range stringFields {
		s.StringFields[f] = true
	}
	return s
}

// Read parses a file into a table with the given name.
func (s *CSVSource) Read(name, fileName string) (t *table.Table, err error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()
	var r io.Reader = file
	if strings.HasSuffix(fileName, ".gz") {
		zr, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fileName, err)
		}
		defer zr.Close()
		r = zr
	}
	t, err = s.parse(name, r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}
	return t, nil
}

func (s *CSVSource) parse(name string, r io.Reader) (*table.Table, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("no header: %w", ErrMissingColumn)
	}
	if err != nil {
		return nil, err
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	idIndex := -1
	for i, h := range header {
		if h == table.IDColumn {
			idIndex = i
		}
	}
	if idIndex < 0 {
		return nil, fmt.Errorf("%s: %w", table.IDColumn, ErrMissingColumn)
	}
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(records))
	for i, record := range records {
		id, err := strconv.ParseFloat(strings.TrimSpace(record[idIndex]), 64)
		if err != nil || id != float64(int64(id)) {
			return nil, fmt.Errorf("line %d: malformed %s %q", i+2, table.IDColumn, record[idIndex])
		}
		ids[i] = int64(id)
	}
	t, err := table.New(name, ids)
	if err != nil {
		return nil, err
	}
	rows := make([]int, len(records))
	for i, id := range ids {
		rows[i], _ = t.Row(id)
	}
	for col, h := range header {
		if col == idIndex {
			continue
		}
		if err := s.addColumn(t, h, col, records, rows); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// addColumn copies one column of the records into the table. Records are in file order, table rows in ID order.
func (s *CSVSource) addColumn(t *table.Table, name string, col int, records [][]string, rows []int) error {
	values := make([]float64, len(records))
	numeric := !s.StringFields[name]
	for i, record := range records {
		cell := strings.TrimSpace(record[col])
		if !numeric || cell == "" {
			continue
		}
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			numeric = false
			continue
		}
		values[i] = v
	}
	if numeric {
		c, err := t.AddFloat(name)
		if err != nil {
			return err
		}
		for i, record := range records {
			if strings.TrimSpace(record[col]) != "" {
				c.Floats[rows[i]] = null.FloatFrom(values[i])
			}
		}
		return nil
	}
	c, err := t.AddString(name)
	if err != nil {
		return err
	}
	for i, record := range records {
		if s.StringFields[name] || strings.TrimSpace(record[col]) != "" {
			c.Strings[rows[i]] = null.StringFrom(record[col])
		}
	}
	return nil
}
