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

package table

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// NA is written for missing cells.
const NA = "NA"

// FormatFloat prints a numeric cell the way it is written to CSV: integral values without a fraction.
func FormatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// WriteCSV prints a table as comma separated values. The first column is the participant ID, missing cells are
// printed as NA.
func WriteCSV(t *Table, w io.Writer) error {
	cw := csv.NewWriter(w)
	header := append([]string{IDColumn}, t.Names()...)
	if err := cw.Write(header); err != nil {
		return err
	}
	record := make([]string, len(header))
	for row, id := range t.IDs {
		record[0] = strconv.FormatInt(id, 10)
		for i, c := range t.Columns {
			switch {
			case c.Missing(row):
				record[i+1] = NA
			case c.Kind == String:
				record[i+1] = c.Strings[row].String
			default:
				record[i+1] = FormatFloat(c.Floats[row].Float64)
			}
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSVFile prints a table to a file, going through a temporary file that is renamed into place.
func WriteCSVFile(t *Table, fileName string) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(fileName), filepath.Base(fileName)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if err = WriteCSV(t, tmp); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), fileName)
}
