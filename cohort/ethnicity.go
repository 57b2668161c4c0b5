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
	"ageingpanel/wave"

	"gopkg.in/guregu/null.v3"
)

// Consensus ethnicity labels.
const (
	EthnicityUnknown  = "Unknown"
	EthnicityWhite    = "White"
	EthnicityNonWhite = "Non-White"
)

// Per-wave ethnicity codes summed across waves. A non-white report outweighs any number of white reports.
const (
	whiteCode    = 1
	nonWhiteCode = 50
)

// ethnicityLookup maps every reachable sum of nine per-wave codes onto the consensus label.
var ethnicityLookup = buildEthnicityLookup(wave.NofWaves)

func buildEthnicityLookup(nofWaves int) map[int]string {
	lookup := map[int]string{}
	for nonWhite := 0; nonWhite <= nofWaves; nonWhite++ {
		for white := 0; white+nonWhite <= nofWaves; white++ {
			sum := white*whiteCode + nonWhite*nonWhiteCode
			switch {
			case sum == 0:
				lookup[sum] = EthnicityUnknown
			case nonWhite == 0:
				lookup[sum] = EthnicityWhite
			default:
				lookup[sum] = EthnicityNonWhite
			}
		}
	}
	return lookup
}

// EthnicityCode returns the code a per-wave ethnicity report contributes to the consensus sum.
func EthnicityCode(label null.String) int {
	if !label.Valid {
		return 0
	}
	switch label.String {
	case wave.White:
		return whiteCode
	case wave.NonWhite:
		return nonWhiteCode
	}
	return 0
}

// EthnicityConsensus returns the sum of the per-wave codes and the consensus label.
func EthnicityConsensus(labels []null.String) (int, string) {
	sum := 0
	for _, label := range labels {
		sum += EthnicityCode(label)
	}
	label, ok := ethnicityLookup[sum]
	if !ok {
		// more reports than waves
		return sum, EthnicityUnknown
	}
	return sum, label
}
