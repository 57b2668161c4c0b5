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

import "gopkg.in/guregu/null.v3"

// Categories of the order in which stroke and psychosis were first reported.
const (
	PsychosisOnly       = "psychosis only"
	StrokeOnly          = "stroke only"
	StrokeThenPsychosis = "stroke then psychosis"
	PsychosisThenStroke = "psychosis then stroke"
	SameTime            = "same time"
	PsychosisThenDied   = "psychosis then died"
	StrokeThenDied      = "stroke then died"
	NoStrokeOrPsychosis = "no stroke or psychosis"
	NoParticipation     = "no participation"
	deathWaveUpperBound = 7
)

// StrokePsychosisOrder classifies a participant by the first-report waves of stroke and psychosis, and the wave of
// death. Deaths are only recorded up to wave 6.
func StrokePsychosisOrder(firstParticipate, stroke, psychosis float64, death null.Float) string {
	died := death.Valid && death.Float64 > 0 && death.Float64 < deathWaveUpperBound
	switch {
	case firstParticipate == 0:
		return NoParticipation
	case stroke == 0 && psychosis == 0:
		return NoStrokeOrPsychosis
	case psychosis == 0:
		if died {
			return StrokeThenDied
		}
		return StrokeOnly
	case stroke == 0:
		if died {
			return PsychosisThenDied
		}
		return PsychosisOnly
	case stroke < psychosis:
		return StrokeThenPsychosis
	case psychosis < stroke:
		return PsychosisThenStroke
	}
	return SameTime
}
