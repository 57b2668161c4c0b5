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

// ParticipantFilter prescribes a function type for selecting participants. A filter returns true for participants
// that are kept.
type ParticipantFilter func(p *Participant) bool

// ApplyParticipantFilters returns the participants that pass all filters, in their original order.
func ApplyParticipantFilters(filters []ParticipantFilter, participants []*Participant) []*Participant {
	kept := []*Participant{}
	for _, p := range participants {
		res := true
		for _, filter := range filters {
			res = filter(p) && res
			if !res {
				break
			}
		}
		if res {
			kept = append(kept, p)
		}
	}
	return kept
}

// ParticipatedFilter removes participants without a single interview in the study waves.
func ParticipatedFilter() ParticipantFilter {
	return func(p *Participant) bool {
		return len(p.Productive) > 0
	}
}

// EverFilter keeps participants that reported a given condition.
func EverFilter(c Condition) ParticipantFilter {
	return func(p *Participant) bool {
		return Ever(p, c)
	}
}
