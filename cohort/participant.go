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
	"sort"

	"ageingpanel/table"
	"ageingpanel/wave"
)

// Condition is a health condition tracked across waves.
type Condition int

const (
	Stroke Condition = iota
	Psychosis
	Depression
	Anxiety
)

// Conditions lists all tracked conditions.
var Conditions = []Condition{Stroke, Psychosis, Depression, Anxiety}

var conditionNames = [...]string{"stroke", "psychosis", "depression", "anxiety"}

// conditionFields are the normalized per-wave flag columns of the conditions.
var conditionFields = [...]string{"stroke", "psychosisany", "depression", "anxiety"}

func (c Condition) String() string {
	return conditionNames[c]
}

// PreStudyWave is the wave index used for reports from the pre-study surveys.
const PreStudyWave = 0.5

// Event is a positive report of a condition at a wave.
type Event struct {
	Condition Condition
	Wave      float64
}

// Participant is the per-participant view of the merged table the reconciler works on.
type Participant struct {
	ID         int64
	Row        int      //row in the source table
	Productive []int    //waves with an interview, ascending
	Events     []*Event //sorted by wave, unique per condition and wave
}

// AddEvent appends an event to a participant's list of events.
func AddEvent(p *Participant, e *Event) {
	p.Events = append(p.Events, e)
}

// SortEvents orders a participant's events by wave, and by condition within a wave.
func SortEvents(p *Participant) {
	events := p.Events
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Wave != events[j].Wave {
			return events[i].Wave < events[j].Wave
		}
		return events[i].Condition < events[j].Condition
	})
}

func eventEqual(e1, e2 *Event) bool {
	return e1.Condition == e2.Condition && e1.Wave == e2.Wave
}

// CompactEvents removes duplicates from a sorted event list. Both pre-study surveys report at the same wave index.
func CompactEvents(p *Participant) {
	if len(p.Events) > 1 {
		events := p.Events
		cur := events[0]
		newEvents := []*Event{cur}
		for _, e := range events[1:] {
			if !eventEqual(cur, e) {
				cur = e
				newEvents = append(newEvents, cur)
			}
		}
		p.Events = newEvents
	}
}

// FirstReport returns the earliest wave at which a condition was reported, 0 if never.
func FirstReport(p *Participant, c Condition) float64 {
	for _, e := range p.Events {
		if e.Condition == c {
			return e.Wave
		}
	}
	return 0
}

// Ever reports whether a condition was reported at any wave.
func Ever(p *Participant, c Condition) bool {
	return FirstReport(p, c) != 0
}

// FirstParticipation returns the first wave with an interview, 0 if none.
func FirstParticipation(p *Participant) int {
	if len(p.Productive) == 0 {
		return 0
	}
	return p.Productive[0]
}

// LastParticipation returns the last wave with an interview, 0 if none.
func LastParticipation(p *Participant) int {
	if len(p.Productive) == 0 {
		return 0
	}
	return p.Productive[len(p.Productive)-1]
}

// ParticipantsFromTable builds the participant view of a merged table: productive waves from the outcome codes, and
// condition events from the per-wave flags and the pre-study surveys.
func ParticipantsFromTable(t *table.Table, cb *wave.Codebook) []*Participant {
	participants := make([]*Participant, t.Len())
	for row, id := range t.IDs {
		p := &Participant{ID: id, Row: row}
		for k := 1; k <= wave.NofWaves; k++ {
			outcome := t.Float(wave.Col(k, "outcome"), row)
			if outcome.Valid && cb.IsProductive(k, int(outcome.Float64)) {
				p.Productive = append(p.Productive, k)
			}
			for _, c := range Conditions {
				if t.Float(wave.Col(k, conditionFields[c]), row).Float64 == 1 {
					AddEvent(p, &Event{Condition: c, Wave: float64(k)})
				}
			}
		}
		for _, name := range cb.PreStudyNames() {
			for _, c := range Conditions {
				if t.Float(name+conditionFields[c], row).Float64 == 1 {
					AddEvent(p, &Event{Condition: c, Wave: PreStudyWave})
				}
			}
		}
		SortEvents(p)
		CompactEvents(p)
		participants[row] = p
	}
	return participants
}
