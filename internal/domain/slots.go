package domain

import (
	"encoding/json"
	"sort"
)

// Slots is the structured memory extracted from a conversation.
// Multi-valued fields only grow; scalar fields are never blanked.
type Slots struct {
	CareNeeds    map[string]struct{} `json:"-"`
	HoursPerWeek string              `json:"hours_per_week,omitempty"`
	Days         map[string]struct{} `json:"-"`
	TimeOfDay    string              `json:"time_of_day,omitempty"`
	ContactPhone string              `json:"contact_phone,omitempty"`
	CallerName   string              `json:"caller_name,omitempty"`
}

// NewSlots builds slots from plain lists, mostly for tests and extraction.
func NewSlots(needs []string, days []string) Slots {
	s := Slots{}
	for _, n := range needs {
		s.AddNeed(n)
	}
	for _, d := range days {
		s.AddDay(d)
	}
	return s
}

// AddNeed records a care need.
func (s *Slots) AddNeed(need string) {
	if need == "" {
		return
	}
	if s.CareNeeds == nil {
		s.CareNeeds = make(map[string]struct{})
	}
	s.CareNeeds[need] = struct{}{}
}

// AddDay records a preferred day.
func (s *Slots) AddDay(day string) {
	if day == "" {
		return
	}
	if s.Days == nil {
		s.Days = make(map[string]struct{})
	}
	s.Days[day] = struct{}{}
}

// Merge folds other into s: set-union for needs and days, scalar fields
// only take non-empty values.
func (s *Slots) Merge(other Slots) {
	for n := range other.CareNeeds {
		s.AddNeed(n)
	}
	for d := range other.Days {
		s.AddDay(d)
	}
	if other.HoursPerWeek != "" {
		s.HoursPerWeek = other.HoursPerWeek
	}
	if other.TimeOfDay != "" {
		s.TimeOfDay = other.TimeOfDay
	}
	if other.ContactPhone != "" {
		s.ContactPhone = other.ContactPhone
	}
	if other.CallerName != "" {
		s.CallerName = other.CallerName
	}
}

// IsEmpty reports whether no slot has a value.
func (s Slots) IsEmpty() bool {
	return len(s.CareNeeds) == 0 && len(s.Days) == 0 &&
		s.HoursPerWeek == "" && s.TimeOfDay == "" &&
		s.ContactPhone == "" && s.CallerName == ""
}

// NeedList returns the care needs sorted.
func (s Slots) NeedList() []string {
	return sortedKeys(s.CareNeeds)
}

// DayList returns the preferred days sorted.
func (s Slots) DayList() []string {
	return sortedKeys(s.Days)
}

// Clone returns a copy with its own sets.
func (s Slots) Clone() Slots {
	c := s
	c.CareNeeds = nil
	c.Days = nil
	for n := range s.CareNeeds {
		c.AddNeed(n)
	}
	for d := range s.Days {
		c.AddDay(d)
	}
	return c
}

// MarshalJSON renders the sets as sorted arrays.
func (s Slots) MarshalJSON() ([]byte, error) {
	type alias Slots
	return json.Marshal(struct {
		alias
		CareNeeds []string `json:"care_needs"`
		Days      []string `json:"days"`
	}{
		alias:     alias(s),
		CareNeeds: nonNil(s.NeedList()),
		Days:      nonNil(s.DayList()),
	})
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
