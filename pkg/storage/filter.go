package storage

import (
	"time"
)

// Filter is a typed predicate evaluated against a decoded stored
// object. A nil Filter matches every object.
type Filter interface {
	Matches(obj map[string]interface{}) bool
}

type eqFilter struct {
	field string
	value interface{}
}

type geFilter struct {
	field string
	value interface{}
}

type ltFilter struct {
	field string
	value interface{}
}

type notFilter struct{ inner Filter }

type andFilter struct{ filters []Filter }

type orFilter struct{ filters []Filter }

// Eq matches objects whose field equals value
func Eq(field string, value interface{}) Filter {
	return &eqFilter{field: field, value: value}
}

// Ge matches objects whose field is ordered at or after value.
// Objects missing the field do not match.
func Ge(field string, value interface{}) Filter {
	return &geFilter{field: field, value: value}
}

// Lt matches objects whose field is ordered before value.
// Objects missing the field do not match.
func Lt(field string, value interface{}) Filter {
	return &ltFilter{field: field, value: value}
}

// Not inverts a filter
func Not(f Filter) Filter {
	return &notFilter{inner: f}
}

// And matches objects satisfying every filter
func And(filters ...Filter) Filter {
	return &andFilter{filters: filters}
}

// Or matches objects satisfying at least one filter
func Or(filters ...Filter) Filter {
	return &orFilter{filters: filters}
}

func (f *eqFilter) Matches(obj map[string]interface{}) bool {
	got, ok := obj[f.field]
	if !ok {
		return false
	}
	cmp, ok := compareValues(got, f.value)
	return ok && cmp == 0
}

func (f *geFilter) Matches(obj map[string]interface{}) bool {
	got, ok := obj[f.field]
	if !ok {
		return false
	}
	cmp, ok := compareValues(got, f.value)
	return ok && cmp >= 0
}

func (f *ltFilter) Matches(obj map[string]interface{}) bool {
	got, ok := obj[f.field]
	if !ok {
		return false
	}
	cmp, ok := compareValues(got, f.value)
	return ok && cmp < 0
}

func (f *notFilter) Matches(obj map[string]interface{}) bool {
	return !f.inner.Matches(obj)
}

func (f *andFilter) Matches(obj map[string]interface{}) bool {
	for _, inner := range f.filters {
		if !inner.Matches(obj) {
			return false
		}
	}
	return true
}

func (f *orFilter) Matches(obj map[string]interface{}) bool {
	for _, inner := range f.filters {
		if inner.Matches(obj) {
			return true
		}
	}
	return false
}

// compareValues orders a decoded JSON value against a caller-supplied
// filter value. The filter value's type selects the comparison: times
// parse the stored RFC 3339 string, numbers coerce through float64,
// everything string-kinded compares lexicographically. The second
// return is false when the pair is not comparable.
func compareValues(stored, want interface{}) (int, bool) {
	switch w := want.(type) {
	case time.Time:
		s, ok := stored.(string)
		if !ok {
			return 0, false
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return 0, false
		}
		switch {
		case t.Before(w):
			return -1, true
		case t.After(w):
			return 1, true
		}
		return 0, true
	case bool:
		s, ok := stored.(bool)
		if !ok {
			return 0, false
		}
		if s == w {
			return 0, true
		}
		if !s {
			return -1, true
		}
		return 1, true
	case string:
		s, ok := stored.(string)
		if !ok {
			return 0, false
		}
		switch {
		case s < w:
			return -1, true
		case s > w:
			return 1, true
		}
		return 0, true
	default:
		wf, ok := toFloat64(want)
		if !ok {
			return 0, false
		}
		sf, ok := toFloat64(stored)
		if !ok {
			return 0, false
		}
		switch {
		case sf < wf:
			return -1, true
		case sf > wf:
			return 1, true
		}
		return 0, true
	}
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
