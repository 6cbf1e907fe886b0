package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFilterMatching(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	obj := map[string]interface{}{
		"status":     "queued",
		"setup":      true,
		"rank":       float64(5),
		"updated_at": now.Format(time.RFC3339Nano),
	}

	tests := []struct {
		name    string
		filter  Filter
		matches bool
	}{
		{"eq string match", Eq("status", "queued"), true},
		{"eq string miss", Eq("status", "active"), false},
		{"eq bool", Eq("setup", true), true},
		{"eq missing field", Eq("absent", "x"), false},
		{"ge number", Ge("rank", 5), true},
		{"lt number", Lt("rank", 5), false},
		{"ge time equal", Ge("updated_at", now), true},
		{"ge time later bound", Ge("updated_at", now.Add(time.Second)), false},
		{"lt time", Lt("updated_at", now.Add(time.Second)), true},
		{"not inverts", Not(Eq("status", "queued")), false},
		// A Not over a missing field matches: the inner ordering
		// predicate cannot hold, which is what the director's
		// expires_at clause depends on.
		{"not over missing field", Not(Ge("absent", now)), true},
		{"and", And(Eq("status", "queued"), Eq("setup", true)), true},
		{"and short circuit", And(Eq("status", "queued"), Eq("setup", false)), false},
		{"or", Or(Eq("status", "active"), Eq("status", "queued")), true},
		{"or all miss", Or(Eq("status", "active"), Eq("status", "expired")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.matches, tt.filter.Matches(obj))
		})
	}
}

func TestFilterTimePrecision(t *testing.T) {
	// Sub-second timestamps must order correctly even though
	// RFC3339Nano trims trailing zeros in the stored string.
	early := map[string]interface{}{"at": "2026-03-01T00:00:00.05Z"}
	late := map[string]interface{}{"at": "2026-03-01T00:00:00.2Z"}
	bound := time.Date(2026, 3, 1, 0, 0, 0, 100000000, time.UTC) // .1s

	assert.False(t, Ge("at", bound).Matches(early))
	assert.True(t, Ge("at", bound).Matches(late))
}
