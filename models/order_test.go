package models

import (
	"testing"

	"bitbucket.org/mmdatafocus/storefront_backend/config"
)

func TestOrderFilterNormalize(t *testing.T) {
	cases := []struct {
		name       string
		limit      int
		offset     int
		wantLimit  int
		wantOffset int
	}{
		{"defaults applied", 0, 0, config.SearchLimit, 0},
		{"negative limit", -1, 0, config.SearchLimit, 0},
		{"over the cap", config.SearchLimit + 1, 0, config.SearchLimit, 0},
		{"in range kept", 10, 20, 10, 20},
		{"negative offset", 10, -5, 10, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := OrderFilter{Limit: tc.limit, Offset: tc.offset}
			f.Normalize()
			if f.Limit != tc.wantLimit || f.Offset != tc.wantOffset {
				t.Fatalf("Normalize() = limit %d offset %d, want %d/%d",
					f.Limit, f.Offset, tc.wantLimit, tc.wantOffset)
			}
		})
	}
}
