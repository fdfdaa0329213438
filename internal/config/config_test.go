package config

import (
	"testing"
	"time"
)

func TestHighLoadWindow_Contains(t *testing.T) {
	loc := time.UTC

	tests := []struct {
		name   string
		win    HighLoadWindow
		t      time.Time
		inside bool
	}{
		{
			name:   "disabled window never matches",
			win:    HighLoadWindow{Enabled: false, Location: loc},
			t:      time.Date(2026, 1, 1, 23, 0, 0, 0, loc),
			inside: false,
		},
		{
			name:   "simple window inside",
			win:    HighLoadWindow{Enabled: true, Start: 9 * time.Hour, End: 17 * time.Hour, Location: loc},
			t:      time.Date(2026, 1, 1, 12, 0, 0, 0, loc),
			inside: true,
		},
		{
			name:   "simple window outside",
			win:    HighLoadWindow{Enabled: true, Start: 9 * time.Hour, End: 17 * time.Hour, Location: loc},
			t:      time.Date(2026, 1, 1, 18, 0, 0, 0, loc),
			inside: false,
		},
		{
			name:   "wrap-around window, late night",
			win:    HighLoadWindow{Enabled: true, Start: 22 * time.Hour, End: 3 * time.Hour, Location: loc},
			t:      time.Date(2026, 1, 1, 23, 0, 0, 0, loc),
			inside: true,
		},
		{
			name:   "wrap-around window, early morning",
			win:    HighLoadWindow{Enabled: true, Start: 22 * time.Hour, End: 3 * time.Hour, Location: loc},
			t:      time.Date(2026, 1, 1, 2, 0, 0, 0, loc),
			inside: true,
		},
		{
			name:   "wrap-around window, midday outside",
			win:    HighLoadWindow{Enabled: true, Start: 22 * time.Hour, End: 3 * time.Hour, Location: loc},
			t:      time.Date(2026, 1, 1, 12, 0, 0, 0, loc),
			inside: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.win.Contains(tt.t); got != tt.inside {
				t.Errorf("Contains(%v) = %v, want %v", tt.t, got, tt.inside)
			}
		})
	}
}
