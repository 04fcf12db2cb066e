package entities

import "testing"

func TestVoiceUsage_ShouldReset(t *testing.T) {
	tests := []struct {
		name         string
		usage        VoiceUsage
		month, year  int
		want         bool
	}{
		{
			name:  "first ever use sentinel",
			usage: VoiceUsage{LastResetMonth: 0, LastResetYear: 0},
			month: 6, year: 2026,
			want: true,
		},
		{
			name:  "same month same year",
			usage: VoiceUsage{LastResetMonth: 6, LastResetYear: 2026},
			month: 6, year: 2026,
			want: false,
		},
		{
			name:  "earlier month same year",
			usage: VoiceUsage{LastResetMonth: 5, LastResetYear: 2026},
			month: 6, year: 2026,
			want: true,
		},
		{
			name:  "earlier year later month",
			usage: VoiceUsage{LastResetMonth: 12, LastResetYear: 2025},
			month: 1, year: 2026,
			want: true,
		},
		{
			name:  "stored record from the future is kept",
			usage: VoiceUsage{LastResetMonth: 7, LastResetYear: 2026},
			month: 6, year: 2026,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.usage.ShouldReset(tt.month, tt.year); got != tt.want {
				t.Errorf("ShouldReset(%d, %d) = %v, want %v", tt.month, tt.year, got, tt.want)
			}
		})
	}
}

func TestVoiceUsage_RemainingMinutes(t *testing.T) {
	u := VoiceUsage{MinutesUsed: 4.5}
	if got := u.RemainingMinutes(5.0); got != 0.5 {
		t.Errorf("RemainingMinutes() = %v, want 0.5", got)
	}

	over := VoiceUsage{MinutesUsed: 6.2}
	if got := over.RemainingMinutes(5.0); got != 0 {
		t.Errorf("RemainingMinutes() over limit = %v, want 0", got)
	}
}

func TestVoiceUsage_CanStartSession(t *testing.T) {
	if !(VoiceUsage{MinutesUsed: 4.99}).CanStartSession(5.0) {
		t.Error("expected session allowed below limit")
	}
	if (VoiceUsage{MinutesUsed: 5.0}).CanStartSession(5.0) {
		t.Error("expected session denied at limit")
	}
}
