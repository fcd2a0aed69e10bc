package performer

import (
	"context"
	"testing"
	"time"

	"taskmarket/apperr"
)

func TestNextRating(t *testing.T) {
	cases := []struct {
		oldAvg    float64
		oldCount  int
		rating    int
		wantAvg   float64
		wantCount int
	}{
		{0, 0, 5, 5, 1},
		{0, 0, 1, 1, 1},
		{5, 1, 3, 4, 2},
		{4.0, 10, 5, 4.09, 11},
		{4.09, 11, 1, 3.83, 12},
		{3.33, 3, 4, 3.5, 4},
	}

	for _, tc := range cases {
		avg, count := nextRating(tc.oldAvg, tc.oldCount, tc.rating)
		if avg != tc.wantAvg || count != tc.wantCount {
			t.Errorf("nextRating(%v, %d, %d) = (%v, %d), want (%v, %d)",
				tc.oldAvg, tc.oldCount, tc.rating, avg, count, tc.wantAvg, tc.wantCount)
		}
	}
}

func TestSetAvailability_RejectsUnknownStatus(t *testing.T) {
	svc := NewService(nil)

	err := svc.SetAvailability(context.Background(), "perf-1", Status("sleeping"))
	if _, ok := apperr.AsValidation(err); !ok {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestVIPActive(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	later := now.Add(24 * time.Hour)
	earlier := now.Add(-24 * time.Hour)

	cases := []struct {
		name string
		p    Performer
		want bool
	}{
		{"not vip", Performer{}, false},
		{"vip no expiry", Performer{IsVIP: true}, true},
		{"vip unexpired", Performer{IsVIP: true, VIPExpiresAt: &later}, true},
		{"vip expired", Performer{IsVIP: true, VIPExpiresAt: &earlier}, false},
	}
	for _, tc := range cases {
		if got := tc.p.VIPActive(now); got != tc.want {
			t.Errorf("%s: VIPActive = %v, want %v", tc.name, got, tc.want)
		}
	}
}
