package model

import (
	"testing"
	"time"
)

func TestMinuteOfDay(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"00:00", 0, false},
		{"09:30", 570, false},
		{"23:59", 1439, false},
		{" 12:00 ", 720, false},
		{"24:00", 0, true},
		{"12:60", 0, true},
		{"-1:00", 0, true},
		{"1200", 0, true},
		{"ab:cd", 0, true},
		{"", 0, true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := MinuteOfDay(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("accepted %q", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse %q: %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestInWindow(t *testing.T) {
	t.Parallel()
	at := func(h, m int) time.Time {
		return time.Date(2025, 6, 1, h, m, 0, 0, time.UTC)
	}
	tests := []struct {
		name       string
		start, end string
		t          time.Time
		want       bool
	}{
		{"no window", "", "", at(3, 0), true},
		{"inside", "09:00", "18:00", at(12, 0), true},
		{"at start", "09:00", "18:00", at(9, 0), true},
		{"at end", "09:00", "18:00", at(18, 0), true},
		{"before", "09:00", "18:00", at(8, 59), false},
		{"after", "09:00", "18:00", at(18, 1), false},
		{"wraps midnight late", "22:00", "06:00", at(23, 30), true},
		{"wraps midnight early", "22:00", "06:00", at(2, 0), true},
		{"wraps midnight outside", "22:00", "06:00", at(12, 0), false},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := TaskConfig{WindowStart: tc.start, WindowEnd: tc.end}
			if got := cfg.InWindow(tc.t); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEscalate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		cur, next, want PoolStatus
	}{
		{PoolStatusOK, PoolStatusCooldown, PoolStatusCooldown},
		{PoolStatusCooldown, PoolStatusError, PoolStatusError},
		{PoolStatusError, PoolStatusBanned, PoolStatusBanned},
		{PoolStatusBanned, PoolStatusCooldown, PoolStatusBanned},
		{PoolStatusError, PoolStatusOK, PoolStatusError},
		{PoolStatusCooldown, PoolStatusCooldown, PoolStatusCooldown},
	}
	for _, tc := range tests {
		if got := Escalate(tc.cur, tc.next); got != tc.want {
			t.Fatalf("Escalate(%s, %s) = %s, want %s", tc.cur, tc.next, got, tc.want)
		}
	}
}

func TestRenderTemplate(t *testing.T) {
	t.Parallel()
	vars := map[string]string{"target_title": "Go Devs", "date": "2025-06-01"}
	got := RenderTemplate("hi {target_title}, today is {date}; {unknown} stays", vars)
	want := "hi Go Devs, today is 2025-06-01; {unknown} stays"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if RenderTemplate("", vars) != "" {
		t.Fatal("empty text changed")
	}
	if RenderTemplate("plain", nil) != "plain" {
		t.Fatal("nil vars changed text")
	}
}
