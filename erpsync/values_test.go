package erpsync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNormalizeCode(t *testing.T) {
	cases := map[string]string{
		"00012":  "12",
		"12":     "12",
		"000":    "0",
		" 007 ":  "7",
		"A0012":  "A0012",
		"0012-B": "0012-B",
		"":       "",
	}
	for in, want := range cases {
		if got := NormalizeCode(in); got != want {
			t.Fatalf("NormalizeCode(%q)=%q want %q", in, got, want)
		}
	}
}

func TestValuesEqual(t *testing.T) {
	day := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	instant := time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC)
	s := "Athens"
	var nilStr *string

	cases := []struct {
		name string
		a, b any
		want bool
	}{
		{"nil and empty", nil, "  ", true},
		{"nil pointer and empty", nilStr, "", true},
		{"pointer and value", &s, "Athens", true},
		{"value and empty", "x", "", false},
		{"decimal by value", decimal.RequireFromString("12.50"), "12.5", true},
		{"float and decimal", 3.0, decimal.NewFromInt(3), true},
		{"json number", json.Number("7"), int64(7), true},
		{"different numbers", decimal.NewFromInt(3), "4", false},
		{"leading zero codes", "00012", "12", true},
		{"codes differ", "00012", "13", false},
		{"letters keep zeros", "A012", "A12", false},
		{"date vs instant same day", day, instant, true},
		{"date string vs time", "2026-02-10", instant, true},
		{"instants differ", instant, instant.Add(time.Minute), false},
		{"bool vs string", true, "1", true},
		{"bool mismatch", false, "yes", false},
		{"bytes as string", []byte("abc"), "abc", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValuesEqual(tc.a, tc.b); got != tc.want {
				t.Fatalf("ValuesEqual(%v, %v)=%v want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}
