package billingdate

import (
	"testing"
	"time"
)

var seoul = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		panic(err)
	}
	return loc
}()

func TestParseLocales(t *testing.T) {
	ref := time.Date(2025, 6, 10, 12, 0, 0, 0, seoul)
	cases := []struct {
		in   string
		want string
	}{
		{"December 25, 2025", "2025-12-25"},
		{"Dec 25, 2025", "2025-12-25"},
		{"Sept 3, 2025", "2025-09-03"},
		{"25 December 2025", "2025-12-25"},
		{"Your next billing date is January 2, 2026.", "2026-01-02"},
		{"2025년 12월 25일", "2025-12-25"},
		{"12월 25일", "2025-12-25"},
		{"25 de dezembro de 2025", "2025-12-25"},
		{"25 de septiembre de 2025", "2025-09-25"},
		{"25 Aralık 2025", "2025-12-25"},
		{"1 Eylül 2025", "2025-09-01"},
		{"2025-12-25", "2025-12-25"},
		{"25/12/2025", "2025-12-25"},
		{"12/25/2025", "2025-12-25"},
		{"2025/12/25", "2025-12-25"},
		{"7/4/2026", "2026-07-04"}, // ambiguous, month-first default
	}
	for _, c := range cases {
		got, ok := Parse(c.in, ref, seoul)
		if !ok {
			t.Errorf("Parse(%q): not recognized", c.in)
			continue
		}
		if s := got.Format("2006-01-02"); s != c.want {
			t.Errorf("Parse(%q) = %s, want %s", c.in, s, c.want)
		}
	}
}

func TestParseInferYear(t *testing.T) {
	ref := time.Date(2025, 11, 20, 12, 0, 0, 0, seoul)

	// A month/day already past the reference rolls to next year.
	got, ok := Parse("Jan 5", ref, seoul)
	if !ok || got.Year() != 2026 {
		t.Fatalf("Parse(Jan 5) = %v, %v; want year 2026", got, ok)
	}

	// Same day as the reference stays in the current year.
	got, ok = Parse("11월 20일", ref, seoul)
	if !ok || got.Year() != 2025 {
		t.Fatalf("Parse(11월 20일) = %v, %v; want year 2025", got, ok)
	}
}

func TestParseRejects(t *testing.T) {
	ref := time.Date(2025, 6, 10, 0, 0, 0, 0, seoul)
	for _, in := range []string{
		"",
		"no date here",
		"your membership is paused",
		"February 30, 2025", // overflow day
		"13/13/2025",        // neither reading valid
	} {
		if _, ok := Parse(in, ref, seoul); ok {
			t.Errorf("Parse(%q): expected rejection", in)
		}
	}
}
