// Package billingdate parses the next-billing-date text the membership page
// displays. The page renders dates in the account's UI locale, so the parser
// accepts English (full and short month names, including the "Sept"
// variant), Korean, Portuguese, Spanish and Turkish month forms, ISO dates,
// and numeric day/month orderings disambiguated by range.
package billingdate

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var monthNames = map[string]time.Month{
	// English
	"january": time.January, "february": time.February, "march": time.March,
	"april": time.April, "may": time.May, "june": time.June, "july": time.July,
	"august": time.August, "september": time.September, "october": time.October,
	"november": time.November, "december": time.December,
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"jun": time.June, "jul": time.July, "aug": time.August, "sep": time.September,
	"sept": time.September, "oct": time.October, "nov": time.November, "dec": time.December,

	// Portuguese
	"janeiro": time.January, "fevereiro": time.February, "março": time.March,
	"abril": time.April, "maio": time.May, "junho": time.June, "julho": time.July,
	"agosto": time.August, "setembro": time.September, "outubro": time.October,
	"novembro": time.November, "dezembro": time.December,
	"fev": time.February, "abr": time.April, "mai": time.May, "ago": time.August,
	"set": time.September, "out": time.October, "dez": time.December,

	// Spanish
	"enero": time.January, "febrero": time.February, "marzo": time.March,
	"mayo": time.May, "junio": time.June, "julio": time.July,
	"septiembre": time.September, "setiembre": time.September, "octubre": time.October,
	"noviembre": time.November, "diciembre": time.December,
	"ene": time.January, "dic": time.December,

	// Turkish
	"ocak": time.January, "şubat": time.February, "mart": time.March,
	"nisan": time.April, "mayıs": time.May, "haziran": time.June,
	"temmuz": time.July, "ağustos": time.August, "eylül": time.September,
	"ekim": time.October, "kasım": time.November, "aralık": time.December,
}

var (
	koreanRe  = regexp.MustCompile(`(?:(\d{4})\s*년\s*)?(\d{1,2})\s*월\s*(\d{1,2})\s*일`)
	isoRe     = regexp.MustCompile(`(\d{4})-(\d{1,2})-(\d{1,2})`)
	numericRe = regexp.MustCompile(`(\d{1,4})\s*[/.]\s*(\d{1,2})\s*[/.]\s*(\d{1,4})`)
	numberRe  = regexp.MustCompile(`\d{1,4}`)
)

// Parse extracts a calendar date from billing text. The reference instant
// supplies the year when the text carries none (the next occurrence of the
// month/day on or after ref). Returns false for text with no recognizable
// date; callers must never treat false as "today".
func Parse(text string, ref time.Time, loc *time.Location) (time.Time, bool) {
	cleaned := normalize(text)
	if cleaned == "" {
		return time.Time{}, false
	}

	if m := koreanRe.FindStringSubmatch(cleaned); m != nil {
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		if m[1] != "" {
			year, _ := strconv.Atoi(m[1])
			return makeDate(year, month, day, loc)
		}
		return inferYear(month, day, ref, loc)
	}

	if m := isoRe.FindStringSubmatch(cleaned); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		return makeDate(year, month, day, loc)
	}

	if month, ok := findMonthName(cleaned); ok {
		return parseWithMonthName(cleaned, month, ref, loc)
	}

	if m := numericRe.FindStringSubmatch(cleaned); m != nil {
		return parseNumeric(m, loc)
	}

	return time.Time{}, false
}

// normalize lowercases, strips punctuation that carries no date meaning,
// and drops locale filler words ("de", "of").
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, ",", " ")
	fields := strings.Fields(s)
	kept := fields[:0]
	for _, f := range fields {
		if f == "de" || f == "of" || f == "del" {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}

func findMonthName(s string) (time.Month, bool) {
	for _, f := range strings.Fields(s) {
		f = strings.Trim(f, ".")
		if m, ok := monthNames[f]; ok {
			return m, true
		}
	}
	return 0, false
}

// parseWithMonthName pairs a named month with the day and optional year
// numbers around it. "December 25, 2025", "25 dezembro 2025" and bare
// "Dec 25" all land here.
func parseWithMonthName(s string, month time.Month, ref time.Time, loc *time.Location) (time.Time, bool) {
	day, year := 0, 0
	for _, numStr := range numberRe.FindAllString(s, -1) {
		n, _ := strconv.Atoi(numStr)
		switch {
		case n >= 1000:
			year = n
		case n >= 1 && n <= 31 && day == 0:
			day = n
		}
	}
	if day == 0 {
		return time.Time{}, false
	}
	if year == 0 {
		return inferYear(int(month), day, ref, loc)
	}
	return makeDate(year, int(month), day, loc)
}

// parseNumeric handles slash/dot dates. Day-first vs month-first is
// disambiguated by range: a leading value above 12 must be the day. When
// both values fit either reading, month-first wins (the page's default
// locale renders M/D/Y).
func parseNumeric(m []string, loc *time.Location) (time.Time, bool) {
	a, _ := strconv.Atoi(m[1])
	b, _ := strconv.Atoi(m[2])
	c, _ := strconv.Atoi(m[3])

	var day, month, year int
	switch {
	case a >= 1000: // Y/M/D
		year, month, day = a, b, c
	case c >= 1000 && a > 12: // D/M/Y forced by range
		day, month, year = a, b, c
	case c >= 1000 && b > 12: // M/D/Y forced by range
		month, day, year = a, b, c
	case c >= 1000: // ambiguous: month-first default
		month, day, year = a, b, c
	default:
		return time.Time{}, false
	}
	return makeDate(year, month, day, loc)
}

// inferYear picks the next occurrence of month/day on or after the
// reference date. Billing dates always sit in the near future, so a
// month/day already past this year means next year.
func inferYear(month, day int, ref time.Time, loc *time.Location) (time.Time, bool) {
	t, ok := makeDate(ref.Year(), month, day, loc)
	if !ok {
		return time.Time{}, false
	}
	refDay := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, loc)
	if t.Before(refDay) {
		return makeDate(ref.Year()+1, month, day, loc)
	}
	return t, true
}

func makeDate(year, month, day int, loc *time.Location) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 || year < 1000 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
	if t.Day() != day || t.Month() != time.Month(month) {
		return time.Time{}, false
	}
	return t, true
}
