package poit

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	isoDatePattern     = regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})`)
	swedishDatePattern = regexp.MustCompile(`(\d{1,2})\s+(\p{L}{3})\s+(\d{4})`)
)

var swedishMonths = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "maj": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"okt": time.October, "nov": time.November, "dec": time.December,
}

// ParseSwedishDate parses the date strings POIT renders: ISO "2024-01-15" or
// the short Swedish form "15 jan 2024". Parse failure is expected for odd
// source formatting and is reported via ok rather than an error.
func ParseSwedishDate(s string) (t time.Time, ok bool) {
	if s == "" {
		return time.Time{}, false
	}

	if m := isoDatePattern.FindStringSubmatch(s); m != nil {
		parsed, err := time.Parse("2006-01-02", m[1]+"-"+m[2]+"-"+m[3])
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}

	if m := swedishDatePattern.FindStringSubmatch(strings.ToLower(s)); m != nil {
		month, found := swedishMonths[m[2]]
		if !found {
			return time.Time{}, false
		}
		day, _ := strconv.Atoi(m[1])
		year, _ := strconv.Atoi(m[3])
		if day < 1 || day > 31 {
			return time.Time{}, false
		}
		return time.Date(year, month, day, 0, 0, 0, 0, time.UTC), true
	}

	return time.Time{}, false
}
