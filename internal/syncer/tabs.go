package syncer

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	yearSuffix    = regexp.MustCompile(`(?:^|\D)(\d{4}|\d{2})$`)
	archiveSuffix = regexp.MustCompile(`[- ](\d{4}|\d{2})$`)
)

// ResolveTabName returns the remote tab holding base for year. Tabs of the
// active year, and datasets that are not split by year, use base as is.
// Otherwise the two-digit candidate "<base>-YY" is looked up in known:
// exact match first, then a name starting with base and ending in YY or
// YYYY, then a case-insensitive match of the candidate. Without a match
// the candidate itself is returned.
func ResolveTabName(base string, year, activeYear int, known []string, yearPartitioned bool) string {
	if !yearPartitioned || year == 0 || year == activeYear {
		return base
	}

	yy := fmt.Sprintf("%02d", year%100)
	yyyy := fmt.Sprintf("%04d", year)
	candidate := base + "-" + yy

	for _, name := range known {
		if name == candidate {
			return name
		}
	}

	lowerBase := strings.ToLower(base)
	for _, name := range known {
		lower := strings.ToLower(name)
		if lower == lowerBase || !strings.HasPrefix(lower, lowerBase) {
			continue
		}
		if strings.HasSuffix(lower, yy) || strings.HasSuffix(lower, yyyy) {
			return name
		}
	}

	for _, name := range known {
		if strings.EqualFold(name, candidate) {
			return name
		}
	}
	return candidate
}

// IsArchiveTab reports whether name carries a year suffix (-YY, -YYYY, " YY", " YYYY")
func IsArchiveTab(name string) bool {
	return archiveSuffix.MatchString(strings.TrimSpace(name))
}

// TabYear extracts the trailing two or four digit year of a tab name.
// Two-digit years map to 20YY.
func TabYear(name string) (int, bool) {
	m := yearSuffix.FindStringSubmatch(strings.TrimSpace(name))
	if m == nil {
		return 0, false
	}
	year, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	if len(m[1]) == 2 {
		year += 2000
	}
	return year, true
}

// ArchiveYears returns the distinct years found in names plus activeYear,
// newest first
func ArchiveYears(names []string, activeYear int) []int {
	seen := map[int]bool{}
	if activeYear > 0 {
		seen[activeYear] = true
	}
	for _, name := range names {
		if year, ok := TabYear(name); ok {
			seen[year] = true
		}
	}

	years := make([]int, 0, len(seen))
	for year := range seen {
		years = append(years, year)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(years)))
	return years
}

// QuoteRange builds an A1 range on tab, quoting the tab name
func QuoteRange(tab, a1 string) string {
	return "'" + strings.ReplaceAll(tab, "'", "''") + "'!" + a1
}

// ColumnLetter converts a zero-based column index to its A1 letters
func ColumnLetter(index int) string {
	var out []byte
	for n := index + 1; n > 0; n = (n - 1) / 26 {
		out = append([]byte{byte('A' + (n-1)%26)}, out...)
	}
	return string(out)
}

// RowFromRange returns the first row number of an A1 range like "Income!A12:C12"
func RowFromRange(a1 string) (int, error) {
	cells := a1
	if i := strings.LastIndex(a1, "!"); i >= 0 {
		cells = a1[i+1:]
	}
	start := strings.IndexFunc(cells, func(r rune) bool { return r >= '0' && r <= '9' })
	if start < 0 {
		return 0, fmt.Errorf("no row in range %q", a1)
	}
	end := start
	for end < len(cells) && cells[end] >= '0' && cells[end] <= '9' {
		end++
	}
	return strconv.Atoi(cells[start:end])
}
