package syncer

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"

	"github.com/ledgersync/ledgersync/internal/domain"
)

var amountHeaders = []string{"amount", "value", "balance", "total"}

// NormalizeHeader lowercases s, drops all whitespace and composes accents,
// so headers typed on different keyboards compare equal
func NormalizeHeader(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(norm.NFC.String(s)), ""))
}

// ParseRows turns a fetched range (header row first) into records. Rows are
// numbered as on the remote, so the first data row is row 2. Empty rows are
// skipped.
func ParseRows(rows [][]string, fetchedAt time.Time) []domain.Record {
	if len(rows) == 0 {
		return []domain.Record{}
	}
	headers := rows[0]
	idCol := -1
	for i, h := range headers {
		if NormalizeHeader(h) == "id" {
			idCol = i
			break
		}
	}
	amountCol := findAmountColumn(headers)

	records := make([]domain.Record, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if isEmptyRow(row) {
			continue
		}
		rowNum := i + 2
		rec := domain.Record{
			ID:        fmt.Sprintf("row-%d", rowNum),
			Row:       rowNum,
			Fields:    make(map[string]string, len(headers)),
			UpdatedAt: fetchedAt,
		}
		for col, h := range headers {
			if strings.TrimSpace(h) == "" || col >= len(row) {
				continue
			}
			rec.Fields[h] = row[col]
		}
		if idCol >= 0 && idCol < len(row) && strings.TrimSpace(row[idCol]) != "" {
			rec.ID = strings.TrimSpace(row[idCol])
		}
		if amountCol >= 0 && amountCol < len(row) {
			rec.Amount = ParseAmount(row[amountCol])
		}
		records = append(records, rec)
	}
	return records
}

func findAmountColumn(headers []string) int {
	for _, want := range amountHeaders {
		for i, h := range headers {
			if NormalizeHeader(h) == want {
				return i
			}
		}
	}
	for i, h := range headers {
		if strings.Contains(NormalizeHeader(h), "amount") {
			return i
		}
	}
	return -1
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// ParseAmount reads a formatted money cell ("$1,234.50", "(12.00)", "-3").
// Unparseable cells yield zero.
func ParseAmount(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.':
			b.WriteRune(r)
		case r == '-':
			negative = !negative
		}
	}
	if b.Len() == 0 {
		return decimal.Zero
	}

	d, err := decimal.NewFromString(b.String())
	if err != nil {
		return decimal.Zero
	}
	if negative {
		d = d.Neg()
	}
	return d
}

// MapFieldsToColumns assigns item fields to header columns. Field names are
// visited in sorted order. The first pass takes exact matches of the
// normalized names; the second lets a field take a header longer than three
// normalized characters when either contains the other. A column is never
// assigned twice and unmatched fields are left out.
func MapFieldsToColumns(fields map[string]string, headers []string) map[string]int {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	normalized := make([]string, len(headers))
	for i, h := range headers {
		normalized[i] = NormalizeHeader(h)
	}

	taken := make(map[int]bool, len(headers))
	out := make(map[string]int, len(fields))

	for _, name := range names {
		n := NormalizeHeader(name)
		if n == "" {
			continue
		}
		for col, h := range normalized {
			if !taken[col] && h == n {
				out[name] = col
				taken[col] = true
				break
			}
		}
	}

	for _, name := range names {
		if _, ok := out[name]; ok {
			continue
		}
		n := NormalizeHeader(name)
		if n == "" {
			continue
		}
		for col, h := range normalized {
			if taken[col] || len(h) <= 3 {
				continue
			}
			if strings.Contains(h, n) || strings.Contains(n, h) {
				out[name] = col
				taken[col] = true
				break
			}
		}
	}
	return out
}
