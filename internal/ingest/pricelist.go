package ingest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
)

// PriceListItem is one product row parsed from a price-list PDF.
type PriceListItem struct {
	Name  string
	Price float64
}

// priceRow matches a product line ending in a price, with an optional
// currency marker: "Leather strap watch ... $49.99" or "Tote bag 1200".
var priceRow = regexp.MustCompile(`^(.+?)[\s.]*[$€£]?\s*(\d+(?:[.,]\d{1,2})?)\s*$`)

// ParsePriceList extracts product names and prices from a PDF price list.
// Rows that do not end in a number are skipped; a PDF yielding no items at
// all is reported as an error since it usually means a scanned image rather
// than a text PDF.
func ParsePriceList(path string) ([]PriceListItem, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	var items []PriceListItem
	for pageNum := 1; pageNum <= r.NumPage(); pageNum++ {
		page := r.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			return nil, fmt.Errorf("reading page %d: %w", pageNum, err)
		}
		for _, row := range rows {
			var sb strings.Builder
			for _, text := range row.Content {
				sb.WriteString(text.S)
			}
			if item, ok := parseRow(sb.String()); ok {
				items = append(items, item)
			}
		}
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("no product rows found in %s (scanned PDF?)", path)
	}
	return items, nil
}

func parseRow(line string) (PriceListItem, bool) {
	line = strings.TrimSpace(line)
	m := priceRow.FindStringSubmatch(line)
	if m == nil {
		return PriceListItem{}, false
	}
	name := strings.TrimSpace(m[1])
	if !hasLetter(name) {
		// A digits-only "name" is a page number or a stray figure, not a
		// product row.
		return PriceListItem{}, false
	}
	price, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", "."), 64)
	if err != nil {
		return PriceListItem{}, false
	}
	return PriceListItem{Name: name, Price: price}, true
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
