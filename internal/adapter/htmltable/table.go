// Package htmltable extracts earthquake rows from catalogue HTML tables
// whose column order is not fixed. Columns are located by matching header
// text against Turkish and English keyword synonyms.
package htmltable

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
)

// MinCells is the fewest cells a data row may have.
const MinCells = 5

type column int

const (
	colDate column = iota
	colTime
	colLat
	colLon
	colDepth
	colMD
	colML
	colMW
	colMagnitude
	colType
	colLocation
)

// synonyms are matched against folded header text (see domain.FoldName).
// Exact entries must equal the header; the rest are substrings.
var (
	exact = map[string]column{
		"md": colMD,
		"ml": colML,
		"mw": colMW,
	}
	contains = []struct {
		col   column
		words []string
	}{
		{colLocation, []string{"yer", "konum", "lokasyon", "bolge", "location", "region", "place"}},
		{colDate, []string{"tarih", "date"}},
		{colTime, []string{"saat", "time"}},
		{colLat, []string{"enlem", "lat"}},
		{colLon, []string{"boylam", "lon", "lng"}},
		{colDepth, []string{"derinlik", "depth"}},
		{colMagnitude, []string{"buyukluk", "magnitude", "mag"}},
		{colType, []string{"tip", "type"}},
	}
)

// Parse returns the rows of the first table in doc that has latitude and
// longitude columns. found is false when no such table exists. Relative
// links in a row are resolved against base and reported as ProviderURL.
func Parse(doc *goquery.Document, base *url.URL) (rows []domain.RawQuake, found bool) {
	doc.Find("table").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		cols, headerRow := headerColumns(table)
		if cols == nil {
			return true
		}
		found = true
		rows = parseRows(table, headerRow, cols, base)
		return false
	})
	return rows, found
}

// headerColumns finds the header row and maps column kinds to cell indexes.
func headerColumns(table *goquery.Selection) (map[column]int, *goquery.Selection) {
	var (
		cols   map[column]int
		header *goquery.Selection
	)
	table.Find("tr").EachWithBreak(func(_ int, tr *goquery.Selection) bool {
		cells := tr.Find("th")
		if cells.Length() == 0 {
			cells = tr.Find("td")
		}
		m := matchHeader(cells)
		_, hasLat := m[colLat]
		_, hasLon := m[colLon]
		if hasLat && hasLon {
			cols, header = m, tr
			return false
		}
		return true
	})
	return cols, header
}

func matchHeader(cells *goquery.Selection) map[column]int {
	m := make(map[column]int)
	cells.Each(func(i int, cell *goquery.Selection) {
		text := domain.FoldName(cell.Text())
		if text == "" {
			return
		}
		if col, ok := exact[text]; ok {
			setOnce(m, col, i)
			return
		}
		for _, c := range contains {
			for _, w := range c.words {
				if strings.Contains(text, w) {
					setOnce(m, c.col, i)
					return
				}
			}
		}
	})
	return m
}

func setOnce(m map[column]int, col column, i int) {
	if _, ok := m[col]; !ok {
		m[col] = i
	}
}

func parseRows(table, header *goquery.Selection, cols map[column]int, base *url.URL) []domain.RawQuake {
	var rows []domain.RawQuake
	pastHeader := false
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		if !pastHeader {
			pastHeader = tr.IsSelection(header)
			return
		}
		cells := tr.Find("td")
		if cells.Length() < MinCells {
			return
		}
		texts := make([]string, cells.Length())
		cells.Each(func(i int, td *goquery.Selection) {
			texts[i] = strings.Join(strings.Fields(td.Text()), " ")
		})

		cell := func(c column) string {
			if i, ok := cols[c]; ok && i < len(texts) {
				return texts[i]
			}
			return ""
		}
		location := cell(colLocation)
		if _, ok := cols[colLocation]; !ok {
			location = texts[len(texts)-1]
		}

		rows = append(rows, domain.RawQuake{
			Date:        cell(colDate),
			Time:        cell(colTime),
			Latitude:    cell(colLat),
			Longitude:   cell(colLon),
			Depth:       cell(colDepth),
			MD:          cell(colMD),
			ML:          cell(colML),
			MW:          cell(colMW),
			Magnitude:   cell(colMagnitude),
			Type:        cell(colType),
			Location:    location,
			ProviderURL: rowLink(tr, base),
		})
	})
	return rows
}

func rowLink(tr *goquery.Selection, base *url.URL) string {
	href, ok := tr.Find("a[href]").First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return ""
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
