package koeri

import (
	"regexp"
	"strings"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
)

var (
	textDateRe = regexp.MustCompile(`\d{2}\.\d{2}\.\d{4}|\d{4}\.\d{2}\.\d{2}`)
	textTimeRe = regexp.MustCompile(`\d{2}:\d{2}:\d{2}`)
	// solutionRe matches the trailing solution status KOERI appends to each
	// line, e.g. "İlksel" or "REVIZE01 (2024.01.15 12:40:00)".
	solutionRe = regexp.MustCompile(`(?i)\s+(İlksel|Ilksel|REVIZE\d*.*)$`)
)

// parseText extracts rows from the fixed-width listing:
//
//	Tarih      Saat      Enlem(N)  Boylam(E) Derinlik(km)  MD   ML   Mw    Yer
//	2024.01.15 12:34:56  39.2050   28.1633       11.0      -.-  3.9  -.-   SINDIRGI (BALIKESIR)   İlksel
func parseText(text string) []domain.RawQuake {
	var rows []domain.RawQuake
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !textDateRe.MatchString(line) || !textTimeRe.MatchString(line) {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 7 {
			continue
		}
		raw := domain.RawQuake{
			Date:      parts[0],
			Time:      parts[1],
			Latitude:  parts[2],
			Longitude: parts[3],
			Depth:     parts[4],
			MD:        parts[5],
			ML:        parts[6],
		}
		if len(parts) > 7 {
			raw.MW = parts[7]
		}
		if len(parts) > 8 {
			raw.Location = solutionRe.ReplaceAllString(strings.Join(parts[8:], " "), "")
		}
		rows = append(rows, raw)
	}
	return rows
}
