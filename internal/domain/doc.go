// Package domain models earthquake catalogue records published by Turkish
// seismological agencies, push subscribers, and crowd-sourced sensor reports.
//
// # Data Sources
//
// AFAD (Disaster and Emergency Management Authority) publishes the latest
// events as an HTML table at https://deprem.afad.gov.tr/last-earthquakes.html.
// KOERI (Kandilli Observatory) publishes a legacy page at
// https://www.koeri.boun.edu.tr/scripts/lst6.asp, usually a <pre> block of
// fixed-width text encoded as windows-1254, and is mirrored by community JSON
// APIs. Column order and naming drift between releases, so adapters match
// header text against keyword synonyms instead of positions.
//
// # Source Conventions
//
// Time format:
//
//	AFAD:  "2024-01-15 12:34:56"      local Turkey time (UTC+03:00), no zone
//	KOERI: "2024.01.15 12:34:56"      same zone, dotted date
//	       "15.01.2024 12:34:56"      older day-first variant
//	APIs:  RFC 3339 or one of the above
//
// Times without zone information are interpreted at the fixed UTC+03:00
// offset. Turkey has not observed daylight saving time since 2016.
//
// Magnitude:
//
//	Agencies report one or more scales per event: Mw (moment), ML (local) and
//	MD (duration). The preferred value is Mw, then ML, then MD. KOERI writes
//	"-.-" for scales it did not compute. AFAD publishes a generic magnitude
//	column ("Büyüklük") with the scale label in a separate "Tip" column; when
//	that column holds a number it wins over the scale-specific ones.
//
// Location:
//
//	"<district> (<city>)"   e.g. "Sindirgi (Balikesir)"
//	"<city> (<district>)"   occasionally reversed by AFAD
//	"<words> <city>"        no parentheses; last word is the city
//
// The parenthesised fragment and the outer text are compared by length and
// the longer one is treated as the city. See [SplitRegion].
//
// # ID Generation
//
// Earthquake IDs are deterministic SHA-256 hashes of source|time|lat|lon so a
// row scraped twice from the same source yields the same ID, which is what
// the poller's seen set relies on. Reports of the same physical event from
// different sources keep different IDs and are reconciled by [Merge].
package domain
