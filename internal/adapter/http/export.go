package http

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
)

var exportColumns = []string{
	"id", "date", "magnitude", "type", "latitude", "longitude",
	"depth_km", "city", "district", "source", "provider_url",
}

type exporter struct {
	ext         string
	contentType string
	write       func(buf *bytes.Buffer, records []domain.Earthquake) error
}

var exporters = map[string]exporter{
	"json": {"json", "application/json", exportJSON},
	"csv":  {"csv", "text/csv; charset=utf-8", exportCSV},
	"xlsx": {"xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", exportXLSX},
	"pdf":  {"pdf", "application/pdf", exportPDF},
}

// handleExport serves one source's records, or the merged set, as a file
// download. city matches on the folded name and magnitude keeps records
// strictly above the value.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	format := strings.ToLower(q.Get("format"))
	if format == "" {
		format = "json"
	}
	ex, ok := exporters[format]
	if !ok {
		writeError(w, http.StatusBadRequest, "format must be one of json, csv, xlsx, pdf")
		return
	}

	minMag := -1.0
	if v := q.Get("magnitude"); v != "" {
		f, ok := parseFinite(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "magnitude must be a number")
			return
		}
		minMag = f
	}

	name := strings.ToLower(strings.TrimSpace(q.Get("source")))
	if name == "" {
		name = string(domain.SourceAFAD)
	}
	ids, err := s.deps.Sources.Resolve(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var records []domain.Earthquake
	if len(ids) == 1 {
		name = string(ids[0])
		records, err = s.deps.Sources.Get(r.Context(), ids[0])
		if err != nil {
			s.writeSourceError(w, ids[0], err)
			return
		}
	} else {
		records, err = s.deps.Sources.Combined(r.Context(), ids, s.deps.Tolerance)
		if err != nil {
			writeError(w, http.StatusBadGateway, "all sources unavailable")
			return
		}
	}

	records = filterExport(records, q.Get("city"), minMag)

	var buf bytes.Buffer
	if err := ex.write(&buf, records); err != nil {
		s.logger.Error("export failed", "format", format, "error", err)
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	w.Header().Set("Content-Type", ex.contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=earthquakes_%s.%s", name, ex.ext))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes()) //nolint:errcheck // client went away
}

func filterExport(records []domain.Earthquake, city string, minMag float64) []domain.Earthquake {
	want := domain.FoldName(city)
	out := make([]domain.Earthquake, 0, len(records))
	for _, e := range records {
		if want != "" && domain.FoldName(e.Region.City) != want {
			continue
		}
		if minMag >= 0 && e.Magnitude <= minMag {
			continue
		}
		out = append(out, e)
	}
	return out
}

func exportRow(e domain.Earthquake) []string {
	return []string{
		e.ID,
		exportDate(e),
		strconv.FormatFloat(e.Magnitude, 'f', 1, 64),
		e.Type,
		strconv.FormatFloat(e.Latitude, 'f', 4, 64),
		strconv.FormatFloat(e.Longitude, 'f', 4, 64),
		strconv.FormatFloat(e.DepthKm, 'f', 1, 64),
		e.Region.City,
		e.Region.District,
		string(e.Source),
		e.ProviderURL,
	}
}

func exportDate(e domain.Earthquake) string {
	if e.OccurredAt.IsZero() {
		return e.RawDate
	}
	return e.OccurredAt.In(domain.TurkeyZone).Format(time.DateTime)
}

func exportJSON(buf *bytes.Buffer, records []domain.Earthquake) error {
	enc := json.NewEncoder(buf)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

func exportCSV(buf *bytes.Buffer, records []domain.Earthquake) error {
	w := csv.NewWriter(buf)
	if err := w.Write(exportColumns); err != nil {
		return err
	}
	for _, e := range records {
		if err := w.Write(exportRow(e)); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func exportXLSX(buf *bytes.Buffer, records []domain.Earthquake) error {
	const sheet = "Earthquakes"
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	header := make([]any, len(exportColumns))
	for i, c := range exportColumns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, e := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []any{
			e.ID, exportDate(e), e.Magnitude, e.Type, e.Latitude, e.Longitude,
			e.DepthKm, e.Region.City, e.Region.District, string(e.Source), e.ProviderURL,
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	return f.Write(buf)
}

// pdfFold maps Turkish letters outside cp1252 to their closest Latin form.
var pdfFold = strings.NewReplacer("ş", "s", "Ş", "S", "ğ", "g", "Ğ", "G", "ı", "i", "İ", "I")

var pdfColumns = []struct {
	title string
	width float64
}{
	{"Date", 38}, {"Mag", 14}, {"Type", 14}, {"Lat", 20}, {"Lon", 20},
	{"Depth", 16}, {"City", 40}, {"District", 60}, {"Source", 18},
}

func exportPDF(buf *bytes.Buffer, records []domain.Earthquake) error {
	pdf := gofpdf.New("L", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	text := func(s string) string { return tr(pdfFold.Replace(s)) }

	pdf.SetTitle("Earthquakes", true)
	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(0, 10, fmt.Sprintf("Earthquakes (%d)", len(records)), "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "B", 9)
	pdf.SetFillColor(230, 230, 230)
	for _, c := range pdfColumns {
		pdf.CellFormat(c.width, 7, c.title, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 8)
	for _, e := range records {
		row := exportRow(e)
		cells := []string{row[1], row[2], row[3], row[4], row[5], row[6], row[7], row[8], row[9]}
		for i, c := range pdfColumns {
			pdf.CellFormat(c.width, 6, text(cells[i]), "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}
	return pdf.Output(buf)
}
