// Package export serializes result sets into downloadable artifacts.
package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/leadscout/internal/harvest"
	"github.com/JakeFAU/leadscout/internal/resilience"
)

const (
	sheetLeads = "Leads"
	sheetInfo  = "Info"
)

// column is one exported field.
type column struct {
	name string
	get  func(harvest.Record) string
}

var baseColumns = []column{
	{"source", func(r harvest.Record) string { return string(r.Source) }},
	{"business_name", func(r harvest.Record) string { return r.BusinessName }},
	{"name", func(r harvest.Record) string { return r.Name }},
	{"username", func(r harvest.Record) string { return r.Username }},
	{"email", func(r harvest.Record) string { return r.Email }},
	{"phone", func(r harvest.Record) string { return r.Phone }},
	{"profile_url", func(r harvest.Record) string { return r.ProfileURL }},
	{"website", func(r harvest.Record) string { return r.Website }},
	{"company", func(r harvest.Record) string { return r.Company }},
	{"type", func(r harvest.Record) string { return r.Type }},
	{"location", func(r harvest.Record) string { return r.Location }},
	{"bio", func(r harvest.Record) string { return r.Bio }},
}

// Columns returns the populated columns of records in a stable order: the
// fixed fields first, then extra keys sorted by name.
func Columns(records []harvest.Record) []string {
	cols := columnsFor(records)
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.name
	}
	return names
}

func columnsFor(records []harvest.Record) []column {
	var cols []column
	for _, c := range baseColumns {
		for _, r := range records {
			if strings.TrimSpace(c.get(r)) != "" {
				cols = append(cols, c)
				break
			}
		}
	}
	extra := map[string]struct{}{}
	for _, r := range records {
		for k, v := range r.Extra {
			if strings.TrimSpace(v) != "" {
				extra[k] = struct{}{}
			}
		}
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cols = append(cols, column{name: k, get: func(r harvest.Record) string { return r.Extra[k] }})
	}
	return cols
}

// Write serializes records in format to w.
func Write(w io.Writer, format harvest.Format, records []harvest.Record, meta harvest.ArtifactMeta) error {
	switch format {
	case harvest.FormatXLSX:
		return writeXLSX(w, records, meta)
	case harvest.FormatCSV:
		return writeCSV(w, records)
	case harvest.FormatTXT:
		return writeTXT(w, records, meta)
	case harvest.FormatJSON:
		return writeJSON(w, records, meta)
	default:
		return &harvest.ValidationError{Field: "format", Reason: fmt.Sprintf("unsupported format %q", format)}
	}
}

func writeXLSX(w io.Writer, records []harvest.Record, meta harvest.ArtifactMeta) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", sheetLeads); err != nil {
		return fmt.Errorf("xlsx: rename sheet: %w", err)
	}
	cols := columnsFor(records)
	for i, c := range cols {
		if err := setCell(f, sheetLeads, i+1, 1, c.name); err != nil {
			return err
		}
	}
	for row, r := range records {
		for i, c := range cols {
			if err := setCell(f, sheetLeads, i+1, row+2, c.get(r)); err != nil {
				return err
			}
		}
	}

	if _, err := f.NewSheet(sheetInfo); err != nil {
		return fmt.Errorf("xlsx: info sheet: %w", err)
	}
	info := [][2]string{
		{"niche", meta.Niche},
		{"source", string(meta.Source)},
		{"total_results", fmt.Sprint(len(records))},
		{"is_partial", fmt.Sprint(meta.IsPartial)},
		{"generated_at", meta.GeneratedAt.Format("2006-01-02 15:04:05 MST")},
	}
	if meta.Error != "" {
		info = append(info, [2]string{"error", meta.Error})
	}
	for i, kv := range info {
		if err := setCell(f, sheetInfo, 1, i+1, kv[0]); err != nil {
			return err
		}
		if err := setCell(f, sheetInfo, 2, i+1, kv[1]); err != nil {
			return err
		}
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("xlsx: write: %w", err)
	}
	return nil
}

func setCell(f *excelize.File, sheet string, col, row int, value string) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return fmt.Errorf("xlsx: cell name: %w", err)
	}
	if err := f.SetCellValue(sheet, cell, value); err != nil {
		return fmt.Errorf("xlsx: set %s!%s: %w", sheet, cell, err)
	}
	return nil
}

func writeCSV(w io.Writer, records []harvest.Record) error {
	cols := columnsFor(records)
	cw := csv.NewWriter(w)
	header := make([]string, len(cols))
	for i, c := range cols {
		header[i] = c.name
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("csv: header: %w", err)
	}
	row := make([]string, len(cols))
	for _, r := range records {
		for i, c := range cols {
			row[i] = c.get(r)
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("csv: row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("csv: flush: %w", err)
	}
	return nil
}

// writeTXT emits one block per record, blank line separated.
func writeTXT(w io.Writer, records []harvest.Record, meta harvest.ArtifactMeta) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s / %s: %d results", meta.Niche, meta.Source, len(records))
	if meta.IsPartial {
		b.WriteString(" (partial)")
	}
	b.WriteString("\n\n")
	cols := columnsFor(records)
	for _, r := range records {
		for _, c := range cols {
			if v := strings.TrimSpace(c.get(r)); v != "" {
				fmt.Fprintf(&b, "%s: %s\n", c.name, v)
			}
		}
		b.WriteString("\n")
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("txt: write: %w", err)
	}
	return nil
}

type jsonArtifact struct {
	Meta    harvest.ArtifactMeta `json:"meta"`
	Results []harvest.Record     `json:"results"`
}

func writeJSON(w io.Writer, records []harvest.Record, meta harvest.ArtifactMeta) error {
	if records == nil {
		records = []harvest.Record{}
	}
	meta.TotalResults = len(records)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(jsonArtifact{Meta: meta, Results: records}); err != nil {
		return fmt.Errorf("json: encode: %w", err)
	}
	return nil
}

// Exporter writes artifacts under a base directory.
type Exporter struct {
	dir    string
	logger *zap.Logger
}

// NewExporter ensures dir exists.
func NewExporter(dir string, logger *zap.Logger) (*Exporter, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("export: dir is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("export: create dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{dir: dir, logger: logger}, nil
}

// Export writes records as meta.Format and returns the artifact path:
// <dir>/<account>/<niche>_<source>_<timestamp>.<ext>.
func (e *Exporter) Export(records []harvest.Record, meta harvest.ArtifactMeta) (string, error) {
	if !meta.Format.Valid() {
		return "", &harvest.ValidationError{Field: "format", Reason: fmt.Sprintf("unsupported format %q", meta.Format)}
	}
	account := resilience.Slug(meta.AccountID)
	if meta.AccountID == "" {
		account = "shared"
	}
	dir := filepath.Join(e.dir, account)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("export: create account dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s_%s", resilience.Slug(meta.Niche), meta.Source, meta.GeneratedAt.UTC().Format("20060102-150405"))
	if meta.IsPartial {
		name += "_partial"
	}
	path := filepath.Join(dir, name+"."+string(meta.Format))

	tmp, err := os.CreateTemp(dir, ".export-*")
	if err != nil {
		return "", fmt.Errorf("export: temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if err := Write(tmp, meta.Format, records, meta); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("export: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("export: rename: %w", err)
	}
	e.logger.Info("artifact exported",
		zap.String("path", path),
		zap.String("format", string(meta.Format)),
		zap.Int("results", len(records)),
		zap.Bool("partial", meta.IsPartial),
	)
	return path, nil
}
