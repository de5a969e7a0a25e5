package export

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/entity"
)

// Bundle is everything an artifact is built from: the export row and the
// snapshot it references. Nothing outside the snapshot ends up in it.
type Bundle struct {
	Export  *entity.ExportLog
	Options entity.ExportOptions
	Files   []FileSnapshot
}

// FileSnapshot is one snapshotted file version and its tables.
type FileSnapshot struct {
	File    *entity.File
	Version *entity.FileVersion
	Tables  []TableSnapshot
}

// TableSnapshot pairs a table with the status of its live job, if any.
type TableSnapshot struct {
	Table     *entity.FileTable
	JobStatus constants.JobStatus
}

// Packager renders bundles into export artifacts.
type Packager struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewPackager(logger *slog.Logger) *Packager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Packager{logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Package returns the artifact bytes for b in the export's format.
func (p *Packager) Package(b *Bundle) ([]byte, error) {
	start := time.Now()
	b = b.filtered()

	var (
		out []byte
		err error
	)
	switch b.Export.Format {
	case constants.ExportFormatJSON:
		out, err = p.packageJSON(b)
	case constants.ExportFormatCSV:
		out, err = p.packageCSV(b)
	case constants.ExportFormatXLSX:
		out, err = p.packageXLSX(b)
	default:
		return nil, fmt.Errorf("unsupported export format %q", b.Export.Format)
	}
	if err != nil {
		return nil, fmt.Errorf("%s package: %w", b.Export.Format, err)
	}

	p.logger.Info("export.package.ok",
		"export_id", b.Export.ID,
		"format", b.Export.Format,
		"files", len(b.Files),
		"bytes", len(out),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// filtered applies only_reviewed and include_rows to a copy of b.
func (b *Bundle) filtered() *Bundle {
	out := &Bundle{Export: b.Export, Options: b.Options, Files: make([]FileSnapshot, 0, len(b.Files))}
	for _, fs := range b.Files {
		cp := FileSnapshot{File: fs.File, Version: fs.Version}
		for _, ts := range fs.Tables {
			if b.Options.OnlyReviewed && ts.JobStatus != constants.JobStatusReviewed {
				continue
			}
			if !b.Options.WithRows() {
				t := *ts.Table
				t.Rows = nil
				ts.Table = &t
			}
			cp.Tables = append(cp.Tables, ts)
		}
		out.Files = append(out.Files, cp)
	}
	return out
}

type jsonDocument struct {
	ExportID    int64      `json:"export_id"`
	ProjectID   int64      `json:"project_id"`
	GeneratedAt time.Time  `json:"generated_at"`
	Files       []jsonFile `json:"files"`
}

type jsonFile struct {
	FileID        int64       `json:"file_id"`
	Name          string      `json:"name"`
	VersionID     int64       `json:"version_id"`
	VersionNumber int         `json:"version_number"`
	ContentSHA256 string      `json:"content_sha256"`
	MimeType      string      `json:"mime_type"`
	PageCount     *int        `json:"page_count,omitempty"`
	Tables        []jsonTable `json:"tables"`
}

type jsonTable struct {
	PageNumber int        `json:"page_number"`
	TableIndex int        `json:"table_index"`
	Headers    [][]string `json:"headers"`
	Rows       [][]string `json:"rows,omitempty"`
	Confidence *float64   `json:"confidence,omitempty"`
	JobStatus  string     `json:"job_status,omitempty"`
}

func (p *Packager) packageJSON(b *Bundle) ([]byte, error) {
	doc := jsonDocument{
		ExportID:    b.Export.ID,
		ProjectID:   b.Export.ProjectID,
		GeneratedAt: p.now(),
		Files:       make([]jsonFile, 0, len(b.Files)),
	}
	for _, fs := range b.Files {
		jf := jsonFile{
			FileID:        fs.File.ID,
			Name:          fs.File.Name,
			VersionID:     fs.Version.ID,
			VersionNumber: fs.Version.VersionNumber,
			ContentSHA256: fs.Version.ContentSHA256,
			MimeType:      fs.Version.MimeType,
			Tables:        make([]jsonTable, 0, len(fs.Tables)),
		}
		if fs.Version.Extraction != nil {
			pc := fs.Version.Extraction.PageCount
			jf.PageCount = &pc
		}
		for _, ts := range fs.Tables {
			jf.Tables = append(jf.Tables, jsonTable{
				PageNumber: ts.Table.PageNumber,
				TableIndex: ts.Table.TableIndex,
				Headers:    ts.Table.Headers,
				Rows:       ts.Table.Rows,
				Confidence: ts.Table.Confidence,
				JobStatus:  string(ts.JobStatus),
			})
		}
		doc.Files = append(doc.Files, jf)
	}
	return json.MarshalIndent(doc, "", "  ")
}

var manifestHeader = []string{"file_id", "file_name", "version_id", "version_number", "content_sha256", "page_number", "table_index", "job_status", "entry"}

// packageCSV writes manifest.csv plus one CSV per table. Header rows come
// first, then body rows.
func (p *Packager) packageCSV(b *Bundle) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	var manifest [][]string
	for _, fs := range b.Files {
		if len(fs.Tables) == 0 {
			manifest = append(manifest, manifestRow(fs, nil, ""))
			continue
		}
		for _, ts := range fs.Tables {
			name := fmt.Sprintf("file-%d/v%d/page-%d-table-%d.csv",
				fs.File.ID, fs.Version.VersionNumber, ts.Table.PageNumber, ts.Table.TableIndex)
			w, err := zw.Create(name)
			if err != nil {
				return nil, err
			}
			if err := writeCSV(w, ts.Table.Headers, ts.Table.Rows); err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			manifest = append(manifest, manifestRow(fs, &ts, name))
		}
	}

	w, err := zw.Create("manifest.csv")
	if err != nil {
		return nil, err
	}
	if err := writeCSV(w, [][]string{manifestHeader}, manifest); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCSV(w io.Writer, head, body [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(head); err != nil {
		return err
	}
	if err := cw.WriteAll(body); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func manifestRow(fs FileSnapshot, ts *TableSnapshot, entry string) []string {
	row := []string{
		strconv.FormatInt(fs.File.ID, 10),
		fs.File.Name,
		strconv.FormatInt(fs.Version.ID, 10),
		strconv.Itoa(fs.Version.VersionNumber),
		fs.Version.ContentSHA256,
		"", "", "", entry,
	}
	if ts != nil {
		row[5] = strconv.Itoa(ts.Table.PageNumber)
		row[6] = strconv.Itoa(ts.Table.TableIndex)
		row[7] = string(ts.JobStatus)
	}
	return row
}

const manifestSheet = "Manifest"

// packageXLSX writes a manifest sheet and one sheet per table.
func (p *Packager) packageXLSX(b *Bundle) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", manifestSheet); err != nil {
		return nil, err
	}
	for i, h := range manifestHeader {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(manifestSheet, cell, h)
	}

	row := 2
	for _, fs := range b.Files {
		if len(fs.Tables) == 0 {
			writeRow(f, manifestSheet, row, manifestRow(fs, nil, ""))
			row++
			continue
		}
		for _, ts := range fs.Tables {
			sheet := fmt.Sprintf("F%d V%d P%d T%d", fs.File.ID, fs.Version.VersionNumber, ts.Table.PageNumber, ts.Table.TableIndex)
			if len(sheet) > 31 {
				sheet = fmt.Sprintf("T%d", ts.Table.ID)
			}
			if _, err := f.NewSheet(sheet); err != nil {
				return nil, fmt.Errorf("sheet %q: %w", sheet, err)
			}
			r := 1
			for _, h := range ts.Table.Headers {
				writeRow(f, sheet, r, h)
				r++
			}
			for _, body := range ts.Table.Rows {
				writeRow(f, sheet, r, body)
				r++
			}
			writeRow(f, manifestSheet, row, manifestRow(fs, &ts, sheet))
			row++
		}
	}

	_ = f.SetColWidth(manifestSheet, "B", "B", 32) // name
	_ = f.SetColWidth(manifestSheet, "E", "E", 66) // sha256
	_ = f.SetColWidth(manifestSheet, "I", "I", 24) // entry

	idx, _ := f.GetSheetIndex(manifestSheet)
	f.SetActiveSheet(idx)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func writeRow(f *excelize.File, sheet string, row int, values []string) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}
