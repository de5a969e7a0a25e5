package constants

import (
	"mime"
	"path/filepath"
	"strings"
)

// ExportFormat is the packaging format of an export.
type ExportFormat string

const (
	ExportFormatJSON ExportFormat = "json"
	ExportFormatCSV  ExportFormat = "csv"  // zip archive, one CSV per table
	ExportFormatXLSX ExportFormat = "xlsx" // one sheet per table
)

// ExportFormats holds the allowed values for export_logs.format.
var ExportFormats = []string{string(ExportFormatJSON), string(ExportFormatCSV), string(ExportFormatXLSX)}

// ParseExportFormat normalizes user input; "excel" is accepted as an alias of xlsx.
func ParseExportFormat(s string) (ExportFormat, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return ExportFormatJSON, true
	case "csv":
		return ExportFormatCSV, true
	case "xlsx", "excel":
		return ExportFormatXLSX, true
	}
	return "", false
}

// ContentType returns the MIME type of a packaged export.
func (f ExportFormat) ContentType() string {
	switch f {
	case ExportFormatJSON:
		return "application/json"
	case ExportFormatCSV:
		return "application/zip"
	case ExportFormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/octet-stream"
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// MimeForName guesses the MIME type of an uploaded document from its name.
func MimeForName(name string) string {
	ext := NormalizeExt(filepath.Ext(name))
	switch ext {
	case "pdf":
		return "application/pdf"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	}
	if mt := mime.TypeByExtension("." + ext); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

// MaxFileNameLength bounds files.name.
const MaxFileNameLength = 255

// DocumentExtensions are the file extensions picked up by directory imports.
var DocumentExtensions = map[string]struct{}{
	"pdf":  {},
	"png":  {},
	"jpg":  {},
	"jpeg": {},
	"tif":  {},
	"tiff": {},
}
