package tabular

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"sidragent/internal/logging"
)

// ExportResult reports where an export landed.
type ExportResult struct {
	CSVPath      string `json:"csv_path"`
	MetadataPath string `json:"metadata_path,omitempty"`
	Rows         int    `json:"rows"`
}

// WriteCSV writes the frame to <dir>/<slug>_<timestamp>.csv and, when
// withMetadata is set, a companion <slug>_<timestamp>_metadata.json with
// the frame's descriptive statistics.
func WriteCSV(frame Frame, dir, name string, withMetadata bool) (*ExportResult, error) {
	timer := logging.StartTimer(logging.CategoryExport, "WriteCSV")
	defer timer.Stop()

	if len(frame.Rows) == 0 {
		return nil, fmt.Errorf("no rows to export")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	stamp := time.Now().Format("20060102_150405")
	base := fmt.Sprintf("%s_%s", Slugify(name), stamp)
	csvPath := filepath.Join(dir, base+".csv")

	f, err := os.Create(csvPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create csv file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(Columns); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	for _, row := range frame.Rows {
		if err := w.Write(row.Record()); err != nil {
			return nil, fmt.Errorf("failed to write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush csv: %w", err)
	}

	result := &ExportResult{CSVPath: csvPath, Rows: len(frame.Rows)}
	logging.Export("Wrote %d rows to %s", len(frame.Rows), csvPath)

	if withMetadata {
		metaPath := filepath.Join(dir, base+"_metadata.json")
		if err := writeMetadataJSON(frame, metaPath); err != nil {
			return nil, err
		}
		result.MetadataPath = metaPath
	}

	return result, nil
}

// metadataSidecar is the shape of the <name>_metadata.json companion file.
type metadataSidecar struct {
	Metadata
	Columns []ColumnSummary `json:"columns"`
}

func writeMetadataJSON(frame Frame, path string) error {
	meta := metadataSidecar{
		Metadata: frame.Describe(),
		Columns:  frame.Summary(),
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	logging.ExportDebug("Wrote metadata sidecar to %s", path)
	return nil
}

// Slugify turns a free-form name into a safe filename fragment: lowercase
// ASCII with underscores, accents stripped, capped at 60 characters.
func Slugify(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "dados"
	}

	var sb strings.Builder
	lastUnderscore := false
	for _, r := range name {
		r = stripAccent(r)
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && sb.Len() > 0 {
				sb.WriteByte('_')
				lastUnderscore = true
			}
		}
	}

	slug := strings.Trim(sb.String(), "_")
	if slug == "" {
		return "dados"
	}
	if len(slug) > 60 {
		slug = strings.Trim(slug[:60], "_")
	}
	return slug
}

var accentMap = map[rune]rune{
	'á': 'a', 'à': 'a', 'â': 'a', 'ã': 'a', 'ä': 'a',
	'é': 'e', 'è': 'e', 'ê': 'e', 'ë': 'e',
	'í': 'i', 'ì': 'i', 'î': 'i', 'ï': 'i',
	'ó': 'o', 'ò': 'o', 'ô': 'o', 'õ': 'o', 'ö': 'o',
	'ú': 'u', 'ù': 'u', 'û': 'u', 'ü': 'u',
	'ç': 'c', 'ñ': 'n',
}

func stripAccent(r rune) rune {
	if mapped, ok := accentMap[unicode.ToLower(r)]; ok {
		return mapped
	}
	return r
}
