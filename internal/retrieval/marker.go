package retrieval

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Marker records a committed retrieval. Its presence alongside the data file
// is what makes a later run skip the URL.
type Marker struct {
	URL           string    `json:"url"`
	ArchiveSHA256 string    `json:"archive_sha256"`
	ArchiveBytes  int64     `json:"archive_bytes"`
	DataFile      string    `json:"data_file"`
	RetrievedAt   time.Time `json:"retrieved_at"`
}

// ReadMarker loads and validates the marker at path.
func ReadMarker(path string) (Marker, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Marker{}, fmt.Errorf("read marker: %w", err)
	}
	var m Marker
	if err := json.Unmarshal(raw, &m); err != nil {
		return Marker{}, fmt.Errorf("decode marker: %w", err)
	}
	if m.DataFile == "" {
		return Marker{}, fmt.Errorf("marker %s names no data file", path)
	}
	return m, nil
}

func writeMarker(path string, m Marker) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return nil
}
