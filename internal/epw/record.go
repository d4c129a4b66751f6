// Package epw derives catalog metadata from EnergyPlus weather files: the
// location header on the first line plus conventions encoded in the file name.
package epw

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// minHeaderFields is the shortest header that has both the leading
// administrative fields and the trailing coordinate fields.
const minHeaderFields = 8

var wmoPattern = regexp.MustCompile(`^.*\.(\d{6})`)

// Record is the metadata for one materialized weather file.
type Record struct {
	Name      string  `json:"name"`
	Path      string  `json:"path"`
	Location  string  `json:"location"`
	Country   string  `json:"country"`
	Province  string  `json:"province"`
	City      string  `json:"city"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Timezone  float64 `json:"tz"`
	WMO       *string `json:"wmo"`
	TMY3      bool    `json:"tmy3"`
	TMYx      bool    `json:"tmyx"`
	Year      *int    `json:"year"`
	StartYear *int    `json:"start_year"`
	EndYear   *int    `json:"end_year"`
}

// ParseError reports a file whose header cannot be turned into a Record.
type ParseError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse %s: %s", e.Path, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParseRecord reads the first line of the file at path and builds its Record.
// Only the header is read; the rest of the file is never touched.
func ParseRecord(path string) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Record{}, &ParseError{Path: path, Reason: "open", Err: err}
	}
	defer func() {
		_ = f.Close()
	}()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return Record{}, &ParseError{Path: path, Reason: "read header", Err: err}
	}
	return parseHeader(path, line)
}

func parseHeader(path, line string) (Record, error) {
	line = strings.TrimPrefix(line, "\ufeff")
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Record{}, &ParseError{Path: path, Reason: "empty header"}
	}
	fields := strings.Split(line, ",")
	n := len(fields)
	if n < minHeaderFields {
		return Record{}, &ParseError{
			Path:   path,
			Reason: fmt.Sprintf("header has %d fields, need at least %d", n, minHeaderFields),
		}
	}

	lat, err := parseFloat(fields[n-4])
	if err != nil {
		return Record{}, &ParseError{Path: path, Reason: "latitude", Err: err}
	}
	lon, err := parseFloat(fields[n-3])
	if err != nil {
		return Record{}, &ParseError{Path: path, Reason: "longitude", Err: err}
	}
	tz, err := parseFloat(fields[n-2])
	if err != nil {
		return Record{}, &ParseError{Path: path, Reason: "timezone", Err: err}
	}

	name := Stem(path)
	lowerName := strings.ToLower(name)
	rec := Record{
		Name:      name,
		Path:      path,
		Location:  "POINT(" + formatFloat(lon) + " " + formatFloat(lat) + ")",
		City:      strings.TrimSpace(fields[1]),
		Province:  strings.TrimSpace(fields[2]),
		Country:   strings.TrimSpace(fields[3]),
		Latitude:  lat,
		Longitude: lon,
		Timezone:  tz,
		TMY3:      strings.Contains(lowerName, "tmy3"),
		TMYx:      strings.Contains(lowerName, "tmyx"),
	}
	if m := wmoPattern.FindStringSubmatch(name); m != nil {
		wmo := m[1]
		rec.WMO = &wmo
	}
	switch years := YearTokens(name); len(years) {
	case 1:
		rec.Year = &years[0]
	case 2:
		rec.StartYear = &years[0]
		rec.EndYear = &years[1]
	}
	return rec, nil
}

// Stem returns the file name of path without its final extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// YearTokens returns, in order, every run of exactly four digits in name
// that starts with 19 or 20 and is not part of a longer digit run.
func YearTokens(name string) []int {
	var years []int
	for i := 0; i < len(name); {
		if !isDigit(name[i]) {
			i++
			continue
		}
		j := i
		for j < len(name) && isDigit(name[j]) {
			j++
		}
		if run := name[i:j]; len(run) == 4 && (strings.HasPrefix(run, "19") || strings.HasPrefix(run, "20")) {
			year, _ := strconv.Atoi(run)
			years = append(years, year)
		}
		i = j
	}
	return years
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func parseFloat(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("parse float %q: %w", raw, err)
	}
	return v, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
