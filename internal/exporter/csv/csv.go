// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package csv writes region results and measurement timestamps as CSV.
package csv

import (
	stdcsv "encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jszwec/csvutil"

	"github.com/SerhiiYahdzhyiev/EMA/pkg/region"
)

// Row is one region × device result
type Row struct {
	Thread     int    `csv:"thread"`
	RegionID   string `csv:"region_id"`
	File       string `csv:"file"`
	Line       int    `csv:"line"`
	Function   string `csv:"function"`
	Visits     uint64 `csv:"visits"`
	DeviceName string `csv:"device_name"`
	DeviceType string `csv:"device_type"`
	Energy     uint64 `csv:"energy"` // microjoules
	Time       int64  `csv:"time"`   // microseconds
}

// Rows flattens every region of every thread in dir into result rows
func Rows(dir *region.Directory) ([]Row, error) {
	var rows []Row
	err := dir.Each(func(thread int, s *region.Store) error {
		return s.Iterate(func(r *region.Region) error {
			site := r.Site()
			for _, m := range r.Measurements() {
				rows = append(rows, Row{
					Thread:     thread,
					RegionID:   r.IDF(),
					File:       site.File,
					Line:       site.Line,
					Function:   site.Function,
					Visits:     r.Visits(),
					DeviceName: m.Device().Name(),
					DeviceType: string(m.Device().Type()),
					Energy:     m.Energy().MicroJoules(),
					Time:       m.Time().Microseconds(),
				})
			}
			return nil
		})
	})
	return rows, err
}

// Write writes the header and rows. The header is written even when there
// are no rows.
func Write(w io.Writer, rows []Row) error {
	cw := stdcsv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)
	enc.AutoHeader = false

	if err := enc.EncodeHeader(Row{}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Read parses rows written by Write
func Read(r io.Reader) ([]Row, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var rows []Row
	if err := csvutil.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse results: %w", err)
	}
	return rows, nil
}

// Timestamps are the wall-clock bounds of a measured command
type Timestamps struct {
	Start string `csv:"ts_start"`
	End   string `csv:"ts_end"`
}

// ISO8601 is the layout of Timestamps fields
const ISO8601 = "2006-01-02T15:04:05-07:00"

func NewTimestamps(start, end time.Time) Timestamps {
	return Timestamps{
		Start: start.Local().Format(ISO8601),
		End:   end.Local().Format(ISO8601),
	}
}

// WriteTimestamps writes ts with its header
func WriteTimestamps(w io.Writer, ts Timestamps) error {
	data, err := csvutil.Marshal([]Timestamps{ts})
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ExpandPath replaces {pid} in a file name template with the process id
func ExpandPath(tmpl string) string {
	return strings.ReplaceAll(tmpl, "{pid}", strconv.Itoa(os.Getpid()))
}

// WriteFile writes rows to the file at path, creating or truncating it
func WriteFile(path string, rows []Row) (retErr error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create results file: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil && retErr == nil {
			retErr = err
		}
	}()
	return Write(f, rows)
}
