// Package email reads customer feedback emails from CSV exports.
package email

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrMissingEmailColumn is returned when the header row has no email column.
var ErrMissingEmailColumn = errors.New("csv header has no email column")

// Record is one cleaned email from the input file.
type Record struct {
	ID      int    `json:"email_id"`
	Row     int    `json:"row"`
	Sender  string `json:"sender,omitempty"`
	Subject string `json:"subject,omitempty"`
	Text    string `json:"email"`
}

// columns maps the header names we understand to their index in the file.
type columns struct {
	email   int
	id      int
	sender  int
	subject int
}

// ReadFile opens path and reads its records.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path) //nolint:gosec // G304: input path comes from operator flags
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer func() { _ = f.Close() }()

	recs, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return recs, nil
}

// Read parses CSV from r. The first row must be a header containing an
// "email" column. Rows with a blank email are dropped. When there is no
// email_id column, or a row leaves it blank, the 1-based data row number
// is used as the ID.
func Read(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrMissingEmailColumn
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	cols := indexColumns(header)
	if cols.email < 0 {
		return nil, ErrMissingEmailColumn
	}

	var out []Record
	for row := 1; ; row++ {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}

		text := strings.TrimSpace(cell(fields, cols.email))
		if text == "" {
			continue
		}

		id := row
		if raw := strings.TrimSpace(cell(fields, cols.id)); raw != "" {
			id, err = strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("row %d: invalid email_id %q", row, raw)
			}
		}

		out = append(out, Record{
			ID:      id,
			Row:     row,
			Sender:  strings.TrimSpace(cell(fields, cols.sender)),
			Subject: strings.TrimSpace(cell(fields, cols.subject)),
			Text:    text,
		})
	}

	return out, nil
}

func indexColumns(header []string) columns {
	c := columns{email: -1, id: -1, sender: -1, subject: -1}
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))) {
		case "email":
			if c.email < 0 {
				c.email = i
			}
		case "email_id", "id":
			if c.id < 0 {
				c.id = i
			}
		case "sender", "from":
			if c.sender < 0 {
				c.sender = i
			}
		case "subject":
			if c.subject < 0 {
				c.subject = i
			}
		}
	}
	return c
}

func cell(fields []string, idx int) string {
	if idx < 0 || idx >= len(fields) {
		return ""
	}
	return fields[idx]
}
