// Package dataset loads the study's source CSV, one row of survey
// content per task number.
package dataset

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
)

// Dataset is the parsed study CSV. Task number n maps to data row n-1
// (task numbers are 1-based, rows are 0-based).
type Dataset struct {
	columns []string
	rows    []map[string]string
}

// Load parses the CSV at path. The first record is the header; every
// data row must have the same number of fields.
func Load(path string) (*Dataset, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("dataset path is required")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse dataset: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("dataset needs a header and at least one row")
	}

	columns := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]string, len(columns))
		for i, column := range columns {
			row[column] = record[i]
		}
		rows = append(rows, row)
	}
	return &Dataset{columns: columns, rows: rows}, nil
}

// Columns returns the CSV header names.
func (d *Dataset) Columns() []string {
	return d.columns
}

// Len returns the number of data rows, which is the number of task
// numbers the study can seed.
func (d *Dataset) Len() int {
	return len(d.rows)
}

// Row returns the content row for a 1-based task number.
func (d *Dataset) Row(taskNumber int) (map[string]string, error) {
	if taskNumber < 1 || taskNumber > len(d.rows) {
		return nil, fmt.Errorf("task number %d outside dataset range 1..%d", taskNumber, len(d.rows))
	}
	return d.rows[taskNumber-1], nil
}
