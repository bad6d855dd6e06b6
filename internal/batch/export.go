package batch

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const unknownMeaning = "unknown"

var csvHeader = []string{
	"job_name", "description", "timestamp", "status",
	"read_address", "read_value", "read_meaning",
	"write_address", "write_success", "write_meaning",
	"errors",
}

// Row is one line of the flattened export.
type Row struct {
	JobName      string
	Description  string
	Timestamp    string
	Status       string
	ReadAddress  string
	ReadValue    string
	ReadMeaning  string
	WriteAddress string
	WriteSuccess string
	WriteMeaning string
	Errors       string
}

func (r Row) record() []string {
	return []string{
		r.JobName, r.Description, r.Timestamp, r.Status,
		r.ReadAddress, r.ReadValue, r.ReadMeaning,
		r.WriteAddress, r.WriteSuccess, r.WriteMeaning,
		r.Errors,
	}
}

// FlattenRows turns results into rows. Row i of a job carries its i-th read
// and i-th write by sorted address; a job with no addresses still gets one
// row. Job fields repeat on every row, errors appear on the first only.
func FlattenRows(results []JobResult, mapping map[string]string) []Row {
	meaning := func(addr string) string {
		if m, ok := mapping[addr]; ok {
			return m
		}
		return unknownMeaning
	}

	var rows []Row
	for _, res := range results {
		reads := sortedKeys(res.ReadResults)
		writes := sortedKeys(res.WriteResults)

		n := max(len(reads), len(writes), 1)
		for i := 0; i < n; i++ {
			row := Row{
				JobName:     res.JobName,
				Description: res.Description,
				Timestamp:   res.Timestamp.Format(time.RFC3339),
				Status:      string(res.Status),
			}
			if i == 0 {
				row.Errors = strings.Join(res.Errors, "; ")
			}
			if i < len(reads) {
				addr := reads[i]
				row.ReadAddress = addr
				if v := res.ReadResults[addr]; v != nil {
					row.ReadValue = strconv.FormatUint(*v, 10)
				}
				row.ReadMeaning = meaning(addr)
			}
			if i < len(writes) {
				addr := writes[i]
				row.WriteAddress = addr
				row.WriteSuccess = strconv.FormatBool(res.WriteResults[addr])
				row.WriteMeaning = meaning(addr)
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func WriteCSV(w io.Writer, results []JobResult, mapping map[string]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, row := range FlattenRows(results, mapping) {
		if err := cw.Write(row.record()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func WriteJSON(w io.Writer, results []JobResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if results == nil {
		results = []JobResult{}
	}
	return enc.Encode(results)
}

func writeExportFile(dir, format string, ts time.Time, results []JobResult, mapping map[string]string) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("batch_results_%s.%s", ts.Format("20060102_150405"), format))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()

	switch format {
	case ExportJSON:
		err = WriteJSON(f, results)
	case ExportCSV:
		err = WriteCSV(f, results, mapping)
	}
	if err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", path, err)
	}
	return path, nil
}
