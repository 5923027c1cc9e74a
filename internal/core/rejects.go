package core

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// WriteRejects writes rejected rows as CSV: _line, _error, then the original
// columns. Rows are written in the order given.
func WriteRejects(w io.Writer, header []string, rows []RejectedRow) error {
	csvWriter := csv.NewWriter(w)

	if err := csvWriter.Write(append([]string{"_line", "_error"}, header...)); err != nil {
		return fmt.Errorf("write rejects header: %w", err)
	}

	for _, row := range rows {
		record := append([]string{strconv.Itoa(row.Line), row.Reason}, row.Data...)
		if err := csvWriter.Write(record); err != nil {
			return fmt.Errorf("write rejected line %d: %w", row.Line, err)
		}
	}

	csvWriter.Flush()
	return csvWriter.Error()
}
