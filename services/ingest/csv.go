package ingest

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/upb/sdp-ingestion/services"
)

// Key columns tried in order
var csvKeyColumns = []string{"record_key", "customer_id"}

// ParseCSV turns a tokenized CSV export into records. The header row names
// the fields; the record key comes from record_key, else customer_id, and
// every column (the key included) becomes a string field of the payload.
// At most maxRows data rows are read; more is a validation error.
func ParseCSV(r io.Reader, maxRows int) ([]RecordInput, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, services.NewValidationError("csv file is empty")
		}
		return nil, services.NewValidationError(fmt.Sprintf("invalid csv header: %v", err))
	}

	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	keyIdx := -1
	for _, col := range csvKeyColumns {
		for i, h := range header {
			if h == col {
				keyIdx = i
				break
			}
		}
		if keyIdx >= 0 {
			break
		}
	}
	if keyIdx < 0 {
		return nil, services.NewValidationError("csv must have a record_key or customer_id column")
	}

	var records []RecordInput
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, services.NewValidationError(fmt.Sprintf("invalid csv row: %v", err))
		}
		if maxRows > 0 && len(records) >= maxRows {
			return nil, services.NewValidationError(fmt.Sprintf("too many records: limit is %d", maxRows)).
				WithDetail("max_records", maxRows)
		}

		fields := make(map[string]string, len(header))
		for i, h := range header {
			if h == "" {
				continue
			}
			fields[h] = row[i]
		}
		payload, err := json.Marshal(fields)
		if err != nil {
			return nil, services.WrapInternal("failed to encode csv row", err)
		}

		records = append(records, RecordInput{
			RecordKey: strings.TrimSpace(row[keyIdx]),
			Payload:   payload,
		})
	}

	return records, nil
}
