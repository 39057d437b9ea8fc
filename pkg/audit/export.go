package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"
)

// Export renders entries in the requested format
func Export(entries []*Entry, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatJSON, "":
		return exportJSON(entries)
	case ExportFormatNDJSON:
		return exportNDJSON(entries)
	case ExportFormatCSV:
		return exportCSV(entries)
	}
	return nil, fmt.Errorf("unsupported export format: %s", format)
}

// ContentType returns the MIME type for an export format
func (f ExportFormat) ContentType() string {
	switch f {
	case ExportFormatNDJSON:
		return "application/x-ndjson"
	case ExportFormatCSV:
		return "text/csv"
	}
	return "application/json"
}

// exportJSON exports audit entries as JSON array
func exportJSON(entries []*Entry) ([]byte, error) {
	if entries == nil {
		entries = []*Entry{}
	}
	return json.MarshalIndent(entries, "", "  ")
}

// exportNDJSON exports audit entries as newline-delimited JSON
func exportNDJSON(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, entry := range entries {
		if err := encoder.Encode(entry); err != nil {
			return nil, fmt.Errorf("failed to encode entry: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// exportCSV exports audit entries as CSV; changes are embedded as JSON
func exportCSV(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{
		"ID",
		"Timestamp",
		"Actor",
		"TenantID",
		"Action",
		"TargetType",
		"TargetID",
		"RequestID",
		"Message",
		"Before",
		"After",
	}

	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, entry := range entries {
		var before, after string
		if entry.Changes != nil {
			var err error
			if before, err = formatChange(entry.Changes.Before); err != nil {
				return nil, err
			}
			if after, err = formatChange(entry.Changes.After); err != nil {
				return nil, err
			}
		}

		row := []string{
			entry.ID,
			entry.Timestamp.UTC().Format(time.RFC3339),
			entry.Actor,
			entry.TenantID,
			string(entry.Action),
			string(entry.TargetType),
			entry.TargetID,
			entry.RequestID,
			entry.Message,
			before,
			after,
		}

		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// formatChange renders one side of a change, returning empty string for nil
func formatChange(m map[string]interface{}) (string, error) {
	if m == nil {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode change: %w", err)
	}
	return string(data), nil
}
