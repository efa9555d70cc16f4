package allocation

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/quantpilot/trader/internal/domain"
)

// FormatAllocationCSV renders one day's allocation as CSV with a header
// row. Rows are sorted by ticker so output is deterministic.
func FormatAllocationCSV(date string, allocation domain.Allocation) string {
	tickers := make([]string, 0, len(allocation))
	for ticker := range allocation {
		tickers = append(tickers, ticker)
	}
	sort.Strings(tickers)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"date", "ticker", "percent"})
	for _, ticker := range tickers {
		_ = w.Write([]string{date, ticker, strconv.FormatFloat(allocation[ticker], 'f', -1, 64)})
	}
	w.Flush()

	return buf.String()
}

// ParseAllocationCSV parses the FormatAllocationCSV output back into a
// date and allocation. Negative percents are rejected.
func ParseAllocationCSV(data string) (string, domain.Allocation, error) {
	r := csv.NewReader(strings.NewReader(data))
	records, err := r.ReadAll()
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse allocation csv: %w", err)
	}
	if len(records) == 0 {
		return "", nil, fmt.Errorf("allocation csv is empty")
	}

	header := records[0]
	if len(header) != 3 || header[0] != "date" || header[1] != "ticker" || header[2] != "percent" {
		return "", nil, fmt.Errorf("unexpected allocation csv header: %v", header)
	}

	date := ""
	allocation := make(domain.Allocation, len(records)-1)
	for _, record := range records[1:] {
		if len(record) != 3 {
			return "", nil, fmt.Errorf("malformed allocation csv row: %v", record)
		}
		if date == "" {
			date = record[0]
		} else if record[0] != date {
			return "", nil, fmt.Errorf("mixed dates in allocation csv: %s vs %s", date, record[0])
		}

		percent, err := strconv.ParseFloat(record[2], 64)
		if err != nil {
			return "", nil, fmt.Errorf("malformed percent %q: %w", record[2], err)
		}
		if percent < 0 {
			return "", nil, fmt.Errorf("negative percent %g for %s", percent, record[1])
		}
		allocation[record[1]] = percent
	}

	return date, allocation, nil
}
