package eventlog

import (
	"encoding/csv"
	"fmt"
	"io"
	"iter"
	"strconv"
	"time"
)

var csvHeader = []string{"seq", "timestamp", "direction", "kind", "action", "unique_id", "payload"}

// WriteCSV writes entries as CSV with a header row. RESULT and ERROR rows
// carry the action of the CALL they answer.
func WriteCSV(w io.Writer, entries iter.Seq[Entry]) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for e := range entries {
		row := []string{
			strconv.FormatUint(e.Seq, 10),
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			string(e.Direction),
			e.Kind.String(),
			e.CorrelatedAction(),
			e.UniqueID,
			string(e.Payload),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %d: %w", e.Seq, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
