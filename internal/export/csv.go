// Package export renders session notes for download.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Header is the first CSV record.
var Header = []string{"targetName", "text", "authorName", "roundIndex", "createdAt"}

// Row is one exported note. AuthorName is empty for anonymous sessions.
type Row struct {
	TargetName string
	Text       string
	AuthorName string
	RoundIndex int
	CreatedAt  time.Time
}

// WriteCSV writes the header followed by rows.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.TargetName,
			row.Text,
			row.AuthorName,
			strconv.Itoa(row.RoundIndex),
			row.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Filename returns the attachment name for a session export.
func Filename(sessionCode string) string {
	return "kudos_" + sessionCode + ".csv"
}
