package main

import (
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/kiranshivaraju/scopelens/internal/queue"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := 0; i < columns; i++ {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}

// renderSummary formats one dispatch invocation: a per-job table followed by totals.
func renderSummary(s *queue.Summary) string {
	if s.Message != "" {
		if s.Processing > 0 {
			return fmt.Sprintf("%s (%d processing)", s.Message, s.Processing)
		}
		return s.Message
	}

	rows := make([][]string, 0, len(s.Results))
	for _, r := range s.Results {
		score := "-"
		switch {
		case r.AIScore != nil:
			score = strconv.Itoa(*r.AIScore)
		case r.PlagiarismScore != nil:
			score = strconv.Itoa(*r.PlagiarismScore)
		}
		attempt := "-"
		if r.MaxRetries > 0 {
			attempt = fmt.Sprintf("%d/%d", r.Retry, r.MaxRetries)
		}
		rows = append(rows, []string{
			shortID(r.ID.String()),
			shortID(r.ScanID.String()),
			string(r.Status),
			score,
			attempt,
			r.Error,
		})
	}

	out := ""
	if len(rows) > 0 {
		out = renderTable(
			[]string{"Job", "Scan", "Status", "Score", "Attempt", "Error"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
		) + "\n"
	}
	return out + fmt.Sprintf("processed=%d completed=%d retrying=%d failed=%d skipped=%d remaining=%d users=%d",
		s.Processed,
		s.Count(queue.OutcomeCompleted),
		s.Count(queue.OutcomeRetrying),
		s.Count(queue.OutcomeFailed),
		s.Count(queue.OutcomeSkipped),
		s.Remaining,
		s.UsersServed,
	)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
