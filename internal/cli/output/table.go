// Package output holds hgctl's terminal rendering helpers: colored status
// text and aligned tables for builders and slot pools.
package output

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
)

// Table wraps tablewriter with the styling every hgctl listing shares.
type Table struct {
	table *tablewriter.Table
}

// TableConfig holds table configuration options.
type TableConfig struct {
	Writer   io.Writer
	NoHeader bool
}

// NewTable creates a new table with the given headers.
func NewTable(headers []string) *Table {
	return NewTableWithConfig(headers, TableConfig{})
}

// NewTableWithConfig creates a table with custom configuration.
func NewTableWithConfig(headers []string, cfg TableConfig) *Table {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}

	t := tablewriter.NewWriter(writer)
	if !cfg.NoHeader && len(headers) > 0 {
		t.SetHeader(headers)
	}

	t.SetBorder(false)
	t.SetHeaderLine(true)
	t.SetColumnSeparator(" ")
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(false)

	return &Table{table: t}
}

// Append adds a row to the table.
func (t *Table) Append(row []string) {
	t.table.Append(row)
}

// AppendBulk adds multiple rows to the table.
func (t *Table) AppendBulk(rows [][]string) {
	t.table.AppendBulk(rows)
}

// Render outputs the table.
func (t *Table) Render() {
	t.table.Render()
}

// BuilderRow is one line of `hgctl workers`.
type BuilderRow struct {
	ID          string
	Addr        string
	State       string
	Environment string
	ActiveTasks int
	TotalTasks  int64
	LastSeen    time.Time
}

// RenderBuilders prints the builder listing the scheduler reported.
func RenderBuilders(w io.Writer, rows []BuilderRow) {
	t := NewTableWithConfig([]string{"ID", "ADDRESS", "STATE", "ENV", "ACTIVE", "TOTAL", "LAST SEEN"}, TableConfig{Writer: w})
	for _, r := range rows {
		t.Append([]string{
			r.ID,
			r.Addr,
			colorState(r.State),
			shortHash(r.Environment),
			fmt.Sprintf("%d", r.ActiveTasks),
			fmt.Sprintf("%d", r.TotalTasks),
			humanSince(r.LastSeen),
		})
	}
	t.Render()
}

// RenderSlots prints the slot-pool counts from `hgctl semaphores dump`.
func RenderSlots(w io.Writer, counts map[string]int, maxima map[string]int) {
	t := NewTableWithConfig([]string{"POOL", "FREE", "MAX"}, TableConfig{Writer: w})
	for name, n := range counts {
		t.Append([]string{name, fmt.Sprintf("%d", n), fmt.Sprintf("%d", maxima[name])})
	}
	t.Render()
}

func colorState(state string) string {
	switch state {
	case "idle":
		return Success(state)
	case "busy":
		return Warning(state)
	case "unhealthy":
		return Error(state)
	default:
		return state
	}
}

func shortHash(h string) string {
	if h == "" {
		return "-"
	}
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func humanSince(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm ago", int(d.Minutes()))
}
