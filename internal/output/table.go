package output

import (
	"github.com/jedib0t/go-pretty/v6/table"
)

// TableFormatter renders reports as an ASCII table.
type TableFormatter struct{}

// FormatReport renders a report as a table.
func (f *TableFormatter) FormatReport(report *Report) (string, error) {
	if report == nil {
		return "", nil
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Target", "Verdict", "Reason"})

	for _, r := range report.Results {
		t.AppendRow(table.Row{r.Target, verdictLabel(r), r.Reason})
	}

	t.AppendFooter(table.Row{"", summary(report), ""})
	return t.Render(), nil
}
