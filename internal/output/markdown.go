package output

import (
	"fmt"
	"strings"
)

// MarkdownFormatter renders reports as a markdown table.
type MarkdownFormatter struct{}

// FormatReport renders a report as Markdown.
func (f *MarkdownFormatter) FormatReport(report *Report) (string, error) {
	if report == nil {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("## Target check\n\n")
	sb.WriteString("| Target | Verdict | Reason |\n")
	sb.WriteString("|--------|---------|--------|\n")

	for _, r := range report.Results {
		sb.WriteString(fmt.Sprintf("| %s | %s | %s |\n",
			escapeMarkdownCell(r.Target),
			escapeMarkdownCell(verdictLabel(r)),
			escapeMarkdownCell(r.Reason),
		))
	}

	sb.WriteString(fmt.Sprintf("\n**Summary**: %s\n", summary(report)))
	return sb.String(), nil
}

func escapeMarkdownCell(value string) string {
	return strings.ReplaceAll(value, "|", "\\|")
}
