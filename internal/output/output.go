// Package output renders target check reports for the CLI.
package output

import (
	"fmt"
	"strings"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// TargetResult is the verdict for one candidate target.
type TargetResult struct {
	Target  string `json:"target"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Report is the outcome of checking a list of targets.
type Report struct {
	Results []TargetResult `json:"results"`
	Allowed int            `json:"allowed"`
	Denied  int            `json:"denied"`
}

// Add appends a result and updates the tallies.
func (r *Report) Add(result TargetResult) {
	r.Results = append(r.Results, result)
	if result.Allowed {
		r.Allowed++
	} else {
		r.Denied++
	}
}

// Formatter renders reports.
type Formatter interface {
	FormatReport(report *Report) (string, error)
}

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatMarkdown):
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// NewFormatter returns a formatter for the requested format.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{Indent: true}
	case FormatMarkdown:
		return &MarkdownFormatter{}
	default:
		return &TableFormatter{}
	}
}

func verdictLabel(result TargetResult) string {
	if result.Allowed {
		return "allowed"
	}
	return "denied"
}

func summary(report *Report) string {
	return fmt.Sprintf("%d allowed, %d denied", report.Allowed, report.Denied)
}
