package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatSessions renders a slice of sessions in the requested format.
func formatSessions(sessions []sessionView, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(sessions, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal sessions to JSON: %w", err)
		}
		return string(data) + "\n", nil
	case formatTable:
		return formatSessionsTable(sessions), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatSessionsTable(sessions []sessionView) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREMOTE\tTYPE\tPROTOCOLS")

	for _, s := range sessions {
		fmt.Fprintf(w, "%d\t%s\t%s\t%v\n", s.ID, s.RemoteAddress, s.Type, s.OpenProtocols)
	}

	_ = w.Flush()
	return buf.String()
}

// formatListeners renders a slice of listen addresses in the requested format.
func formatListeners(listeners []string, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(listeners, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal listeners to JSON: %w", err)
		}
		return string(data) + "\n", nil
	case formatTable:
		var buf strings.Builder
		for _, addr := range listeners {
			fmt.Fprintln(&buf, addr)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}
