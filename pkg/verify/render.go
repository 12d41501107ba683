package verify

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
)

// WriteText renders the report as an aligned table followed by a verdict line.
func WriteText(w io.Writer, r *Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHECK\tSTATUS\tDURATION\tDETAIL")
	for _, res := range r.Results {
		duration := "-"
		if res.Status != StatusSkip {
			duration = res.Duration.Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", res.Name, strings.ToUpper(string(res.Status)), duration, oneLine(res.Detail))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	verdict := "PASS"
	if !r.Passed() {
		verdict = "FAIL"
	}
	_, err := fmt.Fprintf(w, "\n%s run %s (%s)\n", verdict, r.RunID, r.Finished.Sub(r.Started).Round(time.Millisecond))
	return err
}

// WriteJSON renders the report as indented JSON.
func WriteJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// oneLine keeps joined multi-line errors on a single table row.
func oneLine(s string) string {
	return strings.ReplaceAll(s, "\n", "; ")
}
