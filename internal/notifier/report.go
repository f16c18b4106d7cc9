package notifier

import (
	"fmt"
	"strings"
	"time"

	"scrapesched/internal/model"
)

// isFailure is true for runs that did not finish with every unit successful.
func isFailure(e model.Execution) bool {
	return e.Status != model.StatusCompleted || e.ErrorMessage != "" || len(e.ErrorDetails) > 0
}

func priorityFor(e model.Execution) int {
	switch {
	case e.Status == model.StatusFailed:
		return 9
	case isFailure(e):
		return 7
	default:
		return 5
	}
}

// FormatExecution renders a finished run as a short plain-text report.
func FormatExecution(e model.Execution) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scrape %s (%s)\n", e.Status, e.Trigger)
	fmt.Fprintf(&b, "id: %s\n", e.ID)
	if d := e.Duration(); d > 0 {
		fmt.Fprintf(&b, "duration: %s\n", d.Round(time.Second))
	}
	fmt.Fprintf(&b, "units: %d/%d successful\n", e.SuccessfulSearches, e.TotalSearches)
	fmt.Fprintf(&b, "properties: %d found, %d saved", e.TotalProperties, e.PropertiesSaved)
	if e.ErrorMessage != "" {
		fmt.Fprintf(&b, "\nerror: %s", e.ErrorMessage)
	}
	for i, d := range e.ErrorDetails {
		if i == 3 {
			fmt.Fprintf(&b, "\n… and %d more", len(e.ErrorDetails)-i)
			break
		}
		fmt.Fprintf(&b, "\n- %s: %s", d.UnitID, firstLine(d.Error))
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
