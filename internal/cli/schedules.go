package cli

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/R3E-Network/transit_layer/internal/api"
	"github.com/R3E-Network/transit_layer/internal/query"
)

// ScheduleView renders the state of a schedules observer. Render may be
// called from observer goroutines.
type ScheduleView struct {
	mu      sync.Mutex
	w       io.Writer
	p       *Printer
	spinner *Spinner
	now     func() time.Time
}

// NewScheduleView creates a view over w. Interactive views animate loading
// with a spinner and use color; others print plain lines.
func NewScheduleView(w io.Writer, interactive bool) *ScheduleView {
	v := &ScheduleView{w: w, p: NewPrinter(w, interactive), now: time.Now}
	if interactive {
		v.spinner = NewSpinner(w, "", true)
	}
	return v
}

// Warn prints a warning between renders.
func (v *ScheduleView) Warn(message string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.p.Warning(message)
}

// Print writes text between renders.
func (v *ScheduleView) Print(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprint(v.w, text)
}

// Render draws s for params.
func (v *ScheduleView) Render(params api.ScheduleParams, s query.State[[]api.Schedule]) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if s.Loading && !s.HasData {
		msg := "Loading schedules for " + DescribeFilters(params)
		if v.spinner != nil {
			v.spinner.SetPrefix(msg)
			v.spinner.Start()
			return
		}
		v.p.Info(msg + "...")
		return
	}
	v.stopSpinner()

	if s.Err != nil {
		v.p.Error(DescribeError(s.Err))
		if !s.HasData {
			return
		}
		v.p.Warning("Showing the last schedules received")
	}
	if !s.HasData {
		return
	}

	header := fmt.Sprintf("Departures for %s", DescribeFilters(params))
	if !s.UpdatedAt.IsZero() {
		header += fmt.Sprintf(" (updated %s ago)", formatDuration(v.now().Sub(s.UpdatedAt)))
	}
	fmt.Fprintln(v.w, v.p.Bold(header))
	WriteScheduleTable(v.w, s.Data)
	if s.Loading {
		v.p.Info("Refreshing...")
	}
}

// Close stops the spinner.
func (v *ScheduleView) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopSpinner()
}

func (v *ScheduleView) stopSpinner() {
	if v.spinner != nil {
		v.spinner.Stop()
	}
}

// WriteScheduleTable writes schedules as an aligned table.
func WriteScheduleTable(w io.Writer, schedules []api.Schedule) {
	if len(schedules) == 0 {
		fmt.Fprintln(w, "No departures match these filters.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DEPARTS\tROUTE\tFROM\tTO\tBUS\tSEATS\tDRIVER")
	for _, s := range schedules {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			s.DepartureTime.Format("2006-01-02 15:04"),
			s.Route.Name,
			s.Route.Origin,
			s.Route.Destination,
			s.Bus.PlateNumber,
			s.Bus.Capacity,
			strings.TrimSpace(s.Driver.FirstName+" "+s.Driver.LastName),
		)
	}
	tw.Flush()
}

// DescribeFilters summarises the active filters.
func DescribeFilters(p api.ScheduleParams) string {
	var parts []string
	if p.RouteID != "" {
		parts = append(parts, "route "+p.RouteID)
	}
	if p.Date != "" {
		parts = append(parts, "date "+p.Date)
	}
	if len(parts) == 0 {
		return "all routes"
	}
	return strings.Join(parts, ", ")
}

// DescribeError explains a failed query to the user.
func DescribeError(err *query.Error) string {
	switch err.Kind {
	case query.KindDecode:
		return fmt.Sprintf("The transit API answered %d with a response that could not be read", err.StatusCode)
	case query.KindStatus:
	default:
		return fmt.Sprintf("Could not reach the transit API: %v", err.Err)
	}
	switch err.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Sprintf("The transit API refused the request (%d); sign in again", err.StatusCode)
	default:
		return fmt.Sprintf("The transit API answered %d %s", err.StatusCode, http.StatusText(err.StatusCode))
	}
}
