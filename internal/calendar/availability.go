package calendar

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	gcal "google.golang.org/api/calendar/v3"
)

// Interval is a closed-open time range in RFC 3339.
type Interval struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// AvailabilityOpts describes a free/busy query over the agent's calendars.
type AvailabilityOpts struct {
	AgentID         string
	TimeMin         string
	TimeMax         string
	CalendarIDs     []string
	TimeZone        string
	DurationMinutes int
	MaxSuggestions  int
}

// CalendarError is a per-calendar error reported by the free/busy API.
type CalendarError struct {
	CalendarID string        `json:"calendar_id"`
	Errors     []*gcal.Error `json:"errors"`
}

// Availability is the merged free/busy view of a time window.
type Availability struct {
	TimeMin     string                `json:"timeMin"`
	TimeMax     string                `json:"timeMax"`
	TimeZone    string                `json:"timeZone,omitempty"`
	Available   bool                  `json:"available"`
	Busy        []Interval            `json:"busy"`
	Calendars   map[string][]Interval `json:"calendars"`
	Errors      []CalendarError       `json:"errors"`
	Suggestions []Interval            `json:"suggestions"`
}

type span struct {
	start, end time.Time
}

// Availability queries free/busy on every linked calendar (grouped by
// integration), merges the busy intervals and, when DurationMinutes is set,
// suggests up to MaxSuggestions free slots.
func (s *Service) Availability(ctx context.Context, opts AvailabilityOpts) (*Availability, error) {
	windowStart, err := ParseTime(opts.TimeMin)
	if err != nil {
		return nil, fmt.Errorf("calendar: timeMin: %w", err)
	}
	windowEnd, err := ParseTime(opts.TimeMax)
	if err != nil {
		return nil, fmt.Errorf("calendar: timeMax: %w", err)
	}
	if opts.MaxSuggestions <= 0 {
		opts.MaxSuggestions = 5
	}
	links, err := s.links(ctx, opts.AgentID, opts.CalendarIDs)
	if err != nil {
		return nil, err
	}

	var order []string
	byIntegration := make(map[string][]string)
	for _, l := range links {
		if _, seen := byIntegration[l.IntegrationID]; !seen {
			order = append(order, l.IntegrationID)
		}
		byIntegration[l.IntegrationID] = append(byIntegration[l.IntegrationID], l.CalendarID)
	}

	out := &Availability{
		TimeMin:     opts.TimeMin,
		TimeMax:     opts.TimeMax,
		TimeZone:    opts.TimeZone,
		Busy:        []Interval{},
		Calendars:   make(map[string][]Interval),
		Errors:      []CalendarError{},
		Suggestions: []Interval{},
	}
	var busy []span
	for _, integrationID := range order {
		token, err := s.accessToken(ctx, integrationID)
		if err != nil {
			return nil, err
		}
		svc, err := s.api(ctx, token)
		if err != nil {
			return nil, err
		}
		req := &gcal.FreeBusyRequest{TimeMin: opts.TimeMin, TimeMax: opts.TimeMax, TimeZone: opts.TimeZone}
		for _, id := range byIntegration[integrationID] {
			req.Items = append(req.Items, &gcal.FreeBusyRequestItem{Id: id})
		}
		resp, err := svc.Freebusy.Query(req).Context(ctx).Do()
		if err != nil {
			return nil, apiError("free/busy", err)
		}
		for calID, data := range resp.Calendars {
			if len(data.Errors) > 0 {
				out.Errors = append(out.Errors, CalendarError{CalendarID: calID, Errors: data.Errors})
			}
			intervals := []Interval{}
			for _, b := range data.Busy {
				intervals = append(intervals, Interval{Start: b.Start, End: b.End})
				start, err1 := ParseTime(b.Start)
				end, err2 := ParseTime(b.End)
				if err1 != nil || err2 != nil {
					continue
				}
				busy = append(busy, span{start, end})
			}
			out.Calendars[calID] = intervals
		}
	}
	sort.Slice(out.Errors, func(i, j int) bool { return out.Errors[i].CalendarID < out.Errors[j].CalendarID })

	merged := mergeSpans(busy)
	out.Available = true
	for _, b := range merged {
		out.Busy = append(out.Busy, Interval{Start: formatTime(b.start), End: formatTime(b.end)})
		if b.end.After(windowStart) && b.start.Before(windowEnd) {
			out.Available = false
		}
	}
	if opts.DurationMinutes > 0 {
		d := time.Duration(opts.DurationMinutes) * time.Minute
		for _, sl := range findSlots(windowStart, windowEnd, merged, d, opts.MaxSuggestions) {
			out.Suggestions = append(out.Suggestions, Interval{Start: formatTime(sl.start), End: formatTime(sl.end)})
		}
	}
	return out, nil
}

// mergeSpans sorts spans by start and joins the ones that touch or overlap.
func mergeSpans(spans []span) []span {
	if len(spans) == 0 {
		return nil
	}
	sorted := append([]span(nil), spans...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].start.Before(sorted[j].start) })
	merged := []span{sorted[0]}
	for _, sp := range sorted[1:] {
		last := &merged[len(merged)-1]
		if !sp.start.After(last.end) {
			if sp.end.After(last.end) {
				last.end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}
	return merged
}

// findSlots walks the gaps between merged busy spans and returns up to
// limit slots of length d inside the window.
func findSlots(windowStart, windowEnd time.Time, busy []span, d time.Duration, limit int) []span {
	var slots []span
	cursor := windowStart
	for _, b := range busy {
		if !cursor.Add(d).After(b.start) {
			slots = append(slots, span{cursor, cursor.Add(d)})
			if len(slots) >= limit {
				return slots
			}
		}
		if b.end.After(cursor) {
			cursor = b.end
		}
		if !cursor.Before(windowEnd) {
			return slots
		}
	}
	if !cursor.Add(d).After(windowEnd) && len(slots) < limit {
		slots = append(slots, span{cursor, cursor.Add(d)})
	}
	return slots
}

// ParseTime parses an RFC 3339 timestamp. A value without a zone is UTC.
func ParseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02T15:04:05", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", v)
	}
	return t.UTC(), nil
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339)
}
