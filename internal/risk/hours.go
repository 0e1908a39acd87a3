package risk

import (
	"fmt"
	"slices"
	"time"

	"broker-bridge/pkg/db"
)

const clockLayout = "15:04"

// checkHours passes when no window is configured or now falls inside it.
func checkHours(h *db.TradingHours, now time.Time) string {
	if h == nil || (h.Start == "" && h.End == "") {
		return ""
	}
	open, err := withinHours(*h, now)
	if err != nil {
		return fmt.Sprintf("invalid trading hours: %v", err)
	}
	if !open {
		return fmt.Sprintf("outside trading hours %s-%s %s", h.Start, h.End, locationName(h.Location))
	}
	return ""
}

func withinHours(h db.TradingHours, now time.Time) (bool, error) {
	loc := time.UTC
	if h.Location != "" {
		l, err := time.LoadLocation(h.Location)
		if err != nil {
			return false, err
		}
		loc = l
	}
	start, err := time.Parse(clockLayout, h.Start)
	if err != nil {
		return false, fmt.Errorf("start: %w", err)
	}
	end, err := time.Parse(clockLayout, h.End)
	if err != nil {
		return false, fmt.Errorf("end: %w", err)
	}

	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()
	from := start.Hour()*60 + start.Minute()
	to := end.Hour()*60 + end.Minute()

	day := local.Weekday()
	var inside bool
	switch {
	case from == to:
		inside = true
	case from < to:
		inside = minute >= from && minute < to
	default:
		// Overnight window: the part after midnight belongs to the day the
		// session opened.
		if minute >= from {
			inside = true
		} else if minute < to {
			inside = true
			day = (day + 6) % 7
		}
	}
	if !inside {
		return false, nil
	}
	if len(h.Weekdays) > 0 && !slices.Contains(h.Weekdays, day) {
		return false, nil
	}
	return true, nil
}

func locationName(name string) string {
	if name == "" {
		return "UTC"
	}
	return name
}

// ValidateHours reports whether h can be evaluated. A nil or empty window
// is valid and means no restriction.
func ValidateHours(h *db.TradingHours) error {
	if h == nil || (h.Start == "" && h.End == "") {
		return nil
	}
	_, err := withinHours(*h, time.Now())
	return err
}
