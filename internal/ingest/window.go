package ingest

import (
	"time"
)

// Window resolution reasons recorded in the run report.
const (
	ReasonConfigured      = "configured"
	ReasonInvalidFallback = "invalid_config_fallback_30d"
	ReasonFutureFallback  = "future_config_fallback_30d"
)

const fallbackLookback = 30 * 24 * time.Hour

// Layouts accepted for the configured start time. Values without a zone are UTC.
var startTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Window is the run-wide scan start.
type Window struct {
	Configured string
	Used       time.Time
	Reason     string
}

// ResolveWindow parses the configured start time. An unparsable or future value falls back
// to 30 days before now.
func ResolveWindow(configured string, now time.Time) Window {
	w := Window{Configured: configured}

	parsed, ok := parseStartTime(configured)
	switch {
	case !ok:
		w.Used = now.Add(-fallbackLookback).UTC()
		w.Reason = ReasonInvalidFallback
	case parsed.After(now):
		w.Used = now.Add(-fallbackLookback).UTC()
		w.Reason = ReasonFutureFallback
	default:
		w.Used = parsed.UTC()
		w.Reason = ReasonConfigured
	}
	return w
}

// StartFor returns the scan start for an account: the run-wide start, or the time the
// account granted access if that is later.
func (w Window) StartFor(credentialIssued time.Time) time.Time {
	if credentialIssued.After(w.Used) {
		return credentialIssued.UTC()
	}
	return w.Used
}

func parseStartTime(value string) (time.Time, bool) {
	for _, layout := range startTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
