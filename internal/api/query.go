package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/akmatori/alertflow/internal/database"
)

// QueryList returns the comma separated and repeated values of a query parameter.
func QueryList(r *http.Request, key string) []string {
	var out []string
	for _, raw := range r.URL.Query()[key] {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

// ParseSeverities reads ?severity=HIGH,critical into normalized severities.
func ParseSeverities(r *http.Request) ([]database.Severity, error) {
	var out []database.Severity
	for _, v := range QueryList(r, "severity") {
		sev, ok := database.ParseSeverity(v)
		if !ok {
			return nil, fmt.Errorf("unknown severity %q", v)
		}
		out = append(out, sev)
	}
	return out, nil
}

// ParseTimeRange reads ?from= and ?to= as unix seconds or RFC 3339.
func ParseTimeRange(r *http.Request) (from, to time.Time, err error) {
	if from, err = parseTime(r.URL.Query().Get("from")); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("from: %w", err)
	}
	if to, err = parseTime(r.URL.Query().Get("to")); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("to: %w", err)
	}
	if !from.IsZero() && !to.IsZero() && !to.After(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("to must be after from")
	}
	return from, to, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected unix seconds or RFC 3339, got %q", v)
	}
	return t, nil
}

// ParseTags reads repeated ?tag=key:value parameters.
func ParseTags(r *http.Request) (map[string]string, error) {
	values := QueryList(r, "tag")
	if len(values) == 0 {
		return nil, nil
	}
	tags := make(map[string]string, len(values))
	for _, v := range values {
		key, value, ok := strings.Cut(v, ":")
		if !ok || key == "" {
			return nil, fmt.Errorf("tag %q must look like key:value", v)
		}
		tags[key] = value
	}
	return tags, nil
}
