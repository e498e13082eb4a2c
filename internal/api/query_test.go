package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/akmatori/alertflow/internal/database"
)

func TestQueryList(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test?state=ACTIVE,%20ACKNOWLEDGED&state=RESOLVED&state=", nil)
	want := []string{"ACTIVE", "ACKNOWLEDGED", "RESOLVED"}
	if diff := cmp.Diff(want, QueryList(r, "state")); diff != "" {
		t.Errorf("QueryList mismatch (-want +got):\n%s", diff)
	}
}

func TestParseSeverities(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test?severity=high,Critical", nil)
	got, err := ParseSeverities(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []database.Severity{database.SeverityHigh, database.SeverityCritical}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("severities mismatch (-want +got):\n%s", diff)
	}

	r = httptest.NewRequest(http.MethodGet, "/test?severity=urgent", nil)
	if _, err := ParseSeverities(r); err == nil {
		t.Error("expected error for unknown severity")
	}
}

func TestParseTimeRange(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		wantFrom time.Time
		wantTo   time.Time
		wantErr  bool
	}{
		{name: "empty", query: ""},
		{name: "unix seconds", query: "from=1700000000&to=1700003600", wantFrom: time.Unix(1700000000, 0), wantTo: time.Unix(1700003600, 0)},
		{name: "rfc3339", query: "from=2026-01-02T03:04:05Z", wantFrom: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		{name: "garbage", query: "from=yesterday", wantErr: true},
		{name: "inverted", query: "from=1700003600&to=1700000000", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/test?"+tt.query, nil)
			from, to, err := ParseTimeRange(r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !from.Equal(tt.wantFrom) || !to.Equal(tt.wantTo) {
				t.Errorf("range = [%v, %v), want [%v, %v)", from, to, tt.wantFrom, tt.wantTo)
			}
		})
	}
}

func TestParseTags(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test?tag=team:storage&tag=region:eu-west:1", nil)
	got, err := ParseTags(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]string{"team": "storage", "region": "eu-west:1"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}

	r = httptest.NewRequest(http.MethodGet, "/test?tag=novalue", nil)
	if _, err := ParseTags(r); err == nil {
		t.Error("expected error for tag without separator")
	}
}
