package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/escalation"
	"github.com/akmatori/alertflow/internal/events"
	"github.com/akmatori/alertflow/internal/incidents"
	"github.com/akmatori/alertflow/internal/lifecycle"
	"github.com/akmatori/alertflow/internal/rules"
	"github.com/akmatori/alertflow/internal/suppression"
	"github.com/akmatori/alertflow/internal/testhelpers"
)

// fakeIngest records what the API hands to the pipeline
type fakeIngest struct {
	mu          sync.Mutex
	samples     []rules.Sample
	reactivated []database.Alert
	err         error
}

func (f *fakeIngest) Submit(_ context.Context, s rules.Sample) error {
	if err := s.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.samples = append(f.samples, s)
	return nil
}

func (f *fakeIngest) Reactivated(_ context.Context, alerts []database.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactivated = append(f.reactivated, alerts...)
}

type fixture struct {
	store     *lifecycle.Store
	sup       *suppression.Manager
	incidents *incidents.Manager
	ingest    *fakeIngest
	mux       *http.ServeMux
	rules     int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testhelpers.SetupTestDB(t)
	bus := events.NewBus()
	store := lifecycle.NewStore(db, bus)
	sup, err := suppression.NewManager(db, store)
	if err != nil {
		t.Fatal(err)
	}
	inc := incidents.NewManager(db, store, bus, escalation.DefaultPolicy())
	ingest := &fakeIngest{}

	mux := http.NewServeMux()
	NewAPIHandler(store, sup, inc, ingest).SetupRoutes(mux)
	return &fixture{store: store, sup: sup, incidents: inc, ingest: ingest, mux: mux}
}

func (f *fixture) alert(t *testing.T, source string, sev database.Severity) database.Alert {
	t.Helper()
	f.rules++
	rule := fmt.Sprintf("rule-%d", f.rules)
	a, _, err := f.store.Admit(testhelpers.NewCandidateBuilder().WithRule(rule, rule).WithSource(source).WithSeverity(sev).Build(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return *a
}

func (f *fixture) incident(t *testing.T, id string, alerts ...database.Alert) database.Incident {
	t.Helper()
	ids := make([]string, len(alerts))
	for i, a := range alerts {
		ids[i] = a.ID
	}
	inc, err := f.incidents.HandleGroup(&database.CorrelationGroup{
		ID:             id,
		MemberAlertIDs: ids,
		Strategy:       database.StrategySpatial,
		Confidence:     0.9,
		ConfidenceBand: database.BandFor(0.9),
		ComputedAt:     time.Now(),
	})
	if err != nil || inc == nil {
		t.Fatalf("HandleGroup() = %v, %v", inc, err)
	}
	return *inc
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *testhelpers.HTTPTestContext {
	t.Helper()
	ctx := testhelpers.NewHTTPTestContext(t, method, path, nil)
	if body != nil {
		ctx.WithJSONBody(body)
	}
	return ctx.Execute(f.mux)
}
