package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canonplan/internal/config"
	"canonplan/internal/model"
	"canonplan/internal/pipeline"
)

type plans map[string]*model.CanonicalPlan

func (p plans) Get(_ context.Context, userID string) (*model.CanonicalPlan, error) {
	if userID == "broken" {
		return nil, errors.New("db closed")
	}
	return p[userID], nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.Users = []config.UserConfig{{ID: "alice"}, {ID: "bob"}, {ID: "broken"}}
	return cfg
}

func samplePlan() *model.CanonicalPlan {
	p := model.NewPlan("alice")
	p.Timeline.Append(model.HorizonToday, model.TierUrgent, model.TimelineItem{Signature: "s1", Title: "Renew *cert*", Deadline: "Mon Oct 19, 2026 12:00"})
	p.Timeline.Append(model.HorizonWeek, model.TierNormal, model.TimelineItem{
		Signature: "s2", Title: "Standup", Cadence: "Every weekday at 09:00", UpcomingDates: []string{"Mon Oct 19", "Tue Oct 20"},
	})
	p.Timeline.Append(model.HorizonWeek, model.TierNormal, model.TimelineItem{Signature: "s3", Title: "<script>alert(1)</script>"})
	return p
}

func newServer(cfg *config.Config) (*Server, *pipeline.RunLog) {
	runs := pipeline.NewRunLog(5, 5)
	s := NewServer(cfg, plans{"alice": samplePlan()}, runs)
	s.now = func() time.Time { return time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC) }
	return s, runs
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newServer(testConfig())
	rec := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestPlanJSON(t *testing.T) {
	s, _ := newServer(testConfig())

	rec := get(t, s.Handler(), "/api/plan?user=alice")
	require.Equal(t, http.StatusOK, rec.Code)
	var p model.CanonicalPlan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, 3, p.Timeline.Total())

	rec = get(t, s.Handler(), "/api/plan?user=bob")
	require.Equal(t, http.StatusOK, rec.Code, "missing plan reads as empty")
	assert.Contains(t, rec.Body.String(), `"user_id":"bob"`)

	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/api/plan?user=mallory").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/api/plan").Code)
	assert.Equal(t, http.StatusInternalServerError, get(t, s.Handler(), "/api/plan?user=broken").Code)
}

func TestSingleUserDefault(t *testing.T) {
	cfg := testConfig()
	cfg.Users = cfg.Users[:1]
	s, _ := newServer(cfg)
	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/api/plan").Code)
}

func TestPlanHTML(t *testing.T) {
	s, _ := newServer(testConfig())
	rec := get(t, s.Handler(), "/plan?user=alice")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html"))
	assert.Contains(t, body, "<h2>Today</h2>")
	assert.Contains(t, body, "<strong>Renew *cert*</strong>")
	assert.Contains(t, body, "Every weekday at 09:00")
	assert.NotContains(t, body, "<script>")
}

func TestDiagnostics(t *testing.T) {
	s, runs := newServer(testConfig())
	runs.Add(pipeline.Diagnostics{RunID: "r1", UserID: "alice"})
	runs.Add(pipeline.Diagnostics{RunID: "r2", UserID: "alice", Skipped: true, SkipReason: "oracle: unavailable"})

	rec := get(t, s.Handler(), "/api/diagnostics?user=alice&limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		User string                 `json:"user"`
		Runs []pipeline.Diagnostics `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Runs, 1)
	assert.Equal(t, "r2", resp.Runs[0].RunID)
	assert.True(t, resp.Runs[0].Skipped)

	rec = get(t, s.Handler(), "/api/diagnostics?user=bob")
	assert.Contains(t, rec.Body.String(), `"runs":[]`)
}

func TestBasicAuth(t *testing.T) {
	cfg := testConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	s, _ := newServer(cfg)
	h := s.Handler()

	assert.Equal(t, http.StatusOK, get(t, h, "/health").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/plan?user=alice").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/plan?user=alice", nil)
	req.SetBasicAuth("admin", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMarkdownEscapesAndEmptyHorizons(t *testing.T) {
	md := Markdown(samplePlan(), time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC), time.UTC)
	assert.Contains(t, md, `**Renew \*cert\***`)
	assert.Contains(t, md, "## This month\n\nNothing scheduled.")
	assert.Contains(t, md, "next: Mon Oct 19, Tue Oct 20")
}
