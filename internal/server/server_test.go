package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/uplink/internal/authorization"
	commissionrepo "github.com/smallbiznis/uplink/internal/commission/repository"
	commissionservice "github.com/smallbiznis/uplink/internal/commission/service"
	"github.com/smallbiznis/uplink/internal/config"
	ledgerservice "github.com/smallbiznis/uplink/internal/ledger/service"
	networkdomain "github.com/smallbiznis/uplink/internal/network/domain"
	obslogger "github.com/smallbiznis/uplink/internal/observability/logger"
	policydomain "github.com/smallbiznis/uplink/internal/policy/domain"
	rankrepo "github.com/smallbiznis/uplink/internal/rank/repository"
	rankservice "github.com/smallbiznis/uplink/internal/rank/service"
	"github.com/smallbiznis/uplink/internal/ratelimit"
	recomputedomain "github.com/smallbiznis/uplink/internal/recompute/domain"
	recomputerepo "github.com/smallbiznis/uplink/internal/recompute/repository"
	recomputeservice "github.com/smallbiznis/uplink/internal/recompute/service"
	"github.com/smallbiznis/uplink/internal/statement"
	"github.com/smallbiznis/uplink/internal/testutil/stack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type actorHeaders struct {
	id   string
	role string
}

var (
	adminActor  = actorHeaders{id: "ops-1", role: "admin"}
	systemActor = actorHeaders{id: "checkout", role: "system"}
)

func distributorActor(d *networkdomain.Distributor) actorHeaders {
	return actorHeaders{id: d.ID.String(), role: "distributor"}
}

type fixture struct {
	*stack.Stack
	engine    *gin.Engine
	recompute recomputedomain.Service
}

func newFixture(t *testing.T, limit config.RateLimitConfig) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := stack.New(t, config.Config{
		RateLimit: limit,
		Recompute: config.RecomputeConfig{Concurrency: 1, BatchSize: 20, Debounce: time.Minute},
	})
	st.PublishPolicy(t, policydomain.Document{
		Version:         "http-1",
		EffectiveFrom:   "2000-01-01T00:00:00Z",
		MaxDepth:        3,
		TeamDepth:       5,
		WindowDays:      30,
		MaxTotalPercent: "17",
		Levels: []policydomain.LevelDocument{
			{Level: 0, Default: "10"},
			{Level: 1, Default: "5"},
			{Level: 2, Default: "2"},
		},
		Ranks: []policydomain.RankDocument{
			{Code: "bronze", Name: "Bronze", MaxLevel: 2},
		},
	})

	ranks := rankservice.New(rankservice.Params{
		DB: st.DB, Log: st.Log, GenID: st.Node, Clock: st.Clock, Repo: rankrepo.Provide(),
		Network: st.Network, Sales: st.Sales, Policy: st.Policy, Audit: st.Audit,
	})
	commission := commissionservice.New(commissionservice.Params{
		DB: st.DB, Log: st.Log, GenID: st.Node, Clock: st.Clock, Repo: commissionrepo.Provide(),
		Locker: st.Locker, Sales: st.Sales, Network: st.Network, Ranks: ranks, Policy: st.Policy, Audit: st.Audit,
	})
	recompute := recomputeservice.New(recomputeservice.Params{
		DB: st.DB, Log: st.Log, Cfg: st.Cfg, GenID: st.Node, Clock: st.Clock,
		Repo: recomputerepo.Provide(), Outbox: st.Outbox, Network: st.Network,
		Ranks: ranks, Commission: commission, Policy: st.Policy, Audit: st.Audit,
	})
	ledger := ledgerservice.NewService(ledgerservice.Params{
		Log: st.Log, Clock: st.Clock, Network: st.Network, Sales: st.Sales, Ranks: ranks,
		Commission: commission, Recompute: recompute, Policy: st.Policy,
	})

	enforcer, err := authorization.NewMemoryEnforcer()
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{Log: st.Log, Enforcer: enforcer, AuditSvc: st.Audit})

	engine := gin.New()
	engine.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{ErrorClassifier: classifyErrorForLog}))
	engine.Use(ErrorHandlingMiddleware())

	NewServer(ServerParams{
		Gin:           engine,
		Cfg:           st.Cfg,
		Log:           st.Log,
		AuthzSvc:      authz,
		AuditSvc:      st.Audit,
		NetworkSvc:    st.Network,
		SaleSvc:       st.Sales,
		LedgerSvc:     ledger,
		CommissionSvc: commission,
		RecomputeSvc:  recompute,
		PolicySvc:     st.Policy,
		Statements:    statement.New(statement.Params{Log: st.Log}),
		IngestLimiter: ratelimit.NewIngestLimiter(ratelimit.Params{Cfg: st.Cfg, Log: st.Log}),
	})
	return &fixture{Stack: st, engine: engine, recompute: recompute}
}

func (f *fixture) do(t *testing.T, actor actorHeaders, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actor.id != "" {
		req.Header.Set(HeaderActorID, actor.id)
		req.Header.Set(HeaderActorRole, actor.role)
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) settle(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := f.recompute.DrainOutbox(ctx)
	require.NoError(t, err)
	f.Clock.Advance(2 * time.Minute)
	_, err = f.recompute.RunOnce(ctx)
	require.NoError(t, err)
}

type mutationBody struct {
	Data    json.RawMessage `json:"data"`
	AuditID string          `json:"audit_id"`
}

type errorBody struct {
	Error errorPayload `json:"error"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func saleEvent(externalID, typ string, owner *networkdomain.Distributor, amount int64, at time.Time) map[string]any {
	ev := map[string]any{
		"external_id": externalID,
		"type":        typ,
		"amount":      amount,
		"currency":    "USD",
		"occurred_at": at.Format(time.RFC3339),
	}
	if owner != nil {
		ev["distributor_id"] = owner.ID.String()
	}
	return ev
}

func TestActorHeadersRequired(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})
	root := f.Root(t, "ROOT")
	path := "/v1/distributors/" + root.ID.String() + "/summary"

	rec := f.do(t, actorHeaders{}, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, actorHeaders{id: "x", role: "superuser"}, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, actorHeaders{id: "not-a-number", role: "distributor"}, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEnrollIngestAndSummary(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})

	rec := f.do(t, adminActor, http.MethodPost, "/v1/distributors/root", map[string]any{"code": "ROOT", "name": "Root"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[mutationBody](t, rec)
	assert.NotEmpty(t, created.AuditID)
	var root networkdomain.Distributor
	require.NoError(t, json.Unmarshal(created.Data, &root))

	rec = f.do(t, systemActor, http.MethodPost, "/v1/distributors", map[string]any{
		"code": "LEAF", "name": "Leaf", "parent_id": root.ID.String(),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var leaf networkdomain.Distributor
	require.NoError(t, json.Unmarshal(decode[mutationBody](t, rec).Data, &leaf))
	require.NotNil(t, leaf.ParentID)
	assert.Equal(t, root.ID, *leaf.ParentID)

	ev := saleEvent("order-1", "completed", &leaf, 10_000, f.Clock.Now())
	rec = f.do(t, systemActor, http.MethodPost, "/v1/sales/events", ev)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = f.do(t, systemActor, http.MethodPost, "/v1/sales/events", ev)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	replay := decode[struct {
		Data struct {
			Applied bool `json:"applied"`
		} `json:"data"`
	}](t, rec)
	assert.False(t, replay.Data.Applied)

	type summaryBody struct {
		Data struct {
			PersonalVolume int64 `json:"personal_volume"`
			TeamVolume     int64 `json:"team_volume"`
			Pending        bool  `json:"pending"`
			Lifetime       []struct {
				Currency string `json:"currency"`
				Amount   int64  `json:"amount"`
			} `json:"lifetime_commission"`
		} `json:"data"`
	}
	leafPath := "/v1/distributors/" + leaf.ID.String() + "/summary"
	rec = f.do(t, distributorActor(&leaf), http.MethodGet, leafPath, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[summaryBody](t, rec).Data.Pending)

	f.settle(t)

	rec = f.do(t, distributorActor(&leaf), http.MethodGet, leafPath, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decode[summaryBody](t, rec)
	assert.False(t, summary.Data.Pending)
	assert.Equal(t, int64(10_000), summary.Data.PersonalVolume)
	require.Len(t, summary.Data.Lifetime, 1)
	assert.Equal(t, int64(1_000), summary.Data.Lifetime[0].Amount)

	rec = f.do(t, adminActor, http.MethodGet, "/v1/distributors/"+root.ID.String()+"/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(10_000), decode[summaryBody](t, rec).Data.TeamVolume)

	rec = f.do(t, distributorActor(&root), http.MethodGet, "/v1/distributors/"+root.ID.String()+"/commissions?page_size=10", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[struct {
		Data []struct {
			Amount int64 `json:"amount"`
		} `json:"data"`
	}](t, rec)
	require.Len(t, page.Data, 1)
	assert.Equal(t, int64(500), page.Data[0].Amount)
}

func TestDistributorCannotReadAnotherDistributor(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})
	root := f.Root(t, "ROOT")
	leaf := f.Enroll(t, "LEAF", root.ID)

	rec := f.do(t, distributorActor(leaf), http.MethodGet, "/v1/distributors/"+root.ID.String()+"/summary", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, distributorActor(leaf), http.MethodGet, "/v1/distributors/"+leaf.ID.String()+"/team", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, distributorActor(leaf), http.MethodPost, "/v1/admin/reparent", map[string]any{
		"child_id": leaf.ID.String(), "new_parent_id": root.ID.String(),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NotEmpty(t, decode[errorBody](t, rec).Error.AuditID)
}

func TestStructuralRejectionsCarryAuditID(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})
	root := f.Root(t, "ROOT")
	mid := f.Enroll(t, "MID", root.ID)
	leaf := f.Enroll(t, "LEAF", mid.ID)

	rec := f.do(t, adminActor, http.MethodPost, "/v1/admin/reparent", map[string]any{
		"child_id": mid.ID.String(), "new_parent_id": leaf.ID.String(), "reason": "loop",
	})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	body := decode[errorBody](t, rec)
	assert.Equal(t, "cycle", body.Error.Code)
	assert.NotEmpty(t, body.Error.AuditID)

	rec = f.do(t, adminActor, http.MethodPost, "/v1/distributors/root", map[string]any{"code": "ROOT2", "name": "Root 2"})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "root_exists", decode[errorBody](t, rec).Error.Code)

	rec = f.do(t, adminActor, http.MethodPost, "/v1/distributors", map[string]any{
		"code": "ORPHAN", "name": "Orphan", "parent_id": "4242",
	})
	require.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
	body = decode[errorBody](t, rec)
	assert.Equal(t, "parent_not_found", body.Error.Code)
	assert.NotEmpty(t, body.Error.AuditID)

	rec = f.do(t, adminActor, http.MethodPost, "/v1/admin/reparent", map[string]any{
		"child_id": leaf.ID.String(), "new_parent_id": root.ID.String(), "reason": "promote",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	moved := decode[mutationBody](t, rec)
	assert.NotEmpty(t, moved.AuditID)

	logs := f.do(t, adminActor, http.MethodGet, "/v1/admin/audit-logs?action=request.rejected", nil)
	require.Equal(t, http.StatusOK, logs.Code, logs.Body.String())
	listed := decode[struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}](t, logs)
	assert.Len(t, listed.Data, 3)
}

func TestSaleIngestRateLimited(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{Enabled: true, IngestRate: 0.001, IngestBurst: 1})
	root := f.Root(t, "ROOT")

	rec := f.do(t, systemActor, http.MethodPost, "/v1/sales/events", saleEvent("o-1", "completed", root, 100, f.Clock.Now()))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = f.do(t, systemActor, http.MethodPost, "/v1/sales/events", saleEvent("o-2", "completed", root, 100, f.Clock.Now()))
	require.Equal(t, http.StatusTooManyRequests, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decode[errorBody](t, rec).Error.Type)
}

func TestSaleEventValidation(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})

	rec := f.do(t, systemActor, http.MethodPost, "/v1/sales/events", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, systemActor, http.MethodPost, "/v1/sales/events", saleEvent("o-1", "completed", &networkdomain.Distributor{ID: 4242}, 100, f.Clock.Now()))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Equal(t, "unknown_distributor", decode[errorBody](t, rec).Error.Code)
}

func TestCorrectSale(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})
	root := f.Root(t, "ROOT")
	sale := f.CompleteSale(t, "o-1", root.ID, 1_000)
	f.settle(t)

	path := "/v1/admin/sales/" + sale.ID.String() + "/correct"
	rec := f.do(t, adminActor, http.MethodPost, path, map[string]any{"new_amount": 2_000, "reason": "price fix"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decode[mutationBody](t, rec).AuditID)

	rec = f.do(t, systemActor, http.MethodPost, path, map[string]any{"new_amount": 3_000})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, adminActor, http.MethodPost, "/v1/admin/sales/4242/correct", map[string]any{"new_amount": 3_000})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPayoutApproval(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})
	root := f.Root(t, "ROOT")
	f.CompleteSale(t, "o-1", root.ID, 1_000)
	f.settle(t)

	rec := f.do(t, adminActor, http.MethodGet, "/v1/distributors/"+root.ID.String()+"/commissions", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}](t, rec)
	require.Len(t, page.Data, 1)
	base := "/v1/admin/commissions/" + page.Data[0].ID

	rec = f.do(t, adminActor, http.MethodPost, base+"/paid", nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "invalid_payout_transition", decode[errorBody](t, rec).Error.Code)

	rec = f.do(t, distributorActor(root), http.MethodPost, base+"/approve", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, adminActor, http.MethodPost, base+"/approve", map[string]any{"note": "march run"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decode[mutationBody](t, rec)
	assert.NotEmpty(t, approved.AuditID)
	assert.Contains(t, string(approved.Data), `"status":"approved"`)

	rec = f.do(t, adminActor, http.MethodPost, base+"/paid", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, adminActor, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stored := decode[struct {
		Data struct {
			Status  string            `json:"status"`
			History []json.RawMessage `json:"history"`
		} `json:"data"`
	}](t, rec)
	assert.Equal(t, "paid", stored.Data.Status)
	assert.Len(t, stored.Data.History, 2)

	rec = f.do(t, adminActor, http.MethodGet, "/v1/admin/commissions/4242", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGrantRankBonuses(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})
	root := f.Root(t, "ROOT")

	rec := f.do(t, adminActor, http.MethodPost, "/v1/admin/bonuses/grant", map[string]any{"period": "2026-13"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, adminActor, http.MethodPost, "/v1/admin/bonuses/grant", map[string]any{"period": "2026-03"})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, "invalid_bonus_period", decode[errorBody](t, rec).Error.Code)

	rec = f.do(t, adminActor, http.MethodPost, "/v1/admin/bonuses/grant", map[string]any{"period": "2026-02"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, distributorActor(root), http.MethodGet, "/v1/distributors/"+root.ID.String()+"/bonuses", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"data":[]}`, rec.Body.String())
}

func TestStatementDownload(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})
	root := f.Root(t, "ROOT")
	f.CompleteSale(t, "o-1", root.ID, 1_000)
	f.settle(t)

	rec := f.do(t, distributorActor(root), http.MethodGet, "/v1/distributors/"+root.ID.String()+"/commissions/statement.pdf", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "statement-root.pdf")
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")))

	rec = f.do(t, adminActor, http.MethodGet, "/v1/distributors/"+root.ID.String()+"/commissions/statement.pdf?from=2026-03-05&to=2026-03-01", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTeamQueryValidation(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})
	root := f.Root(t, "ROOT")
	f.Enroll(t, "MID", root.ID)

	base := "/v1/distributors/" + root.ID.String() + "/team"
	rec := f.do(t, adminActor, http.MethodGet, base+"?max_depth=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, adminActor, http.MethodGet, base+"?max_depth=-1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_depth", decode[errorBody](t, rec).Error.Code)

	rec = f.do(t, adminActor, http.MethodGet, base+"?max_depth=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	team := decode[struct {
		Data networkdomain.TeamNode `json:"data"`
	}](t, rec)
	require.Len(t, team.Data.Children, 1)
	assert.Equal(t, "MID", team.Data.Children[0].Code)

	rec = f.do(t, adminActor, http.MethodGet, "/v1/distributors/abc/team", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecomputeAdmin(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})

	rec := f.do(t, adminActor, http.MethodGet, "/v1/admin/recompute/backlog", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, adminActor, http.MethodGet, "/v1/admin/recompute/failed?limit=10", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, adminActor, http.MethodGet, "/v1/admin/recompute/failed?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, adminActor, http.MethodPost, "/v1/admin/recompute/4242/requeue", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, systemActor, http.MethodGet, "/v1/admin/recompute/backlog", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPublishPolicy(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})

	doc := strings.Join([]string{
		"version: http-2",
		"effective_from: \"2026-04-01T00:00:00Z\"",
		"max_depth: 2",
		"team_depth: 4",
		"window_days: 60",
		"max_total_percent: \"12\"",
		"levels:",
		"  - level: 0",
		"    default: \"8\"",
		"  - level: 1",
		"    default: \"4\"",
		"ranks:",
		"  - code: bronze",
		"    name: Bronze",
		"    max_level: 1",
	}, "\n")

	rec := f.do(t, adminActor, http.MethodPost, "/v1/admin/policies", doc)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	published := decode[mutationBody](t, rec)
	assert.NotEmpty(t, published.AuditID)
	var view policyView
	require.NoError(t, json.Unmarshal(published.Data, &view))
	assert.Equal(t, "http-2", view.Version)
	assert.Equal(t, 60, view.WindowDays)
	require.Len(t, view.Tiers, 1)

	rec = f.do(t, adminActor, http.MethodGet, "/v1/admin/policies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	versions := decode[struct {
		Data []struct {
			Version string `json:"version"`
		} `json:"data"`
	}](t, rec)
	assert.Len(t, versions.Data, 2)

	rec = f.do(t, adminActor, http.MethodPost, "/v1/admin/policies", "version: [broken")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Equal(t, "invalid_policy", decode[errorBody](t, rec).Error.Code)

	root := f.Root(t, "ROOT")
	rec = f.do(t, distributorActor(root), http.MethodPost, "/v1/admin/policies", doc)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&networkdomain.CycleError{}, http.StatusConflict, "cycle"},
		{&networkdomain.DuplicateEnrollmentError{}, http.StatusConflict, "duplicate_enrollment"},
		{&networkdomain.RetryableStoreError{Op: "insert", Err: context.Canceled}, http.StatusServiceUnavailable, "retryable_store"},
		{fmt.Errorf("enroll: %w", networkdomain.ErrRootNotMovable), http.StatusUnprocessableEntity, "root_not_movable"},
		{&policydomain.PolicyMissingError{Version: "v1"}, http.StatusUnprocessableEntity, "policy_missing"},
		{authorization.ErrForbidden, http.StatusForbidden, ""},
		{fmt.Errorf("boom"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		status, payload := mapError(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, payload.Code, tc.err.Error())
	}
}
