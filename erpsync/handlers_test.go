package erpsync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/parking_backend/middlewares"
	"github.com/mmdatafocus/parking_backend/models"
	"github.com/xuri/excelize/v2"
)

func newTestAPI(t *testing.T) (*harness, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Setenv("ERP_SYNC_TOPIC", "")

	h := newHarness(t, customerIntegration(), customerRows(2))
	api := &API{DB: h.db, Registry: testRegistry(t, h.db), Controller: h.ctl}
	r := gin.New()
	api.RegisterRoutes(r, nil)
	return h, r
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func itemsPayload() map[string]any {
	return map[string]any{
		"name":               "items",
		"source_table":       "MTRL",
		"target_entity":      "items",
		"unique_erp_field":   "CODE",
		"unique_local_field": "code",
		"sync_direction":     "one-way",
		"schedule":           "@every 15m",
		"field_mappings": []map[string]any{
			{"erp_field": "CODE", "local_field": "code"},
			{"erp_field": "NAME", "local_field": "name"},
			{"erp_field": "PRICER", "local_field": "price", "data_type": "number"},
		},
		"erp_credentials": map[string]any{"base_url": "http://erp.test", "username": "u", "password": "secret"},
	}
}

func TestIntegrationHandlers_CreateAndUpdate(t *testing.T) {
	h, r := newTestAPI(t)

	w := doJSON(r, http.MethodPost, "/api/integrations", itemsPayload())
	if w.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "secret") {
		t.Fatalf("credentials must not be echoed: %s", w.Body.String())
	}
	var created models.Integration
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == 0 || created.ConflictPolicy != models.ConflictPolicyErpWins || !created.Active() {
		t.Fatalf("created=%+v", created)
	}

	update := itemsPayload()
	update["name"] = "items renamed"
	delete(update, "erp_credentials")
	w = doJSON(r, http.MethodPut, "/api/integrations/"+stringOf(created.ID), update)
	if w.Code != http.StatusOK {
		t.Fatalf("update status=%d body=%s", w.Code, w.Body.String())
	}
	stored, err := GormConfigSource{DB: h.db}.Load(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.Name != "items renamed" || stored.Credentials().Password != "secret" {
		t.Fatalf("update should keep stored credentials: %+v", stored.Credentials())
	}

	w = doJSON(r, http.MethodGet, "/api/integrations", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "items renamed") {
		t.Fatalf("list status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestIntegrationHandlers_RejectsBadConfig(t *testing.T) {
	_, r := newTestAPI(t)

	cases := map[string]func(p map[string]any){
		"missing fields": func(p map[string]any) { delete(p, "source_table") },
		"bad direction":  func(p map[string]any) { p["sync_direction"] = "both" },
		"unknown entity": func(p map[string]any) { p["target_entity"] = "invoices" },
		"unknown column": func(p map[string]any) {
			p["field_mappings"] = []map[string]any{{"erp_field": "CODE", "local_field": "code"}, {"erp_field": "NAME", "local_field": "title"}}
		},
		"bad schedule": func(p map[string]any) { p["schedule"] = "sometimes" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := itemsPayload()
			mutate(p)
			w := doJSON(r, http.MethodPost, "/api/integrations", p)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
			}
		})
	}

	if w := doJSON(r, http.MethodGet, "/api/integrations/abc", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid id status=%d", w.Code)
	}
	if w := doJSON(r, http.MethodGet, "/api/integrations/99", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing integration status=%d", w.Code)
	}
}

func TestTriggerSyncHandler(t *testing.T) {
	h, r := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/integrations/1/sync", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var res SyncResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Success || res.RunID == 0 || res.Stats.ErpToLocal.Created != 2 {
		t.Fatalf("result=%+v", res)
	}

	if w := doJSON(r, http.MethodPost, "/api/integrations/42/sync", TriggerSyncRequest{}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown integration status=%d", w.Code)
	}

	lock, err := h.locker.Obtain(context.Background(), integrationLockKey(1), time.Hour)
	if err != nil {
		t.Fatalf("Obtain: %v", err)
	}
	defer lock.Release(context.Background())
	w = doJSON(r, http.MethodPost, "/api/integrations/1/sync", TriggerSyncRequest{FullSync: true})
	if w.Code != http.StatusConflict || !strings.Contains(w.Body.String(), `"success":false`) {
		t.Fatalf("busy integration status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestRunHistoryHandlers(t *testing.T) {
	h, r := newTestAPI(t)
	h.erp.rows = append(h.erp.rows, map[string]any{"NAME": "no code"})

	res, err := h.ctl.RunSync(context.Background(), 1, Options{TriggeredBy: models.SyncTriggeredManual})
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}

	w := doJSON(r, http.MethodGet, "/api/integrations/1/sync-runs?limit=5", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history status=%d", w.Code)
	}
	var history struct {
		Items []models.SyncRun `json:"items"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &history); err != nil || len(history.Items) != 1 {
		t.Fatalf("history=%s err=%v", w.Body.String(), err)
	}

	w = doJSON(r, http.MethodGet, "/api/sync-runs/"+stringOf(res.RunID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("detail status=%d", w.Code)
	}
	var detail SyncRunDetailResponse
	if err := json.Unmarshal(w.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.ID != res.RunID || len(detail.Errors) != 1 || detail.Errors[0].ReasonCode != ReasonMissingUniqueKey {
		t.Fatalf("detail=%+v", detail)
	}

	if w := doJSON(r, http.MethodGet, "/api/sync-runs/999", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing run status=%d", w.Code)
	}

	w = doJSON(r, http.MethodGet, "/api/sync-runs/"+stringOf(res.RunID)+"/errors.xlsx", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Header().Get("Content-Type"), "spreadsheetml") {
		t.Fatalf("export status=%d content-type=%s", w.Code, w.Header().Get("Content-Type"))
	}
	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer f.Close()
	if v, _ := f.GetCellValue("Errors", "A1"); v != "Direction" {
		t.Fatalf("header=%q", v)
	}
	if v, _ := f.GetCellValue("Errors", "D2"); v != ReasonMissingUniqueKey {
		t.Fatalf("reason cell=%q", v)
	}
	if v, _ := f.GetCellValue("Run", "B3"); v != models.SyncRunStatusSuccess {
		t.Fatalf("status cell=%q", v)
	}

	w = doJSON(r, http.MethodGet, "/api/integrations/1/cursor", nil)
	var cur CursorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &cur); err != nil || !cur.Found || cur.Cursor.RunId != res.RunID {
		t.Fatalf("cursor=%s err=%v", w.Body.String(), err)
	}
}

func TestPubSubPushHandler(t *testing.T) {
	h, r := newTestAPI(t)

	data, _ := json.Marshal(SyncPubSubPayload{IntegrationId: 1, CorrelationId: "abc"})
	var env PubSubPushEnvelope
	env.Message.ID = "m-1"
	env.Message.Data = data

	w := doJSON(r, http.MethodPost, "/pubsub/erp-sync", env)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status=%d", w.Code)
	}
	runs, err := h.runs.ListRuns(context.Background(), 1, 0)
	if err != nil || len(runs) != 1 || runs[0].TriggeredBy != models.SyncTriggeredPubSub {
		t.Fatalf("runs=%+v err=%v", runs, err)
	}

	// malformed messages are acked without running anything
	req := httptest.NewRequest(http.MethodPost, "/pubsub/erp-sync", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status=%d", rec.Code)
	}
	if n := countRows(t, h.db, &models.SyncRun{}); n != 1 {
		t.Fatalf("runs=%d", n)
	}
}

func TestPubSubPushHandler_RequiresSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	t.Setenv("ERP_SYNC_TOPIC", "")
	t.Setenv("SYNC_SHARED_SECRET", "")

	h := newHarness(t, customerIntegration(), customerRows(2))
	api := &API{DB: h.db, Registry: testRegistry(t, h.db), Controller: h.ctl}
	r := gin.New()
	api.RegisterRoutes(r, middlewares.SyncSecretMiddleware("push-secret"))

	data, _ := json.Marshal(SyncPubSubPayload{IntegrationId: 1, FullResync: true})
	var env PubSubPushEnvelope
	env.Message.ID = "m-2"
	env.Message.Data = data

	if w := doJSON(r, http.MethodPost, "/pubsub/erp-sync", env); w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated push status=%d", w.Code)
	}
	if n := countRows(t, h.db, &models.SyncRun{}); n != 0 {
		t.Fatalf("an unauthenticated push must not start a run, runs=%d", n)
	}
	if w := doJSON(r, http.MethodPost, "/api/integrations/1/sync", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated trigger status=%d", w.Code)
	}

	if w := doJSON(r, http.MethodPost, "/pubsub/erp-sync?token=push-secret", env); w.Code != http.StatusNoContent {
		t.Fatalf("authenticated push status=%d", w.Code)
	}
	if n := countRows(t, h.db, &models.SyncRun{}); n != 1 {
		t.Fatalf("runs=%d", n)
	}
}
