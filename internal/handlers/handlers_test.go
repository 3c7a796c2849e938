package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cubeos-gsm/internal/gateway"
	"cubeos-gsm/internal/hostcheck"
	"cubeos-gsm/internal/jobs"
	"cubeos-gsm/internal/modem"
	"cubeos-gsm/internal/registry"
	"cubeos-gsm/internal/sms"
)

const (
	moduleA = "5f1d3c1e-2b8a-5c4e-9d1f-0a7b6c5d4e3f"
	moduleB = "0b0b8a44-9c1e-5d2f-8e3a-1f2e3d4c5b6a"
)

type fakeGateway struct {
	mu      sync.Mutex
	modules map[string]modem.Summary
	jobs    map[string]*jobs.Job
	submits int
	limit   int
	sendErr error
	reprobe error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		modules: map[string]modem.Summary{
			moduleA: {ID: moduleA, Port: "/dev/ttyUSB0", State: modem.StateReady},
			moduleB: {ID: moduleB, Port: "/dev/ttyUSB1", State: modem.StateError},
		},
		jobs: make(map[string]*jobs.Job),
	}
}

func (g *fakeGateway) Scan(ctx context.Context) ([]modem.Summary, error) {
	return g.GetAllStatus(), ctx.Err()
}

func (g *fakeGateway) GetStatus(id string) (modem.Summary, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.modules[id]
	if !ok {
		return modem.Summary{}, errors.WithDetails(registry.ErrNotFound, "module", id)
	}
	return s, nil
}

func (g *fakeGateway) GetAllStatus() []modem.Summary {
	g.mu.Lock()
	defer g.mu.Unlock()
	return []modem.Summary{g.modules[moduleA], g.modules[moduleB]}
}

func (g *fakeGateway) Remove(id string) error {
	if _, err := g.GetStatus(id); err != nil {
		return err
	}
	g.mu.Lock()
	s := g.modules[id]
	s.State = modem.StateDisconnected
	g.modules[id] = s
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) Reprobe(_ context.Context, id string) (modem.Summary, error) {
	s, err := g.GetStatus(id)
	if err != nil {
		return modem.Summary{}, err
	}
	if s.State != modem.StateError {
		return modem.Summary{}, registry.ErrNotReprobing
	}
	if g.reprobe != nil {
		return s, g.reprobe
	}
	s.State = modem.StateReady
	return s, nil
}

func (g *fakeGateway) Submit(_ context.Context, req gateway.SendRequest) (*jobs.Job, sms.MessageRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submits++
	job := jobs.New(req.ModuleID, req.Phone, req.Body)
	job.MarkSending(moduleA)
	g.jobs[job.ID] = job
	if g.sendErr != nil {
		var smsErr *sms.Error
		kind := ""
		if errors.As(g.sendErr, &smsErr) {
			kind = string(smsErr.Kind)
		}
		job.MarkFailed(kind, g.sendErr.Error())
		return job, sms.MessageRef{}, g.sendErr
	}
	job.MarkSent("42")
	return job, sms.MessageRef{ID: "42", ModuleID: moduleA, SentAt: time.Now()}, nil
}

func (g *fakeGateway) Job(_ context.Context, id string) (*jobs.Job, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	j, ok := g.jobs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return j, nil
}

func (g *fakeGateway) RecentJobs(_ context.Context, limit int) ([]jobs.Job, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limit = limit
	var out []jobs.Job
	for _, j := range g.jobs {
		if len(out) == limit {
			break
		}
		out = append(out, *j)
	}
	return out, nil
}

func newRouter(gw Gateway, opts RouteOptions) http.Handler {
	r := chi.NewRouter()
	SetupRoutes(r, NewGSMHandler(gw, hostcheck.Report{Source: "systemd", ActiveState: "inactive"}, time.Minute), opts)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	h := newRouter(newFakeGateway(), RouteOptions{})
	rec := do(t, h, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 2, body["modules"])
	assert.EqualValues(t, 1, body["usable"])
	assert.Equal(t, map[string]interface{}{"ready": 1.0, "error": 1.0}, body["states"])
	assert.NotContains(t, body, "warning")
}

func TestModuleEndpoints(t *testing.T) {
	h := newRouter(newFakeGateway(), RouteOptions{})

	rec := do(t, h, http.MethodGet, "/modules", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["count"])

	rec = do(t, h, http.MethodGet, "/modules/"+moduleA, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/dev/ttyUSB0", decode(t, rec)["port"])

	rec = do(t, h, http.MethodGet, "/modules/not-a-uuid", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/modules/00000000-0000-5000-8000-000000000000", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/modules/scan", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/modules/"+moduleA+"/reprobe", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "a ready module is not reprobed")

	rec = do(t, h, http.MethodPost, "/modules/"+moduleB+"/reprobe", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decode(t, rec)["state"])

	rec = do(t, h, http.MethodDelete, "/modules/"+moduleA, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReprobeFailureReportsModule(t *testing.T) {
	gw := newFakeGateway()
	gw.reprobe = errors.New("handshake failed")
	h := newRouter(gw, RouteOptions{})

	rec := do(t, h, http.MethodPost, "/modules/"+moduleB+"/reprobe", "", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode(t, rec)
	assert.Contains(t, body["error"], "handshake failed")
	assert.NotNil(t, body["module"])
}

func TestSendSMS(t *testing.T) {
	gw := newFakeGateway()
	h := newRouter(gw, RouteOptions{})

	rec := do(t, h, http.MethodPost, "/sms", `{"phone_number":"+15551234567","body":"hi"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "42", body["message_ref"])
	assert.Equal(t, "sent", body["status"])
	assert.Equal(t, moduleA, body["module_id"])

	jobID := body["job_id"].(string)
	rec = do(t, h, http.MethodGet, "/sms/"+jobID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sent", decode(t, rec)["status"])
}

func TestSendSMSRejectsBadRequests(t *testing.T) {
	gw := newFakeGateway()
	h := newRouter(gw, RouteOptions{})

	for name, body := range map[string]string{
		"not json":      `{`,
		"missing phone": `{"body":"hi"}`,
		"letters":       `{"phone_number":"call me","body":"hi"}`,
		"bad module id": `{"module_id":"x","phone_number":"5551234","body":"hi"}`,
	} {
		rec := do(t, h, http.MethodPost, "/sms", body, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
	assert.Zero(t, gw.submits)

	rec := do(t, h, http.MethodPost, "/sms", `{"phone_number":"5551234","body":"hi"}`, map[string]string{"Idempotency-Key": "bad key!"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendSMSErrorMapping(t *testing.T) {
	cases := []struct {
		kind   sms.Kind
		status int
	}{
		{sms.KindInvalidInput, http.StatusBadRequest},
		{sms.KindModuleNotFound, http.StatusNotFound},
		{sms.KindLeaseBusy, http.StatusConflict},
		{sms.KindUnsupportedModule, http.StatusUnprocessableEntity},
		{sms.KindNoModule, http.StatusServiceUnavailable},
		{sms.KindPromptTimeout, http.StatusGatewayTimeout},
		{sms.KindDeviceRejected, http.StatusBadGateway},
		{sms.KindTransport, http.StatusBadGateway},
	}
	for _, c := range cases {
		t.Run(string(c.kind), func(t *testing.T) {
			gw := newFakeGateway()
			gw.sendErr = &sms.Error{Kind: c.kind, ModuleID: moduleA, Detail: "+CMS ERROR: 500"}
			h := newRouter(gw, RouteOptions{})

			rec := do(t, h, http.MethodPost, "/sms", `{"phone_number":"5551234","body":"hi"}`, nil)
			assert.Equal(t, c.status, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, string(c.kind), body["kind"])
			assert.Equal(t, "+CMS ERROR: 500", body["detail"])
			assert.NotEmpty(t, body["job_id"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestSendSMSIdempotencyKeyReplays(t *testing.T) {
	gw := newFakeGateway()
	h := newRouter(gw, RouteOptions{})
	hdr := map[string]string{"Idempotency-Key": "order-17"}
	req := `{"phone_number":"5551234","body":"hi"}`

	first := do(t, h, http.MethodPost, "/sms", req, hdr)
	require.Equal(t, http.StatusOK, first.Code)
	second := do(t, h, http.MethodPost, "/sms", req, hdr)
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, 1, gw.submits, "the replay does not send again")
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, decode(t, first)["job_id"], decode(t, second)["job_id"])

	third := do(t, h, http.MethodPost, "/sms", req, map[string]string{"Idempotency-Key": "order-18"})
	require.Equal(t, http.StatusOK, third.Code)
	assert.Equal(t, 2, gw.submits)
}

func TestSendSMSRateLimited(t *testing.T) {
	h := newRouter(newFakeGateway(), RouteOptions{SMSRateLimit: 0.001, SMSRateBurst: 1})
	req := `{"phone_number":"5551234","body":"hi"}`

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/sms", req, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodPost, "/sms", req, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/modules", "", nil).Code, "only sends are limited")
}

func TestGetSMSJobNotFound(t *testing.T) {
	h := newRouter(newFakeGateway(), RouteOptions{})
	rec := do(t, h, http.MethodGet, "/sms/00000000-0000-4000-8000-000000000000", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/sms/nope", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListSMSJobs(t *testing.T) {
	gw := newFakeGateway()
	h := newRouter(gw, RouteOptions{})

	rec := do(t, h, http.MethodGet, "/sms", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jobs":[],"count":0}`, rec.Body.String())
	assert.Equal(t, 50, gw.limit)

	rec = do(t, h, http.MethodPost, "/sms", `{"phone_number":"5551234","body":"hi"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/sms?limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list JobList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, 5, gw.limit)

	for _, bad := range []string{"0", "501", "ten"} {
		rec = do(t, h, http.MethodGet, "/sms?limit="+bad, "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestDocs(t *testing.T) {
	h := newRouter(newFakeGateway(), RouteOptions{})
	rec := do(t, h, http.MethodGet, "/docs/openapi.yaml", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "CubeOS GSM API")
}
