package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"draftline/internal/config"
	"draftline/internal/db"
	"draftline/internal/engine"
	"draftline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("job-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine: e,
		Auth:   AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestEditFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts", map[string]any{
		"title": "kitchen remodel",
		"snapshot": map[string]any{
			"tasks": map[string]any{"byId": map[string]any{"task_1": map[string]any{"title": "demo"}}},
			"labor": map[string]any{"byId": map[string]any{"lab_1": map[string]any{
				"qty": 4, "rate": 50,
				"links": map[string]any{"taskIds": []string{"task_1"}},
			}}},
		},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create draft status %d: %s", res.StatusCode, data)
	}
	var draft DraftResponse
	if err := json.Unmarshal(data, &draft); err != nil {
		t.Fatalf("unmarshal draft: %v", err)
	}
	if draft.RevisionNumber != 1 || draft.Status != "open" {
		t.Fatalf("draft = %+v", draft)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts/"+draft.ID+"/edits", map[string]any{
		"base_revision": 1,
		"ops":           []map[string]any{{"kind": "remove", "path": "/tasks/byId/task_1"}},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("edit status %d: %s", res.StatusCode, data)
	}
	var edit EditResponse
	if err := json.Unmarshal(data, &edit); err != nil {
		t.Fatalf("unmarshal edit: %v", err)
	}
	if edit.Draft.RevisionNumber != 2 || edit.Draft.Status != "needs_review" {
		t.Fatalf("edit draft = %+v", edit.Draft)
	}
	if len(edit.DecisionItemIDs) != 1 {
		t.Fatalf("decisions = %v", edit.DecisionItemIDs)
	}

	// stale base revision maps to 409 revision_conflict
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts/"+draft.ID+"/edits", map[string]any{
		"base_revision": 1,
		"ops":           []map[string]any{{"kind": "remove", "path": "/labor/byId/lab_1"}},
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("stale edit status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "revision_conflict" {
		t.Fatalf("error envelope = %s", data)
	}

	// approval is blocked while the decision is pending
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts/"+draft.ID+"/status", map[string]any{
		"status": "approved",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("approve status %d: %s", res.StatusCode, data)
	}

	// resolve through the graveyard
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/graveyard/"+edit.DecisionItemIDs[0]+"/resolve", map[string]any{
		"option_id": "remove_line",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d: %s", res.StatusCode, data)
	}
	var resolved EditResponse
	if err := json.Unmarshal(data, &resolved); err != nil {
		t.Fatalf("unmarshal resolve: %v", err)
	}
	if resolved.Draft.Status != "open" {
		t.Fatalf("draft after resolve = %+v", resolved.Draft)
	}

	// approval goes through now
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts/"+draft.ID+"/status", map[string]any{
		"status": "approved",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve after resolve status %d: %s", res.StatusCode, data)
	}
}

func TestInvalidPathMapsToBadRequest(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts", map[string]any{"title": "d"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create draft status %d: %s", res.StatusCode, data)
	}
	var draft DraftResponse
	if err := json.Unmarshal(data, &draft); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts/"+draft.ID+"/edits", map[string]any{
		"base_revision": 1,
		"ops":           []map[string]any{{"kind": "add", "path": "no-slash", "value": 1}},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "invalid_path" {
		t.Fatalf("error envelope = %s", data)
	}
}

func TestInventoryEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/inventory/items", map[string]any{
		"id": "item-1", "name": "lumber", "on_hand_qty": 10,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/inventory/items/item-1/reservations", map[string]any{
		"qty": 4,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("reserve status %d: %s", res.StatusCode, data)
	}
	var reserve ReserveResponse
	if err := json.Unmarshal(data, &reserve); err != nil {
		t.Fatal(err)
	}
	if !reserve.Reserved || reserve.Status != "active" || reserve.AvailableAfter != 6 {
		t.Fatalf("reserve = %+v", reserve)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/inventory/items/item-1/availability", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("availability status %d: %s", res.StatusCode, data)
	}
	var avail AvailabilityResponse
	if err := json.Unmarshal(data, &avail); err != nil {
		t.Fatal(err)
	}
	if avail.Available != 6 || avail.TotalReserved != 4 {
		t.Fatalf("availability = %+v", avail)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/inventory/items/ghost/availability", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("ghost item status %d: %s", res.StatusCode, data)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/drafts", nil)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}

	// health stays open
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v0/health", nil)
	res2, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", res2.StatusCode)
	}
}

func TestDevLoginAndJWT(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "alice",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, data)
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("login = %s", data)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/me", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	res2, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res2.Body.Close()
	body, _ := io.ReadAll(res2.Body)
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res2.StatusCode, body)
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(body, &who); err != nil || who.ActorID != "alice" || who.Source != "jwt" {
		t.Fatalf("whoami = %s", body)
	}
}
