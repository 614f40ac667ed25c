package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sheetvault/internal/notify"
	"sheetvault/internal/sv"
	"sheetvault/internal/testutil"
)

var testSecret = []byte("test-secret")

type testServer struct {
	*testutil.Fixture
	srv *httptest.Server
	hub *notify.Hub
}

func newTestServer(t *testing.T, opts ...testutil.FixtureOption) *testServer {
	t.Helper()
	f := testutil.NewFixture(t, opts...)
	f.AddAccount(t, "alice", sv.RoleUser)
	f.AddAccount(t, "bob", sv.RoleUser)
	f.AddAccount(t, "root", sv.RoleAdmin)

	hub := notify.NewHub(nil)
	s := NewServer(Options{
		Service:    f.Service,
		Accounts:   f.DB,
		Gate:       f.Gate,
		Subscriber: hub,
		Staging:    f.Staging,
		JWTSecret:  testSecret,
	})
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &testServer{Fixture: f, srv: srv, hub: hub}
}

func token(t *testing.T, id string, role sv.Role) string {
	t.Helper()
	tok, err := IssueToken(testSecret, id, role, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return tok
}

func (ts *testServer) do(t *testing.T, method, path, tok string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) upload(t *testing.T, tok, name, content string) uploadResponse {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("note", "ignored")
	part, err := mw.CreateFormFile(uploadFormField, name)
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte(content))
	mw.Close()

	resp := ts.do(t, http.MethodPost, "/api/v1/uploads", tok, &buf, mw.FormDataContentType())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d, body %s", resp.StatusCode, readBody(t, resp))
	}
	var out uploadResponse
	decode(t, resp, &out)
	return out
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, _ := io.ReadAll(resp.Body)
	return string(data)
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var p problem
	decode(t, resp, &p)
	return p.Error.Code
}

const salesCSV = "region,total\nnorth,10\nsouth,20\n"

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t)

	if resp := ts.do(t, http.MethodGet, "/health/live", "", nil, ""); resp.StatusCode != http.StatusOK {
		t.Errorf("live status = %d", resp.StatusCode)
	}
	resp := ts.do(t, http.MethodGet, "/health/ready", "", nil, "")
	var body map[string]string
	decode(t, resp, &body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ready" {
		t.Errorf("ready = %d %v", resp.StatusCode, body)
	}

	t.Run("not ready before the gate opens", func(t *testing.T) {
		s := NewServer(Options{Gate: sv.NewGate(), JWTSecret: testSecret})
		rec := httptest.NewRecorder()
		s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "uninitialized") {
			t.Errorf("ready = %d %s", rec.Code, rec.Body.String())
		}
	})
}

func TestServer_Authentication(t *testing.T) {
	ts := newTestServer(t)

	expired, _ := IssueToken(testSecret, "alice", sv.RoleUser, time.Minute, time.Now().Add(-time.Hour))
	forged, _ := IssueToken([]byte("other"), "alice", sv.RoleUser, time.Hour, time.Now())
	noSubject, _ := IssueToken(testSecret, "", sv.RoleUser, time.Hour, time.Now())
	badRole, _ := IssueToken(testSecret, "alice", sv.Role("owner"), time.Hour, time.Now())

	tests := []struct {
		name  string
		token string
	}{
		{name: "missing", token: ""},
		{name: "garbage", token: "not.a.jwt"},
		{name: "expired", token: expired},
		{name: "wrong secret", token: forged},
		{name: "no subject", token: noSubject},
		{name: "unknown role", token: badRole},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodGet, "/api/v1/uploads", tt.token, nil, "")
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", resp.StatusCode)
			}
		})
	}

	t.Run("role defaults to user", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		tok, _ := IssueToken(testSecret, "alice", "", 0, time.Now())
		req.Header.Set("Authorization", "Bearer "+tok)
		got, err := requesterFromRequest(req, testSecret)
		if err != nil {
			t.Fatalf("requesterFromRequest() error = %v", err)
		}
		if got != (sv.Requester{ID: "alice", Role: sv.RoleUser}) {
			t.Errorf("requester = %+v", got)
		}
	})

	t.Run("super admin spelling", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		tok, _ := IssueToken(testSecret, "s", sv.Role("superadmin"), 0, time.Now())
		req.Header.Set("Authorization", "Bearer "+tok)
		got, err := requesterFromRequest(req, testSecret)
		if err != nil || got.Role != sv.RoleSuperAdmin {
			t.Errorf("requester = %+v, %v", got, err)
		}
	})
}

func TestServer_UploadLifecycle(t *testing.T) {
	ts := newTestServer(t)
	aliceTok := token(t, "alice", sv.RoleUser)

	created := ts.upload(t, aliceTok, "sales.csv", salesCSV)
	if created.OwnerID != "alice" || !created.Parsed || created.TotalRows != 2 {
		t.Fatalf("created = %+v", created)
	}

	t.Run("get", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet, "/api/v1/uploads/"+created.ID, aliceTok, nil, "")
		var got uploadResponse
		decode(t, resp, &got)
		if resp.StatusCode != http.StatusOK || got.ID != created.ID {
			t.Errorf("get = %d %+v", resp.StatusCode, got)
		}
	})

	t.Run("content", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet, "/api/v1/uploads/"+created.ID+"/content", aliceTok, nil, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("content status = %d", resp.StatusCode)
		}
		if body := readBody(t, resp); body != salesCSV {
			t.Errorf("content = %q", body)
		}
		if cd := resp.Header.Get("Content-Disposition"); cd != `attachment; filename=sales.csv` {
			t.Errorf("Content-Disposition = %q", cd)
		}
		if resp.ContentLength != int64(len(salesCSV)) {
			t.Errorf("ContentLength = %d", resp.ContentLength)
		}
	})

	t.Run("data", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet, "/api/v1/uploads/"+created.ID+"/data", aliceTok, nil, "")
		var got dataResponse
		decode(t, resp, &got)
		if fmt.Sprint(got.Columns) != "[region total]" || len(got.Rows) != 2 || got.Rows[0]["total"] != "10" {
			t.Errorf("data = %+v", got)
		}
	})

	t.Run("insights", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/api/v1/uploads/"+created.ID+"/insights?refresh=true", aliceTok, nil, "")
		var got insightResponse
		decode(t, resp, &got)
		if resp.StatusCode != http.StatusOK || got.InsightText == "" {
			t.Errorf("insights = %d %+v", resp.StatusCode, got)
		}
	})

	t.Run("list and stats", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet, "/api/v1/uploads", aliceTok, nil, "")
		var list listResponse
		decode(t, resp, &list)
		if list.Count != 1 || list.Uploads[0].ID != created.ID {
			t.Errorf("list = %+v", list)
		}

		resp = ts.do(t, http.MethodGet, "/api/v1/stats", aliceTok, nil, "")
		var stats statsResponse
		decode(t, resp, &stats)
		if stats != (statsResponse{OwnerID: "alice", Active: 1, Total: 1}) {
			t.Errorf("stats = %+v", stats)
		}
	})

	t.Run("other users are forbidden", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet, "/api/v1/uploads/"+created.ID, token(t, "bob", sv.RoleUser), nil, "")
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
	})

	t.Run("owner delete", func(t *testing.T) {
		resp := ts.do(t, http.MethodDelete, "/api/v1/uploads/"+created.ID, aliceTok, nil, "")
		var got deleteResponse
		decode(t, resp, &got)
		if resp.StatusCode != http.StatusOK || got.Purged || got.Warning != "" {
			t.Errorf("delete = %d %+v", resp.StatusCode, got)
		}

		resp = ts.do(t, http.MethodDelete, "/api/v1/uploads/"+created.ID, aliceTok, nil, "")
		if resp.StatusCode != http.StatusConflict || errorCode(t, resp) != "already_deleted" {
			t.Errorf("second delete status = %d", resp.StatusCode)
		}

		resp = ts.do(t, http.MethodGet, "/api/v1/uploads/"+created.ID, aliceTok, nil, "")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("get after delete status = %d, want 404", resp.StatusCode)
		}
	})
}

func TestServer_Errors(t *testing.T) {
	ts := newTestServer(t)
	aliceTok := token(t, "alice", sv.RoleUser)
	notes := ts.upload(t, aliceTok, "notes.txt", "free text")

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		status int
		code   string
	}{
		{name: "unknown record", method: http.MethodGet, path: "/api/v1/uploads/nope", token: aliceTok, status: 404, code: "not_found"},
		{name: "unparsed data", method: http.MethodGet, path: "/api/v1/uploads/" + notes.ID + "/data", token: aliceTok, status: 422, code: "file_not_parsed"},
		{name: "bad refresh flag", method: http.MethodPost, path: "/api/v1/uploads/" + notes.ID + "/insights?refresh=maybe", token: aliceTok, status: 400, code: "validation_failed"},
		{name: "user reconcile", method: http.MethodPost, path: "/api/v1/admin/reconcile?owner=alice", token: aliceTok, status: 403, code: "forbidden"},
		{name: "reconcile without owner", method: http.MethodPost, path: "/api/v1/admin/reconcile", token: token(t, "root", sv.RoleAdmin), status: 400, code: "validation_failed"},
		{name: "foreign stats", method: http.MethodGet, path: "/api/v1/stats?owner=bob", token: aliceTok, status: 403, code: "forbidden"},
		{name: "upload without multipart", method: http.MethodPost, path: "/api/v1/uploads", token: aliceTok, status: 400, code: "validation_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, tt.method, tt.path, tt.token, nil, "")
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if code := errorCode(t, resp); code != tt.code {
				t.Errorf("code = %q, want %q", code, tt.code)
			}
		})
	}

	t.Run("missing blob", func(t *testing.T) {
		ts.Blobs.Delete(context.Background(), notes.ObjectStoreID)
		resp := ts.do(t, http.MethodGet, "/api/v1/uploads/"+notes.ID+"/content", aliceTok, nil, "")
		if resp.StatusCode != http.StatusNotFound || errorCode(t, resp) != "blob_not_found" {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})

	t.Run("storage unavailable", func(t *testing.T) {
		ts.Store.FailReads(sv.StorageError("open", errors.New("timeout")))
		defer ts.Store.FailReads(nil)
		resp := ts.do(t, http.MethodGet, "/api/v1/uploads/"+notes.ID+"/content", aliceTok, nil, "")
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", resp.StatusCode)
		}
	})
}

func TestServer_AdminPurgeAndReconcile(t *testing.T) {
	ts := newTestServer(t)
	rootTok := token(t, "root", sv.RoleAdmin)
	created := ts.upload(t, token(t, "alice", sv.RoleUser), "sales.csv", salesCSV)

	resp := ts.do(t, http.MethodGet, "/api/v1/uploads?owner=alice", rootTok, nil, "")
	var list listResponse
	decode(t, resp, &list)
	if list.Count != 1 {
		t.Fatalf("admin list count = %d, want 1", list.Count)
	}

	ts.Store.FailDeletes(errors.New("offline"))
	resp = ts.do(t, http.MethodDelete, "/api/v1/uploads/"+created.ID, rootTok, nil, "")
	var del deleteResponse
	decode(t, resp, &del)
	if !del.Purged || del.Warning == "" {
		t.Errorf("purge = %+v, want purged with warning", del)
	}
	ts.Store.FailDeletes(nil)

	resp = ts.do(t, http.MethodPost, "/api/v1/admin/reconcile?owner=alice&purge=true", rootTok, nil, "")
	var report reconcileResponse
	decode(t, resp, &report)
	if resp.StatusCode != http.StatusOK || len(report.Orphaned) != 1 || report.Purged != 1 {
		t.Errorf("reconcile = %d %+v", resp.StatusCode, report)
	}
}

func TestServer_Notifications(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/api/v1/notifications/ws"

	dial := func(t *testing.T, id string, role sv.Role) *websocket.Conn {
		t.Helper()
		header := http.Header{"Authorization": {"Bearer " + token(t, id, role)}}
		conn, _, err := websocket.DefaultDialer.Dial(url, header)
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		t.Cleanup(func() { conn.Close() })
		return conn
	}

	owner := dial(t, "alice", sv.RoleUser)
	admin := dial(t, "root", sv.RoleAdmin)

	deadline := time.Now().Add(time.Second)
	for ts.hub.Clients(sv.OwnerChannel("alice")) != 1 || ts.hub.Clients(sv.AdminChannel) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("clients did not subscribe")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if ts.hub.Clients(sv.OwnerChannel("root")) != 1 {
		t.Error("admin not subscribed to their own channel")
	}

	event := sv.LifecycleEvent{Type: sv.EventUploadPurged, RecordID: "r1", OwnerID: "alice"}
	ts.hub.Notify(context.Background(), sv.OwnerChannel("alice"), event)
	ts.hub.Notify(context.Background(), sv.AdminChannel, event)

	for name, conn := range map[string]*websocket.Conn{"owner": owner, "admin": admin} {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		var got sv.LifecycleEvent
		if err := conn.ReadJSON(&got); err != nil {
			t.Fatalf("%s ReadJSON() error = %v", name, err)
		}
		if got.RecordID != "r1" {
			t.Errorf("%s got %+v", name, got)
		}
	}

	t.Run("token in query", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(url+"?access_token="+token(t, "bob", sv.RoleUser), nil)
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		conn.Close()
	})

	t.Run("rejects anonymous", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			t.Fatal("Dial() without token succeeded")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("response = %v, want 401", resp)
		}
	})
}

func TestServer_Metrics(t *testing.T) {
	ts := newTestServer(t)
	aliceTok := token(t, "alice", sv.RoleUser)
	created := ts.upload(t, aliceTok, "sales.csv", salesCSV)
	readBody(t, ts.do(t, http.MethodGet, "/api/v1/uploads/"+created.ID+"/content", aliceTok, nil, ""))
	readBody(t, ts.do(t, http.MethodGet, "/api/v1/uploads/"+created.ID+"/content", aliceTok, nil, ""))

	want := []string{
		`sheetvault_http_requests_total{method="GET",route="/api/v1/uploads/{id}/content",status="200"} 2`,
		`sheetvault_uploads_total{parsed="true"} 1`,
		`sheetvault_staging_uploads 0`,
		`sheetvault_object_store_ready 1`,
	}
	// Request metrics are recorded after the response is written.
	var body string
	deadline := time.Now().Add(time.Second)
	for {
		body = readBody(t, ts.do(t, http.MethodGet, "/metrics", "", nil, ""))
		missing := ""
		for _, w := range want {
			if !strings.Contains(body, w) {
				missing = w
				break
			}
		}
		if missing == "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics missing %q", missing)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if strings.Contains(body, created.ID) {
		t.Error("record id leaked into metric labels")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: &sv.ValidationError{Field: "f"}, want: 400},
		{err: fmt.Errorf("x: %w", sv.ErrForbidden), want: 403},
		{err: sv.ErrRecordNotFound, want: 404},
		{err: sv.ErrBlobNotFound, want: 404},
		{err: sv.ErrAccountNotFound, want: 404},
		{err: sv.ErrAlreadyDeleted, want: 409},
		{err: sv.ErrFileNotParsed, want: 422},
		{err: sv.ErrNoSummarizer, want: 501},
		{err: sv.StorageError("read", errors.New("eof")), want: 503},
		{err: sv.ErrNotInitialized, want: 503},
		{err: fmt.Errorf("%w: dial", sv.ErrNotReady), want: 503},
		{err: errors.New("boom"), want: 500},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got, _ := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor() = %d, want %d", got, tt.want)
			}
		})
	}
}
