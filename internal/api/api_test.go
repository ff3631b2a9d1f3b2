package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/timesnap/internal/capsuleservice"
	"github.com/starford/timesnap/internal/repository"
	"github.com/starford/timesnap/internal/testutil"
)

var testNow = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

const (
	future = "2040-01-01T00:00:00Z"
	past   = "2020-01-01T00:00:00Z"
)

type testEnv struct {
	svc    *capsuleservice.Service
	router http.Handler
	dir    string
	media  *testutil.FlakyMedia
	kv     *testutil.FlakyKV
}

// newEnv sets up a temp media dir, in-memory store, service, and router.
// An empty token means auth is disabled.
func newEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	dir, fs := testutil.TestMedia(t)
	ms := testutil.NewFlakyMedia(fs)
	store := testutil.NewFlakyKV(testutil.TestKV(t))
	repo, err := repository.Open(context.Background(), store, ms, repository.WithLogger(testutil.Logger()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	svc := capsuleservice.NewService(repo, ms,
		capsuleservice.WithLogger(testutil.Logger()),
		capsuleservice.WithClock(func() time.Time { return testNow }))
	router := NewRouter(svc, Options{AuthEnabled: token != "", Token: token, MaxUpload: 1 << 20})
	return &testEnv{svc: svc, router: router, dir: dir, media: ms, kv: store}
}

type filePart struct {
	field, name string
	data        []byte
}

func multipartBody(t *testing.T, fields [][2]string, files []filePart) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			t.Fatal(err)
		}
	}
	for _, f := range files {
		part, err := mw.CreateFormFile(f.field, f.name)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = io.Copy(part, bytes.NewReader(f.data))
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) doJSON(t *testing.T, method, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(v)
	return e.do(t, method, path, bytes.NewReader(body), "application/json")
}

func (e *testEnv) create(t *testing.T, unlockAt string, files ...filePart) CapsuleResponse {
	t.Helper()
	body, ct := multipartBody(t, [][2]string{{"title", "Capsule"}, {"description", "inside"}, {"unlock_at", unlockAt}}, files)
	w := e.do(t, http.MethodPost, "/capsules", body, ct)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp CapsuleResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestCreateAndGetCapsule(t *testing.T) {
	e := newEnv(t, "")
	created := e.create(t, future,
		filePart{"photo", "a.jpg", []byte("photo")},
		filePart{"message", "b.m4a", []byte("voice")})

	if !created.Locked || created.MediaCount != 2 || len(created.Media) != 0 || created.Description != "" {
		t.Errorf("locked capsule leaked content: %+v", created)
	}
	if created.Color != "#CC9966" {
		t.Errorf("color = %q, want bronze", created.Color)
	}

	w := e.do(t, http.MethodGet, "/capsules/"+created.ID, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = e.do(t, http.MethodGet, "/capsules", nil, "")
	var list CapsuleListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Capsules) != 1 || list.Capsules[0].ID != created.ID {
		t.Errorf("list = %+v", list)
	}
	if n := len(testutil.MediaFiles(t, e.dir)); n != 2 {
		t.Errorf("files on disk = %d, want 2", n)
	}
}

func TestCreateUnlocked_RevealsMediaInOrder(t *testing.T) {
	e := newEnv(t, "")
	created := e.create(t, past,
		filePart{"video", "clip.mp4", []byte("video")},
		filePart{"thumbnail", "clip.jpg", []byte("thumb")},
		filePart{"photo", "a.png", []byte("photo")})

	if created.Locked || created.Description != "inside" {
		t.Fatalf("unlocked capsule hides content: %+v", created)
	}
	if len(created.Media) != 2 {
		t.Fatalf("media = %d, want 2", len(created.Media))
	}
	if created.Media[0].Type != "video" || created.Media[0].ThumbnailRef == "" || !strings.HasSuffix(created.Media[0].Ref, ".mp4") {
		t.Errorf("first media = %+v", created.Media[0])
	}
	if created.Media[1].Type != "photo" || !strings.HasSuffix(created.Media[1].Ref, ".png") {
		t.Errorf("second media = %+v", created.Media[1])
	}
}

func TestCreate_InvalidInputs(t *testing.T) {
	e := newEnv(t, "")
	cases := map[string]struct {
		fields [][2]string
		files  []filePart
	}{
		"blank title":      {fields: [][2]string{{"title", " "}}},
		"bad unlock_at":    {fields: [][2]string{{"title", "x"}, {"unlock_at", "tomorrow"}}},
		"bad color":        {fields: [][2]string{{"title", "x"}, {"color", "plaid"}}},
		"bad share":        {fields: [][2]string{{"title", "x"}, {"shared_with", "nope"}}},
		"orphan thumbnail": {fields: [][2]string{{"title", "x"}}, files: []filePart{{"thumbnail", "t.jpg", []byte("t")}}},
		"unknown file":     {fields: [][2]string{{"title", "x"}}, files: []filePart{{"sticker", "s.png", []byte("s")}}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			body, ct := multipartBody(t, tc.fields, tc.files)
			w := e.do(t, http.MethodPost, "/capsules", body, ct)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400, body = %s", w.Code, w.Body.String())
			}
		})
	}

	w := e.doJSON(t, http.MethodPost, "/capsules", map[string]string{"title": "json"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("non-multipart = %d, want 400", w.Code)
	}
	if n := len(testutil.MediaFiles(t, e.dir)); n != 0 {
		t.Errorf("files left = %d", n)
	}
}

func TestCreate_DiskFullIsAllOrNothing(t *testing.T) {
	e := newEnv(t, "")
	e.media.SaveBudget = 1

	body, ct := multipartBody(t, [][2]string{{"title", "full"}}, []filePart{
		{"photo", "a.jpg", []byte("a")},
		{"photo", "b.jpg", []byte("b")},
	})
	w := e.do(t, http.MethodPost, "/capsules", body, ct)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if n := len(testutil.MediaFiles(t, e.dir)); n != 0 {
		t.Errorf("orphan files = %d", n)
	}
	if n := len(e.svc.ListGated(context.Background(), testNow)); n != 0 {
		t.Errorf("capsules = %d, want 0", n)
	}
}

func TestCreate_PersistWarning(t *testing.T) {
	e := newEnv(t, "")
	e.kv.FailSet(true)

	body, ct := multipartBody(t, [][2]string{{"title", "volatile"}}, nil)
	w := e.do(t, http.MethodPost, "/capsules", body, ct)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	if w.Header().Get(headerPersistWarning) == "" {
		t.Error("missing persist warning header")
	}
	var resp CapsuleResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.PersistWarning == "" || resp.ID == "" {
		t.Errorf("response = %+v", resp)
	}

	w = e.do(t, http.MethodGet, "/status", nil, "")
	var st capsuleservice.Status
	_ = json.Unmarshal(w.Body.Bytes(), &st)
	if st.LastPersistError == "" || st.Capsules != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestShareFlow(t *testing.T) {
	e := newEnv(t, "")
	c := e.create(t, future)

	w := e.doJSON(t, http.MethodPost, "/capsules/"+c.ID+"/shares", ShareRequest{Email: "friend@example.com"})
	if w.Code != http.StatusOK {
		t.Fatalf("share = %d, body = %s", w.Code, w.Body.String())
	}
	var resp CapsuleResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.IsShared || len(resp.SharedWith) != 1 {
		t.Errorf("after share = %+v", resp)
	}

	// Duplicate is a no-op.
	w = e.doJSON(t, http.MethodPost, "/capsules/"+c.ID+"/shares", ShareRequest{Email: "friend@example.com"})
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if w.Code != http.StatusOK || len(resp.SharedWith) != 1 {
		t.Errorf("duplicate share = %d %+v", w.Code, resp.SharedWith)
	}

	if w = e.doJSON(t, http.MethodPost, "/capsules/"+c.ID+"/shares", ShareRequest{Email: "nope"}); w.Code != http.StatusBadRequest {
		t.Errorf("invalid email = %d, want 400", w.Code)
	}
	if w = e.doJSON(t, http.MethodPost, "/capsules/missing/shares", ShareRequest{Email: "a@b.com"}); w.Code != http.StatusNotFound {
		t.Errorf("unknown capsule = %d, want 404", w.Code)
	}

	w = e.do(t, http.MethodDelete, "/capsules/"+c.ID+"/shares/friend@example.com", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("unshare = %d", w.Code)
	}
	resp = CapsuleResponse{}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.IsShared || len(resp.SharedWith) != 0 {
		t.Errorf("after unshare = %+v", resp)
	}
}

func TestDeleteCapsule_Idempotent(t *testing.T) {
	e := newEnv(t, "")
	c := e.create(t, future, filePart{"photo", "a.jpg", []byte("a")})

	for i := 0; i < 2; i++ {
		w := e.do(t, http.MethodDelete, "/capsules/"+c.ID, nil, "")
		if w.Code != http.StatusNoContent {
			t.Fatalf("delete #%d = %d", i, w.Code)
		}
	}
	if n := len(testutil.MediaFiles(t, e.dir)); n != 0 {
		t.Errorf("files left = %d", n)
	}
	if w := e.do(t, http.MethodGet, "/capsules/"+c.ID, nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d", w.Code)
	}
}

func TestDeleteCapsule_CleanupWarning(t *testing.T) {
	e := newEnv(t, "")
	c := e.create(t, future, filePart{"photo", "a.jpg", []byte("a")})
	e.media.FailDelete = true

	w := e.do(t, http.MethodDelete, "/capsules/"+c.ID, nil, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", w.Code)
	}
	if w.Header().Get(headerCleanupWarning) == "" {
		t.Error("missing cleanup warning header")
	}
}

func uploadDraft(t *testing.T, e *testEnv, typ string, data []byte) MediaUploadResponse {
	t.Helper()
	body, ct := multipartBody(t, [][2]string{{"type", typ}}, []filePart{{"file", "upload.jpg", data}})
	w := e.do(t, http.MethodPost, "/media", body, ct)
	if w.Code != http.StatusCreated {
		t.Fatalf("upload = %d, body = %s", w.Code, w.Body.String())
	}
	var resp MediaUploadResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return resp
}

func TestDraftUploadAndCreateFromDraft(t *testing.T) {
	e := newEnv(t, "")
	kept := uploadDraft(t, e, "photo", []byte("keep"))
	dropped := uploadDraft(t, e, "photo", []byte("drop"))

	if w := e.do(t, http.MethodDelete, "/media/"+dropped.Ref, nil, ""); w.Code != http.StatusNoContent {
		t.Fatalf("discard = %d", w.Code)
	}

	w := e.doJSON(t, http.MethodPost, "/capsules/from-draft", CreateFromDraftRequest{
		Title: "drafted",
		Color: "gold",
		Media: []DraftMediaRef{{Type: "photo", Ref: kept.Ref}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("from-draft = %d, body = %s", w.Code, w.Body.String())
	}

	if w := e.do(t, http.MethodDelete, "/media/"+kept.Ref, nil, ""); w.Code != http.StatusConflict {
		t.Errorf("discard owned = %d, want 409", w.Code)
	}

	w = e.doJSON(t, http.MethodPost, "/capsules/from-draft", CreateFromDraftRequest{
		Title: "ghost",
		Media: []DraftMediaRef{{Type: "photo", Ref: dropped.Ref}},
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("from-draft with discarded ref = %d, want 404", w.Code)
	}
}

func TestCreateFromDraft_RefUsedTwice(t *testing.T) {
	e := newEnv(t, "")
	up := uploadDraft(t, e, "photo", []byte("once"))

	cases := map[string][]DraftMediaRef{
		"two items": {{Type: "photo", Ref: up.Ref}, {Type: "photo", Ref: up.Ref}},
		"thumbnail": {{Type: "video", Ref: up.Ref, ThumbnailRef: up.Ref}},
	}
	for name, refs := range cases {
		w := e.doJSON(t, http.MethodPost, "/capsules/from-draft", CreateFromDraftRequest{Title: name, Media: refs})
		if w.Code != http.StatusConflict {
			t.Errorf("%s: status = %d, want 409, body = %s", name, w.Code, w.Body.String())
		}
	}
	if n := len(e.svc.Repository().List()); n != 0 {
		t.Errorf("capsules = %d, want 0", n)
	}
}

func TestServeMedia_Gated(t *testing.T) {
	e := newEnv(t, "")
	locked := e.create(t, future, filePart{"photo", "a.jpg", []byte("locked")})
	open := e.create(t, past, filePart{"photo", "b.jpg", []byte("open")})

	lockedCapsule, ok := e.svc.Repository().Get(locked.ID)
	if !ok {
		t.Fatal("locked capsule missing")
	}
	if w := e.do(t, http.MethodGet, "/media/"+lockedCapsule.MediaItems[0].URL.String(), nil, ""); w.Code != http.StatusForbidden {
		t.Errorf("locked media = %d, want 403", w.Code)
	}

	w := e.do(t, http.MethodGet, "/media/"+open.Media[0].Ref, nil, "")
	if w.Code != http.StatusOK || w.Body.String() != "open" {
		t.Errorf("open media = %d %q", w.Code, w.Body.String())
	}

	if w := e.do(t, http.MethodGet, "/media/unknown.jpg", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown media = %d, want 404", w.Code)
	}
}

func TestRemoveMedia(t *testing.T) {
	e := newEnv(t, "")
	c := e.create(t, past, filePart{"photo", "a.jpg", []byte("a")}, filePart{"photo", "b.jpg", []byte("b")})

	path := "/capsules/" + c.ID + "/media/" + c.Media[0].ID
	if w := e.do(t, http.MethodDelete, path, nil, ""); w.Code != http.StatusNoContent {
		t.Fatalf("remove media = %d", w.Code)
	}
	if w := e.do(t, http.MethodDelete, path, nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("remove again = %d, want 404", w.Code)
	}
	if n := len(testutil.MediaFiles(t, e.dir)); n != 1 {
		t.Errorf("files left = %d, want 1", n)
	}
}

func TestAuthMiddleware(t *testing.T) {
	e := newEnv(t, "secret")

	if w := e.do(t, http.MethodGet, "/capsules", nil, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/capsules", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/capsules", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid token = %d, want 200", w.Code)
	}
}

func TestNewServer_HealthAndCORS(t *testing.T) {
	e := newEnv(t, "secret")
	srv := NewServer(e.svc, Options{AuthEnabled: true, Token: "secret", CORSOrigins: []string{"http://localhost:3000"}})

	for _, p := range []string{"/health/live", "/health/ready"} {
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, p, nil))
		if w.Code != http.StatusOK {
			t.Errorf("%s = %d", p, w.Code)
		}
	}

	req := httptest.NewRequest(http.MethodOptions, "/api/capsules", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("allow origin = %q", got)
	}

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/capsules", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("api without token = %d, want 401", w.Code)
	}
}

func TestSSEEndpointMounted(t *testing.T) {
	e := newEnv(t, "")
	sseHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
	})
	router := NewRouter(e.svc, Options{SSE: sseHandler})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/events", nil))
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "text/event-stream" {
		t.Errorf("events = %d %q", w.Code, w.Header().Get("Content-Type"))
	}
}
