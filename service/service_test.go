package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/InsulaLabs/edgegate/config"
	"github.com/InsulaLabs/edgegate/db/blob"
	"github.com/InsulaLabs/edgegate/db/models"
	"github.com/InsulaLabs/edgegate/db/records"
	"github.com/InsulaLabs/edgegate/db/tkv"
	"github.com/InsulaLabs/edgegate/objects"
	"github.com/InsulaLabs/edgegate/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingBlobs records every call that reaches the blob store.
type countingBlobs struct {
	blob.Store
	calls atomic.Int64
}

func (c *countingBlobs) List(ctx context.Context) iter.Seq2[models.Blob, error] {
	c.calls.Add(1)
	return c.Store.List(ctx)
}

func (c *countingBlobs) Put(ctx context.Context, name, contentType string, content io.Reader) (models.Blob, error) {
	c.calls.Add(1)
	return c.Store.Put(ctx, name, contentType, content)
}

func (c *countingBlobs) Open(ctx context.Context, name string) (io.ReadCloser, models.Blob, error) {
	c.calls.Add(1)
	return c.Store.Open(ctx, name)
}

// countingRecords counts record reads.
type countingRecords struct {
	records.Store
	gets atomic.Int64
	err  error
}

func (c *countingRecords) Get(ctx context.Context, id string) (models.DeviceRecord, error) {
	c.gets.Add(1)
	if c.err != nil {
		return models.DeviceRecord{}, c.err
	}
	return c.Store.Get(ctx, id)
}

type harness struct {
	svc     *Service
	handler http.Handler
	blobs   *countingBlobs
	records *countingRecords
}

type harnessOpts struct {
	policy   registry.Policy
	prefixes []string
	cacheTTL time.Duration
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	kv, err := tkv.New(tkv.Config{Logger: logger, BadgerLogLevel: slog.LevelError, InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	recs := &countingRecords{Store: records.NewBadgerStore(logger, kv)}
	reg, err := registry.New(registry.Config{Logger: logger, Store: recs, Policy: opts.policy})
	require.NoError(t, err)

	local, err := blob.NewLocal(blob.LocalConfig{Logger: logger, KV: kv, Directory: t.TempDir(), Container: "uploaded-files"})
	require.NoError(t, err)
	blobs := &countingBlobs{Store: local}
	gw, err := objects.New(objects.Config{Logger: logger, Store: blobs})
	require.NoError(t, err)
	require.NoError(t, gw.EnsureContainer(context.Background()))

	svc, err := New(Config{
		Logger: logger,
		Gate: config.Gate{
			ProtectedPrefixes: opts.prefixes,
			DeviceIDHeader:    config.DefaultDeviceIDHeader,
			DeviceTokenHeader: config.DefaultDeviceTokenHeader,
			CacheTTL:          opts.cacheTTL,
		},
	}, reg, gw)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	blobs.calls.Store(0)
	return &harness{svc: svc, handler: svc.Handler(), blobs: blobs, records: recs}
}

func (h *harness) do(t *testing.T, method, path string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

func (h *harness) postJSON(t *testing.T, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return h.do(t, http.MethodPost, path, bytes.NewReader(data), http.Header{"Content-Type": {"application/json"}})
}

func creds(id, token string) http.Header {
	h := http.Header{}
	h.Set(config.DefaultDeviceIDHeader, id)
	h.Set(config.DefaultDeviceTokenHeader, token)
	return h
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var e models.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &e), rr.Body.String())
	return e
}

func (h *harness) enroll(t *testing.T, id, token string, attest bool) {
	t.Helper()
	rr := h.postJSON(t, PathRegisterDevice, models.DeviceCredentials{DeviceID: id, DeviceToken: token})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	if attest {
		rr = h.postJSON(t, PathAttestDevice, models.DeviceCredentials{DeviceID: id, DeviceToken: token})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}
}

func multipartBody(t *testing.T, files map[string][]string, contents map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for field, names := range files {
		for _, name := range names {
			fw, err := mw.CreateFormFile(field, name)
			require.NoError(t, err)
			_, err = fw.Write([]byte(contents[name]))
			require.NoError(t, err)
		}
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestRegisterAndAttest(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	rr := h.postJSON(t, PathRegisterDevice, models.DeviceCredentials{DeviceID: "dev-1", DeviceToken: "secret"})
	require.Equal(t, http.StatusCreated, rr.Code)
	var msg models.MessageResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &msg))
	assert.NotEmpty(t, msg.Message)

	rr = h.postJSON(t, PathRegisterDevice, models.DeviceCredentials{DeviceID: "dev-1", DeviceToken: "other"})
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "Conflict", decodeError(t, rr).ErrorType)

	rr = h.postJSON(t, PathRegisterDevice, models.DeviceCredentials{DeviceID: "dev-2"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "InvalidInput", decodeError(t, rr).ErrorType)

	rr = h.do(t, http.MethodPost, PathRegisterDevice, strings.NewReader("{not json"), nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.postJSON(t, PathAttestDevice, models.DeviceCredentials{DeviceID: "ghost", DeviceToken: "secret"})
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, registry.ReasonNotRegistered, decodeError(t, rr).Message)

	rr = h.postJSON(t, PathAttestDevice, models.DeviceCredentials{DeviceID: "dev-1", DeviceToken: "wrong"})
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, registry.ReasonInvalidToken, decodeError(t, rr).Message)

	for i := 0; i < 2; i++ {
		rr = h.postJSON(t, PathAttestDevice, models.DeviceCredentials{DeviceID: "dev-1", DeviceToken: "secret"})
		require.Equal(t, http.StatusOK, rr.Code)
	}

	rr = h.do(t, http.MethodGet, PathRegisterDevice, nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestGate_MissingTokenNeverReachesStore(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.enroll(t, "dev-1", "secret", true)

	header := http.Header{}
	header.Set(config.DefaultDeviceIDHeader, "dev-1")
	rr := h.do(t, http.MethodGet, PathFiles, nil, header)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "Unauthenticated", decodeError(t, rr).ErrorType)
	assert.Equal(t, int64(0), h.blobs.calls.Load())

	rr = h.do(t, http.MethodGet, PathFiles, nil, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, int64(0), h.blobs.calls.Load())
}

func TestGate_StrictPolicy(t *testing.T) {
	h := newHarness(t, harnessOpts{policy: registry.PolicyStrict})
	h.enroll(t, "dev-1", "secret", false)

	rr := h.do(t, http.MethodGet, PathFiles, nil, creds("dev-1", "secret"))
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, registry.ReasonNotAttested, decodeError(t, rr).Message)

	rr = h.do(t, http.MethodGet, PathFiles, nil, creds("dev-1", "wrong"))
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, registry.ReasonInvalidToken, decodeError(t, rr).Message)

	rr = h.do(t, http.MethodGet, PathFiles, nil, creds("nobody", "secret"))
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, registry.ReasonNotRegistered, decodeError(t, rr).Message)

	rr = h.do(t, http.MethodGet, PathIndex, nil, creds("dev-1", "secret"))
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, int64(0), h.blobs.calls.Load())

	rr = h.postJSON(t, PathAttestDevice, models.DeviceCredentials{DeviceID: "dev-1", DeviceToken: "secret"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = h.do(t, http.MethodGet, PathFiles, nil, creds("dev-1", "secret"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
}

func TestGate_RelaxedPolicy(t *testing.T) {
	h := newHarness(t, harnessOpts{
		policy:   registry.PolicyRelaxed,
		prefixes: []string{"/api", "/upload-files", "/files/"},
	})
	h.enroll(t, "dev-1", "secret", false)

	rr := h.do(t, http.MethodGet, PathFiles, nil, creds("dev-1", "secret"))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = h.do(t, http.MethodGet, PathFiles, nil, creds("dev-1", "wrong"))
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = h.do(t, http.MethodGet, PathDevice, nil, creds("dev-1", "secret"))
	require.Equal(t, http.StatusOK, rr.Code)
	var status models.DeviceStatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, models.DeviceStateRegistered, status.State)
	assert.False(t, status.Attested)

	// the listing page is left public here
	rr = h.do(t, http.MethodGet, PathIndex, nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `action="/upload-files"`)
}

func TestGate_HeadersCaseInsensitive(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.enroll(t, "dev-1", "secret", true)

	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+PathFiles, nil)
	require.NoError(t, err)
	req.Header["device-id"] = []string{"dev-1"}
	req.Header["DEVICE-TOKEN"] = []string{"secret"}

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))
}

func TestGate_AdmissionCache(t *testing.T) {
	h := newHarness(t, harnessOpts{cacheTTL: time.Minute})
	h.enroll(t, "dev-1", "secret", true)

	before := h.records.gets.Load()
	for i := 0; i < 3; i++ {
		rr := h.do(t, http.MethodGet, PathFiles, nil, creds("dev-1", "secret"))
		require.Equal(t, http.StatusOK, rr.Code)
	}
	assert.Equal(t, before+1, h.records.gets.Load())

	// a wrong token is never served from the cache
	rr := h.do(t, http.MethodGet, PathFiles, nil, creds("dev-1", "wrong"))
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestGate_StoreUnavailable(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.records.err = errors.New("connection reset")

	rr := h.do(t, http.MethodGet, PathFiles, nil, creds("dev-1", "secret"))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	e := decodeError(t, rr)
	assert.Equal(t, "StoreUnavailable", e.ErrorType)
	assert.NotContains(t, e.Message, "connection reset")
}

func TestUploadBatch_SkipsExisting(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.enroll(t, "dev-1", "secret", true)

	body, contentType := multipartBody(t, map[string][]string{UploadField: {"a.png"}}, map[string]string{"a.png": "original"})
	header := creds("dev-1", "secret")
	header.Set("Content-Type", contentType)
	rr := h.do(t, http.MethodPost, PathUploadFiles, body, header)
	require.Equal(t, http.StatusSeeOther, rr.Code)

	body, contentType = multipartBody(t,
		map[string][]string{UploadField: {"a.png"}, LegacyUploadField: {"b.png"}},
		map[string]string{"a.png": "replacement", "b.png": "fresh"},
	)
	header.Set("Content-Type", contentType)
	rr = h.do(t, http.MethodPost, PathUploadFiles, body, header)
	require.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, PathIndex, rr.Header().Get("Location"))
	assert.Equal(t, "1", rr.Header().Get("X-Files-Stored"))
	assert.Equal(t, "1", rr.Header().Get("X-Files-Skipped"))

	rr = h.do(t, http.MethodGet, "/files/a.png", nil, creds("dev-1", "secret"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "original", rr.Body.String())

	rr = h.do(t, http.MethodGet, "/files/b.png", nil, creds("dev-1", "secret"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "fresh", rr.Body.String())

	rr = h.do(t, http.MethodGet, "/files/c.png", nil, creds("dev-1", "secret"))
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListFiles_AfterUpload(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.enroll(t, "dev-1", "secret", true)

	body, contentType := multipartBody(t, map[string][]string{UploadField: {"x.png"}}, map[string]string{"x.png": "png-bytes"})
	header := creds("dev-1", "secret")
	header.Set("Content-Type", contentType)
	rr := h.do(t, http.MethodPost, PathUploadFiles, body, header)
	require.Equal(t, http.StatusSeeOther, rr.Code)

	rr = h.do(t, http.MethodGet, PathFiles, nil, creds("dev-1", "secret"))
	require.Equal(t, http.StatusOK, rr.Code)

	var entries []models.FileEntry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "x.png", entries[0].Name)
	assert.Positive(t, entries[0].Size)
	assert.Equal(t, "/files/x.png", entries[0].URL)

	rr = h.do(t, http.MethodGet, PathIndex, nil, creds("dev-1", "secret"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `src="/files/x.png"`)
}

func TestUpload_NotMultipart(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.enroll(t, "dev-1", "secret", true)

	rr := h.do(t, http.MethodPost, PathUploadFiles, strings.NewReader("plain"), creds("dev-1", "secret"))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, int64(0), h.blobs.calls.Load())
}

func TestFile_MissingIsJSON(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.enroll(t, "dev-1", "secret", true)

	rr := h.do(t, http.MethodGet, "/files/missing.png", nil, creds("dev-1", "secret"))
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	e := decodeError(t, rr)
	assert.Equal(t, ErrorTypeNotFound, e.ErrorType)
	assert.Equal(t, "file not found", e.Message)
}

func TestDeviceStatusAndHealth(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.enroll(t, "dev-1", "secret", true)

	rr := h.do(t, http.MethodGet, PathDevice, nil, creds("dev-1", "secret"))
	require.Equal(t, http.StatusOK, rr.Code)
	var status models.DeviceStatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, "dev-1", status.DeviceID)
	assert.Equal(t, models.DeviceStateAttested, status.State)
	assert.True(t, status.Attested)

	rr = h.do(t, http.MethodGet, PathHealth, nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var health models.HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
}

func TestIsProtected(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	tests := []struct {
		path string
		want bool
	}{
		{"/", true},
		{"/api/files", true},
		{"/api", true},
		{"/apix", false},
		{"/upload-files", true},
		{"/files/a.png", true},
		{"/register-device", false},
		{"/attest-device", false},
		{"/healthz", false},
		{"/unknown", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, h.svc.isProtected(tt.path), tt.path)
	}
}
