package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/InsulaLabs/edgegate/db/models"
)

const (
	defaultTimeout = 30 * time.Second

	DefaultDeviceIDHeader    = "Device-ID"
	DefaultDeviceTokenHeader = "Device-Token"
	UploadField              = "files"
)

type Config struct {
	// BaseURL of the edgegate daemon, e.g. https://edge.example.com
	BaseURL     string
	DeviceID    string
	DeviceToken string

	DeviceIDHeader    string
	DeviceTokenHeader string

	SkipVerify bool
	Timeout    time.Duration
	// Retries bounds attempts on 503 responses; zero means 3.
	Retries int
	Logger  *slog.Logger
}

// Client talks to edgegate on behalf of one device.
type Client struct {
	baseURL     *url.URL
	httpClient  *http.Client
	deviceID    string
	deviceToken string
	idHeader    string
	tokenHeader string
	retries     int
	logger      *slog.Logger
}

type UploadSummary struct {
	Stored  int
	Skipped int
}

func NewClient(cfg *Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("baseURL cannot be empty")
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("deviceID cannot be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	clientLogger := cfg.Logger.WithGroup("edgegate_client")

	baseURL, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL '%s': %w", cfg.BaseURL, err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("base URL '%s' must be http or https", cfg.BaseURL)
	}
	if baseURL.Scheme == "http" {
		clientLogger.Warn("Connecting without TLS, device token is sent in clear text", "base_url", baseURL.String())
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = defaultRetries
	}
	if cfg.DeviceIDHeader == "" {
		cfg.DeviceIDHeader = DefaultDeviceIDHeader
	}
	if cfg.DeviceTokenHeader == "" {
		cfg.DeviceTokenHeader = DefaultDeviceTokenHeader
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.SkipVerify},
		},
		Timeout: cfg.Timeout,
		// the upload redirect is the final answer, not something to follow
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	clientLogger.Debug("Edgegate client initialized", "base_url", baseURL.String(), "tls_skip_verify", cfg.SkipVerify)

	return &Client{
		baseURL:     baseURL,
		httpClient:  httpClient,
		deviceID:    cfg.DeviceID,
		deviceToken: cfg.DeviceToken,
		idHeader:    cfg.DeviceIDHeader,
		tokenHeader: cfg.DeviceTokenHeader,
		retries:     cfg.Retries,
		logger:      clientLogger,
	}, nil
}

func (c *Client) url(path string) string {
	return c.baseURL.String() + path
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request %s %s: %w", method, path, err)
	}
	req.Header.Set(c.idHeader, c.deviceID)
	req.Header.Set(c.tokenHeader, c.deviceToken)
	return req, nil
}

// do sends req and checks the status. Non-2xx and non-redirect responses
// are returned as *ServerError.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	c.logger.Debug("Sending request", "method", req.Method, "url", req.URL.String())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request %s %s failed: %w", req.Method, req.URL.String(), err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return resp, nil
	}
	defer resp.Body.Close()

	c.logger.Warn("Received non-2xx status code", "method", req.Method, "url", req.URL.String(), "status_code", resp.StatusCode)
	serverErr := &ServerError{StatusCode: resp.StatusCode}
	var errorResp models.ErrorResponse
	if bodyBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); readErr == nil {
		if jsonErr := json.Unmarshal(bodyBytes, &errorResp); jsonErr == nil {
			serverErr.ErrorType = errorResp.ErrorType
			serverErr.Message = errorResp.Message
		}
	}
	return nil, serverErr
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, target any) error {
	return withRetriesVoid(ctx, c.logger, c.retries, defaultRetryBackoff, func() error {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("failed to marshal request body for %s %s: %w", method, path, err)
			}
			reader = bytes.NewReader(data)
		}
		req, err := c.newRequest(ctx, method, path, reader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if target != nil {
			if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
				return fmt.Errorf("failed to decode response body for %s %s (status %d): %w", method, path, resp.StatusCode, err)
			}
		}
		return nil
	})
}

func (c *Client) credentials() models.DeviceCredentials {
	return models.DeviceCredentials{DeviceID: c.deviceID, DeviceToken: c.deviceToken}
}

// Register creates the device record. ErrConflict if the id is taken.
func (c *Client) Register(ctx context.Context) (string, error) {
	var resp models.MessageResponse
	err := c.doJSON(ctx, http.MethodPost, "/register-device", c.credentials(), &resp)
	return resp.Message, err
}

// Attest proves token possession. ErrForbidden on an unknown device or a
// wrong token.
func (c *Client) Attest(ctx context.Context) (string, error) {
	var resp models.MessageResponse
	err := c.doJSON(ctx, http.MethodPost, "/attest-device", c.credentials(), &resp)
	return resp.Message, err
}

func (c *Client) Status(ctx context.Context) (models.DeviceStatusResponse, error) {
	var resp models.DeviceStatusResponse
	err := c.doJSON(ctx, http.MethodGet, "/api/device", nil, &resp)
	return resp, err
}

func (c *Client) ListFiles(ctx context.Context) ([]models.FileEntry, error) {
	var entries []models.FileEntry
	err := c.doJSON(ctx, http.MethodGet, "/api/files", nil, &entries)
	return entries, err
}

func (c *Client) Health(ctx context.Context) (models.HealthResponse, error) {
	var resp models.HealthResponse
	err := c.doJSON(ctx, http.MethodGet, "/healthz", nil, &resp)
	return resp, err
}

// UploadFiles sends the named local files in one multipart request. Files
// already present on the server are skipped there and counted in Skipped.
func (c *Client) UploadFiles(ctx context.Context, paths ...string) (UploadSummary, error) {
	if len(paths) == 0 {
		return UploadSummary{}, fmt.Errorf("no files to upload")
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return UploadSummary{}, fmt.Errorf("cannot upload %s: %w", p, err)
		}
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeFileParts(mw, paths))
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/upload-files", pr)
	if err != nil {
		pr.Close()
		return UploadSummary{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		pr.CloseWithError(err)
		return UploadSummary{}, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	stored, _ := strconv.Atoi(resp.Header.Get("X-Files-Stored"))
	skipped, _ := strconv.Atoi(resp.Header.Get("X-Files-Skipped"))
	c.logger.Info("Upload complete", "stored", stored, "skipped", skipped)
	return UploadSummary{Stored: stored, Skipped: skipped}, nil
}

func writeFileParts(mw *multipart.Writer, paths []string) error {
	for _, p := range paths {
		if err := writeFilePart(mw, p); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writeFilePart(mw *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	part, err := mw.CreateFormFile(UploadField, filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

// Download writes the content of a stored file to w.
func (c *Client) Download(ctx context.Context, name string, w io.Writer) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/files/"+url.PathEscape(name), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}
