package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"time"

	"github.com/ruteri/apas-records-backend/api"
	"github.com/ruteri/apas-records-backend/interfaces"
)

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with code %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status code back to the domain error the server
// started from, so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return interfaces.ErrUnauthenticated
	case http.StatusForbidden:
		return interfaces.ErrForbidden
	case http.StatusBadRequest:
		return interfaces.ErrInvalidInput
	case http.StatusNotFound:
		return interfaces.ErrNotFound
	case http.StatusConflict:
		return interfaces.ErrConflict
	default:
		return nil
	}
}

// RecordsClient talks to the records API. It keeps the session cookie
// in a jar, so Login must be called before any authenticated method.
type RecordsClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewRecordsClient creates a client for the API at baseURL
// (e.g., "https://records.example.com:8443").
//
// Parameters:
//   - baseURL: The base URL of the records API
//   - timeout: Request timeout duration (optional, default 30 seconds)
func NewRecordsClient(baseURL string, timeout ...time.Duration) (*RecordsClient, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	return &RecordsClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: clientTimeout,
			Jar:     jar,
		},
	}, nil
}

// Login authenticates and stores the session cookie.
func (c *RecordsClient) Login(ctx context.Context, username, password string) (*api.IdentityResponse, error) {
	var resp api.IdentityResponse
	err := c.do(ctx, http.MethodPost, "/api/login", api.LoginRequest{Username: username, Password: password}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logout ends the session.
func (c *RecordsClient) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/logout", nil, nil)
}

// Me returns the identity behind the current session.
func (c *RecordsClient) Me(ctx context.Context) (*api.IdentityResponse, error) {
	var resp api.IdentityResponse
	if err := c.do(ctx, http.MethodGet, "/api/me", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AddRecord submits one record as the logged in instructor.
func (c *RecordsClient) AddRecord(ctx context.Context, req api.AddRecordRequest) (*api.AddRecordResponse, error) {
	var resp api.AddRecordResponse
	if err := c.do(ctx, http.MethodPost, "/api/add_record", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AddRecords submits a batch of records.
func (c *RecordsClient) AddRecords(ctx context.Context, recs []api.AddRecordRequest) (*api.AddRecordsResponse, error) {
	var resp api.AddRecordsResponse
	if err := c.do(ctx, http.MethodPost, "/api/add_records", api.AddRecordsRequest{Records: recs}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StudentRecords returns the records of one student.
func (c *RecordsClient) StudentRecords(ctx context.Context, username string) ([]interfaces.ConfidentialRecord, error) {
	var resp []interfaces.ConfidentialRecord
	err := c.do(ctx, http.MethodGet, "/api/student/"+url.PathEscape(username), nil, &resp)
	return resp, err
}

// InstructorRecords returns the records submitted by one instructor.
func (c *RecordsClient) InstructorRecords(ctx context.Context, username string) ([]interfaces.ConfidentialRecord, error) {
	var resp []interfaces.ConfidentialRecord
	err := c.do(ctx, http.MethodGet, "/api/instructor/"+url.PathEscape(username), nil, &resp)
	return resp, err
}

// Alerts lists all alerts, newest first.
func (c *RecordsClient) Alerts(ctx context.Context) ([]interfaces.Alert, error) {
	var resp []interfaces.Alert
	err := c.do(ctx, http.MethodGet, "/api/alerts", nil, &resp)
	return resp, err
}

// Export renders and stores an anonymised report.
func (c *RecordsClient) Export(ctx context.Context) (*api.ExportResponse, error) {
	var resp api.ExportResponse
	if err := c.do(ctx, http.MethodGet, "/api/export", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchExport downloads a stored report as CSV.
func (c *RecordsClient) FetchExport(ctx context.Context, id interfaces.ContentID) ([]byte, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/export/"+id.String(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// AuditLogs returns up to limit audit entries; zero uses the server default.
func (c *RecordsClient) AuditLogs(ctx context.Context, limit int) ([]interfaces.AuditEntry, error) {
	path := "/api/audit_logs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp []interfaces.AuditEntry
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

// Settings returns the risk threshold, model version and all settings.
func (c *RecordsClient) Settings(ctx context.Context) (*api.SettingsResponse, error) {
	var resp api.SettingsResponse
	if err := c.do(ctx, http.MethodGet, "/api/settings", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetSetting upserts one setting.
func (c *RecordsClient) SetSetting(ctx context.Context, key, value string) error {
	return c.do(ctx, http.MethodPost, "/api/settings", api.SettingRequest{Key: key, Value: api.FlexValue(value)}, nil)
}

// RetrainModel advances the model version and returns the new one.
func (c *RecordsClient) RetrainModel(ctx context.Context) (string, error) {
	var resp api.RetrainResponse
	if err := c.do(ctx, http.MethodPost, "/api/retrain_model", nil, &resp); err != nil {
		return "", err
	}
	return resp.ModelVersion, nil
}

// Drain takes the server out of load balancer rotation. Admin only.
func (c *RecordsClient) Drain(ctx context.Context) (string, error) {
	return c.readiness(ctx, "/drain")
}

// Undrain puts the server back into rotation. Admin only.
func (c *RecordsClient) Undrain(ctx context.Context) (string, error) {
	return c.readiness(ctx, "/undrain")
}

func (c *RecordsClient) readiness(ctx context.Context, path string) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// ListUsers returns all identities.
func (c *RecordsClient) ListUsers(ctx context.Context) ([]interfaces.Identity, error) {
	var resp []interfaces.Identity
	err := c.do(ctx, http.MethodGet, "/api/users", nil, &resp)
	return resp, err
}

// CreateUser creates an identity. An empty role creates a student.
func (c *RecordsClient) CreateUser(ctx context.Context, username, password, role string) (*api.UserResponse, error) {
	var resp api.UserResponse
	err := c.do(ctx, http.MethodPost, "/api/users", api.CreateUserRequest{Username: username, Password: password, Role: role}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RecordsClient) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", path, err)
	}
	return nil
}

// send performs the request and turns non-2xx responses into *APIError.
// The caller closes the body of a successful response.
func (c *RecordsClient) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s request failed: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(raw)}
		var errResp api.ErrorResponse
		if json.Unmarshal(raw, &errResp) == nil && errResp.Message != "" {
			apiErr.Message = errResp.Message
		}
		return nil, apiErr
	}

	return resp, nil
}

// IsStatus reports whether err is an *APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}
