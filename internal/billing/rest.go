package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/OverClawApp/releases-sub001/internal/config"
)

// apiKeyPrefix marks gateway-issued API keys; other bearer tokens are
// treated as auth-service session tokens.
const apiKeyPrefix = "oc_"

// RESTLedger talks to a Supabase-style backend: PostgREST tables under
// /rest/v1 and the auth service under /auth/v1.
type RESTLedger struct {
	baseURL    string
	serviceKey string
	client     *http.Client
}

func NewRESTLedger(cfg config.SupabaseConfig, client *http.Client) (*RESTLedger, error) {
	if strings.TrimSpace(cfg.URL) == "" || strings.TrimSpace(cfg.ServiceKey) == "" {
		return nil, errors.New("supabase url and service key are required")
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &RESTLedger{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		serviceKey: cfg.ServiceKey,
		client:     client,
	}, nil
}

type restStatusError struct {
	status int
	body   string
}

func (e *restStatusError) Error() string {
	return fmt.Sprintf("ledger status %d: %s", e.status, e.body)
}

// do sends one request. bearer overrides the service key in Authorization.
func (l *RESTLedger) do(ctx context.Context, method, path string, query url.Values, bearer string, body, out any) error {
	u := l.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if bearer == "" {
		bearer = l.serviceKey
	}
	req.Header.Set("apikey", l.serviceKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=minimal")
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &restStatusError{status: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (l *RESTLedger) Authenticate(ctx context.Context, token string) (string, error) {
	if strings.HasPrefix(token, apiKeyPrefix) {
		var rows []struct {
			UserID string `json:"user_id"`
		}
		q := url.Values{"select": {"user_id"}, "api_key": {"eq." + token}, "limit": {"1"}}
		if err := l.do(ctx, http.MethodGet, "/rest/v1/user_api_keys", q, "", nil, &rows); err != nil {
			return "", err
		}
		if len(rows) == 0 || rows[0].UserID == "" {
			return "", ErrUnauthorized
		}
		return rows[0].UserID, nil
	}

	var user struct {
		ID string `json:"id"`
	}
	err := l.do(ctx, http.MethodGet, "/auth/v1/user", nil, token, nil, &user)
	var se *restStatusError
	if errors.As(err, &se) && (se.status == http.StatusUnauthorized || se.status == http.StatusForbidden) {
		return "", ErrUnauthorized
	}
	if err != nil {
		return "", err
	}
	if user.ID == "" {
		return "", ErrUnauthorized
	}
	return user.ID, nil
}

func (l *RESTLedger) Balance(ctx context.Context, userID string) (int64, error) {
	var rows []struct {
		Balance int64 `json:"balance"`
	}
	q := url.Values{"select": {"balance"}, "user_id": {"eq." + userID}, "limit": {"1"}}
	if err := l.do(ctx, http.MethodGet, "/rest/v1/token_balances", q, "", nil, &rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Balance, nil
}

// Deduct calls the deduct_tokens function and then appends the usage row.
// The usage row is written even when the deduction fails.
func (l *RESTLedger) Deduct(ctx context.Context, rec UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rpcErr := l.do(ctx, http.MethodPost, "/rest/v1/rpc/deduct_tokens", nil, "", map[string]any{
		"p_user_id": rec.UserID,
		"p_amount":  rec.TokensCharged,
	}, nil)
	if rpcErr != nil {
		rpcErr = fmt.Errorf("deduct_tokens: %w", rpcErr)
	}
	logErr := l.do(ctx, http.MethodPost, "/rest/v1/usage_logs", nil, "", rec, nil)
	if logErr != nil {
		logErr = fmt.Errorf("usage_logs insert: %w", logErr)
	}
	return errors.Join(rpcErr, logErr)
}

func (l *RESTLedger) Usage(ctx context.Context, userID string, limit int) ([]UsageRecord, error) {
	q := url.Values{
		"select":  {"*"},
		"user_id": {"eq." + userID},
		"order":   {"created_at.desc"},
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var rows []UsageRecord
	if err := l.do(ctx, http.MethodGet, "/rest/v1/usage_logs", q, "", nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}
