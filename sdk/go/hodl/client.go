package hodl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the HODL Engine REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu        sync.RWMutex
	principal string
}

// DepositRequest represents the payload for crediting an account balance.
type DepositRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// Balance represents an account balance for a single asset. Amounts are
// human readable decimal strings.
type Balance struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

// Destination identifies a cross-domain delivery target for plan output.
type Destination struct {
	Domain    string `json:"domain"`
	Recipient string `json:"recipient"`
}

// PlanSubmission represents the payload required to create a new plan.
type PlanSubmission struct {
	FromAsset         string       `json:"from_asset"`
	ToAsset           string       `json:"to_asset"`
	TotalAmount       string       `json:"total_amount"`
	AmountPerInterval string       `json:"amount_per_interval"`
	IntervalSeconds   int64        `json:"interval_seconds"`
	StartTime         int64        `json:"start_time,omitempty"`
	Destination       *Destination `json:"destination,omitempty"`
}

// Plan contains the server side view of a recurring allocation plan.
type Plan struct {
	ID                string       `json:"id"`
	Owner             string       `json:"owner"`
	FromAsset         string       `json:"from_asset"`
	ToAsset           string       `json:"to_asset"`
	TotalAmount       string       `json:"total_amount"`
	RemainingAmount   string       `json:"remaining_amount"`
	AmountPerInterval string       `json:"amount_per_interval"`
	PendingAmount     string       `json:"pending_amount"`
	IntervalSeconds   int64        `json:"interval_seconds"`
	StartTime         int64        `json:"start_time"`
	LastExecutionTime *int64       `json:"last_execution_time,omitempty"`
	NextEligibleAt    int64        `json:"next_eligible_at,omitempty"`
	Status            string       `json:"status"`
	Destination       *Destination `json:"destination,omitempty"`
	CreatedAt         int64        `json:"created_at"`
	UpdatedAt         int64        `json:"updated_at"`
}

// Execution describes the result of a single plan execution.
type Execution struct {
	Plan         Plan   `json:"plan"`
	OutputAmount string `json:"output_amount"`
	DispatchID   string `json:"dispatch_id,omitempty"`
	Completed    bool   `json:"completed"`
}

// PlanStats aggregates plan counts for monitoring dashboards.
type PlanStats struct {
	Total           int64 `json:"total"`
	Active          int64 `json:"active"`
	Completed       int64 `json:"completed"`
	Cancelled       int64 `json:"cancelled"`
	OldestUpdatedAt int64 `json:"oldest_updated_at"`
	NewestUpdatedAt int64 `json:"newest_updated_at"`
}

// ListPlansOptions narrows the result of ListPlans. Zero values are omitted.
type ListPlansOptions struct {
	Owner  string
	Status string
	Limit  int
	Offset int
}

// APIError represents server side validation or internal errors. StatusCode
// comes from the HTTP response, never from the decoded body.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("hodl api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("hodl api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the HODL Engine API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// SetPrincipal stores the account identity attached to subsequent calls via
// the X-Hodl-Principal header.
func (c *Client) SetPrincipal(principal string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.principal = principal
}

// Principal returns the currently stored account identity.
func (c *Client) Principal() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.principal
}

// Deposit credits the principal's balance and returns the updated balance.
func (c *Client) Deposit(ctx context.Context, req DepositRequest) (Balance, error) {
	var balance Balance
	if err := c.post(ctx, "/api/v1/deposits", req, &balance); err != nil {
		return Balance{}, err
	}
	return balance, nil
}

// BalanceOf fetches the principal's balance for a single asset.
func (c *Client) BalanceOf(ctx context.Context, assetSymbol string) (Balance, error) {
	var balance Balance
	endpoint := "/api/v1/balances?asset=" + url.QueryEscape(assetSymbol)
	if err := c.get(ctx, endpoint, &balance); err != nil {
		return Balance{}, err
	}
	return balance, nil
}

// CreatePlan registers a new recurring allocation plan owned by the principal.
func (c *Client) CreatePlan(ctx context.Context, submission PlanSubmission) (Plan, error) {
	var plan Plan
	if err := c.post(ctx, "/api/v1/plans", submission, &plan); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// GetPlan fetches plan details by identifier.
func (c *Client) GetPlan(ctx context.Context, planID string) (Plan, error) {
	var plan Plan
	if err := c.get(ctx, "/api/v1/plans/"+url.PathEscape(planID), &plan); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// ListPlans returns plans matching the supplied filters.
func (c *Client) ListPlans(ctx context.Context, opts ListPlansOptions) ([]Plan, error) {
	query := url.Values{}
	if opts.Owner != "" {
		query.Set("owner", opts.Owner)
	}
	if opts.Status != "" {
		query.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	endpoint := "/api/v1/plans"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var plans []Plan
	if err := c.get(ctx, endpoint, &plans); err != nil {
		return nil, err
	}
	return plans, nil
}

// Stats returns aggregate plan counts, optionally scoped to one owner.
func (c *Client) Stats(ctx context.Context, owner string) (PlanStats, error) {
	endpoint := "/api/v1/plans/stats"
	if owner != "" {
		endpoint += "?owner=" + url.QueryEscape(owner)
	}
	var stats PlanStats
	if err := c.get(ctx, endpoint, &stats); err != nil {
		return PlanStats{}, err
	}
	return stats, nil
}

// ExecutePlan triggers one execution of a due plan.
func (c *Client) ExecutePlan(ctx context.Context, planID string) (Execution, error) {
	var execution Execution
	payload := struct {
		PlanID string `json:"plan_id"`
	}{PlanID: planID}
	if err := c.post(ctx, "/api/v1/plans/execute", payload, &execution); err != nil {
		return Execution{}, err
	}
	return execution, nil
}

// CancelPlan cancels a plan owned by the principal and refunds the remainder.
func (c *Client) CancelPlan(ctx context.Context, planID string) (Plan, error) {
	var plan Plan
	payload := struct {
		PlanID string `json:"plan_id"`
	}{PlanID: planID}
	if err := c.post(ctx, "/api/v1/plans/cancel", payload, &plan); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if principal := c.Principal(); principal != "" {
		req.Header.Set("X-Hodl-Principal", principal)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				// try direct decode into apiErr if server returned flat payload
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
