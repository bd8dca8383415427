package hodl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDepositSendsPrincipalHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/deposits" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if got := r.Header.Get("X-Hodl-Principal"); got != "alice" {
			t.Fatalf("expected principal alice, got %q", got)
		}
		var req DepositRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(Balance{Account: "alice", Asset: req.Asset, Balance: req.Amount})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	client.SetPrincipal("alice")

	balance, err := client.Deposit(context.Background(), DepositRequest{Asset: "USDT", Amount: "100"})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if balance.Balance != "100" {
		t.Fatalf("expected balance 100, got %q", balance.Balance)
	}
}

func TestCreateAndExecutePlan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/plans":
			var submission PlanSubmission
			if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
				t.Fatalf("decode submission: %v", err)
			}
			if submission.FromAsset != "USDT" || submission.IntervalSeconds != 60 {
				t.Fatalf("unexpected submission: %+v", submission)
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(Plan{ID: "plan-1", Status: "active"})
		case "/api/v1/plans/execute":
			var payload struct {
				PlanID string `json:"plan_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Fatalf("decode execute payload: %v", err)
			}
			if payload.PlanID != "plan-1" {
				t.Fatalf("unexpected plan id: %s", payload.PlanID)
			}
			_ = json.NewEncoder(w).Encode(Execution{
				Plan:         Plan{ID: "plan-1", Status: "active"},
				OutputAmount: "10",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	client.SetPrincipal("alice")

	plan, err := client.CreatePlan(context.Background(), PlanSubmission{
		FromAsset:         "USDT",
		ToAsset:           "USDC",
		TotalAmount:       "100",
		AmountPerInterval: "10",
		IntervalSeconds:   60,
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if plan.ID != "plan-1" {
		t.Fatalf("unexpected plan id: %s", plan.ID)
	}

	execution, err := client.ExecutePlan(context.Background(), plan.ID)
	if err != nil {
		t.Fatalf("execute plan: %v", err)
	}
	if execution.OutputAmount != "10" {
		t.Fatalf("unexpected output amount: %s", execution.OutputAmount)
	}
}

func TestListPlansEncodesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/plans" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		query := r.URL.Query()
		if query.Get("owner") != "alice" || query.Get("status") != "active" || query.Get("limit") != "5" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]Plan{{ID: "plan-1"}, {ID: "plan-2"}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	plans, err := client.ListPlans(context.Background(), ListPlansOptions{Owner: "alice", Status: "active", Limit: 5})
	if err != nil {
		t.Fatalf("list plans: %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("expected 2 plans, got %d", len(plans))
	}
}

func TestGetPlanError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(struct {
			Error APIError `json:"error"`
		}{Error: APIError{Code: "PLAN_NOT_FOUND", Message: "missing"}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	_, err := client.GetPlan(context.Background(), "plan-404")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "PLAN_NOT_FOUND" || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}
