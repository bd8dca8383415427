package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"HODL-Engine/internal/exchange"
	"HODL-Engine/internal/ledger"
	"HODL-Engine/internal/plan"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	l := ledger.NewMemoryLedger()
	store := plan.NewMemoryStore()
	locks := plan.NewPlanLocks()
	converter, err := exchange.NewStaticConverter(map[string]string{"USDT/USDC": "1"}, 0)
	if err != nil {
		t.Fatalf("converter: %v", err)
	}
	registry := plan.NewRegistry(l, store, locks)
	engine := plan.NewEngine(l, store, converter, locks)
	server := httptest.NewServer(NewServer("", l, registry, engine).Handler())
	t.Cleanup(server.Close)
	return server
}

func doJSON(t *testing.T, method, url, principal, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if principal != "" {
		req.Header.Set("X-Hodl-Principal", principal)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func TestServerDepositAndBalance(t *testing.T) {
	server := newTestServer(t)

	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/v1/deposits", "alice",
		`{"asset":"USDT","amount":"100.5"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deposit status %d: %v", resp.StatusCode, payload)
	}
	if payload["balance"] != "100.5" {
		t.Fatalf("expected balance 100.5, got %v", payload["balance"])
	}

	resp, payload = doJSON(t, http.MethodGet, server.URL+"/api/v1/balances?asset=USDT", "alice", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("balance status %d", resp.StatusCode)
	}
	if payload["balance"] != "100.5" {
		t.Fatalf("expected balance 100.5, got %v", payload["balance"])
	}

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/v1/deposits", "",
		`{"asset":"USDT","amount":"1"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without principal, got %d", resp.StatusCode)
	}
}

func TestServerPlanLifecycle(t *testing.T) {
	server := newTestServer(t)

	if resp, _ := doJSON(t, http.MethodPost, server.URL+"/api/v1/deposits", "alice",
		`{"asset":"USDT","amount":"100"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("deposit failed: %d", resp.StatusCode)
	}

	resp, created := doJSON(t, http.MethodPost, server.URL+"/api/v1/plans", "alice",
		`{"from_asset":"USDT","to_asset":"USDC","total_amount":"100","amount_per_interval":"10","interval_seconds":60}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create plan status %d: %v", resp.StatusCode, created)
	}
	planID, _ := created["id"].(string)
	if planID == "" {
		t.Fatalf("expected plan id in response, got %v", created)
	}
	if created["status"] != "active" {
		t.Fatalf("expected active plan, got %v", created["status"])
	}

	resp, fetched := doJSON(t, http.MethodGet, server.URL+"/api/v1/plans/"+planID, "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get plan status %d", resp.StatusCode)
	}
	if fetched["id"] != planID {
		t.Fatalf("expected plan %s, got %v", planID, fetched["id"])
	}

	resp, executed := doJSON(t, http.MethodPost, server.URL+"/api/v1/plans/execute", "",
		`{"plan_id":"`+planID+`"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute status %d: %v", resp.StatusCode, executed)
	}
	if executed["output_amount"] != "10" {
		t.Fatalf("expected output 10, got %v", executed["output_amount"])
	}

	// 周期未满的重复执行被幂等拒绝。
	resp, conflicted := doJSON(t, http.MethodPost, server.URL+"/api/v1/plans/execute", "",
		`{"plan_id":"`+planID+`"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for premature execution, got %d: %v", resp.StatusCode, conflicted)
	}

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/v1/plans/cancel", "mallory",
		`{"plan_id":"`+planID+`"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign cancel, got %d", resp.StatusCode)
	}

	resp, cancelled := doJSON(t, http.MethodPost, server.URL+"/api/v1/plans/cancel", "alice",
		`{"plan_id":"`+planID+`"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %v", resp.StatusCode, cancelled)
	}
	if cancelled["status"] != "cancelled" {
		t.Fatalf("expected cancelled plan, got %v", cancelled["status"])
	}

	// 已执行 10，取消退回 90，加上产出 10 USDC。
	_, balance := doJSON(t, http.MethodGet, server.URL+"/api/v1/balances?asset=USDT", "alice", "")
	if balance["balance"] != "90" {
		t.Fatalf("expected 90 USDT refunded, got %v", balance["balance"])
	}
	_, usdc := doJSON(t, http.MethodGet, server.URL+"/api/v1/balances?asset=USDC", "alice", "")
	if usdc["balance"] != "10" {
		t.Fatalf("expected 10 USDC credited, got %v", usdc["balance"])
	}
}

func TestServerErrorMapping(t *testing.T) {
	server := newTestServer(t)

	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/v1/plans", "alice",
		`{"from_asset":"USDT","to_asset":"USDC","total_amount":"100","amount_per_interval":"10","interval_seconds":60}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for insufficient balance, got %d: %v", resp.StatusCode, payload)
	}
	errBody, _ := payload["error"].(map[string]any)
	if errBody["code"] != "INSUFFICIENT_BALANCE" {
		t.Fatalf("expected INSUFFICIENT_BALANCE code, got %v", errBody)
	}

	resp, _ = doJSON(t, http.MethodGet, server.URL+"/api/v1/plans/does-not-exist", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing plan, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/v1/deposits", "alice",
		`{"asset":"DOGE","amount":"1"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported asset, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/v1/deposits", "alice",
		`{"asset":"USDT","amount":"1.0000001"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for over-precision amount, got %d", resp.StatusCode)
	}
}
