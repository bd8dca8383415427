package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"HODL-Engine/internal/asset"
	xerrors "HODL-Engine/internal/errors"
	"HODL-Engine/internal/ledger"
	"HODL-Engine/internal/observability/metrics"
	"HODL-Engine/internal/plan"
)

// principalHeader 携带调用方账户。所有写操作与余额查询都要求显式
// 提供，服务端不做身份推断。
const principalHeader = "X-Hodl-Principal"

// Server 负责暴露 REST 接口，供外部管理账户与定投计划。
type Server struct {
	addr     string
	ledger   ledger.Ledger
	registry *plan.Registry
	engine   *plan.Engine
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, l ledger.Ledger, registry *plan.Registry, engine *plan.Engine) *Server {
	return &Server{addr: addr, ledger: l, registry: registry, engine: engine}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回路由完成的 HTTP 处理器，便于测试直接挂载。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/deposits", s.instrument("deposits", s.handleDeposit))
	mux.HandleFunc("/api/v1/balances", s.instrument("balances", s.handleBalance))
	mux.HandleFunc("/api/v1/plans", s.instrument("plans", s.handlePlans))
	mux.HandleFunc("/api/v1/plans/", s.instrument("plan_get", s.handleGetPlan))
	mux.HandleFunc("/api/v1/plans/stats", s.instrument("plan_stats", s.handleStats))
	mux.HandleFunc("/api/v1/plans/execute", s.instrument("plan_execute", s.handleExecute))
	mux.HandleFunc("/api/v1/plans/cancel", s.instrument("plan_cancel", s.handleCancel))
	return mux
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(started))
	}
}

type depositRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type balanceResponse struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 POST"))
		return
	}
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	a, amount, err := parseAssetAmount(req.Asset, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.ledger.Deposit(r.Context(), principal, a, amount); err != nil {
		writeError(w, err)
		return
	}
	s.writeBalance(w, r, principal, a)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 GET"))
		return
	}
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	a, err := asset.Parse(r.URL.Query().Get("asset"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeBalance(w, r, principal, a)
}

func (s *Server) writeBalance(w http.ResponseWriter, r *http.Request, principal string, a asset.Asset) {
	balance, err := s.ledger.BalanceOf(r.Context(), principal, a)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Account: principal,
		Asset:   string(a),
		Balance: asset.FormatAmount(a, balance),
	})
}

type createPlanRequest struct {
	FromAsset         string            `json:"from_asset"`
	ToAsset           string            `json:"to_asset"`
	TotalAmount       string            `json:"total_amount"`
	AmountPerInterval string            `json:"amount_per_interval"`
	IntervalSeconds   int64             `json:"interval_seconds"`
	StartTime         int64             `json:"start_time"`
	Destination       *plan.Destination `json:"destination,omitempty"`
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreatePlan(w, r)
	case http.MethodGet:
		s.handleListPlans(w, r)
	default:
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 GET/POST"))
	}
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req createPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	fromAsset, total, err := parseAssetAmount(req.FromAsset, req.TotalAmount)
	if err != nil {
		writeError(w, err)
		return
	}
	_, perInterval, err := parseAssetAmount(req.FromAsset, req.AmountPerInterval)
	if err != nil {
		writeError(w, err)
		return
	}

	p, err := s.registry.CreatePlan(r.Context(), plan.CreatePlanRequest{
		Owner:             principal,
		FromAsset:         string(fromAsset),
		ToAsset:           req.ToAsset,
		TotalAmount:       total,
		AmountPerInterval: perInterval,
		IntervalSeconds:   req.IntervalSeconds,
		StartTime:         req.StartTime,
		Destination:       req.Destination,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPlanResponse(p))
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := []plan.ListOption{}
	if owner := strings.TrimSpace(query.Get("owner")); owner != "" {
		opts = append(opts, plan.WithOwner(owner))
	}
	if status := strings.TrimSpace(query.Get("status")); status != "" {
		opts = append(opts, plan.WithStatuses(plan.Status(status)))
	}
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, plan.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, plan.WithOffset(parsed))
		}
	}

	plans, err := s.registry.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	responses := make([]planResponse, 0, len(plans))
	for _, p := range plans {
		responses = append(responses, toPlanResponse(p))
	}
	writeJSON(w, http.StatusOK, responses)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 GET"))
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/plans/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, plan.ErrPlanNotFound)
		return
	}
	p, err := s.registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanResponse(p))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 GET"))
		return
	}
	opts := []plan.ListOption{}
	if owner := strings.TrimSpace(r.URL.Query().Get("owner")); owner != "" {
		opts = append(opts, plan.WithOwner(owner))
	}
	stats, err := s.registry.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type planIDRequest struct {
	PlanID string `json:"plan_id"`
}

type executeResponse struct {
	Plan         planResponse `json:"plan"`
	OutputAmount string       `json:"output_amount"`
	DispatchID   string       `json:"dispatch_id,omitempty"`
	Completed    bool         `json:"completed"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 POST"))
		return
	}
	var req planIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if strings.TrimSpace(req.PlanID) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "plan_id 不能为空"))
		return
	}
	execution, err := s.engine.ExecutePlan(r.Context(), req.PlanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{
		Plan:         toPlanResponse(execution.Plan),
		OutputAmount: asset.FormatAmount(execution.Plan.ToAsset, execution.OutputAmount),
		DispatchID:   execution.DispatchID,
		Completed:    execution.Completed,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 POST"))
		return
	}
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req planIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	p, err := s.registry.Cancel(r.Context(), principal, req.PlanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanResponse(p))
}

type planResponse struct {
	ID                string            `json:"id"`
	Owner             string            `json:"owner"`
	FromAsset         string            `json:"from_asset"`
	ToAsset           string            `json:"to_asset"`
	TotalAmount       string            `json:"total_amount"`
	RemainingAmount   string            `json:"remaining_amount"`
	AmountPerInterval string            `json:"amount_per_interval"`
	PendingAmount     string            `json:"pending_amount"`
	IntervalSeconds   int64             `json:"interval_seconds"`
	StartTime         int64             `json:"start_time"`
	LastExecutionTime *int64            `json:"last_execution_time,omitempty"`
	NextEligibleAt    int64             `json:"next_eligible_at,omitempty"`
	Status            string            `json:"status"`
	Destination       *plan.Destination `json:"destination,omitempty"`
	CreatedAt         int64             `json:"created_at"`
	UpdatedAt         int64             `json:"updated_at"`
}

func toPlanResponse(p *plan.Plan) planResponse {
	return planResponse{
		ID:                p.ID,
		Owner:             p.Owner,
		FromAsset:         string(p.FromAsset),
		ToAsset:           string(p.ToAsset),
		TotalAmount:       asset.FormatAmount(p.FromAsset, p.TotalAmount),
		RemainingAmount:   asset.FormatAmount(p.FromAsset, p.RemainingAmount),
		AmountPerInterval: asset.FormatAmount(p.FromAsset, p.AmountPerInterval),
		PendingAmount:     asset.FormatAmount(p.FromAsset, p.PendingAmount),
		IntervalSeconds:   p.IntervalSeconds,
		StartTime:         p.StartTime,
		LastExecutionTime: p.LastExecutionTime,
		NextEligibleAt:    plan.NextEligibleAt(p),
		Status:            string(p.Status),
		Destination:       p.Destination,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

func parseAssetAmount(symbol, amount string) (asset.Asset, *big.Int, error) {
	a, err := asset.Parse(symbol)
	if err != nil {
		return "", nil, err
	}
	value, err := asset.ParseAmount(a, amount)
	if err != nil {
		return "", nil, err
	}
	return a, value, nil
}

func requirePrincipal(w http.ResponseWriter, r *http.Request) (string, bool) {
	principal := strings.TrimSpace(r.Header.Get(principalHeader))
	if principal == "" {
		writeError(w, xerrors.New(xerrors.CodeUnauthorized, "缺少 "+principalHeader+" 请求头"))
		return "", false
	}
	return principal, true
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeJSON(w, statusFor(code), errorResponse{Error: errorBody{
		Code:    string(code),
		Message: err.Error(),
	}})
}

// statusFor 把统一错误码映射为 HTTP 状态码。
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, plan.CodePlanValidation, ledger.CodeLedgerValidation:
		return http.StatusBadRequest
	case xerrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case plan.CodeNotOwner:
		return http.StatusForbidden
	case xerrors.CodeNotFound, plan.CodePlanNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, plan.CodePlanConflict, plan.CodePlanInactive,
		plan.CodeIntervalNotElapsed, ledger.CodeInsufficientBalance:
		return http.StatusConflict
	case plan.CodeTransferFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
