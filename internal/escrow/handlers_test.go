package escrow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/nexlance/wallet-service/internal/checkpoint"
	"github.com/nexlance/wallet-service/internal/wallet"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *checkpoint.MemoryGateway, *wallet.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gw := checkpoint.NewMemoryGateway()
	store := wallet.NewMemoryStore()
	fees := NewFeePolicy(FeeRates{PlatformBps: 1000, ConsultantBps: 500})
	engine := NewEngine(gw, store, fees, "platform")

	r := gin.New()
	v1 := r.Group("/v1")
	NewHandler(engine).RegisterRoutes(v1)
	return r, gw, store
}

func postCheckpoint(router *gin.Engine, path, caller string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, nil)
	if caller != "" {
		req.Header.Set("X-User-ID", caller)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_FundReleaseFlow(t *testing.T) {
	router, gw, store := setupTestRouter(t)
	ctx := context.Background()

	gw.Put(ctx, &checkpoint.Checkpoint{
		ID: "cp-1", ProjectID: "proj-1", ClientUserID: "client-1",
		FreelancerUserID: "freelancer-1", ConsultantUserID: "consultant-1",
		Amount: 300, Currency: "USD", Status: checkpoint.StatusPending,
	})
	if _, _, err := store.Deposit(ctx, "client-1", "USD", 1000, "", ""); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	w := postCheckpoint(router, "/v1/checkpoints/cp-1/fund", "client-1")
	if w.Code != http.StatusOK {
		t.Fatalf("Fund: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var fundResp struct {
		Result FundResult `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &fundResp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if fundResp.Result.AmountLocked != 300 || fundResp.Result.NewEscrowBalance != 300 {
		t.Errorf("Unexpected fund result: %+v", fundResp.Result)
	}

	w = postCheckpoint(router, "/v1/checkpoints/cp-1/release", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Release: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var relResp struct {
		Result ReleaseResult `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &relResp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if relResp.Result.PlatformFee != 30 || relResp.Result.ConsultantFee != 15 || relResp.Result.FreelancerPayout != 255 {
		t.Errorf("Unexpected split: %+v", relResp.Result)
	}
}

func TestHandler_FundRequiresCaller(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	w := postCheckpoint(router, "/v1/checkpoints/cp-1/fund", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without X-User-ID, got %d", w.Code)
	}

	w = postCheckpoint(router, "/v1/checkpoints/cp-1/fund", "NOT VALID!!")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed user id, got %d", w.Code)
	}
}

func TestHandler_ErrorMapping(t *testing.T) {
	router, gw, store := setupTestRouter(t)
	ctx := context.Background()

	gw.Put(ctx, &checkpoint.Checkpoint{
		ID: "cp-1", ProjectID: "proj-1", ClientUserID: "client-1",
		FreelancerUserID: "freelancer-1", Amount: 500, Currency: "USD",
		Status: checkpoint.StatusPending,
	})
	if _, _, err := store.Deposit(ctx, "client-1", "USD", 200, "", ""); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	// Unknown checkpoint.
	if w := postCheckpoint(router, "/v1/checkpoints/nope/fund", "client-1"); w.Code != http.StatusNotFound {
		t.Errorf("Missing checkpoint: expected 404, got %d", w.Code)
	}

	// Wrong caller.
	if w := postCheckpoint(router, "/v1/checkpoints/cp-1/fund", "intruder"); w.Code != http.StatusForbidden {
		t.Errorf("Wrong caller: expected 403, got %d", w.Code)
	}

	// Balance below the checkpoint amount.
	if w := postCheckpoint(router, "/v1/checkpoints/cp-1/fund", "client-1"); w.Code != http.StatusPaymentRequired {
		t.Errorf("Insufficient funds: expected 402, got %d", w.Code)
	}

	// Release before any funds are in escrow.
	w := postCheckpoint(router, "/v1/checkpoints/cp-1/release", "")
	if w.Code != http.StatusConflict {
		t.Errorf("Release from pending: expected 409, got %d", w.Code)
	}
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if resp.Error != "invalid_state" {
		t.Errorf("Expected invalid_state, got %s", resp.Error)
	}
}
