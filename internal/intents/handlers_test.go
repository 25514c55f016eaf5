package intents

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *Service, *clockwork.FakeClock) {
	gin.SetMode(gin.TestMode)

	svc, _, clock := newTestService(t)
	handler := NewHandler(svc)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	handler.RegisterProtectedRoutes(v1)
	return r, svc, clock
}

func postIntent(r *gin.Engine, req CreateRequest) *httptest.ResponseRecorder {
	body, _ := json.Marshal(req)
	httpReq := httptest.NewRequest("POST", "/v1/intents", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httpReq)
	return w
}

func TestHandler_CreateAndGetIntent(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	w := postIntent(router, request("order-h", "100"))
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var createResp struct {
		IntentID string `json:"intentId"`
		Intent   struct {
			Status      string `json:"status"`
			TotalAmount string `json:"totalAmount"`
		} `json:"intent"`
		PaymentInstruction struct {
			ChainID int64  `json:"chainId"`
			URI     string `json:"uri"`
		} `json:"paymentInstruction"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &createResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if createResp.Intent.Status != "pending" {
		t.Errorf("Expected status pending, got %s", createResp.Intent.Status)
	}
	if createResp.Intent.TotalAmount != "100.000000" {
		t.Errorf("Expected amount 100.000000, got %s", createResp.Intent.TotalAmount)
	}
	if createResp.PaymentInstruction.ChainID != 84532 || createResp.PaymentInstruction.URI == "" {
		t.Errorf("unexpected instruction: %+v", createResp.PaymentInstruction)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/intents/"+createResp.IntentID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/intents/"+createResp.IntentID+"/instruction", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_CreateValidation(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	tests := []struct {
		name string
		req  CreateRequest
		code string
	}{
		{"bad address", CreateRequest{ReferenceID: "r", Amount: "1", Provider: "0xabc", Beneficiary: beneficiary.Hex()}, "validation_error"},
		{"bad amount", request("r", "-5"), "validation_error"},
		{"below minimum", request("r", "0.000001"), "amount_out_of_range"},
		{"reserved", CreateRequest{ReferenceID: "r", Amount: "1", Provider: treasury.Hex(), Beneficiary: beneficiary.Hex()}, "reserved_recipient"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postIntent(router, tt.req)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("Expected 400, got %d: %s", w.Code, w.Body.String())
			}
			var resp map[string]any
			_ = json.Unmarshal(w.Body.Bytes(), &resp)
			if resp["error"] != tt.code {
				t.Errorf("Expected error %s, got %v", tt.code, resp["error"])
			}
		})
	}
}

func TestHandler_DuplicatePending(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	if w := postIntent(router, request("dup", "1")); w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", w.Code)
	}
	if w := postIntent(router, request("dup", "1")); w.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d", w.Code)
	}
}

func TestHandler_ExpiredIntentIsGone(t *testing.T) {
	router, _, clock := setupTestRouter(t)

	w := postIntent(router, request("late", "3"))
	var resp struct {
		IntentID string `json:"intentId"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)

	// Due but not yet swept.
	clock.Advance(16 * time.Minute)
	for _, path := range []string{"/v1/intents/" + resp.IntentID, "/v1/intents/" + resp.IntentID + "/instruction"} {
		w = httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusGone {
			t.Fatalf("%s: Expected 410, got %d", path, w.Code)
		}
		var body map[string]any
		_ = json.Unmarshal(w.Body.Bytes(), &body)
		if body["error"] != "payment_window_closed" || body["message"] != WindowClosedMessage {
			t.Errorf("unexpected body: %v", body)
		}
	}
}

func TestHandler_CompletedInstructionConflict(t *testing.T) {
	router, svc, _ := setupTestRouter(t)

	w := postIntent(router, request("done", "3"))
	var resp struct {
		IntentID string `json:"intentId"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if err := svc.Complete(t.Context(), resp.IntentID, "st_x"); err != nil {
		t.Fatal(err)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/intents/"+resp.IntentID+"/instruction", nil))
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d", w.Code)
	}
}

func TestHandler_NotFound(t *testing.T) {
	router, _, _ := setupTestRouter(t)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/intents/pi_missing", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", w.Code)
	}
}
