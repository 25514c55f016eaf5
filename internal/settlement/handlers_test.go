package settlement

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := setup(t)
	r := gin.New()
	NewHandler(f.store, f.listener).RegisterRoutes(r.Group("/v1"))
	return r, f
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	return w
}

func TestHandler_GetSettlement(t *testing.T) {
	router, f := setupTestRouter(t)

	f.createIntent(t, "order-H", "100")
	receipt := f.pay(t, "order-H", "100")
	f.confirm()
	f.poll(t)
	rec := f.recordFor(t, receipt)

	w := get(router, "/v1/settlements/"+rec.ID)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Settlement struct {
			ID          string `json:"id"`
			ReferenceID string `json:"referenceId"`
			TxHash      string `json:"txHash"`
			TotalAmount string `json:"totalAmount"`
		} `json:"settlement"`
		Shares []struct {
			Role   string `json:"role"`
			Amount string `json:"amount"`
		} `json:"shares"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, rec.ID, resp.Settlement.ID)
	assert.Equal(t, "order-H", resp.Settlement.ReferenceID)
	assert.Equal(t, receipt.TxHash.Hex(), resp.Settlement.TxHash)
	assert.Equal(t, "100.000000", resp.Settlement.TotalAmount)
	require.Len(t, resp.Shares, 4)
	assert.Equal(t, "provider", resp.Shares[0].Role)
	assert.Equal(t, "60.000000", resp.Shares[0].Amount)

	w = get(router, "/v1/settlements/stl_missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ListSettlements(t *testing.T) {
	router, f := setupTestRouter(t)

	receipt := f.pay(t, "order-L", "10")
	f.pay(t, "order-L", "5")
	f.confirm()
	f.poll(t)

	w := get(router, "/v1/settlements?txHash="+receipt.TxHash.Hex())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	w = get(router, "/v1/settlements?referenceId=order-L")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	w = get(router, "/v1/settlements?txHash=0x1234")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = get(router, "/v1/settlements?limit=0")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = get(router, "/v1/settlements?cursor=not-base64!")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ListRecentSettlementsPaginates(t *testing.T) {
	router, f := setupTestRouter(t)

	f.pay(t, "order-A", "10")
	f.pay(t, "order-B", "5")
	f.pay(t, "order-C", "1")
	f.confirm()
	f.poll(t)

	type page struct {
		Settlements []struct {
			Settlement struct {
				ID string `json:"id"`
			} `json:"settlement"`
		} `json:"settlements"`
		NextCursor string `json:"nextCursor"`
		HasMore    bool   `json:"hasMore"`
	}

	seen := map[string]bool{}
	cursor := ""
	for i := 0; ; i++ {
		require.Less(t, i, 5, "pagination did not terminate")
		w := get(router, "/v1/settlements?limit=2&cursor="+cursor)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var p page
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
		for _, s := range p.Settlements {
			assert.False(t, seen[s.Settlement.ID], "duplicate %s", s.Settlement.ID)
			seen[s.Settlement.ID] = true
		}
		if !p.HasMore {
			assert.Empty(t, p.NextCursor)
			break
		}
		assert.Len(t, p.Settlements, 2)
		cursor = p.NextCursor
	}
	assert.Len(t, seen, 3)
}

func TestHandler_ListenerStatus(t *testing.T) {
	router, f := setupTestRouter(t)
	f.chain.Mine(10)
	f.poll(t)

	w := get(router, "/v1/listener/status")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Listener Status `json:"listener"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(testChainID), resp.Listener.ChainID)
	assert.Equal(t, "healthy", resp.Listener.State)
	assert.Equal(t, uint64(testDepth), resp.Listener.ConfirmationDepth)
	assert.Equal(t, resp.Listener.Head-testDepth+1, resp.Listener.NextBlock)

	r := gin.New()
	NewHandler(f.store, nil).RegisterRoutes(r.Group("/v1"))
	assert.Equal(t, http.StatusServiceUnavailable, get(r, "/v1/listener/status").Code)
}
