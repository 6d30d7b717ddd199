package trading

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-energy/internal/auth"
	"github.com/ksred/klear-energy/internal/types"
	"github.com/ksred/klear-energy/pkg/response"
)

func newRouter(env *testEnv, identity auth.Identity) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewGinHandlers(env.service)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		auth.SetIdentity(c, identity)
		c.Next()
	})
	r.POST("/orders", h.SubmitOrderHandler())
	r.GET("/orders/:id", h.GetOrderHandler())
	r.POST("/internal/orders/:id/fills", h.ApplyFillHandler())
	r.POST("/internal/orders/:id/reject", h.RejectOrderHandler())
	return r
}

func do(t *testing.T, r *gin.Engine, method, path string, body interface{}) (*httptest.ResponseRecorder, response.Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, &buf))

	var resp response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w, resp
}

func orderBody(quantity string) map[string]interface{} {
	in := newOrder("BASE_Y_26", quantity)
	return map[string]interface{}{
		"product_symbol": in.ProductSymbol,
		"side":           in.Side,
		"quantity":       quantity,
		"unit":           in.Unit,
		"valid_until":    in.ValidUntil,
	}
}

func TestHandlers_SubmitAndFill(t *testing.T) {
	env := newTestEnv(t, nil)
	client := newRouter(env, auth.Identity{UserID: "org1-client", OrganizationID: "org1", Role: types.RoleClient})
	desk := newRouter(env, auth.Identity{UserID: "org1-trader", OrganizationID: "org1", Role: types.RoleTrader})

	w, resp := do(t, client, http.MethodPost, "/orders", orderBody("60"))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.CodeOrderTooLarge, resp.Error.Code)

	w, resp = do(t, client, http.MethodPost, "/orders", orderBody("50"))
	require.Equal(t, http.StatusCreated, w.Code)

	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var order types.Order
	require.NoError(t, json.Unmarshal(raw, &order))
	assert.Equal(t, "org1-client", order.CreatedBy)
	assert.Equal(t, types.StatusSubmitted, order.Status)

	w, _ = do(t, desk, http.MethodPost, "/internal/orders/"+order.OrderID+"/fills", map[string]string{"quantity_mw": "80"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, desk, http.MethodPost, "/internal/orders/"+order.OrderID+"/fills", map[string]string{"quantity_mw": "50"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w, resp = do(t, desk, http.MethodPost, "/internal/orders/"+order.OrderID+"/reject", map[string]string{"reason": "late"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, response.ErrCodeConflict, resp.Error.Code)
}

func TestHandlers_OrdersAreScopedToOrganization(t *testing.T) {
	env := newTestEnv(t, nil)
	order := env.submit(t, "BASE_Y_26", "10")

	own := newRouter(env, auth.Identity{UserID: "org1-client", OrganizationID: "org1", Role: types.RoleClient})
	w, _ := do(t, own, http.MethodGet, "/orders/"+order.OrderID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	other := newRouter(env, auth.Identity{UserID: "org2-client", OrganizationID: "org2", Role: types.RoleClient})
	w, resp := do(t, other, http.MethodGet, "/orders/"+order.OrderID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, resp.Success)
}
