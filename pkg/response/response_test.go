package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-energy/internal/types"
)

func TestHandle_MapsDomainErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{
			name:    "limit error is surfaced verbatim",
			err:     fmt.Errorf("submit: %w", types.NewLimitError(types.ErrOrderTooLarge, "order of 60 MW exceeds the per-order maximum of 50 MW")),
			status:  http.StatusUnprocessableEntity,
			code:    types.CodeOrderTooLarge,
			message: "order of 60 MW exceeds the per-order maximum of 50 MW",
		},
		{
			name:   "invalid fill",
			err:    fmt.Errorf("%w: delta exceeds remaining", types.ErrInvalidFill),
			status: http.StatusBadRequest,
			code:   ErrCodeValidationFailed,
		},
		{
			name:   "not found",
			err:    types.ErrOrderNotFound,
			status: http.StatusNotFound,
			code:   ErrCodeNotFound,
		},
		{
			name:    "invalid transition is generic",
			err:     &types.TransitionError{OrderID: "o-1", From: types.StatusFilled, To: types.StatusRejected},
			status:  http.StatusConflict,
			code:    ErrCodeConflict,
			message: "Order cannot be changed in its current state",
		},
		{
			name:    "infrastructure error is opaque",
			err:     types.Persistence("commit transaction", errors.New("disk I/O error")),
			status:  http.StatusInternalServerError,
			code:    ErrCodeInternalError,
			message: "An unexpected error occurred",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil)

			Handle(c, nil, tt.err)

			assert.Equal(t, tt.status, w.Code)
			var body Response
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.False(t, body.Success)
			require.NotNil(t, body.Error)
			assert.Equal(t, tt.code, body.Error.Code)
			if tt.message != "" {
				assert.Equal(t, tt.message, body.Error.Message)
			}
		})
	}
}

func TestHandle_SuccessStatusFollowsMethod(t *testing.T) {
	gin.SetMode(gin.TestMode)

	for method, status := range map[string]int{http.MethodGet: http.StatusOK, http.MethodPost: http.StatusCreated} {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(method, "/", nil)

		Handle(c, map[string]string{"ok": "yes"}, nil)
		assert.Equal(t, status, w.Code)
	}
}
