package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "barreplay/internal/errors"
	"barreplay/internal/logging"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code apperrors.ErrorCode
		want int
	}{
		{apperrors.ErrCodeInvalidInput, http.StatusBadRequest},
		{apperrors.ErrCodeLockHeld, http.StatusConflict},
		{apperrors.ErrCodeDBConnection, http.StatusServiceUnavailable},
		{apperrors.ErrCodeNotConnected, http.StatusServiceUnavailable},
		{apperrors.ErrCodeProtocolViolation, http.StatusInternalServerError},
		{apperrors.ErrCodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, httpStatus(tt.code))
		})
	}
}

func TestInvalidInputBody(t *testing.T) {
	s, _ := newServer(t)

	w := do(s, http.MethodGet, "/runs?limit=-1", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(apperrors.ErrCodeInvalidInput), body["code"])
	assert.Contains(t, body["error"], "limit")
}

func TestRecoveryAndPlainErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := logging.Nop()
	r := gin.New()
	r.Use(recovery(logger), handleErrors(logger))
	r.GET("/panic", func(*gin.Context) { panic("boom") })
	r.GET("/plain", func(c *gin.Context) { _ = c.Error(errors.New("disk full")) })
	r.GET("/locked", func(c *gin.Context) { _ = c.Error(apperrors.NewAppError(apperrors.ErrCodeLockHeld, "busy", nil)) })

	for path, want := range map[string]int{
		"/panic":  http.StatusInternalServerError,
		"/plain":  http.StatusInternalServerError,
		"/locked": http.StatusConflict,
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, w.Code, path)
	}
}
