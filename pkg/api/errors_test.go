package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-dev/engram/pkg/errs"
)

func TestStatusForKind(t *testing.T) {
	tests := []struct {
		kind errs.Kind
		want int
	}{
		{errs.KindValidation, http.StatusBadRequest},
		{errs.KindNotFound, http.StatusNotFound},
		{errs.KindDuplicate, http.StatusConflict},
		{errs.KindRateLimited, http.StatusTooManyRequests},
		{errs.KindUnauthenticated, http.StatusUnauthorized},
		{errs.KindUpstream, http.StatusServiceUnavailable},
		{errs.KindTimeout, http.StatusGatewayTimeout},
		{errs.KindTransient, http.StatusInternalServerError},
		{errs.KindFatal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusForKind(tt.kind), string(tt.kind))
	}
}

func testContext() (*gin.Context, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	return c, rec
}

func TestRespondErrorCarriesDetails(t *testing.T) {
	c, rec := testContext()
	respondError(c, &errs.Error{
		Kind:    errs.KindValidation,
		Message: "query must not be empty",
		Details: map[string]any{"field": "query"},
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "validation", resp.Error.Kind)
	assert.Equal(t, "query must not be empty", resp.Error.Message)
	assert.Equal(t, "query", resp.Error.Details["field"])
}

func TestRespondErrorRetryAfterHeader(t *testing.T) {
	c, rec := testContext()
	respondError(c, errs.RateLimited("slow down", 90*time.Second))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))
}

func TestRespondErrorUnknownErrorIsInternal(t *testing.T) {
	c, rec := testContext()
	respondError(c, errors.New("boom"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "fatal", resp.Error.Kind)
	assert.Equal(t, "boom", resp.Error.Message)
}
