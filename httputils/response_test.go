package httputils

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleAPIResponseSuccess(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
	HandleAPIResponse(rec, req, map[string]int{"count": 2}, nil, 0)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"count":2}`, rec.Body.String())
}

func TestHandleAPIResponseError(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/servers/x", nil)
	HandleAPIResponse(rec, req, nil, errors.New("server instance not found"), http.StatusNotFound)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"server instance not found"}`, rec.Body.String())
}

func TestDecodeJSONBody(t *testing.T) {
	var out struct {
		Port int `json:"port"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"port":4723}`))
	require.NoError(t, DecodeJSONBody(req, &out))
	assert.Equal(t, 4723, out.Port)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"prot":4723}`))
	assert.Error(t, DecodeJSONBody(req, &out))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	assert.Error(t, DecodeJSONBody(req, &out))
}
