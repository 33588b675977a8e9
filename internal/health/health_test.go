package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

func serve(r *mux.Router, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestReadyzReportsFailedChecks(t *testing.T) {
	r := mux.NewRouter()
	RegisterRoutes(r, map[string]Check{
		"ok":     func(context.Context) error { return nil },
		"driver": func(context.Context) error { return errors.New("wg-quick not found") },
	})

	assert.Equal(t, http.StatusOK, serve(r, "/healthz").Code)
	rec := serve(r, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "wg-quick not found")
	assert.NotContains(t, rec.Body.String(), `"ok"`)
}

func TestReadyzWithoutChecks(t *testing.T) {
	r := mux.NewRouter()
	RegisterRoutes(r, nil)
	assert.Equal(t, http.StatusOK, serve(r, "/readyz").Code)
}

func TestDBCheckNil(t *testing.T) {
	assert.EqualError(t, DB(nil)(context.Background()), "db not configured")
}
