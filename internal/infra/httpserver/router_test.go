package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	domai "github.com/bryanwahyu/scanops/internal/domain/ai"
	"github.com/bryanwahyu/scanops/internal/domain/scanerr"
)

func TestWrap_ErrorTaxonomyToStatusCodes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"unauthenticated", errUnauthenticated, http.StatusUnauthorized},
		{"validation", fmt.Errorf("%w: bad target", scanerr.ErrValidation), http.StatusBadRequest},
		{"rejected flag", scanerr.ErrRejectedFlag, http.StatusBadRequest},
		{"unsupported tool", scanerr.ErrUnsupportedTool, http.StatusBadRequest},
		{"authorization", fmt.Errorf("%w: quota", scanerr.ErrAuthorization), http.StatusForbidden},
		{"ai quota", fmt.Errorf("%w: 429", domai.ErrQuotaExceeded), http.StatusTooManyRequests},
		{"environment", fmt.Errorf("%w: docker down", scanerr.ErrEnvironment), http.StatusServiceUnavailable},
		{"not found", fmt.Errorf("%w: abc", scanerr.ErrScanNotFound), http.StatusNotFound},
		{"invalid transition", fmt.Errorf("%w: already completed", scanerr.ErrInvalidTransition), http.StatusConflict},
		{"timeout classified as execution", &scanerr.TimeoutError{}, http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
		{"nil", nil, http.StatusOK},
	}

	r := &Router{}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := r.wrap(func(w http.ResponseWriter, req *http.Request) error {
				if tc.err == nil {
					w.WriteHeader(http.StatusOK)
				}
				return tc.err
			})
			rec := httptest.NewRecorder()
			h(rec, httptest.NewRequest(http.MethodGet, "/v1/scans/x", nil))
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

// Internal detail must never leak for unclassified errors.
func TestWrap_UnknownErrorBodyIsOpaque(t *testing.T) {
	t.Parallel()
	r := &Router{}
	h := r.wrap(func(http.ResponseWriter, *http.Request) error {
		return errors.New("dsn=user:hunter2@tcp(db:3306)")
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if body := rec.Body.String(); body != "internal error\n" {
		t.Fatalf("body = %q, want opaque message", body)
	}
}
