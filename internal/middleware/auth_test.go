package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAPIKeyAuth(t *testing.T) {
	t.Parallel()
	keys := map[string]User{
		"sk-alpha": {ID: "u1", Role: "free"},
		"sk-beta":  {ID: "u2", Role: "pro"},
	}

	var gotUser User
	var authed bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, authed = GetUserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	h := APIKeyAuth(keys)(next)

	cases := []struct {
		name       string
		path       string
		authHeader string
		query      string
		wantCode   int
		wantUser   string
	}{
		{"bearer key", "/v1/scans", "Bearer sk-alpha", "", http.StatusOK, "u1"},
		{"raw key", "/v1/scans", "sk-beta", "", http.StatusOK, "u2"},
		{"query param for websockets", "/v1/ws", "", "api_key=sk-alpha", http.StatusOK, "u1"},
		{"missing key", "/v1/scans", "", "", http.StatusUnauthorized, ""},
		{"wrong key", "/v1/scans", "Bearer sk-nope", "", http.StatusUnauthorized, ""},
		{"health skips auth", "/health", "", "", http.StatusOK, ""},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			authed = false
			gotUser = User{}
			url := tc.path
			if tc.query != "" {
				url += "?" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, url, nil)
			if tc.authHeader != "" {
				req.Header.Set("Authorization", tc.authHeader)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantCode)
			}
			if tc.wantUser != "" {
				if !authed || gotUser.ID != tc.wantUser {
					t.Fatalf("user = %q (authed=%v), want %q", gotUser.ID, authed, tc.wantUser)
				}
			}
		})
	}
}

func TestValidateScanID(t *testing.T) {
	t.Parallel()
	valid := "9b2c1ad0-7f4e-4b6d-8a1e-0c9f3d2e1a5b-nmap"
	if err := ValidateScanID(valid); err != nil {
		t.Fatalf("valid id rejected: %v", err)
	}
	for _, bad := range []string{"", "not-a-uuid", "9b2c1ad0-7f4e-4b6d-8a1e-0c9f3d2e1a5b", "../etc/passwd"} {
		if err := ValidateScanID(bad); err == nil {
			t.Fatalf("accepted bad id %q", bad)
		}
	}
}
