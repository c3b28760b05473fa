package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/p2pnet/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)

	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	testlog.Start(t)

	cases := map[string]struct {
		token string
		ok    bool
	}{
		"Bearer abc":   {"abc", true},
		"bearer  abc ": {"abc", true},
		"Basic abc":    {"", false},
		"Bearer":       {"", false},
		"":             {"", false},
	}
	for header, want := range cases {
		token, ok := BearerToken(header)
		if token != want.token || ok != want.ok {
			t.Fatalf("BearerToken(%q) = %q,%v want %q,%v", header, token, ok, want.token, want.ok)
		}
	}
}

func TestRequireBearer(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.POST("/guarded", RequireBearer(StaticToken{Token: "ok"}),
		func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for header, want := range map[string]int{
		"":          http.StatusUnauthorized,
		"Bearer no": http.StatusUnauthorized,
		"Bearer ok": http.StatusNoContent,
	} {
		req := httptest.NewRequest(http.MethodPost, "/guarded", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("header %q: expected %d, got %d", header, want, rr.Code)
		}
	}
}
