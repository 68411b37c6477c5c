package httpx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Text string `json:"text"`
	}

	cases := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"ok", `{"text":"hi"}`, false},
		{"unknown field", `{"text":"hi","extra":1}`, true},
		{"trailing data", `{"text":"hi"}{}`, true},
		{"empty", ``, true},
		{"too large", `{"text":"` + strings.Repeat("x", 64) + `"}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.in))
			var dst body
			err := DecodeJSON(httptest.NewRecorder(), r, 32, &dst)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "hi", dst.Text)
		})
	}
}

func TestWriteError(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, http.StatusForbidden, "forbidden", "nope")

	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	require.JSONEq(t, `{"error":{"code":"forbidden","message":"nope"}}`, rr.Body.String())
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	require.Empty(t, BearerToken(r))

	r.Header.Set("Authorization", "bearer  abc.def ")
	require.Equal(t, "abc.def", BearerToken(r))

	r.Header.Set("Authorization", "Basic abc")
	require.Empty(t, BearerToken(r))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	require.Equal(t, "10.0.0.1", ClientIP(r, false).String())
	require.Equal(t, "203.0.113.9", ClientIP(r, true).String())
}

func TestPathInt64(t *testing.T) {
	mux := http.NewServeMux()
	var got int64
	var ok bool
	mux.HandleFunc("GET /things/{id}", func(w http.ResponseWriter, r *http.Request) {
		got, ok = PathInt64(r, "id")
	})

	mux.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/things/17", nil))
	require.True(t, ok)
	require.Equal(t, int64(17), got)

	mux.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/things/abc", nil))
	require.False(t, ok)
}
