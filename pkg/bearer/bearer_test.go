package bearer

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromHeaders_AllCases(t *testing.T) {
	tests := []struct {
		name      string
		cookie    string
		auth      string
		wantToken string
		wantOK    bool
	}{
		{name: "empty headers", wantOK: false},
		{name: "access token cookie", cookie: "sb-access-token=tok123", wantToken: "tok123", wantOK: true},
		{
			name:      "access token wins over refresh",
			cookie:    "sb-refresh-token=ref456; sb-access-token=tok123",
			wantToken: "tok123",
			wantOK:    true,
		},
		{
			name:      "refresh token when no access token",
			cookie:    "theme=dark; sb-refresh-token=ref456",
			wantToken: "ref456",
			wantOK:    true,
		},
		{
			name:      "legacy colon cookie name",
			cookie:    "sb:token=legacy789",
			wantToken: "legacy789",
			wantOK:    true,
		},
		{
			name:      "supabase-auth-token last in priority",
			cookie:    "supabase-auth-token=sup1; sb-auth-token=auth1",
			wantToken: "auth1",
			wantOK:    true,
		},
		{
			name:      "url-escaped value",
			cookie:    "sb-access-token=tok%3D123",
			wantToken: "tok=123",
			wantOK:    true,
		},
		{
			name:      "value containing equals kept after first cut",
			cookie:    "sb-auth-token=a=b",
			wantToken: "a=b",
			wantOK:    true,
		},
		{
			name:      "authorization header fallback",
			cookie:    "theme=dark",
			auth:      "Bearer header-token",
			wantToken: "header-token",
			wantOK:    true,
		},
		{
			name:      "cookie beats authorization header",
			cookie:    "sb-access-token=tok123",
			auth:      "Bearer header-token",
			wantToken: "tok123",
			wantOK:    true,
		},
		{name: "authorization without bearer prefix", auth: "Basic abc", wantOK: false},
		{name: "bearer with empty token", auth: "Bearer ", wantOK: false},
		{name: "malformed cookie pairs skipped", cookie: "garbage; ;=; sb-access-token=ok", wantToken: "ok", wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, ok := FromHeaders(tt.cookie, tt.auth)
			require.Equal(t, tt.wantOK, ok)
			require.Equal(t, tt.wantToken, token)
		})
	}
}

func TestFromRequest(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/subscription/check", nil)
	req.Header.Set("Cookie", "sb-access-token=tok123")

	token, ok := FromRequest(req)
	require.True(t, ok)
	require.Equal(t, "tok123", token)
}
