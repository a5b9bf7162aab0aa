package middleware

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOriginAllowed(t *testing.T) {
	list := []string{"https://dash.bullpawn.io/", "http://localhost:*"}
	cases := []struct {
		origin string
		want   bool
	}{
		{"https://dash.bullpawn.io", true},
		{"HTTPS://DASH.BULLPAWN.IO", true},
		{"http://localhost:3000", true},
		{"http://localhost:5173", true},
		{"http://localhost:", false},
		{"http://localhost:80.evil.example", false},
		{"https://localhost:3000", false},
		{"https://evil.example", false},
	}
	for _, tc := range cases {
		t.Run(tc.origin, func(t *testing.T) {
			require.Equal(t, tc.want, OriginAllowed(list, tc.origin))
		})
	}

	require.True(t, OriginAllowed(nil, "https://anything.example"))
	require.True(t, OriginAllowed([]string{"*"}, "https://anything.example"))
}
