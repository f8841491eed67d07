package server

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{
		"":        "",
		"/":       "",
		"admin":   "/admin",
		"/admin":  "/admin",
		"/admin/": "/admin",
		" /v1 ":   "/v1",
	}
	for in, want := range cases {
		require.Equal(t, want, sanitizeBase(in), "input %q", in)
	}
}
