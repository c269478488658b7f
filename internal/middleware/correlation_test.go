package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func TestCorrelationIDPropagation(t *testing.T) {
	app := fiber.New()
	app.Use(CorrelationID())
	app.Get("/echo", func(c *fiber.Ctx) error {
		return c.SendString(CorrelationIDFromContext(c.UserContext()))
	})

	cases := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{name: "header", target: "/echo", header: "abc-123", want: "abc-123"},
		{name: "query for websocket clients", target: "/echo?correlation_id=ws-7", want: "ws-7"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set(correlationHeader, tc.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			require.Equal(t, tc.want, resp.Header.Get(correlationHeader))
		})
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/echo", nil))
	require.NoError(t, err)
	require.Len(t, resp.Header.Get(correlationHeader), 36)
}
