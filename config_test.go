package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPaywallConfig(t *testing.T) {
	cfg, err := loadPaywallConfig("testdata/paywall.yaml")
	require.NoError(t, err)
	assert.Equal(t, "https://payee.example/machinomy", cfg.Gateway)
	require.Len(t, cfg.Routes, 2)

	receiver, err := address.NewIDAddress(1234)
	require.NoError(t, err)

	terms, err := cfg.Routes[0].Terms(receiver, cfg.Gateway, "mock-escrow")
	require.NoError(t, err)
	assert.True(t, terms.Price.Equals(big.NewInt(1000)))
	assert.Equal(t, "articles", terms.Meta)
	assert.Equal(t, receiver, terms.Receiver)
	assert.Equal(t, "mock-escrow", terms.Contract)

	for _, price := range []string{"", "0", "-5", "1.5"} {
		r := RouteConfig{Path: "/x", Price: price}
		_, err := r.Terms(receiver, cfg.Gateway, "")
		assert.Error(t, err, price)
	}
}

func TestPaywallConfigErrors(t *testing.T) {
	_, err := loadPaywallConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("routes:\n  - price: \"10\"\n"), 0o644))
	_, err = loadPaywallConfig(path)
	assert.Error(t, err)
}

func TestRouteHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg, err := loadPaywallConfig("testdata/paywall.yaml")
	require.NoError(t, err)

	e := gin.New()
	for i := range cfg.Routes {
		route := cfg.Routes[i]
		e.GET(route.Path, route.Handler())
	}

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/articles/3", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "paid content", w.Body.String())

	w = httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reports/annual", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "annual report\n", w.Body.String())
}
