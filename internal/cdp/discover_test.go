package cdp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/drzln/curupira/internal/common/errorx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscover(t *testing.T) {
	fb := newFakeBrowser(t)

	url, err := Discover(context.Background(), fb.srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, fb.wsURL(), url)
}

func TestDiscover_MissingURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Browser":"Fake/1.0"}`))
	}))
	defer srv.Close()

	_, err := Discover(context.Background(), srv.URL)
	assert.ErrorIs(t, err, errorx.ErrProtocol)
}

func TestDiscover_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := Discover(context.Background(), srv.URL)
	assert.ErrorIs(t, err, errorx.ErrConnectionRefused)
}

func TestListTargets(t *testing.T) {
	fb := newFakeBrowser(t)

	targets, err := ListTargets(context.Background(), fb.srv.URL)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, TargetInfo{ID: "T1", Type: "page", Title: "App", URL: "http://app.test/"}, targets[0])
	assert.Equal(t, "service_worker", targets[1].Type)
}
