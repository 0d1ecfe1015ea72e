package httpclient

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bronaugh/esgf-download/internal/config"
)

func TestNewEnforcesRedirectCap(t *testing.T) {
	var hops int
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hops++
		http.Redirect(w, r, srv.URL+fmt.Sprintf("/%d", hops), http.StatusFound)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.ClientCertPath = ""
	client, err := New(cfg)
	require.NoError(t, err)

	_, err = client.Get(srv.URL)
	require.Error(t, err)
	require.Contains(t, err.Error(), "TOO_MANY_REDIRECTS")
}

func TestNewFollowsRedirectsUnderCap(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/final" {
			w.Write([]byte("ok"))
			return
		}
		http.Redirect(w, r, srv.URL+"/final", http.StatusFound)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.ClientCertPath = ""
	client, err := New(cfg)
	require.NoError(t, err)

	resp, err := client.Get(srv.URL + "/start")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewRejectsMissingClientCert(t *testing.T) {
	cfg := config.Default()
	cfg.ClientCertPath = "/nonexistent/path/to/cert.pem"
	_, err := New(cfg)
	require.Error(t, err)
}
