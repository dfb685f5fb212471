package rpcclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler func(method string, params []interface{}) interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "rpcuser" || pass != "rpcpass" {
			t.Fatalf("unexpected auth: %s/%s", user, pass)
		}
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		result := handler(req.Method, req.Params)
		raw, err := json.Marshal(result)
		if err != nil {
			t.Fatal(err)
		}
		resp := rpcResponse{Result: raw}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatal(err)
		}
	}))
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Config{HTTPPostURL: url, User: "rpcuser", Pass: "rpcpass"})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCookieFileAuth(t *testing.T) {
	dir := t.TempDir()
	cookiePath := filepath.Join(dir, ".cookie")
	if err := os.WriteFile(cookiePath, []byte("rpcuser:rpcpass\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	srv := newTestServer(t, func(method string, params []interface{}) interface{} {
		return []string{}
	})
	defer srv.Close()

	c, err := New(Config{HTTPPostURL: srv.URL, CookieFile: cookiePath})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetRawMempool(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestGetRawMempool(t *testing.T) {
	var txid chainhash.Hash
	txid[0] = 0xAB

	srv := newTestServer(t, func(method string, params []interface{}) interface{} {
		if method != "getrawmempool" {
			t.Fatalf("unexpected method %s", method)
		}
		return []string{txid.String()}
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ids, err := c.GetRawMempool(context.Background())
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{txid}, ids)
}

func TestEstimateSmartFeeNoEstimate(t *testing.T) {
	srv := newTestServer(t, func(method string, params []interface{}) interface{} {
		return EstimateSmartFeeResult{FeeRate: 0}
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, ok, err := c.EstimateSmartFee(context.Background(), 6)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected ok=false when node returns no fee estimate")
	}
}

func TestRPCErrorIsWrapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := rpcResponse{Error: &rpcError{Code: -5, Message: "No such mempool transaction"}}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatal(err)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.GetRawMempool(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
}
