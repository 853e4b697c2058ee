package exec_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polyexec/exec"
)

func testKey(t *testing.T) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return hexutil.Encode(crypto.FromECDSA(key))
}

func newTestClient(t *testing.T, srv *httptest.Server) *exec.Client {
	t.Helper()
	c, err := exec.NewClient(exec.Config{
		BaseURL:    srv.URL,
		APIKey:     "key-1",
		APISecret:  "c2VjcmV0LXNlY3JldA==",
		Passphrase: "pass",
		PrivateKey: testKey(t),
	})
	require.NoError(t, err)
	return c
}

func TestPlaceOrder_SignsAndParses(t *testing.T) {
	var payload map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/order", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("POLY_API_KEY"))
		assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))
		assert.NotEmpty(t, r.Header.Get("POLY_TIMESTAMP"))
		assert.NotEmpty(t, r.Header.Get("POLY_ADDRESS"))

		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &payload))

		w.Write([]byte(`{"success":true,"errorMsg":"","orderID":"0xabc","status":"matched","makingAmount":"4.5","takingAmount":"10"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.PlaceOrder(context.Background(), exec.OrderRequest{
		TokenID: "123456789",
		Side:    exec.SideBuy,
		Price:   decimal.RequireFromString("0.45"),
		Size:    decimal.NewFromInt(10),
		Type:    exec.OrderTypeFAK,
	})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, "0xabc", resp.OrderID)
	assert.True(t, resp.TakingAmount.Equal(decimal.NewFromInt(10)))
	assert.True(t, resp.MakingAmount.Equal(decimal.RequireFromString("4.5")))

	assert.Equal(t, "FAK", payload["orderType"])
	assert.Equal(t, "key-1", payload["owner"])
	order := payload["order"].(map[string]interface{})
	assert.Equal(t, "BUY", order["side"])
	assert.Equal(t, "4500000", order["makerAmount"])
	assert.Equal(t, "10000000", order["takerAmount"])
	assert.NotEmpty(t, order["signature"])
}

func TestPlaceOrder_RejectionIsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"order couldn't be fully filled. FOK orders are fully filled or killed."}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv).PlaceOrder(context.Background(), exec.OrderRequest{
		TokenID: "1",
		Side:    exec.SideSell,
		Price:   decimal.RequireFromString("0.01"),
		Size:    decimal.NewFromInt(40),
		Type:    exec.OrderTypeFOK,
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.ErrorMsg, "fully filled")
}

func TestPlaceOrder_ServerErrorIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).PlaceOrder(context.Background(), exec.OrderRequest{
		TokenID: "1", Side: exec.SideBuy, Price: decimal.RequireFromString("0.5"), Size: decimal.NewFromInt(2), Type: exec.OrderTypeFAK,
	})
	assert.Error(t, err)
}

func TestPlaceOrder_InvalidToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).PlaceOrder(context.Background(), exec.OrderRequest{
		TokenID: "abc", Side: exec.SideBuy, Price: decimal.RequireFromString("0.5"), Size: decimal.NewFromInt(2),
	})
	assert.Error(t, err)
}

func TestBookTop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/book", r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("token_id"))
		w.Write([]byte(`{"bids":[{"price":"0.40","size":"10"},{"price":"0.44","size":"5"}],
			"asks":[{"price":"0.50","size":"3"},{"price":"0.47","size":"8"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	bid, ask, err := c.BookTop(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, bid.Equal(decimal.RequireFromString("0.44")))
	assert.True(t, ask.Equal(decimal.RequireFromString("0.47")))

	bid, err = c.BestBid(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, bid.Equal(decimal.RequireFromString("0.44")))
}
