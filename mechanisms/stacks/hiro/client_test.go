package hiro

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackspay/stackspay/mechanisms/stacks"
)

const testAddress = "ST000000000000000000002AMW42H"

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(stacks.NetworkTestnet, WithBaseURL(srv.URL), WithNamesURL(srv.URL))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewClientPicksHost(t *testing.T) {
	assert.Equal(t, stacks.HiroAPITestnet, NewClient("stacks:2147483648").BaseURL())
	assert.Equal(t, stacks.HiroAPIMainnet, NewClient("stacks:1").BaseURL())
}

func TestFetchNonce(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/extended/v1/address/"+testAddress+"/nonces", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]interface{}{"possible_next_nonce": 7})
	})
	assert.Equal(t, int64(7), c.FetchNonce(context.Background(), testAddress))
}

func TestFetchNonceNonNumberIsZero(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"possible_next_nonce": "seven"})
	})
	assert.Equal(t, int64(0), c.FetchNonce(context.Background(), testAddress))
}

func TestFetchNonceUnavailable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	assert.Equal(t, UnknownNonce, c.FetchNonce(context.Background(), testAddress))
}

func TestBroadcastQuotedTxID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/transactions", r.URL.Path)
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, []byte{0x80, 0x01}, body)
		_, _ = w.Write([]byte("\"0xabc123\"\n"))
	})
	res := c.Broadcast(context.Background(), []byte{0x80, 0x01})
	assert.True(t, res.OK())
	assert.Equal(t, "0xabc123", res.TxID)
}

func TestClassifyBroadcast(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		txid  string
		error string
	}{
		{"quoted", `"0xdead"`, "0xdead", ""},
		{"json txid", `{"txid":"0xbeef"}`, "0xbeef", ""},
		{"reason", `{"error":"transaction rejected","reason":"ConflictingNonceInMempool"}`, "", "ConflictingNonceInMempool"},
		{"error only", `{"error":"bad"}`, "", "bad"},
		{"message only", `{"message":"rate limited"}`, "", "rate limited"},
		{"raw json", `{"code":1}`, "", `{"code":1}`},
		{"empty quoted", `""`, "", `empty txid in broadcast response: ""`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ClassifyBroadcast([]byte(tt.body))
			assert.Equal(t, tt.txid, res.TxID)
			assert.Equal(t, tt.error, res.Error)
		})
	}

	res := ClassifyBroadcast([]byte("<html>bad gateway</html>"))
	assert.False(t, res.OK())
	assert.Contains(t, res.Error, "unparseable")
}

func TestBroadcastTransportError(t *testing.T) {
	c := NewClient(stacks.NetworkTestnet, WithBaseURL("http://127.0.0.1:1"))
	res := c.Broadcast(context.Background(), []byte{1})
	assert.False(t, res.OK())
	assert.NotEmpty(t, res.Error)
}

func TestTipHeight(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"stacks_tip_height": 150000})
	})
	assert.Equal(t, uint64(150000), c.TipHeight(context.Background()))

	down := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	assert.Equal(t, uint64(0), down.TipHeight(context.Background()))
}

func TestBalance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"balance": "2500000"})
	})
	balance, err := c.Balance(context.Background(), testAddress)
	require.NoError(t, err)
	assert.Equal(t, uint64(2500000), balance)
}

func TestTransactions(t *testing.T) {
	memo := stacks.EncodeMemo("x402:split")
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"results": []map[string]interface{}{
				{
					"tx_id": "0x01", "tx_type": "token_transfer", "tx_status": "success",
					"sender_address": "ST1SENDER",
					"token_transfer": map[string]interface{}{
						"recipient_address": testAddress, "amount": "1000",
						"memo": "0x" + stacks.EncodeTransaction(memo[:]),
					},
				},
				{
					"tx_id": "0x02", "tx_type": "token_transfer",
					"token_transfer": map[string]interface{}{"recipient_address": "ST1OTHER", "amount": "5"},
				},
				{"tx_id": "0x03", "tx_type": "contract_call"},
			},
		})
	})

	transfers, err := c.Transactions(context.Background(), testAddress, 0)
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, "0x01", transfers[0].TxID)
	assert.Equal(t, uint64(1000), transfers[0].Amount)
	assert.Equal(t, "x402:split", transfers[0].Memo)
	assert.True(t, transfers[0].IsX402())
}

func TestResolveName(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/names/alice.btc":
			writeJSON(w, http.StatusOK, map[string]interface{}{"address": "SP000000000000000000002Q6VF78"})
		default:
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "not found"})
		}
	})
	ctx := context.Background()

	addr, err := c.ResolveName(ctx, testAddress)
	require.NoError(t, err)
	assert.Equal(t, testAddress, addr)

	addr, err = c.ResolveName(ctx, "alice.btc")
	require.NoError(t, err)
	assert.Equal(t, "SP000000000000000000002Q6VF78", addr)

	_, err = c.ResolveName(ctx, "ghost.btc")
	assert.ErrorIs(t, err, ErrNameNotFound)

	_, err = c.ResolveName(ctx, "alice")
	assert.Error(t, err)
}

func TestLookupName(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/addresses/stacks/"+testAddress {
			writeJSON(w, http.StatusOK, map[string]interface{}{"names": []string{"alice.btc", "bob.btc"}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"names": []string{}})
	})
	name, err := c.LookupName(context.Background(), testAddress)
	require.NoError(t, err)
	assert.Equal(t, "alice.btc", name)

	name, err = c.LookupName(context.Background(), "ST1NOBODY")
	require.NoError(t, err)
	assert.Empty(t, name)
}
