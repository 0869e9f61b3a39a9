package chain

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/agentvault/pkg/types"
)

const etherscanTxList = `{
  "status": "1",
  "message": "OK",
  "result": [
    {
      "hash": "0xaaa",
      "blockNumber": "100",
      "timeStamp": "1700000000",
      "from": "0x9858effd232b4033e47d90003d41ec34ecaeda94",
      "to": "0x00000000000000000000000000000000000000aa",
      "value": "5000",
      "gasPrice": "10",
      "gasUsed": "21000",
      "isError": "0",
      "txreceipt_status": "1",
      "input": "0x"
    },
    {
      "hash": "0xbbb",
      "blockNumber": "99",
      "timeStamp": "1699999999",
      "from": "0x9858effd232b4033e47d90003d41ec34ecaeda94",
      "to": "0x00000000000000000000000000000000000000cc",
      "value": "0",
      "gasPrice": "10",
      "gasUsed": "50000",
      "isError": "1",
      "txreceipt_status": "0",
      "input": "0xa9059cbb00000000000000000000000000000000000000000000000000000000000000bb0000000000000000000000000000000000000000000000000000000000000064"
    }
  ]
}`

func TestEtherscanHistory(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotQuery = map[string]string{
			"chainid": q.Get("chainid"),
			"action":  q.Get("action"),
			"offset":  q.Get("offset"),
			"apikey":  q.Get("apikey"),
		}
		_, _ = w.Write([]byte(etherscanTxList))
	}))
	defer srv.Close()

	h := NewEtherscanHistory(srv.URL, "key", 1)
	receipts, err := h.History(context.Background(), "0x9858EfFD232B4033E47d90003D41EC34EcaEda94", 2)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"chainid": "1", "action": "txlist", "offset": "2", "apikey": "key"}, gotQuery)
	require.Len(t, receipts, 2)

	assert.Equal(t, types.TxStatusSuccess, receipts[0].Status)
	assert.Equal(t, types.NativeAsset, receipts[0].Asset)
	assert.Equal(t, "5000", receipts[0].Amount)
	assert.Equal(t, "210000", receipts[0].Fee)
	assert.Equal(t, uint64(100), receipts[0].BlockNumber)
	assert.Equal(t, int64(1700000000), receipts[0].Timestamp.Unix())

	assert.Equal(t, types.TxStatusFailed, receipts[1].Status)
	assert.Equal(t, "0x00000000000000000000000000000000000000cc", receipts[1].Asset)
	assert.Equal(t, common.HexToAddress("0xbb").Hex(), receipts[1].To)
	assert.Equal(t, "100", receipts[1].Amount)
}

func TestEtherscanHistory_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
		empty     bool
	}{
		{name: "no transactions", status: 200, body: `{"status":"0","message":"No transactions found","result":[]}`, empty: true},
		{name: "rate limited reply", status: 200, body: `{"status":"0","message":"NOTOK","result":"Max rate limit reached"}`, transient: true},
		{name: "bad api key", status: 200, body: `{"status":"0","message":"NOTOK","result":"Invalid API Key"}`},
		{name: "server error", status: 502, body: "bad gateway", transient: true},
		{name: "not found", status: 404, body: "nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			receipts, err := NewEtherscanHistory(srv.URL, "", 1).History(context.Background(), "0xabc", 10)
			if tt.empty {
				require.NoError(t, err)
				assert.Empty(t, receipts)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}
