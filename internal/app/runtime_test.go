package app

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/agentvault/internal/config"
	"github.com/better-wallet/agentvault/pkg/types"
)

func memoryConfig() *config.Config {
	return &config.Config{
		StorageBackend:    config.BackendMemory,
		KMSProvider:       "local",
		KMSLocalMasterKey: "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f",
		SandboxChain:      true,
		ChainReadRPS:      100,
		ChainReadRetries:  1,
		SubmitTimeout:     time.Second,
		AwaitTimeout:      time.Second,
		BalanceCacheTTL:   time.Minute,
		OpsPort:           9090,
	}
}

func TestBuild_MemoryRuntime(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.RedisAddr = mr.Addr()

	ctx := context.Background()
	rt, err := Build(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(rt.Close)

	assert.Nil(t, rt.Archiver)
	require.NotNil(t, rt.Cache)
	require.NotNil(t, rt.Sandbox)
	assert.Equal(t, []string{"sandbox"}, rt.Chains.Chains())
	require.NoError(t, rt.Ping(ctx))

	sess, err := rt.Service.OpenSession("alice", testMaster)
	require.NoError(t, err)
	defer sess.Close()

	col, err := rt.Service.CreateCollection(ctx, sess, "trading", signingPolicy())
	require.NoError(t, err)
	set, err := rt.Service.Capabilities(ctx, sess, col.ID)
	require.NoError(t, err)

	created := set.Invoke(ctx, types.OpCreateAccount, json.RawMessage(`{"chain_id":"sandbox"}`))
	require.True(t, created.OK, created.Message)
	addr := created.Data.(*types.AccountHandle).Address
	rt.Sandbox.Credit(addr, "X", big.NewInt(7))

	args, err := json.Marshal(map[string]string{"chain_id": "sandbox", "address": addr})
	require.NoError(t, err)
	res := set.Invoke(ctx, types.OpGetBalance, args)
	require.True(t, res.OK, res.Message)

	keys := mr.Keys()
	assert.Len(t, keys, 1, "balance read goes through the cache")

	families, err := rt.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestBuild_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{name: "bad_kms_key", mutate: func(c *config.Config) { c.KMSLocalMasterKey = "zz" }},
		{name: "redis_unreachable", mutate: func(c *config.Config) { c.RedisAddr = "127.0.0.1:1" }},
		{name: "evm_unreachable", mutate: func(c *config.Config) {
			c.EVMChains = []config.EVMChain{{Name: "local", RPCURL: "http://127.0.0.1:1"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := memoryConfig()
			tt.mutate(cfg)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			rt, err := Build(ctx, cfg)
			assert.Error(t, err)
			assert.Nil(t, rt)
		})
	}
}
