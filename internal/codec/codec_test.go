package codec

import (
	"testing"

	"github.com/rishav/eod-stream-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEnvelope() *domain.Envelope {
	return &domain.Envelope{
		ExecID:        "E1",
		OrderID:       "O1",
		ClientOrderID: "C1",
		Symbol:        "AAPL",
		Side:          domain.SideBuy,
		Quantity:      100,
		PriceMantissa: 15_050_000_000,
		PriceExponent: domain.PriceExponent,
		TraderID:      "T1",
		Account:       "ACC1",
		StrategyCode:  "STRAT1",
		Exchange:      "NASDAQ",
		ReceiveTimeNS: 1000,
		GatewayTimeNS: 1001,
		ExecTimeNS:    1002,
		RawFrame:      []byte{1, 2, 3, 4},
		GatewayID:     "gw-1",
	}
}

func TestCodec_RawRoundTrip(t *testing.T) {
	c := New(nil)
	env := sampleEnvelope()

	payload, err := c.Encode("trades.raw", env)
	require.NoError(t, err)

	result, err := c.Decode(payload)
	require.NoError(t, err)
	assert.False(t, result.HadSchemaID)
	assert.Equal(t, env, result.Envelope)
}

func TestCodec_SchemaPrefixedRoundTrip(t *testing.T) {
	reg := NewRegistry()
	id, err := reg.RegisterSchema("trades.raw-value", Descriptor{Subject: "trades.raw-value", Raw: []byte("v1")})
	require.NoError(t, err)

	c := New(reg)
	env := sampleEnvelope()

	payload, err := c.Encode("trades.raw-value", env)
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), payload[0])

	result, err := c.Decode(payload)
	require.NoError(t, err)
	assert.True(t, result.HadSchemaID)
	assert.Equal(t, id, result.SchemaID)
	assert.Equal(t, env, result.Envelope)
}

func TestCodec_RawAndSchemaPrefixedAgreeOnFields(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.RegisterSchema("subj", Descriptor{Subject: "subj", Raw: []byte("v1")})
	require.NoError(t, err)

	env := sampleEnvelope()
	raw, err := New(nil).Encode("subj", env)
	require.NoError(t, err)
	prefixed, err := New(reg).Encode("subj", env)
	require.NoError(t, err)

	rawResult, err := New(nil).Decode(raw)
	require.NoError(t, err)
	prefixedResult, err := New(reg).Decode(prefixed)
	require.NoError(t, err)

	assert.Equal(t, rawResult.Envelope, prefixedResult.Envelope)
}

func TestCodec_ChecksumMismatchFails(t *testing.T) {
	c := New(nil)
	payload, err := c.Encode("subj", sampleEnvelope())
	require.NoError(t, err)

	corrupted := append([]byte{}, payload...)
	corrupted[len(corrupted)-1] ^= 0xFF

	_, err = c.Decode(corrupted)
	assert.Error(t, err)
}

func TestRegistry_CompatibilityCheck(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.RegisterSchema("subj", Descriptor{Subject: "subj", Raw: []byte("v1")})
	require.NoError(t, err)

	ok, err := reg.CheckCompatibility("subj", Descriptor{Raw: []byte("v1")})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.CheckCompatibility("subj", Descriptor{Raw: []byte("v2")})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistry_SingleFlightDeduplicatesConcurrentRegistration(t *testing.T) {
	reg := NewRegistry()
	const n = 20
	ids := make(chan uint32, n)
	for i := 0; i < n; i++ {
		go func() {
			id, err := reg.RegisterSchema("subj", Descriptor{Subject: "subj", Raw: []byte("v1")})
			require.NoError(t, err)
			ids <- id
		}()
	}
	first := <-ids
	for i := 1; i < n; i++ {
		assert.Equal(t, first, <-ids)
	}
}
