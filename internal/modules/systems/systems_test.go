package systems

import (
	"bytes"
	"compress/gzip"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpilot/trader/internal/database"
	"github.com/quantpilot/trader/internal/domain"
)

func TestExtractTickers_LeafOnly(t *testing.T) {
	payload := []byte(`{"positions": ["SPY", "bil", "Empty", "SPY"]}`)

	tickers, err := ExtractTickers(payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"BIL", "SPY"}, tickers, "uppercased, deduped, Empty dropped, sorted")
}

func TestExtractTickers_NestedTree(t *testing.T) {
	payload := []byte(`{
		"children": {
			"then": [
				{"positions": ["QQQ"]},
				{"children": {"else": [{"positions": ["TLT", "Empty"]}]}}
			],
			"else": [
				{"positions": ["spy"]}
			]
		}
	}`)

	tickers, err := ExtractTickers(payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"QQQ", "SPY", "TLT"}, tickers)
}

func TestExtractTickers_Failures(t *testing.T) {
	_, err := ExtractTickers(nil)
	assert.Error(t, err)

	_, err = ExtractTickers([]byte(`not json`))
	assert.Error(t, err)
}

func TestExtractTickers_IgnoresUnknownFields(t *testing.T) {
	payload := []byte(`{"name":"momentum","version":3,"positions":["SPY"],"params":{"lookback":60}}`)

	tickers, err := ExtractTickers(payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"SPY"}, tickers)
}

func setupDB(t *testing.T) *database.DB {
	db, err := database.New(database.Config{Path: filepath.Join(t.TempDir(), "test.db"), Name: "test"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRepository_PlainPayloadRoundTrip(t *testing.T) {
	repo := NewRepository(setupDB(t).Conn(), zerolog.Nop())

	payload := []byte(`{"positions":["SPY"]}`)
	require.NoError(t, repo.Upsert("sys-1", "Momentum", payload))

	got, err := repo.Get("sys-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Momentum", got.Name)
	assert.Equal(t, payload, got.Payload)
}

func TestRepository_GzipPayloadDecompressedOnRead(t *testing.T) {
	repo := NewRepository(setupDB(t).Conn(), zerolog.Nop())

	plain := []byte(`{"positions":["SPY","BIL"]}`)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	require.NoError(t, repo.Upsert("sys-gz", "Compressed", buf.Bytes()))

	got, err := repo.Get("sys-gz")
	require.NoError(t, err)
	assert.Equal(t, plain, got.Payload)

	tickers, err := ExtractTickers(got.Payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"BIL", "SPY"}, tickers)
}

func TestRepository_GetMissing(t *testing.T) {
	repo := NewRepository(setupDB(t).Conn(), zerolog.Nop())

	got, err := repo.Get("ghost")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDedupRepository_RoundTrip(t *testing.T) {
	repo := NewDedupRepository(setupDB(t).Conn(), zerolog.Nop())

	require.NoError(t, repo.UpsertUserCount("sys-1", 3))
	require.NoError(t, repo.SaveLastAllocation("sys-1", domain.Allocation{"SPY": 60, "BIL": 40}))

	entry, err := repo.Get("sys-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 3, entry.UserCount)
	assert.Equal(t, 60.0, entry.LastAllocation["SPY"])
	assert.False(t, entry.LastUpdated.IsZero())

	// Missing system
	entry, err = repo.Get("ghost")
	require.NoError(t, err)
	assert.Nil(t, entry)
}
