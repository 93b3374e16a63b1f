package storage

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barreplay/internal/database"
	"barreplay/internal/market/kline"
	"barreplay/internal/monitoring"
	"barreplay/internal/testutils"
)

func testDB(t *testing.T) *database.DB {
	t.Helper()
	host := testutils.RequireEnv(t, "BARREPLAY_TEST_PG_HOST")
	port, _ := strconv.Atoi(os.Getenv("BARREPLAY_TEST_PG_PORT"))

	ctx := testutils.TimeoutContext(t, 30*time.Second)
	db, err := database.NewConnection(ctx, &database.Config{
		Host:     host,
		Port:     port,
		User:     os.Getenv("BARREPLAY_TEST_PG_USER"),
		Password: os.Getenv("BARREPLAY_TEST_PG_PASSWORD"),
		DBName:   os.Getenv("BARREPLAY_TEST_PG_DB"),
	}, testutils.NewTestSuite(t).Logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m, err := database.NewMigrator(db)
	require.NoError(t, err)
	require.NoError(t, m.Up())
	return db
}

func TestPostgresSink_UpsertAndLoad(t *testing.T) {
	db := testDB(t)
	ctx := testutils.TimeoutContext(t, 30*time.Second)
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	sink := NewPostgresSink(db, nil, metrics)

	ticker := "it" + strconv.FormatInt(time.Now().UnixNano(), 36)
	store := testutils.SampleStore(ticker, jan1, 120)

	n, err := sink.Save(ctx, store, kline.Interval1m)
	require.NoError(t, err)
	assert.Equal(t, 120, n)

	// a second save overwrites in place
	b, _ := store.Get(jan1)
	b.Close = 42
	store.Put(b)
	_, err = sink.Save(ctx, store, kline.Interval1m)
	require.NoError(t, err)

	loaded, err := sink.Load(ctx, ticker, kline.Interval1m, jan1, jan1.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 120, loaded.Size())
	assert.True(t, store.Equal(loaded))

	got, ok := loaded.Get(jan1)
	require.True(t, ok)
	assert.Equal(t, 42.0, got.Close)

	require.NoError(t, sink.SaveRun(ctx, RunRecord{
		RunID:     ticker,
		Ticker:    ticker,
		Period:    kline.Interval1m,
		From:      jan1,
		To:        jan1.Add(2 * time.Hour),
		StartedAt: time.Now(),
		Bars:      120,
		Success:   true,
	}))
}

func TestObjectUploader_Upload(t *testing.T) {
	endpoint := testutils.RequireEnv(t, "BARREPLAY_TEST_S3_ENDPOINT")
	suite := testutils.NewTestSuite(t)
	ctx := testutils.TimeoutContext(t, 30*time.Second)

	cfg := ObjectStoreConfig{
		Endpoint:        endpoint,
		AccessKeyID:     os.Getenv("BARREPLAY_TEST_S3_ACCESS_KEY"),
		SecretAccessKey: os.Getenv("BARREPLAY_TEST_S3_SECRET_KEY"),
		Bucket:          testutils.RequireEnv(t, "BARREPLAY_TEST_S3_BUCKET"),
		Prefix:          "it",
	}
	u, err := NewObjectUploader(cfg, nil, nil)
	require.NoError(t, err)

	codec, err := NewCodec(FormatCSV)
	require.NoError(t, err)
	file := suite.Path(DefaultFileName("eosusdt", jan1, jan1, "csv"))
	require.NoError(t, codec.Save(ctx, testutils.SampleStore("eosusdt", jan1, 10), file))

	key, err := u.Upload(ctx, file)
	require.NoError(t, err)
	assert.Equal(t, "it/eosusdt_20190101_20190101.csv", key)

	info, err := u.client.StatObject(ctx, cfg.Bucket, key, minio.StatObjectOptions{})
	require.NoError(t, err)
	assert.Positive(t, info.Size)
	_ = u.client.RemoveObject(context.Background(), cfg.Bucket, key, minio.RemoveObjectOptions{})
}

func TestObjectUploader_RequiresBucket(t *testing.T) {
	_, err := NewObjectUploader(ObjectStoreConfig{Endpoint: "localhost:9000"}, nil, nil)
	assert.Error(t, err)

	u, err := NewObjectUploader(ObjectStoreConfig{Endpoint: "localhost:9000", Bucket: "bars", Prefix: "daily"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "daily/eos.csv", u.Key("/tmp/out/eos.csv"))
}
