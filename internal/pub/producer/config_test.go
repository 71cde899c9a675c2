package producer

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kpub/internal/pub"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{name: "defaults", cfg: Config{}},
		{name: "acks all", cfg: Config{Acks: "all"}},
		{name: "idempotent", cfg: Config{EnableIdempotence: true}},
		{name: "transactional", cfg: Config{TransactionalID: "tx", Acks: "-1"}},
		{name: "invalid acks", cfg: Config{Acks: "2"}, wantErr: pub.ErrInvalidConfig},
		{name: "idempotent acks 1", cfg: Config{EnableIdempotence: true, Acks: "1"}, wantErr: pub.ErrInvalidConfig},
		{name: "transactional acks 0", cfg: Config{TransactionalID: "tx", Acks: "0"}, wantErr: pub.ErrInvalidConfig},
		{name: "unknown compression", cfg: Config{Compression: "brotli"}, wantErr: pub.ErrInvalidConfig},
		{name: "negative size", cfg: Config{MaxBatchSize: -1}, wantErr: pub.ErrInvalidConfig},
		{name: "retries disabled", cfg: Config{MaxRetries: -1}},
		{name: "negative linger", cfg: Config{Linger: -time.Second}, wantErr: pub.ErrInvalidConfig},
		{name: "explicit version", cfg: Config{APIVersion: "0.10.2"}},
		{name: "bad version", cfg: Config{APIVersion: "latest"}, wantErr: pub.ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestConfig_Resolve(t *testing.T) {
	s, err := Config{}.resolve()
	require.NoError(t, err)
	assert.Equal(t, int16(1), s.acks)
	assert.False(t, s.idempotent)
	assert.Nil(t, s.version)
	assert.Contains(t, s.ClientID, "kpub-producer-")
	assert.Equal(t, s.MaxBatchSize, s.MaxBufferedBytes)
	assert.Equal(t, 5, s.MaxRetries)
	assert.Equal(t, 2*time.Minute, s.DeliveryTimeout)

	s, err = Config{MaxRetries: -1}.resolve()
	require.NoError(t, err)
	assert.Zero(t, s.MaxRetries, "negative retries resolve to a single attempt")

	s, err = Config{TransactionalID: "tx"}.resolve()
	require.NoError(t, err)
	assert.Equal(t, int16(-1), s.acks, "idempotence defaults acks to all")
	assert.True(t, s.idempotent)

	s, err = Config{APIVersion: "0.10"}.resolve()
	require.NoError(t, err)
	require.NotNil(t, s.version)
	assert.Equal(t, pub.Version0_10, *s.version)
}

func TestConfig_FromEnv(t *testing.T) {
	t.Setenv("PRODUCER_ACKS", "all")
	t.Setenv("PRODUCER_TRANSACTIONAL_ID", "orders-tx")
	t.Setenv("PRODUCER_LINGER", "5ms")
	t.Setenv("PRODUCER_COMPRESSION", "zstd")

	cfg, err := env.ParseAs[Config]()
	require.NoError(t, err)
	assert.Equal(t, "orders-tx", cfg.TransactionalID)
	assert.Equal(t, 5*time.Millisecond, cfg.Linger)
	assert.Equal(t, 16384, cfg.MaxBatchSize)
	assert.Equal(t, 2*time.Minute, cfg.DeliveryTimeout)

	s, err := cfg.resolve()
	require.NoError(t, err)
	assert.Equal(t, pub.CompressionZstd, s.compression)
}

func TestSettings_CheckVersion(t *testing.T) {
	lz4, err := Config{Compression: "lz4"}.resolve()
	require.NoError(t, err)
	require.ErrorIs(t, lz4.checkVersion(pub.APIVersion{Major: 0, Minor: 8, Patch: 1}, false), pub.ErrUnsupportedVersion)
	require.NoError(t, lz4.checkVersion(pub.Version0_8_2, false))

	idem, err := Config{EnableIdempotence: true}.resolve()
	require.NoError(t, err)
	require.ErrorIs(t, idem.checkVersion(pub.Version0_10, false), pub.ErrUnsupportedVersion)
	require.NoError(t, idem.checkVersion(pub.Version0_11, false))

	plain, err := Config{}.resolve()
	require.NoError(t, err)
	require.ErrorIs(t, plain.checkVersion(pub.Version0_10, true), pub.ErrUnsupportedVersion)
}
