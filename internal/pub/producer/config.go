package producer

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"kpub/internal/pub"
)

// Config holds the producer settings. It is parsed from the environment with
// caarlos0/env; zero values get the defaults below when built by hand.
type Config struct {
	ClientID string `env:"PRODUCER_CLIENT_ID"`
	// Acks is "0", "1", "-1" or "all". Empty means 1, or all when idempotent.
	Acks              string `env:"PRODUCER_ACKS"`
	EnableIdempotence bool   `env:"PRODUCER_ENABLE_IDEMPOTENCE" envDefault:"false"`
	// TransactionalID turns on transactions and implies idempotence.
	TransactionalID    string        `env:"PRODUCER_TRANSACTIONAL_ID"`
	TransactionTimeout time.Duration `env:"PRODUCER_TRANSACTION_TIMEOUT" envDefault:"60s"`

	Compression      string        `env:"PRODUCER_COMPRESSION" envDefault:"none"`
	MaxBatchSize     int           `env:"PRODUCER_MAX_BATCH_SIZE" envDefault:"16384"`
	MaxRequestSize   int           `env:"PRODUCER_MAX_REQUEST_SIZE" envDefault:"1048576"`
	MaxBufferedBytes int           `env:"PRODUCER_MAX_BUFFERED_BYTES" envDefault:"16384"`
	Linger           time.Duration `env:"PRODUCER_LINGER" envDefault:"0s"`

	RequestTimeout  time.Duration `env:"PRODUCER_REQUEST_TIMEOUT" envDefault:"40s"`
	RetryBackoff    time.Duration `env:"PRODUCER_RETRY_BACKOFF" envDefault:"100ms"`
	// MaxRetries bounds retriable failures per batch; negative disables retries.
	MaxRetries      int           `env:"PRODUCER_MAX_RETRIES" envDefault:"5"`
	DeliveryTimeout time.Duration `env:"PRODUCER_DELIVERY_TIMEOUT" envDefault:"2m"`

	// APIVersion is "auto" to use the version negotiated at bootstrap, or
	// an explicit "major.minor[.patch]".
	APIVersion string `env:"PRODUCER_API_VERSION" envDefault:"auto"`
}

// settings is a validated Config with every string resolved.
type settings struct {
	Config

	acks        int16
	idempotent  bool
	compression pub.Compression
	version     *pub.APIVersion
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = "kpub-producer-" + uuid.NewString()
	}
	if c.TransactionTimeout == 0 {
		c.TransactionTimeout = time.Minute
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = 16384
	}
	if c.MaxRequestSize == 0 {
		c.MaxRequestSize = 1048576
	}
	if c.MaxBufferedBytes == 0 {
		c.MaxBufferedBytes = c.MaxBatchSize
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 40 * time.Second
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.DeliveryTimeout == 0 {
		c.DeliveryTimeout = 2 * time.Minute
	}
	if c.APIVersion == "" {
		c.APIVersion = "auto"
	}
	return c
}

// Validate checks every setting that does not depend on the broker.
func (c Config) Validate() error {
	_, err := c.resolve()
	return err
}

func (c Config) resolve() (settings, error) {
	c = c.withDefaults()
	s := settings{Config: c}

	s.idempotent = c.EnableIdempotence || c.TransactionalID != ""

	switch strings.ToLower(strings.TrimSpace(c.Acks)) {
	case "":
		s.acks = 1
		if s.idempotent {
			s.acks = -1
		}
	case "0":
		s.acks = 0
	case "1":
		s.acks = 1
	case "-1", "all":
		s.acks = -1
	default:
		return s, fmt.Errorf("%w: invalid acks %q", pub.ErrInvalidConfig, c.Acks)
	}
	if s.idempotent && s.acks != -1 {
		return s, fmt.Errorf("%w: acks=%s not supported if idempotence is enabled", pub.ErrInvalidConfig, c.Acks)
	}

	compression, err := pub.ParseCompression(c.Compression)
	if err != nil {
		return s, err
	}
	s.compression = compression

	switch {
	case c.MaxBatchSize < 0, c.MaxRequestSize < 0, c.MaxBufferedBytes < 0:
		return s, fmt.Errorf("%w: sizes must be positive", pub.ErrInvalidConfig)
	case c.Linger < 0, c.RequestTimeout < 0, c.RetryBackoff < 0, c.DeliveryTimeout < 0, c.TransactionTimeout < 0:
		return s, fmt.Errorf("%w: durations must not be negative", pub.ErrInvalidConfig)
	}

	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}

	if !strings.EqualFold(c.APIVersion, "auto") {
		v, err := pub.ParseAPIVersion(c.APIVersion)
		if err != nil {
			return s, err
		}
		s.version = &v
	}

	return s, nil
}

// checkVersion verifies the features in use against the broker version.
func (s settings) checkVersion(v pub.APIVersion, multi bool) error {
	if s.compression == pub.CompressionLZ4 && !v.AtLeast(pub.Version0_8_2) {
		return fmt.Errorf("%w: lz4 requires broker 0.8.2 or newer, got %s", pub.ErrUnsupportedVersion, v)
	}
	if (s.idempotent || multi) && !v.AtLeast(pub.Version0_11) {
		return fmt.Errorf("%w: idempotent and transactional producers require broker 0.11 or newer, got %s", pub.ErrUnsupportedVersion, v)
	}
	return nil
}
