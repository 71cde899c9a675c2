package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/couchbase/gocb/v2"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"kpub/internal/couchbase"
	"kpub/internal/pub"
	"kpub/internal/pub/codec"
	"kpub/internal/pub/consumer"
	"kpub/internal/pub/controller"
	"kpub/internal/pub/memory"
	"kpub/internal/pub/metrics"
	"kpub/internal/pub/producer"
	"kpub/internal/pub/serde"
	"kpub/internal/pub/tracing"
)

type Config struct {
	Backend                   string        `env:"BACKEND" envDefault:"memory"`
	CouchbaseConnectionString string        `env:"COUCHBASE_CONNECTION_STRING" envDefault:"couchbase://localhost"`
	CouchbaseUsername         string        `env:"COUCHBASE_USERNAME" envDefault:"Administrator"`
	CouchbasePassword         string        `env:"COUCHBASE_PASSWORD" envDefault:"password"`
	CouchbaseBucketName       string        `env:"COUCHBASE_BUCKET_NAME" envDefault:"kpub"`
	CouchbaseScopeName        string        `env:"COUCHBASE_SCOPE_NAME" envDefault:"broker"`
	CouchbaseTxnTimeout       time.Duration `env:"COUCHBASE_TXN_TIMEOUT" envDefault:"10s"`
	OrdersTopic               string        `env:"ORDERS_TOPIC" envDefault:"orders"`
	InvoicesTopic             string        `env:"INVOICES_TOPIC" envDefault:"invoices"`
	TopicPartitions           int32         `env:"TOPIC_PARTITIONS" envDefault:"3"`
	BillingGroup              string        `env:"BILLING_GROUP" envDefault:"billing"`
	AuditGroup                string        `env:"AUDIT_GROUP" envDefault:"audit"`
	ConsumerBatchSize         int           `env:"CONSUMER_BATCH_SIZE" envDefault:"50"`
	ConsumerMaxEmptyCount     int           `env:"CONSUMER_MAX_EMPTY_COUNT" envDefault:"5"`
	EventCount                int           `env:"EVENT_COUNT" envDefault:"100"`
	PublishRounds             int           `env:"PUBLISH_ROUNDS" envDefault:"3"`
	PublishInterval           time.Duration `env:"PUBLISH_INTERVAL" envDefault:"1s"`
	CPUProfile                string        `env:"CPU_PROFILE"`
	MemProfile                string        `env:"MEM_PROFILE"`
	LogLevel                  string        `env:"LOG_LEVEL" envDefault:"info"`
	MetricsPort               int           `env:"METRICS_PORT" envDefault:"9090"`
	MetricsTimeout            time.Duration `env:"METRICS_TIMEOUT" envDefault:"30s"`

	Producer   producer.Config
	Controller controller.Config
	Tracing    tracing.Config
}

type order struct {
	ID         string    `json:"order_id"`
	CustomerID string    `json:"customer_id"`
	ProductID  string    `json:"product_id"`
	Amount     float64   `json:"amount"`
	Timestamp  time.Time `json:"timestamp"`
}

type invoice struct {
	OrderID    string  `json:"order_id"`
	CustomerID string  `json:"customer_id"`
	Amount     float64 `json:"amount"`
	Tax        float64 `json:"tax"`
	Source     string  `json:"source"`
}

// backend is where records go and where they are read back from.
type backend struct {
	cluster   pub.Cluster
	transport pub.Transport
	log       pub.Log
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse environment variables: %v", err)
	}

	if cfg.CPUProfile != "" {
		cpuProfile, err := os.Create(cfg.CPUProfile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		defer cpuProfile.Close()
		if err := pprof.StartCPUProfile(cpuProfile); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}
	if cfg.MemProfile != "" {
		defer func() {
			memProfile, err := os.Create(cfg.MemProfile)
			if err != nil {
				log.Fatal("could not create memory profile: ", err)
			}
			defer memProfile.Close()
			runtime.GC()
			if err := pprof.WriteHeapProfile(memProfile); err != nil {
				log.Fatal("could not write memory profile: ", err)
			}
		}()
	}

	config := zap.NewProductionConfig()

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Printf("invalid log level %q, defaulting to info: %v", cfg.LogLevel, err)
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	logger, err := config.Build(zap.AddCaller())
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	metricsRegistry := metrics.NewRegistry()
	metricsRegistry.SetSystemInfo("e2e-test", time.Now().Format(time.RFC3339))

	tracer, tracingCleanup, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingCleanup(shutdownCtx); err != nil {
			logger.Error("failed to cleanup tracing", zap.Error(err))
		}
	}()

	logger.Info("tracing initialized",
		zap.String("service", cfg.Tracing.ServiceName),
		zap.String("jaeger_endpoint", cfg.Tracing.JaegerEndpoint),
		zap.Float64("sample_rate", cfg.Tracing.SampleRate),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
		}
	}()

	be, err := newBackend(ctx, cfg, metricsRegistry, tracer, logger)
	if err != nil {
		log.Fatalf("failed to create %s backend: %v", cfg.Backend, err)
	}

	// publisher
	pubCfg := cfg.Producer
	pubCfg.TransactionalID = "orders-publisher"
	baseProducer, err := producer.New(pubCfg, be.cluster, be.transport, codec.New(), logger,
		producer.WithValueSerializer(serde.JSON),
		producer.WithObserver(metricsRegistry),
		producer.WithIrrecoverableErrorHandler(func(err error) {
			logger.Error("publisher failed", zap.Error(err))
		}),
	)
	if err != nil {
		log.Fatalf("failed to create producer: %v", err)
	}
	if err := baseProducer.Start(ctx); err != nil {
		log.Fatalf("failed to start producer: %v", err)
	}
	metricsProducer := producer.NewMetricsProducer(baseProducer, metricsRegistry)
	publisher := producer.NewTracedProducer(metricsProducer, tracer, pubCfg.TransactionalID)

	// billing: one transactional identity per orders partition
	billingCfg := cfg.Producer
	billingCfg.TransactionalID = ""
	billingCfg.Acks = ""
	billing, err := producer.NewMultiTxnProducer(billingCfg, be.cluster, be.transport, codec.New(), logger,
		producer.WithValueSerializer(serde.JSON),
		producer.WithObserver(metricsRegistry),
	)
	if err != nil {
		log.Fatalf("failed to create billing producer: %v", err)
	}
	if err := billing.Start(ctx); err != nil {
		log.Fatalf("failed to start billing producer: %v", err)
	}

	baseConsumer, err := consumer.NewConsumer(be.log, logger, cfg.ConsumerBatchSize)
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
	}
	metricsConsumer := consumer.NewMetricsConsumer(baseConsumer, metricsRegistry)
	records := consumer.NewTracedConsumer(metricsConsumer, tracer)

	metricsServer := metrics.NewServer(
		metrics.ServerConfig{
			Port:    cfg.MetricsPort,
			Timeout: cfg.MetricsTimeout,
		},
		metricsRegistry,
		logger,
		metrics.WithReadyCheck(baseProducer.Err),
	)

	go func() {
		if err := metricsServer.Start(ctx); err != nil {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("metrics server started",
		zap.String("endpoint", fmt.Sprintf("http://localhost:%d/metrics", cfg.MetricsPort)),
		zap.String("health", fmt.Sprintf("http://localhost:%d/health", cfg.MetricsPort)),
	)

	now := time.Now()
	published := atomic.NewBool(false)
	billed := atomic.NewInt64(0)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer published.Store(true)

		ticker := time.NewTicker(max(cfg.PublishInterval, time.Millisecond))
		defer ticker.Stop()

		for round := 1; round <= cfg.PublishRounds; round++ {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
			}

			err := producer.Transaction(gctx, publisher, func(ctx context.Context) error {
				return publish(ctx, publisher, cfg.OrdersTopic, cfg.EventCount)
			})
			if err != nil {
				logger.Error("failed to publish orders", zap.Int("round", round), zap.Error(err))
				return fmt.Errorf("failed to publish orders: %w", err)
			}
			logger.Info("published orders", zap.Int("round", round), zap.Int("count", cfg.EventCount))
		}

		logger.Info("publish rounds complete")
		return nil
	})

	for p := range cfg.TopicPartitions {
		tp := pub.TopicPartition{Topic: cfg.OrdersTopic, Partition: p}
		id := fmt.Sprintf("%s-%d", cfg.BillingGroup, p)
		g.Go(func() error {
			n, err := bill(gctx, logger, records, billing, id, cfg, tp, published)
			billed.Add(int64(n))
			return err
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("error in goroutine", zap.Error(err))
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := baseProducer.Stop(stopCtx); err != nil {
		logger.Error("failed to stop producer", zap.Error(err))
	}
	if err := billing.Stop(stopCtx); err != nil {
		logger.Error("failed to stop billing producer", zap.Error(err))
	}

	invoices, err := audit(stopCtx, records, cfg.AuditGroup, cfg.InvoicesTopic, cfg.TopicPartitions)
	if err != nil {
		logger.Error("failed to audit invoices", zap.Error(err))
	}
	logger.Info("e2e finished",
		zap.Int("published", cfg.PublishRounds*cfg.EventCount),
		zap.Int64("billed", billed.Load()),
		zap.Int("invoices", invoices),
		zap.Duration("took", time.Since(now)),
	)

	if err := metricsServer.Stop(stopCtx); err != nil {
		logger.Error("failed to stop metrics server", zap.Error(err))
	}
}

func newBackend(ctx context.Context, cfg Config, registry *metrics.Registry, tracer *tracing.Tracer, logger *zap.Logger) (backend, error) {
	switch cfg.Backend {
	case "memory":
		b := memory.NewBroker(
			memory.WithTopic(cfg.OrdersTopic, cfg.TopicPartitions),
			memory.WithTopic(cfg.InvoicesTopic, cfg.TopicPartitions),
		)
		return backend{cluster: b, transport: b, log: b}, nil

	case "couchbase":
		cluster, bucket, err := newCouchbase(cfg)
		if err != nil {
			return backend{}, fmt.Errorf("failed to connect to Couchbase: %w", err)
		}
		stores, err := controller.NewStores(cluster, bucket, cfg.CouchbaseScopeName)
		if err != nil {
			return backend{}, fmt.Errorf("failed to open stores: %w", err)
		}
		transactions, err := couchbase.NewTransactions(cluster, couchbase.WithTimeout(cfg.CouchbaseTxnTimeout))
		if err != nil {
			return backend{}, fmt.Errorf("failed to create transactions: %w", err)
		}

		ctlr, err := controller.NewController(cfg.Controller, stores, transactions, codec.New(), logger)
		if err != nil {
			return backend{}, fmt.Errorf("failed to create controller: %w", err)
		}
		for _, topic := range []string{cfg.OrdersTopic, cfg.InvoicesTopic} {
			if err := ctlr.CreateTopic(ctx, topic, cfg.TopicPartitions); err != nil {
				return backend{}, err
			}
		}

		metricsTransport := controller.NewMetricsTransport(ctlr, registry)
		transport := controller.NewTracedTransport(metricsTransport, tracer)
		return backend{cluster: ctlr, transport: transport, log: ctlr}, nil

	default:
		return backend{}, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func publish(ctx context.Context, p pub.Producer, topic string, count int) error {
	customers := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"}
	products := []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "10"}

	futures := make([]*pub.Future, 0, count)
	for range count {
		o := order{
			ID:         uuid.NewString(),
			CustomerID: customers[rand.IntN(len(customers))],
			ProductID:  products[rand.IntN(len(products))],
			Amount:     10.0 + rand.Float64()*990.0,
			Timestamp:  time.Now(),
		}
		fut, err := p.Send(ctx, pub.NewMessage(topic, o.CustomerID, o))
		if err != nil {
			return err
		}
		futures = append(futures, fut)
	}

	if err := p.Flush(ctx); err != nil {
		return err
	}
	for _, fut := range futures {
		if _, err := fut.Result(); err != nil {
			return err
		}
	}

	return nil
}

// bill turns the orders of tp into invoices, committing the consumed offsets
// in the same transaction. It returns once the publisher is done and tp
// stayed empty for a while.
func bill(ctx context.Context, logger *zap.Logger, orders pub.Consumer, billing *producer.MultiTxnProducer, id string, cfg Config, tp pub.TopicPartition, published *atomic.Bool) (int, error) {
	logger = logger.With(zap.String("transactional_id", id), zap.Stringer("partition", tp))

	var total, empty int
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-tick.C:
		}

		if err := billing.MaybeBeginTransaction(ctx, id); err != nil {
			return total, fmt.Errorf("failed to begin billing transaction: %w", err)
		}

		n, next, err := orders.Pull(ctx, cfg.BillingGroup, tp, func(ctx context.Context, r pub.ConsumerRecord) error {
			var o order
			if err := serde.Decode(r.Value, &o); err != nil {
				return err
			}
			_, err := billing.Send(ctx, id, pub.NewMessage(cfg.InvoicesTopic, r.Key, invoice{
				OrderID:    o.ID,
				CustomerID: o.CustomerID,
				Amount:     o.Amount,
				Tax:        o.Amount * 0.2,
				Source:     fmt.Sprintf("%s@%d", r.TopicPartition, r.Offset),
			}))
			return err
		})
		if err != nil {
			if aerr := billing.AbortTransaction(ctx, id); aerr != nil {
				err = errors.Join(err, aerr)
			}
			return total, fmt.Errorf("failed to bill orders: %w", err)
		}

		if n == 0 {
			if err := billing.AbortTransaction(ctx, id); err != nil {
				return total, err
			}
			if published.Load() {
				empty++
			}
			if empty >= cfg.ConsumerMaxEmptyCount {
				logger.Info("no more orders, stopping billing", zap.Int("billed", total))
				return total, billing.StopTransaction(ctx, id)
			}
			continue
		}

		empty = 0
		offsets := map[string]map[pub.TopicPartition]pub.OffsetAndMetadata{id: {tp: next}}
		if err := billing.Commit(ctx, offsets, cfg.BillingGroup, false); err != nil {
			return total, fmt.Errorf("failed to commit billing transaction: %w", err)
		}
		total += n
		logger.Debug("billed orders", zap.Int("count", n), zap.Int64("next_offset", next.Offset))
	}
}

// audit reads every committed invoice once, committing as it goes so a
// rerun with the same group only sees new ones.
func audit(ctx context.Context, c pub.Consumer, group, topic string, partitions int32) (int, error) {
	var total int
	for p := range partitions {
		tp := pub.TopicPartition{Topic: topic, Partition: p}
		for {
			n, next, err := c.Pull(ctx, group, tp, func(ctx context.Context, r pub.ConsumerRecord) error {
				var inv invoice
				return serde.Decode(r.Value, &inv)
			})
			if err != nil {
				return total, err
			}
			if n == 0 {
				break
			}
			if err := c.Commit(ctx, group, tp, next); err != nil {
				return total, err
			}
			total += n
		}
	}
	return total, nil
}

func newCouchbase(config Config) (*gocb.Cluster, *gocb.Bucket, error) {
	cluster, err := gocb.Connect(config.CouchbaseConnectionString, gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: config.CouchbaseUsername,
			Password: config.CouchbasePassword,
		},
		TimeoutsConfig: gocb.TimeoutsConfig{
			ConnectTimeout: 10 * time.Second,
			KVTimeout:      5 * time.Second,
			QueryTimeout:   30 * time.Second,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to cluster: %w", err)
	}

	bucket := cluster.Bucket(config.CouchbaseBucketName)

	err = bucket.WaitUntilReady(5*time.Second, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("bucket not ready: %w", err)
	}

	return cluster, bucket, nil
}
