package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/destinylab/destiny/pkg/automation"
	"github.com/destinylab/destiny/pkg/blob"
	"github.com/destinylab/destiny/pkg/config"
	"github.com/destinylab/destiny/pkg/dedup"
	"github.com/destinylab/destiny/pkg/enhance"
	"github.com/destinylab/destiny/pkg/events"
	"github.com/destinylab/destiny/pkg/index"
	"github.com/destinylab/destiny/pkg/ingest"
	"github.com/destinylab/destiny/pkg/log"
	"github.com/destinylab/destiny/pkg/metrics"
	"github.com/destinylab/destiny/pkg/projection"
	"github.com/destinylab/destiny/pkg/robot"
	"github.com/destinylab/destiny/pkg/storage"
	"github.com/destinylab/destiny/pkg/taskbus"
	"github.com/destinylab/destiny/pkg/types"
)

const expireSweepInterval = time.Minute

// Service wires every subsystem of a Destiny node: store, blob store, task
// bus, event broker, search index, robot registry, ingestion pipeline,
// deduplication engine, projection builder, enhancement orchestrator and the
// automation dispatcher. One Service per process.
type Service struct {
	cfg *config.Config

	store  *storage.BoltStore
	blobs  *blob.Store
	bus    *taskbus.Bus
	broker *events.Broker
	ix     *index.Index

	registry   *robot.Registry
	pipeline   *ingest.Pipeline
	engine     *dedup.Engine
	builder    *projection.Builder
	orch       *enhance.Orchestrator
	dispatcher *automation.Dispatcher

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds a Service from configuration. Nothing runs until Start.
func New(cfg *config.Config) (*Service, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	blobs, err := blob.NewStore(blob.Config{
		Root:       filepath.Join(cfg.DataDir, "blobs"),
		SigningKey: blobSigningKey(cfg.Blob.SigningKey),
		BaseURL:    cfg.Blob.BaseURL,
		DefaultTTL: cfg.Blob.URLTTL,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	bus, err := taskbus.Open(filepath.Join(cfg.DataDir, "tasks.db"), taskbus.Options{
		Slots:       cfg.Worker.Slots,
		Lease:       cfg.Worker.LockTTL,
		MaxAttempts: cfg.Worker.MaxRetry,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open task bus: %w", err)
	}

	broker := events.NewBroker()
	ix := index.New()

	enc, err := robotEncryptor(cfg.Robot.SecretKey)
	if err != nil {
		bus.Stop()
		store.Close()
		return nil, fmt.Errorf("failed to set up robot secrets: %w", err)
	}
	registry := robot.NewRegistry(store, enc)

	engine := dedup.NewEngine(store, ix, bus, broker,
		dedup.ThresholdDeterminator{
			DuplicateJaccard: cfg.Dedup.TitleDuplicateJaccard,
			FloorJaccard:     cfg.Dedup.TitleFloorJaccard,
		},
		dedup.Config{
			TrustedIdentifierTypes: cfg.Dedup.TrustedIdentifierTypes,
			CandidateK:             cfg.Dedup.CandidateK,
			AuthorSaturation:       cfg.Dedup.AuthorSaturation,
			MaxPromoteRetries:      cfg.Dedup.MaxPromoteRetries,
		})

	orch := enhance.NewOrchestrator(store, blobs, bus, broker, enhance.Config{
		BatchTTL: cfg.Robot.BatchTTL,
	})
	dispatcher := automation.NewDispatcher(store, ix, orch, broker, cfg.Automation.Window)

	builder, err := projection.NewBuilder(store, ix, broker, dispatcher, 0)
	if err != nil {
		bus.Stop()
		store.Close()
		return nil, fmt.Errorf("failed to build projection builder: %w", err)
	}

	pipeline := ingest.NewPipeline(store, blobs, bus, cfg.Ingest.FanOut)

	s := &Service{
		cfg:        cfg,
		store:      store,
		blobs:      blobs,
		bus:        bus,
		broker:     broker,
		ix:         ix,
		registry:   registry,
		pipeline:   pipeline,
		engine:     engine,
		builder:    builder,
		orch:       orch,
		dispatcher: dispatcher,
		stopCh:     make(chan struct{}),
	}

	bus.Register(types.TaskImportBatch, pipeline.HandleTask)
	bus.Register(types.TaskDedupReference, engine.HandleTask)
	bus.Register(types.TaskRebuildProjection, builder.HandleTask)
	bus.Register(types.TaskFinalizeRequest, orch.HandleFinalizeTask)
	bus.Register(types.TaskExpireBatches, orch.HandleExpireTask)

	metrics.RegisterComponent("store", true, "")
	metrics.RegisterComponent("index", false, "warming")
	metrics.RegisterComponent("taskbus", false, "not started")
	return s, nil
}

// blobSigningKey derives a stable signing key from the configured secret. An
// empty secret gets a random per-process key, which invalidates outstanding
// pre-signed URLs on every restart.
func blobSigningKey(secret string) []byte {
	if secret == "" {
		logger := log.WithComponent("service")
		logger.Warn().
			Msg("No blob signing key configured, pre-signed URLs will not survive restarts")
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic(err)
		}
		return key
	}
	sum := sha256.Sum256([]byte("destiny-blob-url:" + secret))
	return sum[:]
}

// robotEncryptor derives the secret encryptor from the configured key. An
// empty key gets a random per-process one, which makes stored robot secrets
// unreadable after a restart.
func robotEncryptor(secret string) (*robot.Encryptor, error) {
	if secret == "" {
		logger := log.WithComponent("service")
		logger.Warn().
			Msg("No robot secret key configured, stored robot secrets will not survive restarts")
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		return robot.NewEncryptor(key)
	}
	return robot.NewEncryptorFromPassword(secret)
}

// Start warms the index from stored projections, loads the persisted
// automation queries, and starts the broker, the index apply loop, the task
// workers, the dispatcher windows and the batch expiry sweep.
func (s *Service) Start() error {
	s.broker.Start()
	s.ix.Start()

	if err := s.builder.WarmIndex(); err != nil {
		return fmt.Errorf("failed to warm index: %w", err)
	}
	metrics.UpdateComponent("index", true, "")

	if err := s.dispatcher.LoadAutomations(); err != nil {
		return fmt.Errorf("failed to load automations: %w", err)
	}

	s.bus.Start()
	metrics.UpdateComponent("taskbus", true, "")
	s.dispatcher.Start()

	s.wg.Add(1)
	go s.expireLoop()

	logger := log.WithComponent("service")
	logger.Info().
		Str("data_dir", s.cfg.DataDir).
		Msg("Service started")
	return nil
}

// Stop shuts the subsystems down in reverse dependency order. Safe to call
// more than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()

		s.dispatcher.Stop()
		s.bus.Stop()
		s.ix.Stop()
		s.broker.Stop()
		logger := log.WithComponent("service")
		if err := s.store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close store")
		}
		logger.Info().Msg("Service stopped")
	})
}

// expireLoop periodically queues a sweep that expires robot batches past
// their deadline so their references come back into circulation. Running the
// sweep through the bus gives it the retry and lease semantics of any other
// task.
func (s *Service) expireLoop() {
	defer s.wg.Done()
	logger := log.WithComponent("service")
	ticker := time.NewTicker(expireSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.bus.Enqueue(context.Background(), types.TaskExpireBatches, "sweep", nil); err != nil {
				logger.Error().Err(err).Msg("Failed to queue batch expiry sweep")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Config returns the configuration the service was built with.
func (s *Service) Config() *config.Config { return s.cfg }

// Store returns the persistence gateway.
func (s *Service) Store() storage.Store { return s.store }

// Blobs returns the blob store.
func (s *Service) Blobs() *blob.Store { return s.blobs }

// Events returns the event broker.
func (s *Service) Events() *events.Broker { return s.broker }

// Robots returns the robot registry.
func (s *Service) Robots() *robot.Registry { return s.registry }

// Ingest returns the ingestion pipeline.
func (s *Service) Ingest() *ingest.Pipeline { return s.pipeline }

// Dedup returns the deduplication engine.
func (s *Service) Dedup() *dedup.Engine { return s.engine }

// Projections returns the projection builder.
func (s *Service) Projections() *projection.Builder { return s.builder }

// Enhance returns the enhancement orchestrator.
func (s *Service) Enhance() *enhance.Orchestrator { return s.orch }

// Automations returns the automation dispatcher.
func (s *Service) Automations() *automation.Dispatcher { return s.dispatcher }

// Tasks returns the task bus.
func (s *Service) Tasks() *taskbus.Bus { return s.bus }

// Index returns the candidate search index.
func (s *Service) Index() *index.Index { return s.ix }
