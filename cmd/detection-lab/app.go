package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"detection-lab/internal/config"
	"detection-lab/internal/coordinator"
	"detection-lab/internal/credentials"
	"detection-lab/internal/detonator"
	"detection-lab/internal/events"
	"detection-lab/internal/executor"
	"detection-lab/internal/generator"
	"detection-lab/internal/infra"
	"detection-lab/internal/ingest"
	"detection-lab/internal/lab"
	"detection-lab/internal/logstore"
	"detection-lab/internal/optimizer"
	"detection-lab/internal/siem"
	"detection-lab/internal/stats"
	"detection-lab/internal/storage/s3"
)

// app holds every wired component. Optional components are nil when their
// configuration is absent.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *prometheus.Registry
	metrics  *stats.Metrics

	credentials *credentials.Registry
	generator   *generator.Client
	tracker     *executor.Tracker
	fileSink    *events.FileSink
	hub         *events.Hub
	kafka       *events.KafkaSink
	stats       *stats.Store
	runner      *detonator.DockerRunner
	coordinator *coordinator.Coordinator

	objects     *s3.Client
	store       logstore.Store
	loader      *ingest.Loader
	siem        *siem.Client
	provisioner *infra.Provisioner
	tuner       *optimizer.Optimizer
	optimizer   *optimizer.Worker
	lab         *lab.Lab
}

// newApp wires the lab from cfg. Failures of optional backends are logged
// and leave the dependent features unconfigured.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector())
	a.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = stats.NewMetrics(a.registry)

	a.credentials = a.newCredentials()
	a.generator = generator.NewClient(cfg.Generator, logger)

	synth := executor.NewSynthetic(a.generator, logger)
	exec, err := executor.New(cfg.Executor, synth)
	if err != nil {
		return nil, err
	}
	a.tracker = executor.NewTracker(exec)

	if a.fileSink, err = events.NewFileSink(cfg.Paths.Events); err != nil {
		return nil, err
	}
	a.hub = events.NewHub()
	sinks := events.Multi{a.fileSink, a.hub}
	if cfg.Events.Kafka.Enabled {
		if a.kafka, err = events.NewKafkaSink(cfg.Events.Kafka, logger); err != nil {
			return nil, err
		}
		sinks = append(sinks, a.kafka)
	}

	if a.stats, err = stats.NewStore(cfg.Paths.Stats, a.metrics, logger); err != nil {
		return nil, err
	}

	if cfg.Detonator.Enabled {
		if a.runner, err = detonator.NewDockerRunner(cfg.Detonator, credentials.Credential{}, logger); err != nil {
			return nil, err
		}
	}
	describer, err := a.newDescriber()
	if err != nil {
		return nil, err
	}

	profiles, err := coordinator.LoadProfiles(cfg.Simulation.ProfilesPath)
	if err != nil {
		return nil, err
	}

	factory := &coordinator.LabFactory{
		Generator:   a.generator,
		Describer:   describer,
		Credentials: a.credentials,
		Executor:    a.tracker,
		Emitter:     sinks,
		Recorder:    a.stats,
		Profiles:    profiles,
		Logger:      logger,
	}
	if a.runner != nil {
		runner, delay := a.runner, cfg.Detonator.Delay
		factory.Detonation = func(techniqueID string, attacker credentials.Credential) coordinator.Runner {
			return &detonator.Delayed{
				Runner:      runner,
				TechniqueID: techniqueID,
				Credential:  attacker,
				Delay:       delay,
				Logger:      logger,
			}
		}
	}

	a.objects = a.newObjects(ctx)
	if a.store, err = a.newStore(ctx); err != nil {
		return nil, err
	}

	artifacts := &lab.Artifacts{
		Events:  a.fileSink,
		Keys:    a.tracker,
		KeysDir: cfg.Paths.Keys,
		Region:  firstRegion(cfg.Lab.Regions, cfg.AWS.Region),
		Logger:  logger,
	}
	if cfg.Simulation.Publish && a.objects != nil {
		artifacts.Objects = a.objects
		artifacts.AccountID = a.accountID(ctx)
	}

	a.coordinator = coordinator.New(factory,
		coordinator.WithSubscribers(a.hub),
		coordinator.WithFinishHook(artifacts.Hook()),
		coordinator.WithMetrics(a.metrics),
		coordinator.WithLogger(logger),
	)

	if a.objects != nil {
		ingestCfg := cfg.Ingest
		if ingestCfg.TriageDir == "" {
			ingestCfg.TriageDir = cfg.Paths.Triage
		}
		a.loader = ingest.NewLoader(a.objects, a.store, ingestCfg,
			ingest.WithMetrics(a.metrics),
			ingest.WithLogger(logger),
		)
	}

	if err := cfg.SIEM.Validate(); err != nil {
		logger.Warn("siem client disabled", "reason", err)
	} else {
		a.siem = siem.NewClient(cfg.SIEM, siem.WithLogger(logger))
		a.tuner = optimizer.New(cfg.Optimizer, a.generator, a.siem, a.store,
			optimizer.WithMetrics(a.metrics),
			optimizer.WithLogger(logger),
		)
		a.optimizer = optimizer.NewWorker(a.tuner, cfg.Optimizer.QueueSize,
			optimizer.WithWorkerMetrics(a.metrics),
			optimizer.WithWorkerLogger(logger),
		)
	}

	a.provisioner = infra.NewProvisioner(cfg.Infra, cfg.Paths.Lab, cfg.Paths.Triage,
		&http.Client{Timeout: 10 * time.Second}, logger)

	a.lab = lab.New(cfg.Lab, a.labDeps(profiles, logger))
	return a, nil
}

// labDeps assigns only the collaborators that exist so that missing ones
// stay nil interfaces.
func (a *app) labDeps(profiles []coordinator.Profile, logger *slog.Logger) lab.Deps {
	deps := lab.Deps{
		Provisioner: a.provisioner,
		Simulator:   a.coordinator,
		Identities:  a.credentials,
		Store:       a.store,
		Account:     lab.STSAccount(firstRegion(a.cfg.Lab.Regions, a.cfg.AWS.Region), a.cfg.AWS.Endpoint),
		Profiles:    profiles,
		Logger:      logger,
	}
	if a.loader != nil {
		deps.Loader = a.loader
	}
	if a.siem != nil {
		deps.Alerts = a.siem
	}
	return deps
}

func (a *app) newCredentials() *credentials.Registry {
	cfg := a.cfg.Credentials
	var providers []credentials.Provider
	if cfg.Redis.Addr != "" {
		p, err := credentials.NewRedisProvider(cfg.Redis)
		if err != nil {
			a.logger.Warn("redis credential provider disabled", "error", err)
		} else {
			providers = append(providers, p)
		}
	}
	providers = append(providers, credentials.NewFileProvider(cfg.File))
	if cfg.Placeholders {
		providers = append(providers, credentials.NewPlaceholderProvider())
	}
	return credentials.NewRegistry(cfg.CacheTTL, a.logger, providers...)
}

func (a *app) newDescriber() (*detonator.Catalog, error) {
	var fallback detonator.Runner
	if a.runner != nil {
		fallback = a.runner
	}
	if a.cfg.Detonator.CatalogPath == "" {
		return detonator.NewCatalog(nil, fallback), nil
	}
	return detonator.LoadCatalog(a.cfg.Detonator.CatalogPath, fallback)
}

func (a *app) newObjects(ctx context.Context) *s3.Client {
	if a.cfg.AWS.Bucket == "" {
		a.logger.Info("no trail bucket configured; log ingestion disabled")
		return nil
	}
	client, err := s3.NewClient(ctx, &a.cfg.AWS, a.logger)
	if err != nil {
		a.logger.Warn("s3 client disabled", "error", err)
		return nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if status := client.HealthCheck(probeCtx); !status.Healthy {
		a.logger.Warn("trail bucket unreachable", "bucket", client.Bucket(), "error", status.Error)
	}
	return client
}

func (a *app) newStore(ctx context.Context) (logstore.Store, error) {
	switch a.cfg.Storage.Backend {
	case logstore.BackendClickHouse:
		return logstore.NewClickHouseStore(ctx, a.cfg.Storage.ClickHouse, a.logger)
	case logstore.BackendParquet, "":
		return logstore.NewParquetStore(a.cfg.Paths.Store, a.logger)
	}
	return nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
}

// accountID returns the configured account or asks STS. Failures yield ""
// and are logged.
func (a *app) accountID(ctx context.Context) string {
	if a.cfg.Lab.AccountID != "" {
		return a.cfg.Lab.AccountID
	}
	resolve := lab.STSAccount(firstRegion(a.cfg.Lab.Regions, a.cfg.AWS.Region), a.cfg.AWS.Endpoint)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	id, err := resolve(ctx)
	if err != nil {
		a.logger.Warn("failed to resolve account id", "error", err)
		return ""
	}
	return id
}

// Close releases every component in reverse dependency order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.optimizer != nil {
		a.optimizer.Stop(ctx)
	}
	if a.coordinator != nil {
		a.coordinator.Close()
	}
	if a.hub != nil {
		errs = append(errs, a.hub.Close())
	}
	if a.kafka != nil {
		errs = append(errs, a.kafka.Close())
	}
	if a.fileSink != nil {
		errs = append(errs, a.fileSink.Close())
	}
	if a.runner != nil {
		errs = append(errs, a.runner.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.credentials != nil {
		errs = append(errs, a.credentials.Close())
	}
	return errors.Join(errs...)
}

func firstRegion(regions []string, fallback string) string {
	if len(regions) > 0 && regions[0] != "" {
		return regions[0]
	}
	return fallback
}
