package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rrgs/catalog-api/internal/counterpoint"
	domain "github.com/rrgs/catalog-api/internal/domain"
	"github.com/rrgs/catalog-api/internal/handlers"
	"github.com/rrgs/catalog-api/internal/imagecheck"
	"github.com/rrgs/catalog-api/internal/platform/auth"
	"github.com/rrgs/catalog-api/internal/platform/cache"
	"github.com/rrgs/catalog-api/internal/platform/config"
	"github.com/rrgs/catalog-api/internal/platform/database"
	pfirestore "github.com/rrgs/catalog-api/internal/platform/firestore"
	"github.com/rrgs/catalog-api/internal/platform/idempotency"
	"github.com/rrgs/catalog-api/internal/platform/jobs"
	"github.com/rrgs/catalog-api/internal/platform/observability"
	"github.com/rrgs/catalog-api/internal/platform/secrets"
	platformstorage "github.com/rrgs/catalog-api/internal/platform/storage"
	firestoreRepo "github.com/rrgs/catalog-api/internal/repositories/firestore"
	postgresRepo "github.com/rrgs/catalog-api/internal/repositories/postgres"
	"github.com/rrgs/catalog-api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	requiredSecrets := requiredSecretNames(envValues)
	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecrets...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	db, err := database.OpenPostgres(ctx, cfg.Database.DSN())
	if err != nil {
		logger.Fatal("failed to connect to the bulk catalog database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("database close error", zap.Error(err))
		}
	}()

	bulkRepo, err := postgresRepo.NewBulkCatalogRepository(db)
	if err != nil {
		logger.Fatal("failed to initialise bulk catalog repository", zap.Error(err))
	}
	countRepo, err := firestoreRepo.NewCategoryCountRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise category count repository", zap.Error(err))
	}

	itemCacheOpts := []cache.Option[string, *domain.TruthItem]{}
	if cfg.Counterpoint.CacheMaxEntries > 0 {
		itemCacheOpts = append(itemCacheOpts, cache.WithMaxEntries[string, *domain.TruthItem](cfg.Counterpoint.CacheMaxEntries))
	}
	itemCache := cache.NewTTL[string, *domain.TruthItem](cfg.Counterpoint.CacheTTL, itemCacheOpts...)
	counterpointClient, err := counterpoint.NewClient(cfg.Counterpoint,
		counterpoint.WithCache(itemCache),
		counterpoint.WithLogger(logger.Named("counterpoint")),
	)
	if err != nil {
		logger.Fatal("failed to initialise counterpoint client", zap.Error(err))
	}

	imageValidator := imagecheck.NewValidator(
		imagecheck.WithProbeTimeout(cfg.Images.ProbeTimeout),
		imagecheck.WithCache(cache.NewTTL[string, bool](cfg.Images.CacheTTL)),
		imagecheck.WithLogger(logger.Named("images")),
	)

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	var sweepWG sync.WaitGroup
	var sweepTicker *time.Ticker
	if cfg.Counterpoint.CacheSweep > 0 {
		sweepTicker = time.NewTicker(cfg.Counterpoint.CacheSweep)
		sweepWG.Add(1)
		go func() {
			defer sweepWG.Done()
			sweepLogger := logger.Named("cache")
			for {
				select {
				case <-sweepTicker.C:
					removed := counterpointClient.RemoveExpired() + imageValidator.RemoveExpired()
					if removed > 0 {
						sweepLogger.Debug("cache sweep removed expired entries", zap.Int("count", removed))
					}
				case <-sweepCtx.Done():
					return
				}
			}
		}()
	}

	var eventPublisher services.RecalculationEventPublisher
	if strings.TrimSpace(cfg.Events.Topic) != "" {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		topic := pubsubClient.Topic(cfg.Events.Topic)
		defer topic.Stop()
		eventPublisher, err = jobs.NewPubSubRecalculationPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise recalculation event publisher", zap.Error(err))
		}
	}

	var documentLinker services.DocumentLinkSource
	if cfg.Storage.DocumentsBucket != "" && cfg.Storage.SignerEmail != "" && cfg.Storage.SignerPrivateKey != "" {
		signer, err := platformstorage.NewServiceAccountSignerFromPEM(cfg.Storage.SignerEmail, cfg.Storage.SignerPrivateKey)
		if err != nil {
			logger.Fatal("failed to parse storage signer key", zap.Error(err))
		}
		linker, err := platformstorage.NewDocumentLinker(signer, cfg.Storage.DocumentsBucket,
			platformstorage.WithLinkExpiry(cfg.Storage.SignedURLTTL),
		)
		if err != nil {
			logger.Fatal("failed to initialise document linker", zap.Error(err))
		}
		documentLinker = linker
	} else {
		logger.Info("document link signing not configured; merged products omit document URLs")
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	var cleanupTicker *time.Ticker
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupTicker = time.NewTicker(cfg.Idempotency.CleanupInterval)
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			cleanupLogger := logger.Named("idempotency")
			for {
				select {
				case <-cleanupTicker.C:
					runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
					removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
					cancel()
					if err != nil {
						cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
						continue
					}
					if removed > 0 {
						cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
					}
				case <-cleanupCtx.Done():
					return
				}
			}
		}()
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)
	adminMiddleware := authenticator.RequireFirebaseAuth(auth.RoleAdmin)

	systemService, err := newSystemService(firestoreClient, bulkRepo, fetcher, buildInfo)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	reconciliationService, err := services.NewReconciliationService(services.ReconciliationServiceDeps{
		Catalog:         bulkRepo,
		Counts:          countRepo,
		Truth:           counterpointClient,
		Images:          imageValidator,
		Publisher:       eventPublisher,
		Clock:           time.Now,
		Logger:          logger.Named("reconciliation"),
		CandidateLimit:  cfg.Reconciliation.CandidateLimit,
		LeaseTimeout:    cfg.Reconciliation.LeaseTimeout,
		TruthBatchSize:  cfg.Counterpoint.BatchSize,
		TruthBatchPause: cfg.Counterpoint.BatchPause,
		ImageBatchSize:  cfg.Images.BatchSize,
	})
	if err != nil {
		logger.Fatal("failed to initialise reconciliation service", zap.Error(err))
	}

	productService, err := services.NewProductService(services.ProductServiceDeps{
		Catalog:   bulkRepo,
		Truth:     counterpointClient,
		Documents: documentLinker,
		Logger:    logger.Named("products"),
	})
	if err != nil {
		logger.Fatal("failed to initialise product service", zap.Error(err))
	}

	productHandlers, err := handlers.NewProductHandlers(reconciliationService, productService)
	if err != nil {
		logger.Fatal("failed to initialise product handlers", zap.Error(err))
	}
	adminProductHandlers, err := handlers.NewAdminProductHandlers(reconciliationService,
		handlers.WithRecalculationIdempotency(idempotencyMiddleware),
		handlers.WithRecalculationRateLimit(10, time.Minute),
	)
	if err != nil {
		logger.Fatal("failed to initialise admin product handlers", zap.Error(err))
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
	)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithProductRoutes(productHandlers.Routes),
		handlers.WithAdminProductRoutes(adminProductHandlers.Routes),
		handlers.WithAdminMiddlewares(adminMiddleware),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("catalog api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	if sweepTicker != nil {
		sweepTicker.Stop()
	}
	sweepCancel()
	sweepWG.Wait()

	if cleanupTicker != nil {
		cleanupTicker.Stop()
	}
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["CATALOG_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		Environment: environment,
		StartedAt:   started,
	}
}

func newSystemService(client *firestore.Client, bulkRepo *postgresRepo.BulkCatalogRepository, fetcher *secrets.Fetcher, build services.BuildInfo) (services.SystemService, error) {
	probes := make([]services.DependencyProbe, 0, 3)
	if bulkRepo != nil {
		probes = append(probes, services.DependencyProbe{
			Name:    "postgres",
			Timeout: 1500 * time.Millisecond,
			Probe:   bulkRepo.Ping,
		})
	}
	if client != nil {
		c := client
		probes = append(probes, services.DependencyProbe{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Probe: func(ctx context.Context) error {
				iter := c.Collections(ctx)
				_, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		probes = append(probes, services.DependencyProbe{
			Name:    "secretManager",
			Timeout: time.Second,
			Probe: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok {
					switch st.Code() {
					case codes.NotFound:
						return nil
					}
				}
				return err
			},
		})
	}
	return services.NewSystemService(services.SystemServiceDeps{
		Probes: probes,
		Clock:  time.Now,
		Build:  build,
	})
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		if value, ok := env[key]; ok {
			return strings.TrimSpace(value)
		}
		return ""
	}

	project := lookup("CATALOG_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("CATALOG_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("CATALOG_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	credentialsFile := lookup("CATALOG_FIREBASE_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames marks config secrets as mandatory only when the
// corresponding environment value is populated, so local setups without
// Counterpoint credentials or a signing key still boot.
func requiredSecretNames(env map[string]string) []string {
	candidates := []struct {
		name string
		key  string
	}{
		{"Database.Password", "CATALOG_DB_PASSWORD"},
		{"Counterpoint.APIKey", "CATALOG_COUNTERPOINT_API_KEY"},
		{"Counterpoint.BasicAuth", "CATALOG_COUNTERPOINT_AUTH_BASIC"},
		{"Counterpoint.Cookie", "CATALOG_COUNTERPOINT_COOKIE"},
		{"Storage.SignerPrivateKey", "CATALOG_STORAGE_SIGNER_KEY"},
	}

	required := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		if env == nil {
			break
		}
		if strings.TrimSpace(env[candidate.key]) != "" {
			required = append(required, candidate.name)
		}
	}
	return uniqueStrings(required)
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
