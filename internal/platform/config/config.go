package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultSecurityEnvironment = "local"
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyInterval = time.Hour
	defaultIdempotencyBatch    = 200

	defaultDatabaseHost    = "localhost"
	defaultDatabasePort    = 5432
	defaultDatabaseName    = "catalog"
	defaultDatabaseSSLMode = "disable"

	defaultCounterpointBaseURL     = "https://utility.rrgeneralsupply.com/Item"
	defaultCounterpointTimeout     = 6 * time.Second
	defaultCounterpointCacheTTL    = 5 * time.Minute
	defaultCounterpointCacheSweep  = 10 * time.Minute
	defaultCounterpointCacheMax    = 1000
	defaultCounterpointBatchSize   = 10
	defaultCounterpointBatchPause  = 100 * time.Millisecond
	defaultImageProbeTimeout       = 3 * time.Second
	defaultImageCacheTTL           = 6 * time.Hour
	defaultImageBatchSize          = 20
	defaultCandidateLimit          = 2000
	defaultCalculationLeaseTimeout = 10 * time.Minute

	defaultSignedURLTTL = 15 * time.Minute
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server         ServerConfig
	Firebase       FirebaseConfig
	Firestore      FirestoreConfig
	Database       DatabaseConfig
	Counterpoint   CounterpointConfig
	Images         ImageConfig
	Reconciliation ReconciliationConfig
	Storage        StorageConfig
	Events         EventsConfig
	Security       SecurityConfig
	Idempotency    IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings used for admin auth.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores document database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// DatabaseConfig holds the Postgres connection settings for the bulk catalog.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// DSN renders the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	parts := []string{
		fmt.Sprintf("host=%s", d.Host),
		fmt.Sprintf("port=%d", d.Port),
		fmt.Sprintf("dbname=%s", d.Name),
		fmt.Sprintf("sslmode=%s", d.SSLMode),
	}
	if d.User != "" {
		parts = append(parts, fmt.Sprintf("user=%s", d.User))
	}
	if d.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", d.Password))
	}
	return strings.Join(parts, " ")
}

// CounterpointConfig configures the Counterpoint item client and its cache.
type CounterpointConfig struct {
	BaseURL         string
	APIKey          string
	BasicAuth       string
	Cookie          string
	Timeout         time.Duration
	CacheTTL        time.Duration
	CacheSweep      time.Duration
	CacheMaxEntries int
	BatchSize       int
	BatchPause      time.Duration
}

// ImageConfig configures image probing and its cache.
type ImageConfig struct {
	ProbeTimeout time.Duration
	CacheTTL     time.Duration
	BatchSize    int
}

// ReconciliationConfig tunes the category count pipeline.
type ReconciliationConfig struct {
	CandidateLimit int
	LeaseTimeout   time.Duration
}

// StorageConfig lists bucket names and signing settings for document links.
type StorageConfig struct {
	DocumentsBucket  string
	SignerEmail      string
	SignerPrivateKey string
	SignedURLTTL     time.Duration
}

// EventsConfig configures Pub/Sub publication of recalculation events.
type EventsConfig struct {
	ProjectID string
	Topic     string
}

// SecurityConfig groups deployment environment settings.
type SecurityConfig struct {
	Environment string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.secrets) == 0 {
		return "missing required secrets"
	}
	names := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		names = append(names, secret.redacted)
	}
	sort.Strings(names)
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(names, ", "))
}

// RedactedNames returns a copy of the redacted secret identifiers.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.redacted)
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.name)
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// EnvironmentValues returns the effective key/value environment map after
// applying the same precedence rules as Load (dotenv < OS env < explicit map).
// Callers use the result to initialise dependencies before invoking Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	merge := func(source map[string]string) {
		for key, value := range source {
			values[key] = value
		}
	}

	merge(dotEnvValues)

	if options.useSystemEnv {
		system := make(map[string]string)
		for _, entry := range os.Environ() {
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			if key == "" {
				continue
			}
			system[key] = parts[1]
		}
		merge(system)
	}

	merge(options.envMap)

	return values, nil
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values
// in the map take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory.
// Identifiers match the config field names recorded by the loader
// (e.g. "Counterpoint.APIKey").
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

// Load assembles the application configuration by combining defaults, .env
// overrides, environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "CATALOG_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "CATALOG_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "CATALOG_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "CATALOG_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "CATALOG_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "CATALOG_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "CATALOG_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "CATALOG_FIRESTORE_EMULATOR_HOST", ""),
		},
		Database: DatabaseConfig{
			Host:     stringWithDefault(lookup, "CATALOG_DB_HOST", defaultDatabaseHost),
			Port:     intWithDefault(lookup, "CATALOG_DB_PORT", defaultDatabasePort),
			User:     stringWithDefault(lookup, "CATALOG_DB_USER", ""),
			Password: stringWithDefault(lookup, "CATALOG_DB_PASSWORD", ""),
			Name:     stringWithDefault(lookup, "CATALOG_DB_NAME", defaultDatabaseName),
			SSLMode:  stringWithDefault(lookup, "CATALOG_DB_SSLMODE", defaultDatabaseSSLMode),
		},
		Counterpoint: CounterpointConfig{
			BaseURL:         stringWithDefault(lookup, "CATALOG_COUNTERPOINT_BASE_URL", defaultCounterpointBaseURL),
			APIKey:          stringWithDefault(lookup, "CATALOG_COUNTERPOINT_API_KEY", ""),
			BasicAuth:       stringWithDefault(lookup, "CATALOG_COUNTERPOINT_AUTH_BASIC", ""),
			Cookie:          stringWithDefault(lookup, "CATALOG_COUNTERPOINT_COOKIE", ""),
			Timeout:         durationWithDefault(lookup, "CATALOG_COUNTERPOINT_TIMEOUT", defaultCounterpointTimeout),
			CacheTTL:        durationWithDefault(lookup, "CATALOG_COUNTERPOINT_CACHE_TTL", defaultCounterpointCacheTTL),
			CacheSweep:      durationWithDefault(lookup, "CATALOG_COUNTERPOINT_CACHE_SWEEP", defaultCounterpointCacheSweep),
			CacheMaxEntries: intWithDefault(lookup, "CATALOG_COUNTERPOINT_CACHE_MAX", defaultCounterpointCacheMax),
			BatchSize:       intWithDefault(lookup, "CATALOG_COUNTERPOINT_BATCH_SIZE", defaultCounterpointBatchSize),
			BatchPause:      durationWithDefault(lookup, "CATALOG_COUNTERPOINT_BATCH_PAUSE", defaultCounterpointBatchPause),
		},
		Images: ImageConfig{
			ProbeTimeout: durationWithDefault(lookup, "CATALOG_IMAGE_PROBE_TIMEOUT", defaultImageProbeTimeout),
			CacheTTL:     durationWithDefault(lookup, "CATALOG_IMAGE_CACHE_TTL", defaultImageCacheTTL),
			BatchSize:    intWithDefault(lookup, "CATALOG_IMAGE_BATCH_SIZE", defaultImageBatchSize),
		},
		Reconciliation: ReconciliationConfig{
			CandidateLimit: intWithDefault(lookup, "CATALOG_RECON_CANDIDATE_LIMIT", defaultCandidateLimit),
			LeaseTimeout:   durationWithDefault(lookup, "CATALOG_RECON_LEASE_TIMEOUT", defaultCalculationLeaseTimeout),
		},
		Storage: StorageConfig{
			DocumentsBucket:  stringWithDefault(lookup, "CATALOG_STORAGE_DOCUMENTS_BUCKET", ""),
			SignerEmail:      stringWithDefault(lookup, "CATALOG_STORAGE_SIGNER_EMAIL", ""),
			SignerPrivateKey: stringWithDefault(lookup, "CATALOG_STORAGE_SIGNER_KEY", ""),
			SignedURLTTL:     durationWithDefault(lookup, "CATALOG_STORAGE_SIGNED_URL_TTL", defaultSignedURLTTL),
		},
		Events: EventsConfig{
			ProjectID: stringWithDefault(lookup, "CATALOG_EVENTS_PROJECT_ID", ""),
			Topic:     stringWithDefault(lookup, "CATALOG_EVENTS_TOPIC", ""),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "CATALOG_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "CATALOG_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "CATALOG_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "CATALOG_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "CATALOG_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
		},
	}

	resolvedSecrets := make(map[string]string)
	resolveField := func(name string, field *string) error {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return err
		}
		*field = resolved
		resolvedSecrets[name] = strings.TrimSpace(resolved)
		return nil
	}

	// Firestore project defaults to the Firebase project when unspecified.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Events.ProjectID == "" {
		cfg.Events.ProjectID = cfg.Firebase.ProjectID
	}

	secretFields := []struct {
		name  string
		field *string
	}{
		{"Database.Password", &cfg.Database.Password},
		{"Counterpoint.APIKey", &cfg.Counterpoint.APIKey},
		{"Counterpoint.BasicAuth", &cfg.Counterpoint.BasicAuth},
		{"Counterpoint.Cookie", &cfg.Counterpoint.Cookie},
		{"Storage.SignerPrivateKey", &cfg.Storage.SignerPrivateKey},
	}
	for _, target := range secretFields {
		if err := resolveField(target.name, target.field); err != nil {
			return Config{}, err
		}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolvedSecrets); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		missing = append(missing, "Firebase.ProjectID")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if strings.TrimSpace(cfg.Database.Host) == "" {
		missing = append(missing, "Database.Host")
	}
	if strings.TrimSpace(cfg.Database.Name) == "" {
		missing = append(missing, "Database.Name")
	}
	if strings.TrimSpace(cfg.Counterpoint.BaseURL) == "" {
		missing = append(missing, "Counterpoint.BaseURL")
	}
	if cfg.Counterpoint.Timeout <= 0 {
		missing = append(missing, "Counterpoint.Timeout")
	}
	if cfg.Counterpoint.BatchSize <= 0 {
		missing = append(missing, "Counterpoint.BatchSize")
	}
	if cfg.Images.ProbeTimeout <= 0 {
		missing = append(missing, "Images.ProbeTimeout")
	}
	if cfg.Images.BatchSize <= 0 {
		missing = append(missing, "Images.BatchSize")
	}
	if cfg.Reconciliation.CandidateLimit <= 0 {
		missing = append(missing, "Reconciliation.CandidateLimit")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	if len(required) == 0 {
		return nil
	}
	missing := make([]missingSecret, 0, len(required))
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if value := strings.TrimSpace(resolved[trimmed]); value != "" {
			continue
		}
		missing = append(missing, missingSecret{
			name:     trimmed,
			redacted: redactSecretName(trimmed),
		})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		value = strings.Trim(value, "\"'")
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}
