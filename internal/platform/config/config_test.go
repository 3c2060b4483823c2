package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"CATALOG_FIREBASE_PROJECT_ID": "rrgs-dev",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "rrgs-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.Events.ProjectID != "rrgs-dev" {
		t.Errorf("expected events project to default to firebase project, got %s", cfg.Events.ProjectID)
	}
	if cfg.Counterpoint.BaseURL != defaultCounterpointBaseURL {
		t.Errorf("unexpected counterpoint base url: %s", cfg.Counterpoint.BaseURL)
	}
	if cfg.Counterpoint.Timeout != 6*time.Second {
		t.Errorf("unexpected counterpoint timeout: %s", cfg.Counterpoint.Timeout)
	}
	if cfg.Counterpoint.CacheTTL != 5*time.Minute {
		t.Errorf("unexpected counterpoint cache ttl: %s", cfg.Counterpoint.CacheTTL)
	}
	if cfg.Counterpoint.CacheSweep != 10*time.Minute {
		t.Errorf("unexpected counterpoint cache sweep: %s", cfg.Counterpoint.CacheSweep)
	}
	if cfg.Counterpoint.CacheMaxEntries != 1000 {
		t.Errorf("unexpected counterpoint cache bound: %d", cfg.Counterpoint.CacheMaxEntries)
	}
	if cfg.Counterpoint.BatchSize != 10 {
		t.Errorf("unexpected counterpoint batch size: %d", cfg.Counterpoint.BatchSize)
	}
	if cfg.Counterpoint.BatchPause != 100*time.Millisecond {
		t.Errorf("unexpected counterpoint batch pause: %s", cfg.Counterpoint.BatchPause)
	}
	if cfg.Images.ProbeTimeout != 3*time.Second {
		t.Errorf("unexpected image probe timeout: %s", cfg.Images.ProbeTimeout)
	}
	if cfg.Images.CacheTTL != 6*time.Hour {
		t.Errorf("unexpected image cache ttl: %s", cfg.Images.CacheTTL)
	}
	if cfg.Images.BatchSize != 20 {
		t.Errorf("unexpected image batch size: %d", cfg.Images.BatchSize)
	}
	if cfg.Reconciliation.CandidateLimit != 2000 {
		t.Errorf("unexpected candidate limit: %d", cfg.Reconciliation.CandidateLimit)
	}
	if cfg.Reconciliation.LeaseTimeout != 10*time.Minute {
		t.Errorf("unexpected lease timeout: %s", cfg.Reconciliation.LeaseTimeout)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != defaultIdempotencyTTL {
		t.Errorf("unexpected default idempotency ttl: %s", cfg.Idempotency.TTL)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"CATALOG_SERVER_PORT":                  "9090",
		"CATALOG_SERVER_READ_TIMEOUT":          "20s",
		"CATALOG_SERVER_IDLE_TIMEOUT":          "2m",
		"CATALOG_FIREBASE_PROJECT_ID":          "rrgs-prod",
		"CATALOG_FIRESTORE_PROJECT_ID":         "rrgs-fire",
		"CATALOG_DB_HOST":                      "db.internal",
		"CATALOG_DB_PORT":                      "5433",
		"CATALOG_DB_USER":                      "catalog",
		"CATALOG_DB_PASSWORD":                  "secret://db/password",
		"CATALOG_DB_NAME":                      "catalog_prod",
		"CATALOG_DB_SSLMODE":                   "require",
		"CATALOG_COUNTERPOINT_BASE_URL":        "https://cp.example.com/Item",
		"CATALOG_COUNTERPOINT_API_KEY":         "secret://cp/apikey",
		"CATALOG_COUNTERPOINT_AUTH_BASIC":      "Basic abc123",
		"CATALOG_COUNTERPOINT_TIMEOUT":         "10s",
		"CATALOG_COUNTERPOINT_CACHE_TTL":       "2m",
		"CATALOG_COUNTERPOINT_CACHE_MAX":       "500",
		"CATALOG_COUNTERPOINT_BATCH_SIZE":      "5",
		"CATALOG_COUNTERPOINT_BATCH_PAUSE":     "250ms",
		"CATALOG_IMAGE_PROBE_TIMEOUT":          "5s",
		"CATALOG_IMAGE_BATCH_SIZE":             "40",
		"CATALOG_RECON_CANDIDATE_LIMIT":        "3000",
		"CATALOG_STORAGE_DOCUMENTS_BUCKET":     "rrgs-docs",
		"CATALOG_EVENTS_TOPIC":                 "catalog.recalculation",
		"CATALOG_SECURITY_ENVIRONMENT":         "PROD",
		"CATALOG_IDEMPOTENCY_HEADER":           "X-Idem-Key",
		"CATALOG_IDEMPOTENCY_TTL":              "48h",
		"CATALOG_IDEMPOTENCY_CLEANUP_INTERVAL": "30m",
		"CATALOG_IDEMPOTENCY_CLEANUP_BATCH":    "500",
	}

	secrets := map[string]string{
		"secret://db/password": "db-pass",
		"secret://cp/apikey":   "cp-key",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected idle timeout: %s", cfg.Server.IdleTimeout)
	}
	if cfg.Database.Password != "db-pass" {
		t.Errorf("expected resolved db password, got %s", cfg.Database.Password)
	}
	if cfg.Counterpoint.APIKey != "cp-key" {
		t.Errorf("expected resolved counterpoint api key, got %s", cfg.Counterpoint.APIKey)
	}
	if cfg.Counterpoint.BaseURL != "https://cp.example.com/Item" {
		t.Errorf("unexpected counterpoint base url %s", cfg.Counterpoint.BaseURL)
	}
	if cfg.Counterpoint.Timeout != 10*time.Second {
		t.Errorf("unexpected counterpoint timeout %s", cfg.Counterpoint.Timeout)
	}
	if cfg.Counterpoint.CacheMaxEntries != 500 {
		t.Errorf("unexpected cache bound %d", cfg.Counterpoint.CacheMaxEntries)
	}
	if cfg.Counterpoint.BatchSize != 5 || cfg.Counterpoint.BatchPause != 250*time.Millisecond {
		t.Errorf("unexpected batch tuning %d/%s", cfg.Counterpoint.BatchSize, cfg.Counterpoint.BatchPause)
	}
	if cfg.Images.BatchSize != 40 {
		t.Errorf("unexpected image batch size %d", cfg.Images.BatchSize)
	}
	if cfg.Reconciliation.CandidateLimit != 3000 {
		t.Errorf("unexpected candidate limit %d", cfg.Reconciliation.CandidateLimit)
	}
	if cfg.Security.Environment != "prod" {
		t.Errorf("expected security environment prod, got %s", cfg.Security.Environment)
	}
	if cfg.Idempotency.CleanupBatchSize != 500 {
		t.Errorf("unexpected cleanup batch size %d", cfg.Idempotency.CleanupBatchSize)
	}

	wantDSN := "host=db.internal port=5433 dbname=catalog_prod sslmode=require user=catalog password=db-pass"
	if got := cfg.Database.DSN(); got != wantDSN {
		t.Errorf("unexpected dsn %q", got)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "CATALOG_SERVER_PORT=7070\nCATALOG_FIREBASE_PROJECT_ID=rrgs-dot\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Firebase.ProjectID != "rrgs-dot" {
		t.Errorf("expected firebase project from dotenv, got %s", cfg.Firebase.ProjectID)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := map[string]string{
		"CATALOG_FIREBASE_PROJECT_ID": "rrgs-dev",
		"CATALOG_COUNTERPOINT_API_KEY": "secret://missing",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected secret resolution error, got nil")
	}
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "CATALOG_FIREBASE_PROJECT_ID=dot-project\nCATALOG_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("CATALOG_FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("CATALOG_SECRET_PROJECT_IDS", "prod=project-prod")

	overrides := map[string]string{
		"CATALOG_FIREBASE_PROJECT_ID": "override-project",
	}

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(overrides))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["CATALOG_FIREBASE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["CATALOG_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["CATALOG_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	env := map[string]string{
		"CATALOG_FIREBASE_PROJECT_ID": "rrgs-dev",
	}

	_, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Counterpoint.APIKey"),
	)
	if err == nil {
		t.Fatal("expected missing secrets error, got nil")
	}
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	expectedRedacted := redactSecretName("Counterpoint.APIKey")
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != expectedRedacted {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	env := map[string]string{
		"CATALOG_FIREBASE_PROJECT_ID": "rrgs-dev",
	}

	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("expected panic when required secrets missing")
		}
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if len(missing.Names()) != 1 || missing.Names()[0] != "Counterpoint.APIKey" {
			t.Fatalf("unexpected missing secrets %v", missing.Names())
		}
	}()

	Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Counterpoint.APIKey"),
		WithPanicOnMissingSecrets(),
	)
}

func TestLoadSupportsLegacySecretScheme(t *testing.T) {
	env := map[string]string{
		"CATALOG_FIREBASE_PROJECT_ID":     "rrgs-dev",
		"CATALOG_COUNTERPOINT_AUTH_BASIC": "sm://cp/basic",
	}

	secrets := map[string]string{
		"secret://cp/basic": "Basic legacy",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errors.New("not found")}
	})

	cfg, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithSecretResolver(resolver),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Counterpoint.BasicAuth != "Basic legacy" {
		t.Fatalf("expected legacy secret, got %s", cfg.Counterpoint.BasicAuth)
	}
}
