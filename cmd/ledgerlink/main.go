package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/harborworks/ledgerlink/internal/coordinator"
	"github.com/harborworks/ledgerlink/internal/httpapi"
	"github.com/harborworks/ledgerlink/internal/projectsync"
)

func main() {
	addr := os.Getenv("LEDGERLINK_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	kvBackend, err := coordinator.BuildKVBackendFromDSN(os.Getenv("LEDGERLINK_STORE_DSN"))
	if err != nil {
		log.Fatalf("failed to initialize credential store backend: %v", err)
	}
	store, err := coordinator.NewCredentialStore(coordinator.CredentialStoreOptions{
		Backend:      kvBackend,
		Namespace:    os.Getenv("LEDGERLINK_STORE_NAMESPACE"),
		ProbeTimeout: durationEnv("LEDGERLINK_STORE_PROBE_TIMEOUT", 0),
		Logger:       log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize credential store: %v", err)
	}
	defer store.Close()

	source, err := coordinator.NewHTTPTokenSource(coordinator.HTTPTokenSourceOptions{
		IdentityBaseURL: os.Getenv("LEDGERLINK_IDENTITY_URL"),
		APIBaseURL:      os.Getenv("LEDGERLINK_API_URL"),
		ClientID:        os.Getenv("LEDGERLINK_CLIENT_ID"),
		ClientSecret:    os.Getenv("LEDGERLINK_CLIENT_SECRET"),
	})
	if err != nil {
		log.Fatalf("failed to initialize token source: %v", err)
	}
	refresher, err := coordinator.NewRefresher(coordinator.RefresherOptions{
		Store:        store,
		Source:       source,
		SafetyMargin: durationEnv("LEDGERLINK_TOKEN_SAFETY_MARGIN", 0),
		Logger:       log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize token refresher: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	profiles := coordinator.NewProfileTable(log.Default())
	if profilePath := strings.TrimSpace(os.Getenv("LEDGERLINK_TENANT_PROFILES")); profilePath != "" {
		if err := profiles.LoadFile(profilePath); err != nil {
			log.Fatalf("failed to load tenant profiles: %v", err)
		}
		if err := profiles.Watch(rootCtx, profilePath); err != nil {
			log.Printf("tenant profile watch disabled: %v", err)
		}
	}

	limiter := coordinator.NewLimiter(coordinator.LimiterOptions{
		Profiles: profiles,
		Parser:   headerParserFromEnv(),
		Logger:   log.Default(),
	})
	executor, err := coordinator.NewExecutor(coordinator.ExecutorOptions{
		Refresher: refresher,
		Limiter:   limiter,
		Logger:    log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize request executor: %v", err)
	}

	client, err := projectsync.NewHTTPClient(projectsync.HTTPClientOptions{
		BaseURL: os.Getenv("LEDGERLINK_PROJECTS_URL"),
		Caller:  executor,
	})
	if err != nil {
		log.Fatalf("failed to initialize projects client: %v", err)
	}
	records, err := projectsync.BuildRecordStoreFromDSN(os.Getenv("LEDGERLINK_RECORDS_DSN"))
	if err != nil {
		log.Fatalf("failed to initialize sync record store: %v", err)
	}
	defer records.Close()

	syncer, err := projectsync.NewSyncer(projectsync.SyncerOptions{
		Client:            client,
		Records:           records,
		PageSize:          intEnv("LEDGERLINK_PAGE_SIZE", 0),
		MaxPages:          intEnv("LEDGERLINK_MAX_PAGES", 0),
		ChildRetries:      intEnv("LEDGERLINK_CHILD_RETRIES", -1),
		EnsureDefaultTask: boolEnv("LEDGERLINK_ENSURE_DEFAULT_TASK", false),
		Logger:            log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize syncer: %v", err)
	}
	verifier, err := projectsync.NewVerifier(projectsync.VerifierOptions{
		Client:  client,
		Records: records,
		Logger:  log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize drift verifier: %v", err)
	}

	server := httpapi.NewServer(refresher, store, syncer, verifier, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("LEDGERLINK_JWT_SECRET"),
		RateLimitMax:    intEnv("LEDGERLINK_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("LEDGERLINK_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("LEDGERLINK_MAX_BODY_BYTES", 0),
		VerifyLimit:     intEnv("LEDGERLINK_VERIFY_LIMIT", 0),
		Logger:          log.Default(),
	})

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("ledgerlink listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

func headerParserFromEnv() coordinator.HeaderParser {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LEDGERLINK_RATE_HEADER_STYLE"))) {
	case "crm":
		return coordinator.CRMHeaderParser{}
	default:
		return coordinator.AccountingHeaderParser{}
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
