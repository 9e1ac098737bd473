package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ferro-labs/ai-gateway/config"
	"github.com/ferro-labs/ai-gateway/internal/admin"
	"github.com/ferro-labs/ai-gateway/internal/persist"
	"github.com/ferro-labs/ai-gateway/internal/requestlog"
	"github.com/ferro-labs/ai-gateway/internal/routeerr"
	"github.com/ferro-labs/ai-gateway/internal/version"
	"github.com/ferro-labs/ai-gateway/models"
	"github.com/ferro-labs/ai-gateway/plugin"
	"github.com/ferro-labs/ai-gateway/providers"
	"github.com/ferro-labs/ai-gateway/router"
	"github.com/ferro-labs/ai-gateway/web"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	// Register built-in plugins so they can be loaded from config.
	_ "github.com/ferro-labs/ai-gateway/internal/plugins/cache"
	_ "github.com/ferro-labs/ai-gateway/internal/plugins/logger"
	_ "github.com/ferro-labs/ai-gateway/internal/plugins/maxtoken"
	_ "github.com/ferro-labs/ai-gateway/internal/plugins/wordfilter"
)

func main() {
	// Load and validate config if GATEWAY_CONFIG is set.
	var cfg *config.Config
	if cfgPath := os.Getenv("GATEWAY_CONFIG"); cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		if err := config.Validate(loaded); err != nil {
			log.Fatalf("Invalid config: %v", err)
		}
		cfg = loaded
		log.Printf("Config loaded: strategy=%s, channels=%d", cfg.Routing.DefaultStrategy, len(cfg.Channels))
	}

	// Auto-register providers based on environment variables.
	registry := providers.NewRegistry()

	type providerEntry struct {
		envKey string
		name   string
		create func(key, baseURL string) (providers.Provider, error)
	}
	autoProviders := []providerEntry{
		{"OPENAI_API_KEY", "openai", func(k, b string) (providers.Provider, error) { return providers.NewOpenAI(k, b) }},
		{"ANTHROPIC_API_KEY", "anthropic", func(k, b string) (providers.Provider, error) { return providers.NewAnthropic(k, b) }},
		{"GROQ_API_KEY", "groq", func(k, b string) (providers.Provider, error) { return providers.NewGroq(k, b) }},
		{"TOGETHER_API_KEY", "together", func(k, b string) (providers.Provider, error) { return providers.NewTogether(k, b) }},
		{"GEMINI_API_KEY", "gemini", func(k, b string) (providers.Provider, error) { return providers.NewGemini(k, b) }},
		{"MISTRAL_API_KEY", "mistral", func(k, b string) (providers.Provider, error) { return providers.NewMistral(k, b) }},
		{"COHERE_API_KEY", "cohere", func(k, b string) (providers.Provider, error) { return providers.NewCohere(k, b) }},
		{"DEEPSEEK_API_KEY", "deepseek", func(k, b string) (providers.Provider, error) { return providers.NewDeepSeek(k, b) }},
	}
	for _, pe := range autoProviders {
		if key := os.Getenv(pe.envKey); key != "" {
			p, err := pe.create(key, "")
			if err != nil {
				log.Fatalf("%s provider: %v", pe.name, err)
			}
			registry.Register(p)
			log.Printf("Provider registered: %s", pe.name)
		}
	}

	// Azure OpenAI requires additional config. Two credential modes: a
	// static api-key, or Azure AD client-credentials (tenant/client/secret).
	switch {
	case os.Getenv("AZURE_OPENAI_TENANT_ID") != "":
		tenantID := os.Getenv("AZURE_OPENAI_TENANT_ID")
		clientID := os.Getenv("AZURE_OPENAI_CLIENT_ID")
		clientSecret := os.Getenv("AZURE_OPENAI_CLIENT_SECRET")
		baseURL := os.Getenv("AZURE_OPENAI_ENDPOINT")
		deployment := os.Getenv("AZURE_OPENAI_DEPLOYMENT")
		apiVersion := os.Getenv("AZURE_OPENAI_API_VERSION")
		if clientID != "" && clientSecret != "" && baseURL != "" && deployment != "" {
			p, err := providers.NewAzureOpenAIWithAAD(tenantID, clientID, clientSecret, baseURL, deployment, apiVersion)
			if err != nil {
				log.Fatalf("Azure OpenAI (AAD) provider: %v", err)
			}
			registry.Register(p)
			log.Println("Provider registered: azure-openai (AAD client-credentials)")
		} else {
			log.Println("Warning: AZURE_OPENAI_TENANT_ID set but AZURE_OPENAI_CLIENT_ID, AZURE_OPENAI_CLIENT_SECRET, AZURE_OPENAI_ENDPOINT and AZURE_OPENAI_DEPLOYMENT are required")
		}
	case os.Getenv("AZURE_OPENAI_API_KEY") != "":
		key := os.Getenv("AZURE_OPENAI_API_KEY")
		baseURL := os.Getenv("AZURE_OPENAI_ENDPOINT")
		deployment := os.Getenv("AZURE_OPENAI_DEPLOYMENT")
		apiVersion := os.Getenv("AZURE_OPENAI_API_VERSION")
		if baseURL != "" && deployment != "" {
			p, err := providers.NewAzureOpenAI(key, baseURL, deployment, apiVersion)
			if err != nil {
				log.Fatalf("Azure OpenAI provider: %v", err)
			}
			registry.Register(p)
			log.Println("Provider registered: azure-openai")
		} else {
			log.Println("Warning: AZURE_OPENAI_API_KEY set but AZURE_OPENAI_ENDPOINT and AZURE_OPENAI_DEPLOYMENT are required")
		}
	}

	// Ollama is local and needs no API key.
	if ollamaURL := os.Getenv("OLLAMA_HOST"); ollamaURL != "" {
		var ms []string
		if m := os.Getenv("OLLAMA_MODELS"); m != "" {
			ms = strings.Split(m, ",")
		}
		p, err := providers.NewOllama(ollamaURL, ms)
		if err != nil {
			log.Fatalf("Ollama provider: %v", err)
		}
		registry.Register(p)
		log.Printf("Provider registered: ollama (models: %s)", strings.Join(p.SupportedModels(), ", "))
	}

	if len(registry.List()) == 0 {
		log.Fatal("No providers configured. Set at least one provider API key (e.g., OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY) or OLLAMA_HOST for local models")
	}

	if cfg == nil {
		cfg = defaultConfigFromRegistry(registry)
		log.Printf("No GATEWAY_CONFIG set; using default routing with %d channel(s)", len(cfg.Channels))
	}

	gw := router.NewFromConfig(cfg)
	// Register all env-var providers on the router so channels can dispatch to them.
	for _, name := range registry.List() {
		if p, ok := registry.Get(name); ok {
			gw.RegisterProvider(p)
		}
	}
	if err := loadConfiguredPlugins(gw, cfg.Plugins); err != nil {
		log.Fatalf("Failed to load plugins: %v", err)
	}
	if len(cfg.Plugins) > 0 {
		log.Printf("Gateway ready: %d plugin(s) loaded", len(cfg.Plugins))
	}

	keyStore, keyBackend, err := createKeyStoreFromEnv()
	if err != nil {
		log.Fatalf("Failed to create API key store: %v", err)
	}
	log.Printf("API key store backend: %s", keyBackend)

	configMgr, configBackend, err := createConfigManagerFromEnv(gw)
	if err != nil {
		log.Fatalf("Failed to create config manager: %v", err)
	}
	log.Printf("Config store backend: %s", configBackend)

	catalog, err := models.Load()
	if err != nil {
		log.Printf("Warning: model catalog load failed, enrichment disabled: %v", err)
		catalog = models.Catalog{}
	}

	logReader, logAdmin := createRequestLogStoresFromEnv()

	cacheDir := os.Getenv("GATEWAY_CACHE_DIR")
	if cacheDir == "" {
		cacheDir = "cache"
	}
	persistStore := persist.New(cacheDir)

	var corsOrigins []string
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		corsOrigins = strings.Split(origins, ",")
	}

	r := newRouter(registry, keyStore, corsOrigins, gw, catalog, logReader, logAdmin, configMgr)

	addr := ":8080"
	if p := os.Getenv("PORT"); p != "" {
		addr = ":" + p
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go startScheduler(ctx, gw, registry, persistStore)

	go func() {
		<-ctx.Done()
		log.Println("Shutting down gracefully…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	log.Printf("FerroGateway %s listening on %s (%d provider(s))", version.Short(), addr, len(registry.List()))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		stop()
		log.Fatalf("Server error: %v", err) //nolint:gocritic
	}
	log.Println("Server stopped.")
}

// defaultConfigFromRegistry builds a zero-config fallback: one channel per
// (provider, supported model) pair, so any request for a known model routes
// successfully even without a GATEWAY_CONFIG file.
func defaultConfigFromRegistry(registry *providers.Registry) *config.Config {
	cfg := &config.Config{
		Routing: config.RoutingConfig{DefaultStrategy: "cost_first"},
	}
	for _, name := range registry.List() {
		p, ok := registry.Get(name)
		if !ok {
			continue
		}
		cfg.Providers = append(cfg.Providers, config.ProviderConfig{
			Name:    name,
			Adapter: name,
		})
		for _, m := range p.SupportedModels() {
			cfg.Channels = append(cfg.Channels, config.ChannelConfig{
				ID:            name + "-" + m,
				Provider:      name,
				DeclaredModel: m,
			})
		}
	}
	return cfg
}

// loadConfiguredPlugins wires each config-declared plugin onto its lifecycle
// stage via the registered plugin factories.
func loadConfiguredPlugins(gw *router.Router, plugins []config.PluginConfig) error {
	for _, pc := range plugins {
		factory, ok := plugin.GetFactory(pc.Name)
		if !ok {
			return fmt.Errorf("unknown plugin %q", pc.Name)
		}
		var stage plugin.Stage
		switch pc.Stage {
		case "before", "before_request":
			stage = plugin.StageBeforeRequest
		case "after", "after_request":
			stage = plugin.StageAfterRequest
		case "on_error":
			stage = plugin.StageOnError
		default:
			return fmt.Errorf("plugin %q: unknown stage %q", pc.Name, pc.Stage)
		}
		p := factory()
		if err := p.Init(nil); err != nil {
			return fmt.Errorf("init plugin %q: %w", pc.Name, err)
		}
		if err := gw.RegisterPlugin(stage, p); err != nil {
			return fmt.Errorf("register plugin %q: %w", pc.Name, err)
		}
	}
	return nil
}

// createKeyStoreFromEnv builds the admin API key store from
// API_KEY_STORE_BACKEND ("memory" default, "sqlite", "postgres") and
// API_KEY_STORE_DSN.
func createKeyStoreFromEnv() (admin.Store, string, error) {
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("API_KEY_STORE_BACKEND")))
	dsn := os.Getenv("API_KEY_STORE_DSN")
	if backend == "" {
		backend = "memory"
	}
	switch backend {
	case "memory":
		return admin.NewKeyStore(), backend, nil
	case "sqlite":
		store, err := admin.NewSQLiteStore(dsn)
		if err != nil {
			return nil, backend, err
		}
		return store, backend, nil
	case "postgres":
		store, err := admin.NewPostgresStore(dsn)
		if err != nil {
			return nil, backend, err
		}
		return store, backend, nil
	default:
		return nil, backend, fmt.Errorf("unsupported API_KEY_STORE_BACKEND %q", backend)
	}
}

// createConfigManagerFromEnv builds the runtime config manager from
// CONFIG_STORE_BACKEND ("memory" default, "sqlite", "postgres") and
// CONFIG_STORE_DSN, wiring persistence so updates survive a restart.
func createConfigManagerFromEnv(gw *router.Router) (*admin.GatewayConfigManager, string, error) {
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("CONFIG_STORE_BACKEND")))
	dsn := os.Getenv("CONFIG_STORE_DSN")
	if backend == "" {
		backend = "memory"
	}

	var store admin.ConfigStore
	switch backend {
	case "memory":
		store = nil
	case "sqlite":
		s, err := admin.NewSQLiteConfigStore(dsn)
		if err != nil {
			return nil, backend, err
		}
		store = s
	case "postgres":
		s, err := admin.NewPostgresConfigStore(dsn)
		if err != nil {
			return nil, backend, err
		}
		store = s
	default:
		return nil, backend, fmt.Errorf("unsupported CONFIG_STORE_BACKEND %q", backend)
	}

	mgr, err := admin.NewGatewayConfigManager(gw, store)
	if err != nil {
		return nil, backend, err
	}
	return mgr, backend, nil
}

// createRequestLogStoresFromEnv builds the request log reader/maintainer from
// REQUEST_LOG_BACKEND ("none" default, "sqlite", "postgres") and
// REQUEST_LOG_DSN. Errors are logged, not fatal: request logging is ambient
// diagnostics, not a routing dependency.
func createRequestLogStoresFromEnv() (requestlog.Reader, requestlog.Maintainer) {
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("REQUEST_LOG_BACKEND")))
	dsn := os.Getenv("REQUEST_LOG_DSN")
	switch backend {
	case "sqlite":
		w, err := requestlog.NewSQLiteWriter(dsn)
		if err != nil {
			log.Printf("Warning: request log store disabled: %v", err)
			return nil, nil
		}
		return w, w
	case "postgres":
		w, err := requestlog.NewPostgresWriter(dsn)
		if err != nil {
			log.Printf("Warning: request log store disabled: %v", err)
			return nil, nil
		}
		return w, w
	default:
		return nil, nil
	}
}

// newRouter builds the HTTP router.
func newRouter(
	registry *providers.Registry,
	keyStore admin.Store,
	corsOrigins []string,
	gw *router.Router,
	catalog models.Catalog,
	logReader requestlog.Reader,
	logAdmin requestlog.Maintainer,
	configMgr admin.ConfigManager,
) http.Handler {
	if gw == nil {
		gw = router.NewFromConfig(defaultConfigFromRegistry(registry))
		for _, name := range registry.List() {
			if p, ok := registry.Get(name); ok {
				gw.RegisterProvider(p)
			}
		}
	}
	if keyStore == nil {
		keyStore = admin.NewKeyStore()
	}
	if catalog == nil {
		catalog = models.Catalog{}
	}
	var cm admin.ConfigManager = configMgr
	if cm == nil {
		cm = gw
	}

	chiRouter := chi.NewRouter()
	chiRouter.Use(middleware.Logger)
	chiRouter.Use(middleware.Recoverer)
	chiRouter.Use(middleware.RealIP)
	chiRouter.Use(corsMiddleware(corsOrigins...))

	chiRouter.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "ok",
			"providers": len(registry.List()),
		})
	})

	chiRouter.Get("/dashboard", dashboardHandler())

	chiRouter.Get("/v1/models", func(w http.ResponseWriter, _ *http.Request) {
		enriched := make([]EnrichedModelInfo, 0, len(registry.AllModels()))
		for _, m := range registry.AllModels() {
			enriched = append(enriched, enrichFromCatalog(catalog, m.OwnedBy, m.ID))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"data":   enriched,
		})
	})

	adminHandlers := &admin.Handlers{
		Keys:      keyStore,
		Providers: registry,
		Configs:   cm,
		Logs:      logReader,
		LogAdmin:  logAdmin,
	}
	chiRouter.Route("/admin", func(r chi.Router) {
		r.Use(admin.AuthMiddleware(keyStore))
		r.Mount("/", adminHandlers.Routes())
	})

	chiRouter.Post("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req providers.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeOpenAIError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
			return
		}
		if err := req.Validate(); err != nil {
			writeOpenAIError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
			return
		}

		// --- Streaming path ---
		if req.Stream {
			ch, err := gw.RouteStream(r.Context(), req)
			if err != nil {
				writeRouteError(w, err)
				return
			}
			writeSSE(w, ch)
			return
		}

		// --- Non-streaming path ---
		resp, err := gw.Route(r.Context(), req)
		if err != nil {
			writeRouteError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	chiRouter.Post("/v1/embeddings", embeddingsHandler(gw))
	chiRouter.Post("/v1/images/generations", imagesHandler(gw))

	// Legacy text completions (e.g. gpt-3.5-turbo-instruct, deepseek-chat).
	// Proxies natively to providers that support it, or shims via chat for others.
	chiRouter.Post("/v1/completions", completionsHandler(registry))

	// Proxy pass-through: forward any unhandled /v1/* request to the upstream
	// provider.  This covers files, batches, fine-tuning, audio, images/edits,
	// responses API, realtime, etc. without needing a dedicated handler.
	// Must be registered LAST so explicit routes take precedence.
	chiRouter.HandleFunc("/v1/*", proxyHandler(registry))

	return chiRouter
}

// dashboardHandler serves the unauthenticated, static operator dashboard
// page. It is distinct from /admin/dashboard, which returns an
// authenticated JSON summary.
func dashboardHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		data, err := web.Assets.ReadFile("dashboard.html")
		if err != nil {
			http.Error(w, "dashboard unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(data)
	}
}

// writeOpenAIError writes an OpenAI-compatible JSON error response. The
// optional kv pair is (code), mirroring the admin package's writeError
// variadic pattern for call sites that pass extra diagnostic fields.
func writeOpenAIError(w http.ResponseWriter, status int, message, errType string, kv ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]interface{}{
		"message": message,
		"type":    errType,
	}
	if len(kv) > 0 {
		body["code"] = kv[0]
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

// writeSSE streams SSE chunks from ch to the response writer.
func writeSSE(w http.ResponseWriter, ch <-chan providers.StreamChunk) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)
	now := time.Now().Unix()
	for chunk := range ch {
		if chunk.Error != nil {
			errData := fmt.Sprintf(`{"error":{"message":"%s","type":"stream_error"}}`, chunk.Error.Error())
			_, _ = fmt.Fprintf(w, "data: %s\n\n", errData)
			if flusher != nil {
				flusher.Flush()
			}
			return
		}
		if chunk.Object == "" {
			chunk.Object = "chat.completion.chunk"
		}
		if chunk.Created == 0 {
			chunk.Created = now
		}
		data, _ := json.Marshal(chunk)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
	_, _ = fmt.Fprintf(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

// writeRouteError maps a routing/dispatch error to the status code spec.md
// §6 documents for its kind (400/401/429/502/503), falling back to 500 for
// an error the router didn't tag. Routing itself is responsible for
// deciding whether a virtual model resolves to anything — gw.Route/
// RouteStream already apply the full candidate-discovery grammar, so no
// pre-dispatch model lookup happens in this handler.
func writeRouteError(w http.ResponseWriter, err error) {
	kind := routeerr.KindOf(err)
	status := routeerr.HTTPStatus(kind)
	writeOpenAIError(w, status, err.Error(), string(kind))
}
