// Command fedacceld is the runtime daemon: it loads a dataset manifest,
// registers every dataset against a wired Runtime, and serves a minimal
// HTTP status surface. Grounded on cmd/server/main.go (env-
// var configuration via getEnv/getEnvInt, pool construction, a small
// http.ServeMux-based Server wrapping one long-lived manager object).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"go.uber.org/zap"

	"github.com/lychee-technology/fedaccel"
	"github.com/lychee-technology/fedaccel/factory"
)

// envStore backs "${store:KEY}" secret references (the store name is
// cfg.Runtime.SecretStorePrefix, "store" by default) with a live os.Getenv
// lookup, the same role getEnv plays for own configuration.
type envStore struct{}

func (envStore) Get(key string) (string, bool) { return os.LookupEnv(key) }

// Server exposes dataset status/refresh-trigger endpoints over the
// registered Runtime, the same shape as Server wrapping a
// forma.EntityManager.
type Server struct {
	runtime fedaccel.Runtime
	mux     *http.ServeMux
}

func NewServer(runtime fedaccel.Runtime) *Server {
	s := &Server{runtime: runtime, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/v1/datasets/status", s.handleStatus)
	s.mux.HandleFunc("/v1/datasets/refresh", s.handleRefresh)
}

func (s *Server) Start(port string) error {
	zap.S().Infow("starting fedacceld", "port", port)
	return http.ListenAndServe(":"+port, s.mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "missing name query parameter", http.StatusBadRequest)
		return
	}
	status, err := s.runtime.DatasetStatus(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"name": name, "status": string(status)})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "missing name query parameter", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.runtime.TriggerRefresh(ctx, name, fedaccel.RefreshOverrides{}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// manifest is the on-disk dataset declaration file, one entry per table.
type manifest struct {
	Datasets []fedaccel.Dataset `json:"datasets"`
}

// manifestSchemaJSON is the shape every manifest file must satisfy before
// this daemon trusts it enough to decode, the same "validate the raw JSON
// against a schema before touching it" step transformer
// runs on incoming payloads.
const manifestSchemaJSON = `{
	"type": "object",
	"required": ["datasets"],
	"properties": {
		"datasets": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "connector", "path"],
				"properties": {
					"name": {"type": "object"},
					"connector": {"type": "string"},
					"path": {"type": "string"}
				}
			}
		}
	}
}`

func validateManifest(raw []byte) error {
	var schema jsonschema.Schema
	if err := json.Unmarshal([]byte(manifestSchemaJSON), &schema); err != nil {
		return fmt.Errorf("parse manifest schema: %w", err)
	}
	resolved, err := schema.Resolve(&jsonschema.ResolveOptions{})
	if err != nil {
		return fmt.Errorf("resolve manifest schema: %w", err)
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parse manifest json: %w", err)
	}
	if err := resolved.Validate(data); err != nil {
		return fmt.Errorf("manifest failed schema validation: %w", err)
	}
	return nil
}

func loadManifest(path string) (*manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := validateManifest(raw); err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	sugar := logger.Sugar()

	manifestPath := getEnv("FEDACCEL_MANIFEST", "")
	port := getEnv("PORT", "8080")

	cfg := fedaccel.DefaultConfig()
	cfg.Logging.Level = getEnv("FEDACCEL_LOG_LEVEL", cfg.Logging.Level)

	var pgAccel *factory.PostgresAccelerationParams
	if getEnv("FEDACCEL_PG_ACCEL_ENABLED", "") == "true" {
		pgAccel = &factory.PostgresAccelerationParams{
			Host:     getEnv("FEDACCEL_PG_ACCEL_HOST", "localhost"),
			Port:     getEnv("FEDACCEL_PG_ACCEL_PORT", "5432"),
			User:     getEnv("FEDACCEL_PG_ACCEL_USER", "postgres"),
			Password: getEnv("FEDACCEL_PG_ACCEL_PASSWORD", ""),
			DBName:   getEnv("FEDACCEL_PG_ACCEL_DBNAME", "fedaccel"),
			SSLMode:  getEnv("FEDACCEL_PG_ACCEL_SSLMODE", "disable"),
		}
	}

	runtime, err := factory.NewRuntime(cfg, envStore{}, pgAccel, logger)
	if err != nil {
		sugar.Fatalf("failed to build runtime: %v", err)
	}

	if manifestPath != "" {
		m, err := loadManifest(manifestPath)
		if err != nil {
			sugar.Fatalf("failed to load manifest %q: %v", manifestPath, err)
		}
		ctx := context.Background()
		for i := range m.Datasets {
			ds := m.Datasets[i]
			if err := runtime.RegisterDataset(ctx, &ds); err != nil {
				sugar.Errorw("failed to register dataset", "name", ds.Name.String(), "err", err)
			}
		}
	}

	server := NewServer(runtime)
	if err := server.Start(port); err != nil {
		sugar.Fatalf("server error: %v", err)
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

