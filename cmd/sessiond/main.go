// Command sessiond runs the session context manager REST service.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scrypster/sessiond/internal/config"
	"github.com/scrypster/sessiond/internal/integrations"
	"github.com/scrypster/sessiond/internal/security"
	"github.com/scrypster/sessiond/internal/server"
	"github.com/scrypster/sessiond/internal/session"
	"github.com/scrypster/sessiond/internal/storage"
	"github.com/scrypster/sessiond/internal/storage/docstore"
	"github.com/scrypster/sessiond/internal/storage/hybrid"
	"github.com/scrypster/sessiond/internal/storage/sqlite"
	"github.com/scrypster/sessiond/internal/storage/vectorindex"
	"github.com/scrypster/sessiond/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (default: $SESSIOND_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Relational metadata store, also hosting the audit log.
	meta, err := sqlite.NewMetadataStore(cfg.Storage.MetadataDSN)
	if err != nil {
		log.Fatalf("Failed to open metadata store: %v", err)
	}

	auditLog, err := security.NewAuditLogger(ctx, sqlite.NewAuditStore(meta.GetDB()))
	if err != nil {
		log.Fatalf("Failed to initialize audit log: %v", err)
	}

	docs, err := buildDocumentStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open document store: %v", err)
	}

	vecs, err := buildVectorIndex(cfg)
	if err != nil {
		log.Fatalf("Failed to open vector index: %v", err)
	}

	var cipher hybrid.Cipher
	if cfg.Security.EncryptionSecret != "" {
		ring, err := security.NewKeyRing(cfg.Security.EncryptionKeyID, []byte(cfg.Security.EncryptionSecret))
		if err != nil {
			log.Fatalf("Failed to build key ring: %v", err)
		}
		cipher = &security.EnvelopeCipher{Ring: ring, Audit: auditLog}
	} else {
		log.Println("sessiond: no encryption secret configured, documents stored in plaintext")
	}

	store := hybrid.New(meta, docs, vecs, hybrid.Options{
		Cipher:    cipher,
		Retry:     storage.DefaultRetryPolicy(),
		OpTimeout: cfg.Manager.OperationTimeout,
	})
	defer store.Close()

	// RBAC: built-in policy unless a policy file is configured, in which
	// case it is loaded and hot-reloaded on change.
	var policy *security.Policy
	if cfg.Security.PolicyPath != "" {
		policy, err = security.LoadPolicy(cfg.Security.PolicyPath)
		if err != nil {
			log.Fatalf("Failed to load role policy: %v", err)
		}
	}
	authz, err := security.NewAuthorizer(policy, true)
	if err != nil {
		log.Fatalf("Failed to build authorizer: %v", err)
	}
	if cfg.Security.PolicyPath != "" {
		watcher, err := security.WatchPolicy(cfg.Security.PolicyPath, authz)
		if err != nil {
			log.Fatalf("Failed to watch role policy: %v", err)
		}
		defer watcher.Stop()
	}

	sages, embedder := buildIntegrations(cfg)

	manager, err := session.NewManager(store, authz, auditLog, embedder, sages, session.Options{
		ConflictRetries: cfg.Manager.ConflictRetries,
		SearchCacheSize: cfg.Manager.SearchCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to build session manager: %v", err)
	}

	addr, _, err := server.Start(ctx, cfg, manager)
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("sessiond listening on http://%s", addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")
	cancel()
	time.Sleep(time.Second)
}

func buildDocumentStore(cfg *config.Config) (storage.DocumentStore, error) {
	switch cfg.Storage.DocumentEngine {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		return docstore.NewRedisStore(client), nil
	default:
		return docstore.NewMemoryStore(), nil
	}
}

func buildVectorIndex(cfg *config.Config) (storage.VectorIndex, error) {
	switch cfg.Storage.VectorEngine {
	case "qdrant":
		return vectorindex.NewQdrantIndex(vectorindex.QdrantConfig{
			URL:        cfg.Storage.QdrantURL,
			Collection: cfg.Storage.QdrantCollection,
		})
	case "postgres":
		return vectorindex.NewPostgresIndex(cfg.Storage.PostgresDSN, cfg.Storage.EmbeddingDimension)
	default:
		return vectorindex.NewMemoryIndex(), nil
	}
}

// buildIntegrations registers the configured collaborators, each behind a
// circuit breaker. The retrieval collaborator doubles as the embedder; a
// local deterministic embedder stands in when none is configured.
func buildIntegrations(cfg *config.Config) (*integrations.Registry, integrations.Embedder) {
	registry := integrations.NewRegistry()

	endpoints := map[types.SageCategory]string{
		types.SageKnowledge: cfg.Integrations.KnowledgeURL,
		types.SageTask:      cfg.Integrations.TaskURL,
		types.SageIncident:  cfg.Integrations.IncidentURL,
		types.SageRetrieval: cfg.Integrations.RetrievalURL,
	}

	var retrieval integrations.Sage
	for category, url := range endpoints {
		if url == "" {
			continue
		}
		sage := integrations.WithBreaker(
			integrations.NewHTTPSage(category, url, cfg.Integrations.Timeout),
			integrations.BreakerConfig{})
		registry.Register(sage)
		if category == types.SageRetrieval {
			retrieval = sage
		}
		log.Printf("sessiond: registered %s collaborator at %s", category, url)
	}

	if retrieval != nil {
		return registry, integrations.NewSageEmbedder(retrieval, cfg.Storage.EmbeddingDimension)
	}
	return registry, integrations.NewLocalEmbedder(cfg.Storage.EmbeddingDimension)
}
