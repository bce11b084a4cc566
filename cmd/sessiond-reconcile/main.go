// Command sessiond-reconcile repairs sessions flagged corrupted after a
// partial multi-store failure. Intended to run periodically (cron or a
// systemd timer) against the same backends as the sessiond service.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scrypster/sessiond/internal/config"
	"github.com/scrypster/sessiond/internal/security"
	"github.com/scrypster/sessiond/internal/storage"
	"github.com/scrypster/sessiond/internal/storage/docstore"
	"github.com/scrypster/sessiond/internal/storage/hybrid"
	"github.com/scrypster/sessiond/internal/storage/sqlite"
	"github.com/scrypster/sessiond/internal/storage/vectorindex"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (default: $SESSIOND_CONFIG)")
	timeout := flag.Duration("timeout", 5*time.Minute, "Overall time budget for the reconciliation pass")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	meta, err := sqlite.NewMetadataStore(cfg.Storage.MetadataDSN)
	if err != nil {
		log.Fatalf("Failed to open metadata store: %v", err)
	}

	auditLog, err := security.NewAuditLogger(ctx, sqlite.NewAuditStore(meta.GetDB()))
	if err != nil {
		log.Fatalf("Failed to initialize audit log: %v", err)
	}

	var docs storage.DocumentStore
	switch cfg.Storage.DocumentEngine {
	case "redis":
		docs = docstore.NewRedisStore(redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		}))
	default:
		docs = docstore.NewMemoryStore()
	}

	var vecs storage.VectorIndex
	switch cfg.Storage.VectorEngine {
	case "qdrant":
		vecs, err = vectorindex.NewQdrantIndex(vectorindex.QdrantConfig{
			URL:        cfg.Storage.QdrantURL,
			Collection: cfg.Storage.QdrantCollection,
		})
	case "postgres":
		vecs, err = vectorindex.NewPostgresIndex(cfg.Storage.PostgresDSN, cfg.Storage.EmbeddingDimension)
	default:
		vecs = vectorindex.NewMemoryIndex()
	}
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
	}

	store := hybrid.New(meta, docs, vecs, hybrid.Options{
		Cipher:    cipher,
		Retry:     storage.DefaultRetryPolicy(),
		OpTimeout: cfg.Manager.OperationTimeout,
	})
	defer store.Close()

	report, err := store.Reconcile(ctx)
	if err != nil {
		log.Fatalf("Reconciliation failed: %v", err)
	}

	if aerr := auditLog.Record(ctx, security.AuditReconcileRun, "sessiond-reconcile", "", map[string]any{
		"scanned":  report.Scanned,
		"restored": report.Restored,
		"removed":  report.Removed,
		"failed":   report.Failed,
	}); aerr != nil {
		log.Fatalf("Reconciliation ran but could not be audited: %v", aerr)
	}

	log.Printf("Reconcile done: scanned=%d restored=%d removed=%d failed=%d",
		report.Scanned, report.Restored, report.Removed, report.Failed)
}
