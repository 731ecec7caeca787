package integration

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"fpai/internal/cache"
	"fpai/internal/compliance"
	"fpai/internal/model"
	"fpai/internal/storage"
	"fpai/internal/vectorstore"
)

func TestPurgeService_PurgeUserRemovesDocumentsAndVectors(t *testing.T) {
	skipIfNoRedis(t)
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "purge-test.db")
	store, err := storage.New(storage.Config{Path: dbPath}, nil)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}

	addr := getRedisAddr()
	c, err := cache.New(cache.Config{Addr: addr, KeyPrefix: "fpai:purge-test:"}, nil)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	vectors := vectorstore.New(rdb, "fpai:purge-test:")

	owner := uuid.New()
	var fp [32]byte
	fp[0] = 7
	doc, _, err := store.UpsertDocument(ctx, owner, "Privacy Policy", model.DocumentTypePrivacyPolicy, fp, 50, "en", nil)
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	vec := make([]float64, vectorstore.CollectionClauses.Dim())
	vec[0] = 1
	if err := vectors.Upsert(ctx, vectorstore.CollectionClauses, doc.ID.String()+":0", vec, vectorstore.Payload{
		"document_id": doc.ID.String(),
		"owner_id":    owner.String(),
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	svc := compliance.NewPurgeService(store, c, vectors, nil)
	deleted, err := svc.PurgeUser(ctx, owner)
	if err != nil {
		t.Fatalf("PurgeUser: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	if _, err := store.GetDocument(ctx, doc.ID); err == nil {
		t.Error("expected document to be gone after purge")
	}

	matches, err := vectors.Search(ctx, vectorstore.CollectionClauses, vec, vectorstore.Filter{"owner_id": owner.String()}, 10, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("Search after purge = %v, want no matches", matches)
	}
}
