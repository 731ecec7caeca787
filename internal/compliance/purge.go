package compliance

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"fpai/internal/cache"
	"fpai/internal/storage"
	"fpai/internal/vectorstore"
)

// PurgeService implements the GDPR hard-deletion contract (, Scenario
// F): the relational cascade lives in storage.HardPurgeUser, but the
// Cache and Vector Store keyspaces are opaque to the store, so this
// fans the deletion out to them: vectors before the relational purge,
// cache entries after it commits.
type PurgeService struct {
	store   *storage.Store
	cache   *cache.Client
	vectors *vectorstore.Client
	log     *slog.Logger
}

// NewPurgeService builds a PurgeService.
func NewPurgeService(store *storage.Store, c *cache.Client, vectors *vectorstore.Client, log *slog.Logger) *PurgeService {
	if log == nil {
		log = slog.Default()
	}
	return &PurgeService{store: store, cache: c, vectors: vectors, log: log}
}

// PurgeUser deletes owner's vector store entries (the clauses collection,
// then the documents collection, filtered by owner_id), then deletes
// every Document owner owns (cascading to its DocumentVersions,
// Analyses, Findings, and MonitorJobs) and anonymizes owner's
// AuditRecords, then deletes owner's cache entries. Vector purge
// failures are logged, not returned. Document ids are collected before the relational
// delete so the cache fan-out still has something to key off of
// afterward.
func (p *PurgeService) PurgeUser(ctx context.Context, owner uuid.UUID) (deletedDocuments int64, err error) {
	documentIDs, err := p.store.ListOwnerDocumentIDs(ctx, owner)
	if err != nil {
		return 0, err
	}

	ownerFilter := vectorstore.Filter{"owner_id": owner.String()}
	if _, err := p.vectors.DeleteByFilter(ctx, vectorstore.CollectionClauses, ownerFilter); err != nil {
		p.log.Error("clause vector purge failed", "owner", owner, "error", err)
	}
	if _, err := p.vectors.DeleteByFilter(ctx, vectorstore.CollectionDocuments, ownerFilter); err != nil {
		p.log.Error("document vector purge failed", "owner", owner, "error", err)
	}

	deletedDocuments, err = p.store.HardPurgeUser(ctx, owner)
	if err != nil {
		return 0, err
	}

	for _, docID := range documentIDs {
		if err := p.cache.InvalidatePrefix(ctx, "analysis:"+docID.String()); err != nil {
			p.log.Error("cache purge failed", "document_id", docID, "error", err)
		}
	}
	if err := p.cache.Invalidate(ctx, "dashboard:"+owner.String()); err != nil {
		p.log.Error("dashboard cache purge failed", "owner", owner, "error", err)
	}

	p.log.Info("purged user", "owner", owner, "deleted_documents", deletedDocuments)
	return deletedDocuments, nil
}
