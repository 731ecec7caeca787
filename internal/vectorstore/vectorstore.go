// Package vectorstore implements the Vector Store Adapter (component C6):
// typed collections over an external vector index. Running an actual
// vector-database server is out of scope for this process, so this package
// gives the Client interface a concrete, redis-backed implementation
// instead of depending on a dedicated vector-DB SDK: vectors and payload
// are stored as hashes, and cosine-similarity search runs over the
// candidate set in Go, generalized from one semantic-cache namespace to
// three fixed collections.
package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/redis/go-redis/v9"

	"fpai/internal/errkind"
)

// Collection names the three fixed-schema collections.
type Collection string

const (
	CollectionDocuments Collection = "documents"
	CollectionPatterns  Collection = "patterns"
	CollectionClauses   Collection = "clauses"
)

// Dim returns the configured vector dimension for a collection.
func (c Collection) Dim() int {
	switch c {
	case CollectionDocuments:
		return 1536
	case CollectionPatterns, CollectionClauses:
		return 768
	default:
		return 0
	}
}

// Payload is an arbitrary JSON-serializable set of fields attached to a
// vector entry (document_id/fingerprint/... payload columns).
type Payload map[string]any

// Match is one search result.
type Match struct {
	ID      string
	Score   float64
	Payload Payload
}

// Filter is an ANDed set of key/value equality and set-membership
// constraints over a Payload "Filters use ANDed key/value
// constraints and set-membership."
type Filter map[string]any

func (f Filter) matches(p Payload) bool {
	for k, want := range f {
		got, ok := p[k]
		if !ok {
			return false
		}
		if list, isList := want.([]any); isList {
			matched := false
			for _, item := range list {
				if equalJSON(item, got) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
			continue
		}
		if !equalJSON(want, got) {
			return false
		}
	}
	return true
}

func equalJSON(a, b any) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

type entry struct {
	Vector  []float64 `json:"vector"`
	Payload Payload   `json:"payload"`
}

// Client is the redis-backed Vector Store Adapter. Each collection is
// stored as a redis hash (entry id -> JSON-encoded entry); Search scans
// the candidate set in Go rather than introducing a dedicated
// vector-database SDK.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// New wraps an existing redis client. The vector store shares the
// connection pool configured for the cache ( "Singletons": process-wide
// resources initialized once in the composition root).
func New(rdb *redis.Client, keyPrefix string) *Client {
	if keyPrefix == "" {
		keyPrefix = "fpai:vector:"
	}
	return &Client{rdb: rdb, prefix: keyPrefix}
}

func (c *Client) hashKey(col Collection) string {
	return c.prefix + string(col)
}

// Upsert inserts or replaces the vector and payload for id within
// collection. Callers provide L2-normalized vectors; Upsert
// normalizes defensively in case they are not.
func (c *Client) Upsert(ctx context.Context, col Collection, id string, vector []float64, payload Payload) error {
	e := entry{Vector: normalize(vector), Payload: payload}
	data, err := json.Marshal(e)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	if err := c.rdb.HSet(ctx, c.hashKey(col), id, data).Err(); err != nil {
		return errkind.Wrap(errkind.VectorUnavailable, err)
	}
	return nil
}

// Search returns up to topK matches from collection whose payload passes
// filter, ranked by cosine similarity to vector, dropping anything below
// scoreThreshold (a hard minimum). topK=0 returns empty without
// querying the store.
func (c *Client) Search(ctx context.Context, col Collection, vector []float64, filter Filter, topK int, scoreThreshold float64) ([]Match, error) {
	if topK == 0 {
		return nil, nil
	}
	vector = normalize(vector)

	raw, err := c.rdb.HGetAll(ctx, c.hashKey(col)).Result()
	if err != nil {
		return nil, errkind.Wrap(errkind.VectorUnavailable, err)
	}

	var candidates []Match
	for id, data := range raw {
		var e entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			continue // corrupt entry; skip rather than fail the whole search
		}
		if filter != nil && !filter.matches(e.Payload) {
			continue
		}
		score := cosineSimilarity(vector, e.Vector)
		if score < scoreThreshold {
			continue
		}
		candidates = append(candidates, Match{ID: id, Score: score, Payload: e.Payload})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

// DeleteByFilter removes every entry in collection whose payload matches
// filter. Per, deletions for a document must delete its clauses
// before the document row is released in C4; callers sequence that
// ordering (see compliance/purge.go).
func (c *Client) DeleteByFilter(ctx context.Context, col Collection, filter Filter) (int, error) {
	raw, err := c.rdb.HGetAll(ctx, c.hashKey(col)).Result()
	if err != nil {
		return 0, errkind.Wrap(errkind.VectorUnavailable, err)
	}

	var toDelete []string
	for id, data := range raw {
		var e entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			continue
		}
		if filter.matches(e.Payload) {
			toDelete = append(toDelete, id)
		}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}
	if err := c.rdb.HDel(ctx, c.hashKey(col), toDelete...).Err(); err != nil {
		return 0, errkind.Wrap(errkind.VectorUnavailable, err)
	}
	return len(toDelete), nil
}

// cosineSimilarity scores two equal-length vectors in [-1, 1].
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func normalize(v []float64) []float64 {
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return v
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

// ValidateDim reports whether vector's length matches col's fixed
// dimension, returning an error suitable for callers that assemble
// embeddings before calling Upsert/Search.
func ValidateDim(col Collection, vector []float64) error {
	if len(vector) != col.Dim() {
		return errkind.Wrap(errkind.Internal, fmt.Errorf("vector has dim %d, collection %s expects %d", len(vector), col, col.Dim()))
	}
	return nil
}
