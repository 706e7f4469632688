package memory

import (
	"context"
	"math"
	"testing"
)

func TestHashEmbedderIsNormalisedAndStable(t *testing.T) {
	embedder := NewHashEmbedder(64)
	ctx := context.Background()

	a, err := embedder.Embed(ctx, "Pay vendor Alpha for market data")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	b, _ := embedder.Embed(ctx, "pay VENDOR alpha, for market data!")

	var norm, dot float64
	for i := range a {
		norm += float64(a[i]) * float64(a[i])
		dot += float64(a[i]) * float64(b[i])
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Fatalf("expected unit vector, norm=%f", norm)
	}
	if math.Abs(dot-1) > 1e-5 {
		t.Fatalf("tokenisation should ignore case and punctuation, dot=%f", dot)
	}

	empty, _ := embedder.Embed(ctx, "   ")
	if empty[0] != 1 {
		t.Fatalf("empty text must still embed to a unit vector")
	}
}

func TestChromemStoreSearchScopesByProject(t *testing.T) {
	store, err := NewChromemStore(ChromemConfig{}, NewHashEmbedder(128))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	entries := []Entry{
		{ProjectID: "p1", AgentID: "a", RunID: "r1", MemoryType: TypeAnalysis, Content: "purchase gpu compute credits from vendor alpha"},
		{ProjectID: "p1", AgentID: "a", RunID: "r1", MemoryType: TypeCompliance, Content: "compliance passed with low risk"},
		{ProjectID: "p2", AgentID: "b", RunID: "r2", MemoryType: TypeAnalysis, Content: "purchase gpu compute credits from vendor alpha"},
	}
	for _, entry := range entries {
		id, err := store.Store(ctx, entry)
		if err != nil || id == "" {
			t.Fatalf("store: id=%q err=%v", id, err)
		}
	}

	hits, err := store.Search(ctx, Query{ProjectID: "p1", Text: "purchase gpu compute credits from vendor alpha", TopK: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatalf("expected hits")
	}
	for _, hit := range hits {
		if hit.Metadata["project_id"] != "p1" {
			t.Fatalf("hit leaked from another project: %+v", hit)
		}
	}
	if hits[0].Metadata["memory_type"] != TypeAnalysis || hits[0].Similarity < 0.99 {
		t.Fatalf("expected exact analysis note first, got %+v", hits[0])
	}
	if len(hits) > 1 && hits[0].Similarity < hits[1].Similarity {
		t.Fatalf("hits must be sorted by similarity")
	}
}

func TestChromemStoreEmptyNamespace(t *testing.T) {
	store, _ := NewChromemStore(ChromemConfig{}, NewHashEmbedder(16))
	hits, err := store.Search(context.Background(), Query{Text: "anything", Namespace: "fresh"})
	if err != nil || len(hits) != 0 {
		t.Fatalf("expected empty result, got %v %v", hits, err)
	}
	if _, err := store.Store(context.Background(), Entry{Content: ""}); err == nil {
		t.Fatalf("expected empty content to be rejected")
	}
}
