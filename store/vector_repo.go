package store

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
)

// VectorRepo owns the memory_vectors table: one embedding per event, searched
// by brute-force cosine similarity. The index is best effort; callers treat
// failures as ErrDegraded and fall back to full-text search.
type VectorRepo struct {
	// Dimensions is the required embedding length. Zero disables the check.
	Dimensions int
}

// NewVectorRepo returns a vector repository enforcing the given embedding
// dimensionality.
func NewVectorRepo(dimensions int) *VectorRepo {
	return &VectorRepo{Dimensions: dimensions}
}

// VectorMatch is one nearest-neighbor hit.
type VectorMatch struct {
	EventID    string
	Similarity float64
}

// Store writes or replaces the embedding for one event.
func (r *VectorRepo) Store(q dbtx, eventID, workspaceID string, embedding []float32) error {
	if r.Dimensions > 0 && len(embedding) != r.Dimensions {
		return constraint("embedding has %d dimensions, want %d",
			len(embedding), r.Dimensions)
	}
	_, err := q.Exec(`
		INSERT INTO memory_vectors (event_id, workspace_id, embedding)
		VALUES (?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
		  workspace_id = excluded.workspace_id,
		  embedding    = excluded.embedding`,
		eventID, workspaceID, vectorToBlob(embedding))
	if err != nil {
		return fmt.Errorf("store vector for %s: %w: %w", eventID, err, ErrDegraded)
	}
	return nil
}

// Delete removes the embedding for one event. Unknown ids are a no-op.
func (r *VectorRepo) Delete(q dbtx, eventID string) error {
	if _, err := q.Exec("DELETE FROM memory_vectors WHERE event_id = ?", eventID); err != nil {
		return fmt.Errorf("delete vector for %s: %w", eventID, err)
	}
	return nil
}

// VectorFilter narrows a similarity search by workspace and score.
type VectorFilter struct {
	IncludeWorkspaces []string
	ExcludeWorkspaces []string

	// MinSimilarity drops matches scoring below it. Zero keeps everything.
	MinSimilarity float64
}

// Search returns the k embeddings most similar to the query vector, best
// first. The scan is a brute-force pass over candidate rows; embeddings with
// mismatched dimensions are skipped rather than failing the whole query.
func (r *VectorRepo) Search(q dbtx, query []float32, k int, f VectorFilter) ([]*VectorMatch, error) {
	if r.Dimensions > 0 && len(query) != r.Dimensions {
		return nil, constraint("query has %d dimensions, want %d",
			len(query), r.Dimensions)
	}
	if k <= 0 {
		k = 10
	}

	var (
		where []string
		args  []any
	)
	if len(f.IncludeWorkspaces) > 0 {
		where = append(where,
			"workspace_id IN (?"+strings.Repeat(", ?", len(f.IncludeWorkspaces)-1)+")")
		for _, w := range f.IncludeWorkspaces {
			args = append(args, w)
		}
	}
	if len(f.ExcludeWorkspaces) > 0 {
		where = append(where,
			"workspace_id NOT IN (?"+strings.Repeat(", ?", len(f.ExcludeWorkspaces)-1)+")")
		for _, w := range f.ExcludeWorkspaces {
			args = append(args, w)
		}
	}
	sql := "SELECT event_id, embedding FROM memory_vectors"
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := q.Query(sql, args...)
	if err != nil {
		return nil, fmt.Errorf("vector scan: %w: %w", err, ErrDegraded)
	}
	defer rows.Close()

	var matches []*VectorMatch
	for rows.Next() {
		var (
			eventID string
			blob    []byte
		)
		if err := rows.Scan(&eventID, &blob); err != nil {
			return nil, fmt.Errorf("scan vector row: %w", err)
		}
		candidate := blobToVector(blob)
		if len(candidate) != len(query) {
			continue
		}
		sim := cosineSimilarity(query, candidate)
		if sim < f.MinSimilarity {
			continue
		}
		matches = append(matches, &VectorMatch{
			EventID:    eventID,
			Similarity: sim,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// vectorToBlob encodes f32 little-endian, 4 bytes per component.
func vectorToBlob(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func blobToVector(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
