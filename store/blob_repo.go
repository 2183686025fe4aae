package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
)

// BlobRepo owns the content-addressed blobs table. Identical content is stored
// once and shared by reference count.
type BlobRepo struct{}

// NewBlobRepo returns a blob repository.
func NewBlobRepo() *BlobRepo { return &BlobRepo{} }

const blobColumns = "id, hash, content, mime_type, size_original, ref_count, created_at"

// HashContent returns the hex sha256 address of the given content.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Store writes content and returns the blob id. When a blob with the same
// hash already exists its reference count is incremented and the existing id
// is returned, so callers always hold exactly one reference per Store call.
func (r *BlobRepo) Store(q dbtx, id string, content []byte, mimeType string) (string, error) {
	hash := HashContent(content)

	var existingID string
	err := q.QueryRow("SELECT id FROM blobs WHERE hash = ?", hash).Scan(&existingID)
	switch {
	case err == nil:
		if _, err := q.Exec(
			"UPDATE blobs SET ref_count = ref_count + 1 WHERE id = ?", existingID,
		); err != nil {
			return "", fmt.Errorf("increment blob ref %s: %w", existingID, err)
		}
		return existingID, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("lookup blob by hash: %w", err)
	}

	_, err = q.Exec(`INSERT INTO blobs (`+blobColumns+`)
		VALUES (?, ?, ?, ?, ?, 1, datetime('now'))`,
		id, hash, content, mimeType, int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("insert blob %s: %w", id, err)
	}
	return id, nil
}

// Get returns one blob, or ErrNotFound.
func (r *BlobRepo) Get(q dbtx, id string) (*Blob, error) {
	var b Blob
	err := q.QueryRow("SELECT "+blobColumns+" FROM blobs WHERE id = ?", id).Scan(
		&b.ID, &b.Hash, &b.Content, &b.MimeType, &b.SizeOriginal, &b.RefCount,
		&b.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("blob", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", id, err)
	}
	return &b, nil
}

// Release decrements a blob's reference count, flooring at zero. The row is
// deleted once no references remain. Releasing an unknown id is a no-op.
func (r *BlobRepo) Release(q dbtx, id string) error {
	if _, err := q.Exec(
		"UPDATE blobs SET ref_count = MAX(ref_count - 1, 0) WHERE id = ?", id,
	); err != nil {
		return fmt.Errorf("release blob %s: %w", id, err)
	}
	if _, err := q.Exec(
		"DELETE FROM blobs WHERE id = ? AND ref_count <= 0", id,
	); err != nil {
		return fmt.Errorf("delete unreferenced blob %s: %w", id, err)
	}
	return nil
}

// Cleanup removes every blob whose reference count has reached zero and
// returns how many rows were deleted.
func (r *BlobRepo) Cleanup(q dbtx) (int64, error) {
	res, err := q.Exec("DELETE FROM blobs WHERE ref_count <= 0")
	if err != nil {
		return 0, fmt.Errorf("cleanup blobs: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns the blob count and total stored bytes.
func (r *BlobRepo) Stats(q dbtx) (count, totalBytes int64, err error) {
	err = q.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(length(content)), 0) FROM blobs",
	).Scan(&count, &totalBytes)
	if err != nil {
		return 0, 0, fmt.Errorf("blob stats: %w", err)
	}
	return count, totalBytes, nil
}
