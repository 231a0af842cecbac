package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chunkfs/internal/vfs"
)

// chunkRefs returns the references of node's chunks with an index above
// after, in index order. Pass -1 for every chunk.
func (q *queries) chunkRefs(ctx context.Context, nodeID, after int64) ([]vfs.BlobRef, error) {
	rows, err := q.query(ctx,
		"SELECT blob_ref FROM file_chunks WHERE node_id = ? AND chunk_index > ? ORDER BY chunk_index",
		nodeID, after)
	if err != nil {
		return nil, fmt.Errorf("listing chunk refs: %w", err)
	}
	defer rows.Close()

	var refs []vfs.BlobRef
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scanning chunk ref: %w", err)
		}
		refs = append(refs, vfs.BlobRef(ref))
	}
	return refs, rows.Err()
}

// dropChunks deletes node's chunks with an index above after and returns
// their references.
func (q *queries) dropChunks(ctx context.Context, nodeID, after int64) ([]vfs.BlobRef, error) {
	refs, err := q.chunkRefs(ctx, nodeID, after)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, nil
	}
	_, err = q.exec(ctx, "DELETE FROM file_chunks WHERE node_id = ? AND chunk_index > ?", nodeID, after)
	if err != nil {
		return nil, fmt.Errorf("deleting chunks: %w", err)
	}
	return refs, nil
}

func (s *Store) PrepareUpload(ctx context.Context, nodeID int64, size, terminal int64, mtime time.Time, purge bool) ([]vfs.BlobRef, error) {
	if size < 0 || terminal < 0 {
		return nil, vfs.ErrInvalidArgument
	}
	after := terminal
	if purge {
		after = -1
	}

	var refs []vfs.BlobRef
	err := s.withTx(ctx, func(q *queries) error {
		n, err := q.nodeByID(ctx, nodeID)
		if err != nil {
			return err
		}
		if n.Type != vfs.File {
			return vfs.ErrNotAFile
		}
		if refs, err = q.dropChunks(ctx, nodeID, after); err != nil {
			return err
		}
		_, err = q.exec(ctx, "UPDATE nodes SET size = ?, mtime = ?, ready = ? WHERE id = ?",
			size, mtime.Unix(), false, nodeID)
		if err != nil {
			return fmt.Errorf("preparing node: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

func (s *Store) PutChunk(ctx context.Context, chunk vfs.Chunk, markReady bool) (vfs.BlobRef, error) {
	var replaced vfs.BlobRef
	err := s.withTx(ctx, func(q *queries) error {
		var old string
		err := q.queryRow(ctx,
			"SELECT blob_ref FROM file_chunks WHERE node_id = ? AND chunk_index = ?",
			chunk.NodeID, chunk.Index).Scan(&old)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			replaced = ""
		case err != nil:
			return fmt.Errorf("loading chunk: %w", err)
		default:
			replaced = vfs.BlobRef(old)
		}

		_, err = q.exec(ctx, `
			INSERT INTO file_chunks (node_id, chunk_index, chunk_size, blob_ref, checksum)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (node_id, chunk_index) DO UPDATE
			SET chunk_size = excluded.chunk_size, blob_ref = excluded.blob_ref, checksum = excluded.checksum`,
			chunk.NodeID, chunk.Index, chunk.Size, string(chunk.Ref), chunk.Checksum)
		if isForeignKeyViolation(err) {
			return vfs.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("storing chunk: %w", err)
		}

		if markReady {
			if _, err := q.exec(ctx, "UPDATE nodes SET ready = ? WHERE id = ?", true, chunk.NodeID); err != nil {
				return fmt.Errorf("marking ready: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return replaced, nil
}

func (s *Store) ListChunks(ctx context.Context, nodeID int64) ([]vfs.Chunk, error) {
	rows, err := s.read().query(ctx, `
		SELECT node_id, chunk_index, chunk_size, blob_ref, checksum
		FROM file_chunks
		WHERE node_id = ?
		ORDER BY chunk_index`, nodeID)
	if err != nil {
		return nil, mapError(fmt.Errorf("listing chunks: %w", err))
	}
	defer rows.Close()

	var chunks []vfs.Chunk
	for rows.Next() {
		var c vfs.Chunk
		var ref string
		if err := rows.Scan(&c.NodeID, &c.Index, &c.Size, &ref, &c.Checksum); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		c.Ref = vfs.BlobRef(ref)
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(fmt.Errorf("listing chunks: %w", err))
	}
	return chunks, nil
}
