package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chunkfs/internal/vfs"
)

const nodeColumns = "id, user_id, name, parent_id, type, atime, mtime, ctime, crtime, size, ready"

// rootName is the stored name of every user's root directory.
const rootName = "/"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*vfs.Node, error) {
	var (
		n                           vfs.Node
		parentID, size              sql.NullInt64
		ready                       sql.NullBool
		atime, mtime, ctime, crtime int64
	)
	err := row.Scan(&n.ID, &n.UserID, &n.Name, &parentID, &n.Type,
		&atime, &mtime, &ctime, &crtime, &size, &ready)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		n.ParentID = &parentID.Int64
	}
	n.Atime = fromUnix(atime)
	n.Mtime = fromUnix(mtime)
	n.Ctime = fromUnix(ctime)
	n.Crtime = fromUnix(crtime)
	n.Size = size.Int64
	n.Ready = ready.Bool
	return &n, nil
}

func fromUnix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// lookupNode runs a single-node query, mapping no rows to ErrNotFound.
func (q *queries) lookupNode(ctx context.Context, where string, args ...any) (*vfs.Node, error) {
	row := q.queryRow(ctx, "SELECT "+nodeColumns+" FROM nodes WHERE "+where+q.lock, args...)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vfs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading node: %w", err)
	}
	return n, nil
}

func (q *queries) root(ctx context.Context, userID int64) (*vfs.Node, error) {
	return q.lookupNode(ctx, "user_id = ? AND parent_id IS NULL", userID)
}

func (q *queries) child(ctx context.Context, userID, parentID int64, name string) (*vfs.Node, error) {
	return q.lookupNode(ctx, "user_id = ? AND parent_id = ? AND name = ?", userID, parentID, name)
}

func (q *queries) nodeByID(ctx context.Context, id int64) (*vfs.Node, error) {
	return q.lookupNode(ctx, "id = ?", id)
}

// resolve walks parts from the user's root. Every segment but the last must
// be a directory; the last must match expect unless expect is AnyType.
func (q *queries) resolve(ctx context.Context, userID int64, parts []string, expect vfs.NodeType) (*vfs.Node, error) {
	n, err := q.root(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, name := range parts {
		if n.Type != vfs.Dir {
			return nil, vfs.ErrNotADirectory
		}
		if n, err = q.child(ctx, userID, n.ID, name); err != nil {
			return nil, err
		}
	}
	return n, checkType(n, expect)
}

func (q *queries) resolvePath(ctx context.Context, userID int64, path string, expect vfs.NodeType) (*vfs.Node, error) {
	parts, err := vfs.SplitPath(path)
	if err != nil {
		return nil, err
	}
	return q.resolve(ctx, userID, parts, expect)
}

func checkType(n *vfs.Node, expect vfs.NodeType) error {
	switch {
	case expect == vfs.File && n.Type != vfs.File:
		return vfs.ErrNotAFile
	case expect == vfs.Dir && n.Type != vfs.Dir:
		return vfs.ErrNotADirectory
	}
	return nil
}

// ensureDirs resolves parts as a directory chain, creating missing
// directories along the way.
func (q *queries) ensureDirs(ctx context.Context, userID int64, parts []string, now time.Time) (*vfs.Node, error) {
	n, err := q.root(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, name := range parts {
		next, err := q.child(ctx, userID, n.ID, name)
		switch {
		case errors.Is(err, vfs.ErrNotFound):
			next, err = q.insertNode(ctx, userID, n.ID, name, vfs.Dir, now)
			if isUniqueViolation(err) {
				return nil, errSiblingRace
			}
			if err != nil {
				return nil, err
			}
		case err != nil:
			return nil, err
		case next.Type != vfs.Dir:
			return nil, vfs.ErrNotADirectory
		}
		n = next
	}
	return n, nil
}

// insertNode adds a node under parent with its closure rows. Files start
// empty and ready.
func (q *queries) insertNode(ctx context.Context, userID, parentID int64, name string, typ vfs.NodeType, now time.Time) (*vfs.Node, error) {
	var size sql.NullInt64
	var ready sql.NullBool
	if typ == vfs.File {
		size = sql.NullInt64{Valid: true}
		ready = sql.NullBool{Bool: true, Valid: true}
	}

	ts := now.Unix()
	var id int64
	err := q.queryRow(ctx, `
		INSERT INTO nodes (user_id, name, parent_id, type, atime, mtime, ctime, crtime, size, ready)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		userID, name, parentID, typ, ts, ts, ts, ts, size, ready).Scan(&id)
	if err != nil {
		return nil, err
	}
	if err := q.createClosure(ctx, id, parentID); err != nil {
		return nil, err
	}
	return q.nodeByID(ctx, id)
}

func (q *queries) hasChildren(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := q.queryRow(ctx, "SELECT EXISTS (SELECT 1 FROM nodes WHERE parent_id = ?)", id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking children: %w", err)
	}
	return exists, nil
}

func (q *queries) deleteNode(ctx context.Context, id int64) error {
	if _, err := q.exec(ctx, "DELETE FROM nodes WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting node: %w", err)
	}
	return nil
}

// place sets a node's name and parent.
func (q *queries) place(ctx context.Context, id, parentID int64, name string, now time.Time) error {
	_, err := q.exec(ctx, "UPDATE nodes SET name = ?, parent_id = ?, ctime = ? WHERE id = ?",
		name, parentID, now.Unix(), id)
	return err
}
