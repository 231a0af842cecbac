package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chunkfs/internal/vfs"
)

// User operations

func (s *Store) CreateUser(ctx context.Context, username string, now time.Time) (*vfs.User, error) {
	var user *vfs.User
	err := s.withTx(ctx, func(q *queries) error {
		var id int64
		err := q.queryRow(ctx, "INSERT INTO users (username) VALUES (?) RETURNING id", username).Scan(&id)
		if isUniqueViolation(err) {
			return vfs.ErrAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("inserting user: %w", err)
		}

		ts := now.Unix()
		var rootID int64
		err = q.queryRow(ctx, `
			INSERT INTO nodes (user_id, name, parent_id, type, atime, mtime, ctime, crtime)
			VALUES (?, ?, NULL, ?, ?, ?, ?, ?)
			RETURNING id`,
			id, rootName, vfs.Dir, ts, ts, ts, ts).Scan(&rootID)
		if err != nil {
			return fmt.Errorf("inserting root: %w", err)
		}
		if err := q.createClosure(ctx, rootID, 0); err != nil {
			return err
		}

		user = &vfs.User{ID: id, Username: username}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Store) FindUserByName(ctx context.Context, username string) (*vfs.User, error) {
	u := vfs.User{Username: username}
	err := s.read().queryRow(ctx, "SELECT id FROM users WHERE username = ?", username).Scan(&u.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vfs.ErrNotFound
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("finding user: %w", err))
	}
	return &u, nil
}

// Lookups

func (s *Store) Resolve(ctx context.Context, userID int64, path string, expect vfs.NodeType) (*vfs.Node, error) {
	n, err := s.read().resolvePath(ctx, userID, path, expect)
	if err != nil {
		return nil, mapError(err)
	}
	return n, nil
}

func (s *Store) ListDir(ctx context.Context, userID int64, path string) ([]vfs.DirEntry, error) {
	q := s.read()
	dir, err := q.resolvePath(ctx, userID, path, vfs.Dir)
	if err != nil {
		return nil, mapError(err)
	}

	rows, err := q.query(ctx,
		"SELECT name, type, mtime FROM nodes WHERE parent_id = ? ORDER BY type DESC, "+s.dialect.nameOrder,
		dir.ID)
	if err != nil {
		return nil, mapError(fmt.Errorf("listing directory: %w", err))
	}
	defer rows.Close()

	entries := []vfs.DirEntry{}
	for rows.Next() {
		var e vfs.DirEntry
		var mtime int64
		if err := rows.Scan(&e.Name, &e.Type, &mtime); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		e.Mtime = fromUnix(mtime)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(fmt.Errorf("listing directory: %w", err))
	}
	return entries, nil
}

func (s *Store) IsDescendant(ctx context.Context, ancestor, descendant int64) (bool, error) {
	ok, err := s.read().isDescendant(ctx, ancestor, descendant)
	return ok, mapError(err)
}

// Hierarchy mutations

func (s *Store) Create(ctx context.Context, userID int64, path string, now time.Time) (*vfs.Node, error) {
	parent, leaf, err := vfs.SplitParent(path)
	if err != nil {
		return nil, err
	}

	var node *vfs.Node
	err = s.withTx(ctx, func(q *queries) error {
		dir, err := q.ensureDirs(ctx, userID, parent, now)
		if err != nil {
			return err
		}
		switch _, err := q.child(ctx, userID, dir.ID, leaf); {
		case err == nil:
			return vfs.ErrAlreadyExists
		case !errors.Is(err, vfs.ErrNotFound):
			return err
		}
		node, err = q.insertNode(ctx, userID, dir.ID, leaf, vfs.File, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (s *Store) Mkdir(ctx context.Context, userID int64, path string, now time.Time) (*vfs.Node, error) {
	parts, err := vfs.SplitPath(path)
	if err != nil {
		return nil, err
	}

	var node *vfs.Node
	err = s.withTx(ctx, func(q *queries) error {
		if len(parts) == 0 {
			node, err = q.root(ctx, userID)
			return err
		}
		dir, err := q.ensureDirs(ctx, userID, parts[:len(parts)-1], now)
		if err != nil {
			return err
		}
		leaf := parts[len(parts)-1]
		existing, err := q.child(ctx, userID, dir.ID, leaf)
		switch {
		case err == nil && existing.Type == vfs.Dir:
			node = existing
			return nil
		case err == nil:
			return vfs.ErrAlreadyExists
		case !errors.Is(err, vfs.ErrNotFound):
			return err
		}
		node, err = q.insertNode(ctx, userID, dir.ID, leaf, vfs.Dir, now)
		if isUniqueViolation(err) {
			return errSiblingRace
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (s *Store) Rmdir(ctx context.Context, userID int64, path string) error {
	parts, err := vfs.SplitPath(path)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return vfs.ErrInvalidArgument
	}

	return s.withTx(ctx, func(q *queries) error {
		dir, err := q.resolve(ctx, userID, parts, vfs.Dir)
		if err != nil {
			return err
		}
		busy, err := q.hasChildren(ctx, dir.ID)
		if err != nil {
			return err
		}
		if busy {
			return vfs.ErrNotEmpty
		}
		return q.deleteNode(ctx, dir.ID)
	})
}

func (s *Store) Unlink(ctx context.Context, userID int64, path string) (*vfs.Node, []vfs.BlobRef, error) {
	parts, err := vfs.SplitPath(path)
	if err != nil {
		return nil, nil, err
	}

	var (
		node *vfs.Node
		refs []vfs.BlobRef
	)
	err = s.withTx(ctx, func(q *queries) error {
		if node, err = q.resolve(ctx, userID, parts, vfs.File); err != nil {
			return err
		}
		if refs, err = q.chunkRefs(ctx, node.ID, -1); err != nil {
			return err
		}
		// Chunk and closure rows cascade.
		return q.deleteNode(ctx, node.ID)
	})
	if err != nil {
		return nil, nil, err
	}
	return node, refs, nil
}

func (s *Store) Truncate(ctx context.Context, userID int64, path string, size int64, now time.Time) (*vfs.Node, []vfs.BlobRef, error) {
	if size < 0 {
		return nil, nil, vfs.ErrInvalidArgument
	}
	parts, err := vfs.SplitPath(path)
	if err != nil {
		return nil, nil, err
	}

	var (
		node *vfs.Node
		refs []vfs.BlobRef
	)
	err = s.withTx(ctx, func(q *queries) error {
		n, err := q.resolve(ctx, userID, parts, vfs.File)
		if err != nil {
			return err
		}
		if refs, err = q.dropChunks(ctx, n.ID, -1); err != nil {
			return err
		}
		_, err = q.exec(ctx, "UPDATE nodes SET size = ?, mtime = ?, ctime = ?, ready = ? WHERE id = ?",
			size, now.Unix(), now.Unix(), size == 0, n.ID)
		if err != nil {
			return fmt.Errorf("truncating node: %w", err)
		}
		node, err = q.nodeByID(ctx, n.ID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return node, refs, nil
}

func (s *Store) Rename(ctx context.Context, userID int64, from, to string, now time.Time) error {
	same, err := vfs.SameParent(from, to)
	if err != nil {
		return err
	}
	if !same {
		return vfs.ErrInvalidArgument
	}
	parts, _ := vfs.SplitPath(from)
	_, leaf, _ := vfs.SplitParent(to)

	return s.withTx(ctx, func(q *queries) error {
		n, err := q.resolve(ctx, userID, parts, vfs.AnyType)
		if err != nil {
			return err
		}
		if n.Name == leaf {
			return nil
		}
		if err := q.vacant(ctx, userID, *n.ParentID, leaf); err != nil {
			return err
		}
		_, err = q.exec(ctx, "UPDATE nodes SET name = ?, ctime = ? WHERE id = ?", leaf, now.Unix(), n.ID)
		if isUniqueViolation(err) {
			return vfs.ErrDestinationExists
		}
		return err
	})
}

func (s *Store) Move(ctx context.Context, userID int64, from, to string, now time.Time) error {
	if _, _, err := vfs.SplitParent(from); err != nil {
		return err
	}
	srcParts, _ := vfs.SplitPath(from)
	dstParent, leaf, err := vfs.SplitParent(to)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(q *queries) error {
		src, err := q.resolve(ctx, userID, srcParts, vfs.AnyType)
		if err != nil {
			return err
		}
		parent, err := q.resolve(ctx, userID, dstParent, vfs.Dir)
		if err != nil {
			return err
		}
		if err := q.vacant(ctx, userID, parent.ID, leaf); err != nil {
			return err
		}
		cycle, err := q.isDescendant(ctx, src.ID, parent.ID)
		if err != nil {
			return err
		}
		if cycle {
			return vfs.ErrCycleDetected
		}

		err = q.place(ctx, src.ID, parent.ID, leaf, now)
		if isUniqueViolation(err) {
			return vfs.ErrDestinationExists
		}
		if err != nil {
			return fmt.Errorf("moving node: %w", err)
		}
		return q.rewireForMove(ctx, src.ID, parent.ID)
	})
}

func (s *Store) Swap(ctx context.Context, userID int64, a, b string, now time.Time) error {
	for _, p := range []string{a, b} {
		if _, _, err := vfs.SplitParent(p); err != nil {
			return err
		}
	}
	aParts, _ := vfs.SplitPath(a)
	bParts, _ := vfs.SplitPath(b)

	return s.withTx(ctx, func(q *queries) error {
		na, err := q.resolve(ctx, userID, aParts, vfs.AnyType)
		if err != nil {
			return err
		}
		nb, err := q.resolve(ctx, userID, bParts, vfs.AnyType)
		if err != nil {
			return err
		}
		if na.ID == nb.ID {
			return nil
		}

		for _, pair := range [][2]int64{{na.ID, nb.ID}, {nb.ID, na.ID}} {
			cycle, err := q.isDescendant(ctx, pair[0], pair[1])
			if err != nil {
				return err
			}
			if cycle {
				return vfs.ErrCycleDetected
			}
		}
		if na.Type != nb.Type {
			return vfs.ErrTypeConflict
		}

		if err := q.exchange(ctx, na, nb, now); err != nil {
			if isUniqueViolation(err) {
				return vfs.ErrDestinationExists
			}
			return fmt.Errorf("exchanging nodes: %w", err)
		}

		if *na.ParentID == *nb.ParentID {
			return nil
		}
		if err := q.rewireForMove(ctx, na.ID, *nb.ParentID); err != nil {
			return err
		}
		return q.rewireForMove(ctx, nb.ID, *na.ParentID)
	})
}

// exchange gives a b's name and parent and b a's. Where the sibling key can
// be deferred both rows are updated directly; otherwise a parks under a
// placeholder name that no path segment can contain.
func (q *queries) exchange(ctx context.Context, a, b *vfs.Node, now time.Time) error {
	if q.d.deferSiblings != "" {
		if _, err := q.exec(ctx, q.d.deferSiblings); err != nil {
			return err
		}
		if err := q.place(ctx, a.ID, *b.ParentID, b.Name, now); err != nil {
			return err
		}
		return q.place(ctx, b.ID, *a.ParentID, a.Name, now)
	}

	placeholder := fmt.Sprintf("swap/%d", a.ID)
	if err := q.place(ctx, a.ID, *a.ParentID, placeholder, now); err != nil {
		return err
	}
	if err := q.place(ctx, b.ID, *a.ParentID, a.Name, now); err != nil {
		return err
	}
	return q.place(ctx, a.ID, *b.ParentID, b.Name, now)
}

// vacant fails with ErrDestinationExists when parent already has a child named name.
func (q *queries) vacant(ctx context.Context, userID, parentID int64, name string) error {
	_, err := q.child(ctx, userID, parentID, name)
	switch {
	case err == nil:
		return vfs.ErrDestinationExists
	case errors.Is(err, vfs.ErrNotFound):
		return nil
	}
	return err
}

func (s *Store) SetModifyTime(ctx context.Context, userID int64, path string, mtime time.Time) error {
	if mtime.Unix() < 0 {
		return vfs.ErrInvalidArgument
	}
	parts, err := vfs.SplitPath(path)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(q *queries) error {
		n, err := q.resolve(ctx, userID, parts, vfs.File)
		if err != nil {
			return err
		}
		_, err = q.exec(ctx, "UPDATE nodes SET mtime = ? WHERE id = ?", mtime.Unix(), n.ID)
		return err
	})
}
