package database

import (
	"context"
	"fmt"
)

// createClosure adds node's self row and, under a parent, one row per
// ancestor of the parent (the parent's own self row included). Conflicts
// are ignored so a rerun transaction inserts nothing twice.
func (q *queries) createClosure(ctx context.Context, node, parent int64) error {
	_, err := q.exec(ctx, `
		INSERT INTO node_closure (ancestor, descendant, depth)
		VALUES (?, ?, 0)
		ON CONFLICT DO NOTHING`, node, node)
	if err != nil {
		return fmt.Errorf("inserting self closure: %w", err)
	}
	if parent == 0 {
		return nil
	}

	_, err = q.exec(ctx, `
		INSERT INTO node_closure (ancestor, descendant, depth)
		SELECT ancestor, CAST(? AS BIGINT), depth + 1
		FROM node_closure
		WHERE descendant = ?
		ON CONFLICT DO NOTHING`, node, parent)
	if err != nil {
		return fmt.Errorf("inserting ancestor closure: %w", err)
	}
	return nil
}

// rewireForMove reattaches node's subtree under newParent. Rows linking the
// subtree to node's old proper ancestors are removed, rows inside the subtree
// are kept, and every ancestor of newParent (itself included) gains a row to
// every member of the subtree. It must run in the transaction that updates
// node's parent.
func (q *queries) rewireForMove(ctx context.Context, node, newParent int64) error {
	_, err := q.exec(ctx, `
		DELETE FROM node_closure
		WHERE descendant IN (SELECT descendant FROM node_closure WHERE ancestor = ?)
		  AND ancestor IN (SELECT ancestor FROM node_closure WHERE descendant = ? AND ancestor <> ?)`,
		node, node, node)
	if err != nil {
		return fmt.Errorf("detaching subtree: %w", err)
	}

	_, err = q.exec(ctx, `
		INSERT INTO node_closure (ancestor, descendant, depth)
		SELECT sup.ancestor, sub.descendant, sup.depth + sub.depth + 1
		FROM node_closure sup
		CROSS JOIN node_closure sub
		WHERE sup.descendant = ? AND sub.ancestor = ?
		ON CONFLICT DO NOTHING`, newParent, node)
	if err != nil {
		return fmt.Errorf("attaching subtree: %w", err)
	}
	return nil
}

// isDescendant reports whether a closure row links ancestor to descendant.
// A node is its own descendant at depth 0.
func (q *queries) isDescendant(ctx context.Context, ancestor, descendant int64) (bool, error) {
	var exists bool
	err := q.queryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM node_closure WHERE ancestor = ? AND descendant = ?)`,
		ancestor, descendant).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking ancestry: %w", err)
	}
	return exists, nil
}
