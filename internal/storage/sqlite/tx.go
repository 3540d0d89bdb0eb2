package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/jpicklyk/task-orchestrator/internal/storage"
	"github.com/jpicklyk/task-orchestrator/internal/types"
)

// tx runs all statements on a single dedicated connection so that
// BEGIN IMMEDIATE, the work, and COMMIT observe the same session.
type tx struct {
	conn *sql.Conn
}

var _ storage.Tx = (*tx)(nil)

// RunInTransaction executes fn inside a single immediate transaction.
// The whole batch commits or rolls back together, which is what lets
// multi-item operations stay atomic under concurrent writers.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Tx) error) error {
	if s.closed.Load() {
		return fmt.Errorf("run transaction: store is closed")
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return wrapDBError("acquire connection", err)
	}
	defer conn.Close()

	if err := beginImmediate(ctx, conn); err != nil {
		return err
	}

	t := &tx{conn: conn}
	committed := false
	defer func() {
		if !committed {
			// The original ctx may already be cancelled; the rollback
			// must still reach the database.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
		if p := recover(); p != nil {
			panic(p)
		}
	}()

	if err := fn(t); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return wrapDBError("commit", err)
	}
	committed = true
	return nil
}

// beginImmediate takes the write lock up front, retrying with
// exponential backoff while another writer holds it.
func beginImmediate(ctx context.Context, conn *sql.Conn) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second

	op := func() error {
		if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
			if isBusy(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if isBusy(err) {
			return fmt.Errorf("begin transaction: %w", storage.ErrLocked)
		}
		return wrapDBError("begin transaction", err)
	}
	return nil
}

func (t *tx) GetItem(ctx context.Context, id string) (*types.WorkItem, error) {
	return getItem(ctx, t.conn, id)
}

func (t *tx) GetChildren(ctx context.Context, parentID string) ([]*types.WorkItem, error) {
	return getChildren(ctx, t.conn, parentID)
}

func (t *tx) GetDescendants(ctx context.Context, rootID string) ([]*types.WorkItem, error) {
	return getDescendants(ctx, t.conn, rootID)
}

func (t *tx) GetNoteByKey(ctx context.Context, itemID, key string) (*types.Note, error) {
	return getNoteByKey(ctx, t.conn, itemID, key)
}

func (t *tx) ListNotes(ctx context.Context, filter types.NoteFilter) ([]*types.Note, error) {
	return listNotes(ctx, t.conn, filter)
}

func (t *tx) EdgesTouching(ctx context.Context, itemID string) ([]*types.Dependency, error) {
	return edgesTouching(ctx, t.conn, itemID)
}

func (t *tx) AllEdges(ctx context.Context) ([]*types.Dependency, error) {
	return allEdges(ctx, t.conn)
}

func (t *tx) CreateItem(ctx context.Context, item *types.WorkItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Role == "" {
		item.SetDefaults()
	}
	ts := now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = ts
	}
	if item.ModifiedAt.IsZero() {
		item.ModifiedAt = ts
	}
	if item.RoleChangedAt.IsZero() {
		item.RoleChangedAt = item.CreatedAt
	}
	item.Tags = types.NormalizeTags(item.Tags)
	if err := item.Validate(); err != nil {
		return err
	}

	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO items (id, parent_id, depth, title, summary, description, role,
			previous_role, status_label, priority, complexity, requires_verification,
			created_at, modified_at, role_changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, nullable(item.ParentID), item.Depth, item.Title, item.Summary,
		item.Description, string(item.Role), string(item.PreviousRole),
		item.StatusLabel, string(item.Priority), nullableInt(item.Complexity),
		item.RequiresVerification, item.CreatedAt, item.ModifiedAt, item.RoleChangedAt)
	if err != nil {
		return wrapDBError(fmt.Sprintf("create item %s", item.ID), err)
	}
	return t.replaceTags(ctx, item.ID, item.Tags)
}

func (t *tx) CreateItems(ctx context.Context, items []*types.WorkItem) error {
	for _, item := range items {
		if err := t.CreateItem(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) replaceTags(ctx context.Context, itemID string, tags []string) error {
	if _, err := t.conn.ExecContext(ctx, `DELETE FROM item_tags WHERE item_id = ?`, itemID); err != nil {
		return wrapDBError("clear tags", err)
	}
	for i, tag := range tags {
		_, err := t.conn.ExecContext(ctx,
			`INSERT INTO item_tags (item_id, tag, position) VALUES (?, ?, ?)`,
			itemID, tag, i)
		if err != nil {
			return wrapDBError("insert tag", err)
		}
	}
	return nil
}

// UpdateItem applies a partial update. Keys use the wire names; a nil
// value clears the field where clearing is meaningful (complexity,
// parentId). Role changes go through UpdateRole, not here.
func (t *tx) UpdateItem(ctx context.Context, id string, updates map[string]any) error {
	item, err := getItem(ctx, t.conn, id)
	if err != nil {
		return err
	}

	var (
		set     []string
		args    []any
		moveTo  *string
		newTags []string
		setTags bool
	)
	for key, value := range updates {
		switch key {
		case "title":
			s, ok := value.(string)
			if !ok {
				return fmt.Errorf("update item %s: title must be a string", id)
			}
			set = append(set, "title = ?")
			args = append(args, s)
		case "summary":
			s, ok := value.(string)
			if !ok {
				return fmt.Errorf("update item %s: summary must be a string", id)
			}
			set = append(set, "summary = ?")
			args = append(args, s)
		case "description":
			s, ok := value.(string)
			if !ok {
				return fmt.Errorf("update item %s: description must be a string", id)
			}
			set = append(set, "description = ?")
			args = append(args, s)
		case "priority":
			s, ok := value.(string)
			if !ok {
				return fmt.Errorf("update item %s: priority must be a string", id)
			}
			p, err := types.ParsePriority(s)
			if err != nil {
				return err
			}
			set = append(set, "priority = ?")
			args = append(args, string(p))
		case "complexity":
			if value == nil {
				set = append(set, "complexity = NULL")
				break
			}
			n, ok := asInt(value)
			if !ok {
				return fmt.Errorf("update item %s: complexity must be an integer", id)
			}
			set = append(set, "complexity = ?")
			args = append(args, n)
		case "requiresVerification":
			b, ok := value.(bool)
			if !ok {
				return fmt.Errorf("update item %s: requiresVerification must be a boolean", id)
			}
			set = append(set, "requires_verification = ?")
			args = append(args, b)
		case "statusLabel":
			s, ok := value.(string)
			if !ok {
				return fmt.Errorf("update item %s: statusLabel must be a string", id)
			}
			set = append(set, "status_label = ?")
			args = append(args, types.NormalizeStatus(s))
		case "tags":
			tags, ok := asStringSlice(value)
			if !ok {
				return fmt.Errorf("update item %s: tags must be a string array", id)
			}
			newTags = types.NormalizeTags(tags)
			setTags = true
		case "parentId":
			if value == nil {
				root := ""
				moveTo = &root
				break
			}
			s, ok := value.(string)
			if !ok {
				return fmt.Errorf("update item %s: parentId must be a string or null", id)
			}
			moveTo = &s
		default:
			return fmt.Errorf("update item %s: unsupported field %q", id, key)
		}
	}

	if len(set) > 0 {
		set = append(set, "modified_at = ?")
		args = append(args, now())
		args = append(args, id)
		query := "UPDATE items SET " + strings.Join(set, ", ") + " WHERE id = ?"
		if _, err := t.conn.ExecContext(ctx, query, args...); err != nil {
			return wrapDBError(fmt.Sprintf("update item %s", id), err)
		}
	}
	if setTags {
		if err := t.replaceTags(ctx, id, newTags); err != nil {
			return err
		}
		if err := t.touch(ctx, id); err != nil {
			return err
		}
	}
	if moveTo != nil {
		if err := t.moveItem(ctx, item, *moveTo); err != nil {
			return err
		}
	}
	// Re-read so constraint violations surface with the right sentinel.
	if _, err := getItem(ctx, t.conn, id); err != nil {
		return err
	}
	return nil
}

func (t *tx) touch(ctx context.Context, id string) error {
	if _, err := t.conn.ExecContext(ctx, `UPDATE items SET modified_at = ? WHERE id = ?`, now(), id); err != nil {
		return wrapDBError(fmt.Sprintf("touch item %s", id), err)
	}
	return nil
}

// moveItem reparents item (and its whole subtree) under newParentID,
// or to the root when newParentID is empty. The depth of every node in
// the subtree shifts by the same delta.
func (t *tx) moveItem(ctx context.Context, item *types.WorkItem, newParentID string) error {
	if newParentID == item.ParentID {
		return nil
	}
	if newParentID == item.ID {
		return fmt.Errorf("move item %s: cannot parent an item under itself: %w", item.ID, storage.ErrCycle)
	}

	desc, err := getDescendants(ctx, t.conn, item.ID)
	if err != nil {
		return err
	}
	maxDepth := item.Depth
	for _, d := range desc {
		if d.ID == newParentID {
			return fmt.Errorf("move item %s: cannot parent an item under its own descendant %s: %w",
				item.ID, newParentID, storage.ErrCycle)
		}
		if d.Depth > maxDepth {
			maxDepth = d.Depth
		}
	}

	newDepth := 0
	if newParentID != "" {
		parent, err := getItem(ctx, t.conn, newParentID)
		if err != nil {
			return err
		}
		newDepth = parent.Depth + 1
	}
	delta := newDepth - item.Depth
	if maxDepth+delta > types.MaxDepth {
		return fmt.Errorf("move item %s: subtree would exceed depth %d: %w",
			item.ID, types.MaxDepth, storage.ErrConflict)
	}

	_, err = t.conn.ExecContext(ctx,
		`UPDATE items SET parent_id = ?, depth = depth + ?, modified_at = ? WHERE id = ?`,
		nullable(newParentID), delta, now(), item.ID)
	if err != nil {
		return wrapDBError(fmt.Sprintf("move item %s", item.ID), err)
	}
	if len(desc) > 0 && delta != 0 {
		ids := make([]any, len(desc))
		for i, d := range desc {
			ids[i] = d.ID
		}
		query := fmt.Sprintf(`UPDATE items SET depth = depth + ? WHERE id IN (%s)`, placeholders(len(desc)))
		if _, err := t.conn.ExecContext(ctx, query, append([]any{delta}, ids...)...); err != nil {
			return wrapDBError(fmt.Sprintf("move subtree of %s", item.ID), err)
		}
	}
	return nil
}

func (t *tx) UpdateRole(ctx context.Context, id string, role, previousRole types.Role, statusLabel string) error {
	ts := now()
	res, err := t.conn.ExecContext(ctx, `
		UPDATE items SET role = ?, previous_role = ?, status_label = ?,
			role_changed_at = ?, modified_at = ?
		WHERE id = ?`,
		string(role), string(previousRole), statusLabel, ts, ts, id)
	if err != nil {
		return wrapDBError(fmt.Sprintf("update role of %s", id), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("update role of %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// DeleteItems removes the given items. Without recursive, an item that
// still has children is refused. With recursive, each named subtree is
// removed whole; the returned slice lists every deleted id.
func (t *tx) DeleteItems(ctx context.Context, ids []string, recursive bool) ([]string, error) {
	seen := make(map[string]bool)
	var deleted []string
	var roots []string
	for _, id := range ids {
		if seen[id] {
			continue
		}
		if _, err := getItem(ctx, t.conn, id); err != nil {
			return nil, err
		}
		if recursive {
			desc, err := getDescendants(ctx, t.conn, id)
			if err != nil {
				return nil, err
			}
			seen[id] = true
			roots = append(roots, id)
			deleted = append(deleted, id)
			for _, d := range desc {
				if !seen[d.ID] {
					seen[d.ID] = true
					deleted = append(deleted, d.ID)
				}
			}
			continue
		}
		var children int
		row := t.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE parent_id = ?`, id)
		if err := row.Scan(&children); err != nil {
			return nil, wrapDBError("count children", err)
		}
		if children > 0 {
			return nil, fmt.Errorf("delete item %s: %d children exist: %w", id, children, storage.ErrConflict)
		}
		seen[id] = true
		roots = append(roots, id)
		deleted = append(deleted, id)
	}
	if len(roots) == 0 {
		return nil, nil
	}

	args := make([]any, len(roots))
	for i, id := range roots {
		args[i] = id
	}
	// Descendants, notes, tags, dependencies and transitions all go via
	// ON DELETE CASCADE.
	query := fmt.Sprintf(`DELETE FROM items WHERE id IN (%s)`, placeholders(len(roots)))
	if _, err := t.conn.ExecContext(ctx, query, args...); err != nil {
		return nil, wrapDBError("delete items", err)
	}
	return deleted, nil
}

func (t *tx) UpsertNote(ctx context.Context, note *types.Note) (*types.Note, error) {
	note.Key = types.NormalizeStatus(note.Key)
	if err := note.Validate(); err != nil {
		return nil, err
	}
	ts := now()

	existing, err := getNoteByKey(ctx, t.conn, note.ItemID, note.Key)
	switch {
	case err == nil:
		note.ID = existing.ID
		note.CreatedAt = existing.CreatedAt
		note.ModifiedAt = ts
		_, err := t.conn.ExecContext(ctx, `
			UPDATE notes SET role = ?, body = ?, description = ?, modified_at = ?
			WHERE id = ?`,
			string(note.Role), note.Body, note.Description, note.ModifiedAt, note.ID)
		if err != nil {
			return nil, wrapDBError(fmt.Sprintf("update note %s", note.ID), err)
		}
	case isNotFound(err):
		if note.ID == "" {
			note.ID = uuid.NewString()
		}
		note.CreatedAt = ts
		note.ModifiedAt = ts
		_, err := t.conn.ExecContext(ctx, `
			INSERT INTO notes (id, item_id, key, role, body, description, created_at, modified_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			note.ID, note.ItemID, note.Key, string(note.Role), note.Body,
			note.Description, note.CreatedAt, note.ModifiedAt)
		if err != nil {
			return nil, wrapDBError(fmt.Sprintf("insert note %s", note.Key), err)
		}
	default:
		return nil, err
	}
	if err := t.touch(ctx, note.ItemID); err != nil {
		return nil, err
	}
	return note, nil
}

func (t *tx) DeleteNote(ctx context.Context, id string) error {
	res, err := t.conn.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id)
	if err != nil {
		return wrapDBError(fmt.Sprintf("delete note %s", id), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("delete note %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (t *tx) DeleteNoteByKey(ctx context.Context, itemID, key string) error {
	res, err := t.conn.ExecContext(ctx,
		`DELETE FROM notes WHERE item_id = ? AND key = ?`, itemID, types.NormalizeStatus(key))
	if err != nil {
		return wrapDBError(fmt.Sprintf("delete note %s/%s", itemID, key), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("delete note %s/%s: %w", itemID, key, storage.ErrNotFound)
	}
	return nil
}

func (t *tx) DeleteNotesForItem(ctx context.Context, itemID string) (int, error) {
	res, err := t.conn.ExecContext(ctx, `DELETE FROM notes WHERE item_id = ?`, itemID)
	if err != nil {
		return 0, wrapDBError(fmt.Sprintf("delete notes of %s", itemID), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapDBError("rows affected", err)
	}
	return int(n), nil
}

func (t *tx) CreateDependencies(ctx context.Context, deps []*types.Dependency) error {
	for _, dep := range deps {
		if dep.ID == "" {
			dep.ID = uuid.NewString()
		}
		if dep.CreatedAt.IsZero() {
			dep.CreatedAt = now()
		}
		if err := dep.Validate(); err != nil {
			return err
		}
		_, err := t.conn.ExecContext(ctx, `
			INSERT INTO dependencies (id, from_item, to_item, type, unblock_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			dep.ID, dep.FromItemID, dep.ToItemID, string(dep.Type),
			string(dep.UnblockAt), dep.CreatedAt)
		if err != nil {
			return wrapDBError(fmt.Sprintf("create dependency %s -> %s", dep.FromItemID, dep.ToItemID), err)
		}
	}
	return nil
}

func (t *tx) DeleteDependency(ctx context.Context, id string) error {
	res, err := t.conn.ExecContext(ctx, `DELETE FROM dependencies WHERE id = ?`, id)
	if err != nil {
		return wrapDBError(fmt.Sprintf("delete dependency %s", id), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("delete dependency %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (t *tx) DeleteDependencyBetween(ctx context.Context, fromID, toID string, depType types.DependencyType) (int, error) {
	where := `from_item = ? AND to_item = ?`
	args := []any{fromID, toID}
	if depType != "" {
		where += ` AND type = ?`
		args = append(args, string(depType))
	}
	res, err := t.conn.ExecContext(ctx, `DELETE FROM dependencies WHERE `+where, args...)
	if err != nil {
		return 0, wrapDBError(fmt.Sprintf("delete dependency %s -> %s", fromID, toID), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapDBError("rows affected", err)
	}
	return int(n), nil
}

func (t *tx) DeleteDependenciesForItem(ctx context.Context, itemID string) (int, error) {
	res, err := t.conn.ExecContext(ctx,
		`DELETE FROM dependencies WHERE from_item = ? OR to_item = ?`, itemID, itemID)
	if err != nil {
		return 0, wrapDBError(fmt.Sprintf("delete dependencies of %s", itemID), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapDBError("rows affected", err)
	}
	return int(n), nil
}

func (t *tx) AppendTransition(ctx context.Context, rec *types.TransitionRecord) error {
	if rec.At.IsZero() {
		rec.At = now()
	}
	res, err := t.conn.ExecContext(ctx, `
		INSERT INTO transitions (item_id, previous_role, new_role, previous_status,
			new_status, trigger_name, summary, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ItemID, string(rec.PreviousRole), string(rec.NewRole), rec.PreviousStatus,
		rec.NewStatus, string(rec.Trigger), rec.Summary, rec.At)
	if err != nil {
		return wrapDBError(fmt.Sprintf("append transition for %s", rec.ItemID), err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func asStringSlice(v any) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return s, true
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	default:
		return nil, false
	}
}
