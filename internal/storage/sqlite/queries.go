package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jpicklyk/task-orchestrator/internal/storage"
	"github.com/jpicklyk/task-orchestrator/internal/types"
)

// querier is satisfied by both *sql.DB and *sql.Conn so the read helpers
// serve plain reads and read-your-writes inside a transaction alike.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const itemColumns = `id, parent_id, depth, title, summary, description, role,
	previous_role, status_label, priority, complexity, requires_verification,
	created_at, modified_at, role_changed_at`

// rowScanner abstracts *sql.Row and *sql.Rows for the item scanner.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (*types.WorkItem, error) {
	var (
		item       types.WorkItem
		parentID   sql.NullString
		complexity sql.NullInt64
		verify     int
	)
	err := r.Scan(&item.ID, &parentID, &item.Depth, &item.Title, &item.Summary,
		&item.Description, &item.Role, &item.PreviousRole, &item.StatusLabel,
		&item.Priority, &complexity, &verify, &item.CreatedAt, &item.ModifiedAt,
		&item.RoleChangedAt)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		item.ParentID = parentID.String
	}
	if complexity.Valid {
		c := int(complexity.Int64)
		item.Complexity = &c
	}
	item.RequiresVerification = verify != 0
	return &item, nil
}

// placeholders builds a "?,?,?" list for IN clauses.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// likePattern escapes LIKE metacharacters and wraps the text for a
// substring match.
func likePattern(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return "%" + s + "%"
}

// loadTags fetches ordered tags for a set of items in one query.
func loadTags(ctx context.Context, q querier, ids []string) (map[string][]string, error) {
	if len(ids) == 0 {
		return map[string][]string{}, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT item_id, tag FROM item_tags WHERE item_id IN (%s) ORDER BY item_id, position`,
		placeholders(len(ids)))
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("load tags", err)
	}
	defer rows.Close()

	tags := make(map[string][]string)
	for rows.Next() {
		var itemID, tag string
		if err := rows.Scan(&itemID, &tag); err != nil {
			return nil, wrapDBError("scan tag", err)
		}
		tags[itemID] = append(tags[itemID], tag)
	}
	return tags, rows.Err()
}

// attachTags populates Tags on every item in-place.
func attachTags(ctx context.Context, q querier, items []*types.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	tags, err := loadTags(ctx, q, ids)
	if err != nil {
		return err
	}
	for _, item := range items {
		item.Tags = tags[item.ID]
	}
	return nil
}

func getItem(ctx context.Context, q querier, id string) (*types.WorkItem, error) {
	row := q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("get item %s", id), err)
	}
	if err := attachTags(ctx, q, []*types.WorkItem{item}); err != nil {
		return nil, err
	}
	return item, nil
}

func getItems(ctx context.Context, q querier, ids []string) ([]*types.WorkItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT `+itemColumns+` FROM items WHERE id IN (%s)`, placeholders(len(ids)))
	return queryItems(ctx, q, query, args...)
}

func getChildren(ctx context.Context, q querier, parentID string) ([]*types.WorkItem, error) {
	if parentID == "" {
		return queryItems(ctx, q, `SELECT `+itemColumns+` FROM items WHERE parent_id IS NULL ORDER BY created_at, id`)
	}
	return queryItems(ctx, q, `SELECT `+itemColumns+` FROM items WHERE parent_id = ? ORDER BY created_at, id`, parentID)
}

func getDescendants(ctx context.Context, q querier, rootID string) ([]*types.WorkItem, error) {
	query := `
		WITH RECURSIVE subtree AS (
			SELECT ` + itemColumns + ` FROM items WHERE parent_id = ?
			UNION ALL
			SELECT ` + qualifyColumns("i", itemColumns) + ` FROM items i
			JOIN subtree s ON i.parent_id = s.id
		)
		SELECT ` + itemColumns + ` FROM subtree ORDER BY depth, created_at, id`
	return queryItems(ctx, q, query, rootID)
}

// qualifyColumns prefixes each column in list with the given table alias.
func qualifyColumns(alias, list string) string {
	cols := strings.Split(list, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func queryItems(ctx context.Context, q querier, query string, args ...any) ([]*types.WorkItem, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("query items", err)
	}
	defer rows.Close()

	var items []*types.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, wrapDBError("scan item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate items", err)
	}
	if err := attachTags(ctx, q, items); err != nil {
		return nil, err
	}
	return items, nil
}

func searchItems(ctx context.Context, q querier, filter types.ItemFilter, sort types.Sort, limit, offset int) ([]*types.WorkItem, error) {
	where := []string{"1=1"}
	var args []any

	if len(filter.IDs) > 0 {
		where = append(where, fmt.Sprintf("id IN (%s)", placeholders(len(filter.IDs))))
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	if filter.ParentID != nil {
		if *filter.ParentID == "" {
			where = append(where, "parent_id IS NULL")
		} else {
			where = append(where, "parent_id = ?")
			args = append(args, *filter.ParentID)
		}
	}
	if filter.Depth != nil {
		where = append(where, "depth = ?")
		args = append(args, *filter.Depth)
	}
	if filter.Role != nil {
		where = append(where, "role = ?")
		args = append(args, string(*filter.Role))
	}
	if filter.Priority != nil {
		where = append(where, "priority = ?")
		args = append(args, string(*filter.Priority))
	}
	if len(filter.Tags) > 0 {
		where = append(where, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM item_tags t WHERE t.item_id = items.id AND t.tag IN (%s))",
			placeholders(len(filter.Tags))))
		for _, tag := range filter.Tags {
			args = append(args, types.NormalizeTag(tag))
		}
	}
	if filter.Text != "" {
		where = append(where, `(title LIKE ? ESCAPE '\' OR summary LIKE ? ESCAPE '\')`)
		pattern := likePattern(filter.Text)
		args = append(args, pattern, pattern)
	}
	timeRanges := []struct {
		col    string
		after  *time.Time
		before *time.Time
	}{
		{"created_at", filter.CreatedAfter, filter.CreatedBefore},
		{"modified_at", filter.ModifiedAfter, filter.ModifiedBefore},
		{"role_changed_at", filter.RoleChangedAfter, filter.RoleChangedBefore},
	}
	for _, tr := range timeRanges {
		if tr.after != nil {
			where = append(where, tr.col+" >= ?")
			args = append(args, tr.after.UTC())
		}
		if tr.before != nil {
			where = append(where, tr.col+" <= ?")
			args = append(args, tr.before.UTC())
		}
	}

	query := `SELECT ` + itemColumns + ` FROM items WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY ` + orderBy(sort)
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, max(offset, 0))

	return queryItems(ctx, q, query, args...)
}

// orderBy maps a sort selection onto an ORDER BY expression. Priority
// sorts by weight so that descending means high first.
func orderBy(sort types.Sort) string {
	var expr string
	switch sort.Field {
	case types.SortByCreated:
		expr = "created_at"
	case types.SortByPriority:
		expr = "CASE priority WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0 END"
	case types.SortByTitle:
		expr = "title COLLATE NOCASE"
	case types.SortByModified:
		expr = "modified_at"
	default:
		// Recency is the most useful default for agents resuming work.
		return "modified_at DESC, id"
	}
	dir := "ASC"
	if sort.Desc {
		dir = "DESC"
	}
	return expr + " " + dir + ", id"
}

func overview(ctx context.Context, q querier, itemID string) (*storage.OverviewResult, error) {
	result := &storage.OverviewResult{}

	var entries []*types.WorkItem
	var err error
	if itemID == "" {
		entries, err = getChildren(ctx, q, "")
	} else {
		if result.Item, err = getItem(ctx, q, itemID); err != nil {
			return nil, err
		}
		entries, err = getChildren(ctx, q, itemID)
	}
	if err != nil {
		return nil, err
	}

	counts, err := childCounts(ctx, q, entries)
	if err != nil {
		return nil, err
	}
	for _, item := range entries {
		result.Counts.Add(item.Role, 1)
		result.Entries = append(result.Entries, &types.OverviewEntry{
			Item:        item,
			ChildCounts: counts[item.ID],
		})
	}
	if result.Entries == nil {
		result.Entries = []*types.OverviewEntry{}
	}
	return result, nil
}

// childCounts groups the direct children of each given item by role.
func childCounts(ctx context.Context, q querier, parents []*types.WorkItem) (map[string]types.RoleCounts, error) {
	counts := make(map[string]types.RoleCounts, len(parents))
	if len(parents) == 0 {
		return counts, nil
	}
	args := make([]any, len(parents))
	for i, p := range parents {
		args[i] = p.ID
	}
	query := fmt.Sprintf(`SELECT parent_id, role, COUNT(*) FROM items
		WHERE parent_id IN (%s) GROUP BY parent_id, role`, placeholders(len(parents)))
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("child counts", err)
	}
	defer rows.Close()

	for rows.Next() {
		var parentID string
		var role types.Role
		var n int
		if err := rows.Scan(&parentID, &role, &n); err != nil {
			return nil, wrapDBError("scan child counts", err)
		}
		c := counts[parentID]
		c.Add(role, n)
		counts[parentID] = c
	}
	return counts, rows.Err()
}

const noteColumns = `id, item_id, key, role, body, description, created_at, modified_at`

func scanNote(r rowScanner) (*types.Note, error) {
	var n types.Note
	err := r.Scan(&n.ID, &n.ItemID, &n.Key, &n.Role, &n.Body, &n.Description,
		&n.CreatedAt, &n.ModifiedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func getNote(ctx context.Context, q querier, id string) (*types.Note, error) {
	row := q.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = ?`, id)
	note, err := scanNote(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("get note %s", id), err)
	}
	return note, nil
}

func getNoteByKey(ctx context.Context, q querier, itemID, key string) (*types.Note, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE item_id = ? AND key = ?`,
		itemID, types.NormalizeStatus(key))
	note, err := scanNote(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("get note %s/%s", itemID, key), err)
	}
	return note, nil
}

func listNotes(ctx context.Context, q querier, filter types.NoteFilter) ([]*types.Note, error) {
	where := []string{"item_id = ?"}
	args := []any{filter.ItemID}
	if filter.Role != nil {
		where = append(where, "role = ?")
		args = append(args, string(*filter.Role))
	}
	query := `SELECT ` + noteColumns + ` FROM notes WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY CASE role WHEN 'queue' THEN 0 WHEN 'work' THEN 1 ELSE 2 END, key`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list notes", err)
	}
	defer rows.Close()

	var notes []*types.Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, wrapDBError("scan note", err)
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

const depColumns = `id, from_item, to_item, type, unblock_at, created_at`

func scanDependency(r rowScanner) (*types.Dependency, error) {
	var d types.Dependency
	err := r.Scan(&d.ID, &d.FromItemID, &d.ToItemID, &d.Type, &d.UnblockAt, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func getDependency(ctx context.Context, q querier, id string) (*types.Dependency, error) {
	row := q.QueryRowContext(ctx, `SELECT `+depColumns+` FROM dependencies WHERE id = ?`, id)
	dep, err := scanDependency(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("get dependency %s", id), err)
	}
	return dep, nil
}

func edgesTouching(ctx context.Context, q querier, itemID string) ([]*types.Dependency, error) {
	return queryDependencies(ctx, q,
		`SELECT `+depColumns+` FROM dependencies WHERE from_item = ? OR to_item = ? ORDER BY created_at, id`,
		itemID, itemID)
}

func allEdges(ctx context.Context, q querier) ([]*types.Dependency, error) {
	return queryDependencies(ctx, q, `SELECT `+depColumns+` FROM dependencies ORDER BY created_at, id`)
}

func queryDependencies(ctx context.Context, q querier, query string, args ...any) ([]*types.Dependency, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("query dependencies", err)
	}
	defer rows.Close()

	var deps []*types.Dependency
	for rows.Next() {
		dep, err := scanDependency(rows)
		if err != nil {
			return nil, wrapDBError("scan dependency", err)
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

const transitionColumns = `id, item_id, previous_role, new_role, previous_status, new_status, trigger_name, summary, at`

func scanTransition(r rowScanner) (*types.TransitionRecord, error) {
	var t types.TransitionRecord
	err := r.Scan(&t.ID, &t.ItemID, &t.PreviousRole, &t.NewRole, &t.PreviousStatus,
		&t.NewStatus, &t.Trigger, &t.Summary, &t.At)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func transitionsForItem(ctx context.Context, q querier, itemID string, limit int) ([]*types.TransitionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	return queryTransitions(ctx, q,
		`SELECT `+transitionColumns+` FROM transitions WHERE item_id = ? ORDER BY at DESC, id DESC LIMIT ?`,
		itemID, limit)
}

func transitionsSince(ctx context.Context, q querier, since time.Time, limit int) ([]*types.TransitionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	return queryTransitions(ctx, q,
		`SELECT `+transitionColumns+` FROM transitions WHERE at >= ? ORDER BY at, id LIMIT ?`,
		since.UTC(), limit)
}

func queryTransitions(ctx context.Context, q querier, query string, args ...any) ([]*types.TransitionRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("query transitions", err)
	}
	defer rows.Close()

	var recs []*types.TransitionRecord
	for rows.Next() {
		rec, err := scanTransition(rows)
		if err != nil {
			return nil, wrapDBError("scan transition", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func itemsChangedSince(ctx context.Context, q querier, since time.Time) ([]*types.WorkItem, error) {
	return queryItems(ctx, q,
		`SELECT `+itemColumns+` FROM items WHERE modified_at >= ? ORDER BY modified_at, id`,
		since.UTC())
}
