package mcp

// Tools returns the task server's tool declarations in the order they
// should be listed.
func Tools() []Tool {
	return []Tool{
		ToolManageItems,
		ToolQueryItems,
		ToolCreateWorkTree,
		ToolCompleteTree,
		ToolManageNotes,
		ToolQueryNotes,
		ToolManageDependencies,
		ToolQueryDependencies,
		ToolAdvanceItem,
		ToolGetNextStatus,
		ToolGetContext,
		ToolGetNextItem,
		ToolGetBlockedItems,
	}
}

// itemFieldProperties are the writable fields accepted by item create
// and update entries.
func itemFieldProperties() map[string]*PropertySchema {
	return map[string]*PropertySchema{
		"id":          {Type: "string", Description: "Item id. Required for update, ignored on create."},
		"title":       {Type: "string", Description: "Item title. Required on create."},
		"summary":     {Type: "string", Description: "Short free-text summary."},
		"description": {Type: "string", Description: "Long free-text description."},
		"parentId":    {Type: "string", Description: "Parent item id. Empty makes a root item."},
		"priority": {
			Type:        "string",
			Description: "Scheduling priority.",
			Enum:        []string{"high", "medium", "low"},
		},
		"complexity":           {Type: "number", Description: "Effort estimate, 1 (trivial) to 10 (hardest)."},
		"tags":                 {Type: "array", Description: "Tags. Drive workflow flow and note schema selection.", Items: &PropertySchema{Type: "string"}},
		"requiresVerification": {Type: "boolean", Description: "Completion requires a passing verification note."},
		"statusLabel":          {Type: "string", Description: "Explicit flow status label. Update only; normally maintained by transitions."},
	}
}

// treeNodeProperties describe one node of a work tree request.
func treeNodeProperties() map[string]*PropertySchema {
	return map[string]*PropertySchema{
		"ref":                  {Type: "string", Description: "Request-local handle for wiring dependencies between new items."},
		"title":                {Type: "string", Description: "Item title. Required."},
		"summary":              {Type: "string", Description: "Short free-text summary."},
		"description":          {Type: "string", Description: "Long free-text description."},
		"priority":             {Type: "string", Description: "Scheduling priority.", Enum: []string{"high", "medium", "low"}},
		"complexity":           {Type: "number", Description: "Effort estimate, 1 to 10."},
		"tags":                 {Type: "array", Description: "Tags for flow and note schema selection.", Items: &PropertySchema{Type: "string"}},
		"requiresVerification": {Type: "boolean", Description: "Completion requires a passing verification note."},
		"children":             {Type: "array", Description: "Nested child nodes of the same shape.", Items: &PropertySchema{Type: "object"}},
	}
}

// dependencyInputSchema is one edge in a create batch. Endpoints accept
// item ids or, inside create_work_tree, node refs.
func dependencyInputSchema(endpointDesc string) *PropertySchema {
	return &PropertySchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"fromItemId": {Type: "string", Description: "Edge source. " + endpointDesc},
			"toItemId":   {Type: "string", Description: "Edge target. " + endpointDesc},
			"type": {
				Type:        "string",
				Description: "Edge type. Defaults to blocks.",
				Enum:        []string{"blocks", "is-blocked-by", "relates-to"},
			},
			"unblockAt": {
				Type:        "string",
				Description: "Role the blocker must reach to satisfy the edge. Defaults to terminal.",
				Enum:        []string{"work", "review", "terminal"},
			},
		},
	}
}

// ToolManageItems creates, updates, or deletes work items.
var ToolManageItems = Tool{
	Name:        "manage_items",
	Description: "Create, update, or delete work items in one batch. Entries fail independently; the result lists per-entry errors alongside the items that succeeded.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"operation": {
				Type:        "string",
				Description: "What to do with the batch.",
				Enum:        []string{"create", "update", "delete"},
			},
			"items": {
				Type:        "array",
				Description: "Item field maps for create and update.",
				Items: &PropertySchema{
					Type:       "object",
					Properties: itemFieldProperties(),
				},
			},
			"parentId":  {Type: "string", Description: "Default parent for created items without their own parentId."},
			"ids":       {Type: "array", Description: "Item ids to delete.", Items: &PropertySchema{Type: "string"}},
			"recursive": {Type: "boolean", Description: "Delete whole subtrees instead of rejecting items with children."},
			"sessionId": {Type: "string", Description: "Opaque caller identity for session tracking."},
		},
		Required: []string{"operation"},
	},
}

// ToolQueryItems reads items.
var ToolQueryItems = Tool{
	Name:        "query_items",
	Description: "Read work items: one item by id (get), a filtered listing (search), or the hierarchy overview with role counts (overview).",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"operation": {
				Type:        "string",
				Description: "Query shape.",
				Enum:        []string{"get", "search", "overview"},
			},
			"id":                  {Type: "string", Description: "Item id for get."},
			"includeNotes":        {Type: "boolean", Description: "Join the item's notes into a get result."},
			"includeDependencies": {Type: "boolean", Description: "Join the item's dependency edges into a get result."},
			"ids":                 {Type: "array", Description: "Restrict search to these ids.", Items: &PropertySchema{Type: "string"}},
			"parentId":            {Type: "string", Description: "Restrict search to direct children of this item. Empty string selects roots."},
			"depth":               {Type: "number", Description: "Restrict search to one hierarchy depth (0 to 3)."},
			"role":                {Type: "string", Description: "Restrict search to one role.", Enum: []string{"queue", "work", "review", "blocked", "terminal"}},
			"priority":            {Type: "string", Description: "Restrict search to one priority.", Enum: []string{"high", "medium", "low"}},
			"tags":                {Type: "array", Description: "Items must carry every listed tag.", Items: &PropertySchema{Type: "string"}},
			"text":                {Type: "string", Description: "Substring match over title, summary, and description."},
			"createdAfter":        {Type: "string", Description: "RFC 3339 lower bound on creation time."},
			"createdBefore":       {Type: "string", Description: "RFC 3339 upper bound on creation time."},
			"modifiedAfter":       {Type: "string", Description: "RFC 3339 lower bound on modification time."},
			"modifiedBefore":      {Type: "string", Description: "RFC 3339 upper bound on modification time."},
			"sortBy":              {Type: "string", Description: "Sort key.", Enum: []string{"createdAt", "modifiedAt", "priority", "title"}},
			"sortDesc":            {Type: "boolean", Description: "Sort descending."},
			"limit":               {Type: "number", Description: "Page size. 0 means server default."},
			"offset":              {Type: "number", Description: "Page offset."},
			"sessionId":           {Type: "string", Description: "Opaque caller identity for session tracking."},
		},
		Required: []string{"operation"},
	},
}

// ToolCreateWorkTree creates a hierarchy in one transaction.
var ToolCreateWorkTree = Tool{
	Name:        "create_work_tree",
	Description: "Create a whole work hierarchy (root, nested children, dependency edges between them) in one all-or-nothing transaction. Use refs to wire dependencies between items that do not exist yet.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"parentId": {Type: "string", Description: "Existing item to hang the new tree under. Empty creates a root."},
			"root": {
				Type:        "object",
				Description: "The tree's root node.",
				Properties:  treeNodeProperties(),
				Required:    []string{"title"},
			},
			"children": {
				Type:        "array",
				Description: "Additional children of the root, each possibly with nested children.",
				Items: &PropertySchema{
					Type:       "object",
					Properties: treeNodeProperties(),
				},
			},
			"dependencies": {
				Type:        "array",
				Description: "Edges between created items and/or existing items.",
				Items:       dependencyInputSchema("Accepts a node ref or an existing item id."),
			},
			"createNotes": {Type: "boolean", Description: "Pre-create empty notes for every schema-required key on the new items."},
			"sessionId":   {Type: "string", Description: "Opaque caller identity for session tracking."},
		},
		Required: []string{"root"},
	},
}

// ToolCompleteTree drives a whole set of items to a terminal role.
var ToolCompleteTree = Tool{
	Name:        "complete_tree",
	Description: "Complete or cancel a whole subtree (or an explicit id set) in dependency order. Items failing their completion gates are reported and their in-set dependents are skipped; the rest proceed.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"rootId": {Type: "string", Description: "Complete this item and every descendant."},
			"ids":    {Type: "array", Description: "Explicit item set instead of a subtree.", Items: &PropertySchema{Type: "string"}},
			"trigger": {
				Type:        "string",
				Description: "complete enforces gates; cancel bypasses them. Defaults to complete.",
				Enum:        []string{"complete", "cancel"},
			},
			"summary":   {Type: "string", Description: "Transition log summary applied to every item."},
			"sessionId": {Type: "string", Description: "Opaque caller identity for session tracking."},
		},
	},
}

// ToolManageNotes upserts or deletes notes.
var ToolManageNotes = Tool{
	Name:        "manage_notes",
	Description: "Attach or replace notes on items, or delete them. Notes keyed to a schema inherit the schema's role; filling required notes is what opens phase gates.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"operation": {
				Type:        "string",
				Description: "What to do with the batch.",
				Enum:        []string{"upsert", "delete"},
			},
			"notes": {
				Type:        "array",
				Description: "Notes to upsert. A note is keyed by item plus key; upserting replaces the body.",
				Items: &PropertySchema{
					Type: "object",
					Properties: map[string]*PropertySchema{
						"itemId":      {Type: "string", Description: "Item the note belongs to."},
						"key":         {Type: "string", Description: "Note key, unique per item."},
						"role":        {Type: "string", Description: "Phase the note gates. Filled from the item's note schema when omitted.", Enum: []string{"queue", "work", "review", "blocked", "terminal"}},
						"body":        {Type: "string", Description: "Note content. Empty bodies create unfilled stubs."},
						"description": {Type: "string", Description: "What the note should contain."},
					},
					Required: []string{"itemId", "key"},
				},
			},
			"id":        {Type: "string", Description: "Note id to delete."},
			"itemId":    {Type: "string", Description: "Delete notes of this item. With key, one note; alone, all of them."},
			"key":       {Type: "string", Description: "Note key to delete, paired with itemId."},
			"sessionId": {Type: "string", Description: "Opaque caller identity for session tracking."},
		},
		Required: []string{"operation"},
	},
}

// ToolQueryNotes reads notes.
var ToolQueryNotes = Tool{
	Name:        "query_notes",
	Description: "Read notes by note id or by item, optionally filtered to one role. Excluding bodies keeps the filled flags while trimming the payload.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"id":            {Type: "string", Description: "One note by id."},
			"itemId":        {Type: "string", Description: "All notes of one item."},
			"role":          {Type: "string", Description: "Keep only notes gating this role.", Enum: []string{"queue", "work", "review", "blocked", "terminal"}},
			"includeBodies": {Type: "boolean", Description: "Include note bodies. Defaults to true."},
			"sessionId":     {Type: "string", Description: "Opaque caller identity for session tracking."},
		},
	},
}

// ToolManageDependencies creates or deletes dependency edges.
var ToolManageDependencies = Tool{
	Name:        "manage_dependencies",
	Description: "Create or delete dependency edges between items. Creation validates endpoints, rejects duplicates and cycles, and can expand linear, fan-out, and fan-in patterns.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"operation": {
				Type:        "string",
				Description: "What to do.",
				Enum:        []string{"create", "delete"},
			},
			"dependencies": {
				Type:        "array",
				Description: "Edges to create.",
				Items:       dependencyInputSchema("An existing item id."),
			},
			"pattern": {
				Type:        "object",
				Description: "Bulk edge pattern to expand instead of listing edges.",
				Properties: map[string]*PropertySchema{
					"kind":      {Type: "string", Description: "Pattern shape.", Enum: []string{"linear", "fan-out", "fan-in"}},
					"ids":       {Type: "array", Description: "Chain for linear: each id blocks the next.", Items: &PropertySchema{Type: "string"}},
					"source":    {Type: "string", Description: "Fan-out: this item blocks every target."},
					"targets":   {Type: "array", Description: "Fan-out targets.", Items: &PropertySchema{Type: "string"}},
					"sources":   {Type: "array", Description: "Fan-in: every source blocks the target.", Items: &PropertySchema{Type: "string"}},
					"target":    {Type: "string", Description: "Fan-in target."},
					"unblockAt": {Type: "string", Description: "Threshold applied to every expanded edge.", Enum: []string{"work", "review", "terminal"}},
				},
				Required: []string{"kind"},
			},
			"id":         {Type: "string", Description: "Edge id to delete."},
			"fromItemId": {Type: "string", Description: "Delete the edge between this source and toItemId."},
			"toItemId":   {Type: "string", Description: "Delete the edge between fromItemId and this target."},
			"type":       {Type: "string", Description: "Narrow an endpoint-pair delete to one edge type.", Enum: []string{"blocks", "is-blocked-by", "relates-to"}},
			"itemId":     {Type: "string", Description: "Delete every edge touching this item."},
			"sessionId":  {Type: "string", Description: "Opaque caller identity for session tracking."},
		},
		Required: []string{"operation"},
	},
}

// ToolQueryDependencies reads an item's edges or its whole graph.
var ToolQueryDependencies = Tool{
	Name:        "query_dependencies",
	Description: "Inspect an item's dependency edges with per-edge satisfaction, or run full-graph analysis (topological order, critical path, bottlenecks, parallel groups) over everything reachable from it.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"id":            {Type: "string", Description: "Item to inspect."},
			"direction":     {Type: "string", Description: "Which edges to list. Defaults to all.", Enum: []string{"incoming", "outgoing", "all"}},
			"type":          {Type: "string", Description: "Keep only edges of this type.", Enum: []string{"blocks", "is-blocked-by", "relates-to"}},
			"neighborsOnly": {Type: "boolean", Description: "true lists direct edges (default); false runs whole-graph analysis."},
			"sessionId":     {Type: "string", Description: "Opaque caller identity for session tracking."},
		},
		Required: []string{"id"},
	},
}

// ToolAdvanceItem fires lifecycle triggers.
var ToolAdvanceItem = Tool{
	Name:        "advance_item",
	Description: "Fire a lifecycle trigger on one item or a batch. Gate failures (unsatisfied blockers, missing required notes, failed verification) are reported per item without aborting the rest.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"id": {Type: "string", Description: "Single-item form: the item to advance."},
			"trigger": {
				Type:        "string",
				Description: "Lifecycle trigger to fire.",
				Enum:        []string{"start", "complete", "block", "hold", "resume", "cancel"},
			},
			"items": {
				Type:        "array",
				Description: "Batch form: items with optional per-item triggers.",
				Items: &PropertySchema{
					Type: "object",
					Properties: map[string]*PropertySchema{
						"id":      {Type: "string", Description: "Item to advance."},
						"trigger": {Type: "string", Description: "Overrides the request-level trigger for this item.", Enum: []string{"start", "complete", "block", "hold", "resume", "cancel"}},
					},
					Required: []string{"id"},
				},
			},
			"summary":   {Type: "string", Description: "Transition log summary."},
			"sessionId": {Type: "string", Description: "Opaque caller identity for session tracking."},
		},
	},
}

// ToolGetNextStatus previews an item's next transition.
var ToolGetNextStatus = Tool{
	Name:        "get_next_status",
	Description: "Report an item's readiness without changing anything: current role and status, the next transition and its trigger, unsatisfied blockers, missing required notes, and whether verification is outstanding.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"id":        {Type: "string", Description: "Item to inspect."},
			"sessionId": {Type: "string", Description: "Opaque caller identity for session tracking."},
		},
		Required: []string{"id"},
	},
}

// ToolGetContext assembles situational context.
var ToolGetContext = Tool{
	Name:        "get_context",
	Description: "Assemble working context. Mode item: one item with parent, children, notes, edges, and recent transitions. Mode session: what changed since the caller last looked. Mode health: role counts plus stalled and blocked items.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"mode": {
				Type:        "string",
				Description: "Context shape.",
				Enum:        []string{"item", "session", "health"},
			},
			"id":               {Type: "string", Description: "Item id for mode item."},
			"since":            {Type: "string", Description: "RFC 3339 lower bound for mode session. Defaults to the session's previous activity."},
			"stalledAfterDays": {Type: "number", Description: "Mode health: days without a role change before an active item counts as stalled."},
			"sessionId":        {Type: "string", Description: "Opaque caller identity for session tracking."},
		},
		Required: []string{"mode"},
	},
}

// ToolGetNextItem picks ready work.
var ToolGetNextItem = Tool{
	Name:        "get_next_item",
	Description: "Pick the best queued items whose blockers are all satisfied: highest priority first, then lowest complexity with unknowns last, then oldest.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"limit":     {Type: "number", Description: "How many items to return. Defaults to 1."},
			"rootId":    {Type: "string", Description: "Restrict to this item's subtree."},
			"tags":      {Type: "array", Description: "Items must carry every listed tag.", Items: &PropertySchema{Type: "string"}},
			"sessionId": {Type: "string", Description: "Opaque caller identity for session tracking."},
		},
	},
}

// ToolGetBlockedItems surveys what cannot proceed.
var ToolGetBlockedItems = Tool{
	Name:        "get_blocked_items",
	Description: "List every non-terminal item that cannot proceed, with the reason: explicitly blocked or held, or waiting on unsatisfied dependency edges (naming the blockers).",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"rootId":    {Type: "string", Description: "Restrict to this item's subtree."},
			"sessionId": {Type: "string", Description: "Opaque caller identity for session tracking."},
		},
	},
}
