// Package workflow loads and serves the workflow configuration: status
// flows per container type, note schemas, and cascade rules. The config
// lives at <configRoot>/.taskorchestrator/config.yaml; when absent, the
// built-in defaults apply.
package workflow

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jpicklyk/task-orchestrator/internal/types"
)

// DefaultFlow is the name of the flow used when no mapping matches.
const DefaultFlow = "default"

// Canonical cascade event names. The *_child_* spellings are accepted
// as aliases.
const (
	EventFirstTaskStarted = "first_task_started"
	EventAllTasksComplete = "all_tasks_complete"
)

// NoteSpec declares one expected note in a schema.
type NoteSpec struct {
	Key         string     `yaml:"key" json:"key"`
	Role        types.Role `yaml:"role" json:"role"`
	Required    bool       `yaml:"required" json:"required"`
	Description string     `yaml:"description" json:"description,omitempty"`
	Guidance    string     `yaml:"guidance,omitempty" json:"guidance,omitempty"`
}

// FlowMapping routes items carrying any of Tags to a named flow.
type FlowMapping struct {
	Tags []string `yaml:"tags"`
	Flow string   `yaml:"flow"`
}

// CascadeRule rewrites a parent's status when an event fires.
type CascadeRule struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// CompletionCleanup controls pruning of child tasks when a feature
// reaches a terminal status.
type CompletionCleanup struct {
	Enabled    bool     `yaml:"enabled" json:"enabled"`
	RetainTags []string `yaml:"retain_tags" json:"retainTags,omitempty"`
}

// Progression holds the status machinery for one container type.
type Progression struct {
	// Flows maps flow name to its ordered status list. The default flow
	// is stored under DefaultFlow.
	Flows                map[string][]string
	TerminalStatuses     []string
	EmergencyTransitions []string
	FlowMappings         []FlowMapping

	// RoleOverrides force a role for specific statuses, bypassing the
	// positional rules.
	RoleOverrides map[string]types.Role

	terminal  map[string]bool
	emergency map[string]bool
}

// UnmarshalYAML handles the dynamic <name>_flow keys alongside the
// fixed ones.
func (p *Progression) UnmarshalYAML(node *yaml.Node) error {
	var fixed struct {
		TerminalStatuses     []string          `yaml:"terminal_statuses"`
		EmergencyTransitions []string          `yaml:"emergency_transitions"`
		FlowMappings         []FlowMapping     `yaml:"flow_mappings"`
		RoleOverrides        map[string]string `yaml:"role_overrides"`
	}
	if err := node.Decode(&fixed); err != nil {
		return err
	}
	p.TerminalStatuses = fixed.TerminalStatuses
	p.EmergencyTransitions = fixed.EmergencyTransitions
	p.FlowMappings = fixed.FlowMappings
	p.RoleOverrides = make(map[string]types.Role, len(fixed.RoleOverrides))
	for status, role := range fixed.RoleOverrides {
		r, err := types.ParseRole(role)
		if err != nil {
			return fmt.Errorf("role_overrides[%s]: %w", status, err)
		}
		p.RoleOverrides[types.NormalizeStatus(status)] = r
	}

	var all map[string]yaml.Node
	if err := node.Decode(&all); err != nil {
		return err
	}
	p.Flows = make(map[string][]string)
	for key, value := range all {
		if !strings.HasSuffix(key, "_flow") {
			continue
		}
		var statuses []string
		if err := value.Decode(&statuses); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		p.Flows[strings.TrimSuffix(key, "_flow")] = statuses
	}
	return nil
}

// Config is the compiled workflow configuration. All statuses and tags
// inside are normalized; lookups normalize their inputs too.
type Config struct {
	Progressions map[types.ContainerType]*Progression
	NoteSchemas  map[string][]NoteSpec
	Cleanup      CompletionCleanup
	CascadeRules map[string]CascadeRule

	// FlowOverrides rebinds cascade events per flow name.
	FlowOverrides map[string]map[string]CascadeRule
}

type flowSection struct {
	EventOverrides map[string]CascadeRule `yaml:"event_overrides"`
}

type rawConfig struct {
	StatusProgression struct {
		Tasks    *Progression `yaml:"tasks"`
		Features *Progression `yaml:"features"`
		Projects *Progression `yaml:"projects"`
	} `yaml:"status_progression"`
	NoteSchemas       map[string][]NoteSpec  `yaml:"note_schemas"`
	CompletionCleanup *CompletionCleanup     `yaml:"completion_cleanup"`
	CascadeRules      map[string]CascadeRule `yaml:"cascade_rules"`
	Flows             map[string]flowSection `yaml:"flows"`
}

// Parse decodes and compiles YAML configuration bytes. Unspecified
// sections keep their built-in defaults.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse workflow config: %w", err)
	}

	cfg := Default()
	if raw.StatusProgression.Tasks != nil {
		cfg.Progressions[types.ContainerTask] = raw.StatusProgression.Tasks
	}
	if raw.StatusProgression.Features != nil {
		cfg.Progressions[types.ContainerFeature] = raw.StatusProgression.Features
	}
	if raw.StatusProgression.Projects != nil {
		cfg.Progressions[types.ContainerProject] = raw.StatusProgression.Projects
	}
	if raw.NoteSchemas != nil {
		schemas := make(map[string][]NoteSpec, len(raw.NoteSchemas))
		for key, specs := range raw.NoteSchemas {
			schemas[types.NormalizeTag(key)] = specs
		}
		cfg.NoteSchemas = schemas
	}
	if raw.CompletionCleanup != nil {
		cfg.Cleanup = *raw.CompletionCleanup
	}
	if raw.CascadeRules != nil {
		rules := make(map[string]CascadeRule, len(raw.CascadeRules))
		for event, rule := range raw.CascadeRules {
			rules[canonicalEvent(event)] = rule
		}
		cfg.CascadeRules = rules
	}
	if raw.Flows != nil {
		cfg.FlowOverrides = make(map[string]map[string]CascadeRule, len(raw.Flows))
		for flow, section := range raw.Flows {
			overrides := make(map[string]CascadeRule, len(section.EventOverrides))
			for event, rule := range section.EventOverrides {
				overrides[canonicalEvent(event)] = rule
			}
			cfg.FlowOverrides[strings.ToLower(flow)] = overrides
		}
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func canonicalEvent(event string) string {
	switch types.NormalizeStatus(event) {
	case "first-child-started", "first-task-started":
		return EventFirstTaskStarted
	case "all-children-terminal", "all-tasks-complete":
		return EventAllTasksComplete
	default:
		return strings.ToLower(strings.TrimSpace(event))
	}
}

// normalize lowercases every status, tag, and key and builds the
// terminal/emergency sets.
func (c *Config) normalize() {
	for _, p := range c.Progressions {
		for name, statuses := range p.Flows {
			for i, s := range statuses {
				statuses[i] = types.NormalizeStatus(s)
			}
			p.Flows[name] = statuses
		}
		p.terminal = make(map[string]bool, len(p.TerminalStatuses))
		for i, s := range p.TerminalStatuses {
			s = types.NormalizeStatus(s)
			p.TerminalStatuses[i] = s
			p.terminal[s] = true
		}
		p.emergency = make(map[string]bool, len(p.EmergencyTransitions))
		for i, s := range p.EmergencyTransitions {
			s = types.NormalizeStatus(s)
			p.EmergencyTransitions[i] = s
			p.emergency[s] = true
		}
		for i, m := range p.FlowMappings {
			p.FlowMappings[i].Flow = strings.ToLower(strings.TrimSpace(m.Flow))
			p.FlowMappings[i].Tags = types.NormalizeTags(m.Tags)
		}
	}
	for key, specs := range c.NoteSchemas {
		for i := range specs {
			specs[i].Key = types.NormalizeStatus(specs[i].Key)
		}
		c.NoteSchemas[key] = specs
	}
	c.Cleanup.RetainTags = types.NormalizeTags(c.Cleanup.RetainTags)
	normalizeRules := func(rules map[string]CascadeRule) {
		for event, rule := range rules {
			rule.From = types.NormalizeStatus(rule.From)
			rule.To = types.NormalizeStatus(rule.To)
			rules[event] = rule
		}
	}
	normalizeRules(c.CascadeRules)
	for _, overrides := range c.FlowOverrides {
		normalizeRules(overrides)
	}
}

// Validate rejects configurations that would strand items: empty flows,
// mappings to unknown flows, note specs with phases that cannot gate,
// duplicate note keys, incomplete cascade rules.
func (c *Config) Validate() error {
	for ct, p := range c.Progressions {
		if len(p.Flows[DefaultFlow]) == 0 {
			return fmt.Errorf("%s progression: default_flow must not be empty", ct)
		}
		for name, statuses := range p.Flows {
			if len(statuses) == 0 {
				return fmt.Errorf("%s progression: flow %q is empty", ct, name)
			}
		}
		for _, m := range p.FlowMappings {
			if _, ok := p.Flows[m.Flow]; !ok {
				return fmt.Errorf("%s progression: flow mapping references unknown flow %q", ct, m.Flow)
			}
			if len(m.Tags) == 0 {
				return fmt.Errorf("%s progression: flow mapping for %q has no tags", ct, m.Flow)
			}
		}
	}
	for key, specs := range c.NoteSchemas {
		seen := make(map[string]bool, len(specs))
		for _, spec := range specs {
			if spec.Key == "" {
				return fmt.Errorf("note schema %q: spec with empty key", key)
			}
			if seen[spec.Key] {
				return fmt.Errorf("note schema %q: duplicate key %q", key, spec.Key)
			}
			seen[spec.Key] = true
			switch spec.Role {
			case types.RoleQueue, types.RoleWork, types.RoleReview:
			default:
				return fmt.Errorf("note schema %q: key %q has non-gating role %q", key, spec.Key, spec.Role)
			}
		}
	}
	checkRule := func(event string, rule CascadeRule) error {
		if rule.From == "" || rule.To == "" {
			return fmt.Errorf("cascade rule %q: from and to are required", event)
		}
		return nil
	}
	for event, rule := range c.CascadeRules {
		if err := checkRule(event, rule); err != nil {
			return err
		}
	}
	for flow, overrides := range c.FlowOverrides {
		for event, rule := range overrides {
			if err := checkRule(flow+"."+event, rule); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Config) progression(ct types.ContainerType) *Progression {
	if p, ok := c.Progressions[ct]; ok {
		return p
	}
	return c.Progressions[types.ContainerTask]
}

// FlowForTags picks the flow for an item: the first mapping any of
// whose tags the item carries wins, else the default flow.
func (c *Config) FlowForTags(tags []string, ct types.ContainerType) string {
	p := c.progression(ct)
	carried := make(map[string]bool, len(tags))
	for _, tag := range types.NormalizeTags(tags) {
		carried[tag] = true
	}
	for _, m := range p.FlowMappings {
		for _, tag := range m.Tags {
			if carried[tag] {
				return m.Flow
			}
		}
	}
	return DefaultFlow
}

// StatusesForFlow returns the ordered phase names of a flow, falling
// back to the default flow for unknown names.
func (c *Config) StatusesForFlow(ct types.ContainerType, flow string) []string {
	p := c.progression(ct)
	if statuses, ok := p.Flows[strings.ToLower(flow)]; ok {
		return statuses
	}
	return p.Flows[DefaultFlow]
}

// IsTerminalStatus reports whether the status ends the lifecycle for
// the container type.
func (c *Config) IsTerminalStatus(ct types.ContainerType, status string) bool {
	return c.progression(ct).terminal[types.NormalizeStatus(status)]
}

// TerminalStatuses returns the terminal status set for a container type.
func (c *Config) TerminalStatuses(ct types.ContainerType) []string {
	return c.progression(ct).TerminalStatuses
}

// NoteSchemaForTags returns the schema matched by the item's tags. The
// first tag (in item order) naming a schema wins; at most one schema
// applies to an item.
func (c *Config) NoteSchemaForTags(tags []string) (string, []NoteSpec) {
	for _, tag := range types.NormalizeTags(tags) {
		if specs, ok := c.NoteSchemas[tag]; ok {
			return tag, specs
		}
	}
	return "", nil
}

// CascadeRuleFor resolves a cascade rule: per-flow override first, then
// the top-level rule. The boolean reports whether any rule applies.
func (c *Config) CascadeRuleFor(event, flow string) (CascadeRule, bool) {
	event = canonicalEvent(event)
	if overrides, ok := c.FlowOverrides[strings.ToLower(flow)]; ok {
		if rule, ok := overrides[event]; ok {
			return rule, true
		}
	}
	rule, ok := c.CascadeRules[event]
	return rule, ok
}

// RoleForStatus maps a status label to its semantic role within a flow.
// Terminal statuses are TERMINAL; emergency statuses are BLOCKED unless
// also terminal; explicit overrides apply next; the rest map by
// position (first → QUEUE, last → REVIEW when the flow has three or
// more active phases, middle → WORK).
func (c *Config) RoleForStatus(ct types.ContainerType, flow, status string) types.Role {
	p := c.progression(ct)
	s := types.NormalizeStatus(status)

	if p.terminal[s] {
		return types.RoleTerminal
	}
	if p.emergency[s] {
		return types.RoleBlocked
	}
	if role, ok := p.RoleOverrides[s]; ok {
		return role
	}

	active := c.ActiveStatuses(ct, flow)
	for i, candidate := range active {
		if candidate != s {
			continue
		}
		switch {
		case i == 0:
			return types.RoleQueue
		case i == len(active)-1 && len(active) >= 3:
			return types.RoleReview
		default:
			return types.RoleWork
		}
	}
	// A label from an older config revision. Treating it as WORK keeps
	// the item active without skipping its gates.
	return types.RoleWork
}

// ActiveStatuses returns the flow's statuses with terminal ones removed.
func (c *Config) ActiveStatuses(ct types.ContainerType, flow string) []string {
	p := c.progression(ct)
	statuses := c.StatusesForFlow(ct, flow)
	active := make([]string, 0, len(statuses))
	for _, s := range statuses {
		if !p.terminal[s] {
			active = append(active, s)
		}
	}
	return active
}

// HasReviewPhase reports whether the flow defines a REVIEW position.
func (c *Config) HasReviewPhase(ct types.ContainerType, flow string) bool {
	for _, s := range c.StatusesForFlow(ct, flow) {
		if c.RoleForStatus(ct, flow, s) == types.RoleReview {
			return true
		}
	}
	return false
}

// StatusForRole returns the first status in the flow carrying the given
// role, or empty when the flow has no such phase.
func (c *Config) StatusForRole(ct types.ContainerType, flow string, role types.Role) string {
	for _, s := range c.StatusesForFlow(ct, flow) {
		if c.RoleForStatus(ct, flow, s) == role {
			return s
		}
	}
	if role == types.RoleTerminal {
		// Flows may omit their terminal phase from the status list.
		if terminals := c.TerminalStatuses(ct); len(terminals) > 0 {
			return terminals[0]
		}
	}
	return ""
}

// StatusFor resolves an item's effective status label: the stored label
// when present, otherwise the first flow status matching its role.
func (c *Config) StatusFor(item *types.WorkItem) string {
	if item.StatusLabel != "" {
		return item.StatusLabel
	}
	ct := item.ContainerType()
	flow := c.FlowForTags(item.Tags, ct)
	if item.Role == types.RoleBlocked {
		return "blocked"
	}
	if s := c.StatusForRole(ct, flow, item.Role); s != "" {
		return s
	}
	return string(item.Role)
}
