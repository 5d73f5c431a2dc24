// Package sessionctx builds tiered, token-budgeted context bundles for an
// agent resuming work.
package sessionctx

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/mohammad-safakhou/memgraph/internal/store"
)

// Tier selects how deep the bundle reaches.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// Entity types the assembler recognizes.
const (
	EntityTypeGuardrail = "guardrail"
)

// Observation message types the assembler recognizes.
const (
	MessagePreference = "preference"
	MessageSummary    = "summary"
	MessageDecision   = "decision"
)

// Store is the slice of the relational store the assembler reads from.
type Store interface {
	GetEntity(ctx context.Context, tenantID, name string) (store.EntityRecord, bool, error)
	ListRecentObservations(ctx context.Context, tenantID, entityName string, since time.Time, limit int) ([]store.ObservationRecord, error)
	ListObservationsForEntities(ctx context.Context, tenantID string, names []string) ([]store.ObservationRecord, error)
	ListEntitiesByType(ctx context.Context, tenantID, entityType string, limit int) ([]store.EntityRecord, error)
	ListRelatedEntities(ctx context.Context, tenantID, fromName string) ([]store.EntityRecord, error)
	UnreadMessageCount(ctx context.Context, tenantID, toAgent string) (int, error)
	ConsumeHandoff(ctx context.Context, tenantID, projectID string) (store.HandoffRecord, bool, error)
}

// TrustedItem wraps one remembered fact with its provenance so the agent
// can tell recorded memory apart from instructions.
type TrustedItem struct {
	Content    string    `json:"content"`
	Provenance string    `json:"provenance"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Identity struct {
	Agent       string        `json:"agent"`
	Learnings   []TrustedItem `json:"learnings"`
	Preferences []TrustedItem `json:"preferences"`
}

type Guardrail struct {
	Name     string   `json:"name"`
	Contents []string `json:"contents,omitempty"`
}

type Handoff struct {
	FromAgent string    `json:"fromAgent"`
	Summary   string    `json:"summary"`
	OpenItems []string  `json:"openItems,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type ProjectContext struct {
	ProjectID          string        `json:"projectId"`
	Summary            string        `json:"summary,omitempty"`
	RecentObservations []TrustedItem `json:"recentObservations,omitempty"`
	Decisions          []TrustedItem `json:"decisions,omitempty"`
}

// History is the unbounded COLD tail.
type History struct {
	Observations    []TrustedItem `json:"observations"`
	RelatedEntities []string      `json:"relatedEntities,omitempty"`
}

// Meta reports what the budget enforcement did. Nothing is ever truncated
// silently.
type Meta struct {
	TokenEstimate   int      `json:"tokenEstimate"`
	MaxTokens       int      `json:"maxTokens"`
	DroppedSections []string `json:"droppedSections,omitempty"`
}

type Bundle struct {
	Tier           Tier            `json:"tier"`
	Identity       Identity        `json:"identity"`
	UnreadMessages int             `json:"unreadMessages"`
	Guardrails     []Guardrail     `json:"guardrails,omitempty"`
	Handoff        *Handoff        `json:"handoff,omitempty"`
	Project        *ProjectContext `json:"project,omitempty"`
	History        *History        `json:"history,omitempty"`
	Meta           Meta            `json:"meta"`
}

// TokenEstimator approximates how many tokens a serialized bundle costs.
// The precision only matters for budget tuning, not correctness, so it is
// pluggable.
type TokenEstimator func(b []byte) int

// CharsPerToken is the default characters-to-tokens approximation.
const CharsPerToken = 4

func DefaultEstimator(b []byte) int {
	return (len(b) + CharsPerToken - 1) / CharsPerToken
}

type Config struct {
	DefaultMaxTokens    int
	RecentWindowDays    int
	MaxWarmObservations int
	MaxRecentDecisions  int
}

type Assembler struct {
	store    Store
	cfg      Config
	estimate TokenEstimator
	logger   *log.Logger
}

func NewAssembler(st Store, cfg Config, estimate TokenEstimator, logger *log.Logger) *Assembler {
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = 4000
	}
	if cfg.RecentWindowDays <= 0 {
		cfg.RecentWindowDays = 14
	}
	if cfg.MaxWarmObservations <= 0 {
		cfg.MaxWarmObservations = 20
	}
	if cfg.MaxRecentDecisions <= 0 {
		cfg.MaxRecentDecisions = 5
	}
	if estimate == nil {
		estimate = DefaultEstimator
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[SESSION] ", log.LstdFlags)
	}
	return &Assembler{store: st, cfg: cfg, estimate: estimate, logger: logger}
}

type Params struct {
	TenantID  string
	Agent     string
	ProjectID string
	Tier      Tier
	MaxTokens int
}

// Assemble builds the bundle for the requested tier, consumes the pending
// handoff (if any), and enforces the token budget.
func (a *Assembler) Assemble(ctx context.Context, p Params) (*Bundle, error) {
	if p.Tier == "" {
		p.Tier = TierHot
	}
	switch p.Tier {
	case TierHot, TierWarm, TierCold:
	default:
		return nil, fmt.Errorf("unknown tier %q", p.Tier)
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = a.cfg.DefaultMaxTokens
	}

	bundle := &Bundle{Tier: p.Tier}

	identity, err := a.buildIdentity(ctx, p.TenantID, p.Agent)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	bundle.Identity = identity

	unread, err := a.store.UnreadMessageCount(ctx, p.TenantID, p.Agent)
	if err != nil {
		return nil, fmt.Errorf("unread count: %w", err)
	}
	bundle.UnreadMessages = unread

	guardrails, err := a.buildGuardrails(ctx, p.TenantID)
	if err != nil {
		return nil, fmt.Errorf("guardrails: %w", err)
	}
	bundle.Guardrails = guardrails

	if p.ProjectID != "" {
		handoff, found, err := a.store.ConsumeHandoff(ctx, p.TenantID, p.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("handoff: %w", err)
		}
		if found {
			bundle.Handoff = &Handoff{
				FromAgent: handoff.FromAgent,
				Summary:   handoff.Summary,
				OpenItems: handoff.OpenItems,
				CreatedAt: handoff.CreatedAt,
			}
		}
	}

	if p.ProjectID != "" && (p.Tier == TierWarm || p.Tier == TierCold) {
		project, err := a.buildProject(ctx, p.TenantID, p.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("project context: %w", err)
		}
		bundle.Project = project
	}

	if p.ProjectID != "" && p.Tier == TierCold {
		history, err := a.buildHistory(ctx, p.TenantID, p.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		bundle.History = history
	}

	a.enforceBudget(bundle, p.MaxTokens)
	return bundle, nil
}

func (a *Assembler) buildIdentity(ctx context.Context, tenantID, agent string) (Identity, error) {
	identity := Identity{Agent: agent, Learnings: []TrustedItem{}, Preferences: []TrustedItem{}}
	_, found, err := a.store.GetEntity(ctx, tenantID, agent)
	if err != nil {
		return Identity{}, err
	}
	if !found {
		return identity, nil
	}
	since := time.Now().AddDate(0, 0, -a.cfg.RecentWindowDays)
	records, err := a.store.ListRecentObservations(ctx, tenantID, agent, since, 50)
	if err != nil {
		return Identity{}, err
	}
	for _, rec := range records {
		for _, item := range trustedItems(rec) {
			if rec.MessageType == MessagePreference {
				identity.Preferences = append(identity.Preferences, item)
			} else {
				identity.Learnings = append(identity.Learnings, item)
			}
		}
	}
	return identity, nil
}

func (a *Assembler) buildGuardrails(ctx context.Context, tenantID string) ([]Guardrail, error) {
	entities, err := a.store.ListEntitiesByType(ctx, tenantID, EntityTypeGuardrail, 10)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(entities))
	for _, e := range entities {
		names = append(names, e.Name)
	}
	records, err := a.store.ListObservationsForEntities(ctx, tenantID, names)
	if err != nil {
		return nil, err
	}
	byName := map[string][]string{}
	for _, rec := range records {
		byName[rec.EntityName] = append(byName[rec.EntityName], rec.Contents...)
	}
	out := make([]Guardrail, 0, len(entities))
	for _, e := range entities {
		out = append(out, Guardrail{Name: e.Name, Contents: byName[e.Name]})
	}
	return out, nil
}

func (a *Assembler) buildProject(ctx context.Context, tenantID, projectID string) (*ProjectContext, error) {
	project := &ProjectContext{ProjectID: projectID}
	_, found, err := a.store.GetEntity(ctx, tenantID, projectID)
	if err != nil {
		return nil, err
	}
	if !found {
		return project, nil
	}
	since := time.Now().AddDate(0, 0, -a.cfg.RecentWindowDays)
	records, err := a.store.ListRecentObservations(ctx, tenantID, projectID, since, a.cfg.MaxWarmObservations+a.cfg.MaxRecentDecisions+1)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		switch rec.MessageType {
		case MessageSummary:
			if project.Summary == "" && len(rec.Contents) > 0 {
				project.Summary = rec.Contents[0]
			}
		case MessageDecision:
			if len(project.Decisions) < a.cfg.MaxRecentDecisions {
				project.Decisions = append(project.Decisions, trustedItems(rec)...)
			}
		default:
			if len(project.RecentObservations) < a.cfg.MaxWarmObservations {
				project.RecentObservations = append(project.RecentObservations, trustedItems(rec)...)
			}
		}
	}
	return project, nil
}

func (a *Assembler) buildHistory(ctx context.Context, tenantID, projectID string) (*History, error) {
	records, err := a.store.ListObservationsForEntities(ctx, tenantID, []string{projectID})
	if err != nil {
		return nil, err
	}
	history := &History{Observations: []TrustedItem{}}
	for _, rec := range records {
		history.Observations = append(history.Observations, trustedItems(rec)...)
	}
	related, err := a.store.ListRelatedEntities(ctx, tenantID, projectID)
	if err != nil {
		return nil, err
	}
	for _, e := range related {
		history.RelatedEntities = append(history.RelatedEntities, e.Name)
	}
	return history, nil
}

const (
	sectionColdHistory      = "cold_history"
	sectionProjectSummary   = "project_summary"
	sectionProjectDecisions = "project_decisions"
	sectionWarmObservations = "warm_observations"
	sectionGuardrails       = "guardrails"
	sectionIdentityTrim     = "identity_learnings"
)

const (
	trimmedGuardrails = 1
	minLearnings      = 1
	minPreferences    = 1
)

// enforceBudget drops sections in fixed priority order, lowest value first,
// until the serialized estimate fits. Every drop is recorded in Meta.
func (a *Assembler) enforceBudget(bundle *Bundle, maxTokens int) {
	bundle.Meta = Meta{MaxTokens: maxTokens}
	bundle.Meta.TokenEstimate = a.estimateBundle(bundle)
	if bundle.Meta.TokenEstimate <= maxTokens {
		return
	}

	steps := []struct {
		name  string
		apply func() bool // reports whether anything was removed
	}{
		{sectionColdHistory, func() bool {
			if bundle.History == nil {
				return false
			}
			bundle.History = nil
			return true
		}},
		{sectionProjectSummary, func() bool {
			if bundle.Project == nil || bundle.Project.Summary == "" {
				return false
			}
			bundle.Project.Summary = ""
			return true
		}},
		{sectionProjectDecisions, func() bool {
			if bundle.Project == nil || len(bundle.Project.Decisions) == 0 {
				return false
			}
			bundle.Project.Decisions = nil
			return true
		}},
		{sectionWarmObservations, func() bool {
			if bundle.Project == nil || len(bundle.Project.RecentObservations) == 0 {
				return false
			}
			bundle.Project.RecentObservations = nil
			return true
		}},
		{sectionGuardrails, func() bool {
			if len(bundle.Guardrails) <= trimmedGuardrails {
				return false
			}
			bundle.Guardrails = bundle.Guardrails[:trimmedGuardrails]
			return true
		}},
		{sectionIdentityTrim, func() bool {
			trimmed := false
			if len(bundle.Identity.Learnings) > minLearnings {
				bundle.Identity.Learnings = bundle.Identity.Learnings[:minLearnings]
				trimmed = true
			}
			if len(bundle.Identity.Preferences) > minPreferences {
				bundle.Identity.Preferences = bundle.Identity.Preferences[:minPreferences]
				trimmed = true
			}
			return trimmed
		}},
	}

	for _, step := range steps {
		if !step.apply() {
			continue
		}
		bundle.Meta.DroppedSections = append(bundle.Meta.DroppedSections, step.name)
		bundle.Meta.TokenEstimate = a.estimateBundle(bundle)
		if bundle.Meta.TokenEstimate <= maxTokens {
			return
		}
	}
}

func (a *Assembler) estimateBundle(bundle *Bundle) int {
	raw, err := json.Marshal(bundle)
	if err != nil {
		a.logger.Printf("estimate serialization failed: %v", err)
		return 0
	}
	return a.estimate(raw)
}

func trustedItems(rec store.ObservationRecord) []TrustedItem {
	items := make([]TrustedItem, 0, len(rec.Contents))
	for _, content := range rec.Contents {
		items = append(items, TrustedItem{
			Content:    content,
			Provenance: "observation:" + rec.ID,
			CreatedAt:  rec.CreatedAt,
		})
	}
	return items
}
