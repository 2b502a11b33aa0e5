package migration

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Severity grades a preflight check.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Check categories.
const (
	CategoryInfrastructure  = "infrastructure"
	CategoryDataIntegrity   = "data_integrity"
	CategoryBackupReadiness = "backup_readiness"
	CategoryPrerequisites   = "prerequisites"
	CategoryResources       = "resource_headroom"
	CategoryLiveState       = "live_state"
)

// PreflightCheck is one named check result.
type PreflightCheck struct {
	Name     string   `json:"name"`
	Category string   `json:"category"`
	Severity Severity `json:"severity"`
	Passed   bool     `json:"passed"`
	Detail   string   `json:"detail"`
}

// PreflightReport aggregates all checks plus the artifacts later phases
// consume: the observed distribution, the eligible row count and the
// rule-to-legacy-role index.
type PreflightReport struct {
	Checks       []PreflightCheck `json:"checks"`
	Score        float64          `json:"safety_score"`
	Blocked      bool             `json:"blocked"`
	Gaps         []MappingGap     `json:"mapping_gaps,omitempty"`
	RowsEligible int64            `json:"rows_eligible"`
	Distribution map[string]int64 `json:"role_distribution"`
	RuleIndex    RuleIndex        `json:"-"`
	GeneratedAt  time.Time        `json:"generated_at"`
}

// CriticalFailures returns the failed critical checks.
func (r PreflightReport) CriticalFailures() []PreflightCheck {
	var failed []PreflightCheck
	for _, c := range r.Checks {
		if !c.Passed && c.Severity == SeverityCritical {
			failed = append(failed, c)
		}
	}
	return failed
}

// RuleIndex maps legacy roles to the access rules embedding them. It is
// built once during preflight and handed to the executor.
type RuleIndex struct {
	rules    map[int64]AccessRule
	byLegacy map[string][]int64
}

// NewRuleIndex scans rules for word-boundary occurrences of the given
// legacy role tokens.
func NewRuleIndex(rules []AccessRule, legacyRoles []string) RuleIndex {
	idx := RuleIndex{
		rules:    make(map[int64]AccessRule, len(rules)),
		byLegacy: make(map[string][]int64),
	}
	for _, rule := range rules {
		matched := false
		for _, legacy := range legacyRoles {
			if predicateEmbedsRole(rule.Predicate, legacy) {
				idx.byLegacy[legacy] = append(idx.byLegacy[legacy], rule.ID)
				matched = true
			}
		}
		if matched {
			idx.rules[rule.ID] = rule
		}
	}
	return idx
}

// RulesFor returns the ids of rules embedding the legacy role.
func (idx RuleIndex) RulesFor(legacy string) []int64 {
	return idx.byLegacy[legacy]
}

// RuleIDs returns every indexed rule id, sorted.
func (idx RuleIndex) RuleIDs() []int64 {
	ids := make([]int64, 0, len(idx.rules))
	for id := range idx.rules {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Rule returns an indexed rule by id.
func (idx RuleIndex) Rule(id int64) (AccessRule, bool) {
	rule, ok := idx.rules[id]
	return rule, ok
}

// CountByRole returns how many rules embed each legacy role.
func (idx RuleIndex) CountByRole() map[string]int {
	counts := make(map[string]int, len(idx.byLegacy))
	for legacy, ids := range idx.byLegacy {
		counts[legacy] = len(ids)
	}
	return counts
}

// TableBreakdown groups indexed rules per table, mirroring the
// per-table report operators are used to from the lint tooling.
func (idx RuleIndex) TableBreakdown() map[string]int {
	breakdown := make(map[string]int)
	for _, rule := range idx.rules {
		breakdown[rule.TableName]++
	}
	return breakdown
}

// predicateEmbedsRole matches a quoted or word-bounded role literal
// inside predicate text without tripping on substrings (owner vs
// co_owner).
func predicateEmbedsRole(predicate, role string) bool {
	for start := 0; ; {
		i := strings.Index(predicate[start:], role)
		if i < 0 {
			return false
		}
		i += start
		before := byte(' ')
		if i > 0 {
			before = predicate[i-1]
		}
		after := byte(' ')
		if end := i + len(role); end < len(predicate) {
			after = predicate[end]
		}
		if !isTokenByte(before) && !isTokenByte(after) {
			return true
		}
		start = i + len(role)
	}
}

func isTokenByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

// InspectorStore is the read-only store surface preflight needs.
type InspectorStore interface {
	Ping(ctx context.Context) error
	ServerVersion(ctx context.Context) (string, error)
	PrincipalCount(ctx context.Context) (int64, error)
	PrincipalIdentifierIssues(ctx context.Context) (nulls, duplicates int64, err error)
	EmptyRolePrincipals(ctx context.Context) (int64, error)
	RoleDistribution(ctx context.Context) (map[string]int64, error)
	ListRoleRules(ctx context.Context) ([]AccessRule, error)
	PrincipalTableBytes(ctx context.Context) (int64, error)
	PendingSnapshots(ctx context.Context) (int, error)
	ProbeBackupArea(ctx context.Context) error
	SampleHealth(ctx context.Context) (HealthSample, error)
}

// PreflightThresholds bounds the live-state and resource checks.
type PreflightThresholds struct {
	MaxLockWaiters    int
	MaxActiveSessions int
	MaxQueryLatency   time.Duration
	MaxSnapshotBytes  int64
	MinServerMajor    int
}

// DefaultThresholds are conservative enough for most stores.
func DefaultThresholds() PreflightThresholds {
	return PreflightThresholds{
		MaxLockWaiters:    25,
		MaxActiveSessions: 200,
		MaxQueryLatency:   2 * time.Second,
		MaxSnapshotBytes:  10 << 30,
		MinServerMajor:    13,
	}
}

// PreflightValidator produces the safety report gating a run. It never
// writes; the only hard failure is an unreachable store, surfaced as
// ErrStoreUnreachable.
type PreflightValidator struct {
	store      InspectorStore
	thresholds PreflightThresholds
	logger     *slog.Logger
}

// NewPreflightValidator constructs the validator.
func NewPreflightValidator(store InspectorStore, thresholds PreflightThresholds, logger *slog.Logger) *PreflightValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &PreflightValidator{store: store, thresholds: thresholds, logger: logger}
}

type preflightFacts struct {
	version      string
	principals   int64
	nullIDs      int64
	dupIDs       int64
	emptyRoles   int64
	distribution map[string]int64
	rules        []AccessRule
	tableBytes   int64
	pending      int
	probeErr     error
	health       HealthSample
}

// Validate runs every check and assembles the report.
func (v *PreflightValidator) Validate(ctx context.Context, mapping Mapping) (PreflightReport, error) {
	if err := v.store.Ping(ctx); err != nil {
		return PreflightReport{}, fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}

	var facts preflightFacts
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		facts.version, err = v.store.ServerVersion(gctx)
		return err
	})
	g.Go(func() (err error) {
		facts.principals, err = v.store.PrincipalCount(gctx)
		return err
	})
	g.Go(func() (err error) {
		facts.nullIDs, facts.dupIDs, err = v.store.PrincipalIdentifierIssues(gctx)
		return err
	})
	g.Go(func() (err error) {
		facts.emptyRoles, err = v.store.EmptyRolePrincipals(gctx)
		return err
	})
	g.Go(func() (err error) {
		facts.distribution, err = v.store.RoleDistribution(gctx)
		return err
	})
	g.Go(func() (err error) {
		facts.rules, err = v.store.ListRoleRules(gctx)
		return err
	})
	g.Go(func() (err error) {
		facts.tableBytes, err = v.store.PrincipalTableBytes(gctx)
		return err
	})
	g.Go(func() (err error) {
		facts.pending, err = v.store.PendingSnapshots(gctx)
		return err
	})
	g.Go(func() error {
		facts.probeErr = v.store.ProbeBackupArea(gctx)
		return nil
	})
	g.Go(func() (err error) {
		facts.health, err = v.store.SampleHealth(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return PreflightReport{}, fmt.Errorf("migration: preflight inspection: %w", err)
	}

	report := v.assemble(mapping, facts)
	v.logger.Info("preflight complete",
		slog.Float64("score", report.Score),
		slog.Bool("blocked", report.Blocked),
		slog.Int64("rows_eligible", report.RowsEligible),
	)
	return report, nil
}

func (v *PreflightValidator) assemble(mapping Mapping, facts preflightFacts) PreflightReport {
	index := NewRuleIndex(facts.rules, mapping.LegacyRoles())
	gaps := mapping.GapsAgainst(facts.distribution, legacyRuleCounts(facts.rules, facts.distribution, mapping))

	var eligible int64
	for _, legacy := range mapping.LegacyRoles() {
		eligible += facts.distribution[legacy]
	}

	report := PreflightReport{
		Gaps:         gaps,
		RowsEligible: eligible,
		Distribution: facts.distribution,
		RuleIndex:    index,
		GeneratedAt:  time.Now().UTC(),
	}
	add := func(name, category string, severity Severity, passed bool, detail string) {
		report.Checks = append(report.Checks, PreflightCheck{
			Name: name, Category: category, Severity: severity, Passed: passed, Detail: detail,
		})
	}

	major := serverMajor(facts.version)
	add("store_connectivity", CategoryInfrastructure, SeverityCritical, true, "store reachable")
	add("server_version", CategoryInfrastructure, SeverityWarning,
		major >= v.thresholds.MinServerMajor,
		fmt.Sprintf("server version %s (minimum major %d)", facts.version, v.thresholds.MinServerMajor))
	add("storage_headroom", CategoryInfrastructure, SeverityCritical,
		facts.tableBytes <= v.thresholds.MaxSnapshotBytes,
		fmt.Sprintf("principal table uses %d bytes, snapshot budget %d", facts.tableBytes, v.thresholds.MaxSnapshotBytes))

	add("mapping_totality", CategoryDataIntegrity, SeverityCritical, len(gaps) == 0, describeGaps(gaps))
	add("principal_identifiers", CategoryDataIntegrity, SeverityCritical,
		facts.nullIDs == 0 && facts.dupIDs == 0,
		fmt.Sprintf("%d null ids, %d duplicate ids", facts.nullIDs, facts.dupIDs))
	add("role_field_integrity", CategoryDataIntegrity, SeverityCritical,
		facts.emptyRoles == 0,
		fmt.Sprintf("%d principals with an empty role", facts.emptyRoles))

	add("backup_area_writable", CategoryBackupReadiness, SeverityCritical,
		facts.probeErr == nil, probeDetail(facts.probeErr))
	add("no_stale_backup", CategoryBackupReadiness, SeverityWarning,
		facts.pending == 0,
		fmt.Sprintf("%d unfinished snapshots", facts.pending))

	add("canonical_domain_defined", CategoryPrerequisites, SeverityCritical,
		len(mapping.CanonicalRoles) > 0,
		fmt.Sprintf("%d canonical roles declared", len(mapping.CanonicalRoles)))
	add("rollback_path_available", CategoryPrerequisites, SeverityCritical,
		facts.probeErr == nil,
		"restore requires a writable snapshot area")

	add("query_latency", CategoryResources, SeverityWarning,
		facts.health.QueryLatency <= v.thresholds.MaxQueryLatency,
		fmt.Sprintf("store round-trip proxies cpu/memory/io saturation: observed %s, tolerance %s",
			facts.health.QueryLatency, v.thresholds.MaxQueryLatency))

	add("lock_contention", CategoryLiveState, SeverityWarning,
		facts.health.LockWaiters <= v.thresholds.MaxLockWaiters,
		fmt.Sprintf("%d lock waiters, tolerance %d", facts.health.LockWaiters, v.thresholds.MaxLockWaiters))
	add("active_sessions", CategoryLiveState, SeverityInfo,
		facts.health.ActiveSessions <= v.thresholds.MaxActiveSessions,
		fmt.Sprintf("%d active sessions, tolerance %d", facts.health.ActiveSessions, v.thresholds.MaxActiveSessions))

	report.Score = safetyScore(report.Checks)
	report.Blocked = len(report.CriticalFailures()) > 0
	return report
}

// safetyScore is the severity-weighted pass ratio in [0,100].
func safetyScore(checks []PreflightCheck) float64 {
	weights := map[Severity]float64{SeverityCritical: 3, SeverityWarning: 2, SeverityInfo: 1}
	var total, passed float64
	for _, c := range checks {
		w := weights[c.Severity]
		total += w
		if c.Passed {
			passed += w
		}
	}
	if total == 0 {
		return 0
	}
	return passed / total * 100
}

func legacyRuleCounts(rules []AccessRule, distribution map[string]int64, mapping Mapping) map[string]int {
	unmapped := make([]string, 0)
	for role := range distribution {
		if mapping.IsCanonical(role) {
			continue
		}
		if _, ok := mapping.Resolve(role); ok {
			continue
		}
		unmapped = append(unmapped, role)
	}
	if len(unmapped) == 0 {
		return nil
	}
	idx := NewRuleIndex(rules, unmapped)
	return idx.CountByRole()
}

func describeGaps(gaps []MappingGap) string {
	if len(gaps) == 0 {
		return "every observed legacy role has a mapping entry"
	}
	return (&MappingGapError{Gaps: gaps}).Error()
}

func probeDetail(err error) string {
	if err == nil {
		return "snapshot area accepts writes"
	}
	return "snapshot area probe failed: " + err.Error()
}

func serverMajor(version string) int {
	fields := strings.FieldsFunc(version, func(r rune) bool { return r == '.' || r == ' ' })
	for _, f := range fields {
		if n, err := strconv.Atoi(f); err == nil {
			return n
		}
	}
	return 0
}
