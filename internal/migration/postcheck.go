package migration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// PostCheckStore is the read surface post-validation needs.
type PostCheckStore interface {
	RoleDistribution(ctx context.Context) (map[string]int64, error)
	CountMissingAuditFields(ctx context.Context) (int64, error)
	ListRoleRules(ctx context.Context) ([]AccessRule, error)
	SampleByPreviousRole(ctx context.Context, previousRole string, limit int) ([]Principal, error)
}

// PostCheck is one pass/fail verification of the post-state.
type PostCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// PostCheckReport collects the verifications run after execution.
type PostCheckReport struct {
	Checks []PostCheck `json:"checks"`
}

// Passed reports whether every check passed.
func (r PostCheckReport) Passed() bool {
	for _, c := range r.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// Failures lists the names of failed checks.
func (r PostCheckReport) Failures() []string {
	var names []string
	for _, c := range r.Checks {
		if !c.Passed {
			names = append(names, c.Name)
		}
	}
	return names
}

const spotCheckSample = 10

// PostMigrationValidator verifies the store after execution commits.
// Any failed check marks the run failed and hands control to the
// rollback path.
type PostMigrationValidator struct {
	store  PostCheckStore
	logger *slog.Logger
}

// NewPostMigrationValidator constructs the validator.
func NewPostMigrationValidator(store PostCheckStore, logger *slog.Logger) *PostMigrationValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostMigrationValidator{store: store, logger: logger}
}

// Validate runs all post-state checks. preTotal is the principal count
// observed before execution.
func (v *PostMigrationValidator) Validate(ctx context.Context, mapping Mapping, preTotal int64) (PostCheckReport, error) {
	var report PostCheckReport
	add := func(name string, passed bool, detail string) {
		report.Checks = append(report.Checks, PostCheck{Name: name, Passed: passed, Detail: detail})
	}

	distribution, err := v.store.RoleDistribution(ctx)
	if err != nil {
		return PostCheckReport{}, fmt.Errorf("migration: post-check role scan: %w", err)
	}

	var legacyRows, total int64
	var leaked []string
	for role, n := range distribution {
		total += n
		if _, ok := mapping.Resolve(role); ok {
			legacyRows += n
			leaked = append(leaked, role)
		}
	}
	detail := fmt.Sprintf("%d rows still carry a legacy role", legacyRows)
	if len(leaked) > 0 {
		detail += ": " + strings.Join(leaked, ", ")
	}
	add("no_legacy_roles", legacyRows == 0, detail)

	missing, err := v.store.CountMissingAuditFields(ctx)
	if err != nil {
		return PostCheckReport{}, fmt.Errorf("migration: post-check audit fields: %w", err)
	}
	add("audit_fields_populated", missing == 0,
		fmt.Sprintf("%d migrated principals missing previous_role, seniority_tier or migration_timestamp", missing))

	add("row_count_parity", total == preTotal,
		fmt.Sprintf("post-migration total %d, pre-migration total %d", total, preTotal))

	rules, err := v.store.ListRoleRules(ctx)
	if err != nil {
		return PostCheckReport{}, fmt.Errorf("migration: post-check rule scan: %w", err)
	}
	leakedRules := 0
	for _, rule := range rules {
		for _, legacy := range mapping.LegacyRoles() {
			if predicateEmbedsRole(rule.Predicate, legacy) {
				leakedRules++
				break
			}
		}
	}
	add("no_legacy_rule_literals", leakedRules == 0,
		fmt.Sprintf("%d rules still embed a legacy role literal", leakedRules))

	mismatches := 0
	checked := 0
	for _, legacy := range mapping.LegacyRoles() {
		target, _ := mapping.Resolve(legacy)
		sample, err := v.store.SampleByPreviousRole(ctx, legacy, spotCheckSample)
		if err != nil {
			return PostCheckReport{}, fmt.Errorf("migration: post-check sample %s: %w", legacy, err)
		}
		for _, p := range sample {
			checked++
			if p.Role != target.CanonicalRole || p.SeniorityTier == nil || *p.SeniorityTier != target.SeniorityTier {
				mismatches++
			}
		}
	}
	add("spot_check_mappings", mismatches == 0,
		fmt.Sprintf("%d of %d sampled principals deviate from the mapping", mismatches, checked))

	v.logger.Info("post-migration validation finished",
		slog.Bool("passed", report.Passed()),
		slog.Any("failures", report.Failures()),
	)
	return report, nil
}
