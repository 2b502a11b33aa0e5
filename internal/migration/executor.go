package migration

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// ExecTx is the write surface available inside the single execution
// transaction.
type ExecTx interface {
	RoleDistribution(ctx context.Context) (map[string]int64, error)
	ListPrincipalsByRoles(ctx context.Context, roles []string) ([]Principal, error)
	ApplyRoleChange(ctx context.Context, principalID int64, previousRole, canonicalRole, seniorityTier string, ts time.Time) error
	RulePredicate(ctx context.Context, ruleID int64) (string, error)
	UpdateRulePredicate(ctx context.Context, ruleID int64, predicate string) error
}

// ExecStore opens the execution transaction. The implementation must
// roll the transaction back when fn returns an error, so concurrent
// readers only ever observe the fully-legacy or fully-canonical state.
type ExecStore interface {
	InExecTx(ctx context.Context, fn func(ExecTx) error) error
}

// ExecResult summarises a completed execution.
type ExecResult struct {
	RowsMigrated   int64         `json:"rows_migrated"`
	RulesRewritten int64         `json:"rules_rewritten"`
	Duration       time.Duration `json:"duration"`
}

// MigrationExecutor performs the atomic role remap. Every eligible row
// and every indexed rule is rewritten inside one transaction, or none
// are.
type MigrationExecutor struct {
	store  ExecStore
	logger *slog.Logger
	now    func() time.Time

	// afterRow, when set, runs after each migrated row; used by tests to
	// inject mid-flight failures.
	afterRow func(processed int) error
}

// NewMigrationExecutor constructs the executor.
func NewMigrationExecutor(store ExecStore, logger *slog.Logger) *MigrationExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &MigrationExecutor{store: store, logger: logger, now: time.Now}
}

// Execute remaps every principal carrying a legacy role and rewrites
// every rule in the index. Rows already bearing a canonical role are
// never selected, so a second run is a no-op for them. Any unmapped
// legacy value aborts before the first write.
func (e *MigrationExecutor) Execute(ctx context.Context, mapping Mapping, index RuleIndex) (ExecResult, error) {
	start := e.now()
	var result ExecResult

	err := e.store.InExecTx(ctx, func(tx ExecTx) error {
		distribution, err := tx.RoleDistribution(ctx)
		if err != nil {
			return &TransactionError{Op: "role scan", Err: err}
		}
		if gaps := mapping.GapsAgainst(distribution, nil); len(gaps) > 0 {
			return &MappingGapError{Gaps: gaps}
		}

		principals, err := tx.ListPrincipalsByRoles(ctx, mapping.LegacyRoles())
		if err != nil {
			return &TransactionError{Op: "principal scan", Err: err}
		}
		ts := e.now().UTC()
		for i, p := range principals {
			target, ok := mapping.Resolve(p.Role)
			if !ok {
				// A row changed role between the scan above and here.
				return &MappingGapError{Gaps: []MappingGap{{Role: p.Role, Rows: 1}}}
			}
			if err := tx.ApplyRoleChange(ctx, p.ID, p.Role, target.CanonicalRole, target.SeniorityTier, ts); err != nil {
				return &TransactionError{Op: fmt.Sprintf("remap principal %d", p.ID), Err: err}
			}
			result.RowsMigrated++
			if e.afterRow != nil {
				if err := e.afterRow(i + 1); err != nil {
					return &TransactionError{Op: "row hook", Err: err}
				}
			}
		}

		for _, ruleID := range index.RuleIDs() {
			predicate, err := tx.RulePredicate(ctx, ruleID)
			if err != nil {
				return &TransactionError{Op: fmt.Sprintf("read rule %d", ruleID), Err: err}
			}
			rewritten := RewriteRoleLiterals(predicate, mapping)
			if rewritten == predicate {
				return &TransactionError{Op: fmt.Sprintf("rewrite rule %d", ruleID), Err: fmt.Errorf("indexed rule no longer embeds a legacy literal")}
			}
			if err := tx.UpdateRulePredicate(ctx, ruleID, rewritten); err != nil {
				return &TransactionError{Op: fmt.Sprintf("update rule %d", ruleID), Err: err}
			}
			result.RulesRewritten++
		}
		return nil
	})
	result.Duration = e.now().Sub(start)
	if err != nil {
		return ExecResult{Duration: result.Duration}, err
	}

	e.logger.Info("execution committed",
		slog.Int64("rows_migrated", result.RowsMigrated),
		slog.Int64("rules_rewritten", result.RulesRewritten),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

// RewriteRoleLiterals replaces every word-bounded legacy role literal in
// predicate text with its canonical equivalent. Longer tokens are
// replaced first so overlapping names cannot clobber each other.
func RewriteRoleLiterals(predicate string, mapping Mapping) string {
	legacy := mapping.LegacyRoles()
	sort.Slice(legacy, func(i, j int) bool { return len(legacy[i]) > len(legacy[j]) })

	for _, token := range legacy {
		target, ok := mapping.Resolve(token)
		if !ok {
			continue
		}
		predicate = replaceBounded(predicate, token, target.CanonicalRole)
	}
	return predicate
}

func replaceBounded(text, token, replacement string) string {
	var b strings.Builder
	for start := 0; ; {
		i := strings.Index(text[start:], token)
		if i < 0 {
			b.WriteString(text[start:])
			return b.String()
		}
		i += start
		end := i + len(token)
		boundedLeft := i == 0 || !isTokenByte(text[i-1])
		boundedRight := end == len(text) || !isTokenByte(text[end])
		b.WriteString(text[start:i])
		if boundedLeft && boundedRight {
			b.WriteString(replacement)
		} else {
			b.WriteString(token)
		}
		start = end
	}
}
