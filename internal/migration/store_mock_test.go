package migration

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory stand-in for the pgx repository. It
// implements every store port the migration components consume.
type memStore struct {
	mu sync.Mutex

	principals map[int64]*Principal
	rules      map[int64]*AccessRule
	runs       map[uuid.UUID]*MigrationRun

	snapshots      map[uuid.UUID]*BackupSnapshot
	snapPrincipals map[uuid.UUID]map[int64]Principal
	snapRules      map[uuid.UUID]map[int64]AccessRule
	rollbacks      []RollbackRecord

	serverVersion string
	tableBytes    int64
	nullIDs       int64
	dupIDs        int64
	health        HealthSample

	// Error injection
	pingErr     error
	probeErr    error
	finalizeErr error
}

func newMemStore() *memStore {
	return &memStore{
		principals:     make(map[int64]*Principal),
		rules:          make(map[int64]*AccessRule),
		runs:           make(map[uuid.UUID]*MigrationRun),
		snapshots:      make(map[uuid.UUID]*BackupSnapshot),
		snapPrincipals: make(map[uuid.UUID]map[int64]Principal),
		snapRules:      make(map[uuid.UUID]map[int64]AccessRule),
		serverVersion:  "16.3",
		tableBytes:     1 << 20,
	}
}

func (s *memStore) addPrincipal(id int64, role string) {
	s.principals[id] = &Principal{ID: id, Role: role}
}

func (s *memStore) addRule(id int64, table, predicate string) {
	s.rules[id] = &AccessRule{ID: id, TableName: table, Predicate: predicate}
}

// --- InspectorStore ---

func (s *memStore) Ping(ctx context.Context) error { return s.pingErr }

func (s *memStore) ServerVersion(ctx context.Context) (string, error) {
	return s.serverVersion, nil
}

func (s *memStore) PrincipalCount(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.principals)), nil
}

func (s *memStore) PrincipalIdentifierIssues(ctx context.Context) (int64, int64, error) {
	return s.nullIDs, s.dupIDs, nil
}

func (s *memStore) EmptyRolePrincipals(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, p := range s.principals {
		if p.Role == "" {
			n++
		}
	}
	return n, nil
}

func (s *memStore) RoleDistribution(ctx context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.distributionLocked(), nil
}

func (s *memStore) distributionLocked() map[string]int64 {
	dist := make(map[string]int64)
	for _, p := range s.principals {
		dist[p.Role]++
	}
	return dist
}

func (s *memStore) ListRoleRules(ctx context.Context) ([]AccessRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rules := make([]AccessRule, 0, len(s.rules))
	for _, r := range s.rules {
		rules = append(rules, *r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

func (s *memStore) PrincipalTableBytes(ctx context.Context) (int64, error) {
	return s.tableBytes, nil
}

func (s *memStore) PendingSnapshots(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, snap := range s.snapshots {
		if snap.Status == SnapshotPending {
			n++
		}
	}
	return n, nil
}

func (s *memStore) ProbeBackupArea(ctx context.Context) error { return s.probeErr }

func (s *memStore) SampleHealth(ctx context.Context) (HealthSample, error) {
	sample := s.health
	sample.SampledAt = time.Now()
	return sample, nil
}

// --- RunStore / RunReader ---

func (s *memStore) CreateRun(ctx context.Context, run MigrationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.runs {
		if !existing.Phase.Terminal() {
			return ErrConcurrentRun
		}
	}
	copied := run
	s.runs[run.ID] = &copied
	return nil
}

func (s *memStore) RunByID(ctx context.Context, id uuid.UUID) (MigrationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return MigrationRun{}, ErrRunNotFound
	}
	return *run, nil
}

func (s *memStore) LatestRun(ctx context.Context) (MigrationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *MigrationRun
	for _, run := range s.runs {
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latest = run
		}
	}
	if latest == nil {
		return MigrationRun{}, ErrRunNotFound
	}
	return *latest, nil
}

func (s *memStore) TransitionRun(ctx context.Context, id uuid.UUID, from, to Phase, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if run.Phase != from {
		return errors.New("run moved underneath the transition")
	}
	run.Phase = to
	if detail != "" {
		run.Error = detail
	}
	if to.Terminal() {
		now := time.Now()
		run.FinishedAt = &now
	}
	return nil
}

func (s *memStore) SetRunBackup(ctx context.Context, id, backupID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	run.BackupID = backupID
	return nil
}

func (s *memStore) SetRunStats(ctx context.Context, id uuid.UUID, eligible, migrated int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	run.RowsEligible = eligible
	run.RowsMigrated = migrated
	return nil
}

// --- BackupStore ---

func (s *memStore) SnapshotByRun(ctx context.Context, runID uuid.UUID) (BackupSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.snapshots {
		if snap.RunID == runID {
			return *snap, nil
		}
	}
	return BackupSnapshot{}, ErrSnapshotNotFound
}

func (s *memStore) SnapshotByID(ctx context.Context, backupID uuid.UUID) (BackupSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[backupID]
	if !ok {
		return BackupSnapshot{}, ErrSnapshotNotFound
	}
	return *snap, nil
}

func (s *memStore) InsertSnapshot(ctx context.Context, snap BackupSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := snap
	s.snapshots[snap.BackupID] = &copied
	return nil
}

func (s *memStore) DiscardSnapshot(ctx context.Context, backupID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, backupID)
	delete(s.snapPrincipals, backupID)
	delete(s.snapRules, backupID)
	return nil
}

func (s *memStore) CopyPrincipalRows(ctx context.Context, backupID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make(map[int64]Principal, len(s.principals))
	for id, p := range s.principals {
		rows[id] = clonePrincipal(*p)
	}
	s.snapPrincipals[backupID] = rows
	return int64(len(rows)), nil
}

func (s *memStore) CopyRuleRows(ctx context.Context, backupID uuid.UUID, ruleIDs []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make(map[int64]AccessRule, len(ruleIDs))
	for _, id := range ruleIDs {
		if rule, ok := s.rules[id]; ok {
			rows[id] = *rule
		}
	}
	s.snapRules[backupID] = rows
	return int64(len(rows)), nil
}

func (s *memStore) FinalizeSnapshot(ctx context.Context, backupID uuid.UUID, checksum string, sizeBytes int64) error {
	if s.finalizeErr != nil {
		return s.finalizeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[backupID]
	if !ok {
		return ErrSnapshotNotFound
	}
	snap.RowCount = int64(len(s.snapPrincipals[backupID]))
	snap.RuleCount = int64(len(s.snapRules[backupID]))
	snap.Checksum = checksum
	snap.SizeBytes = sizeBytes
	snap.Status = SnapshotComplete
	return nil
}

func (s *memStore) SnapshotDistribution(ctx context.Context, backupID uuid.UUID) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.snapPrincipals[backupID]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	dist := make(map[string]int64)
	for _, p := range rows {
		dist[p.Role]++
	}
	return dist, nil
}

func (s *memStore) SnapshotNullCriticalRows(ctx context.Context, backupID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, p := range s.snapPrincipals[backupID] {
		if p.Role == "" {
			n++
		}
	}
	return n, nil
}

func (s *memStore) RestorePrincipalRows(ctx context.Context, backupID uuid.UUID) (int64, []int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.snapPrincipals[backupID]
	if !ok {
		return 0, nil, ErrSnapshotNotFound
	}
	var restored int64
	var unrestorable []int64
	for id, saved := range rows {
		live, ok := s.principals[id]
		if !ok {
			unrestorable = append(unrestorable, id)
			continue
		}
		*live = clonePrincipal(saved)
		restored++
	}
	sort.Slice(unrestorable, func(i, j int) bool { return unrestorable[i] < unrestorable[j] })
	return restored, unrestorable, nil
}

func (s *memStore) RestoreRuleRows(ctx context.Context, backupID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var restored int64
	for id, saved := range s.snapRules[backupID] {
		if live, ok := s.rules[id]; ok {
			*live = saved
			restored++
		}
	}
	return restored, nil
}

func (s *memStore) ListSnapshots(ctx context.Context) ([]BackupSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := make([]BackupSnapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		snaps = append(snaps, *snap)
	}
	return snaps, nil
}

// --- RollbackStore ---

func (s *memStore) InsertRollbackRecord(ctx context.Context, rec RollbackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbacks = append(s.rollbacks, rec)
	return nil
}

// --- PostCheckStore ---

func (s *memStore) CountMissingAuditFields(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, p := range s.principals {
		if p.MigrationTimestamp == nil {
			continue
		}
		if p.PreviousRole == nil || p.SeniorityTier == nil {
			n++
		}
	}
	return n, nil
}

func (s *memStore) SampleByPreviousRole(ctx context.Context, previousRole string, limit int) ([]Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sample []Principal
	for _, p := range s.principals {
		if p.PreviousRole != nil && *p.PreviousRole == previousRole {
			sample = append(sample, clonePrincipal(*p))
			if len(sample) >= limit {
				break
			}
		}
	}
	return sample, nil
}

// --- ExecStore ---

// InExecTx mirrors the transactional contract: all writes survive
// together or none do. The whole table state is copied up front and put
// back when fn fails.
func (s *memStore) InExecTx(ctx context.Context, fn func(ExecTx) error) error {
	s.mu.Lock()
	savedPrincipals := make(map[int64]*Principal, len(s.principals))
	for id, p := range s.principals {
		c := clonePrincipal(*p)
		savedPrincipals[id] = &c
	}
	savedRules := make(map[int64]*AccessRule, len(s.rules))
	for id, r := range s.rules {
		c := *r
		savedRules[id] = &c
	}
	s.mu.Unlock()

	err := fn(&memExecTx{store: s})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		s.mu.Lock()
		s.principals = savedPrincipals
		s.rules = savedRules
		s.mu.Unlock()
		return err
	}
	return nil
}

type memExecTx struct {
	store *memStore
}

func (tx *memExecTx) RoleDistribution(ctx context.Context) (map[string]int64, error) {
	return tx.store.RoleDistribution(ctx)
}

func (tx *memExecTx) ListPrincipalsByRoles(ctx context.Context, roles []string) ([]Principal, error) {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	wanted := make(map[string]bool, len(roles))
	for _, r := range roles {
		wanted[r] = true
	}
	var selected []Principal
	for _, p := range tx.store.principals {
		if wanted[p.Role] {
			selected = append(selected, clonePrincipal(*p))
		}
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].ID < selected[j].ID })
	return selected, nil
}

func (tx *memExecTx) ApplyRoleChange(ctx context.Context, principalID int64, previousRole, canonicalRole, seniorityTier string, ts time.Time) error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	p, ok := tx.store.principals[principalID]
	if !ok {
		return errors.New("principal vanished mid-transaction")
	}
	p.Role = canonicalRole
	if p.PreviousRole == nil {
		p.PreviousRole = &previousRole
	}
	p.SeniorityTier = &seniorityTier
	tsCopy := ts
	p.MigrationTimestamp = &tsCopy
	return nil
}

func (tx *memExecTx) RulePredicate(ctx context.Context, ruleID int64) (string, error) {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	rule, ok := tx.store.rules[ruleID]
	if !ok {
		return "", errors.New("rule vanished mid-transaction")
	}
	return rule.Predicate, nil
}

func (tx *memExecTx) UpdateRulePredicate(ctx context.Context, ruleID int64, predicate string) error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	rule, ok := tx.store.rules[ruleID]
	if !ok {
		return errors.New("rule vanished mid-transaction")
	}
	rule.Predicate = predicate
	return nil
}

func clonePrincipal(p Principal) Principal {
	if p.PreviousRole != nil {
		v := *p.PreviousRole
		p.PreviousRole = &v
	}
	if p.SeniorityTier != nil {
		v := *p.SeniorityTier
		p.SeniorityTier = &v
	}
	if p.MigrationTimestamp != nil {
		v := *p.MigrationTimestamp
		p.MigrationTimestamp = &v
	}
	return p
}

// testMapping consolidates four legacy roles into three canonical ones.
func testMapping() Mapping {
	return Mapping{
		CanonicalRoles: []string{"admin", "member", "viewer"},
		Entries: map[string]Target{
			"owner":      {CanonicalRole: "admin", SeniorityTier: "senior"},
			"pm":         {CanonicalRole: "member", SeniorityTier: "standard"},
			"developer":  {CanonicalRole: "member", SeniorityTier: "standard"},
			"contractor": {CanonicalRole: "viewer", SeniorityTier: "external"},
		},
	}
}

// seedLegacyStore populates the store with the usual test population:
// 3 owners, 2 pms, 2 developers, 1 contractor and 4 rules.
func seedLegacyStore(s *memStore) {
	s.addPrincipal(1, "owner")
	s.addPrincipal(2, "owner")
	s.addPrincipal(3, "owner")
	s.addPrincipal(4, "pm")
	s.addPrincipal(5, "pm")
	s.addPrincipal(6, "developer")
	s.addPrincipal(7, "developer")
	s.addPrincipal(8, "contractor")
	s.addRule(1, "projects", `role IN ('owner', 'pm')`)
	s.addRule(2, "invoices", `role = 'owner'`)
	s.addRule(3, "tickets", `role = 'developer' OR role = 'pm'`)
	s.addRule(4, "documents", `role = 'admin'`)
}
