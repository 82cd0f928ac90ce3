package records

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/apas-records-backend/authz"
	"github.com/ruteri/apas-records-backend/cryptoutils"
	"github.com/ruteri/apas-records-backend/interfaces"
	"github.com/ruteri/apas-records-backend/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type staticKeys struct{}

func (staticKeys) ResolveEncryptionKey() ([]byte, error) { return bytes.Repeat([]byte{0x42}, 32), nil }
func (staticKeys) ResolveDigestKey() ([]byte, error)     { return []byte("records-test-digest-key"), nil }

type recordingNotifier struct {
	mu   sync.Mutex
	sent []interfaces.AlertNotification
	err  error
}

func (n *recordingNotifier) NotifyAlert(_ context.Context, a interfaces.AlertNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, a)
	return n.err
}

type testEnv struct {
	store    *Store
	guard    *authz.Guard
	notifier *recordingNotifier
}

func setupTestStore(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	codec, err := cryptoutils.NewFieldCodec(staticKeys{}, logger)
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	store, err := Open(context.Background(), Config{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "data", "records.db"),
	}, codec, notifier, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// Distinct timestamps keep newest-first ordering deterministic
	var tick atomic.Int64
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		return base.Add(time.Duration(tick.Inc()) * time.Second)
	}

	env := &testEnv{
		store:    store,
		guard:    authz.NewGuard(store, authz.GuardOptions{}, logger),
		notifier: notifier,
	}

	ctx := context.Background()
	_, err = store.BootstrapAdmin(ctx, "admin", "admin-pw")
	require.NoError(t, err)

	admin := env.grant(t, "admin", interfaces.RoleAdmin)
	for _, u := range []struct {
		name string
		role interfaces.Role
	}{
		{"s1", interfaces.RoleStudent},
		{"s2", interfaces.RoleStudent},
		{"i1", interfaces.RoleInstructor},
		{"i2", interfaces.RoleInstructor},
	} {
		_, err := store.CreateUser(ctx, admin, u.name, u.name+"-pw", u.role)
		require.NoError(t, err)
	}

	return env
}

func (e *testEnv) grant(t *testing.T, username string, roles ...interfaces.Role) authz.Grant {
	t.Helper()
	g, err := e.guard.RequireRole(authz.WithIdentity(context.Background(), username), roles...)
	require.NoError(t, err)
	return g
}

func (e *testEnv) scoped(t *testing.T, username, subject string, self interfaces.Role) authz.Grant {
	t.Helper()
	g, err := e.guard.RequireSelfOrRole(authz.WithIdentity(context.Background(), username), subject,
		[]interfaces.Role{self}, []interfaces.Role{interfaces.RoleAdmin})
	require.NoError(t, err)
	return g
}

func (e *testEnv) insert(t *testing.T, owner, subject string, marks, attendance float64) *InsertResult {
	t.Helper()
	res, err := e.store.InsertRecord(context.Background(), e.grant(t, owner, interfaces.RoleInstructor), interfaces.NewRecord{
		Subject:    subject,
		Marks:      marks,
		Attendance: attendance,
		RiskScore:  risk.Predict(marks, attendance),
		Course:     "Algorithms",
	})
	require.NoError(t, err)
	return res
}

func (e *testEnv) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, e.store.db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestInsertRecord_HighRiskCreatesAlert(t *testing.T) {
	env := setupTestStore(t)

	res := env.insert(t, "i1", "s1", 1, 1)
	assert.InDelta(t, 0.99, res.RiskScore, 1e-9)
	require.True(t, res.Alerted())

	alerts, err := env.store.ListAlerts(context.Background(), env.grant(t, "admin", interfaces.RoleAdmin))
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, res.RecordID, alerts[0].RecordID)
	assert.Equal(t, res.AlertID, alerts[0].ID)
	require.NotNil(t, alerts[0].Subject)
	assert.Equal(t, "s1", *alerts[0].Subject)
	assert.InDelta(t, 0.99, alerts[0].RiskScore, 1e-9)

	// Nothing is stored in plaintext
	var ciphertext, digest string
	require.NoError(t, env.store.db.QueryRow("SELECT subject_ciphertext, subject_digest FROM records WHERE id = ?", res.RecordID).Scan(&ciphertext, &digest))
	assert.NotEqual(t, "s1", ciphertext)
	assert.Len(t, digest, 64)

	var alertCiphertext string
	require.NoError(t, env.store.db.QueryRow("SELECT subject_ciphertext FROM alerts WHERE id = ?", res.AlertID).Scan(&alertCiphertext))
	assert.NotEqual(t, ciphertext, alertCiphertext)

	require.Len(t, env.notifier.sent, 1)
	assert.Equal(t, res.AlertID, env.notifier.sent[0].AlertID)
	assert.Equal(t, "i1", env.notifier.sent[0].Owner)
}

func TestInsertRecord_LowRiskNoAlert(t *testing.T) {
	env := setupTestStore(t)

	res := env.insert(t, "i1", "s1", 95, 90)
	assert.False(t, res.Alerted())
	assert.Equal(t, 0, env.count(t, "alerts"))
	assert.Empty(t, env.notifier.sent)
}

func TestInsertRecord_InvalidSubject(t *testing.T) {
	env := setupTestStore(t)
	instructor := env.grant(t, "i1", interfaces.RoleInstructor)

	for _, subject := range []string{"ghost", "i2", "admin"} {
		_, err := env.store.InsertRecord(context.Background(), instructor, interfaces.NewRecord{
			Subject: subject, Marks: 1, Attendance: 1, RiskScore: 0.99, Course: "Algorithms",
		})
		assert.ErrorIs(t, err, interfaces.ErrInvalidSubject, subject)
	}

	assert.Equal(t, 0, env.count(t, "records"))
	assert.Equal(t, 0, env.count(t, "alerts"))
}

func TestInsertRecord_Validation(t *testing.T) {
	env := setupTestStore(t)
	instructor := env.grant(t, "i1", interfaces.RoleInstructor)

	tests := []struct {
		name string
		rec  interfaces.NewRecord
	}{
		{name: "blank subject", rec: interfaces.NewRecord{Subject: "  ", Course: "c", RiskScore: 0.1}},
		{name: "blank course", rec: interfaces.NewRecord{Subject: "s1", Course: " ", RiskScore: 0.1}},
		{name: "risk out of range", rec: interfaces.NewRecord{Subject: "s1", Course: "c", RiskScore: 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.store.InsertRecord(context.Background(), instructor, tt.rec)
			assert.ErrorIs(t, err, interfaces.ErrInvalidInput)
		})
	}

	// Owner comes from the grant and long courses are truncated
	res, err := env.store.InsertRecord(context.Background(), instructor, interfaces.NewRecord{
		Subject: " s1 ", Course: strings.Repeat("é", 250), RiskScore: 0.1, Owner: "i2",
	})
	require.NoError(t, err)

	owned, err := env.store.FindByOwner(context.Background(), env.scoped(t, "i1", "i1", interfaces.RoleInstructor), "i1")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, res.RecordID, owned[0].ID)
	assert.Equal(t, "i1", owned[0].Owner)
	assert.Equal(t, MaxCourseLength, len([]rune(owned[0].Course)))
}

func TestInsertRecord_RequiresInstructor(t *testing.T) {
	env := setupTestStore(t)

	_, err := env.store.InsertRecord(context.Background(), env.grant(t, "admin", interfaces.RoleAdmin), interfaces.NewRecord{
		Subject: "s1", Course: "c", RiskScore: 0.99,
	})
	assert.ErrorIs(t, err, interfaces.ErrForbidden)

	_, err = env.store.InsertRecord(context.Background(), authz.Grant{}, interfaces.NewRecord{
		Subject: "s1", Course: "c", RiskScore: 0.99,
	})
	assert.ErrorIs(t, err, interfaces.ErrForbidden)
	assert.Equal(t, 0, env.count(t, "records"))
}

func TestFindBySubjectIdentity(t *testing.T) {
	env := setupTestStore(t)

	first := env.insert(t, "i1", "s1", 40, 50)
	env.insert(t, "i1", "s2", 70, 80)
	second := env.insert(t, "i2", "s1", 90, 95)

	got, err := env.store.FindBySubjectIdentity(context.Background(), env.scoped(t, "s1", "s1", interfaces.RoleStudent), "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, second.RecordID, got[0].ID, "newest first")
	assert.Equal(t, first.RecordID, got[1].ID)
	for _, r := range got {
		require.NotNil(t, r.Subject)
		assert.Equal(t, "s1", *r.Subject)
	}

	// Admin may read any student's records
	got, err = env.store.FindBySubjectIdentity(context.Background(), env.scoped(t, "admin", "s2", interfaces.RoleStudent), "s2")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// A grant scoped to s1 cannot read s2
	_, err = env.store.FindBySubjectIdentity(context.Background(), env.scoped(t, "s1", "s1", interfaces.RoleStudent), "s2")
	assert.ErrorIs(t, err, interfaces.ErrForbidden)

	// An unscoped grant is not enough either
	_, err = env.store.FindBySubjectIdentity(context.Background(), env.grant(t, "admin", interfaces.RoleAdmin), "s1")
	assert.ErrorIs(t, err, interfaces.ErrForbidden)
}

func TestFindBySubjectIdentity_SearchesByDigest(t *testing.T) {
	env := setupTestStore(t)
	env.insert(t, "i1", "s1", 40, 50)

	// A corrupted ciphertext still matches by digest and reads as unknown subject
	_, err := env.store.db.Exec("UPDATE records SET subject_ciphertext = 'garbage'")
	require.NoError(t, err)

	got, err := env.store.FindBySubjectIdentity(context.Background(), env.scoped(t, "s1", "s1", interfaces.RoleStudent), "s1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Subject)
}

func TestFindByOwner(t *testing.T) {
	env := setupTestStore(t)

	env.insert(t, "i1", "s1", 40, 50)
	env.insert(t, "i2", "s2", 40, 50)
	env.insert(t, "i1", "s2", 40, 50)

	got, err := env.store.FindByOwner(context.Background(), env.scoped(t, "i1", "i1", interfaces.RoleInstructor), "i1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.NotNil(t, got[0].Subject)
	assert.Equal(t, "s2", *got[0].Subject)
	assert.Equal(t, "s1", *got[1].Subject)

	_, err = env.guard.RequireSelfOrRole(authz.WithIdentity(context.Background(), "i1"), "i2",
		[]interfaces.Role{interfaces.RoleInstructor}, []interfaces.Role{interfaces.RoleAdmin})
	assert.ErrorIs(t, err, interfaces.ErrForbidden)
}

func TestScanAll(t *testing.T) {
	env := setupTestStore(t)
	env.insert(t, "i1", "s1", 40, 50)
	env.insert(t, "i2", "s2", 40, 50)

	// A non-admin never obtains a grant for the scan
	_, err := env.guard.RequireRole(authz.WithIdentity(context.Background(), "i1"), interfaces.RoleAdmin)
	assert.ErrorIs(t, err, interfaces.ErrForbidden)

	_, err = env.store.ScanAll(context.Background(), env.grant(t, "i1", interfaces.RoleInstructor))
	assert.ErrorIs(t, err, interfaces.ErrForbidden)

	all, err := env.store.ScanAll(context.Background(), env.grant(t, "admin", interfaces.RoleAdmin))
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "s2", *all[0].Subject)
	assert.Equal(t, "s1", *all[1].Subject)
}

func TestThresholdChangeIsNotRetroactive(t *testing.T) {
	env := setupTestStore(t)
	ctx := context.Background()
	admin := env.grant(t, "admin", interfaces.RoleAdmin)

	// 0.5 risk: below default 0.6
	env.insert(t, "i1", "s1", 50, 50)
	assert.Equal(t, 0, env.count(t, "alerts"))

	require.NoError(t, env.store.SetSetting(ctx, admin, interfaces.SettingRiskThreshold, "0.4"))
	env.insert(t, "i1", "s1", 50, 50)
	assert.Equal(t, 1, env.count(t, "alerts"))

	require.NoError(t, env.store.SetSetting(ctx, admin, interfaces.SettingRiskThreshold, "0.9"))
	assert.Equal(t, 1, env.count(t, "alerts"), "existing alerts are kept")
	env.insert(t, "i1", "s1", 50, 50)
	assert.Equal(t, 1, env.count(t, "alerts"))
}

func TestInsertRecord_AtomicWithAlert(t *testing.T) {
	env := setupTestStore(t)

	_, err := env.store.db.Exec("DROP TABLE alerts")
	require.NoError(t, err)

	_, err = env.store.InsertRecord(context.Background(), env.grant(t, "i1", interfaces.RoleInstructor), interfaces.NewRecord{
		Subject: "s1", Marks: 1, Attendance: 1, RiskScore: 0.99, Course: "Algorithms",
	})
	assert.ErrorIs(t, err, interfaces.ErrStorageFailure)
	assert.Equal(t, 0, env.count(t, "records"), "record must not be visible without its alert")
	assert.Empty(t, env.notifier.sent)

	// Low-risk inserts do not touch the alerts table
	_, err = env.store.InsertRecord(context.Background(), env.grant(t, "i1", interfaces.RoleInstructor), interfaces.NewRecord{
		Subject: "s1", Marks: 100, Attendance: 100, RiskScore: 0, Course: "Algorithms",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, env.count(t, "records"))
}

func TestInsertRecord_Concurrent(t *testing.T) {
	env := setupTestStore(t)
	ctx := context.Background()
	owners := map[string]authz.Grant{
		"i1": env.grant(t, "i1", interfaces.RoleInstructor),
		"i2": env.grant(t, "i2", interfaces.RoleInstructor),
	}

	const n = 64
	subjects := []string{"s1", "s2"}
	recordIDs := make(chan int64, n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			owner := "i1"
			if i%3 == 0 {
				owner = "i2"
			}
			res, err := env.store.InsertRecord(ctx, owners[owner], interfaces.NewRecord{
				Subject:    subjects[i%len(subjects)],
				Marks:      float64(i % 10),
				Attendance: 5,
				RiskScore:  risk.Predict(float64(i%10), 5),
				Course:     "Algorithms",
			})
			if assert.NoError(t, err) {
				assert.True(t, res.Alerted())
				recordIDs <- res.RecordID
			}
		}()
	}
	wg.Wait()
	close(recordIDs)

	assert.Equal(t, n, env.count(t, "records"))
	assert.Equal(t, n, env.count(t, "alerts"))
	assert.Len(t, recordIDs, n)

	// Every record decrypts to the subject its digest was computed from
	all, err := env.store.ScanAll(ctx, env.grant(t, "admin", interfaces.RoleAdmin))
	require.NoError(t, err)
	require.Len(t, all, n)
	perSubject := map[string]int{}
	for _, rec := range all {
		require.NotNil(t, rec.Subject, "record %d", rec.ID)
		digest, err := env.store.codec.Digest(*rec.Subject)
		require.NoError(t, err)
		assert.Equal(t, digest, rec.SubjectDigest, "record %d", rec.ID)
		perSubject[*rec.Subject]++
	}
	assert.Equal(t, map[string]int{"s1": n / 2, "s2": n / 2}, perSubject)

	for _, subject := range subjects {
		found, err := env.store.FindBySubjectIdentity(ctx, env.scoped(t, subject, subject, interfaces.RoleStudent), subject)
		require.NoError(t, err)
		assert.Len(t, found, n/2, subject)
	}

	// Each alert belongs to exactly one record
	alerts, err := env.store.ListAlerts(ctx, env.grant(t, "admin", interfaces.RoleAdmin))
	require.NoError(t, err)
	seen := map[int64]bool{}
	for _, a := range alerts {
		assert.False(t, seen[a.RecordID], "record %d alerted twice", a.RecordID)
		seen[a.RecordID] = true
	}
	assert.Len(t, seen, n)
	assert.Len(t, env.notifier.sent, n)
}

func TestInsertRecord_NotificationFailureIsIgnored(t *testing.T) {
	env := setupTestStore(t)
	env.notifier.err = errors.New("smtp down")

	res := env.insert(t, "i1", "s1", 1, 1)
	assert.True(t, res.Alerted())
	assert.Equal(t, 1, env.count(t, "alerts"))
}

func TestBulkInsert(t *testing.T) {
	env := setupTestStore(t)

	items := []BulkItem{
		{Subject: "s1", Marks: "1", Attendance: "1", Course: "Algorithms"},
		{Subject: "s2", Marks: "90", Attendance: " 95 ", Course: "Algorithms"},
		{Subject: "ghost", Marks: "10", Attendance: "10", Course: "Algorithms"},
		{Subject: "i2", Marks: "10", Attendance: "10", Course: "Algorithms"},
		{Subject: "s1", Marks: "ten", Attendance: "10", Course: "Algorithms"},
		{Subject: "", Marks: "10", Attendance: "10", Course: "Algorithms"},
		{Subject: "s2", Marks: "", Attendance: "", Course: "Databases"},
	}

	result, err := env.store.BulkInsert(context.Background(), env.grant(t, "i1", interfaces.RoleInstructor), items, risk.Predict)
	require.NoError(t, err)

	assert.Equal(t, interfaces.BulkResult{
		Processed:      3,
		Alerts:         2,
		SkippedSubject: 2,
		SkippedInput:   2,
	}, result)
	assert.Equal(t, 3, env.count(t, "records"))
	assert.Equal(t, 2, env.count(t, "alerts"))
	assert.Len(t, env.notifier.sent, 2)

	_, err = env.store.BulkInsert(context.Background(), env.grant(t, "s1", interfaces.RoleStudent), items, risk.Predict)
	assert.ErrorIs(t, err, interfaces.ErrForbidden)
}

func TestUsers(t *testing.T) {
	env := setupTestStore(t)
	ctx := context.Background()
	admin := env.grant(t, "admin", interfaces.RoleAdmin)

	_, err := env.store.CreateUser(ctx, admin, "s1", "pw", interfaces.RoleStudent)
	assert.ErrorIs(t, err, interfaces.ErrConflict)

	_, err = env.store.CreateUser(ctx, admin, "s3", "pw", interfaces.Role("dean"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidInput)

	_, err = env.store.CreateUser(ctx, admin, "", "pw", interfaces.RoleStudent)
	assert.ErrorIs(t, err, interfaces.ErrInvalidInput)

	_, err = env.store.CreateUser(ctx, env.grant(t, "i1", interfaces.RoleInstructor), "s3", "pw", interfaces.RoleStudent)
	assert.ErrorIs(t, err, interfaces.ErrForbidden)

	created, err := env.store.CreateUser(ctx, admin, "s3", "pw", interfaces.Role("Student"))
	require.NoError(t, err)
	assert.Equal(t, interfaces.RoleStudent, created.Role)

	users, err := env.store.ListUsers(ctx, admin)
	require.NoError(t, err)
	require.Len(t, users, 6)
	assert.Equal(t, "admin", users[0].Username)
	for _, u := range users {
		assert.Empty(t, u.Credential)
	}

	// Stored credentials are hashed and verify through the guard
	identity, err := env.guard.Authenticate(ctx, "s3", "pw")
	require.NoError(t, err)
	assert.Equal(t, interfaces.RoleStudent, identity.Role)
	assert.True(t, cryptoutils.IsPasswordHash(identity.Credential))
}

func TestBootstrapAdmin_OnlyOnce(t *testing.T) {
	env := setupTestStore(t)

	_, err := env.store.BootstrapAdmin(context.Background(), "root", "pw")
	assert.ErrorIs(t, err, interfaces.ErrConflict)

	_, err = env.store.LookupIdentity(context.Background(), "root")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestSettings(t *testing.T) {
	env := setupTestStore(t)
	ctx := context.Background()
	admin := env.grant(t, "admin", interfaces.RoleAdmin)
	student := env.grant(t, "s1", interfaces.RoleStudent)

	threshold, err := env.store.RiskThreshold(ctx, student)
	require.NoError(t, err)
	assert.Equal(t, interfaces.DefaultRiskThreshold, threshold)

	version, err := env.store.GetSetting(ctx, student, interfaces.SettingModelVersion)
	require.NoError(t, err)
	assert.Equal(t, "1", version)

	assert.ErrorIs(t, env.store.SetSetting(ctx, student, interfaces.SettingRiskThreshold, "0.1"), interfaces.ErrForbidden)
	assert.ErrorIs(t, env.store.SetSetting(ctx, admin, interfaces.SettingRiskThreshold, "high"), interfaces.ErrInvalidInput)
	assert.ErrorIs(t, env.store.SetSetting(ctx, admin, "", "x"), interfaces.ErrInvalidInput)

	require.NoError(t, env.store.SetSetting(ctx, admin, "motd", "first"))
	require.NoError(t, env.store.SetSetting(ctx, admin, "motd", "second"))
	value, err := env.store.GetSetting(ctx, student, "motd")
	require.NoError(t, err)
	assert.Equal(t, "second", value)

	_, err = env.store.GetSetting(ctx, student, "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	settings, err := env.store.ListSettings(ctx, student)
	require.NoError(t, err)
	assert.Len(t, settings, 3)

	// A corrupted threshold falls back to the default
	_, err = env.store.db.Exec("UPDATE settings SET value = 'bogus' WHERE name = ?", interfaces.SettingRiskThreshold)
	require.NoError(t, err)
	threshold, err = env.store.RiskThreshold(ctx, student)
	require.NoError(t, err)
	assert.Equal(t, interfaces.DefaultRiskThreshold, threshold)

	require.NoError(t, env.store.RecordModelVersion(ctx, admin, 5))
	v, err := env.store.ModelVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	assert.ErrorIs(t, env.store.SetSetting(ctx, admin, interfaces.SettingModelVersion, "two"), interfaces.ErrInvalidInput)
	assert.ErrorIs(t, env.store.SetSetting(ctx, admin, interfaces.SettingModelVersion, "0"), interfaces.ErrInvalidInput)
}

func TestRecordModelVersion_OnlyMovesForward(t *testing.T) {
	env := setupTestStore(t)
	ctx := context.Background()
	admin := env.grant(t, "admin", interfaces.RoleAdmin)

	assert.ErrorIs(t, env.store.RecordModelVersion(ctx, env.grant(t, "i1", interfaces.RoleInstructor), 9), interfaces.ErrForbidden)

	// A slower retrain persisting after a faster one does not roll back
	require.NoError(t, env.store.RecordModelVersion(ctx, admin, 3))
	require.NoError(t, env.store.RecordModelVersion(ctx, admin, 2))
	v, err := env.store.ModelVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	// Versions above 9 compare as numbers, not strings
	require.NoError(t, env.store.RecordModelVersion(ctx, admin, 10))
	require.NoError(t, env.store.RecordModelVersion(ctx, admin, 9))
	v, err = env.store.ModelVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), v)

	var wg sync.WaitGroup
	for version := int64(11); version <= 40; version++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.store.RecordModelVersion(ctx, admin, version))
		}()
	}
	wg.Wait()

	v, err = env.store.ModelVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(40), v)
}

func TestAudit(t *testing.T) {
	env := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, env.store.AppendAudit(ctx, "", interfaces.AuditLogin, map[string]string{"status": "failed"}))
	require.NoError(t, env.store.AppendAudit(ctx, "i1", interfaces.AuditAddRecord, map[string]string{"recordId": "1"}))
	require.NoError(t, env.store.AppendAudit(ctx, "admin", interfaces.AuditExport, nil))

	_, err := env.store.ListAudit(ctx, env.grant(t, "i1", interfaces.RoleInstructor), 0)
	assert.ErrorIs(t, err, interfaces.ErrForbidden)

	entries, err := env.store.ListAudit(ctx, env.grant(t, "admin", interfaces.RoleAdmin), 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, interfaces.AuditExport, entries[0].Action)
	assert.Nil(t, entries[0].Details)
	assert.Equal(t, "1", entries[1].Details["recordId"])
	assert.Equal(t, "unknown", entries[2].Username)

	limited, err := env.store.ListAudit(ctx, env.grant(t, "admin", interfaces.RoleAdmin), 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestDialectRebind(t *testing.T) {
	pg, err := dialectFor(DriverPostgres)
	require.NoError(t, err)
	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c = $2", pg.rebind("SELECT a FROM t WHERE b = ? AND c = ?"))

	lite, err := dialectFor("")
	require.NoError(t, err)
	assert.Equal(t, "b = ?", lite.rebind("b = ?"))

	_, err = dialectFor("mysql")
	assert.Error(t, err)
}
