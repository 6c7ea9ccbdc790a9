package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apex-audit/apex-audit/internal/archive"
	"github.com/apex-audit/apex-audit/internal/audit"
	"github.com/apex-audit/apex-audit/internal/db/repositories"
	"github.com/apex-audit/apex-audit/internal/jobs"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		resetFlags(rootCmd)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// resetFlags restores every flag to its default so commands can be executed repeatedly.
func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	})
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return -1
}

// ---------------------------------------------------------------------------
// Command wiring
// ---------------------------------------------------------------------------

func TestRootCommand_RegistersSubcommands(t *testing.T) {
	want := []string{"verify-signatures", "cleanup", "migrate", "rollback", "worker", "keygen", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "auditctl "+Version+"\n", out)
}

func TestKeygenCommand_Key(t *testing.T) {
	out, err := execute(t, "keygen")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "APEX_AUDIT_SIGNATURE_KEY="), out)
	key := strings.TrimSpace(strings.TrimPrefix(out, "APEX_AUDIT_SIGNATURE_KEY="))
	assert.GreaterOrEqual(t, len(key), 64)
}

func TestKeygenCommand_Salt(t *testing.T) {
	out, err := execute(t, "keygen", "--salt")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "APEX_AUDIT_SIGNATURE_SALT="), out)
	salt := strings.TrimSpace(strings.TrimPrefix(out, "APEX_AUDIT_SIGNATURE_SALT="))
	assert.GreaterOrEqual(t, len(salt), 16)
}

func TestMigrateCommand_RejectsUnknownDirection(t *testing.T) {
	_, err := execute(t, "migrate", "sideways")
	require.Error(t, err)
}

func TestRollbackCommand_InvalidHistoryID(t *testing.T) {
	_, err := execute(t, "rollback", "abc", "--actor", "u1")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
}

func TestRollbackCommand_InvalidScope(t *testing.T) {
	_, err := execute(t, "rollback", "7", "--actor", "u1", "--scopes", "Not A Scope")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
}

func TestRollbackCommand_ActorRequired(t *testing.T) {
	_, err := execute(t, "rollback", "7")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "actor")
}

func TestVerifyCommand_RejectsNonPositiveBatch(t *testing.T) {
	_, err := execute(t, "verify-signatures", "--batch-size", "0")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
}

// ---------------------------------------------------------------------------
// exitError
// ---------------------------------------------------------------------------

func TestExitError(t *testing.T) {
	cause := errors.New("boom")
	err := withExitCode(3, cause)
	assert.Equal(t, "boom", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, exitCode(err))

	assert.Equal(t, "exit status 4", (&exitError{code: 4}).Error())
}

// ---------------------------------------------------------------------------
// Reports
// ---------------------------------------------------------------------------

func TestPrintVerifyReport(t *testing.T) {
	var buf bytes.Buffer
	printVerifyReport(&buf, &jobs.VerifyReport{
		Checked:  3,
		Valid:    2,
		Invalid:  1,
		Tampered: []jobs.InvalidRecord{{ID: 42, UUID: "u-42"}},
		Duration: 1500 * time.Millisecond,
	})
	out := buf.String()
	assert.Contains(t, out, "Checked: 3")
	assert.Contains(t, out, "Invalid: 1")
	assert.Contains(t, out, "tampered record id=42 uuid=u-42")
	assert.Contains(t, out, "Duration: 1.5s")
}

func TestPrintCleanupReport_DryRunUsesMatched(t *testing.T) {
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printCleanupReport(&buf, &jobs.CleanupReport{
		DryRun:  true,
		History: &jobs.TableReport{Table: "audit_histories", Days: 30, Cutoff: cutoff, Matched: 12},
	})
	assert.Equal(t, "Would delete 12 rows from audit_histories older than 30 days (before 2026-01-01 00:00:00Z)\n", buf.String())
}

func TestPrintCleanupReport_WithArchive(t *testing.T) {
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printCleanupReport(&buf, &jobs.CleanupReport{
		History: &jobs.TableReport{Table: "audit_histories", Days: 30, Cutoff: cutoff, Matched: 2, Deleted: 2},
		Audit: &jobs.TableReport{Table: "audit_records", Days: 365, Cutoff: cutoff, Matched: 5, Deleted: 5,
			Archive: &archive.Manifest{Table: "audit_records", Path: "a/b.jsonl", Rows: 5, Checksum: "abc"}},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "Deleted 2 rows from audit_histories"))
	assert.True(t, strings.HasPrefix(lines[1], "Deleted 5 rows from audit_records"))
	assert.Equal(t, "  archived 5 rows to a/b.jsonl (sha256 abc)", lines[2])
}

// ---------------------------------------------------------------------------
// modelStoreFor
// ---------------------------------------------------------------------------

func TestModelStoreFor_SkipsModelsWithoutTable(t *testing.T) {
	p := &audit.AuditPolicy{Models: map[string]*audit.ModelPolicy{
		"post":    {ModelType: "post", Table: "posts"},
		"comment": {ModelType: "comment"},
	}}
	store, err := modelStoreFor(p)
	require.NoError(t, err)

	pk, err := store.PrimaryKey("post")
	require.NoError(t, err)
	assert.Equal(t, "id", pk)

	_, err = store.PrimaryKey("comment")
	assert.ErrorIs(t, err, repositories.ErrUnknownModel)
}

func TestModelStoreFor_RejectsBadIdentifier(t *testing.T) {
	p := &audit.AuditPolicy{Models: map[string]*audit.ModelPolicy{
		"post": {ModelType: "post", Table: "posts; drop table users"},
	}}
	_, err := modelStoreFor(p)
	assert.ErrorIs(t, err, repositories.ErrInvalidIdentifier)
}
