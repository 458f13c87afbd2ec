package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-credit/internal/credit"
)

// useSQLite points the CLI at a fresh sqlite file and an in-memory redis.
func useSQLite(t *testing.T) string {
	t.Helper()
	mr := miniredis.RunT(t)
	path := filepath.Join(t.TempDir(), "credit.db")
	t.Setenv("LEDGER_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", path)
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("LOCK_BACKEND", "local")
	t.Setenv("JOBS_ENABLED", "false")
	return path
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestMigrateSQLite(t *testing.T) {
	path := useSQLite(t)

	out, err := runCLI(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite schema up to date")
	assert.Contains(t, out, path)
}

func TestLimitSetAndShow(t *testing.T) {
	useSQLite(t)

	out, err := runCLI(t, "limit", "set", "--client", "1", "--amount", "1000", "--actor", "5", "--notes", "wholesale")
	require.NoError(t, err)
	assert.Contains(t, out, "client=1 limit=1000.00 used=0.00 available=1000.00 status=active display=healthy")

	out, err = runCLI(t, "limit", "show", "--client", "1", "--json")
	require.NoError(t, err)
	var limit credit.CreditLimit
	require.NoError(t, json.Unmarshal([]byte(out), &limit))
	assert.Equal(t, 1000.0, limit.LimitAmount)
	require.NotNil(t, limit.Notes)
	assert.Equal(t, "wholesale", *limit.Notes)

	_, err = runCLI(t, "limit", "show", "--client", "2")
	assert.ErrorIs(t, err, credit.ErrNotFound)
}

func TestLimitSetFlagErrors(t *testing.T) {
	useSQLite(t)

	cases := map[string][]string{
		"--client is required": {"limit", "set", "--amount", "10", "--actor", "5"},
		"--actor is required":  {"limit", "set", "--client", "1", "--amount", "10"},
		"exactly one of --amount or --default is required": {"limit", "set", "--client", "1", "--actor", "5"},
	}
	for want, args := range cases {
		_, err := runCLI(t, args...)
		assert.EqualError(t, err, want)
	}
	_, err := runCLI(t, "limit", "set", "--client", "1", "--actor", "5", "--amount", "10", "--default")
	assert.Error(t, err)
}

func TestSettingsUpdateDrivesDefaultLimit(t *testing.T) {
	useSQLite(t)

	_, err := runCLI(t, "settings", "update", "--actor", "5")
	assert.EqualError(t, err, "no settings given")

	out, err := runCLI(t, "settings", "update", "--actor", "5", "--default-limit", "250", "--auto-approve")
	require.NoError(t, err)
	assert.Contains(t, out, "default_limit_amount = 250.0")
	assert.Contains(t, out, "auto_approve_enabled = true")

	out, err = runCLI(t, "settings", "show", "--json")
	require.NoError(t, err)
	var shown credit.Settings
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, 250.0, shown.DefaultLimitAmount)
	assert.Equal(t, int64(5), shown.UpdatedBy)

	out, err = runCLI(t, "limit", "set", "--client", "3", "--default", "--actor", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "limit=250.00")

	_, err = runCLI(t, "settings", "update", "--actor", "5", "--max-limit", "100")
	assert.ErrorIs(t, err, credit.ErrInvalidArgument)
}

func TestReplayReportsInconsistency(t *testing.T) {
	path := useSQLite(t)

	_, err := runCLI(t, "limit", "set", "--client", "1", "--amount", "500", "--actor", "5")
	require.NoError(t, err)
	_, err = runCLI(t, "limit", "set", "--client", "2", "--amount", "300", "--actor", "5")
	require.NoError(t, err)

	out, err := runCLI(t, "replay")
	require.NoError(t, err)
	assert.Contains(t, out, "2 ledger(s) checked, 0 inconsistent")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE credit_limits SET used_amount = 77 WHERE client_id = 2`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	out, err = runCLI(t, "replay")
	assert.ErrorIs(t, err, errInconsistent)
	assert.Contains(t, out, "client=2")
	assert.Contains(t, out, "MISMATCH")
	assert.Contains(t, out, "2 ledger(s) checked, 1 inconsistent")

	out, err = runCLI(t, "replay", "--client", "1", "--json")
	require.NoError(t, err)
	var checks []credit.LedgerCheck
	require.NoError(t, json.Unmarshal([]byte(out), &checks))
	require.Len(t, checks, 1)
	assert.True(t, checks[0].Consistent())
}

func TestJobsTriggerRejectsUnknownJob(t *testing.T) {
	useSQLite(t)

	_, err := runCLI(t, "jobs", "trigger", "credit:unknown")
	assert.ErrorContains(t, err, "unsupported job credit:unknown")

	_, err = runCLI(t, "jobs", "trigger")
	assert.Error(t, err)
}
