package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/heirloom/internal/cloud"
	"github.com/lazypower/heirloom/internal/guardian"
	"github.com/lazypower/heirloom/internal/metrics"
	"github.com/lazypower/heirloom/internal/remote"
	"github.com/lazypower/heirloom/internal/server"
	"github.com/lazypower/heirloom/internal/store"
)

// resetFlags restores every flag to its default; cobra keeps parsed values
// on the package-level commands between executions.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func setupCLI(t *testing.T) {
	t.Helper()
	resetFlags(rootCmd)
	dir := t.TempDir()
	t.Setenv("HEIRLOOM_DATABASE_PATH", filepath.Join(dir, "heirloom.db"))
	t.Setenv("HEIRLOOM_REMOTE_URL", "")
	t.Setenv("HEIRLOOM_IDENTITY", "owner-1")
	t.Setenv("HEIRLOOM_LOG_LEVEL", "error")
	configPath = filepath.Join(dir, "config.yaml")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(append(args, "--config", configPath))
	err := rootCmd.Execute()
	return buf.String(), err
}

func mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	out, err := execute(t, args...)
	require.NoError(t, err, out)
	return out
}

func firstField(t *testing.T, out string) string {
	t.Helper()
	fields := strings.Fields(out)
	require.NotEmpty(t, fields)
	return fields[0]
}

func TestVersion(t *testing.T) {
	setupCLI(t)
	out := mustExecute(t, "version")
	assert.Contains(t, out, "heirloom "+Version)
	assert.Contains(t, out, "commit:  "+Commit)

	out = mustExecute(t, "version", "--short")
	assert.Equal(t, Version+"\n", out)
}

func TestAddAndReleaseImmediateItem(t *testing.T) {
	setupCLI(t)

	out := mustExecute(t, "recipient", "add", "Ada", "--born", "2010-03-01")
	assert.Contains(t, out, "Ada")
	assert.Contains(t, out, "born 2010-03-01")
	rid := firstField(t, out)

	out = mustExecute(t, "item", "add", "--content", "letters/first.txt", "--to", rid, "--policy", "immediate")
	assert.Contains(t, out, "pending")

	out = mustExecute(t, "item", "list", "--role", "recipient", "--recipient", rid, "--scope", "both")
	assert.Empty(t, strings.TrimSpace(out))

	out = mustExecute(t, "tick")
	assert.Contains(t, out, "1 item released")

	out = mustExecute(t, "item", "list", "--role", "recipient", "--recipient", rid, "--scope", "both")
	assert.Contains(t, out, "letters/first.txt")
	assert.Contains(t, out, "released")

	out = mustExecute(t, "notifications", "--all=false")
	assert.Contains(t, out, "letters/first.txt")
}

func TestVaultItemPolicyChange(t *testing.T) {
	setupCLI(t)

	rid := firstField(t, mustExecute(t, "recipient", "add", "Ada"))
	out := mustExecute(t, "item", "add", "--content", "vault.txt", "--to", rid, "--policy", "vault")
	id := firstField(t, out)
	assert.Contains(t, out, "unscheduled")

	out = mustExecute(t, "item", "policy", id, "date:2001-01-01")
	assert.Contains(t, out, "date:2001-01-01")

	out = mustExecute(t, "item", "release", id)
	assert.Contains(t, out, "released")

	out = mustExecute(t, "item", "watch", id)
	assert.Contains(t, out, "watched")

	_, err := execute(t, "item", "policy", id, "vault")
	require.Error(t, err)
}

func TestReleaseWithoutRecipientsFails(t *testing.T) {
	setupCLI(t)
	id := firstField(t, mustExecute(t, "item", "add", "--content", "nobody.txt"))
	_, err := execute(t, "item", "release", id)
	require.Error(t, err)
}

func TestHeartbeatPolicyNeedsItemRecipient(t *testing.T) {
	setupCLI(t)
	ada := firstField(t, mustExecute(t, "recipient", "add", "Ada"))
	noor := firstField(t, mustExecute(t, "recipient", "add", "Noor"))

	_, err := execute(t, "item", "add", "--content", "hb.txt", "--to", ada, "--policy", "heartbeat:"+noor)
	require.ErrorIs(t, err, store.ErrInvalidPolicy)

	resetFlags(rootCmd)
	id := firstField(t, mustExecute(t, "item", "add", "--content", "hb.txt", "--to", ada, "--policy", "heartbeat:"+ada))
	_, err = execute(t, "item", "policy", id, "heartbeat:"+noor)
	require.ErrorIs(t, err, store.ErrInvalidPolicy)
}

func TestItemListRequiresRecipientForRecipientRole(t *testing.T) {
	setupCLI(t)
	_, err := execute(t, "item", "list", "--role", "recipient", "--recipient", "")
	require.Error(t, err)
}

func TestRejectsBadPolicy(t *testing.T) {
	setupCLI(t)
	_, err := execute(t, "item", "add", "--content", "x", "--policy", "someday")
	require.Error(t, err)
}

func TestHeartbeatsToggle(t *testing.T) {
	setupCLI(t)
	rid := firstField(t, mustExecute(t, "recipient", "add", "Grace", "--born", ""))

	out := mustExecute(t, "recipient", "heartbeats", rid, "--enable", "--disable=false", "--start", "2001-01-01")
	assert.Contains(t, out, "heartbeats on")

	out = mustExecute(t, "recipient", "heartbeats", rid, "--enable=false", "--disable")
	assert.Contains(t, out, "heartbeats off")

	_, err := execute(t, "recipient", "heartbeats", rid, "--enable=false", "--disable=false")
	require.Error(t, err)
}

func TestSharingNeedsRemote(t *testing.T) {
	setupCLI(t)
	_, err := execute(t, "share", "create", "--permission", "read_only")
	require.ErrorIs(t, err, errOffline)

	_, err = execute(t, "share", "redeem", "ABCD2345")
	require.ErrorIs(t, err, errOffline)

	_, err = execute(t, "share", "create", "--permission", "admin")
	require.Error(t, err)
}

func TestGuardianOffline(t *testing.T) {
	setupCLI(t)

	out := mustExecute(t, "guardian", "status")
	assert.Contains(t, out, "phase disabled")

	out = mustExecute(t, "guardian", "enable", "--months", "3", "--weeks", "2")
	assert.Contains(t, out, "3 months inactive, 2 weeks grace")

	out = mustExecute(t, "guardian", "status")
	assert.Contains(t, out, "phase active")

	out = mustExecute(t, "guardian", "settings", "--months", "0", "--weeks", "5")
	assert.Contains(t, out, "1 months inactive, 5 weeks grace")

	_, err := execute(t, "guardian", "follow", "FLLW2345")
	require.ErrorIs(t, err, errOffline)

	mustExecute(t, "guardian", "disable")
	out = mustExecute(t, "guardian", "status")
	assert.Contains(t, out, "phase disabled")
}

func TestZonesListsPrivateZone(t *testing.T) {
	setupCLI(t)
	out := mustExecute(t, "share", "zones")
	assert.Contains(t, out, "owner-1/keepsakes")
	assert.Contains(t, out, "owner")
}

func TestGuardianSettingsReachRegistry(t *testing.T) {
	setupCLI(t)
	svc, err := cloud.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	ts := httptest.NewServer(server.New(svc, svc, metrics.New(), zerolog.Nop(), "test"))
	t.Cleanup(ts.Close)
	t.Setenv("HEIRLOOM_REMOTE_URL", ts.URL)

	out := mustExecute(t, "guardian", "enable", "--months", "3", "--weeks", "2")
	_, rest, found := strings.Cut(out, "guardian code ")
	require.True(t, found, out)
	code := firstField(t, rest)

	client := remote.NewClient(ts.URL, "follower", 0)
	ctx := context.Background()
	rec, err := client.Guardian(ctx, code)
	require.NoError(t, err)
	assert.True(t, rec.Enabled)
	assert.Equal(t, 3, rec.InactivityThresholdMonths)

	resetFlags(rootCmd)
	mustExecute(t, "guardian", "settings", "--months", "9", "--weeks", "5")
	rec, err = client.Guardian(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, 9, rec.InactivityThresholdMonths)
	assert.Equal(t, 5, rec.GracePeriodWeeks)

	resetFlags(rootCmd)
	mustExecute(t, "guardian", "disable")
	rec, err = client.Guardian(ctx, code)
	require.NoError(t, err)
	assert.False(t, rec.Enabled, "followers see the owner's disable")

	resetFlags(rootCmd)
	out = mustExecute(t, "guardian", "enable")
	assert.Contains(t, out, "guardian code "+code)
	rec, err = client.Guardian(ctx, code)
	require.NoError(t, err)
	assert.True(t, rec.Enabled)
	assert.Equal(t, 9, rec.InactivityThresholdMonths)
}

func TestGuardianSettingsWarnWhenOffline(t *testing.T) {
	setupCLI(t)
	mustExecute(t, "guardian", "enable")

	// A code registered earlier while the remote was configured.
	db, err := store.Open(os.Getenv("HEIRLOOM_DATABASE_PATH"))
	require.NoError(t, err)
	require.NoError(t, guardian.SetOwnCode(context.Background(), db, "OWNR2345"))
	require.NoError(t, db.Close())

	out := mustExecute(t, "guardian", "disable")
	assert.Contains(t, out, "offline, guardian code OWNR2345 keeps its previous settings")
}
