package cli

import (
	"testing"
	"time"

	"github.com/majorcontext/metaproxy/internal/audit"
	"github.com/majorcontext/metaproxy/internal/config"
	"github.com/majorcontext/metaproxy/internal/gateway"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyServeFlags_OnlyChanged(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().StringVar(&serveFlags.listen, "listen", "", "")
	cmd.Flags().StringVar(&serveFlags.adminListen, "admin-listen", "", "")
	cmd.Flags().StringVar(&serveFlags.metadataURL, "metadata-url", "", "")
	cmd.Flags().StringVar(&serveFlags.region, "region", "", "")
	cmd.Flags().StringVar(&serveFlags.auditDB, "audit-db", "", "")
	cmd.Flags().BoolVar(&serveFlags.mock, "mock", false, "")
	require.NoError(t, cmd.Flags().Parse([]string{"--listen", "127.0.0.1:9000", "--admin-listen", "", "--mock"}))

	c := config.Default()
	applyServeFlags(cmd, c)

	assert.Equal(t, "127.0.0.1:9000", c.Listen)
	assert.Equal(t, "", c.AdminListen)
	assert.True(t, c.Mock)
	assert.Equal(t, config.Default().MetadataURL, c.MetadataURL)
	assert.Equal(t, config.Default().AWS.Region, c.AWS.Region)
}

func TestAuditSink(t *testing.T) {
	store, err := audit.OpenStore(t.TempDir() + "/audit.db")
	require.NoError(t, err)
	defer store.Close()

	w := audit.NewWriter(store, 16)
	sink := auditSink(w)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sink(gateway.RequestLog{
		Client:    "10.0.0.5",
		Time:      ts,
		Method:    "GET",
		Path:      "/latest/meta-data/iam/security-credentials/deploy-bot",
		Proto:     "HTTP/1.1",
		Status:    200,
		Kind:      gateway.KindCredentials,
		Container: "aaaaaaaaaaaa",
		Role:      "deploy-bot",
		Duration:  1500 * time.Microsecond,
	})
	w.Close()

	e, err := store.Get(audit.FirstSequence)
	require.NoError(t, err)
	assert.True(t, e.Timestamp.Equal(ts))
	assert.Equal(t, audit.Record{
		Client:     "10.0.0.5",
		Method:     "GET",
		Path:       "/latest/meta-data/iam/security-credentials/deploy-bot",
		Proto:      "HTTP/1.1",
		Status:     200,
		Kind:       "credentials",
		Container:  "aaaaaaaaaaaa",
		Role:       "deploy-bot",
		DurationMs: 1,
	}, e.Record)
}

func TestCacheBackoff(t *testing.T) {
	assert.Equal(t, time.Duration(-1), cacheBackoff(0), "zero disables")
	assert.Equal(t, 30*time.Second, cacheBackoff(30*time.Second))
}
