package migrate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vltx-lol/vltx/internal/config"
)

type recordingMigrator struct {
	name string
	log  *[]string
	err  error
}

func (m *recordingMigrator) Name() string { return m.name }

func (m *recordingMigrator) Migrate(context.Context) error {
	*m.log = append(*m.log, m.name)
	return m.err
}

func withConfig(kind string, atStart bool) context.Context {
	cfg := config.DefaultConfig()
	cfg.DatastoreType = kind
	cfg.DatastoreMigrateAtStart = atStart
	return config.WithContext(context.Background(), &cfg)
}

func TestRunAll_OnlyConfiguredKindInOrder(t *testing.T) {
	var ran []string
	Register(Plugin{Order: 20, Kind: "test-a", Migrator: &recordingMigrator{name: "a-late", log: &ran}})
	Register(Plugin{Order: 10, Kind: "test-a", Migrator: &recordingMigrator{name: "a-early", log: &ran}})
	Register(Plugin{Order: 0, Kind: "test-b", Migrator: &recordingMigrator{name: "b", log: &ran}})

	require.NoError(t, RunAll(withConfig("test-a", true)))
	require.Equal(t, []string{"a-early", "a-late"}, ran)
}

func TestRunAll_DisabledRunsNothing(t *testing.T) {
	var ran []string
	Register(Plugin{Kind: "test-c", Migrator: &recordingMigrator{name: "c", log: &ran}})

	require.NoError(t, RunAll(withConfig("test-c", false)))
	require.NoError(t, RunAll(context.Background()))
	require.Empty(t, ran)
}

func TestRunAll_StopsAtFirstFailure(t *testing.T) {
	var ran []string
	boom := errors.New("boom")
	Register(Plugin{Order: 1, Kind: "test-d", Migrator: &recordingMigrator{name: "d1", log: &ran, err: boom}})
	Register(Plugin{Order: 2, Kind: "test-d", Migrator: &recordingMigrator{name: "d2", log: &ran}})

	err := RunAll(withConfig("test-d", true))
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "migration d1 failed")
	require.Equal(t, []string{"d1"}, ran)
}
