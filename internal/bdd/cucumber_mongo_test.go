package bdd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cucumber/godog"
	"github.com/stretchr/testify/require"
	"github.com/vltx-lol/vltx/internal/cmd/serve"
	"github.com/vltx-lol/vltx/internal/config"
	gridfsplugin "github.com/vltx-lol/vltx/internal/plugin/media/gridfs"
	mongoplugin "github.com/vltx-lol/vltx/internal/plugin/store/mongo"
	"github.com/vltx-lol/vltx/internal/testutil/cucumber"
	"github.com/vltx-lol/vltx/internal/testutil/testmongo"
	"github.com/vltx-lol/vltx/internal/testutil/testredis"
)

func TestFeaturesMongo(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed features in short mode")
	}
	_ = mongoplugin.ForceImport
	_ = gridfsplugin.ForceImport

	mongoURL := testmongo.StartMongo(t)
	redisURL := testredis.StartRedis(t)
	dbName := testmongo.DatabaseName(t)

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "mongo"
	cfg.DBURL = mongoURL
	cfg.DBName = dbName
	cfg.CacheType = "redis"
	cfg.RedisURL = redisURL
	cfg.MediaType = "gridfs"
	cfg.MediaPublicBaseURL = "https://cdn.vltx.test"
	cfg.AvatarMaxSize = 64 * 1024
	cfg.Listener.Port = 0
	cfg.Listener.EnableTLS = false
	ctx := config.WithContext(context.Background(), &cfg)

	srv, err := serve.StartServer(ctx, &cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	runFeatures(t, fmt.Sprintf("http://localhost:%d", srv.Running.Port), &MongoTestDB{DBURL: mongoURL, DBName: dbName})
}

// runFeatures runs every feature file under testdata/features against apiURL.
func runFeatures(t *testing.T, apiURL string, db cucumber.TestDB) {
	t.Helper()

	featuresDir := filepath.Join("testdata", "features")
	if _, err := os.Stat(featuresDir); os.IsNotExist(err) {
		t.Skipf("Feature files directory not found: %s", featuresDir)
	}
	featureFiles, err := filepath.Glob(filepath.Join(featuresDir, "*.feature"))
	require.NoError(t, err)
	require.NotEmpty(t, featureFiles, "No feature files found")

	opts := cucumber.DefaultOptions()
	if testing.Verbose() {
		opts.Format = "pretty"
	}

	for _, featurePath := range featureFiles {
		name := strings.TrimSuffix(filepath.Base(featurePath), ".feature")
		t.Run(name, func(t *testing.T) {
			o := opts
			o.TestingT = t
			o.Paths = []string{featurePath}
			defer cucumber.ApplyReportOptions(&o, t.Name())()

			suite := cucumber.NewTestSuite(t, apiURL, db)

			status := godog.TestSuite{
				Name:                name,
				Options:             &o,
				ScenarioInitializer: suite.InitializeScenario,
			}.Run()
			if status != 0 {
				t.Fail()
			}
		})
	}
}
