package miniostore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/require"
	"github.com/vltx-lol/vltx/internal/config"
	registrymedia "github.com/vltx-lol/vltx/internal/registry/media"
	"github.com/vltx-lol/vltx/internal/testutil/testminio"
)

func TestMinioMediaStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	endpoint := testminio.StartMinio(t)
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.MinioEndpoint = endpoint
	cfg.MinioAccessKey = testminio.AccessKey
	cfg.MinioSecretKey = testminio.SecretKey
	cfg.MinioBucket = "vltx-media"
	cfg.MinioUseSSL = false

	loaded, err := load(config.WithContext(ctx, &cfg))
	require.NoError(t, err)
	store := loaded.(*MinioMediaStore)

	// The bucket already exists the second time round.
	require.NoError(t, store.EnsureBucket(ctx))

	payload := bytes.Repeat([]byte{7}, 256*1024)
	locator, err := store.Put(ctx, "vltx/backgrounds/bg.webp", bytes.NewReader(payload), registrymedia.PutOptions{
		ContentType: "image/webp",
		Metadata:    map[string]string{"purpose": "background"},
	})
	require.NoError(t, err)
	require.Equal(t, "http://"+endpoint+"/vltx-media/vltx/backgrounds/bg.webp", locator)

	obj, err := store.client.GetObject(ctx, "vltx-media", "vltx/backgrounds/bg.webp", minio.GetObjectOptions{})
	require.NoError(t, err)
	data, err := io.ReadAll(obj)
	require.NoError(t, err)
	require.Equal(t, payload, data)
	info, err := obj.Stat()
	require.NoError(t, err)
	require.Equal(t, "image/webp", info.ContentType)
	_ = obj.Close()

	require.NoError(t, store.Delete(ctx, "vltx/backgrounds/bg.webp"))
	_, err = store.client.StatObject(ctx, "vltx-media", "vltx/backgrounds/bg.webp", minio.StatObjectOptions{})
	require.Error(t, err)
}

func TestLoad_RequiresEndpoint(t *testing.T) {
	cfg := config.DefaultConfig()
	_, err := load(config.WithContext(context.Background(), &cfg))
	require.ErrorContains(t, err, "VLTX_MINIO_ENDPOINT")
}
