package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vltx-lol/vltx/internal/config"
	"github.com/vltx-lol/vltx/internal/model"
	registrymedia "github.com/vltx-lol/vltx/internal/registry/media"
)

func newTestRelay(t *testing.T, media *fakeMedia, mutate func(*config.Config)) *UploadRelay {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	return NewUploadRelay(media, DefaultPolicies(&cfg))
}

func TestUploadRelay_Avatar(t *testing.T) {
	media := newFakeMedia()
	relay := newTestRelay(t, media, nil)
	payload := bytes.Repeat([]byte{0x89}, 100_000)

	res, err := relay.Relay(context.Background(), model.PurposeAvatar, bytes.NewReader(payload), "Image/PNG", "Me.PNG")
	require.NoError(t, err)
	require.Empty(t, res.Name)
	require.True(t, strings.HasPrefix(res.URL, "https://cdn.test/vltx/avatars/"), res.URL)
	require.True(t, strings.HasSuffix(res.URL, ".png"), res.URL)

	require.Len(t, media.objects, 1)
	for key, data := range media.objects {
		require.Equal(t, payload, data)
		opts := media.opts[key]
		require.Equal(t, "image/png", opts.ContentType)
		require.Equal(t, AvatarTransformation, opts.Metadata["transformation"])
		require.Equal(t, "avatar", opts.Metadata["purpose"])
	}
}

func TestUploadRelay_BackgroundHasNoTransformation(t *testing.T) {
	media := newFakeMedia()
	relay := newTestRelay(t, media, func(c *config.Config) { c.MediaPrefix = "/site/" })

	res, err := relay.Relay(context.Background(), model.PurposeBackground, strings.NewReader("gif"), "image/gif", "")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(res.URL, "https://cdn.test/site/backgrounds/"), res.URL)
	require.True(t, strings.HasSuffix(res.URL, ".gif"), res.URL)
	for key := range media.objects {
		require.NotContains(t, media.opts[key].Metadata, "transformation")
	}
}

func TestUploadRelay_AudioReturnsName(t *testing.T) {
	media := newFakeMedia()
	relay := newTestRelay(t, media, nil)

	res, err := relay.Relay(context.Background(), model.PurposeAudio, strings.NewReader("ID3"), "audio/mpeg", `C:\music\My Song.final.MP3`)
	require.NoError(t, err)
	require.Equal(t, "My Song.final", res.Name)
	require.True(t, strings.HasPrefix(res.URL, "https://cdn.test/vltx/music/"), res.URL)
	require.True(t, strings.HasSuffix(res.URL, ".mp3"), res.URL)

	res, err = relay.Relay(context.Background(), model.PurposeAudio, strings.NewReader("mp4"), "video/mp4", "clip")
	require.NoError(t, err)
	require.Equal(t, "clip", res.Name)
	require.True(t, strings.HasSuffix(res.URL, ".mp4"), res.URL)
}

func TestUploadRelay_RejectsTypeBeforeUpstream(t *testing.T) {
	media := newFakeMedia()
	relay := newTestRelay(t, media, nil)

	cases := []struct {
		purpose model.Purpose
		mime    string
	}{
		{model.PurposeAvatar, "text/plain"},
		{model.PurposeAvatar, "audio/mpeg"},
		{model.PurposeBackground, "video/mp4"},
		{model.PurposeAudio, "image/png"},
		{model.PurposeAudio, ""},
		{model.Purpose("banner"), "image/png"},
	}
	for _, tc := range cases {
		_, err := relay.Relay(context.Background(), tc.purpose, strings.NewReader("x"), tc.mime, "f")
		var invalid *registrymedia.InvalidFileTypeError
		require.ErrorAs(t, err, &invalid, "%s %s", tc.purpose, tc.mime)
	}
	require.Zero(t, media.putCount())
}

func TestUploadRelay_MimeParametersAreIgnored(t *testing.T) {
	media := newFakeMedia()
	relay := newTestRelay(t, media, nil)

	_, err := relay.Relay(context.Background(), model.PurposeAudio, strings.NewReader("ogg"), "Audio/Ogg; codecs=opus", "a.ogg")
	require.NoError(t, err)
}

func TestUploadRelay_TooLarge(t *testing.T) {
	media := newFakeMedia()
	relay := newTestRelay(t, media, func(c *config.Config) { c.AvatarMaxSize = 64 * 1024 })

	_, err := relay.Relay(context.Background(), model.PurposeAvatar, bytes.NewReader(make([]byte, 200*1024)), "image/jpeg", "a.jpg")
	var tooLarge *registrymedia.TooLargeError
	require.ErrorAs(t, err, &tooLarge)
	require.Equal(t, int64(64*1024), tooLarge.Limit)
	require.Empty(t, media.objects)
}

func TestUploadRelay_ExactLimitIsAccepted(t *testing.T) {
	media := newFakeMedia()
	relay := newTestRelay(t, media, func(c *config.Config) { c.AvatarMaxSize = 1000 })

	_, err := relay.Relay(context.Background(), model.PurposeAvatar, bytes.NewReader(make([]byte, 1000)), "image/jpeg", "a.jpg")
	require.NoError(t, err)
}

func TestUploadRelay_UpstreamFailure(t *testing.T) {
	media := newFakeMedia()
	media.failAfter = 8192
	media.putErr = errors.New("bucket unavailable")
	relay := newTestRelay(t, media, nil)

	_, err := relay.Relay(context.Background(), model.PurposeBackground, bytes.NewReader(make([]byte, 1<<20)), "image/webp", "bg.webp")
	var failed *registrymedia.UploadFailedError
	require.ErrorAs(t, err, &failed)
	require.ErrorIs(t, err, media.putErr)
}

type failingReader struct {
	remaining int
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	n := min(len(p), r.remaining)
	r.remaining -= n
	return n, nil
}

func TestUploadRelay_ClientStreamError(t *testing.T) {
	media := newFakeMedia()
	relay := newTestRelay(t, media, nil)

	_, err := relay.Relay(context.Background(), model.PurposeAudio, &failingReader{remaining: 70_000}, "audio/wav", "a.wav")
	var streamErr *registrymedia.StreamError
	require.ErrorAs(t, err, &streamErr)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Empty(t, media.objects)
}

func TestUploadRelay_CancellationNeverSucceeds(t *testing.T) {
	media := newFakeMedia()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	media.onRead = func(n int64) {
		if n >= 4096 {
			cancel()
		}
	}
	relay := newTestRelay(t, media, nil)

	res, err := relay.Relay(ctx, model.PurposeAudio, bytes.NewReader(make([]byte, 4<<20)), "audio/flac", "a.flac")
	require.Nil(t, res)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, media.objects)
}

func TestNormalizeMimeType(t *testing.T) {
	require.Equal(t, "image/png", NormalizeMimeType("IMAGE/PNG"))
	require.Equal(t, "audio/ogg", NormalizeMimeType("audio/ogg; codecs=opus"))
	require.Equal(t, "audio/x-m4a", NormalizeMimeType(" audio/x-m4a ;"))
	require.Equal(t, "", NormalizeMimeType(""))
}
