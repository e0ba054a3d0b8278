package service

import (
	"context"
	"errors"
	"io"
	"mime"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/vltx-lol/vltx/internal/config"
	"github.com/vltx-lol/vltx/internal/model"
	registrymedia "github.com/vltx-lol/vltx/internal/registry/media"
	"github.com/vltx-lol/vltx/internal/security"
)

const pumpChunkSize = 32 * 1024

var imageTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

var audioTypes = []string{
	"audio/mpeg", "audio/mp3", "audio/wav", "audio/x-wav", "audio/wave", "audio/ogg",
	"audio/aac", "audio/flac", "audio/mp4", "audio/x-m4a", "audio/webm",
	// Browsers report .mp4/.m4a audio files picked from disk as video/mp4.
	"video/mp4",
}

var mimeExtensions = map[string]string{
	"image/jpeg":  ".jpg",
	"image/png":   ".png",
	"image/gif":   ".gif",
	"image/webp":  ".webp",
	"audio/mpeg":  ".mp3",
	"audio/mp3":   ".mp3",
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
	"audio/wave":  ".wav",
	"audio/ogg":   ".ogg",
	"audio/aac":   ".aac",
	"audio/flac":  ".flac",
	"audio/mp4":   ".m4a",
	"audio/x-m4a": ".m4a",
	"audio/webm":  ".webm",
	"video/mp4":   ".mp4",
}

var extPattern = regexp.MustCompile(`^\.[a-z0-9]{1,8}$`)

// AvatarTransformation is the delivery transformation requested for avatars.
const AvatarTransformation = "c_fill,g_face,w_400,h_400"

// PurposePolicy is the acceptance policy of one upload purpose.
type PurposePolicy struct {
	Purpose        model.Purpose
	Namespace      string
	MaxSize        int64
	AllowedTypes   []string
	Transformation string
}

func (p PurposePolicy) allows(mimeType string) bool {
	for _, t := range p.AllowedTypes {
		if t == mimeType {
			return true
		}
	}
	return false
}

// DefaultPolicies builds the per-purpose policies from config.
func DefaultPolicies(cfg *config.Config) map[model.Purpose]PurposePolicy {
	prefix := cfg.ResolvedMediaPrefix()
	ns := func(name string) string {
		if prefix == "" {
			return name
		}
		return prefix + "/" + name
	}
	return map[model.Purpose]PurposePolicy{
		model.PurposeAvatar: {
			Purpose:        model.PurposeAvatar,
			Namespace:      ns("avatars"),
			MaxSize:        cfg.AvatarMaxSize,
			AllowedTypes:   imageTypes,
			Transformation: AvatarTransformation,
		},
		model.PurposeBackground: {
			Purpose:      model.PurposeBackground,
			Namespace:    ns("backgrounds"),
			MaxSize:      cfg.BackgroundMaxSize,
			AllowedTypes: imageTypes,
		},
		model.PurposeAudio: {
			Purpose:      model.PurposeAudio,
			Namespace:    ns("music"),
			MaxSize:      cfg.AudioMaxSize,
			AllowedTypes: audioTypes,
		},
	}
}

// UploadRelay streams client uploads to a media store.
type UploadRelay struct {
	store    registrymedia.MediaStore
	policies map[model.Purpose]PurposePolicy
}

// NewUploadRelay creates a relay writing to store.
func NewUploadRelay(store registrymedia.MediaStore, policies map[model.Purpose]PurposePolicy) *UploadRelay {
	return &UploadRelay{store: store, policies: policies}
}

// Relay validates the declared type and streams body to the media store
// without buffering it. The upload succeeds only if the whole stream was
// forwarded within the size limit and the store accepted it.
func (r *UploadRelay) Relay(ctx context.Context, purpose model.Purpose, body io.Reader, mimeType, filename string) (*model.UploadResult, error) {
	policy, ok := r.policies[purpose]
	contentType := NormalizeMimeType(mimeType)
	if !ok || !policy.allows(contentType) {
		security.RecordUpload(string(purpose), "rejected", 0)
		return nil, &registrymedia.InvalidFileTypeError{Purpose: string(purpose), MimeType: contentType}
	}

	key := policy.Namespace + "/" + uuid.NewString() + extension(filename, contentType)
	opts := registrymedia.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"purpose": string(purpose)},
	}
	if policy.Transformation != "" {
		opts.Metadata["transformation"] = policy.Transformation
	}

	pr, pw := io.Pipe()
	done := make(chan pumpResult, 1)
	go func() {
		done <- pump(ctx, body, pw, policy)
	}()

	locator, putErr := r.store.Put(ctx, key, pr, opts)
	// Unblock the pump if the store stopped reading early.
	_ = pr.CloseWithError(errRelayClosed)
	res := <-done

	outcome, err := r.settle(ctx, key, putErr, res)
	security.RecordUpload(string(purpose), outcome, res.n)
	if err != nil {
		log.Warn("Upload failed", "purpose", purpose, "key", key, "outcome", outcome, "err", err)
		return nil, err
	}
	log.Debug("Upload stored", "purpose", purpose, "key", key, "bytes", res.n)

	result := &model.UploadResult{URL: locator}
	if purpose == model.PurposeAudio {
		result.Name = displayName(filename)
	}
	return result, nil
}

var errRelayClosed = errors.New("upload relay closed")

type pumpResult struct {
	n        int64
	tooLarge *registrymedia.TooLargeError
	readErr  error
	writeErr error
}

// pump copies src into pw chunk by chunk, enforcing the size limit.
func pump(ctx context.Context, src io.Reader, pw *io.PipeWriter, policy PurposePolicy) pumpResult {
	var res pumpResult
	buf := make([]byte, pumpChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			_ = pw.CloseWithError(err)
			return res
		}
		n, err := src.Read(buf)
		if n > 0 {
			res.n += int64(n)
			if policy.MaxSize > 0 && res.n > policy.MaxSize {
				res.tooLarge = &registrymedia.TooLargeError{Purpose: string(policy.Purpose), Limit: policy.MaxSize}
				_ = pw.CloseWithError(res.tooLarge)
				return res
			}
			if _, werr := pw.Write(buf[:n]); werr != nil {
				res.writeErr = werr
				return res
			}
		}
		if errors.Is(err, io.EOF) {
			_ = pw.Close()
			return res
		}
		if err != nil {
			res.readErr = err
			_ = pw.CloseWithError(err)
			return res
		}
	}
}

// settle decides the upload outcome from both sides of the pipe.
func (r *UploadRelay) settle(ctx context.Context, key string, putErr error, res pumpResult) (string, error) {
	switch {
	case res.tooLarge != nil:
		if putErr == nil {
			r.discard(ctx, key)
		}
		return "too_large", res.tooLarge
	case ctx.Err() != nil:
		if putErr == nil {
			r.discard(ctx, key)
		}
		return "canceled", ctx.Err()
	case res.readErr != nil:
		if putErr == nil {
			r.discard(ctx, key)
		}
		return "stream_error", &registrymedia.StreamError{Err: res.readErr}
	case putErr != nil:
		return "failed", &registrymedia.UploadFailedError{Err: putErr}
	case res.writeErr != nil:
		r.discard(ctx, key)
		return "failed", &registrymedia.UploadFailedError{Err: res.writeErr}
	default:
		return "ok", nil
	}
}

// discard removes an object that was stored for an upload that did not succeed.
func (r *UploadRelay) discard(ctx context.Context, key string) {
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.store.Delete(delCtx, key); err != nil {
		log.Warn("Failed to discard partial upload", "key", key, "err", err)
	}
}

// NormalizeMimeType lowercases the type and strips parameters.
func NormalizeMimeType(v string) string {
	if mt, _, err := mime.ParseMediaType(v); err == nil {
		return mt
	}
	v, _, _ = strings.Cut(v, ";")
	return strings.ToLower(strings.TrimSpace(v))
}

func baseName(filename string) string {
	filename = strings.ReplaceAll(filename, `\`, "/")
	if strings.TrimSpace(filename) == "" {
		return ""
	}
	base := path.Base(filename)
	if base == "." || base == "/" {
		return ""
	}
	return base
}

func extension(filename, mimeType string) string {
	if ext := strings.ToLower(path.Ext(baseName(filename))); extPattern.MatchString(ext) {
		return ext
	}
	return mimeExtensions[mimeType]
}

// displayName is the original filename without directories or final extension.
func displayName(filename string) string {
	base := baseName(filename)
	return strings.TrimSuffix(base, path.Ext(base))
}
