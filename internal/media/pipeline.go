// Package media turns an uploaded photo into a stored, linked cat image.
//
// PIPELINE STAGES:
//
//	received → authorized → validated → stored → linked
//
//  1. received:   read at most MaxBytes+1 bytes; more than MaxBytes is TooLarge
//  2. authorized: the guard's attachMedia rule (owner only)
//  3. validated:  Sniff checks magic bytes against the photo allow-list
//  4. stored:     record the key in media_objects, then write the bytes to
//                 the blob store, retrying transient failures with backoff
//  5. linked:     compare-and-set the cat's image key from the value we read
//                 to the new key; a lost race re-reads and tries again
//
// A failure at any stage leaves the cat pointing at its previous photo.
// The cat only ever points at a key whose bytes were fully written,
// because linking happens strictly after a successful Put. What can be
// left behind is an unlinked object, which the media_objects row makes
// visible to the housekeeper.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/sakif/kittygram/internal/apperror"
	"github.com/sakif/kittygram/internal/authz"
	"github.com/sakif/kittygram/internal/blob"
	"github.com/sakif/kittygram/internal/metrics"
	"github.com/sakif/kittygram/internal/model"
	"github.com/sakif/kittygram/internal/repository"
)

// DefaultMaxBytes is the upload limit when none is configured (5 MiB).
const DefaultMaxBytes int64 = 5 << 20

// maxLinkAttempts bounds the compare-and-set loop under contention.
const maxLinkAttempts = 3

// Upload is one incoming photo. DeclaredSize is -1 when unknown.
type Upload struct {
	OwnerID      string
	CatID        string
	Body         io.Reader
	DeclaredType string
	DeclaredSize int64
}

// Result describes a linked photo.
type Result struct {
	Key         string
	PreviousKey string
	ContentType string
	Size        int64
}

type Config struct {
	MaxBytes     int64
	PutTimeout   time.Duration
	StoreTimeout time.Duration
	MaxRetries   uint64
	RetryBase    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.PutTimeout <= 0 {
		c.PutTimeout = 30 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 100 * time.Millisecond
	}
	return c
}

type Pipeline struct {
	cats    repository.CatRepository
	objects repository.MediaRepository
	blobs   blob.Store
	guard   *authz.Guard
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewPipeline(
	cats repository.CatRepository,
	objects repository.MediaRepository,
	blobs blob.Store,
	guard *authz.Guard,
	cfg Config,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		cats:    cats,
		objects: objects,
		blobs:   blobs,
		guard:   guard,
		cfg:     cfg.withDefaults(),
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

func (p *Pipeline) MaxBytes() int64 { return p.cfg.MaxBytes }

// Ingest runs an upload through every stage and returns the linked key.
func (p *Pipeline) Ingest(ctx context.Context, up Upload) (*Result, error) {
	res, err := p.ingest(ctx, up)
	switch {
	case err == nil:
		p.metrics.IncIngest(metrics.OutcomeSuccess)
		p.metrics.ObserveIngestBytes(res.Size)
	case errors.Is(err, apperror.ErrStorage), errors.Is(err, apperror.ErrConflict):
		p.metrics.IncIngest(metrics.OutcomeError)
	default:
		p.metrics.IncIngest(metrics.OutcomeRejected)
	}
	return res, err
}

func (p *Pipeline) ingest(ctx context.Context, up Upload) (*Result, error) {
	// received
	data, err := p.receive(up)
	if err != nil {
		return nil, err
	}

	// authorized
	if err := p.guard.Authorize(ctx, up.OwnerID, up.CatID, authz.ActionAttachMedia); err != nil {
		return nil, err
	}

	// validated
	contentType, ext, err := Sniff(data, up.DeclaredType)
	if err != nil {
		return nil, err
	}

	// stored
	obj := &model.MediaObject{
		Key:         NewKey(p.now(), ext),
		OwnerID:     up.OwnerID,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
		CreatedAt:   p.now().UTC(),
	}
	if err := p.store(ctx, obj, data); err != nil {
		return nil, err
	}

	// linked
	previous, err := p.link(ctx, up, obj.Key)
	if err != nil {
		// A storage error from the swap may hide a commit whose reply was
		// lost, so the cat could already point at key. Only a definite
		// refusal lets us drop the object now; otherwise the housekeeper
		// decides once it can see whether a cat references it.
		if !errors.Is(err, apperror.ErrStorage) {
			p.discard(ctx, obj.Key)
		}
		return nil, err
	}

	p.logger.Info("cat photo linked",
		slog.String("cat", up.CatID),
		slog.String("owner", up.OwnerID),
		slog.String("key", obj.Key),
		slog.String("previous", previous),
		slog.String("contentType", contentType),
		slog.Int64("bytes", obj.SizeBytes),
	)
	return &Result{
		Key:         obj.Key,
		PreviousKey: previous,
		ContentType: contentType,
		Size:        obj.SizeBytes,
	}, nil
}

// receive buffers the body, reading one byte past the limit so "exactly
// the limit" and "over the limit" can be told apart.
func (p *Pipeline) receive(up Upload) ([]byte, error) {
	if up.DeclaredSize > p.cfg.MaxBytes {
		return nil, apperror.TooLarge(p.cfg.MaxBytes)
	}
	if up.Body == nil {
		return nil, apperror.ValidationFailed("image", "image is required")
	}

	var buf bytes.Buffer
	if up.DeclaredSize > 0 {
		buf.Grow(int(up.DeclaredSize))
	}
	_, err := buf.ReadFrom(io.LimitReader(up.Body, p.cfg.MaxBytes+1))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, apperror.TooLarge(p.cfg.MaxBytes)
		}
		return nil, apperror.ValidationFailed("image", "could not read the uploaded image")
	}
	if int64(buf.Len()) > p.cfg.MaxBytes {
		return nil, apperror.TooLarge(p.cfg.MaxBytes)
	}
	if buf.Len() == 0 {
		return nil, apperror.ValidationFailed("image", "image is empty")
	}
	return buf.Bytes(), nil
}

// store records the key first so that even a Put that times out but
// completes later leaves a row the housekeeper can find.
func (p *Pipeline) store(ctx context.Context, obj *model.MediaObject, data []byte) error {
	recordCtx, cancel := p.bound(ctx, p.cfg.StoreTimeout)
	err := p.objects.Record(recordCtx, obj)
	cancel()
	if err != nil {
		return p.storageErr("recording photo", err)
	}

	backoff := retry.WithMaxRetries(p.cfg.MaxRetries, retry.NewExponential(p.cfg.RetryBase))
	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		putCtx, cancel := p.bound(ctx, p.cfg.PutTimeout)
		defer cancel()

		err := p.blobs.Put(putCtx, obj.Key, bytes.NewReader(data), obj.SizeBytes, obj.ContentType)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		p.logger.Warn("photo write failed",
			slog.String("key", obj.Key),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		return retry.RetryableError(err)
	})
	if err != nil {
		return p.storageErr("storing photo", err)
	}
	return nil
}

// link swings the cat's image key to key. It re-reads the cat on every
// attempt, so the expected old key is always one the store actually held.
func (p *Pipeline) link(ctx context.Context, up Upload, key string) (string, error) {
	for range maxLinkAttempts {
		readCtx, cancel := p.bound(ctx, p.cfg.StoreTimeout)
		cat, err := p.cats.GetByID(readCtx, up.CatID)
		cancel()
		if err != nil {
			return "", p.storageErr("reading cat", err)
		}
		if cat.OwnerID != up.OwnerID {
			return "", apperror.Forbidden("only the owner can change this cat")
		}

		swapCtx, cancel := p.bound(ctx, p.cfg.StoreTimeout)
		err = p.cats.SwapImage(swapCtx, up.CatID, up.OwnerID, cat.ImageKey, key)
		cancel()
		switch {
		case err == nil:
			return cat.ImageKey, nil
		case errors.Is(err, repository.ErrPreconditionFailed):
			p.logger.Debug("photo link lost a race, retrying", slog.String("cat", up.CatID))
			continue
		default:
			return "", p.storageErr("linking photo", err)
		}
	}
	return "", apperror.Conflict("cat photo", up.CatID)
}

// discard removes an object that is known to be unlinked right away
// instead of waiting for the housekeeper. It runs detached from ctx, which may be
// the reason the link failed. Errors are only logged; the row stays and
// the housekeeper retries later.
func (p *Pipeline) discard(ctx context.Context, key string) {
	ctx, cancel := p.bound(context.WithoutCancel(ctx), p.cfg.PutTimeout)
	defer cancel()
	if err := p.blobs.Delete(ctx, key); err != nil {
		p.logger.Warn("discarding unlinked photo failed", slog.String("key", key), slog.String("error", err.Error()))
		return
	}
	if err := p.objects.Delete(ctx, key); err != nil {
		p.logger.Warn("forgetting unlinked photo failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

func (p *Pipeline) storageErr(op string, err error) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return err
	}
	p.logger.Error("media pipeline failed", slog.String("op", op), slog.String("error", err.Error()))
	return apperror.Storage(op, fmt.Errorf("media: %w", err))
}

func (p *Pipeline) bound(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
