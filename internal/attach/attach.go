// Package attach runs independent per-item operations concurrently and
// returns their results in input order.
package attach

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/switchyard/internal/chat"
	"github.com/nugget/switchyard/internal/httpkit"
)

// DefaultConcurrency bounds parallel operations per request.
const DefaultConcurrency = 4

// Map applies fn to every item concurrently. out[i] is fn(items[i])
// regardless of completion order. The first error cancels the remaining
// operations and is returned.
func Map[T, R any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, item T) (R, error)) ([]R, error) {
	out := make([]R, len(items))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, item := range items {
		g.Go(func() error {
			r, err := fn(gctx, item)
			if err != nil {
				return err
			}
			out[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Result pairs an item's value with its error for [Settle].
type Result[R any] struct {
	Value R
	Err   error
}

// Settle applies fn to every item concurrently and collects each
// outcome in input order. One failure does not cancel the others.
func Settle[T, R any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, item T) (R, error)) []Result[R] {
	out := make([]Result[R], len(items))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, item := range items {
		g.Go(func() error {
			v, err := fn(ctx, item)
			out[i] = Result[R]{Value: v, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// File is a downloaded attachment.
type File struct {
	Ref         chat.FileRef
	ContentType string
	Data        []byte
}

// Downloader fetches attachment bytes.
type Downloader struct {
	client   *http.Client
	maxBytes int64
}

// NewDownloader creates a downloader capping each file at maxBytes.
func NewDownloader(maxBytes int64) *Downloader {
	if maxBytes <= 0 {
		maxBytes = 25 * 1024 * 1024
	}
	return &Downloader{
		client:   httpkit.NewClient(httpkit.WithTimeout(2 * time.Minute)),
		maxBytes: maxBytes,
	}
}

// Download fetches one attachment.
func (d *Downloader) Download(ctx context.Context, ref chat.FileRef) (File, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return File{}, fmt.Errorf("attachment %s: %w", ref.Name, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return File{}, fmt.Errorf("attachment %s: %w", ref.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return File{}, fmt.Errorf("attachment %s: HTTP %d", ref.Name, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return File{}, fmt.Errorf("attachment %s: read: %w", ref.Name, err)
	}
	if int64(len(data)) > d.maxBytes {
		return File{}, fmt.Errorf("attachment %s: exceeds %d bytes", ref.Name, d.maxBytes)
	}
	return File{Ref: ref, ContentType: resp.Header.Get("Content-Type"), Data: data}, nil
}

// DownloadAll fetches attachments concurrently, preserving order.
func (d *Downloader) DownloadAll(ctx context.Context, refs []chat.FileRef) ([]File, error) {
	return Map(ctx, refs, DefaultConcurrency, d.Download)
}
