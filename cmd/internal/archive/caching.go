package archive

import (
	"context"
	"errors"
	"log/slog"

	"deskwire/cmd/internal/realtime"
)

// CachingFetcher reads history from a remote source and writes every page it
// receives through to a local Store. Remote errors are returned unchanged;
// the cache never masks a failed fetch.
type CachingFetcher struct {
	remote realtime.HistoryFetcher
	local  Store
	log    *slog.Logger
}

// NewCachingFetcher wraps remote with a write-through cache in local.
func NewCachingFetcher(remote realtime.HistoryFetcher, local Store, log *slog.Logger) (*CachingFetcher, error) {
	if remote == nil {
		return nil, errors.New("archive: nil remote fetcher")
	}
	if local == nil {
		return nil, ErrNilStore
	}
	if log == nil {
		log = slog.Default()
	}
	return &CachingFetcher{remote: remote, local: local, log: log}, nil
}

// FetchHistory implements realtime.HistoryFetcher.
func (f *CachingFetcher) FetchHistory(ctx context.Context, q realtime.HistoryQuery) (realtime.HistoryPage, error) {
	page, err := f.remote.FetchHistory(ctx, q)
	if err != nil {
		return page, err
	}
	if len(page.Messages) == 0 {
		return page, nil
	}
	if perr := f.local.Put(ctx, page.Messages); perr != nil {
		f.log.Warn("archive.cache.put.fail",
			"channel_id", q.ChannelID,
			"count", len(page.Messages),
			"err", perr,
		)
	}
	return page, nil
}

// Cached serves q from the local store only.
func (f *CachingFetcher) Cached(ctx context.Context, q realtime.HistoryQuery) (realtime.HistoryPage, error) {
	return f.local.FetchHistory(ctx, q)
}
