package source

import (
	"context"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/prospect-sync/internal/config"
	"github.com/sells-group/prospect-sync/internal/model"
)

// Downloader fetches a remote feed file.
type Downloader interface {
	Download(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// Fetchers holds the remote transports. Nil fields reject their scheme.
type Fetchers struct {
	HTTP Downloader
	FTP  Downloader
}

// DefaultFetchers returns HTTP and FTP fetchers with default options.
func DefaultFetchers() Fetchers {
	return Fetchers{
		HTTP: NewHTTPFetcher(HTTPOptions{}),
		FTP:  NewFTPFetcher(FTPOptions{}),
	}
}

// FeedAdapter reads one source's feed file from a path or URL.
type FeedAdapter struct {
	src      model.Source
	location string
	format   Format
	sheet    string
	fetchers Fetchers
	now      func() time.Time
}

// NewFeedAdapter validates cfg and builds the adapter.
func NewFeedAdapter(src model.Source, cfg config.FeedConfig, fetchers Fetchers) (*FeedAdapter, error) {
	if cfg.Location == "" {
		return nil, eris.Errorf("source: %s feed has no location", src)
	}
	format, err := ParseFormat(cfg.Format, cfg.Location)
	if err != nil {
		return nil, eris.Wrapf(err, "source: %s feed", src)
	}
	if cfg.RateLimit > 0 {
		if hf, ok := fetchers.HTTP.(*HTTPFetcher); ok {
			if u, err := url.Parse(cfg.Location); err == nil && u.Host != "" {
				hf.SetHostRate(u.Host, rate.Limit(cfg.RateLimit))
			}
		}
	}
	return &FeedAdapter{
		src:      src,
		location: cfg.Location,
		format:   format,
		sheet:    cfg.Sheet,
		fetchers: fetchers,
		now:      time.Now,
	}, nil
}

func (a *FeedAdapter) Source() model.Source { return a.src }

// Produce reads the whole feed and stamps every non-empty row as a staging
// record of extractionID.
func (a *FeedAdapter) Produce(ctx context.Context, extractionID string) ([]model.StagingRecord, error) {
	log := zap.L().With(
		zap.String("component", "source"),
		zap.String("source", string(a.src)),
		zap.String("extraction_id", extractionID),
	)
	start := time.Now()

	payloads, err := a.read(ctx)
	if err != nil {
		return nil, eris.Wrapf(err, "source: %s", a.src)
	}
	recs, err := buildRecords(a.src, extractionID, payloads, a.now().UTC())
	if err != nil {
		return nil, err
	}
	log.Info("feed read",
		zap.String("format", string(a.format)),
		zap.Int("records", len(recs)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return recs, nil
}

func (a *FeedAdapter) read(ctx context.Context) ([]map[string]any, error) {
	if a.format == FormatXLSX {
		path, cleanup, err := a.localPath(ctx)
		if err != nil {
			return nil, err
		}
		defer cleanup()
		return DecodeXLSX(path, a.sheet)
	}

	rc, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck

	switch a.format {
	case FormatCSV:
		return DecodeCSV(ctx, rc)
	case FormatJSON:
		return DecodeJSON(ctx, rc)
	case FormatJSONLines:
		return DecodeJSONLines(ctx, rc)
	default:
		return nil, eris.Errorf("source: unsupported format %q", a.format)
	}
}

func (a *FeedAdapter) open(ctx context.Context) (io.ReadCloser, error) {
	scheme, path := splitLocation(a.location)
	switch scheme {
	case "http", "https":
		if a.fetchers.HTTP == nil {
			return nil, eris.Errorf("source: no http fetcher for %s", a.location)
		}
		return a.fetchers.HTTP.Download(ctx, a.location)
	case "ftp":
		if a.fetchers.FTP == nil {
			return nil, eris.Errorf("source: no ftp fetcher for %s", a.location)
		}
		return a.fetchers.FTP.Download(ctx, a.location)
	case "", "file":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "source: open %s", path)
		}
		return f, nil
	default:
		return nil, eris.Errorf("source: unsupported scheme %q", scheme)
	}
}

// localPath returns a file path for the feed, downloading remote feeds to a
// temp file first. The spreadsheet reader needs random access.
func (a *FeedAdapter) localPath(ctx context.Context) (string, func(), error) {
	scheme, path := splitLocation(a.location)
	if scheme == "" || scheme == "file" {
		return path, func() {}, nil
	}

	rc, err := a.open(ctx)
	if err != nil {
		return "", nil, err
	}
	defer rc.Close() //nolint:errcheck

	tmp, err := os.CreateTemp("", "prospect-feed-*.xlsx")
	if err != nil {
		return "", nil, eris.Wrap(err, "source: create temp file")
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }
	if _, err := io.Copy(tmp, rc); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", nil, eris.Wrap(err, "source: write temp file")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", nil, eris.Wrap(err, "source: close temp file")
	}
	return tmp.Name(), cleanup, nil
}

func splitLocation(loc string) (scheme, path string) {
	i := strings.Index(loc, "://")
	if i < 0 {
		return "", loc
	}
	scheme = strings.ToLower(loc[:i])
	if scheme == "file" {
		return scheme, loc[i+3:]
	}
	return scheme, loc
}

// FromConfig builds one feed adapter per configured source, ordered by
// source name.
func FromConfig(feeds map[string]config.FeedConfig, fetchers Fetchers) ([]Adapter, error) {
	names := make([]string, 0, len(feeds))
	for name := range feeds {
		names = append(names, name)
	}
	sort.Strings(names)

	adapters := make([]Adapter, 0, len(names))
	for _, name := range names {
		src, err := model.ParseSource(name)
		if err != nil {
			return nil, eris.Wrapf(err, "source: feed %q", name)
		}
		a, err := NewFeedAdapter(src, feeds[name], fetchers)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	return adapters, nil
}
