package bdgd

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/geoenergia/bdgd/internal/gdb"
)

// Fetcher downloads dataset archives and unpacks the geodatabases inside
// them. Archives and extractions already on disk are reused, so an
// interrupted run picks up where it stopped.
type Fetcher struct {
	itemURL     string
	downloadDir string
	extractDir  string
	workers     int
	retry       RetryPolicy
	client      *http.Client
	logger      *slog.Logger
}

// NewFetcher returns a fetcher for the configured download and extraction
// directories. A nil client falls back to http.DefaultClient, a nil logger
// to slog.Default.
func NewFetcher(cfg Config, client *http.Client, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		itemURL:     cfg.ItemURL,
		downloadDir: cfg.DownloadDir,
		extractDir:  cfg.ExtractDir,
		workers:     cfg.FetchWorkers,
		retry:       cfg.Retry,
		client:      client,
		logger:      logger,
	}
}

// DatasetFailure records one catalog item that could not be fetched.
type DatasetFailure struct {
	Item CatalogItem
	Code string
	Err  error
}

// FetchResult is the outcome of fetching a batch of catalog items.
type FetchResult struct {
	// GDBPaths are the geodatabase directories found across all items,
	// deduplicated and sorted.
	GDBPaths []string

	// Failures lists items that could not be downloaded or extracted.
	// A failure of one item never aborts the others.
	Failures []DatasetFailure
}

// FetchAll downloads and extracts the given items, a bounded number at a
// time.
func (f *Fetcher) FetchAll(ctx context.Context, items []CatalogItem) (*FetchResult, error) {
	for _, dir := range []string{f.downloadDir, f.extractDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	var mu sync.Mutex
	result := &FetchResult{}
	seen := make(map[string]bool)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)
	for i, item := range items {
		g.Go(func() error {
			f.logger.Info("fetching dataset",
				"n", i+1, "total", len(items), "name", item.Name)

			paths, err := f.fetchOne(ctx, item)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				f.logger.Error("dataset failed",
					"name", item.Name, "code", ErrorCode(err), "error", err)
				result.Failures = append(result.Failures, DatasetFailure{
					Item: item, Code: ErrorCode(err), Err: err,
				})
				return nil
			}
			for _, p := range paths {
				if !seen[p] {
					seen[p] = true
					result.GDBPaths = append(result.GDBPaths, p)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(result.GDBPaths)
	f.logger.Info("fetch complete",
		"geodatabases", len(result.GDBPaths), "failures", len(result.Failures))
	return result, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, item CatalogItem) ([]string, error) {
	archive := filepath.Join(f.downloadDir, item.ArchiveName())

	if _, err := os.Stat(archive); err == nil {
		f.logger.Info("archive already downloaded", "archive", archive)
	} else {
		if err := f.download(ctx, item, archive); err != nil {
			return nil, err
		}
	}

	extractPath := filepath.Join(f.extractDir,
		strings.TrimSuffix(item.ArchiveName(), ".zip"))
	if _, err := os.Stat(extractPath); err != nil {
		f.logger.Info("extracting archive", "archive", archive)
		if err := extractZip(archive, extractPath); err != nil {
			// Remove the partial tree so a rerun extracts again.
			os.RemoveAll(extractPath)
			return nil, &ErrExtraction{Dataset: item.Name, Archive: archive, Err: err}
		}
	}

	paths, err := gdb.Discover(extractPath)
	if err != nil {
		return nil, &ErrExtraction{Dataset: item.Name, Archive: archive, Err: err}
	}
	if len(paths) == 0 {
		return nil, &ErrExtraction{
			Dataset: item.Name,
			Archive: archive,
			Err:     fmt.Errorf("no geodatabase in archive"),
		}
	}
	return paths, nil
}

// download streams the item's archive to path, writing through a temporary
// file so a crashed download is never mistaken for a complete archive.
func (f *Fetcher) download(ctx context.Context, item CatalogItem, path string) error {
	downloadURL := item.DownloadURL(f.itemURL)

	return f.retry.do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
		if err != nil {
			return &ErrDownload{Dataset: item.Name, URL: downloadURL, Err: err}
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return transient(&ErrDownload{Dataset: item.Name, URL: downloadURL, Err: err})
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			derr := &ErrDownload{
				Dataset: item.Name,
				URL:     downloadURL,
				Err:     fmt.Errorf("unexpected status %s", resp.Status),
			}
			if resp.StatusCode >= 500 {
				return transient(derr)
			}
			return derr
		}

		if resp.ContentLength > 0 {
			f.logger.Info("downloading",
				"name", item.Name,
				"size", humanize.Bytes(uint64(resp.ContentLength)))
		}

		tmp, err := os.CreateTemp(f.downloadDir, "download-*.zip")
		if err != nil {
			return &ErrDownload{Dataset: item.Name, URL: downloadURL, Err: err}
		}
		n, err := io.Copy(tmp, resp.Body)
		tmp.Close()
		if err != nil {
			os.Remove(tmp.Name())
			return transient(&ErrDownload{Dataset: item.Name, URL: downloadURL, Err: err})
		}
		if err := os.Rename(tmp.Name(), path); err != nil {
			os.Remove(tmp.Name())
			return &ErrDownload{Dataset: item.Name, URL: downloadURL, Err: err}
		}

		f.logger.Info("downloaded", "name", item.Name, "size", humanize.Bytes(uint64(n)))
		return nil
	})
}

// extractZip extracts a zip archive to the destination directory.
func extractZip(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, zf := range r.File {
		fpath := filepath.Join(destDir, zf.Name)

		// Reject entries that escape the destination directory.
		if !strings.HasPrefix(fpath, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("invalid file path: %s", fpath)
		}

		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(fpath, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(fpath), 0o755); err != nil {
			return err
		}

		out, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, zf.Mode())
		if err != nil {
			return err
		}
		rc, err := zf.Open()
		if err != nil {
			out.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		out.Close()
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
