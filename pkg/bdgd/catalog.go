package bdgd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// catalogPageSize is the page size of the dataset search endpoint. A page
// shorter than this marks the end of the result set.
const catalogPageSize = 100

// CatalogItem is one geodatabase dataset offered by the catalog.
type CatalogItem struct {
	ID    string
	Title string
	Name  string
	Tags  []string
	Size  int64
}

// DownloadURL returns the archive location for the item under the given
// content base URL.
func (i CatalogItem) DownloadURL(itemURL string) string {
	return strings.TrimSuffix(itemURL, "/") + "/" + i.ID + "/data"
}

// ArchiveName derives a filesystem-safe zip filename from the item's name.
func (i CatalogItem) ArchiveName() string {
	var b strings.Builder
	for _, r := range i.Name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == '.':
			b.WriteRune(r)
		}
	}
	name := b.String()
	if name == "" {
		name = i.ID
	}
	if !strings.HasSuffix(name, ".zip") {
		name += ".zip"
	}
	return name
}

// Catalog searches the dataset catalog for geodatabase items.
type Catalog struct {
	url    string
	client *http.Client
	retry  RetryPolicy
	logger *slog.Logger
}

// NewCatalog returns a catalog client for the configured search endpoint.
// A nil client falls back to http.DefaultClient, a nil logger to
// slog.Default.
func NewCatalog(cfg Config, client *http.Client, logger *slog.Logger) *Catalog {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		url:    cfg.CatalogURL,
		client: client,
		retry:  cfg.Retry,
		logger: logger,
	}
}

// catalogPage mirrors the search endpoint's response shape.
type catalogPage struct {
	Features []struct {
		ID         string `json:"id"`
		Properties struct {
			Title string   `json:"title"`
			Name  string   `json:"name"`
			Tags  []string `json:"tags"`
			Size  int64    `json:"size"`
		} `json:"properties"`
	} `json:"features"`
}

// Search pages through every File Geodatabase item in the catalog and
// returns those matching the filters.
//
// The company filter is matched case-insensitively against title, name,
// and tags together; the date filter against the name only, where BDGD
// items carry their reference date. max caps the result after filtering;
// zero means unlimited.
func (c *Catalog) Search(ctx context.Context, company, date string, max int) ([]CatalogItem, error) {
	company = strings.ToUpper(company)
	date = strings.ToUpper(date)

	c.logger.Info("searching catalog", "url", c.url,
		"company", company, "date", date)

	var items []CatalogItem
	var scanned int
	for start := 1; ; start += catalogPageSize {
		page, err := c.fetchPage(ctx, start)
		if err != nil {
			return nil, err
		}
		scanned += len(page.Features)

		for _, f := range page.Features {
			if f.ID == "" {
				continue
			}
			p := f.Properties
			if company != "" {
				haystack := strings.ToUpper(
					p.Title + " " + p.Name + " " + strings.Join(p.Tags, " "))
				if !strings.Contains(haystack, company) {
					continue
				}
			}
			if date != "" && !strings.Contains(strings.ToUpper(p.Name), date) {
				continue
			}
			items = append(items, CatalogItem{
				ID:    f.ID,
				Title: p.Title,
				Name:  p.Name,
				Tags:  p.Tags,
				Size:  p.Size,
			})
		}

		if len(page.Features) < catalogPageSize {
			break
		}
	}

	c.logger.Info("catalog search complete",
		"scanned", scanned, "matched", len(items))

	if max > 0 && len(items) > max {
		c.logger.Info("capping downloads", "max", max)
		items = items[:max]
	}
	return items, nil
}

func (c *Catalog) fetchPage(ctx context.Context, start int) (*catalogPage, error) {
	q := url.Values{}
	q.Set("type", "File Geodatabase")
	q.Set("limit", strconv.Itoa(catalogPageSize))
	q.Set("startindex", strconv.Itoa(start))
	pageURL := c.url + "?" + q.Encode()

	var page *catalogPage
	err := c.retry.do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return &ErrCatalogUnavailable{URL: pageURL, Err: err}
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return transient(&ErrCatalogUnavailable{URL: pageURL, Err: err})
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := &ErrCatalogUnavailable{
				URL: pageURL,
				Err: fmt.Errorf("unexpected status %s", resp.Status),
			}
			if resp.StatusCode >= 500 {
				return transient(err)
			}
			return err
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return transient(&ErrCatalogUnavailable{URL: pageURL, Err: err})
		}
		var p catalogPage
		if err := json.Unmarshal(body, &p); err != nil {
			return &ErrCatalogFormat{URL: pageURL, Err: err}
		}
		page = &p
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("catalog page", "startindex", start, "items", len(page.Features))
	return page, nil
}
