package fetch

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"etmapd/pkg/config"
	"etmapd/pkg/layout"
	"etmapd/pkg/model"
)

// PrismFetcher downloads daily gridded climate rasters. The provider
// hands out either a bare raster or a ZIP archive wrapping one, both
// are accepted.
type PrismFetcher struct {
	cfg    config.PrismConfig
	client *Client
	cache  *layout.Cache
	log    *slog.Logger
}

// NewPrismFetcher creates the gridded-climate fetcher.
func NewPrismFetcher(cfg config.PrismConfig, client *Client, cache *layout.Cache) *PrismFetcher {
	return &PrismFetcher{
		cfg:    cfg,
		client: client,
		cache:  cache,
		log:    slog.Default().With("fetcher", model.DatasetPrism),
	}
}

func (f *PrismFetcher) Name() string {
	return model.DatasetPrism
}

// Fetch downloads every configured variable for every day of the
// range. A failed variable is recorded and the rest continue.
func (f *PrismFetcher) Fetch(ctx context.Context, req *Request) error {
	var errs *multierror.Error

	for _, day := range model.DaysBetween(req.DateFrom, req.DateTo) {
		for _, variable := range f.cfg.Variables {
			if err := f.fetchVariable(ctx, variable, day); err != nil {
				if KindOf(err) == KindAuth || KindOf(err) == KindConfig {
					return err
				}
				if KindOf(err) == KindFormat || KindOf(err) == KindNotFound {
					f.log.Warn("skipping variable", "variable", variable,
						"day", day.Format(model.DateLayout), "error", err)
					continue
				}
				errs = multierror.Append(errs,
					fmt.Errorf("%s %s: %w", variable, day.Format(model.DateLayout), err))
			}
		}
	}

	return errs.ErrorOrNil()
}

// fetchVariable downloads one day/variable pair to its canonical path.
func (f *PrismFetcher) fetchVariable(ctx context.Context, variable string, day time.Time) error {
	dest := f.cache.PrismFile(variable, day)
	if _, err := os.Stat(dest); err == nil {
		f.client.recorder.FetchUnit(model.DatasetPrism, "cached")
		return nil
	}

	u := fmt.Sprintf(f.cfg.BaseURL, variable, day.Format("20060102"))
	body, err := f.client.GetBytes(ctx, model.DatasetPrism, u, nil)
	if err != nil {
		f.client.recorder.FetchUnit(model.DatasetPrism, "failed")
		return err
	}

	raster, err := extractRaster(body)
	if err != nil {
		f.client.recorder.FetchUnit(model.DatasetPrism, "failed")
		return err
	}

	if err := writeAtomic(dest, raster); err != nil {
		return newError(KindConfig, "writing raster", err)
	}
	f.client.recorder.FetchUnit(model.DatasetPrism, "downloaded")
	return nil
}

// extractRaster returns the raster payload, unwrapping a ZIP archive
// when the magic bytes say so.
func extractRaster(body []byte) ([]byte, error) {
	if !bytes.HasPrefix(body, []byte("PK\x03\x04")) {
		return body, nil
	}

	r, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, newError(KindFormat, "opening zip payload", err)
	}

	for _, zf := range r.File {
		ext := strings.ToLower(filepath.Ext(zf.Name))
		if ext != ".tif" && ext != ".bil" {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, newError(KindFormat, "opening zip entry "+zf.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, newError(KindFormat, "reading zip entry "+zf.Name, err)
		}
		return data, nil
	}
	return nil, newError(KindFormat, "zip payload holds no raster", nil)
}

// writeAtomic streams data next to dest and renames it into place.
func writeAtomic(dest string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp := dest + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
