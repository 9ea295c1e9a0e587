package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"etmapd/pkg/config"
	"etmapd/pkg/geometry"
	"etmapd/pkg/layout"
	"etmapd/pkg/model"
)

// stacItem is the slice of a catalog item the fetcher needs: the scene
// identifier and the per-band asset links.
type stacItem struct {
	ID     string               `json:"id"`
	Assets map[string]stacAsset `json:"assets"`
}

type stacAsset struct {
	Href string `json:"href"`
}

type stacResponse struct {
	Features []stacItem `json:"features"`
}

// LandsatFetcher downloads scene band rasters from a STAC catalog.
type LandsatFetcher struct {
	cfg    config.LandsatConfig
	client *Client
	cache  *layout.Cache
	log    *slog.Logger
}

// NewLandsatFetcher creates the scene-archive fetcher.
func NewLandsatFetcher(cfg config.LandsatConfig, client *Client, cache *layout.Cache) *LandsatFetcher {
	return &LandsatFetcher{
		cfg:    cfg,
		client: client,
		cache:  cache,
		log:    slog.Default().With("fetcher", model.DatasetLandsat),
	}
}

func (f *LandsatFetcher) Name() string {
	return model.DatasetLandsat
}

// Fetch searches the catalog for every day of the range and downloads
// the configured band assets of each hit. A day with no scenes inside
// the search window is skipped, the archive simply has nothing there.
func (f *LandsatFetcher) Fetch(ctx context.Context, req *Request) error {
	var errs *multierror.Error

	for _, day := range model.DaysBetween(req.DateFrom, req.DateTo) {
		items, offset, err := f.searchWindow(ctx, req.Geometry, day)
		if err != nil {
			if !Retryable(err) && KindOf(err) != KindFormat {
				return err
			}
			errs = multierror.Append(errs, fmt.Errorf("day %s: %w", day.Format(model.DateLayout), err))
			continue
		}
		if len(items) == 0 {
			f.log.Info("no scenes within search window", "day", day.Format(model.DateLayout),
				"window_days", f.cfg.SearchWindowDays)
			continue
		}

		sceneDate := day.AddDate(0, 0, offset)
		if offset != 0 {
			f.log.Info("using offset scene date", "requested", day.Format(model.DateLayout),
				"found", sceneDate.Format(model.DateLayout), "offset_days", offset)
		}

		if err := f.downloadItems(ctx, items, sceneDate); err != nil {
			if !Retryable(err) && KindOf(err) != KindFormat && KindOf(err) != KindNotFound {
				return err
			}
			errs = multierror.Append(errs, fmt.Errorf("day %s: %w", day.Format(model.DateLayout), err))
		}
	}

	return errs.ErrorOrNil()
}

// searchWindow looks for scenes on the target day, then walks outward
// by day offset +1, -1, +2, -2, ... until the window is exhausted. On
// equal distance the later date wins.
func (f *LandsatFetcher) searchWindow(ctx context.Context, geom orb.Geometry, day time.Time) ([]stacItem, int, error) {
	offsets := []int{0}
	for d := 1; d <= f.cfg.SearchWindowDays; d++ {
		offsets = append(offsets, d, -d)
	}

	for _, offset := range offsets {
		items, err := f.search(ctx, geom, day.AddDate(0, 0, offset))
		if err != nil {
			return nil, 0, err
		}
		if len(items) > 0 {
			return items, offset, nil
		}
	}
	return nil, 0, nil
}

// search queries the catalog for one calendar day.
func (f *LandsatFetcher) search(ctx context.Context, geom orb.Geometry, day time.Time) ([]stacItem, error) {
	payload := map[string]any{
		"collections": []string{f.cfg.Collection},
		"datetime": fmt.Sprintf("%sT00:00:00Z/%sT23:59:59Z",
			day.Format(model.DateLayout), day.Format(model.DateLayout)),
		"limit": 100,
	}
	if geom != nil && !geometry.IsEmpty(geom) {
		payload["intersects"] = geojson.NewGeometry(geom)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, newError(KindConfig, "encoding catalog query", err)
	}

	resp, err := f.client.PostJSON(ctx, model.DatasetLandsat, f.cfg.SearchURL, body)
	if err != nil {
		return nil, err
	}

	var result stacResponse
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, newError(KindFormat, "decoding catalog response", err)
	}
	return result.Features, nil
}

// downloadItems fetches every configured band of every item. Bands of
// one item download in parallel, the client's connection cap does the
// throttling.
func (f *LandsatFetcher) downloadItems(ctx context.Context, items []stacItem, sceneDate time.Time) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs *multierror.Error
	)
	appendErr := func(err error) {
		mu.Lock()
		errs = multierror.Append(errs, err)
		mu.Unlock()
	}

	for _, item := range items {
		for _, band := range f.cfg.Bands {
			asset, ok := item.Assets[band.Asset]
			if !ok {
				f.log.Warn("item missing band asset", "scene", item.ID, "asset", band.Asset)
				continue
			}
			dest := f.cache.LandsatScenePath(band.Name, item.ID, sceneDate)

			wg.Add(1)
			go func(href, dest, scene, bandName string) {
				defer wg.Done()
				signed, err := f.sign(ctx, href)
				if err != nil {
					appendErr(fmt.Errorf("scene %s band %s: %w", scene, bandName, err))
					return
				}
				if err := f.client.DownloadFile(ctx, model.DatasetLandsat, signed, dest); err != nil {
					appendErr(fmt.Errorf("scene %s band %s: %w", scene, bandName, err))
				}
			}(asset.Href, dest, item.ID, band.Name)
		}
	}
	wg.Wait()

	if errs == nil {
		return nil
	}
	// Surface the most severe classification so an auth failure on any
	// band aborts the fetcher.
	for _, err := range errs.Errors {
		if KindOf(err) == KindAuth || KindOf(err) == KindConfig {
			return err
		}
	}
	return errs.ErrorOrNil()
}

// sign exchanges an asset link for a pre-signed one when a signing
// service is configured. Anonymous signing needs no credentials.
func (f *LandsatFetcher) sign(ctx context.Context, href string) (string, error) {
	if f.cfg.SignURL == "" {
		return href, nil
	}

	u := f.cfg.SignURL + "?href=" + url.QueryEscape(href)
	body, err := f.client.GetBytes(ctx, model.DatasetLandsat, u, nil)
	if err != nil {
		return "", fmt.Errorf("signing asset link: %w", err)
	}

	var signed struct {
		Href string `json:"href"`
	}
	if err := json.Unmarshal(body, &signed); err != nil {
		return "", newError(KindFormat, "decoding signing response", err)
	}
	if signed.Href == "" {
		return "", newError(KindFormat, "signing response missing href", nil)
	}
	return signed.Href, nil
}
