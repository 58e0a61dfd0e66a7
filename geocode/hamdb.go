package geocode

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"packetmap/model"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DefaultHamDBURL is the public hamdb.org API root.
	DefaultHamDBURL = "http://api.hamdb.org"
	defaultHamDBApp = "packetmap"
	notFoundValue   = "NOT_FOUND"
)

// HamDB looks calls up in the hamdb.org license database.
type HamDB struct {
	baseURL    string
	app        string
	userAgent  string
	httpClient *http.Client
}

// NewHamDB builds a hamdb provider. An empty baseURL uses DefaultHamDBURL.
func NewHamDB(baseURL string, timeout time.Duration, userAgent string) *HamDB {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultHamDBURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HamDB{
		baseURL:    strings.TrimRight(baseURL, "/"),
		app:        defaultHamDBApp,
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type hamdbResponse struct {
	HamDB struct {
		Callsign struct {
			Call string `json:"call"`
			Lat  string `json:"lat"`
			Lon  string `json:"lon"`
			Grid string `json:"grid"`
		} `json:"callsign"`
		Messages struct {
			Status string `json:"status"`
		} `json:"messages"`
	} `json:"hamdb"`
}

// Lookup implements Provider.
func (h *HamDB) Lookup(ctx context.Context, call string) (model.Location, error) {
	u := fmt.Sprintf("%s/%s/json/%s", h.baseURL, url.PathEscape(call), h.app)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return model.Location{}, fmt.Errorf("geocode: hamdb request: %w", err)
	}
	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return model.Location{}, fmt.Errorf("geocode: hamdb %s: %w", call, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return model.Location{}, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return model.Location{}, fmt.Errorf("geocode: hamdb %s: status %d: %s", call, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload hamdbResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return model.Location{}, fmt.Errorf("geocode: hamdb %s: decode: %w", call, err)
	}
	rec := payload.HamDB.Callsign
	if strings.EqualFold(payload.HamDB.Messages.Status, notFoundValue) ||
		rec.Lat == notFoundValue || rec.Lon == notFoundValue || rec.Grid == notFoundValue {
		return model.Location{}, ErrNotFound
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(rec.Lat), 64)
	if err != nil {
		return model.Location{}, fmt.Errorf("geocode: hamdb %s: bad lat %q", call, rec.Lat)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(rec.Lon), 64)
	if err != nil {
		return model.Location{}, fmt.Errorf("geocode: hamdb %s: bad lon %q", call, rec.Lon)
	}
	grid := strings.TrimSpace(rec.Grid)
	if grid == "" {
		grid, _ = Grid6FromLatLon(lat, lon)
	}
	return model.Location{Lat: lat, Lon: lon, Grid: grid}, nil
}
