package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"market_sync_backend/models"
)

var vnLocation = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Ho_Chi_Minh")
	if err != nil {
		return time.FixedZone("ICT", 7*3600)
	}
	return loc
}()

type vndirectResponse struct {
	Data []vndirectPrice `json:"data"`
}

type vndirectPrice struct {
	Code     string  `json:"code"`
	Date     string  `json:"date"`
	Time     string  `json:"time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	NmVolume float64 `json:"nmVolume"`
}

func (p vndirectPrice) record() (models.Record, error) {
	layout, value := "2006-01-02", p.Date
	if p.Time != "" {
		layout, value = "2006-01-02 15:04:05", p.Date+" "+p.Time
	}
	ts, err := time.ParseInLocation(layout, value, vnLocation)
	if err != nil {
		return models.Record{}, fmt.Errorf("bad timestamp %q: %w", value, err)
	}
	return models.Record{
		Symbol:    p.Code,
		Timestamp: ts.UTC(),
		Open:      p.Open,
		High:      p.High,
		Low:       p.Low,
		Close:     p.Close,
		Volume:    int64(p.NmVolume),
		Source:    "vndirect",
	}, nil
}

// VNDirect polls the latest daily bar of each symbol from the VNDirect
// finfo price API.
type VNDirect struct {
	baseURL    string
	symbols    []string
	httpClient *http.Client
	log        *zap.Logger
}

func NewVNDirect(baseURL string, symbols []string, client *http.Client, log *zap.Logger) *VNDirect {
	return &VNDirect{baseURL: baseURL, symbols: symbols, httpClient: client, log: log}
}

func (v *VNDirect) Name() string { return "vndirect" }

// Fetch returns the bars it could get. It fails only when every symbol failed.
func (v *VNDirect) Fetch(ctx context.Context) ([]models.Record, error) {
	var (
		out  []models.Record
		errs []error
	)
	for _, sym := range v.symbols {
		r, err := v.fetchSymbol(ctx, sym)
		if err != nil {
			v.log.Warn("VNDirect fetch failed", zap.String("symbol", sym), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", sym, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if r != nil {
			out = append(out, *r)
		}
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (v *VNDirect) fetchSymbol(ctx context.Context, code string) (*models.Record, error) {
	url := fmt.Sprintf("%s?sort=date:desc&q=code:%s&size=1", v.baseURL, code)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", "https://www.vndirect.com.vn/")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	var result vndirectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, nil
	}
	r, err := result.Data[0].record()
	if err != nil {
		return nil, err
	}
	return &r, nil
}
