package providers

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"market_sync_backend/models"
)

var seedPrices = map[string]float64{
	"PKN": 60.0,
	"PKO": 45.0,
	"PZU": 48.0,
	"KGH": 150.0,
	"CDR": 120.0,
}

// Synthetic is a random-walk feed for development and demos.
type Synthetic struct {
	symbols []string
	now     func() time.Time

	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]float64
}

func NewSynthetic(symbols []string, seed int64) *Synthetic {
	prices := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		p, ok := seedPrices[s]
		if !ok {
			p = 100
		}
		prices[s] = p
	}
	return &Synthetic{
		symbols: symbols,
		now:     time.Now,
		rng:     rand.New(rand.NewSource(seed)),
		prices:  prices,
	}
}

func (s *Synthetic) Name() string { return "synthetic" }

// Fetch emits one bar per symbol, opening at the previous close.
func (s *Synthetic) Fetch(ctx context.Context) ([]models.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now().UTC().Truncate(time.Second)
	out := make([]models.Record, 0, len(s.symbols))
	for _, sym := range s.symbols {
		open := s.prices[sym]
		change := (s.rng.Float64()*2 - 1) * 0.01
		closePrice := math.Max(round(open*(1+change)), 0.01)
		high := round(math.Max(open, closePrice) * (1 + s.rng.Float64()*0.003))
		low := round(math.Min(open, closePrice) * (1 - s.rng.Float64()*0.003))
		s.prices[sym] = closePrice

		out = append(out, models.Record{
			Symbol:    sym,
			Timestamp: ts,
			Open:      open,
			High:      math.Max(high, math.Max(open, closePrice)),
			Low:       math.Max(math.Min(low, math.Min(open, closePrice)), 0.01),
			Close:     closePrice,
			Volume:    int64(1000 + s.rng.Intn(50000)),
			Source:    s.Name(),
		})
	}
	return out, nil
}

func round(v float64) float64 {
	return math.Round(v*100) / 100
}
