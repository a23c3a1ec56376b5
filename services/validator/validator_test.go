package validator

import (
	"math"
	"math/rand"
	"strings"
	"testing"
	"time"

	"market_sync_backend/models"
)

func valid() models.Record {
	return models.Record{
		Symbol:    "PKN",
		Timestamp: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		Open:      60.5,
		High:      61.2,
		Low:       59.8,
		Close:     60.9,
		Volume:    12000,
		Source:    "test",
	}
}

func hasField(errs Errors, field string) bool {
	for _, e := range errs {
		if e.Field == field {
			return true
		}
	}
	return false
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *models.Record)
		field  string
	}{
		{"valid", func(r *models.Record) {}, ""},
		{"missing symbol", func(r *models.Record) { r.Symbol = " " }, "symbol"},
		{"missing timestamp", func(r *models.Record) { r.Timestamp = time.Time{} }, "timestamp"},
		{"zero open", func(r *models.Record) { r.Open = 0 }, "open"},
		{"negative close", func(r *models.Record) { r.Close = -1 }, "close"},
		{"NaN high", func(r *models.Record) { r.High = math.NaN() }, "high"},
		{"infinite low", func(r *models.Record) { r.Low = math.Inf(1) }, "low"},
		{"negative volume", func(r *models.Record) { r.Volume = -5 }, "volume"},
		{"high below close", func(r *models.Record) { r.High = 60.7 }, "high"},
		{"low above open", func(r *models.Record) { r.Low = 60.6 }, "low"},
		{"out of range", func(r *models.Record) { r.High = 1e13 }, "high"},
		{"price at column limit", func(r *models.Record) { r.High = 1e12 }, "high"},
		{"symbol too long", func(r *models.Record) { r.Symbol = strings.Repeat("X", 33) }, "symbol"},
		{"symbol at column width", func(r *models.Record) { r.Symbol = strings.Repeat("X", 32) }, ""},
		{"zero volume allowed", func(r *models.Record) { r.Volume = 0 }, ""},
		{"flat bar allowed", func(r *models.Record) { r.Open, r.High, r.Low, r.Close = 5, 5, 5, 5 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(&r)
			_, errs := Validate(r)
			if tt.field == "" {
				if errs != nil {
					t.Fatalf("expected valid, got %v", errs)
				}
				return
			}
			if !hasField(errs, tt.field) {
				t.Fatalf("expected error on %s, got %v", tt.field, errs)
			}
		})
	}
}

func TestValidate_Reasons(t *testing.T) {
	r := valid()
	r.Symbol = ""
	r.Volume = -1
	r.High = 60.7

	_, errs := Validate(r)
	want := map[string]string{
		"symbol": "required",
		"volume": "must not be negative",
		"high":   "must be >= close",
	}
	if len(errs) != len(want) {
		t.Fatalf("errors: %v", errs)
	}
	for _, e := range errs {
		if want[e.Field] != e.Reason {
			t.Fatalf("%s: got %q, want %q", e.Field, e.Reason, want[e.Field])
		}
	}
}

func TestValidate_OHLCProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		o := 1 + rng.Float64()*100
		c := 1 + rng.Float64()*100
		lo := math.Min(o, c) * (1 - rng.Float64()*0.1)
		hi := math.Max(o, c) * (1 + rng.Float64()*0.1)
		r := valid()
		r.Open, r.High, r.Low, r.Close = o, hi, lo, c
		if _, errs := Validate(r); errs != nil {
			t.Fatalf("consistent bar rejected: %+v: %v", r, errs)
		}

		r.High, r.Low = lo, hi
		if lo < hi {
			if _, errs := Validate(r); errs == nil {
				t.Fatalf("bar with high < low accepted: %+v", r)
			}
		}
	}
}

func TestFilter(t *testing.T) {
	bad := valid()
	bad.Volume = -1
	second := valid()
	second.Symbol = "PKO"

	got, rejected := Filter([]models.Record{valid(), bad, second})
	if rejected != 1 || len(got) != 2 {
		t.Fatalf("rejected %d kept %d", rejected, len(got))
	}
	if got[0].Symbol != "PKN" || got[1].Symbol != "PKO" {
		t.Fatal("filter must preserve order")
	}
}
