package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"market_sync_backend/services/validator"
)

func TestSynthetic_ProducesValidRandomWalk(t *testing.T) {
	s := NewSynthetic([]string{"PKN", "XYZ"}, 42)
	s.now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }

	prev := map[string]float64{}
	for i := 0; i < 500; i++ {
		recs, err := s.Fetch(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != 2 || recs[0].Symbol != "PKN" || recs[1].Symbol != "XYZ" {
			t.Fatalf("unexpected batch: %+v", recs)
		}
		for _, r := range recs {
			if _, errs := validator.Validate(r); errs != nil {
				t.Fatalf("invalid synthetic bar %+v: %v", r, errs)
			}
			if p, ok := prev[r.Symbol]; ok && r.Open != p {
				t.Fatalf("%s opened at %v, previous close %v", r.Symbol, r.Open, p)
			}
			prev[r.Symbol] = r.Close
		}
	}
}

func TestVNDirect_FetchToleratesPerSymbolFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == "code:BAD" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if r.Header.Get("Referer") == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		fmt.Fprint(w, `{"data":[{"code":"VNM","date":"2024-03-01","time":"15:00:00","open":70.1,"high":71,"low":69.8,"close":70.5,"nmVolume":1234567}]}`)
	}))
	defer srv.Close()

	v := NewVNDirect(srv.URL, []string{"VNM", "BAD"}, srv.Client(), zap.NewNop())
	recs, err := v.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records: %+v", recs)
	}
	r := recs[0]
	if r.Symbol != "VNM" || r.Close != 70.5 || r.Volume != 1234567 || r.Source != "vndirect" {
		t.Fatalf("record: %+v", r)
	}
	if want := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC); !r.Timestamp.Equal(want) {
		t.Fatalf("timestamp %v, want %v", r.Timestamp, want)
	}

	allBad := NewVNDirect(srv.URL, []string{"BAD"}, srv.Client(), zap.NewNop())
	if _, err := allBad.Fetch(context.Background()); err == nil {
		t.Fatal("expected error when every symbol fails")
	}
}

type fakeReader struct {
	msgs []kafka.Message
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReader) Close() error { return nil }

func TestKafka_DrainsWindow(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	reader := &fakeReader{msgs: []kafka.Message{
		{Key: []byte("PKN"), Value: []byte(`{"price":61.2}`), Time: at},
		{Value: []byte(`not json`)},
		{Value: []byte(`{"symbol":"PKO","timestamp":"2024-03-01T09:31:00Z","open":45,"high":46,"low":44.5,"close":45.5,"volume":300}`)},
	}}
	k := NewKafka(reader, 50*time.Millisecond, 10, zap.NewNop())

	recs, err := k.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records: %+v", recs)
	}
	if recs[0].Symbol != "PKN" || recs[0].High != 61.2 || !recs[0].Timestamp.Equal(at) {
		t.Fatalf("price tick: %+v", recs[0])
	}
	if recs[1].Symbol != "PKO" || recs[1].Volume != 300 {
		t.Fatalf("bar: %+v", recs[1])
	}
}

type brokenReader struct{}

func (brokenReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	return kafka.Message{}, io.ErrUnexpectedEOF
}

func (brokenReader) Close() error { return nil }

func TestKafka_ReadErrorWithoutData(t *testing.T) {
	k := NewKafka(brokenReader{}, 50*time.Millisecond, 10, zap.NewNop())
	if _, err := k.Fetch(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
