// Package consistency compares the time-series store with the document
// store and reports drift. It never repairs anything.
package consistency

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"market_sync_backend/models"
	"market_sync_backend/services/alerts"
	"market_sync_backend/services/connector"
)

const DefaultSampleSize = 1000

type Auditor struct {
	source     *connector.Connector
	target     *connector.Connector
	sampleSize int
	collection func(table string) string
	alerts     alerts.Raiser
	log        *zap.Logger

	mu   sync.RWMutex
	last map[string]models.IntegrityReport
}

func NewAuditor(source, target *connector.Connector, sampleSize int, collection func(string) string, raiser alerts.Raiser, log *zap.Logger) *Auditor {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	if collection == nil {
		collection = func(t string) string { return t }
	}
	return &Auditor{
		source:     source,
		target:     target,
		sampleSize: sampleSize,
		collection: collection,
		alerts:     raiser,
		log:        log,
		last:       make(map[string]models.IntegrityReport),
	}
}

// Audit compares one table with its collection. The latest sampleSize
// source records define a time window; both stores are read over that
// window and their keys compared.
func (a *Auditor) Audit(ctx context.Context, table string) (models.IntegrityReport, error) {
	collection := a.collection(table)
	report := models.IntegrityReport{
		Table:      table,
		Collection: collection,
		Mismatched: []models.Mismatch{},
		CheckedAt:  time.Now().UTC(),
	}

	var err error
	if report.SourceCount, err = a.source.Count(ctx, table); err != nil {
		return report, fmt.Errorf("count %s: %w", table, err)
	}
	if report.TargetCount, err = a.target.Count(ctx, collection); err != nil {
		return report, fmt.Errorf("count %s: %w", collection, err)
	}

	sample, err := a.source.Query(ctx, connector.Query{Table: table, Descending: true, Limit: a.sampleSize})
	if err != nil {
		return report, fmt.Errorf("sample %s: %w", table, err)
	}
	if len(sample) == 0 {
		report.QualityScore = 1
		if report.TargetCount > 0 {
			report.QualityScore = 0
		}
		a.store(report)
		return report, nil
	}

	from, to := sample[len(sample)-1].Timestamp, sample[0].Timestamp
	sourceWindow, err := a.source.Query(ctx, connector.Query{Table: table, From: from, To: to})
	if err != nil {
		return report, fmt.Errorf("read %s window: %w", table, err)
	}
	targetWindow, err := a.target.Query(ctx, connector.Query{Table: collection, From: from, To: to})
	if err != nil {
		return report, fmt.Errorf("read %s window: %w", collection, err)
	}

	compare(&report, sourceWindow, targetWindow)
	a.store(report)

	log := a.log.With(zap.String("table", table), zap.String("collection", collection))
	log.Info("Consistency audit completed",
		zap.Float64("quality_score", report.QualityScore),
		zap.Int("matched", report.Matched),
		zap.Int("source_only", report.SourceOnly),
		zap.Int("target_only", report.TargetOnly),
		zap.Int("mismatched", len(report.Mismatched)))

	if len(report.Mismatched) > 0 && a.alerts != nil {
		m := report.Mismatched[0]
		a.alerts.Raise(ctx, models.Alert{
			Type:          models.AlertIntegrity,
			Subject:       table,
			Severity:      models.SeverityWarning,
			Message:       fmt.Sprintf("%d symbol mismatches between %s and %s, first: %s", len(report.Mismatched), table, collection, m.Detail),
			Threshold:     1,
			ObservedValue: report.QualityScore,
		})
	}
	return report, nil
}

// LastReports returns the most recent report per table.
func (a *Auditor) LastReports() []models.IntegrityReport {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]models.IntegrityReport, 0, len(a.last))
	for _, r := range a.last {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out
}

func (a *Auditor) store(r models.IntegrityReport) {
	a.mu.Lock()
	a.last[r.Table] = r
	a.mu.Unlock()
}

// fingerprint identifies a bar independently of its symbol.
type fingerprint struct {
	timestamp time.Time
	values    string
}

func fingerprintOf(r models.Record) fingerprint {
	return fingerprint{
		timestamp: r.Timestamp.UTC(),
		values:    fmt.Sprintf("%.6f|%.6f|%.6f|%.6f|%d", r.Open, r.High, r.Low, r.Close, r.Volume),
	}
}

// compare fills the key statistics of report. Records present on one side
// only are paired with records on the other side that carry the same bar
// under a different symbol; each distinct (source, target) symbol pair
// becomes one mismatch entry.
func compare(report *models.IntegrityReport, source, target []models.Record) {
	sourceKeys := make(map[models.RecordKey]models.Record, len(source))
	for _, r := range source {
		sourceKeys[r.Key()] = r
	}
	targetKeys := make(map[models.RecordKey]models.Record, len(target))
	for _, r := range target {
		targetKeys[r.Key()] = r
	}

	var sourceOnly []models.Record
	for k, r := range sourceKeys {
		if _, ok := targetKeys[k]; ok {
			report.Matched++
		} else {
			sourceOnly = append(sourceOnly, r)
		}
	}
	targetOnly := make(map[fingerprint][]models.Record)
	targetOnlyCount := 0
	for k, r := range targetKeys {
		if _, ok := sourceKeys[k]; !ok {
			fp := fingerprintOf(r)
			targetOnly[fp] = append(targetOnly[fp], r)
			targetOnlyCount++
		}
	}
	for _, rs := range targetOnly {
		sort.Slice(rs, func(i, j int) bool { return rs[i].Symbol < rs[j].Symbol })
	}

	union := report.Matched + len(sourceOnly) + targetOnlyCount
	if union == 0 {
		report.QualityScore = 1
	} else {
		report.QualityScore = float64(report.Matched) / float64(union)
	}

	sort.Slice(sourceOnly, func(i, j int) bool {
		if !sourceOnly[i].Timestamp.Equal(sourceOnly[j].Timestamp) {
			return sourceOnly[i].Timestamp.Before(sourceOnly[j].Timestamp)
		}
		return sourceOnly[i].Symbol < sourceOnly[j].Symbol
	})

	type pair struct{ source, target string }
	counts := make(map[pair]int)
	var order []pair
	paired := 0
	for _, r := range sourceOnly {
		fp := fingerprintOf(r)
		candidates := targetOnly[fp]
		if len(candidates) == 0 {
			continue
		}
		other := candidates[0]
		targetOnly[fp] = candidates[1:]
		paired++

		p := pair{source: r.Symbol, target: other.Symbol}
		if counts[p] == 0 {
			order = append(order, p)
		}
		counts[p]++
	}

	report.SourceOnly = len(sourceOnly) - paired
	report.TargetOnly = targetOnlyCount - paired
	for _, p := range order {
		report.Mismatched = append(report.Mismatched, models.Mismatch{
			Symbol:       p.source,
			SourceSymbol: p.source,
			TargetSymbol: p.target,
			Occurrences:  counts[p],
			Detail:       fmt.Sprintf("source recorded %q where target recorded %q (%d records)", p.source, p.target, counts[p]),
		})
	}
}
