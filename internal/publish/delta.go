// Package publish turns statistics snapshots into per-subscriber delta records
// and keeps the bounded trade history replayed to new trade subscribers.
package publish

import (
	"math"
	"reflect"

	"tickstats/internal/model"
)

// Publisher tracks, per subscriber, the last record sent for every instrument
// and emits only what changed since.
//
// A Publisher is not safe for concurrent use. The dispatcher goroutine owns it.
type Publisher struct {
	lastSent map[string]map[string]model.Record // subscriber -> instrument -> fields
}

// NewPublisher creates a publisher with no subscribers.
func NewPublisher() *Publisher {
	return &Publisher{lastSent: make(map[string]map[string]model.Record)}
}

// Publish returns the records subscriberID needs to reconstruct snaps.
//
// An instrument not sent to this subscriber before produces a full record.
// Otherwise the record holds only the fields whose value changed, compared
// bit-for-bit, with nil for fields that are no longer defined. Snapshots equal
// to the last one sent produce no record.
func (p *Publisher) Publish(subscriberID string, snaps []model.StatisticsSnapshot) []model.DeltaRecord {
	sent, ok := p.lastSent[subscriberID]
	if !ok {
		sent = make(map[string]model.Record)
		p.lastSent[subscriberID] = sent
	}

	out := make([]model.DeltaRecord, 0, len(snaps))
	for _, s := range snaps {
		curr := s.Fields()
		prev, seen := sent[s.InstrumentKey]
		sent[s.InstrumentKey] = curr
		if !seen {
			out = append(out, model.DeltaRecord{InstrumentKey: s.InstrumentKey, Fields: curr.Clone(), IsFull: true})
			continue
		}
		if changed := Diff(prev, curr); len(changed) > 0 {
			out = append(out, model.DeltaRecord{InstrumentKey: s.InstrumentKey, Fields: changed})
		}
	}
	return out
}

// Resync drops what subscriberID was sent, so its next records are full.
func (p *Publisher) Resync(subscriberID string) {
	if _, ok := p.lastSent[subscriberID]; ok {
		p.lastSent[subscriberID] = make(map[string]model.Record)
	}
}

// Forget releases all state held for subscriberID.
func (p *Publisher) Forget(subscriberID string) {
	delete(p.lastSent, subscriberID)
}

// Evict drops the given instruments for every subscriber.
func (p *Publisher) Evict(keys ...string) {
	for _, sent := range p.lastSent {
		for _, k := range keys {
			delete(sent, k)
		}
	}
}

// Subscribers returns the number of subscribers with state.
func (p *Publisher) Subscribers() int { return len(p.lastSent) }

// Diff returns the fields of curr that differ from prev, plus a nil entry for
// every field of prev missing from curr.
func Diff(prev, curr model.Record) model.Record {
	changed := make(model.Record)
	for k, v := range curr {
		if old, ok := prev[k]; !ok || !equalValue(old, v) {
			changed[k] = v
		}
	}
	for k := range prev {
		if _, ok := curr[k]; !ok {
			changed[k] = nil
		}
	}
	return changed
}

// FullRecords wraps snapshots as full records, for subscribers without delta
// support.
func FullRecords(snaps []model.StatisticsSnapshot) []model.DeltaRecord {
	out := make([]model.DeltaRecord, len(snaps))
	for i, s := range snaps {
		out[i] = model.DeltaRecord{InstrumentKey: s.InstrumentKey, Fields: s.Fields(), IsFull: true}
	}
	return out
}

// Apply folds rec into store, the receiver side of Publish.
func Apply(store map[string]model.Record, rec model.DeltaRecord) {
	if rec.IsFull {
		store[rec.InstrumentKey] = rec.Fields.Clone()
		return
	}
	cur, ok := store[rec.InstrumentKey]
	if !ok {
		cur = make(model.Record, len(rec.Fields))
		store[rec.InstrumentKey] = cur
	}
	for k, v := range rec.Fields {
		if v == nil {
			delete(cur, k)
			continue
		}
		cur[k] = v
	}
}

func equalValue(a, b any) bool {
	switch x := a.(type) {
	case float64:
		y, ok := b.(float64)
		return ok && math.Float64bits(x) == math.Float64bits(y)
	case int64:
		y, ok := b.(int64)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case nil:
		return b == nil
	default:
		return reflect.DeepEqual(a, b)
	}
}
