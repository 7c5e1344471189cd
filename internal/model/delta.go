package model

import (
	"errors"
	"fmt"
)

// Record is one flattened row of an outbound table.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// FieldIsFull marks whether a wire record replaces the receiver's state.
const FieldIsFull = "is_full"

// ErrMalformedRecord is returned by ParseDeltaRecord for rows without an instrument key.
var ErrMalformedRecord = errors.New("malformed record")

// DeltaRecord carries the fields of one instrument that changed since the
// previous record sent to the same subscriber.
//
// When IsFull is set Fields is the complete snapshot and replaces whatever the
// receiver holds. Otherwise Fields holds only changed values, and a nil value
// means the field is no longer defined and must be removed.
type DeltaRecord struct {
	InstrumentKey string
	Fields        Record
	IsFull        bool
}

// Wire flattens the record into the row sent to subscribers.
func (d DeltaRecord) Wire() Record {
	out := make(Record, len(d.Fields)+2)
	for k, v := range d.Fields {
		out[k] = v
	}
	out[FieldInstrumentKey] = d.InstrumentKey
	out[FieldIsFull] = d.IsFull
	return out
}

// ParseDeltaRecord is the inverse of DeltaRecord.Wire, used by clients.
func ParseDeltaRecord(row map[string]any) (DeltaRecord, error) {
	key, ok := row[FieldInstrumentKey].(string)
	if !ok || key == "" {
		return DeltaRecord{}, fmt.Errorf("%w: missing %s", ErrMalformedRecord, FieldInstrumentKey)
	}
	full, _ := row[FieldIsFull].(bool)
	fields := make(Record, len(row))
	for k, v := range row {
		if k == FieldInstrumentKey || k == FieldIsFull {
			continue
		}
		fields[k] = v
	}
	return DeltaRecord{InstrumentKey: key, Fields: fields, IsFull: full}, nil
}

// Table names exposed to subscribers.
type Table string

const (
	TradesTable     Table = "trades"
	StatisticsTable Table = "statistics"
)

// Tables lists every table in a stable order.
var Tables = []Table{TradesTable, StatisticsTable}

// ParseTable validates a table name.
func ParseTable(s string) (Table, error) {
	for _, t := range Tables {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown table %q", s)
}

// Message types of the outbound envelope.
const (
	MessageTableSnapshot = "table_snapshot"
	MessageTableUpdate   = "table_update"
)

// Envelope is one outbound message.
type Envelope struct {
	MessageType string   `json:"messageType"`
	Table       Table    `json:"table"`
	Data        []Record `json:"data"`
}

// AsMap converts the envelope to plain Go values, the shape expected by
// structpb.NewStruct.
func (e *Envelope) AsMap() map[string]any {
	data := make([]any, len(e.Data))
	for i, r := range e.Data {
		data[i] = map[string]any(r)
	}
	return map[string]any{
		"messageType": e.MessageType,
		"table":       string(e.Table),
		"data":        data,
	}
}
