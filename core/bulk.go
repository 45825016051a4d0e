package core

import (
	"fmt"
)

// WriteModel is one operation of a BulkWrite.
type WriteModel interface {
	toWrite() (writeModel, error)
}

type InsertOneModel struct {
	Document any
}

type UpdateOneModel struct {
	Filter any
	Update any
	Upsert bool
}

type UpdateManyModel struct {
	Filter any
	Update any
	Upsert bool
}

type ReplaceOneModel struct {
	Filter      any
	Replacement any
	Upsert      bool
}

type DeleteOneModel struct {
	Filter any
}

type DeleteManyModel struct {
	Filter any
}

type writeKind int8

const (
	writeInsert writeKind = iota
	writeUpdate
	writeReplace
	writeDelete
)

type writeModel struct {
	kind   writeKind
	doc    any
	update updateSpec
	many   bool
}

func (m *InsertOneModel) toWrite() (writeModel, error) {
	d, err := normalizeDoc(m.Document)
	if err != nil {
		return writeModel{}, err
	}
	return writeModel{kind: writeInsert, doc: d}, nil
}

func (m *UpdateOneModel) toWrite() (writeModel, error) {
	u, err := newUpdateSpec(m.Filter, m.Update, false, m.Upsert)
	if err != nil {
		return writeModel{}, err
	}
	return writeModel{kind: writeUpdate, update: *u}, nil
}

func (m *UpdateManyModel) toWrite() (writeModel, error) {
	u, err := newUpdateSpec(m.Filter, m.Update, true, m.Upsert)
	if err != nil {
		return writeModel{}, err
	}
	return writeModel{kind: writeUpdate, update: *u, many: true}, nil
}

func (m *ReplaceOneModel) toWrite() (writeModel, error) {
	u, err := newReplaceSpec(m.Filter, m.Replacement, m.Upsert)
	if err != nil {
		return writeModel{}, err
	}
	return writeModel{kind: writeReplace, update: *u}, nil
}

func (m *DeleteOneModel) toWrite() (writeModel, error) {
	f, err := normalizeFilter(m.Filter)
	if err != nil {
		return writeModel{}, err
	}
	return writeModel{kind: writeDelete, update: updateSpec{filter: f}}, nil
}

func (m *DeleteManyModel) toWrite() (writeModel, error) {
	f, err := normalizeFilter(m.Filter)
	if err != nil {
		return writeModel{}, err
	}
	return writeModel{kind: writeDelete, update: updateSpec{filter: f}, many: true}, nil
}

func normalizeModels(models []WriteModel) ([]writeModel, error) {
	if len(models) == 0 {
		return nil, inputErrorf("bulk write requires at least one operation")
	}
	out := make([]writeModel, len(models))
	for i, m := range models {
		if m == nil {
			return nil, inputErrorf("bulk write operation %d is nil", i)
		}
		w, err := m.toWrite()
		if err != nil {
			return nil, fmt.Errorf("bulk write operation %d: %w", i, classify(err))
		}
		out[i] = w
	}
	return out, nil
}
