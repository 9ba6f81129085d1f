// Package row defines the typed tuple representation shared by every
// component of the build side of the join: row batches produced by the
// upstream operator, rows appended to a partition's tuple stream, and rows
// inserted into a partition's hash table.
package row

import (
	"github.com/dropbox/godropbox/errors"
)

// Type is the wire/in-memory type tag for a single column value.
type Type uint8

const (
	UnknownType Type = iota
	Int64
	Float64
	Bool
	String
)

func (t Type) String() string {
	switch t {
	case Int64:
		return "Int64"
	case Float64:
		return "Float64"
	case Bool:
		return "Bool"
	case String:
		return "String"
	default:
		return "Unknown"
	}
}

// Column describes one slot of a Tuple.
type Column struct {
	Name string
	Type Type
}

// Descriptor is the schema shared by every Row in a Batch, analogous to the
// teacher's TableHeader. Invariant: len(Columns) <= 0xFF, so it fits in one
// byte on the wire (see encoding.go).
type Descriptor struct {
	Columns []Column
}

func (d *Descriptor) ColumnIndex(name string) (int, error) {
	for i, c := range d.Columns {
		if c.Name == name {
			return i, nil
		}
	}
	return -1, errors.Newf("column %q not present in descriptor", name)
}

// Row is one tuple: len(Row) == len(Descriptor.Columns) and Row[i] matches
// Descriptor.Columns[i].Type (or is nil for a SQL NULL).
type Row []interface{}

func (r Row) IsNull(col int) bool {
	return r[col] == nil
}

// Clone makes a shallow copy of the row; values themselves (int64, float64,
// bool, string) are immutable so a shallow copy is sufficient.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// Batch is a fixed collection of Rows sharing one Descriptor, the unit in
// which rows flow from the upstream build-side operator into Builder.Send.
type Batch struct {
	Desc *Descriptor
	Rows []Row
}

func NewBatch(desc *Descriptor, capacity int) *Batch {
	return &Batch{
		Desc: desc,
		Rows: make([]Row, 0, capacity),
	}
}

func (b *Batch) NumRows() int {
	return len(b.Rows)
}

func (b *Batch) Reset() {
	b.Rows = b.Rows[:0]
}

func (b *Batch) Append(r Row) {
	b.Rows = append(b.Rows, r)
}
