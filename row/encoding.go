package row

import (
	"bufio"
	"encoding/binary"

	"github.com/dropbox/godropbox/errors"
)

// ByteOrder is used for every fixed-width field written by this package.
var ByteOrder = binary.LittleEndian

// Use null-terminated strings; a leading byte records whether the value is
// a SQL NULL.
var stringTerminator byte = 0

const (
	nullByte    byte = 0
	notNullByte byte = 1
)

func ReadValue(r *bufio.Reader, t Type) (interface{}, error) {
	var isNull byte
	if err := binary.Read(r, ByteOrder, &isNull); err != nil {
		return nil, err
	}
	if isNull == nullByte {
		return nil, nil
	}
	switch t {
	case Int64:
		var x int64
		if err := binary.Read(r, ByteOrder, &x); err != nil {
			return nil, err
		}
		return x, nil
	case Float64:
		var x float64
		if err := binary.Read(r, ByteOrder, &x); err != nil {
			return nil, err
		}
		return x, nil
	case Bool:
		var x uint8
		if err := binary.Read(r, ByteOrder, &x); err != nil {
			return nil, err
		}
		return x != 0, nil
	case String:
		s, err := readTerminatedString(r)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.Newf("row: unsupported type %v", t)
	}
}

func WriteValue(w *bufio.Writer, t Type, value interface{}) error {
	if value == nil {
		return w.WriteByte(nullByte)
	}
	if err := w.WriteByte(notNullByte); err != nil {
		return err
	}
	switch t {
	case Int64:
		return binary.Write(w, ByteOrder, value.(int64))
	case Float64:
		return binary.Write(w, ByteOrder, value.(float64))
	case Bool:
		var b uint8
		if value.(bool) {
			b = 1
		}
		return binary.Write(w, ByteOrder, b)
	case String:
		return writeTerminatedString(w, value.(string))
	default:
		return errors.Newf("row: unsupported type %v", t)
	}
}

func readTerminatedString(r *bufio.Reader) (string, error) {
	s, err := r.ReadString(stringTerminator)
	if err != nil {
		return "", err
	}
	return s[:len(s)-1], nil
}

func writeTerminatedString(w *bufio.Writer, s string) error {
	if _, err := w.WriteString(s); err != nil {
		return err
	}
	return w.WriteByte(stringTerminator)
}

func ReadDescriptor(r *bufio.Reader) (*Descriptor, error) {
	var numCols uint8
	if err := binary.Read(r, ByteOrder, &numCols); err != nil {
		return nil, err
	}
	cols := make([]Column, numCols)
	for i := range cols {
		name, err := readTerminatedString(r)
		if err != nil {
			return nil, err
		}
		var typeByte uint8
		if err := binary.Read(r, ByteOrder, &typeByte); err != nil {
			return nil, err
		}
		cols[i] = Column{Name: name, Type: Type(typeByte)}
	}
	return &Descriptor{Columns: cols}, nil
}

func WriteDescriptor(w *bufio.Writer, d *Descriptor) error {
	if len(d.Columns) > 0xFF {
		return errors.Newf("row: descriptor has %d columns, max is 255", len(d.Columns))
	}
	if err := binary.Write(w, ByteOrder, uint8(len(d.Columns))); err != nil {
		return err
	}
	for _, c := range d.Columns {
		if err := writeTerminatedString(w, c.Name); err != nil {
			return err
		}
		if err := binary.Write(w, ByteOrder, uint8(c.Type)); err != nil {
			return err
		}
	}
	return nil
}

func ReadRow(r *bufio.Reader, d *Descriptor) (Row, error) {
	out := make(Row, len(d.Columns))
	for i, c := range d.Columns {
		v, err := ReadValue(r, c.Type)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Preconditions: len(r) == len(d.Columns) and r[i] matches d.Columns[i].Type
// for every non-nil r[i].
func WriteRow(w *bufio.Writer, d *Descriptor, r Row) error {
	for i, c := range d.Columns {
		if err := WriteValue(w, c.Type, r[i]); err != nil {
			return err
		}
	}
	return nil
}

// EncodedSize returns the number of bytes WriteRow would produce for r,
// without allocating a buffer; used to size pages when appending to a
// tuple stream.
func EncodedSize(d *Descriptor, r Row) int {
	size := 0
	for i, c := range d.Columns {
		size++ // null/not-null tag
		if r[i] == nil {
			continue
		}
		switch c.Type {
		case Int64, Float64:
			size += 8
		case Bool:
			size += 1
		case String:
			size += len(r[i].(string)) + 1
		}
	}
	return size
}
