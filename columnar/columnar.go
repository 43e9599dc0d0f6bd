// Package columnar implements the self-describing record batch format the
// bridge ships through the Columnar-Bulk convention. A batch is encoded in
// protobuf wire format without generated code: a batch holds repeated
// records, a record holds repeated named fields, and a field pairs a name
// with an opaque value.
//
// The core protocol treats encoded batches as uninterpreted byte spans;
// only this package looks inside, and only at the call boundary. Parse
// failures surface as serialization errors that do not affect instance
// health.
package columnar

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	bridgeerrors "github.com/hostbridge/wasmbridge/errors"
)

// Field numbers of the wire format. Batch carries records in field 1;
// a record carries fields in field 1; a field carries name in 1, value in 2.
const (
	batchRecordNum protowire.Number = 1
	recordFieldNum protowire.Number = 1
	fieldNameNum   protowire.Number = 1
	fieldValueNum  protowire.Number = 2
)

// Field is one named column value within a record.
type Field struct {
	Name  string
	Value []byte
}

// Record is an ordered set of named fields.
type Record struct {
	Fields []Field
}

// Batch is an ordered set of records.
type Batch struct {
	Records []Record
}

// Get returns the value of the first field with the given name.
func (r *Record) Get(name string) ([]byte, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Set replaces the value of the named field, appending the field when it
// does not exist yet. Existing fields keep their position so re-encoding
// a batch leaves untouched fields byte-identical.
func (r *Record) Set(name string, value []byte) {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			r.Fields[i].Value = value
			return
		}
	}
	r.Fields = append(r.Fields, Field{Name: name, Value: value})
}

// Encode serializes the batch into protobuf wire format. Encoding is
// deterministic: records and fields are emitted in order.
func (b *Batch) Encode() []byte {
	var out []byte
	for _, rec := range b.Records {
		var recBuf []byte
		for _, f := range rec.Fields {
			var fieldBuf []byte
			fieldBuf = protowire.AppendTag(fieldBuf, fieldNameNum, protowire.BytesType)
			fieldBuf = protowire.AppendString(fieldBuf, f.Name)
			fieldBuf = protowire.AppendTag(fieldBuf, fieldValueNum, protowire.BytesType)
			fieldBuf = protowire.AppendBytes(fieldBuf, f.Value)

			recBuf = protowire.AppendTag(recBuf, recordFieldNum, protowire.BytesType)
			recBuf = protowire.AppendBytes(recBuf, fieldBuf)
		}
		out = protowire.AppendTag(out, batchRecordNum, protowire.BytesType)
		out = protowire.AppendBytes(out, recBuf)
	}
	return out
}

// Decode parses a batch from protobuf wire format.
func Decode(data []byte) (*Batch, error) {
	b := &Batch{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, serr(protowire.ParseError(n), "batch tag")
		}
		data = data[n:]

		if num != batchRecordNum || typ != protowire.BytesType {
			return nil, serr(nil, fmt.Sprintf("unexpected batch field %d (wire type %d)", num, typ))
		}
		recBuf, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, serr(protowire.ParseError(n), "batch record")
		}
		data = data[n:]

		rec, err := decodeRecord(recBuf)
		if err != nil {
			return nil, err
		}
		b.Records = append(b.Records, rec)
	}
	return b, nil
}

// Validate reports whether data parses as a batch.
func Validate(data []byte) error {
	_, err := Decode(data)
	return err
}

func decodeRecord(data []byte) (Record, error) {
	var rec Record
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Record{}, serr(protowire.ParseError(n), "record tag")
		}
		data = data[n:]

		if num != recordFieldNum || typ != protowire.BytesType {
			return Record{}, serr(nil, fmt.Sprintf("unexpected record field %d (wire type %d)", num, typ))
		}
		fieldBuf, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return Record{}, serr(protowire.ParseError(n), "record field")
		}
		data = data[n:]

		f, err := decodeField(fieldBuf)
		if err != nil {
			return Record{}, err
		}
		rec.Fields = append(rec.Fields, f)
	}
	return rec, nil
}

func decodeField(data []byte) (Field, error) {
	var f Field
	var sawName bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Field{}, serr(protowire.ParseError(n), "field tag")
		}
		data = data[n:]

		if typ != protowire.BytesType {
			return Field{}, serr(nil, fmt.Sprintf("unexpected wire type %d in field", typ))
		}
		val, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return Field{}, serr(protowire.ParseError(n), "field payload")
		}
		data = data[n:]

		switch num {
		case fieldNameNum:
			f.Name = string(val)
			sawName = true
		case fieldValueNum:
			f.Value = append([]byte(nil), val...)
		default:
			return Field{}, serr(nil, fmt.Sprintf("unknown field number %d", num))
		}
	}
	if !sawName {
		return Field{}, serr(nil, "field missing name")
	}
	return f, nil
}

func serr(cause error, detail string) error {
	return bridgeerrors.Serialization(cause, detail)
}
