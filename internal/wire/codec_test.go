package wire

import (
	"bytes"
	"testing"
)

func TestRoundTripQuery(t *testing.T) {
	msg := EncodeQuery("SELECT 1")

	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteMessage(msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	r := NewReader(&buf, Frontend)
	got, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Kind() != KindQuery {
		t.Errorf("Kind = %q, want %q", got.Kind(), KindQuery)
	}
	sql, err := DecodeQuery(got)
	if err != nil {
		t.Fatalf("DecodeQuery: %v", err)
	}
	if sql != "SELECT 1" {
		t.Errorf("sql = %q, want %q", sql, "SELECT 1")
	}
}

func TestRoundTripUnknownKindPreserved(t *testing.T) {
	// The codec must forward kinds outside its interpreted vocabulary byte-for-byte.
	original := NewMessage(Kind('x'), Backend, []byte{1, 2, 3})

	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.WriteMessage(original)
	w.Flush()

	r := NewReader(&buf, Backend)
	got, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Kind() != Kind('x') || !bytes.Equal(got.Payload(), []byte{1, 2, 3}) {
		t.Errorf("got %v, want kind 'x' payload [1 2 3]", got)
	}
}

func TestRowDescriptionRoundTrip(t *testing.T) {
	v := RowDescriptionView{Fields: []FieldDescription{
		{Name: "id", TypeOID: 20, TypeSize: 8},
		{Name: "name", TypeOID: 25, TypeSize: -1},
	}}
	msg := EncodeRowDescription(v)
	got, err := DecodeRowDescription(msg)
	if err != nil {
		t.Fatalf("DecodeRowDescription: %v", err)
	}
	if len(got.Fields) != 2 || got.Fields[0].Name != "id" || got.Fields[1].Name != "name" {
		t.Errorf("got %+v", got)
	}
}

func TestDataRowRoundTripWithNulls(t *testing.T) {
	v := DataRowView{Columns: [][]byte{[]byte("42"), nil, []byte("")}}
	msg := EncodeDataRow(v)
	got, err := DecodeDataRow(msg)
	if err != nil {
		t.Fatalf("DecodeDataRow: %v", err)
	}
	if len(got.Columns) != 3 {
		t.Fatalf("got %d columns, want 3", len(got.Columns))
	}
	if string(got.Columns[0]) != "42" {
		t.Errorf("col0 = %q", got.Columns[0])
	}
	if got.Columns[1] != nil {
		t.Errorf("col1 should be NULL, got %v", got.Columns[1])
	}
	if got.Columns[2] == nil || len(got.Columns[2]) != 0 {
		t.Errorf("col2 should be empty non-null, got %v", got.Columns[2])
	}
}

func TestErrorResponseRoundTrip(t *testing.T) {
	fields := ErrorFields{
		FieldSeverity: "FATAL",
		FieldCode:     "57P05",
		FieldMessage:  "idle timeout",
	}
	msg := EncodeErrorResponse(fields)
	got, err := DecodeErrorResponse(msg)
	if err != nil {
		t.Fatalf("DecodeErrorResponse: %v", err)
	}
	if got[FieldCode] != "57P05" || got[FieldSeverity] != "FATAL" {
		t.Errorf("got %+v", got)
	}
}

func TestMessageCloneSharesPayload(t *testing.T) {
	m := NewMessage(KindQuery, Frontend, []byte("hello"))
	clone := m.Clone()
	if !bytes.Equal(m.Payload(), clone.Payload()) {
		t.Errorf("clone payload mismatch")
	}
}

func TestWorse(t *testing.T) {
	cases := []struct {
		a, b, want TransactionStatus
	}{
		{TxIdle, TxIdle, TxIdle},
		{TxIdle, TxInTransaction, TxInTransaction},
		{TxInTransaction, TxFailed, TxFailed},
		{TxFailed, TxIdle, TxFailed},
	}
	for _, c := range cases {
		if got := Worse(c.a, c.b); got != c.want {
			t.Errorf("Worse(%q,%q) = %q, want %q", c.a, c.b, got, c.want)
		}
	}
}
