package wire

import (
	"encoding/binary"
	"fmt"
)

// This file holds lazy, allocation-light accessors for the message kinds the router and
// coordinator need to inspect, plus builders for the kinds the proxy itself synthesizes.
// Kinds outside this vocabulary pass through the codec untouched.

func readCString(b []byte) (s string, rest []byte, ok bool) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), b[i+1:], true
		}
	}
	return "", b, false
}

func putCString(dst []byte, s string) []byte {
	dst = append(dst, s...)
	return append(dst, 0)
}

// ParseView is the decoded body of a frontend Parse ('P') message.
type ParseView struct {
	Name      string
	Query     string
	ParamOIDs []uint32
}

func DecodeParse(m Message) (ParseView, error) {
	b := m.Payload()
	name, b, ok := readCString(b)
	if !ok {
		return ParseView{}, fmt.Errorf("wire: malformed Parse: missing statement name")
	}
	query, b, ok := readCString(b)
	if !ok {
		return ParseView{}, fmt.Errorf("wire: malformed Parse: missing query text")
	}
	if len(b) < 2 {
		return ParseView{}, fmt.Errorf("wire: malformed Parse: missing param count")
	}
	count := binary.BigEndian.Uint16(b)
	b = b[2:]
	oids := make([]uint32, 0, count)
	for i := 0; i < int(count); i++ {
		if len(b) < 4 {
			return ParseView{}, fmt.Errorf("wire: malformed Parse: truncated param oid list")
		}
		oids = append(oids, binary.BigEndian.Uint32(b))
		b = b[4:]
	}
	return ParseView{Name: name, Query: query, ParamOIDs: oids}, nil
}

func EncodeParse(v ParseView) Message {
	buf := make([]byte, 0, len(v.Query)+len(v.Name)+8)
	buf = putCString(buf, v.Name)
	buf = putCString(buf, v.Query)
	var cnt [2]byte
	binary.BigEndian.PutUint16(cnt[:], uint16(len(v.ParamOIDs)))
	buf = append(buf, cnt[:]...)
	for _, o := range v.ParamOIDs {
		var ob [4]byte
		binary.BigEndian.PutUint32(ob[:], o)
		buf = append(buf, ob[:]...)
	}
	return NewMessage(KindParse, Frontend, buf)
}

// BindView is the decoded body of a frontend Bind ('B') message.
type BindView struct {
	Portal        string
	Statement     string
	ParamFormats  []int16
	Params        [][]byte // nil element means SQL NULL
	ResultFormats []int16
}

func DecodeBind(m Message) (BindView, error) {
	b := m.Payload()
	portal, b, ok := readCString(b)
	if !ok {
		return BindView{}, fmt.Errorf("wire: malformed Bind: missing portal name")
	}
	stmt, b, ok := readCString(b)
	if !ok {
		return BindView{}, fmt.Errorf("wire: malformed Bind: missing statement name")
	}
	v := BindView{Portal: portal, Statement: stmt}
	if len(b) < 2 {
		return BindView{}, fmt.Errorf("wire: malformed Bind: truncated")
	}
	nFormats := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	for i := 0; i < nFormats; i++ {
		v.ParamFormats = append(v.ParamFormats, int16(binary.BigEndian.Uint16(b)))
		b = b[2:]
	}
	if len(b) < 2 {
		return BindView{}, fmt.Errorf("wire: malformed Bind: missing param count")
	}
	nParams := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	for i := 0; i < nParams; i++ {
		if len(b) < 4 {
			return BindView{}, fmt.Errorf("wire: malformed Bind: truncated param")
		}
		plen := int32(binary.BigEndian.Uint32(b))
		b = b[4:]
		if plen < 0 {
			v.Params = append(v.Params, nil)
			continue
		}
		if len(b) < int(plen) {
			return BindView{}, fmt.Errorf("wire: malformed Bind: param shorter than declared")
		}
		v.Params = append(v.Params, b[:plen])
		b = b[plen:]
	}
	if len(b) >= 2 {
		nResults := int(binary.BigEndian.Uint16(b))
		b = b[2:]
		for i := 0; i < nResults && len(b) >= 2; i++ {
			v.ResultFormats = append(v.ResultFormats, int16(binary.BigEndian.Uint16(b)))
			b = b[2:]
		}
	}
	return v, nil
}

// FormatFor returns the wire format code (0=text,1=binary) for result column i.
func (v BindView) FormatFor(i int) int16 {
	if len(v.ResultFormats) == 0 {
		return 0
	}
	if len(v.ResultFormats) == 1 {
		return v.ResultFormats[0]
	}
	if i < len(v.ResultFormats) {
		return v.ResultFormats[i]
	}
	return 0
}

func EncodeBind(v BindView) Message {
	buf := putCString(nil, v.Portal)
	buf = putCString(buf, v.Statement)
	var cnt [2]byte
	binary.BigEndian.PutUint16(cnt[:], uint16(len(v.ParamFormats)))
	buf = append(buf, cnt[:]...)
	for _, f := range v.ParamFormats {
		var fb [2]byte
		binary.BigEndian.PutUint16(fb[:], uint16(f))
		buf = append(buf, fb[:]...)
	}
	binary.BigEndian.PutUint16(cnt[:], uint16(len(v.Params)))
	buf = append(buf, cnt[:]...)
	for _, p := range v.Params {
		var lenBuf [4]byte
		if p == nil {
			binary.BigEndian.PutUint32(lenBuf[:], 0xFFFFFFFF)
			buf = append(buf, lenBuf[:]...)
			continue
		}
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, p...)
	}
	binary.BigEndian.PutUint16(cnt[:], uint16(len(v.ResultFormats)))
	buf = append(buf, cnt[:]...)
	for _, f := range v.ResultFormats {
		var fb [2]byte
		binary.BigEndian.PutUint16(fb[:], uint16(f))
		buf = append(buf, fb[:]...)
	}
	return NewMessage(KindBind, Frontend, buf)
}

// DescribeView is the decoded body of a frontend Describe ('D') message.
type DescribeView struct {
	IsStatement bool // false means portal
	Name        string
}

func DecodeDescribe(m Message) (DescribeView, error) {
	b := m.Payload()
	if len(b) < 1 {
		return DescribeView{}, fmt.Errorf("wire: malformed Describe")
	}
	kind := b[0]
	name, _, ok := readCString(b[1:])
	if !ok {
		return DescribeView{}, fmt.Errorf("wire: malformed Describe: missing name")
	}
	return DescribeView{IsStatement: kind == 'S', Name: name}, nil
}

func EncodeDescribe(v DescribeView) Message {
	kind := byte('P')
	if v.IsStatement {
		kind = 'S'
	}
	buf := append([]byte{kind}, putCString(nil, v.Name)...)
	return NewMessage(KindDescribe, Frontend, buf)
}

// ExecuteView is the decoded body of a frontend Execute ('E') message.
type ExecuteView struct {
	Portal  string
	MaxRows int32
}

func DecodeExecute(m Message) (ExecuteView, error) {
	b := m.Payload()
	portal, b, ok := readCString(b)
	if !ok {
		return ExecuteView{}, fmt.Errorf("wire: malformed Execute")
	}
	if len(b) < 4 {
		return ExecuteView{}, fmt.Errorf("wire: malformed Execute: missing row limit")
	}
	return ExecuteView{Portal: portal, MaxRows: int32(binary.BigEndian.Uint32(b))}, nil
}

func EncodeExecute(v ExecuteView) Message {
	buf := putCString(nil, v.Portal)
	var mr [4]byte
	binary.BigEndian.PutUint32(mr[:], uint32(v.MaxRows))
	buf = append(buf, mr[:]...)
	return NewMessage(KindExecute, Frontend, buf)
}

// CloseView is the decoded body of a frontend Close ('C') message.
type CloseView struct {
	IsStatement bool
	Name        string
}

func DecodeClose(m Message) (CloseView, error) {
	b := m.Payload()
	if len(b) < 1 {
		return CloseView{}, fmt.Errorf("wire: malformed Close")
	}
	kind := b[0]
	name, _, ok := readCString(b[1:])
	if !ok {
		return CloseView{}, fmt.Errorf("wire: malformed Close: missing name")
	}
	return CloseView{IsStatement: kind == 'S', Name: name}, nil
}

func EncodeClose(v CloseView) Message {
	kind := byte('P')
	if v.IsStatement {
		kind = 'S'
	}
	buf := append([]byte{kind}, putCString(nil, v.Name)...)
	return NewMessage(KindClose, Frontend, buf)
}

// DecodeQuery decodes a simple-query ('Q') message body.
func DecodeQuery(m Message) (string, error) {
	s, _, ok := readCString(m.Payload())
	if !ok {
		return "", fmt.Errorf("wire: malformed Query")
	}
	return s, nil
}

func EncodeQuery(sql string) Message {
	return NewMessage(KindQuery, Frontend, putCString(nil, sql))
}

// FieldDescription is one column of a RowDescription.
type FieldDescription struct {
	Name         string
	TableOID     uint32
	ColumnAttr   int16
	TypeOID      uint32
	TypeSize     int16
	TypeModifier int32
	Format       int16
}

// RowDescriptionView is the decoded body of a backend RowDescription ('T') message.
type RowDescriptionView struct {
	Fields []FieldDescription
}

func DecodeRowDescription(m Message) (RowDescriptionView, error) {
	b := m.Payload()
	if len(b) < 2 {
		return RowDescriptionView{}, fmt.Errorf("wire: malformed RowDescription")
	}
	count := binary.BigEndian.Uint16(b)
	b = b[2:]
	v := RowDescriptionView{Fields: make([]FieldDescription, 0, count)}
	for i := 0; i < int(count); i++ {
		name, rest, ok := readCString(b)
		if !ok || len(rest) < 18 {
			return RowDescriptionView{}, fmt.Errorf("wire: malformed RowDescription field %d", i)
		}
		fd := FieldDescription{
			Name:         name,
			TableOID:     binary.BigEndian.Uint32(rest[0:4]),
			ColumnAttr:   int16(binary.BigEndian.Uint16(rest[4:6])),
			TypeOID:      binary.BigEndian.Uint32(rest[6:10]),
			TypeSize:     int16(binary.BigEndian.Uint16(rest[10:12])),
			TypeModifier: int32(binary.BigEndian.Uint32(rest[12:16])),
			Format:       int16(binary.BigEndian.Uint16(rest[16:18])),
		}
		v.Fields = append(v.Fields, fd)
		b = rest[18:]
	}
	return v, nil
}

func EncodeRowDescription(v RowDescriptionView) Message {
	buf := make([]byte, 0, 64*len(v.Fields))
	var cnt [2]byte
	binary.BigEndian.PutUint16(cnt[:], uint16(len(v.Fields)))
	buf = append(buf, cnt[:]...)
	for _, f := range v.Fields {
		buf = putCString(buf, f.Name)
		var rest [18]byte
		binary.BigEndian.PutUint32(rest[0:4], f.TableOID)
		binary.BigEndian.PutUint16(rest[4:6], uint16(f.ColumnAttr))
		binary.BigEndian.PutUint32(rest[6:10], f.TypeOID)
		binary.BigEndian.PutUint16(rest[10:12], uint16(f.TypeSize))
		binary.BigEndian.PutUint32(rest[12:16], uint32(f.TypeModifier))
		binary.BigEndian.PutUint16(rest[16:18], uint16(f.Format))
		buf = append(buf, rest[:]...)
	}
	return NewMessage(KindRowDescription, Backend, buf)
}

// DataRowView is the decoded body of a backend DataRow ('D') message: a list of column
// values, nil meaning SQL NULL. Values are left in wire format (text or binary per the
// RowDescription/Bind format codes); the coordinator's sort comparators decode them
// further only when a Route requires ordering.
type DataRowView struct {
	Columns [][]byte
}

func DecodeDataRow(m Message) (DataRowView, error) {
	b := m.Payload()
	if len(b) < 2 {
		return DataRowView{}, fmt.Errorf("wire: malformed DataRow")
	}
	count := binary.BigEndian.Uint16(b)
	b = b[2:]
	v := DataRowView{Columns: make([][]byte, 0, count)}
	for i := 0; i < int(count); i++ {
		if len(b) < 4 {
			return DataRowView{}, fmt.Errorf("wire: malformed DataRow column %d", i)
		}
		n := int32(binary.BigEndian.Uint32(b))
		b = b[4:]
		if n < 0 {
			v.Columns = append(v.Columns, nil)
			continue
		}
		if len(b) < int(n) {
			return DataRowView{}, fmt.Errorf("wire: malformed DataRow: column shorter than declared")
		}
		v.Columns = append(v.Columns, b[:n])
		b = b[n:]
	}
	return v, nil
}

func EncodeDataRow(v DataRowView) Message {
	buf := make([]byte, 0, 32*len(v.Columns))
	var cnt [2]byte
	binary.BigEndian.PutUint16(cnt[:], uint16(len(v.Columns)))
	buf = append(buf, cnt[:]...)
	for _, col := range v.Columns {
		var lenBuf [4]byte
		if col == nil {
			binary.BigEndian.PutUint32(lenBuf[:], 0xFFFFFFFF)
			buf = append(buf, lenBuf[:]...)
			continue
		}
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(col)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, col...)
	}
	return NewMessage(KindDataRow, Backend, buf)
}

// CommandCompleteView is the decoded body of a backend CommandComplete ('C') message.
type CommandCompleteView struct {
	Tag string
}

func DecodeCommandComplete(m Message) (CommandCompleteView, error) {
	s, _, ok := readCString(m.Payload())
	if !ok {
		return CommandCompleteView{}, fmt.Errorf("wire: malformed CommandComplete")
	}
	return CommandCompleteView{Tag: s}, nil
}

func EncodeCommandComplete(tag string) Message {
	return NewMessage(KindCommandComplete, Backend, putCString(nil, tag))
}

func DecodeReadyForQuery(m Message) (TransactionStatus, error) {
	if len(m.Payload()) != 1 {
		return 0, fmt.Errorf("wire: malformed ReadyForQuery")
	}
	return TransactionStatus(m.Payload()[0]), nil
}

func EncodeReadyForQuery(status TransactionStatus) Message {
	return NewMessage(KindReadyForQuery, Backend, []byte{byte(status)})
}

// ErrorFields maps the single-byte field codes of an ErrorResponse/NoticeResponse to values.
type ErrorFields map[byte]string

const (
	FieldSeverity = 'S'
	FieldCode     = 'C'
	FieldMessage  = 'M'
	FieldDetail   = 'D'
)

func DecodeErrorResponse(m Message) (ErrorFields, error) {
	b := m.Payload()
	fields := make(ErrorFields)
	for len(b) > 0 && b[0] != 0 {
		code := b[0]
		s, rest, ok := readCString(b[1:])
		if !ok {
			return nil, fmt.Errorf("wire: malformed ErrorResponse field")
		}
		fields[code] = s
		b = rest
	}
	return fields, nil
}

func EncodeErrorResponse(fields ErrorFields) Message {
	buf := make([]byte, 0, 64)
	for code, val := range fields {
		buf = append(buf, code)
		buf = putCString(buf, val)
	}
	buf = append(buf, 0)
	return NewMessage(KindErrorResponse, Backend, buf)
}

// ParameterStatusView is the decoded body of a backend ParameterStatus ('S') message.
type ParameterStatusView struct {
	Name  string
	Value string
}

func DecodeParameterStatus(m Message) (ParameterStatusView, error) {
	name, rest, ok := readCString(m.Payload())
	if !ok {
		return ParameterStatusView{}, fmt.Errorf("wire: malformed ParameterStatus")
	}
	value, _, ok := readCString(rest)
	if !ok {
		return ParameterStatusView{}, fmt.Errorf("wire: malformed ParameterStatus value")
	}
	return ParameterStatusView{Name: name, Value: value}, nil
}

func EncodeParameterStatus(name, value string) Message {
	buf := putCString(nil, name)
	buf = putCString(buf, value)
	return NewMessage(KindParameterStatus, Backend, buf)
}

// NotificationResponseView is the decoded body of a backend NotificationResponse ('A').
type NotificationResponseView struct {
	BackendPID int32
	Channel    string
	Payload    string
}

func DecodeNotificationResponse(m Message) (NotificationResponseView, error) {
	b := m.Payload()
	if len(b) < 4 {
		return NotificationResponseView{}, fmt.Errorf("wire: malformed NotificationResponse")
	}
	pid := int32(binary.BigEndian.Uint32(b))
	channel, rest, ok := readCString(b[4:])
	if !ok {
		return NotificationResponseView{}, fmt.Errorf("wire: malformed NotificationResponse channel")
	}
	payload, _, ok := readCString(rest)
	if !ok {
		return NotificationResponseView{}, fmt.Errorf("wire: malformed NotificationResponse payload")
	}
	return NotificationResponseView{BackendPID: pid, Channel: channel, Payload: payload}, nil
}

func EncodeNotificationResponse(v NotificationResponseView) Message {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(v.BackendPID))
	buf = putCString(buf, v.Channel)
	buf = putCString(buf, v.Payload)
	return NewMessage(KindNotificationResponse, Backend, buf)
}

// BackendKeyDataView is the decoded body of a backend BackendKeyData ('K') message.
type BackendKeyDataView struct {
	PID    int32
	Secret int32
}

func DecodeBackendKeyData(m Message) (BackendKeyDataView, error) {
	b := m.Payload()
	if len(b) != 8 {
		return BackendKeyDataView{}, fmt.Errorf("wire: malformed BackendKeyData")
	}
	return BackendKeyDataView{
		PID:    int32(binary.BigEndian.Uint32(b[0:4])),
		Secret: int32(binary.BigEndian.Uint32(b[4:8])),
	}, nil
}

func EncodeBackendKeyData(v BackendKeyDataView) Message {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(v.PID))
	binary.BigEndian.PutUint32(buf[4:8], uint32(v.Secret))
	return NewMessage(KindBackendKeyData, Backend, buf)
}

// CopyResponseView decodes CopyInResponse/CopyOutResponse/CopyBothResponse bodies, which
// share one shape: an overall format byte, a column count, and a format code per column.
type CopyResponseView struct {
	OverallFormat byte
	ColumnFormats []int16
}

func DecodeCopyResponse(m Message) (CopyResponseView, error) {
	b := m.Payload()
	if len(b) < 3 {
		return CopyResponseView{}, fmt.Errorf("wire: malformed copy response")
	}
	v := CopyResponseView{OverallFormat: b[0]}
	count := binary.BigEndian.Uint16(b[1:3])
	b = b[3:]
	for i := 0; i < int(count) && len(b) >= 2; i++ {
		v.ColumnFormats = append(v.ColumnFormats, int16(binary.BigEndian.Uint16(b)))
		b = b[2:]
	}
	return v, nil
}

// EmptyQueryResponse, NoData, ParseComplete, BindComplete, CloseComplete carry no payload.
func EncodeEmptyQueryResponse() Message { return NewMessage(KindEmptyQueryResponse, Backend, nil) }
func EncodeNoData() Message             { return NewMessage(KindNoData, Backend, nil) }
func EncodeParseComplete() Message      { return NewMessage(KindParseComplete, Backend, nil) }
func EncodeBindComplete() Message       { return NewMessage(KindBindComplete, Backend, nil) }
func EncodeCloseComplete() Message      { return NewMessage(KindCloseComplete, Backend, nil) }
func EncodeSync() Message               { return NewMessage(KindSync, Frontend, nil) }

// EncodeAuthenticationOk/CleartextPassword/MD5Password are the server-side (proxy-to-
// client) counterparts of internal/backend/auth.go's client-side AuthenticationXXX handling: the proxy
// plays the server role in the frontend handshake.
func EncodeAuthenticationOk() Message {
	return NewMessage(KindAuthentication, Backend, []byte{0, 0, 0, 0})
}

func EncodeAuthenticationCleartextPassword() Message {
	return NewMessage(KindAuthentication, Backend, []byte{0, 0, 0, 3})
}

func EncodeAuthenticationMD5Password(salt [4]byte) Message {
	buf := []byte{0, 0, 0, 5}
	return NewMessage(KindAuthentication, Backend, append(buf, salt[:]...))
}

// DecodePasswordMessage decodes a frontend PasswordMessage ('p') body: a single
// null-terminated string (cleartext password, or "md5..." hash).
func DecodePasswordMessage(m Message) (string, error) {
	s, _, ok := readCString(m.Payload())
	if !ok {
		return "", fmt.Errorf("wire: malformed PasswordMessage")
	}
	return s, nil
}

// DecodeStartupParams parses the key/value pairs following the protocol version in a
// startup packet body (the body ReadStartup returns after the 4-byte code).
func DecodeStartupParams(body []byte) (map[string]string, error) {
	params := make(map[string]string)
	for len(body) > 0 && body[0] != 0 {
		key, rest, ok := readCString(body)
		if !ok {
			return nil, fmt.Errorf("wire: malformed startup params: missing key")
		}
		val, rest2, ok := readCString(rest)
		if !ok {
			return nil, fmt.Errorf("wire: malformed startup params: missing value for %q", key)
		}
		params[key] = val
		body = rest2
	}
	return params, nil
}

// CopyDataView is the decoded body of a CopyData ('d') message: an opaque byte chunk,
// one or more COPY rows depending on framing, forwarded verbatim unless the proxy needs
// to rewrite it for multi-shard row routing.
type CopyDataView struct {
	Data []byte
}

func DecodeCopyData(m Message) (CopyDataView, error) {
	return CopyDataView{Data: m.Payload()}, nil
}

func EncodeCopyData(data []byte) Message {
	return NewMessage(KindCopyData, Frontend, data)
}

// EncodeCopyDone and EncodeCopyFail end a COPY-in stream, telling the backend to commit
// the copied rows or abort with reason as the reported error detail.
func EncodeCopyDone() Message { return NewMessage(KindCopyDone, Frontend, nil) }

func EncodeCopyFail(reason string) Message {
	return NewMessage(KindCopyFail, Frontend, putCString(nil, reason))
}
