package grid

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// the field that carries the row id in a row record
const RowIdField = "id"

// the field that marks a placeholder row
const LoadingField = "__loading__"

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	var dst Id
	switch len(idStr) {
	case 36:
		idStr = idStr[0:8] + idStr[9:13] + idStr[14:18] + idStr[19:23] + idStr[24:]
	case 32:
	default:
		return dst, fmt.Errorf("cannot parse id %v", idStr)
	}
	buf, err := hex.DecodeString(idStr)
	if err != nil {
		return dst, err
	}
	copy(dst[:], buf)
	return dst, nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", self[0:4], self[4:6], self[6:8], self[8:10], self[10:16])
}

func (self Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(self.String())
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for id: %v", len(src))
	}
	id, err := ParseId(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

// a cell value is a string or numeric scalar
type Value = any

func IsScalarValue(value Value) bool {
	switch value.(type) {
	case string, float64, float32, int, int32, int64, json.Number:
		return true
	default:
		return false
	}
}

// numbers are held as float64 so that values decoded from different
// paths compare equal
func normalizeValue(value Value) Value {
	switch v := value.(type) {
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return value
	}
}

func ColumnField(col int) string {
	return fmt.Sprintf("col%d", col)
}

type ColumnDef struct {
	Field      string `json:"field"`
	HeaderName string `json:"headerName"`
}

// one record per row
// the json form is flat, `{"id": 12, "col0": "a", ...}`
type Row struct {
	Id      int64
	Values  map[string]Value
	Loading bool
}

func NewLoadingRow() *Row {
	return &Row{
		Id:      -1,
		Values:  map[string]Value{},
		Loading: true,
	}
}

func (self *Row) Clone() *Row {
	values := make(map[string]Value, len(self.Values))
	for field, value := range self.Values {
		values[field] = value
	}
	return &Row{
		Id:      self.Id,
		Values:  values,
		Loading: self.Loading,
	}
}

func (self *Row) MarshalJSON() ([]byte, error) {
	if self.Loading {
		return json.Marshal(map[string]any{
			LoadingField: true,
		})
	}
	m := make(map[string]any, len(self.Values)+1)
	for field, value := range self.Values {
		m[field] = value
	}
	m[RowIdField] = self.Id
	return json.Marshal(m)
}

func (self *Row) UnmarshalJSON(src []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(src))
	decoder.UseNumber()
	m := map[string]any{}
	if err := decoder.Decode(&m); err != nil {
		return err
	}

	self.Values = map[string]Value{}
	if loading, ok := m[LoadingField].(bool); ok && loading {
		self.Id = -1
		self.Loading = true
		return nil
	}

	idNumber, ok := m[RowIdField].(json.Number)
	if !ok {
		return fmt.Errorf("row is missing a numeric %s", RowIdField)
	}
	id, err := idNumber.Int64()
	if err != nil {
		return fmt.Errorf("row %s: %w", RowIdField, err)
	}
	self.Id = id
	self.Loading = false
	for field, value := range m {
		if field == RowIdField {
			continue
		}
		self.Values[field] = normalizeValue(value)
	}
	return nil
}

type PageRequest struct {
	RowPage     int
	ColPage     int
	RowsPerPage int
	ColsPerPage int
}

func (self PageRequest) Validate() error {
	if self.RowPage < 0 || self.ColPage < 0 || self.RowsPerPage <= 0 || self.ColsPerPage <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPageRequest, self)
	}
	return nil
}

func (self PageRequest) String() string {
	return fmt.Sprintf("rowPage=%d colPage=%d rowsPerPage=%d colsPerPage=%d", self.RowPage, self.ColPage, self.RowsPerPage, self.ColsPerPage)
}

type PageMeta struct {
	TotalRows   int `json:"totalRows"`
	TotalCols   int `json:"totalCols"`
	RowPage     int `json:"rowPage"`
	ColPage     int `json:"colPage"`
	RowsPerPage int `json:"rowsPerPage"`
	ColsPerPage int `json:"colsPerPage"`
}

// a slice of the dataset for one (row page, column page)
// column defs are cumulative from the first column
type Page struct {
	Rows       []*Row       `json:"rows"`
	ColumnDefs []*ColumnDef `json:"colDefs"`
	Meta       PageMeta     `json:"meta"`
}

// a single cell change from one viewer
type MutationEvent struct {
	Id    int64  `json:"id"`
	Field string `json:"field"`
	Value Value  `json:"value"`
}

func (self *MutationEvent) Validate() error {
	if self.Id < 0 {
		return fmt.Errorf("%w: negative row id %d", ErrMalformedMutation, self.Id)
	}
	if strings.TrimSpace(self.Field) == "" || self.Field == RowIdField {
		return fmt.Errorf("%w: bad field %q", ErrMalformedMutation, self.Field)
	}
	if !IsScalarValue(self.Value) {
		return fmt.Errorf("%w: value must be a string or number (%T)", ErrMalformedMutation, self.Value)
	}
	return nil
}

func (self *MutationEvent) String() string {
	return fmt.Sprintf("(%d, %s)=%v", self.Id, self.Field, self.Value)
}
