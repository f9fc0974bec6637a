package inventory

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// Columns lists the inventory columns the cleaner requires, in schema order.
var Columns = []string{
	"bid",
	"occtype",
	"val_struct",
	"sqft",
	"num_story",
	"found_type",
	"found_ht",
	"latitude",
	"longitude",
	"val_cont",
	"firmzone",
}

// ErrMissingColumns is returned when a parquet file lacks required columns.
var ErrMissingColumns = errors.New("parquet file missing required columns")

// Cell is a raw column value rendered as text. Null is set for parquet nulls.
type Cell struct {
	Text string
	Null bool
}

// Text returns a non-null cell.
func Text(s string) Cell { return Cell{Text: s} }

// Null is the absent cell.
var Null = Cell{Null: true}

// Row is one inventory record with a fixed field per required column.
type Row struct {
	BID       Cell
	OccType   Cell
	ValStruct Cell
	Sqft      Cell
	NumStory  Cell
	FoundType Cell
	FoundHt   Cell
	Latitude  Cell
	Longitude Cell
	ValCont   Cell
	FirmZone  Cell
}

func (r *Row) field(i int) *Cell {
	switch i {
	case 0:
		return &r.BID
	case 1:
		return &r.OccType
	case 2:
		return &r.ValStruct
	case 3:
		return &r.Sqft
	case 4:
		return &r.NumStory
	case 5:
		return &r.FoundType
	case 6:
		return &r.FoundHt
	case 7:
		return &r.Latitude
	case 8:
		return &r.Longitude
	case 9:
		return &r.ValCont
	case 10:
		return &r.FirmZone
	}
	return nil
}

// RowReader streams typed rows out of a single parquet file.
type RowReader struct {
	file      *os.File
	groups    []parquet.RowGroup
	group     int
	rows      parquet.Rows
	buf       []parquet.Row
	leafToCol map[int]int
}

// OpenRows opens a parquet file for row streaming. batchSize controls how
// many rows are decoded per underlying read.
func OpenRows(path string, batchSize int) (*RowReader, error) {
	if batchSize <= 0 {
		batchSize = 65536
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open parquet %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat parquet %s: %w", path, err)
	}

	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open parquet %s: %w", path, err)
	}

	schema := pf.Schema()
	leafToCol := make(map[int]int, len(Columns))
	var missing []string
	for i, name := range Columns {
		leaf, ok := schema.Lookup(name)
		if !ok {
			missing = append(missing, name)
			continue
		}
		leafToCol[leaf.ColumnIndex] = i
	}
	if len(missing) > 0 {
		f.Close()
		return nil, fmt.Errorf("%w (%s): %s", ErrMissingColumns, strings.Join(missing, ", "), path)
	}

	return &RowReader{
		file:      f,
		groups:    pf.RowGroups(),
		buf:       make([]parquet.Row, batchSize),
		leafToCol: leafToCol,
	}, nil
}

// Read fills dst with up to len(dst) rows. It returns io.EOF once every row
// group is exhausted.
func (r *RowReader) Read(dst []Row) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	for {
		if r.rows == nil {
			if r.group >= len(r.groups) {
				return 0, io.EOF
			}
			r.rows = r.groups[r.group].Rows()
			r.group++
		}

		want := len(dst)
		if want > len(r.buf) {
			want = len(r.buf)
		}
		n, err := r.rows.ReadRows(r.buf[:want])
		for i := 0; i < n; i++ {
			dst[i] = r.convert(r.buf[i])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return n, fmt.Errorf("read parquet rows: %w", err)
			}
			r.rows.Close()
			r.rows = nil
		}
		if n > 0 {
			return n, nil
		}
	}
}

func (r *RowReader) convert(pr parquet.Row) Row {
	row := Row{
		BID: Null, OccType: Null, ValStruct: Null, Sqft: Null, NumStory: Null,
		FoundType: Null, FoundHt: Null, Latitude: Null, Longitude: Null,
		ValCont: Null, FirmZone: Null,
	}
	for _, v := range pr {
		idx, ok := r.leafToCol[v.Column()]
		if !ok {
			continue
		}
		*row.field(idx) = cellFromValue(v)
	}
	return row
}

// Close releases the underlying file.
func (r *RowReader) Close() error {
	if r.rows != nil {
		r.rows.Close()
		r.rows = nil
	}
	return r.file.Close()
}

func cellFromValue(v parquet.Value) Cell {
	if v.IsNull() {
		return Null
	}
	switch v.Kind() {
	case parquet.Boolean:
		return Text(strconv.FormatBool(v.Boolean()))
	case parquet.Int32:
		return Text(strconv.FormatInt(int64(v.Int32()), 10))
	case parquet.Int64:
		return Text(strconv.FormatInt(v.Int64(), 10))
	case parquet.Float:
		return Text(FormatFloat(float64(v.Float())))
	case parquet.Double:
		return Text(FormatFloat(v.Double()))
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return Text(string(v.ByteArray()))
	default:
		return Text(v.String())
	}
}

// FormatFloat renders a float in its shortest round-trip form, keeping a
// trailing ".0" on integral values so keys built from it stay stable.
func FormatFloat(f float64) string {
	if math.IsNaN(f) {
		return "nan"
	}
	if math.IsInf(f, 0) {
		if f > 0 {
			return "inf"
		}
		return "-inf"
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".") {
		s += ".0"
	}
	return s
}
