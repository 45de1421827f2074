package grid

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

const DefaultTotalRows = 300_000
const DefaultTotalCols = 300

// a stateless paged fetch of the dataset
// the value at (row, col) must depend only on (row, col)
type Source interface {
	FetchPage(ctx context.Context, request PageRequest) (*Page, error)
}

var cellWords = []string{
	"amber", "anchor", "apple", "arrow", "aspen", "atlas", "badge", "basil",
	"beacon", "birch", "blossom", "bolt", "breeze", "brook", "cactus", "canyon",
	"cedar", "chalk", "cinder", "clover", "cobalt", "comet", "coral", "crane",
	"crystal", "dawn", "delta", "dune", "ember", "falcon", "fern", "fjord",
	"flint", "frost", "garnet", "glacier", "granite", "grove", "harbor", "hazel",
	"heron", "indigo", "iris", "ivory", "jade", "juniper", "kelp", "lagoon",
	"lantern", "maple", "marble", "meadow", "mesa", "nectar", "nova", "oak",
	"onyx", "orchid", "pebble", "pine", "quartz", "raven", "ridge", "willow",
}

// deterministic generator for the full dataset
type GeneratedSource struct {
	TotalRows int
	TotalCols int
}

func NewGeneratedSourceWithDefaults() *GeneratedSource {
	return NewGeneratedSource(DefaultTotalRows, DefaultTotalCols)
}

func NewGeneratedSource(totalRows int, totalCols int) *GeneratedSource {
	return &GeneratedSource{
		TotalRows: totalRows,
		TotalCols: totalCols,
	}
}

func (self *GeneratedSource) Cell(row int, col int) Value {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(row)*uint64(self.TotalCols)+uint64(col))
	return cellWords[xxhash.Sum64(b[:])%uint64(len(cellWords))]
}

func (self *GeneratedSource) FetchPage(ctx context.Context, request PageRequest) (*Page, error) {
	if err := request.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	startRow := request.RowPage * request.RowsPerPage
	endRow := min(startRow+request.RowsPerPage, self.TotalRows)

	// column pages are cumulative from the first column
	startCol := 0
	endCol := min(startCol+request.ColsPerPage*(request.ColPage+1), self.TotalCols)

	columnDefs := make([]*ColumnDef, 0, max(0, endCol-startCol))
	for c := startCol; c < endCol; c += 1 {
		columnDefs = append(columnDefs, &ColumnDef{
			Field:      ColumnField(c),
			HeaderName: fmt.Sprintf("Column %d", c),
		})
	}

	rows := make([]*Row, 0, max(0, endRow-startRow))
	for r := startRow; r < endRow; r += 1 {
		row := &Row{
			Id:     int64(r),
			Values: make(map[string]Value, endCol-startCol),
		}
		for c := startCol; c < endCol; c += 1 {
			row.Values[ColumnField(c)] = self.Cell(r, c)
		}
		rows = append(rows, row)
	}

	return &Page{
		Rows:       rows,
		ColumnDefs: columnDefs,
		Meta: PageMeta{
			TotalRows:   self.TotalRows,
			TotalCols:   self.TotalCols,
			RowPage:     request.RowPage,
			ColPage:     request.ColPage,
			RowsPerPage: request.RowsPerPage,
			ColsPerPage: request.ColsPerPage,
		},
	}, nil
}

type HttpSourceSettings struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	TlsTimeout     time.Duration `yaml:"tls_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

func DefaultHttpSourceSettings() *HttpSourceSettings {
	return &HttpSourceSettings{
		ConnectTimeout: 5 * time.Second,
		TlsTimeout:     5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// client for the paged data endpoint, `GET <url>/api/data`
type HttpSource struct {
	apiUrl string
	client *http.Client
}

func NewHttpSourceWithDefaults(apiUrl string) *HttpSource {
	return NewHttpSource(apiUrl, DefaultHttpSourceSettings())
}

func NewHttpSource(apiUrl string, settings *HttpSourceSettings) *HttpSource {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: settings.ConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.TlsTimeout,
	}
	return &HttpSource{
		apiUrl: apiUrl,
		client: &http.Client{
			Transport: transport,
			Timeout:   settings.RequestTimeout,
		},
	}
}

func (self *HttpSource) FetchPage(ctx context.Context, request PageRequest) (*Page, error) {
	if err := request.Validate(); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("rowPage", strconv.Itoa(request.RowPage))
	query.Set("colPage", strconv.Itoa(request.ColPage))
	query.Set("rowsPerPage", strconv.Itoa(request.RowsPerPage))
	query.Set("colsPerPage", strconv.Itoa(request.ColsPerPage))

	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/api/data?%s", self.apiUrl, query.Encode()), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", "application/json")

	r, err := self.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if r.StatusCode < 200 || 300 <= r.StatusCode {
		return nil, fmt.Errorf("data endpoint status %d: %s", r.StatusCode, body)
	}

	page := &Page{}
	if err := json.Unmarshal(body, page); err != nil {
		return nil, fmt.Errorf("data endpoint response: %w", err)
	}
	return page, nil
}
