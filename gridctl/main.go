package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/joho/godotenv"

	"github.com/bringyour/datagrid/grid"
	"github.com/bringyour/datagrid/grid/export"
)

const GridCtlVersion = "0.0.1"

const DefaultUrl = "http://localhost:8080"

func main() {
	usage := fmt.Sprintf(
		`Data grid control.

The default url is:
    url: %s

The redis url for a shared relay is read from --redis_url or REDIS_URL,
which may be set in a .env file.

Usage:
    gridctl serve [--listen=<listen>] [--config=<config>] [--redis_url=<redis_url>]
        [--total_rows=<total_rows>] [--total_cols=<total_cols>] [--log=<log>]
    gridctl view [--url=<url>] [--config=<config>] [--start=<start>] [--rows=<rows>]
        [--col_pages=<col_pages>] [--follow] [--stats] [--log=<log>]
    gridctl edit [--url=<url>] [--config=<config>] --row=<row> --field=<field> <value> [--log=<log>]
    gridctl sink [--url=<url>] [--config=<config>] [--message_count=<message_count>] [--log=<log>]
    gridctl export [--url=<url>] [--config=<config>] --out=<out> [--rows=<rows>]
        [--col_pages=<col_pages>] [--log=<log>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --url=<url>                      Data server url.
    --config=<config>                Yaml settings file.
    --listen=<listen>                Listen address.
    --redis_url=<redis_url>          Redis url for the relay backplane.
    --total_rows=<total_rows>        Generated dataset rows.
    --total_cols=<total_cols>        Generated dataset columns.
    --start=<start>                  First row [default: 0].
    --rows=<rows>                    Row count [default: 20].
    --col_pages=<col_pages>          Column pages to load [default: 1].
    --follow                         Keep printing mutations from other viewers.
    --stats                          Print mount and memory counters on exit.
    --row=<row>                      Row id.
    --field=<field>                  Column field, e.g. col3.
    --out=<out>                      Xlsx output path.
    --message_count=<message_count>  Print this many messages then exit.
    --log=<log>                      Log verbosity [default: 0].`,
		DefaultUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], GridCtlVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	if logLevel, err := opts.String("--log"); err == nil {
		flag.Set("v", logLevel)
	}
	defer glog.Flush()

	// the env file is optional
	godotenv.Load()

	settings := loadSettings(opts)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(ctx, opts, settings)
	} else if view_, _ := opts.Bool("view"); view_ {
		view(ctx, opts, settings)
	} else if edit_, _ := opts.Bool("edit"); edit_ {
		edit(ctx, opts, settings)
	} else if sink_, _ := opts.Bool("sink"); sink_ {
		sink(ctx, opts, settings)
	} else if export_, _ := opts.Bool("export"); export_ {
		exportXlsx(ctx, opts, settings)
	} else {
		docopt.PrintHelpAndExit(nil, usage)
	}
}

func loadSettings(opts docopt.Opts) *grid.SettingsFile {
	configPath, err := opts.String("--config")
	if err != nil || configPath == "" {
		return grid.DefaultSettingsFile()
	}
	settings, err := grid.LoadSettingsFile(configPath)
	if err != nil {
		panic(err)
	}
	return settings
}

func serverUrl(opts docopt.Opts) string {
	if serverUrl, err := opts.String("--url"); err == nil && serverUrl != "" {
		return strings.TrimSuffix(serverUrl, "/")
	}
	return DefaultUrl
}

func relayUrl(serverUrl string) (string, error) {
	u, err := url.Parse(serverUrl)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/relay"
	return u.String(), nil
}

func serve(ctx context.Context, opts docopt.Opts, settings *grid.SettingsFile) {
	listen := settings.Listen
	if listen_, err := opts.String("--listen"); err == nil && listen_ != "" {
		listen = listen_
	}
	if totalRows, err := opts.Int("--total_rows"); err == nil {
		settings.Dataset.TotalRows = totalRows
	}
	if totalCols, err := opts.Int("--total_cols"); err == nil {
		settings.Dataset.TotalCols = totalCols
	}

	redisUrl := settings.RedisUrl
	if redisUrl_, err := opts.String("--redis_url"); err == nil && redisUrl_ != "" {
		redisUrl = redisUrl_
	} else if redisUrl_ := os.Getenv("REDIS_URL"); redisUrl_ != "" {
		redisUrl = redisUrl_
	}

	var backplane grid.Backplane
	if redisUrl != "" {
		redisBackplane, err := grid.NewRedisBackplane(ctx, redisUrl, settings.BackplaneChannel)
		if err != nil {
			fmt.Printf("Redis backplane error (%s).\n", err)
			return
		}
		defer redisBackplane.Close()
		backplane = redisBackplane
	}

	relay := grid.NewRelay(ctx, backplane, settings.Relay)
	defer relay.Close()

	source := grid.NewGeneratedSource(settings.Dataset.TotalRows, settings.Dataset.TotalCols)
	server := grid.NewSourceServer(source, relay, settings.Server)

	fmt.Printf(
		"Serving %d rows x %d columns on %s (relay %s)\n",
		settings.Dataset.TotalRows,
		settings.Dataset.TotalCols,
		listen,
		relay.RelayId(),
	)
	if err := server.ListenAndServe(ctx, listen); err != nil {
		fmt.Printf("Server error (%s).\n", err)
	}
}

func view(ctx context.Context, opts docopt.Opts, settings *grid.SettingsFile) {
	start, _ := opts.Int("--start")
	rowCount, _ := opts.Int("--rows")
	colPages, _ := opts.Int("--col_pages")
	follow, _ := opts.Bool("--follow")
	stats, _ := opts.Bool("--stats")

	apiUrl := serverUrl(opts)
	relayUrl_, err := relayUrl(apiUrl)
	if err != nil {
		fmt.Printf("Invalid url (%s).\n", err)
		return
	}

	perf := grid.NewPerfStats()
	if stats {
		defer printStats(perf)
	}

	renderer := newTermRenderer(os.Stdout, perf)
	session := grid.NewSession(
		ctx,
		grid.NewHttpSource(apiUrl, settings.HttpSource),
		grid.NewWebsocketRelayDialer(relayUrl_, settings.RelayTransport),
		renderer,
		perf,
		settings.Session,
	)
	defer session.Close()

	window := session.Window()
	_, future := window.RequestRange(start, start+rowCount)
	if _, err := future.Wait(ctx); err != nil {
		fmt.Printf("Fetch error (%s).\n", err)
		return
	}
	for i := 1; i < colPages; i += 1 {
		if _, err := window.OnHorizontalEdgeReached(window.LastField()).Wait(ctx); err != nil {
			fmt.Printf("Column fetch error (%s).\n", err)
			return
		}
	}

	if follow {
		<-ctx.Done()
	}
}

func printStats(perf *grid.PerfStats) {
	out, err := yaml.Marshal(perf.Snapshot())
	if err != nil {
		fmt.Printf("Stats error (%s).\n", err)
		return
	}
	fmt.Printf("%s", out)
}

func edit(ctx context.Context, opts docopt.Opts, settings *grid.SettingsFile) {
	rowId, err := opts.Int("--row")
	if err != nil {
		fmt.Printf("Invalid row (%s).\n", err)
		return
	}
	field, _ := opts.String("--field")
	valueStr, _ := opts.String("<value>")

	// numbers are sent as numbers
	var value grid.Value = valueStr
	if v, err := strconv.ParseFloat(valueStr, 64); err == nil {
		value = v
	}

	event := &grid.MutationEvent{
		Id:    int64(rowId),
		Field: field,
		Value: value,
	}
	if err := event.Validate(); err != nil {
		fmt.Printf("Invalid edit (%s).\n", err)
		return
	}

	relayUrl_, err := relayUrl(serverUrl(opts))
	if err != nil {
		fmt.Printf("Invalid url (%s).\n", err)
		return
	}
	transport, err := grid.DialRelay(ctx, relayUrl_, settings.RelayTransport)
	if err != nil {
		fmt.Printf("Relay error (%s).\n", err)
		return
	}
	defer transport.Close()

	if err := transport.Publish(event); err != nil {
		fmt.Printf("Edit not sent (%s).\n", err)
		return
	}
	flushCtx, cancel := context.WithTimeout(ctx, settings.RelayTransport.WriteTimeout)
	defer cancel()
	if err := transport.Flush(flushCtx); err != nil {
		fmt.Printf("Edit not sent (%s).\n", err)
		return
	}
	fmt.Printf("Sent %s\n", event)
}

// print mutations from other viewers
func sink(ctx context.Context, opts docopt.Opts, settings *grid.SettingsFile) {
	messageCount := -1
	if messageCount_, err := opts.Int("--message_count"); err == nil {
		messageCount = messageCount_
	}

	relayUrl_, err := relayUrl(serverUrl(opts))
	if err != nil {
		fmt.Printf("Invalid url (%s).\n", err)
		return
	}

	for i := 0; messageCount < 0 || i < messageCount; {
		reconnect := grid.NewReconnect(settings.Session.ReconnectTimeout)
		transport, err := grid.DialRelay(ctx, relayUrl_, settings.RelayTransport)
		if err == nil {
			for event := range transport.Events() {
				message, _ := grid.EncodeMutation(event)
				fmt.Printf("%s\n", message)
				i += 1
				if 0 <= messageCount && messageCount <= i {
					break
				}
			}
			transport.Close()
		} else if ctx.Err() == nil {
			fmt.Printf("Relay error (%s).\n", err)
		}

		if 0 <= messageCount && messageCount <= i {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func exportXlsx(ctx context.Context, opts docopt.Opts, settings *grid.SettingsFile) {
	out, _ := opts.String("--out")
	rowCount, _ := opts.Int("--rows")
	colPages, _ := opts.Int("--col_pages")

	collectSettings := export.DefaultCollectSettings()
	collectSettings.RowCount = rowCount
	collectSettings.ColumnPages = colPages
	collectSettings.Window.RowsPerPage = settings.Session.Window.RowsPerPage
	collectSettings.Window.ColsPerPage = settings.Session.Window.ColsPerPage
	collectSettings.Window.FetchTimeout = settings.Session.Window.FetchTimeout

	startTime := time.Now()
	source := grid.NewHttpSource(serverUrl(opts), settings.HttpSource)
	columnDefs, rows, err := export.Collect(ctx, source, collectSettings)
	if err != nil {
		fmt.Printf("Export error (%s).\n", err)
		return
	}
	if err := export.WriteXlsx(out, columnDefs, rows); err != nil {
		fmt.Printf("Export error (%s).\n", err)
		return
	}
	fmt.Printf("Wrote %d rows x %d columns to %s (%s)\n", len(rows), len(columnDefs), out, time.Since(startTime))
}

const cellWidth = 12

// Prints the viewport as a table. The printed table is what is mounted:
// each print unmounts the cells of the previous one.
// all calls come from the window manager's renderer goroutine
type termRenderer struct {
	out  io.Writer
	perf grid.PerfSink
	// terminal width, 0 to measure stdout
	width int

	columnDefs    []*grid.ColumnDef
	visibleFields []string
	// row id -> mounted cell count
	mountedCells map[int64]int
}

func newTermRenderer(out io.Writer, perf grid.PerfSink) *termRenderer {
	return &termRenderer{
		out:          out,
		perf:         perf,
		mountedCells: map[int64]int{},
	}
}

// as many columns as fit the terminal
func (self *termRenderer) visibleColumnDefs() []*grid.ColumnDef {
	width := self.width
	if width <= 0 {
		var err error
		width, _, err = term.GetSize(int(os.Stdout.Fd()))
		if err != nil || width <= 0 {
			width = 120
		}
	}
	n := max(1, (width-cellWidth)/(cellWidth+1))
	columnDefs := self.columnDefs[:min(n, len(self.columnDefs))]

	fields := make([]string, len(columnDefs))
	for i, columnDef := range columnDefs {
		fields[i] = columnDef.Field
	}
	grid.TrackColumns(self.perf, self.visibleFields, fields)
	self.visibleFields = fields
	return columnDefs
}

func (self *termRenderer) unmountAll() {
	for rowId, count := range self.mountedCells {
		for i := 0; i < count; i += 1 {
			self.perf.CellUnmounted(rowId)
		}
	}
	clear(self.mountedCells)
}

func (self *termRenderer) SetColumnDefs(columnDefs []*grid.ColumnDef) {
	self.columnDefs = columnDefs
	glog.V(1).Infof("[v]%d columns\n", len(columnDefs))
}

func (self *termRenderer) DeliverRows(startRow int, endRow int, rows []*grid.Row, lastRow int) {
	loading := 0
	for _, row := range rows {
		if row.Loading {
			loading += 1
		}
	}
	if 0 < len(rows) && loading == len(rows) {
		fmt.Fprintf(self.out, "Loading rows [%d, %d)...\n", startRow, endRow)
		return
	}

	self.unmountAll()
	columnDefs := self.visibleColumnDefs()
	var b strings.Builder
	b.WriteString(pad(grid.RowIdField))
	for _, columnDef := range columnDefs {
		b.WriteString(" ")
		b.WriteString(pad(columnDef.HeaderName))
	}
	b.WriteString("\n")
	for i, row := range rows {
		if row.Loading {
			b.WriteString(pad(strconv.Itoa(startRow + i)))
			b.WriteString(" ...\n")
			continue
		}
		b.WriteString(pad(strconv.FormatInt(row.Id, 10)))
		for _, columnDef := range columnDefs {
			b.WriteString(" ")
			b.WriteString(pad(fmt.Sprint(row.Values[columnDef.Field])))
			self.perf.CellMounted(row.Id)
			self.mountedCells[row.Id] += 1
		}
		b.WriteString("\n")
	}
	if 0 <= lastRow {
		fmt.Fprintf(&b, "(%d rows total)\n", lastRow)
	}
	fmt.Fprint(self.out, b.String())
}

func (self *termRenderer) FailRows(startRow int, endRow int, err error) {
	fmt.Fprintf(self.out, "Rows [%d, %d) failed (%s).\n", startRow, endRow, err)
}

func (self *termRenderer) PatchCell(rowId int64, field string, value grid.Value) {
	fmt.Fprintf(self.out, "row %d %s = %v\n", rowId, field, value)
}

func (self *termRenderer) FlashCell(rowId int64, field string) {
	fmt.Fprintf(self.out, "row %d %s *\n", rowId, field)
}

// fits s to the cell width, truncating on a rune boundary
func pad(s string) string {
	n := utf8.RuneCountInString(s)
	if cellWidth < n {
		runes := []rune(s)
		return string(runes[:cellWidth-1]) + "~"
	}
	return s + strings.Repeat(" ", cellWidth-n)
}
