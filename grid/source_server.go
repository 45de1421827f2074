package grid

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
)

type SourceServerSettings struct {
	DefaultRowsPerPage int           `yaml:"default_rows_per_page"`
	DefaultColsPerPage int           `yaml:"default_cols_per_page"`
	MaxRowsPerPage     int           `yaml:"max_rows_per_page"`
	MaxColsPerPage     int           `yaml:"max_cols_per_page"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

func DefaultSourceServerSettings() *SourceServerSettings {
	return &SourceServerSettings{
		DefaultRowsPerPage: 50,
		DefaultColsPerPage: 20,
		MaxRowsPerPage:     1000,
		MaxColsPerPage:     300,
		ShutdownTimeout:    5 * time.Second,
	}
}

// serves the paged data endpoint and the relay
//
//	GET /api/data?rowPage=&colPage=&rowsPerPage=&colsPerPage=
//	GET /relay   websocket upgrade
//	GET /stats
type SourceServer struct {
	source   Source
	relay    *Relay
	settings *SourceServerSettings
	router   *gin.Engine
}

// relay may be nil to serve only data
func NewSourceServer(source Source, relay *Relay, settings *SourceServerSettings) *SourceServer {
	server := &SourceServer{
		source:   source,
		relay:    relay,
		settings: settings,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/api/data", func(c *gin.Context) { server.getData(c) })
	router.GET("/stats", func(c *gin.Context) { server.getStats(c) })
	if relay != nil {
		router.GET("/relay", func(c *gin.Context) { relay.ServeHTTP(c.Writer, c.Request) })
	}
	server.router = router
	return server
}

func (self *SourceServer) Handler() http.Handler {
	return self.router
}

func (self *SourceServer) getData(context *gin.Context) {
	request := PageRequest{}
	var err error
	if request.RowPage, err = queryInt(context, "rowPage", 0); err != nil {
		context.String(http.StatusBadRequest, fmt.Sprintf("%d Bad Request - %v", http.StatusBadRequest, err))
		return
	}
	if request.ColPage, err = queryInt(context, "colPage", 0); err != nil {
		context.String(http.StatusBadRequest, fmt.Sprintf("%d Bad Request - %v", http.StatusBadRequest, err))
		return
	}
	if request.RowsPerPage, err = queryInt(context, "rowsPerPage", self.settings.DefaultRowsPerPage); err != nil {
		context.String(http.StatusBadRequest, fmt.Sprintf("%d Bad Request - %v", http.StatusBadRequest, err))
		return
	}
	if request.ColsPerPage, err = queryInt(context, "colsPerPage", self.settings.DefaultColsPerPage); err != nil {
		context.String(http.StatusBadRequest, fmt.Sprintf("%d Bad Request - %v", http.StatusBadRequest, err))
		return
	}
	if self.settings.MaxRowsPerPage < request.RowsPerPage || self.settings.MaxColsPerPage < request.ColsPerPage {
		context.String(http.StatusBadRequest, fmt.Sprintf("%d Bad Request - page too large", http.StatusBadRequest))
		return
	}

	page, err := self.source.FetchPage(context.Request.Context(), request)
	if err != nil {
		if errors.Is(err, ErrInvalidPageRequest) {
			context.String(http.StatusBadRequest, fmt.Sprintf("%d Bad Request - %v", http.StatusBadRequest, err))
			return
		}
		glog.Infof("[src]fetch %s error = %s\n", request, err)
		context.String(http.StatusInternalServerError, fmt.Sprintf("%d Internal Server Error - %v", http.StatusInternalServerError, err))
		return
	}
	glog.V(2).Infof("[src]%s (%d rows, %d columns)\n", request, len(page.Rows), len(page.ColumnDefs))
	context.JSON(http.StatusOK, page)
}

func (self *SourceServer) getStats(context *gin.Context) {
	peerCount := 0
	if self.relay != nil {
		peerCount = self.relay.PeerCount()
	}
	context.JSON(http.StatusOK, gin.H{
		"peers": peerCount,
	})
}

func queryInt(context *gin.Context, name string, defaultValue int) (int, error) {
	s, ok := context.GetQuery(name)
	if !ok || s == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %q", name, s)
	}
	return v, nil
}

// serves until ctx is done, then shuts down gracefully
func (self *SourceServer) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: self.router,
	}

	errs := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err, ok := <-errs:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	// try to shutdown the server gracefully
	shutdownCtx, cancel := context.WithTimeout(context.Background(), self.settings.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}
