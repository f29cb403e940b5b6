// Package server exposes archived runs over HTTP: listing, full records,
// aggregate evaluation, and full-text transcript search.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inquest-ai/inquest/config"
	"github.com/inquest-ai/inquest/internal/dialogue"
	"github.com/inquest-ai/inquest/internal/eval"
	"github.com/inquest-ai/inquest/internal/store"
)

// RunSource is where the server reads runs from: the Postgres archive or a
// local output directory.
type RunSource interface {
	ListRuns(ctx context.Context, limit, offset int) ([]store.RunSummary, error)
	GetRun(ctx context.Context, runID string) (*dialogue.RunRecord, bool, error)
	ListRecords(ctx context.Context, limit, offset int) ([]*dialogue.RunRecord, error)
}

type Server struct {
	cfg    *config.Config
	source RunSource
	index  *Index
	logger *log.Logger
}

// New builds the server and indexes every record the source currently holds.
func New(ctx context.Context, cfg *config.Config, source RunSource) (*Server, error) {
	index, err := NewIndex()
	if err != nil {
		return nil, fmt.Errorf("building transcript index: %w", err)
	}
	records, err := source.ListRecords(ctx, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("loading runs: %w", err)
	}
	for _, record := range records {
		if err := index.Add(record); err != nil {
			return nil, fmt.Errorf("indexing run %s: %w", record.RunID, err)
		}
	}
	s := &Server{
		cfg:    cfg,
		source: source,
		index:  index,
		logger: log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
	}
	s.logger.Printf("indexed %d runs for search", len(records))
	return s, nil
}

// Run starts the HTTP listener and blocks.
func (s *Server) Run(addr string) error {
	e := s.router()
	if addr == "" {
		addr = s.cfg.Server.Address
	}
	s.logger.Printf("listening on %s", addr)
	return e.Start(addr)
}

func (s *Server) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		s.logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	api.GET("/runs", s.listRuns)
	api.GET("/runs/:id", s.getRun)
	api.GET("/eval", s.evalRuns)
	api.GET("/search", s.searchRuns)
	return e
}

func (s *Server) listRuns(c echo.Context) error {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	runs, err := s.source.ListRuns(c.Request().Context(), limit, offset)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []store.RunSummary{}
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) getRun(c echo.Context) error {
	record, ok, err := s.source.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, record)
}

func (s *Server) evalRuns(c echo.Context) error {
	records, err := s.source.ListRecords(c.Request().Context(), 0, 0)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "no runs to evaluate")
	}
	runs := make([]eval.RunEval, 0, len(records))
	for _, record := range records {
		runs = append(runs, eval.EvalRun(record))
	}
	prices := eval.DefaultPrices()
	if v := c.QueryParam("questioner_input_price"); v != "" {
		prices.QuestionerInput, _ = strconv.ParseFloat(v, 64)
	}
	if v := c.QueryParam("questioner_output_price"); v != "" {
		prices.QuestionerOutput, _ = strconv.ParseFloat(v, 64)
	}
	if v := c.QueryParam("answerer_input_price"); v != "" {
		prices.AnswererInput, _ = strconv.ParseFloat(v, 64)
	}
	if v := c.QueryParam("answerer_output_price"); v != "" {
		prices.AnswererOutput, _ = strconv.ParseFloat(v, 64)
	}
	group, err := eval.EvalGroup("archive", runs, prices)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, group)
}

func (s *Server) searchRuns(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	k := intQuery(c, "k", 10)
	hits, err := s.index.Search(q, k)
	if err != nil {
		return err
	}
	if hits == nil {
		hits = []SearchHit{}
	}
	return c.JSON(http.StatusOK, hits)
}

func intQuery(c echo.Context, name string, def int) int {
	v := c.QueryParam(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
