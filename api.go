package main

import (
	"context"
	"strconv"
	"time"

	"dragoncounters/counters"
	"dragoncounters/storage"
	"github.com/buaazp/fasthttprouter"
	"github.com/cockroachdb/errors"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// longest ?wait= a client may ask for, in seconds
const maxWait = 60

// docMetaPrefix is the meta row holding the live counter names of a
// document, standing in for the parent document's metadata.
const docMetaPrefix = "doc-meta:"

// Server serves the counters of one store over HTTP.
type Server struct {
	store   storage.Engine
	cnt     *counters.Storage
	watch   *watchers
	log     *zap.Logger
	reg     *prometheus.Registry
	latency *prometheus.HistogramVec
}

func NewServer(ctx context.Context, engine storage.Engine, nodeTag string, log *zap.Logger) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s := &Server{
		store: engine,
		watch: newWatchers(),
		log:   log,
		reg:   reg,
		latency: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "dragoncounters",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latencies by route",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"route"},
		),
	}
	cnt, err := counters.Open(ctx, engine, counters.Options{
		NodeTag:      nodeTag,
		Logger:       log.Named("counters"),
		Metrics:      counters.NewMetrics(reg),
		OnChange:     s.onChange,
		SyncMetadata: s.syncMetadata,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open counters")
	}
	s.cnt = cnt
	return s, nil
}

func (s *Server) onChange(n counters.Notification) {
	s.watch.NotifyVersion(counters.DocKey(n.DocID), n.Etag)
}

func (s *Server) syncMetadata(tx storage.Tx, docID, collection string, names []string) error {
	d, err := json.Marshal(names)
	if err != nil {
		return err
	}
	s.log.Debug("counter names changed",
		zap.String("doc", docID), zap.String("collection", collection), zap.Strings("names", names))
	return tx.SetMeta(docMetaPrefix+counters.DocKey(docID), d)
}

// instrument records the latency of h under route.
func (s *Server) instrument(route string, h fasthttp.RequestHandler) fasthttp.RequestHandler {
	obs := s.latency.WithLabelValues(route)
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		h(ctx)
		obs.Observe(time.Since(start).Seconds())
	}
}

func (s *Server) Router() *fasthttprouter.Router {
	router := fasthttprouter.New()

	router.GET("/db/:coll/cnt/:doc", s.instrument("names", s.GetNamesHandler))
	router.DELETE("/db/:coll/cnt/:doc", s.instrument("delete_all", s.DeleteAllHandler))
	router.GET("/db/:coll/cnt/:doc/:name", s.instrument("get", s.GetCounterHandler))
	router.POST("/db/:coll/cnt/:doc/:name", s.instrument("update", s.UpdateCounterHandler))
	router.DELETE("/db/:coll/cnt/:doc/:name", s.instrument("delete", s.DeleteCounterHandler))
	router.GET("/db/:coll/cnt/:doc/:name/sources", s.instrument("sources", s.GetSourcesHandler))

	router.GET("/db/:coll/changes", s.instrument("collection_changes", s.CollectionChangesHandler))
	router.GET("/db/:coll/changes/count", s.instrument("collection_count", s.CountHandler))
	router.GET("/changes", s.instrument("changes", s.ChangesHandler))
	router.POST("/replication/apply", s.instrument("replication_apply", s.ApplyHandler))

	router.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})))

	router.NotFound = func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(404)
	}
	return router
}

func setEtag(ctx *fasthttp.RequestCtx, etag int64) {
	ctx.Response.Header.Set("Etag", strconv.FormatInt(etag, 10))
}
