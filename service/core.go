// Package service implements the peer-facing HTTP surface of imgd: the
// federation wire protocol (session/new, backends/list, generate), plus
// the aux endpoints (status, version, metrics, image fetch).
package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gorilla/mux"
	"github.com/imgd-io/imgd/api"
	"github.com/imgd-io/imgd/dispatch"
	"github.com/imgd-io/imgd/fed"
	"github.com/imgd-io/imgd/imagestore"
	"github.com/imgd-io/imgd/pipeline"
	"github.com/imgd-io/imgd/service/imagecache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

const indexPage = `
<!DOCTYPE html>
<html>
  <title>imgd daemon</title>
  <body style="padding:10px">
    <h2>imgd</h2>
    <p>An imgd daemon is listening on this host/port.</p>
    <p>This service speaks the imgd federation protocol; point another
    imgd instance here to share this pool.</p>
  </body>
</html>`

type Config struct {
	Dispatch   dispatch.Config   `yaml:"dispatch"`
	Federation []fed.Config      `yaml:"federation"`
	ImageCache imagecache.Config `yaml:"image_cache"`
	// StoreURI locates the durable image store (file:// or s3://); empty
	// disables saving.
	StoreURI   string        `yaml:"store_uri"`
	SessionTTL time.Duration `yaml:"session_ttl"`
	Version    string        `yaml:"-"`
	Logger     *zap.Logger   `yaml:"-"`
}

type Core struct {
	conf       Config
	logger     *zap.Logger
	registry   *prometheus.Registry
	routerAPI  *mux.Router
	routerAux  *mux.Router
	dispatcher *dispatch.Dispatcher
	pipeline   *pipeline.Pipeline
	ledger     *dispatch.Ledger
	sessions   *sessionStore
	cache      imagecache.Cache
	store      imagestore.Store
	feds       []*fed.Driver
	// serverID is this process's loop-prevention identity, reported on
	// session/new and compared by federation drivers.
	serverID string
	cancel   context.CancelFunc
}

func NewCore(ctx context.Context, conf Config) (*Core, error) {
	if conf.Logger == nil {
		conf.Logger = zap.NewNop()
	}
	if conf.Version == "" {
		conf.Version = "unknown"
	}
	if conf.SessionTTL <= 0 {
		conf.SessionTTL = time.Hour
	}
	ctx, cancel := context.WithCancel(ctx)

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())

	cache, err := imagecache.New(conf.ImageCache, registry)
	if err != nil {
		cancel()
		return nil, err
	}
	var store imagestore.Store
	if conf.StoreURI != "" {
		if store, err = imagestore.New(conf.StoreURI); err != nil {
			cancel()
			return nil, err
		}
	}

	c := &Core{
		conf:       conf,
		logger:     conf.Logger.Named("core"),
		registry:   registry,
		dispatcher: dispatch.New(ctx, conf.Dispatch, conf.Logger, registry),
		ledger:     dispatch.NewLedger(conf.Logger),
		cache:      cache,
		store:      store,
		serverID:   ksuid.New().String(),
		cancel:     cancel,
	}
	c.pipeline = pipeline.New(c.dispatcher, conf.Logger)
	c.sessions = newSessionStore(conf.SessionTTL, c.ledger.CancelOwner)
	go c.sessions.sweep(ctx)

	routerAux := mux.NewRouter()
	routerAux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, indexPage)
	})

	debug := routerAux.PathPrefix("/debug/pprof").Subrouter()
	debug.HandleFunc("/cmdline", pprof.Cmdline)
	debug.HandleFunc("/profile", pprof.Profile)
	debug.HandleFunc("/symbol", pprof.Symbol)
	debug.HandleFunc("/trace", pprof.Trace)
	debug.PathPrefix("/").HandlerFunc(pprof.Index)

	routerAux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	routerAux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	})
	routerAux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Content-Type", api.MediaTypeJSON)
		json.NewEncoder(w).Encode(&api.VersionResponse{Version: conf.Version})
	})
	routerAux.Handle("/image/{id}", c.handler(handleImageGet)).Methods("GET")

	routerAPI := mux.NewRouter()
	routerAPI.Use(requestIDMiddleware())
	routerAPI.Use(accessLogMiddleware(conf.Logger))
	routerAPI.Use(panicCatchMiddleware(conf.Logger))

	c.routerAPI = routerAPI
	c.routerAux = routerAux
	c.addRoutes()

	for _, fconf := range conf.Federation {
		drv := fed.New(ctx, fconf, c.dispatcher, c.serverID, conf.Logger)
		c.feds = append(c.feds, drv)
		c.dispatcher.Add(drv.Record())
	}

	c.logger.Info("Started",
		zap.String("server_id", c.serverID),
		zap.Int("federation_peers", len(conf.Federation)))
	return c, nil
}

func (c *Core) addRoutes() {
	c.routerAPI.Handle("/session/new", c.handler(handleSessionNew)).Methods("POST")
	c.routerAPI.Handle("/backends/list", c.handler(handleBackendsList)).Methods("POST")
	c.routerAPI.Handle("/generate", c.handler(handleGenerate)).Methods("POST")
	c.routerAPI.Handle("/generate/stream", c.handler(handleGenerateStream)).Methods("POST")
}

func (c *Core) handler(f func(*Core, *ResponseWriter, *Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, req := newRequest(w, r, c)
		f(c, res, req)
	})
}

// Dispatcher exposes the pool for wiring drivers at startup.
func (c *Core) Dispatcher() *dispatch.Dispatcher {
	return c.dispatcher
}

func (c *Core) Pipeline() *pipeline.Pipeline {
	return c.pipeline
}

func (c *Core) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Core) ServerID() string {
	return c.serverID
}

func (c *Core) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var rm mux.RouteMatch
	if c.routerAPI.Match(r, &rm) {
		c.routerAPI.ServeHTTP(w, r)
		return
	}
	c.routerAux.ServeHTTP(w, r)
}

// HTTPHandler is the served handler with CORS applied.
func (c *Core) HTTPHandler() http.Handler {
	return cors.AllowAll().Handler(c)
}

// Shutdown cancels all outstanding claims and stops the dispatcher and
// its drivers.
func (c *Core) Shutdown(ctx context.Context) error {
	c.ledger.CancelAll()
	err := c.dispatcher.Shutdown(ctx)
	c.cancel()
	return err
}
