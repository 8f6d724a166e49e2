package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/offcache/offcache/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	configFilenameFlag string
	portFlag           int
	adminPortFlag      int
	originFlag         string
	providerFlag       string
	dbFlag             string
	queueDbFlag        string
	generationFlag     string
	verbosityTraceFlag bool
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin to proxy to (overrides config)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.IntVar(&adminPortFlag, "admin-port", 8081, "Port for the control channel API")
	flag.StringVar(&providerFlag, "provider", "sqlite", "Store provider to use (sqlite or memory)")
	flag.StringVar(&dbFlag, "db", "./cache.db", "Path to the response cache database")
	flag.StringVar(&queueDbFlag, "queue-db", "./queue.db", "Path to the submission queue database")
	flag.StringVar(&generationFlag, "generation", "", "Cache generation tag (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
}

func main() {
	flag.Parse()

	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}
	log.Logger = log.Level(logLevel).Output(zerolog.ConsoleWriter{Out: os.Stdout})

	var cfg config
	if configFilenameFlag != "" {
		var err error
		cfg, err = getConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not read config")
		}
	}
	if originFlag != "" {
		cfg.Origin = originFlag
	}
	if generationFlag != "" {
		cfg.Generation = generationFlag
	}
	if cfg.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}

	originURL, err := url.Parse(cfg.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid origin URL")
	}

	registry, err := cfg.registry()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid partition config")
	}

	var store core.Store
	var queue core.Queue
	switch providerFlag {
	case "sqlite":
		sqliteStore, err := core.NewSQLiteStore(dbFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open cache database")
		}
		store = sqliteStore
		levelQueue, err := core.NewLevelQueue(queueDbFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open queue database")
		}
		queue = levelQueue
	case "memory":
		store = core.NewMemStore()
		queue = core.NewMemQueue()
	default:
		log.Fatal().Msgf("Unsupported store provider: %s", providerFlag)
	}

	cache, err := core.New(core.Config{
		Store:          store,
		Queue:          queue,
		Registry:       registry,
		Offline:        core.NewOfflineResponder(cfg.fallbackRules(), cfg.RetryAfterSeconds),
		OriginURL:      *originURL,
		OriginHost:     cfg.OriginHost,
		Generation:     cfg.Generation,
		QueueEndpoints: cfg.QueueEndpoints,
		CriticalURLs:   cfg.Critical,
		WarmURLs:       cfg.Warm,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create cache")
	}
	defer cache.Close()

	if err := cache.Activate(); err != nil {
		log.Fatal().Err(err).Msg("Could not activate generation")
	}

	go func() {
		addr := fmt.Sprintf(":%d", adminPortFlag)
		log.Info().Str("addr", addr).Msg("Control channel API listening")
		if err := http.ListenAndServe(addr, adminRouter(cache)); err != nil {
			log.Fatal().Err(err).Msg("Control channel API failed")
		}
	}()

	addr := fmt.Sprintf(":%d", portFlag)
	log.Info().Str("addr", addr).Str("origin", cfg.Origin).Msg("Cache listening")
	if err := http.ListenAndServe(addr, cache); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// adminRouter exposes the control channel to the host application over
// HTTP. Each endpoint translates to one control command.
func adminRouter(cache *core.Cache) http.Handler {
	r := chi.NewRouter()

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		reply := make(chan core.StatusReport, 1)
		cache.Send(core.StatusQuery{Reply: reply})
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(<-reply)
	})

	r.Post("/invalidate", func(w http.ResponseWriter, req *http.Request) {
		cache.Send(core.Invalidate{Partition: req.URL.Query().Get("partition")})
		w.WriteHeader(http.StatusAccepted)
	})

	r.Post("/warm", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Partition string   `json:"partition"`
			URLs      []string `json:"urls"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
		cache.Send(core.Warm{Partition: body.Partition, URLs: body.URLs})
		w.WriteHeader(http.StatusAccepted)
	})

	r.Post("/preload", func(w http.ResponseWriter, req *http.Request) {
		cache.Send(core.PreloadCritical{})
		w.WriteHeader(http.StatusAccepted)
	})

	r.Post("/activate", func(w http.ResponseWriter, req *http.Request) {
		cache.Send(core.ForceActivate{})
		w.WriteHeader(http.StatusAccepted)
	})

	r.Post("/online", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Online bool `json:"online"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
		cache.SetOnline(body.Online)
		w.WriteHeader(http.StatusAccepted)
	})

	return r
}
