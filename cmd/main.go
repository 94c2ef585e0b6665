package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"reflect"
	"strings"
	"syscall"
	"time"

	"github.com/aukilabs/go-tooling/pkg/cli"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/events"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/go-tooling/pkg/metrics"
	"github.com/aukilabs/laguz/featureflag"
	"github.com/aukilabs/laguz/geom"
	laguzhttp "github.com/aukilabs/laguz/http"
	"github.com/aukilabs/laguz/models"
	"github.com/aukilabs/laguz/quadtree"
	"github.com/aukilabs/laguz/smoketest"
	lwebsocket "github.com/aukilabs/laguz/websocket"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

var (
	// The Laguz version number. Set at build.
	version = "v0.1.0"

	infoGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name:        "laguz_info",
		Help:        "Laguz information.",
		ConstLabels: prometheus.Labels{"version": version},
	})
)

// This will effectively disable obfuscation of the config struct. Without it, the keys would get obfuscated causing the cli package to generate garbled command-line options.
// https://github.com/burrowers/garble/issues/403
var _ = reflect.TypeOf(config{})

type config struct {
	Addr               string        `cli:""        env:"LAGUZ_ADDR"                 help:"Listening address for client connections."`
	AdminAddr          string        `cli:""        env:"LAGUZ_ADMIN_ADDR"           help:"Admin listening address."`
	PublicEndpoint     string        `cli:""        env:"LAGUZ_PUBLIC_ENDPOINT"      help:"The public endpoint where this Laguz server is reachable."`
	PrivateKey         string        `cli:""        env:"LAGUZ_PRIVATE_KEY"          help:"The private key of the Ethereum-compatible wallet signing area snapshots."`
	PrivateKeyFile     string        `cli:""        env:"LAGUZ_PRIVATE_KEY_FILE"     help:"The file that contains the private key of the wallet signing area snapshots."`
	LogLevel           string        `cli:""        env:"LAGUZ_LOG_LEVEL"            help:"Log level (debug|info|warning|error)."`
	LogIndent          bool          `cli:""        env:"LAGUZ_LOG_INDENT"           help:"Indent logs."`
	ClientIdleTimeout  time.Duration `cli:",hidden" env:"LAGUZ_CLIENT_IDLE_TIMEOUT"  help:"Time until an idle client will be disconnected"`
	FrameDuration      time.Duration `cli:",hidden" env:"LAGUZ_FRAME_DURATION"       help:"The duration of a world frame."`
	LogSummaryInterval time.Duration `cli:",hidden" env:"LAGUZ_LOG_SUMMARY_INTERVAL" help:"The duration between each log summary by connection."`
	AreaCacheSize      int64         `cli:",hidden" env:"LAGUZ_AREA_CACHE_SIZE"      help:"The number of area query results cached by world."`
	Tree               treeConfig    `cli:",hidden" env:"-"                          help:"World tree configuration."`
	Events             eventsConfig  `cli:",hidden" env:"-"                          help:"Event pusher configuration."`
	FeatureFlags       []string      `cli:",hidden" env:"LAGUZ_FEATURE_FLAGS"        help:"Comma separated feature flags"`
	Version            bool          `cli:""        env:"-"                          help:"Show version."`
	Help               bool          `cli:""        env:"-"                          help:"Show help."`
}

type treeConfig struct {
	OriginX    float64 `cli:",hidden" env:"LAGUZ_TREE_ORIGIN_X"    help:"The left edge of the world area."`
	OriginY    float64 `cli:",hidden" env:"LAGUZ_TREE_ORIGIN_Y"    help:"The top edge of the world area."`
	Width      float64 `cli:",hidden" env:"LAGUZ_TREE_WIDTH"       help:"The width of the world area."`
	Height     float64 `cli:",hidden" env:"LAGUZ_TREE_HEIGHT"      help:"The height of the world area."`
	MaxEntries int     `cli:",hidden" env:"LAGUZ_TREE_MAX_ENTRIES" help:"The number of entries a tree node holds before splitting."`
	MaxLevels  int     `cli:",hidden" env:"LAGUZ_TREE_MAX_LEVELS"  help:"The maximum depth of a tree."`
}

type eventsConfig struct {
	Endpoint      string        `cli:",hidden" env:"LAGUZ_EVENTS_ENDPOINT"       help:"Endpoint to where events are pushed."`
	FlushInterval time.Duration `cli:",hidden" env:"LAGUZ_EVENTS_FLUSH_INTERVAL" help:"The duration between each event flush."`
	BatchSize     int           `cli:",hidden" env:"LAGUZ_EVENTS_BATCH_SIZE"     help:"The maximum number of events sent at once."`
	QueueSize     int           `cli:",hidden" env:"LAGUZ_EVENTS_QUEUE_SIZE"     help:"The size of the queue where events are stored."`
}

func main() {
	conf := config{
		Addr:               ":4000",
		AdminAddr:          ":18190",
		PublicEndpoint:     "http://localhost:4000",
		LogLevel:           logs.InfoLevel.String(),
		ClientIdleTimeout:  time.Minute * 5,
		FrameDuration:      models.DefaultFrameDuration,
		LogSummaryInterval: time.Minute,
		AreaCacheSize:      1024,
		Tree: treeConfig{
			OriginX:    -5000,
			OriginY:    -5000,
			Width:      10000,
			Height:     10000,
			MaxEntries: quadtree.DefaultMaxEntries,
			MaxLevels:  quadtree.DefaultMaxLevels,
		},
		Events: eventsConfig{
			FlushInterval: events.DefaultFlushInterval,
			BatchSize:     events.DefaultBatchSize,
			QueueSize:     events.DefaultQueueSize,
		},
	}

	// set the information gauge to 1, useful for SUM query
	infoGauge.Set(1)

	ctx, cancel := cli.ContextWithSignals(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer cancel()

	cli.Register().
		Help("Starts Laguz server.").
		Options(&conf)
	cli.Load()

	if conf.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	featureFlags := featureflag.New(conf.FeatureFlags)

	worldOptions, err := newWorldOptions(conf, featureFlags)
	if err != nil {
		logs.Fatal(err)
	}

	privateKey, err := loadPrivateKey(conf)
	if err != nil {
		logs.Fatal(errors.New("error loading private key").Wrap(err))
	}

	logs.SetLevel(logs.ParseLevel(conf.LogLevel))
	logs.Encoder = json.Marshal
	if conf.LogIndent {
		logs.Encoder = func(v any) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		}
	}

	errors.Encoder = json.Marshal

	if conf.Events.Endpoint != "" {
		eventsPusher := events.Pusher{
			Endpoint:      conf.Events.Endpoint,
			FlushInterval: conf.Events.FlushInterval,
			BatchSize:     conf.Events.BatchSize,
			QueueSize:     conf.Events.QueueSize,
			Transport:     metrics.HTTPTransport(http.DefaultTransport),
		}
		go eventsPusher.Start()
		defer eventsPusher.Close()

		eventsLogger := events.Logger{
			Pusher:           &eventsPusher,
			SDKType:          "laguz",
			SDKVersionFamily: version,
		}
		logs.SetLogger(eventsLogger.Log)
	}

	if privateKey == nil {
		if privateKey, err = crypto.GenerateKey(); err != nil {
			logs.Fatal(errors.New("generating private key failed").Wrap(err))
		}
		logs.Warn(errors.New("no private key is configured, area snapshots are signed with a generated key"))
	}
	signer := models.NewSnapshotSigner(privateKey)

	var worlds models.WorldStore
	prometheus.MustRegister(models.NewWorldCollector(&worlds))

	var ready bool
	readinessCheck := func() bool {
		return ready
	}

	var service http.ServeMux
	service.Handle("/health", laguzhttp.HandleWithCORS(http.HandlerFunc(laguzhttp.HandleHealthCheck)))
	service.Handle("/version", laguzhttp.HandleWithCORS(http.HandlerFunc(laguzhttp.HandleVersion(version))))
	service.Handle("/ready", laguzhttp.HandleWithCORS(http.HandlerFunc(laguzhttp.HandleReadyCheck(readinessCheck))))
	service.Handle("/info", laguzhttp.HandleWithCORS(laguzhttp.HandleInfo(laguzhttp.Info{
		Version:       version,
		WalletAddress: signer.WalletAddress(),
		WorldBounds:   geom.NewRectFromMinMax(worldOptions.Tree.Origin, worldOptions.Tree.Origin.Add(worldOptions.Tree.Size)),
		Collapse:      worldOptions.Tree.Collapse.String(),
		FeatureFlags:  conf.FeatureFlags,
	})))

	service.Handle("/", laguzhttp.HandleWithCORS(websocket.Server{
		Handshake: func(c *websocket.Config, r *http.Request) error {
			return nil
		},
		Handler: func(conn *websocket.Conn) {
			defer conn.Close()

			var h lwebsocket.Handler = &lwebsocket.RealtimeHandler{
				ClientIdleTimeout: conf.ClientIdleTimeout,
				WorldOptions:      worldOptions,
				Worlds:            &worlds,
				Signer:            signer,
				FeatureFlags:      featureFlags,
			}
			h = lwebsocket.HandlerWithLogs(h, conf.LogSummaryInterval)
			h = lwebsocket.HandlerWithMetrics(h, conf.PublicEndpoint)
			defer h.Close()

			lwebsocket.Handle(ctx, conn, h)
		},
	}))

	var admin http.ServeMux
	admin.Handle("/metrics", promhttp.Handler())
	admin.HandleFunc("/health", laguzhttp.HandleHealthCheck)
	admin.HandleFunc("/ready", laguzhttp.HandleReadyCheck(readinessCheck))
	admin.HandleFunc("/debug/worlds", laguzhttp.HandleWorldStats(&worlds))
	admin.HandleFunc("/smoke-test", smoketest.HandleSmokeTest(ctx, smoketest.Options{
		Endpoint:   conf.PublicEndpoint,
		UserAgent:  "laguz/" + version,
		SendResult: logSmokeTestResult,
	}))
	admin.HandleFunc("/debug/pprof/", pprof.Index)
	admin.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	admin.HandleFunc("/debug/pprof/profile", pprof.Profile)
	admin.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	admin.HandleFunc("/debug/pprof/trace", pprof.Trace)
	admin.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	admin.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	admin.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	admin.Handle("/debug/pprof/block", pprof.Handler("block"))

	logs.WithTag("version", version).
		WithTag("log_level", conf.LogLevel).
		WithTag("endpoint", conf.PublicEndpoint).
		WithTag("wallet_address", signer.WalletAddress()).
		WithTag("collapse", worldOptions.Tree.Collapse.String()).
		WithTag("feature_flags", conf.FeatureFlags).
		Info("starting laguz server")

	ready = true
	laguzhttp.ListenAndServe(ctx,
		&http.Server{Addr: conf.Addr, Handler: metrics.HTTPHandler(&service,
			laguzhttp.MetricsPathFormatter)},
		&http.Server{Addr: conf.AdminAddr, Handler: &admin},
	)

	for _, w := range worlds.List() {
		worlds.Remove(context.Background(), w)
	}
}

// newWorldOptions returns the options of the worlds created by the server. It
// returns an error when the tree configuration is invalid.
func newWorldOptions(conf config, flags featureflag.FeatureFlag) (models.WorldOptions, error) {
	tree := quadtree.Options{
		Name:       "world",
		Origin:     geom.NewVec2(conf.Tree.OriginX, conf.Tree.OriginY),
		Size:       geom.NewVec2(conf.Tree.Width, conf.Tree.Height),
		MaxEntries: conf.Tree.MaxEntries,
		MaxLevels:  conf.Tree.MaxLevels,
		Collapse:   quadtree.CollapseEager,
	}
	flags.IfSet(featureflag.FlagLazyCollapse, func() {
		tree.Collapse = quadtree.CollapseLazy
	})

	// Trees are built with the options to report configuration errors before
	// any client connects.
	if _, err := quadtree.New[uint32](tree); err != nil {
		return models.WorldOptions{}, errors.New("invalid tree configuration").Wrap(err)
	}

	if conf.FrameDuration <= 0 {
		return models.WorldOptions{}, errors.New("frame duration must be positive").
			WithTag("frame_duration", conf.FrameDuration)
	}

	opts := models.WorldOptions{
		Tree:          tree,
		FrameDuration: conf.FrameDuration,
		AreaCacheSize: conf.AreaCacheSize,
	}
	flags.IfSet(featureflag.FlagDisableAreaCache, func() {
		opts.AreaCacheSize = 0
	})
	return opts, nil
}

// loadPrivateKey returns the configured private key, or nil when none is
// configured.
func loadPrivateKey(conf config) (*ecdsa.PrivateKey, error) {
	if len(conf.PrivateKey) != 0 && len(conf.PrivateKeyFile) != 0 {
		return nil, errors.New("have to specify either private key or private key file, not both")
	}

	privateKey := conf.PrivateKey

	if len(conf.PrivateKeyFile) != 0 {
		privateKeyBytes, err := os.ReadFile(conf.PrivateKeyFile)
		if err != nil {
			return nil, errors.New("error loading private key from file").
				WithTag("file_name", conf.PrivateKeyFile).
				Wrap(err)
		}
		privateKey = string(privateKeyBytes)
	}

	privateKey = strings.TrimPrefix(strings.TrimSpace(privateKey), "0x")
	if len(privateKey) == 0 {
		return nil, nil
	}

	return crypto.HexToECDSA(privateKey)
}

func logSmokeTestResult(ctx context.Context, res smoketest.Results) error {
	entry := logs.WithTag("from_endpoint", res.FromEndpoint).
		WithTag("to_endpoint", res.ToEndpoint).
		WithTag("success", res.Success).
		WithTag("latency_millisec", res.LatencyMilliSec)

	if !res.Success {
		entry.Warn(errors.New("smoke test failed").WithTag("error", res.Error))
		return nil
	}

	entry.Info("smoke test succeeded")
	return nil
}
