// Parley
// License AGPL3

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/parley/internal/archive"
	"github.com/knadh/parley/internal/catalog"
	"github.com/knadh/parley/internal/hub"
	"github.com/knadh/parley/internal/identity"
	"github.com/knadh/parley/internal/match"
	"github.com/knadh/parley/internal/notify"
	"github.com/knadh/parley/store"
	"github.com/knadh/parley/store/mem"
	"github.com/knadh/parley/store/redis"
	"github.com/knadh/stuffbin"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var (
	ko = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

// appConfig represents the "app" config section.
type appConfig struct {
	Address         string        `koanf:"address"`
	RootURL         string        `koanf:"root_url"`
	Name            string        `koanf:"name"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// torConfig represents the "tor" config section.
type torConfig struct {
	Enabled bool   `koanf:"enabled"`
	KeyFile string `koanf:"key_file"`
	ExePath string `koanf:"exe_path"`
}

// App is the global app context that's passed around.
type App struct {
	cfg      appConfig
	store    store.Store
	cat      *catalog.Catalog
	engine   *match.Engine
	presence *notify.Presence
	results  *notify.Results
	hub      *hub.Hub
	ids      *identity.Provider
	archive  *archive.Archive
	fs       stuffbin.FileSystem
	log      zerolog.Logger
}

func loadConfig() {
	// Environment overrides may come from a .env file.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error reading .env: %v\n", err)
	}

	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.String("app.address", "", "Address to listen on")
	f.String("store.type", "", "Room store: mem or redis")
	f.Bool("tor.enabled", false, "Serve over an onion service")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, f := range cFiles {
		fmt.Fprintf(os.Stderr, "reading config: %s\n", f)
		if err := ko.Load(file.Provider(f), toml.Parser()); err != nil {
			fmt.Fprintf(os.Stderr, "error reading config: %v\n", err)
		}
	}

	// Merge env flags into config.
	if err := ko.Load(env.Provider("PARLEY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "PARLEY_")), "__", ".", -1)
	}), nil); err != nil {
		fmt.Fprintf(os.Stderr, "error loading env config: %v\n", err)
	}

	// Merge command line flags into config.
	ko.Load(posflag.Provider(f, ".", ko), nil)
}

// initLogger sets up the root logger from the "log" config section.
func initLogger() zerolog.Logger {
	lvl, err := zerolog.ParseLevel(ko.String("log.level"))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339

	var l zerolog.Logger
	if ko.String("log.format") == "json" {
		l = zerolog.New(os.Stdout)
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05"})
	}
	return l.With().Timestamp().Logger()
}

// initFS initializes the stuffbin embedded static filesystem.
func initFS(lo zerolog.Logger) stuffbin.FileSystem {
	// Get self executable path to initialise stuffed FS.
	exe, err := os.Executable()
	if err != nil {
		lo.Fatal().Err(err).Msg("error getting executable path")
	}

	// Read stuffed data from self.
	fs, err := stuffbin.UnStuff(exe)
	if err != nil {
		// Binary is unstuffed or is running in dev mode.
		if err == stuffbin.ErrNoID {
			fs, err = stuffbin.NewLocalFS("./", "./static")
			if err != nil {
				lo.Fatal().Err(err).Msg("error falling back to local filesystem")
			}
		} else {
			lo.Fatal().Err(err).Msg("error reading stuffed binary")
		}
	}
	return fs
}

// initStore connects the room store picked by store.type.
func initStore(mc match.Config, lo zerolog.Logger) (store.Store, error) {
	switch typ := ko.String("store.type"); typ {
	case "", "mem":
		return mem.New(mem.Config{
			IdleTimeout:   mc.IdleTimeout,
			ActiveTimeout: mc.ActiveTimeout,
		}), nil

	case "redis":
		var cfg redis.Config
		if err := ko.Unmarshal("store.redis", &cfg); err != nil {
			return nil, fmt.Errorf("error unmarshalling 'store.redis' config: %v", err)
		}
		cfg.IdleTimeout = mc.IdleTimeout
		cfg.ActiveTimeout = mc.ActiveTimeout
		return redis.New(cfg, lo.With().Str("module", "store").Logger())

	default:
		return nil, fmt.Errorf("unknown store type: %s", typ)
	}
}

func main() {
	// Load configuration from files.
	loadConfig()
	lo := initLogger()

	// Initialize global app context.
	app := &App{
		log: lo,
		fs:  initFS(lo),
	}
	if err := ko.Unmarshal("app", &app.cfg); err != nil {
		lo.Fatal().Err(err).Msg("error unmarshalling 'app' config")
	}

	var (
		matchCfg match.Config
		hubCfg   hub.Config
		idCfg    identity.Config
		arcCfg   archive.Config
		torCfg   torConfig
	)
	for sec, v := range map[string]interface{}{
		"match":    &matchCfg,
		"hub":      &hubCfg,
		"identity": &idCfg,
		"archive":  &arcCfg,
		"tor":      &torCfg,
	} {
		if err := ko.Unmarshal(sec, v); err != nil {
			lo.Fatal().Err(err).Msgf("error unmarshalling '%s' config", sec)
		}
	}

	minTime := time.Duration(3) * time.Second
	if matchCfg.IdleTimeout < minTime || hubCfg.WSTimeout < minTime || hubCfg.RoomTimeout < minTime {
		lo.Fatal().Msg("match.idle_timeout, hub.websocket_timeout and hub.room_timeout should be > 3s")
	}

	// Load the catalog.
	b, err := app.fs.Read("/static/catalog.toml")
	if err != nil {
		lo.Fatal().Err(err).Msg("error reading catalog")
	}
	if app.cat, err = catalog.Load(b); err != nil {
		lo.Fatal().Err(err).Msg("error loading catalog")
	}

	// Initialize store.
	if app.store, err = initStore(matchCfg, lo); err != nil {
		lo.Fatal().Err(err).Msg("error initializing store")
	}

	app.hub = hub.New(&hubCfg, app.store, lo.With().Str("module", "hub").Logger())
	app.results = notify.NewResults(ko.Duration("notify.result_ttl"))
	app.engine = match.New(matchCfg, app.store, app.cat, app.hub, app.results,
		lo.With().Str("module", "match").Logger())
	app.hub.SetLeaver(app.engine)
	app.presence = notify.NewPresence(app.store, app.cat.TopicIDs(),
		lo.With().Str("module", "presence").Logger())
	app.ids = identity.New(idCfg, lo.With().Str("module", "identity").Logger())

	if arcCfg.Enabled {
		if app.archive, err = archive.Open(arcCfg.DSN, lo.With().Str("module", "archive").Logger()); err != nil {
			lo.Fatal().Err(err).Msg("error opening archive")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return app.engine.Run(ctx) })
	g.Go(func() error { return app.presence.Run(ctx) })
	g.Go(func() error { return app.results.Run(ctx) })
	g.Go(func() error { return app.hub.Run(ctx) })
	if app.archive != nil {
		g.Go(func() error { return app.archive.Run(ctx, app.store) })
	}

	// Start the app.
	srv := &http.Server{
		Addr:              app.cfg.Address,
		Handler:           initHTTP(app),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		lo.Info().Str("address", app.cfg.Address).Str("version", buildString).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("couldn't start server: %w", err)
		}
		return nil
	})

	if torCfg.Enabled {
		pk, err := getOrCreatePK(torCfg.KeyFile)
		if err != nil {
			lo.Fatal().Err(err).Msg("error loading onion key")
		}
		ts := &torServer{
			Handler:    srv.Handler,
			PrivateKey: pk,
			ExePath:    torCfg.ExePath,
			log:        lo.With().Str("module", "tor").Logger(),
		}
		g.Go(func() error {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				return err
			}
			return ts.Serve(ctx, ln)
		})
	}

	// Drain connections on shutdown.
	g.Go(func() error {
		<-ctx.Done()
		lo.Info().Msg("shutting down")

		timeout := app.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		lo.Error().Err(err).Msg("stopped with error")
	}

	if app.archive != nil {
		app.archive.Close()
	}
	if err := app.store.Close(); err != nil {
		lo.Error().Err(err).Msg("error closing store")
	}
}
