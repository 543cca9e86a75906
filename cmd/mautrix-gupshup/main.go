// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mautrix-gupshup is a Matrix-WhatsApp bridge for Gupshup business
// apps. Every conversation between a registered app and a WhatsApp user is
// bridged into a private Matrix room owned by the app's owner.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exzerolog"
	"gopkg.in/yaml.v3"
	flag "maunium.net/go/mauflag"
	"maunium.net/go/mautrix/appservice"

	"github.com/aiku/mautrix-gupshup/pkg/api"
	"github.com/aiku/mautrix-gupshup/pkg/connector"
	"github.com/aiku/mautrix-gupshup/pkg/database"
	"github.com/aiku/mautrix-gupshup/pkg/gupshup"
	"github.com/aiku/mautrix-gupshup/pkg/matrix"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath       = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
	registrationPath = flag.MakeFull("r", "registration", "The path where to save the appservice registration.", "registration.yaml").String()
	generateReg      = flag.MakeFull("g", "generate-registration", "Generate registration and quit.", "false").Bool()
	noUpdate         = flag.MakeFull("n", "no-update", "Don't save updated config to disk.", "false").Bool()
	wantHelp, _      = flag.MakeHelpFlag()
)

func main() {
	flag.SetHelpTitles(
		"mautrix-gupshup - A Matrix-WhatsApp bridge for Gupshup business apps.",
		"mautrix-gupshup [-hgn] [-c <path>] [-r <path>]")
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	}

	if *generateReg {
		if err := generateRegistration(); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Failed to generate registration:", err)
			os.Exit(10)
		}
		return
	}

	cfg, err := loadConfig(!*noUpdate)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(10)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(12)
	}
	exzerolog.SetupDefaults(log)
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Initializing mautrix-gupshup")

	ctx, stop := signal.NotifyContext(log.WithContext(context.Background()), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err = run(ctx, cfg, *log); err != nil {
		log.Fatal().Err(err).Msg("Bridge stopped with an error")
	}
	log.Info().Msg("Bridge stopped")
}

// loadConfig merges the config file into the embedded example config and
// parses the result.
func loadConfig(save bool) (*connector.Config, error) {
	data, _, err := up.Do(*configPath, save, connector.Upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg connector.Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// generateRegistration writes the registration file and stores its tokens
// in the config.
func generateRegistration() error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	cfg.AppService.ASToken = ""
	cfg.AppService.HSToken = ""
	reg, err := matrix.NewRegistration(cfg)
	if err != nil {
		return err
	}
	if err = reg.Save(*registrationPath); err != nil {
		return fmt.Errorf("failed to save registration: %w", err)
	}
	updateTokens := func(helper up.Helper) {
		helper.Set(up.Str, reg.AppToken, "appservice", "as_token")
		helper.Set(up.Str, reg.ServerToken, "appservice", "hs_token")
	}
	if _, _, err = up.Do(*configPath, true, connector.Upgrader, up.SimpleUpgrader(updateTokens)); err != nil {
		return fmt.Errorf("failed to save tokens to config: %w", err)
	}
	fmt.Println("Registration generated. See https://docs.mau.fi/bridges/general/registering-appservices.html for instructions on installing the registration.")
	return nil
}

func run(ctx context.Context, cfg *connector.Config, log zerolog.Logger) error {
	rawDB, err := dbutil.NewFromConfig("mautrix-gupshup", cfg.AppService.Database, dbutil.ZeroLogger(log.With().Str("db_section", "main").Logger()))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer rawDB.Close()
	db := database.New(rawDB)
	if err = db.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade database: %w", err)
	}

	reg, err := matrix.NewRegistration(cfg)
	if err != nil {
		return err
	}
	as, err := appservice.CreateFull(appservice.CreateOpts{
		Registration:     reg,
		HomeserverDomain: cfg.Homeserver.Domain,
		HomeserverURL:    cfg.Homeserver.Address,
		HostConfig: appservice.HostConfig{
			Hostname: cfg.AppService.Hostname,
			Port:     cfg.AppService.Port,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create appservice: %w", err)
	}
	as.Log = log.With().Str("component", "appservice").Logger()
	mx := matrix.NewConnector(as, log.With().Str("component", "matrix").Logger())

	var tenantCache connector.TenantCache
	if cfg.Cache.RedisURL != "" {
		redisCache, err := connector.NewRedisTenantCache(ctx, cfg.Cache.RedisURL, cfg.CacheTTL(), log)
		if err != nil {
			return err
		}
		defer redisCache.Close()
		tenantCache = redisCache
	}

	client := gupshup.NewClient(gupshup.ClientConfig{
		MessageURL:  cfg.Gupshup.BaseURL,
		TemplateURL: cfg.Gupshup.TemplateURL,
		ReadURL:     cfg.Gupshup.ReadURL,
		RateLimit:   cfg.Gupshup.RateLimit,
		RateBurst:   cfg.Gupshup.RateBurst,
	}, log.With().Str("component", "gupshup").Logger())

	bridge := connector.NewBridge(cfg, connector.StoresFromDatabase(db), mx, client, tenantCache,
		connector.NewMetrics(prometheus.DefaultRegisterer), log)

	bot := mx.BotIntent()
	if err = bot.EnsureRegistered(ctx); err != nil {
		return fmt.Errorf("failed to register bridge bot: %w", err)
	}
	if cfg.AppService.Bot.Displayname != "" {
		if err = bot.SetDisplayName(ctx, cfg.AppService.Bot.Displayname); err != nil {
			log.Warn().Err(err).Msg("Failed to set bridge bot displayname")
		}
	}
	portals, err := bridge.GetAllPortalsWithRoom(ctx)
	if err != nil {
		return fmt.Errorf("failed to load portals: %w", err)
	}
	log.Info().Int("count", len(portals)).Msg("Loaded portals")
	doublePuppets, err := bridge.Puppets.WarmDoublePuppets(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("count", doublePuppets).Msg("Loaded double puppets")

	mx.Start(ctx, bridge.HandleMatrixEvent)
	defer mx.Stop()

	server := &http.Server{
		Addr:         cfg.API.Listen,
		Handler:      api.NewServer(bridge, prometheus.DefaultGatherer, log),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("address", cfg.API.Listen).Msg("Starting HTTP server")
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case err = <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err = server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down HTTP server cleanly")
	}
	return nil
}
