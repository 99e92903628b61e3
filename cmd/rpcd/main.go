package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/rs/zerolog/log"

	"duplex-rpc/config"
	"duplex-rpc/logging"
	"duplex-rpc/middleware"
	"duplex-rpc/registry"
	"duplex-rpc/server"
)

const LocalVersion = "0.0.0-local"

func main() {
	usage := `duplex-rpc server.

Usage:
    rpcd [--config=<config>] [--listen=<listen>] [--stream=<stream>]
        [--etcd=<etcd>] [--advertise=<advertise>] [--log_level=<log_level>]
    rpcd -h | --help
    rpcd --version

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --config=<config>          TOML config file.
    --listen=<listen>          Websocket listen address.
    --stream=<stream>          TCP listen address for stream peers.
    --etcd=<etcd>              Comma separated etcd endpoints.
    --advertise=<advertise>    Base URL advertised in etcd.
    --log_level=<log_level>    trace, debug, info, warn or error.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	logging.ConfigureRuntime()

	cfg, err := loadConfig(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if !logging.SetLevel(cfg.LogLevel) {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, keeping default")
	}

	if err := serve(cfg); err != nil {
		log.Fatal().Err(err).Msg("rpcd")
	}
}

func RequireVersion() string {
	if version := os.Getenv("DUPLEXRPC_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}

// loadConfig reads the config file, if any, then applies flag overrides.
func loadConfig(opts docopt.Opts) (config.Config, error) {
	cfg := config.Default()
	if path, _ := opts.String("--config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}
	if v, _ := opts.String("--listen"); v != "" {
		cfg.Listen = v
	}
	if v, _ := opts.String("--stream"); v != "" {
		cfg.StreamListen = v
	}
	if v, _ := opts.String("--etcd"); v != "" {
		cfg.EtcdEndpoints = strings.Split(v, ",")
	}
	if v, _ := opts.String("--advertise"); v != "" {
		cfg.AdvertiseURL = v
	}
	if v, _ := opts.String("--log_level"); v != "" {
		cfg.LogLevel = v
	}
	return cfg, cfg.Validate()
}

func serve(cfg config.Config) error {
	svr, err := server.NewServer(cfg.ServerOptions())
	if err != nil {
		return err
	}
	svr.Use(middleware.LoggingMiddleware(), middleware.RateLimitMiddleware(200, 50))
	if cfg.CallTimeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(cfg.CallTimeout))
	}
	installOps(svr)

	httpListener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	errs := make(chan error, 2)
	go func() { errs <- svr.ServeWebsocket(httpListener) }()

	if cfg.StreamListen != "" {
		streamListener, err := net.Listen("tcp", cfg.StreamListen)
		if err != nil {
			return err
		}
		go func() { errs <- svr.Serve(streamListener) }()
	}

	if len(cfg.EtcdEndpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints, 5*time.Second)
		if err != nil {
			return fmt.Errorf("etcd: %w", err)
		}
		defer reg.Close()
		inst := registry.ServiceInstance{
			Addr:    advertiseAddr(cfg, httpListener),
			URL:     cfg.AdvertiseURL,
			Stream:  cfg.StreamListen,
			Weight:  10,
			Version: RequireVersion(),
		}
		if inst.URL == "" {
			inst.URL = "http://" + inst.Addr
		}
		if err := svr.Advertise(reg, cfg.Service, inst, cfg.RegistryTTL); err != nil {
			return err
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutting down")
	case err := <-errs:
		if err != nil {
			svr.Shutdown(5 * time.Second)
			return err
		}
	}
	return svr.Shutdown(5 * time.Second)
}

// advertiseAddr is the host:port registered in etcd. ":8080" style listen
// addresses are not routable, so the advertise URL's host wins when set.
func advertiseAddr(cfg config.Config, l net.Listener) string {
	if cfg.AdvertiseURL != "" {
		if i := strings.Index(cfg.AdvertiseURL, "://"); i >= 0 {
			return strings.TrimSuffix(cfg.AdvertiseURL[i+3:], "/")
		}
		return cfg.AdvertiseURL
	}
	return l.Addr().String()
}
