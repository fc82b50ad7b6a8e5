package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/oschwald/geoip2-golang"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgemesh/broker/internal/broker"
	"github.com/edgemesh/broker/internal/geoip"
	"github.com/edgemesh/broker/internal/store"
)

// listenAddrs collects repeated -listen flags, in the style of
// e2e/cmd/mmonitor/main.go's groupPortPairs.
type listenAddrs []string

func (l *listenAddrs) String() string {
	return strings.Join(*l, ", ")
}

func (l *listenAddrs) Set(value string) error {
	*l = append(*l, value)
	return nil
}

var (
	listeners listenAddrs

	verbose     = flag.Bool("verbose", false, "enable verbose logging")
	showVersion = flag.Bool("version", false, "print the version and exit")
	metricsAddr = flag.String("metrics-addr", ":8080", "address to listen on for prometheus metrics")

	pgHost     = flag.String("pg-host", "localhost", "postgres host")
	pgPort     = flag.String("pg-port", "5432", "postgres port")
	pgDatabase = flag.String("pg-database", "broker", "postgres database name")
	pgUsername = flag.String("pg-username", "broker", "postgres username")
	pgPassword = flag.String("pg-password", "", "postgres password")

	geoipCityDBPath = flag.String("geoip-city-db", "", "path to a MaxMind GeoLite2-City database; public addresses resolve to unknown if unset")

	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	flag.Var(&listeners, "listen", "scheme://host:port to listen on (tcp, udp, or ws); can be specified multiple times")
	flag.Parse()

	if *showVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	if len(listeners) == 0 {
		log.Error("missing required flag: at least one -listen must be given")
		flag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Config{
		Host:     *pgHost,
		Port:     *pgPort,
		Database: *pgDatabase,
		Username: *pgUsername,
		Password: *pgPassword,
	}, store.WithLogger(log))
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	resolver, err := newGeoIPResolver(*geoipCityDBPath)
	if err != nil {
		log.Error("failed to open geo-IP database", "error", err)
		os.Exit(1)
	}

	go func() {
		ln, err := net.Listen("tcp", *metricsAddr)
		if err != nil {
			log.Error("failed to start prometheus metrics server listener", "error", err)
			return
		}
		log.Info("prometheus metrics server listening", "address", ln.Addr().String())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.Serve(ln, mux); err != nil {
			log.Error("prometheus metrics server stopped", "error", err)
		}
	}()

	b := broker.New(ctx, st, broker.WithLogger(log), broker.WithGeoIPResolver(resolver))

	for _, addr := range listeners {
		if err := b.AddListener(addr); err != nil {
			log.Error("failed to add listener", "address", addr, "error", err)
			os.Exit(1)
		}
		log.Info("listening", "address", addr)
	}

	<-ctx.Done()
	log.Info("shutting down")
	if err := b.Shutdown(); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func newGeoIPResolver(path string) (geoip.Resolver, error) {
	if path == "" {
		return geoip.NewResolver(nil), nil
	}
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return geoip.NewResolver(db), nil
}
