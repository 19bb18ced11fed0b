package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"jrpc-mux/client"
	"jrpc-mux/codec"
	"jrpc-mux/config"
	"jrpc-mux/logging"
	"jrpc-mux/metrics"
	"jrpc-mux/middleware"
	"jrpc-mux/registry"
	"jrpc-mux/server"
)

const usageText = `usage: jrpcmux [flags] COMMAND [ARG...]

Commands:
  listen LOCAL                  run a reactor on the passive target LOCAL
  request REMOTE METHOD PARAMS  send one request, print the reply
  notify REMOTE METHOD PARAMS   send one notification
  help                          print this text

Targets:
  ptcp:PORT[:IP]  listen on a TCP port
  punix:FILE      listen on a unix socket
  tcp:HOST:PORT   connect to a TCP endpoint
  unix:FILE       connect to a unix socket
  service:NAME    connect to an endpoint publishing NAME (needs -registry)

PARAMS is JSON, e.g. '[1,2,3]' or '{"k":"v"}'. A bare quoted string
is rejected, since it is almost always a shell quoting accident.

Flags:
`

func usage() {
	fmt.Fprint(os.Stderr, usageText)
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "", "TOML config file")
	logLevel := flag.String("log-level", "", "debug, info, warn, or error")
	maxMessageBytes := flag.Int("max-message-bytes", 0, "largest inbound message accepted")
	rate := flag.Float64("rate", 0, "request rate limit per second, 0 disables")
	burst := flag.Int("burst", 0, "request rate burst size")
	registryEndpoints := flag.String("registry", "", "comma-separated etcd endpoints to publish to")
	advertise := flag.String("advertise", "", "address published to the registry")
	metricsAddr := flag.String("metrics", "", "host:port serving /metrics, empty disables")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}
	if args[0] == "help" {
		usage()
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		cfg = loaded
	}

	// Flags given on the command line win over the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log-level":
			cfg.LogLevel = *logLevel
		case "max-message-bytes":
			cfg.MaxMessageBytes = *maxMessageBytes
		case "rate":
			cfg.RequestRate = *rate
		case "burst":
			cfg.RequestBurst = *burst
		case "registry":
			cfg.Registry.Endpoints = splitEndpoints(*registryEndpoints)
		case "advertise":
			cfg.Registry.AdvertiseAddr = *advertise
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		}
	})
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}

	if err := logging.Init("jrpcmux", cfg.LogLevel); err != nil {
		fatal(err)
	}

	if err := run(cfg, args); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "jrpcmux: %v\n", err)
	os.Exit(1)
}

func run(cfg config.Config, args []string) error {
	switch args[0] {
	case "listen":
		if len(args) != 2 {
			return fmt.Errorf("listen needs a passive target (try \"jrpcmux help\")")
		}
		return runListen(cfg, args[1])
	case "request":
		if len(args) != 4 {
			return fmt.Errorf("request needs REMOTE METHOD PARAMS (try \"jrpcmux help\")")
		}
		return runRequest(cfg, args[1], args[2], args[3])
	case "notify":
		if len(args) != 4 {
			return fmt.Errorf("notify needs REMOTE METHOD PARAMS (try \"jrpcmux help\")")
		}
		return runNotify(cfg, args[1], args[2], args[3])
	default:
		return fmt.Errorf("unknown command %q (try \"jrpcmux help\")", args[0])
	}
}

func runListen(cfg config.Config, target string) error {
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Warn().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics endpoint failed")
			}
		}()
	}

	var reg registry.Registry
	if len(cfg.Registry.Endpoints) > 0 {
		if cfg.Registry.AdvertiseAddr == "" {
			return fmt.Errorf("publishing to a registry needs an advertise address (-advertise)")
		}
		etcdReg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints)
		if err != nil {
			return fmt.Errorf("connect registry: %w", err)
		}
		defer etcdReg.Close()
		reg = etcdReg
	}

	svr := server.NewServer()
	svr.SetMaxMessageBytes(cfg.MaxMessageBytes)
	svr.SetRegistryTTL(cfg.Registry.TTL)
	svr.Use(middleware.Logging())
	if cfg.RequestRate > 0 {
		svr.Use(middleware.RateLimit(cfg.RequestRate, cfg.RequestBurst))
	}

	return svr.Serve(target, cfg.Registry.AdvertiseAddr, reg)
}

func runRequest(cfg config.Config, target, method, paramsText string) error {
	params, err := parseParams(paramsText)
	if err != nil {
		return err
	}
	target, err = resolveTarget(cfg, target)
	if err != nil {
		return err
	}
	reply, err := client.Request(target, method, params)
	if err != nil {
		return err
	}
	fmt.Println(reply.String())
	return nil
}

func runNotify(cfg config.Config, target, method, paramsText string) error {
	params, err := parseParams(paramsText)
	if err != nil {
		return err
	}
	target, err = resolveTarget(cfg, target)
	if err != nil {
		return err
	}
	return client.Notify(target, method, params)
}

// resolveTarget maps a service:NAME target onto a published endpoint.
// Plain targets come back unchanged.
func resolveTarget(cfg config.Config, target string) (string, error) {
	if !strings.HasPrefix(target, "service:") {
		return target, nil
	}
	if len(cfg.Registry.Endpoints) == 0 {
		return "", fmt.Errorf("service targets need registry endpoints (-registry)")
	}
	reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints)
	if err != nil {
		return "", fmt.Errorf("connect registry: %w", err)
	}
	defer reg.Close()
	return client.Resolve(reg, target)
}

func parseParams(text string) (any, error) {
	v, err := codec.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("params are not valid JSON: %w", err)
	}
	if _, ok := v.(string); ok {
		return nil, fmt.Errorf("params must not be a bare JSON string")
	}
	return v, nil
}

func splitEndpoints(s string) []string {
	parts := strings.Split(s, ",")
	endpoints := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			endpoints = append(endpoints, p)
		}
	}
	return endpoints
}
