// Command ccgw runs the LLM gateway: a single HTTP listener that proxies
// Anthropic- and OpenAI-shaped requests to configured upstream providers,
// with API key auth, model routing, response caching, and usage logging.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

var version = "dev"

func main() {
	// State lives under $CC_GW_HOME, defaulting to ~/.cc-gw.
	home := os.Getenv("CC_GW_HOME")
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil {
			home = filepath.Join(h, ".cc-gw")
		}
	}

	configPath := flag.String("config", filepath.Join(home, "config.json"), "path to the JSON config document")
	dbPath := flag.String("db", filepath.Join(home, "cc-gw.db"), "path to the sqlite database file")
	vaultPath := flag.String("vault-key", filepath.Join(home, "secret.key"), "path to the at-rest master key file")
	addr := flag.String("addr", "", "listen address, overrides settings.host:settings.port from config")
	otlpEndpoint := flag.String("otlp-endpoint", "", "OTLP gRPC endpoint for trace export; empty disables tracing")
	traceSampleRate := flag.Float64("trace-sample-rate", 0.1, "fraction of requests to trace when tracing is enabled")
	webPassword := flag.String("web-password", "", "password for the optional web UI session endpoints; empty leaves the session endpoints unmounted")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("ccgw", version)
		os.Exit(0)
	}

	cfg := runConfig{
		configPath:      *configPath,
		dbPath:          *dbPath,
		vaultPath:       *vaultPath,
		addr:            *addr,
		otlpEndpoint:    *otlpEndpoint,
		traceSampleRate: *traceSampleRate,
		webPassword:     *webPassword,
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
