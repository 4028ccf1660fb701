// loolwsd is the gateway's entry point: parses CLI flags, assembles
// the configuration store, and runs the Gateway until a termination
// signal arrives. Flag/exit-code handling follows the §6 CLI table;
// no CLI-parsing library appears anywhere in the example pack, so
// this uses the standard library flag package (NONE-IN-PACK).
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loolwsd/wsd/internal/config"
	"github.com/loolwsd/wsd/internal/gateway"
	"github.com/loolwsd/wsd/internal/logging"
)

// version is stamped at release build time via -ldflags; "dev" when built locally.
var version = "dev"

// exitSoftware is the §6/§7 exit code for a missing required option
// or an unrecoverable initialization failure.
const exitSoftware = 70

// shutdownGrace bounds how long Shutdown waits for in-flight worker
// saves to finish before forcing a hard stop (§5 "Cancellation").
const shutdownGrace = 15 * time.Second

type overrideFlags []string

func (o *overrideFlags) String() string { return fmt.Sprint([]string(*o)) }
func (o *overrideFlags) Set(v string) error {
	*o = append(*o, v)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("loolwsd", flag.ContinueOnError)
	var (
		port         = fs.Int("port", 0, "override the client listening port")
		disableSSL   = fs.Bool("disable-ssl", false, "force ssl.enable=false regardless of config")
		configFile   = fs.String("config-file", "", "path to a key=value override file")
		showHelp     = fs.Bool("help", false, "show usage and exit")
		showVersion  = fs.Bool("version", false, "show version and exit")
		overrides    overrideFlags
	)
	fs.Var(&overrides, "override", "set a single config key=value (repeatable)")

	if err := fs.Parse(args); err != nil {
		return exitSoftware
	}
	if *showHelp {
		fs.Usage()
		return 0
	}
	if *showVersion {
		fmt.Println("loolwsd", version)
		return 0
	}

	log := logging.New("main")
	cfg := config.New()

	if *configFile != "" {
		if err := cfg.LoadOverrideFile(*configFile); err != nil {
			log.Errorf("%v", err)
			return exitSoftware
		}
	}
	for _, kv := range overrides {
		if err := cfg.ApplyOverride(kv); err != nil {
			log.Errorf("%v", err)
			return exitSoftware
		}
	}
	if *port != 0 {
		cfg.Set(map[string]string{"client_port": fmt.Sprintf("%d", *port)})
	}
	if *disableSSL {
		cfg.Set(map[string]string{"ssl.enable": "false"})
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		log.Errorf("initialization failed: %v", err)
		return exitSoftware
	}
	if err := gw.Start(); err != nil {
		log.Errorf("start failed: %v", err)
		return exitSoftware
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("received %v, shutting down", sig)
	gw.RequestShutdown()
	gw.Shutdown(shutdownGrace)
	return 0
}
