package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"
	"github.com/tcriess/lightspeed-meet/auth"
	"github.com/tcriess/lightspeed-meet/config"
	"github.com/tcriess/lightspeed-meet/filter"
	"github.com/tcriess/lightspeed-meet/globals"
	"github.com/tcriess/lightspeed-meet/metrics"
	"github.com/tcriess/lightspeed-meet/persistence"
	"github.com/tcriess/lightspeed-meet/registry"
	"github.com/tcriess/lightspeed-meet/ws"
)

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
)

func main() {
	log.SetFlags(0)

	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))

	persister, err := persistence.NewPersister(globalConfig)
	if err != nil {
		panic(err)
	}
	if persister != nil {
		defer persister.Close()
	}
	journal := persistence.NewJournal(persister)
	defer journal.Close()

	policy, err := filter.NewPolicy(globalConfig.Policy)
	if err != nil {
		panic(err)
	}
	globals.AppLogger.Info("event policy loaded", "rules", policy.Len())

	// a nil *OIDCAuthenticator must not end up in the interface
	var authenticator auth.Authenticator
	oidcAuthenticator, err := auth.NewOIDCAuthenticator(globalConfig)
	if err != nil {
		panic(err)
	}
	if oidcAuthenticator != nil {
		authenticator = oidcAuthenticator
	} else if globalConfig.AuthConfig.RequireToken {
		globals.AppLogger.Warn("require_token is set but no oidc provider is configured, every join will be rejected")
	}

	reg := registry.NewMemoryRegistry()
	m := metrics.New(reg)
	hub := ws.NewHub(reg, globalConfig, journal, policy, authenticator, m)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go hub.Run(ctx)

	server := &http.Server{
		Addr:    globalConfig.Addr,
		Handler: ws.NewRouter(hub, m),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			globals.AppLogger.Error("could not shut down http server", "error", err)
		}
	}()

	globals.AppLogger.Info("listening", "addr", globalConfig.Addr)
	// start HTTP server
	if globalConfig.SSLCert != "" && globalConfig.SSLKey != "" {
		err = server.ListenAndServeTLS(globalConfig.SSLCert, globalConfig.SSLKey)
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		globals.AppLogger.Error("stopped listening", "error", err)
	}
	cancel()
	<-hub.Done()
	globals.AppLogger.Info("hub stopped")
}
