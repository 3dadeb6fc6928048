package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dive-coalition/federation-enrollment-backend/cmd/flags"
	"github.com/dive-coalition/federation-enrollment-backend/enrollment"
	"github.com/dive-coalition/federation-enrollment-backend/exchange"
	"github.com/dive-coalition/federation-enrollment-backend/httpserver"
	"github.com/dive-coalition/federation-enrollment-backend/interfaces"
	"github.com/dive-coalition/federation-enrollment-backend/issuer"
	"github.com/dive-coalition/federation-enrollment-backend/keycloak"
	"github.com/dive-coalition/federation-enrollment-backend/storage"
	"github.com/dive-coalition/federation-enrollment-backend/transit"
)

var hubFlags = append([]cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for the federation API",
	},
	&cli.StringFlag{
		Name:     "instance-code",
		Required: true,
		Usage:    "this instance's federation code, e.g. USA",
	},
	&cli.StringFlag{
		Name:     "public-idp-url",
		Required: true,
		Usage:    "externally reachable base URL of the local identity provider",
	},
	&cli.StringFlag{
		Name:  "enrollment-store",
		Value: "memory://",
		Usage: "enrollment store location URI (memory://, file://..., s3://...)",
	},
	&cli.StringFlag{
		Name:  "keycloak-url",
		Value: "http://127.0.0.1:8443",
		Usage: "Keycloak admin base URL",
	},
	&cli.StringFlag{
		Name:  "keycloak-realm",
		Value: "dive-v3",
		Usage: "local realm federation clients are created in",
	},
	&cli.StringFlag{
		Name:    "keycloak-admin-user",
		Value:   "admin",
		EnvVars: []string{"KEYCLOAK_ADMIN_USER"},
		Usage:   "Keycloak admin username",
	},
	&cli.StringFlag{
		Name:    "keycloak-admin-password",
		EnvVars: []string{"KEYCLOAK_ADMIN_PASSWORD"},
		Usage:   "Keycloak admin password",
	},
	&cli.StringFlag{
		Name:    "vault-addr",
		EnvVars: []string{"VAULT_ADDR"},
		Usage:   "Vault transit endpoint; empty disables envelope encryption",
	},
	&cli.StringFlag{
		Name:    "vault-token",
		EnvVars: []string{"VAULT_TOKEN"},
		Usage:   "Vault access token",
	},
	&cli.StringFlag{
		Name:  "transit-key",
		Value: transit.DefaultKeyName,
		Usage: "transit key name used for credential envelope encryption",
	},
	flags.LogServiceFlagFn("federation-hub"),
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:  "hubserver",
		Usage: "Serve the federation enrollment and credential-exchange API",
		Flags: hubFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			instanceCode, err := interfaces.NewInstanceCode(cCtx.String("instance-code"))
			if err != nil {
				logger.Error("Invalid instance code", "err", err)
				return err
			}

			storeFactory := storage.NewStoreFactory(logger)
			store, err := storeFactory.StoreFor(cCtx.String("enrollment-store"))
			if err != nil {
				logger.Error("Failed to create enrollment store", "err", err)
				return err
			}
			logger.Info("Enrollment store ready", "store", store.Name())

			bus := enrollment.NewBus(logger)
			ledger := enrollment.NewLedger(store, bus, logger)

			transitClient, err := transit.New(transit.Config{
				Endpoint: cCtx.String("vault-addr"),
				Token:    cCtx.String("vault-token"),
				KeyName:  cCtx.String("transit-key"),
			}, logger)
			if err != nil {
				logger.Error("Failed to create transit client", "err", err)
				return err
			}

			idp := keycloak.New(keycloak.Config{
				BaseURL:       cCtx.String("keycloak-url"),
				Realm:         cCtx.String("keycloak-realm"),
				AdminUser:     cCtx.String("keycloak-admin-user"),
				AdminPassword: cCtx.String("keycloak-admin-password"),
			}, logger)

			orchestrator := exchange.NewOrchestrator(ledger, idp, transitClient, exchange.LocalInstance{
				Code:         instanceCode,
				PublicIdPURL: cCtx.String("public-idp-url"),
			}, logger)

			issuerStore := issuer.NewMemoryStore()
			registry := issuer.NewRegistry(issuerStore, logger)
			registry.Start(bus)
			defer registry.Stop()

			// The local instance trusts its own identity provider.
			localIssuerURL := fmt.Sprintf("%s/realms/%s",
				strings.TrimSuffix(cCtx.String("public-idp-url"), "/"), instanceCode.BrokerRealm())
			if err := issuerStore.Put(cCtx.Context, &interfaces.TrustedIssuer{
				IssuerURL:  localIssuerURL,
				Tenant:     strings.ToLower(instanceCode.String()),
				Name:       instanceCode.String() + " local instance",
				Country:    instanceCode.String(),
				TrustLevel: "standard",
				Realm:      instanceCode.BrokerRealm(),
				Enabled:    true,
			}); err != nil {
				logger.Error("Failed to register local issuer", "err", err)
				return err
			}

			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"))
			handler := httpserver.NewHandler(ledger, orchestrator, issuerStore, logger)
			server, err := httpserver.New(cfg, handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			server.RunInBackground()
			logger.Info("Hub server running",
				"instanceCode", instanceCode.String(),
				"listenAddr", cCtx.String("listen-addr"))

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			<-exit

			logger.Info("Shutting down")
			server.Shutdown()
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
