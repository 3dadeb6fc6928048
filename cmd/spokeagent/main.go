package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dive-coalition/federation-enrollment-backend/cmd/flags"
	"github.com/dive-coalition/federation-enrollment-backend/enrollment"
	"github.com/dive-coalition/federation-enrollment-backend/identity"
	"github.com/dive-coalition/federation-enrollment-backend/interfaces"
	"github.com/dive-coalition/federation-enrollment-backend/spoke"
)

var agentFlags = append([]cli.Flag{
	&cli.StringFlag{
		Name:     "hub-url",
		Required: true,
		Usage:    "hub federation API base URL",
	},
	&cli.StringFlag{
		Name:  "config-path",
		Value: "/var/lib/federation/spoke-config.json",
		Usage: "path of the durable spoke config file",
	},
	&cli.StringFlag{
		Name:  "certs-dir",
		Value: "/var/lib/federation/certs",
		Usage: "directory for generated keys, CSRs and installed certificates",
	},
	&cli.DurationFlag{
		Name:  "poll-interval",
		Value: 30 * time.Second,
		Usage: "base interval between hub status polls",
	},
	&cli.StringFlag{
		Name:  "srv-domain",
		Usage: "DNS SRV domain for hub replica discovery, e.g. _federation._tcp.hub.example",
	},
	&cli.StringFlag{
		Name:  "dns-server",
		Usage: "DNS resolver address for SRV discovery, host:port",
	},
	&cli.StringFlag{
		Name:     "instance-code",
		Required: true,
		Usage:    "this spoke's federation code, e.g. FRA",
	},
	&cli.StringFlag{
		Name:     "approver-code",
		Required: true,
		Usage:    "the hub instance's federation code, e.g. USA",
	},
	&cli.StringFlag{
		Name:     "discovery-url",
		Required: true,
		Usage:    "this spoke's OIDC discovery URL",
	},
	&cli.StringFlag{
		Name:  "api-url",
		Usage: "this spoke's API base URL",
	},
	&cli.StringFlag{
		Name:  "idp-url",
		Usage: "this spoke's identity provider base URL",
	},
	&cli.StringFlag{
		Name:  "contact",
		Usage: "operator contact email",
	},
	flags.LogServiceFlagFn("federation-spoke"),
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:   "spokeagent",
		Usage:  "Drive federation enrollment from the spoke side",
		Flags:  agentFlags,
		Action: runAgent,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runAgent(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	agent := spoke.NewAgent(logger)
	if err := agent.Initialize(spoke.AgentConfig{
		HubURL:       cCtx.String("hub-url"),
		SRVDomain:    cCtx.String("srv-domain"),
		DNSServer:    cCtx.String("dns-server"),
		ConfigPath:   cCtx.String("config-path"),
		CertsDir:     cCtx.String("certs-dir"),
		PollInterval: cCtx.Duration("poll-interval"),
	}); err != nil {
		logger.Error("Agent initialization failed", "err", err)
		return err
	}

	status := agent.GetStatus()
	logger.Info("Agent status", "status", status.Status, "spokeId", status.SpokeID)

	if status.Status == spoke.FederationStatusUnregistered {
		if err := enroll(cCtx, agent, logger); err != nil {
			logger.Error("Enrollment submission failed", "err", err)
			return err
		}
	}

	if err := agent.StartStatusPolling(); err != nil {
		return err
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit

	logger.Info("Shutting down")
	agent.Shutdown()
	return nil
}

// enroll performs the first-run flow: generate a CSR and key pair, sign the
// enrollment payload, submit the request to the hub and record the assigned
// enrollment ID.
func enroll(cCtx *cli.Context, agent *spoke.Agent, logger *slog.Logger) error {
	instanceCode, err := interfaces.NewInstanceCode(cCtx.String("instance-code"))
	if err != nil {
		return err
	}
	approverCode, err := interfaces.NewInstanceCode(cCtx.String("approver-code"))
	if err != nil {
		return err
	}

	if err := agent.UpdateSpokeConfig(&spoke.ConfigPatch{
		Identity: &spoke.SpokeIdentity{
			InstanceCode: instanceCode.String(),
			Country:      instanceCode.String(),
			ContactEmail: cCtx.String("contact"),
		},
		Endpoints: &spoke.SpokeEndpoints{
			HubURL: cCtx.String("hub-url"),
			APIURL: cCtx.String("api-url"),
			IdPURL: cCtx.String("idp-url"),
		},
	}); err != nil {
		return err
	}

	if err := agent.GenerateCSR(); err != nil {
		return err
	}

	config := agent.GetSpokeConfig()
	keyPEM, err := os.ReadFile(config.Certificates.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("failed to read private key: %w", err)
	}
	certPEM, err := os.ReadFile(config.Certificates.CertificatePath)
	if err != nil {
		return fmt.Errorf("failed to read certificate: %w", err)
	}

	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return fmt.Errorf("failed to generate challenge nonce: %w", err)
	}
	nonce := hex.EncodeToString(nonceBytes)

	discoveryURL := cCtx.String("discovery-url")
	payload := identity.EnrollmentSigningPayload(instanceCode, approverCode, nonce, discoveryURL)
	signature, err := identity.SignEnrollmentPayload(keyPEM, payload)
	if err != nil {
		return err
	}

	hub := spoke.NewHubClient(cCtx.String("hub-url"), 10*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	record, err := hub.SubmitEnrollment(ctx, &enrollment.CreateRequest{
		RequesterInstanceCode:   instanceCode.String(),
		ApproverInstanceCode:    approverCode.String(),
		RequesterCertificatePEM: string(certPEM),
		OIDCDiscoveryURL:        discoveryURL,
		APIBaseURL:              cCtx.String("api-url"),
		IdPBaseURL:              cCtx.String("idp-url"),
		Contact:                 cCtx.String("contact"),
		ChallengeNonce:          nonce,
		EnrollmentSignature:     signature,
	})
	if err != nil {
		return err
	}

	logger.Info("Enrollment submitted",
		"enrollmentId", record.EnrollmentID.String(),
		"status", record.Status.String())

	return agent.UpdateSpokeConfig(&spoke.ConfigPatch{
		Federation: &spoke.SpokeFederation{
			Status:       record.Status.String(),
			EnrollmentID: record.EnrollmentID.String(),
		},
	})
}
