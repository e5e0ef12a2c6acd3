package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tkingovr/isnad/internal/journal"
	"github.com/tkingovr/isnad/internal/lifecycle"
	"github.com/tkingovr/isnad/internal/processor"
	"github.com/tkingovr/isnad/internal/server"
	"github.com/tkingovr/isnad/internal/signer"
)

var (
	serveListen string
	serveDemo   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the audit gateway",
	Long: `Start the HTTP gateway. Clients submit code, pay the audit fee on-chain,
claim the payment with its transaction hash and poll for the certificate.`,
	Example: `  isnad serve -c isnad.yaml
  ALCHEMY_API_KEY=... isnad serve --listen :3000`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides config)")
	serveCmd.Flags().BoolVar(&serveDemo, "demo", false, "enable the unauthenticated demo fast path")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.ListenAddr = serveListen
	}
	if serveDemo {
		cfg.DemoMode = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cleanup closer
	defer cleanup.close()

	store, err := newStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	cleanup.add(func() { store.Close() })

	verifier, closeLedger, err := newVerifier(ctx, cfg.Payment, logger)
	if err != nil {
		return err
	}
	cleanup.add(closeLedger)

	publisher, closeAnchor, err := newAnchor(ctx, cfg.Anchor, logger)
	if err != nil {
		return err
	}
	cleanup.add(closeAnchor)

	events, err := journal.NewJSONLStore(cfg.Journal.Dir, journal.WithMaxMemory(cfg.Journal.MaxMemory))
	if err != nil {
		return fmt.Errorf("creating journal: %w", err)
	}
	cleanup.add(func() { events.Close() })

	admission, err := newAdmission(cfg.Admission)
	if err != nil {
		return err
	}

	sign, err := signer.NewExecSigner(cfg.Signer.Command, logger,
		signer.WithDir(cfg.Signer.Dir),
		signer.WithEnv(cfg.Signer.Env...),
		signer.WithTimeout(cfg.Signer.Timeout),
	)
	if err != nil {
		return fmt.Errorf("creating signer: %w", err)
	}

	if cfg.Signer.WorkDir != "" {
		if err := os.MkdirAll(cfg.Signer.WorkDir, 0o700); err != nil {
			return fmt.Errorf("creating work dir: %w", err)
		}
	}
	proc := processor.New(store, sign, logger,
		processor.WithWorkDir(cfg.Signer.WorkDir),
		processor.WithJournal(events),
		processor.WithAnchor(publisher, cfg.Anchor.Timeout),
	)

	svc, err := lifecycle.New(lifecycle.Pricing{
		Price:           cfg.Payment.Price,
		Decimals:        cfg.Payment.Decimals,
		WalletAddress:   cfg.Payment.WalletAddress,
		Network:         cfg.Payment.Network,
		ContractAddress: cfg.Payment.ContractAddress,
	}, store, verifier, proc, logger,
		lifecycle.WithJournal(events),
		lifecycle.WithDemoMode(cfg.DemoMode),
	)
	if err != nil {
		return err
	}
	// Let in-flight audits finish before the store and journal close.
	cleanup.add(svc.Wait)

	if cfg.DemoMode {
		logger.Warn("demo mode enabled: audits can be started without payment")
	}

	srv := server.NewServer(cfg.ListenAddr, svc, logger,
		server.WithJournal(events),
		server.WithAdmission(admission),
		server.WithRateLimit(newLimiter(ctx, cfg.RateLimit, store)),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Info("shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("starting serve mode",
		"listen", cfg.ListenAddr,
		"chain", cfg.Payment.Chain,
		"network", cfg.Payment.Network,
		"price", cfg.Payment.Price,
		"store", cfg.Store.Backend,
	)
	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}
