package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	checkout "github.com/renaissblock/checkout"
	"github.com/renaissblock/checkout/balance"
	checkouthttp "github.com/renaissblock/checkout/http"
	"github.com/renaissblock/checkout/minttrack"
	"github.com/renaissblock/checkout/onramp"
	"github.com/renaissblock/checkout/pkg/config"
	"github.com/renaissblock/checkout/pkg/logging"
	"github.com/renaissblock/checkout/settlement"
	"github.com/renaissblock/checkout/signers/evm"
	"github.com/renaissblock/checkout/signers/svm"
	"github.com/renaissblock/checkout/signing"
	"github.com/renaissblock/checkout/test/mocks/backend"
	"github.com/renaissblock/checkout/types"
)

type options struct {
	envFile   string
	contentID string
	chapterID string
	cart      bool
	method    string
	mock      bool
	balance   string
	total     string
	track     bool
}

func main() {
	var opts options
	flag.StringVar(&opts.envFile, "env", "", "env file to load (default ./.env if present)")
	flag.StringVar(&opts.contentID, "content", "", "content id to buy")
	flag.StringVar(&opts.chapterID, "chapter", "", "chapter id to buy")
	flag.BoolVar(&opts.cart, "cart", false, "buy the current cart")
	flag.StringVar(&opts.method, "method", "", "payment method (balance|coinbase|direct_crypto); default is the primary option")
	flag.BoolVar(&opts.mock, "mock", false, "run against an in-process fake backend")
	flag.StringVar(&opts.balance, "mock-balance", "20", "starting balance in mock mode")
	flag.StringVar(&opts.total, "mock-total", "10", "intent total in mock mode")
	flag.BoolVar(&opts.track, "track", true, "wait for the ownership token after settlement")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "checkout: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	var files []string
	if opts.envFile != "" {
		files = append(files, opts.envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var mock *backend.Server
	if opts.mock {
		mock, err = startMock(ctx, &cfg, opts, logger)
		if err != nil {
			return err
		}
	}

	wallet, err := newWallet(cfg.Wallet)
	if err != nil {
		return err
	}

	var auth checkouthttp.AuthProvider
	if cfg.Backend.AuthToken != "" {
		auth = checkouthttp.BearerToken(cfg.Backend.AuthToken)
	}
	client := checkouthttp.NewBackendClient(&checkouthttp.BackendConfig{
		URL:            cfg.Backend.URL,
		AuthProvider:   auth,
		Timeout:        cfg.Backend.Timeout,
		RetryBaseDelay: cfg.Backend.RetryBaseDelay,
		Logger:         logger.With("component", "http"),
	})

	stdin := bufio.NewReader(os.Stdin)
	coord := checkout.NewCoordinator(client,
		checkout.WithLogger(logger),
		checkout.WithWallet(wallet),
		checkout.WithWidget(&consoleWidget{in: stdin, mock: mock}),
		checkout.WithDirectTransfer(consoleTransfer(stdin)),
		checkout.WithStoreOptions(
			balance.WithStaleRefreshDelay(cfg.Balance.StaleRefreshDelay),
			balance.WithSyncPollInterval(cfg.Balance.SyncPollInterval),
			balance.WithMaxSyncPolls(cfg.Balance.MaxSyncPolls),
		),
		checkout.WithSubmitterOptions(settlement.WithRecovery(
			cfg.Settlement.RecoveryDelay, cfg.Settlement.RecoveryInterval, cfg.Settlement.RecoveryAttempts)),
		checkout.WithReconcilerOptions(
			onramp.WithPollInterval(cfg.Conversion.PollInterval),
			onramp.WithClosedPollAttempts(cfg.Conversion.ClosedPollAttempts),
			onramp.WithAutoOpenDelay(cfg.Conversion.AutoOpenDelay),
			onramp.WithBalanceThreshold(cfg.Conversion.BalanceThreshold),
		),
		checkout.WithTrackerOptions(
			minttrack.WithInterval(cfg.Mint.PollInterval),
			minttrack.WithCeiling(cfg.Mint.Ceiling),
		),
	)
	defer coord.Close()

	done := make(chan checkout.Event, 1)
	coord.OnEvent(func(ev checkout.Event) {
		select {
		case done <- ev:
		default:
		}
	})
	context.AfterFunc(ctx, func() {
		if err := coord.Cancel(); err != nil {
			logger.Warn("cancel refused", "error", err)
		}
	})

	intent, err := coord.CreateIntent(ctx, types.IntentRequest{
		ContentID: opts.contentID,
		ChapterID: opts.chapterID,
		Cart:      opts.cart,
	})
	if err != nil {
		return err
	}
	printOptions(intent)

	method := types.Method(opts.method)
	if method == "" {
		method = primaryMethod(intent)
	}
	if err := coord.SelectMethod(ctx, method); err != nil {
		return err
	}
	if method == types.MethodBalance {
		if _, err := coord.ConfirmBalancePayment(ctx); err != nil {
			return err
		}
	}

	var ev checkout.Event
	select {
	case ev = <-done:
	default:
		return fmt.Errorf("checkout ended in state %s without an outcome", coord.State())
	}
	switch ev.Outcome {
	case checkout.OutcomeCancel:
		fmt.Println("Checkout cancelled.")
		return nil
	case checkout.OutcomeError:
		return ev.Err
	}

	fmt.Printf("Paid with %s. Settlement: %s\n", ev.Method, valueOr(ev.SettlementRef, "pending"))
	if !ev.Confirmed {
		fmt.Println("The payment is still being confirmed; it will show up in your library shortly.")
	}
	if !opts.track {
		return nil
	}

	res, err := coord.TrackMint(ctx)
	if err != nil {
		return err
	}
	if res.Pending {
		fmt.Println(res.Message)
		return nil
	}
	fmt.Printf("Minted: %s\n", res.MintAddress)
	return nil
}

func newWallet(cfg config.WalletConfig) (signing.Wallet, error) {
	if cfg.PrivateKey == "" {
		return nil, errors.New("CHECKOUT_WALLET_KEY is required")
	}
	if cfg.Kind == config.WalletEVM {
		w, err := evm.NewWalletFromPrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	w, err := svm.NewWalletFromPrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// startMock serves the fake backend on a loopback port and points cfg at it.
// Without a configured key a throwaway Solana wallet is generated.
func startMock(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) (*backend.Server, error) {
	startBalance, err := decimal.NewFromString(opts.balance)
	if err != nil {
		return nil, fmt.Errorf("invalid -mock-balance: %w", err)
	}
	total, err := decimal.NewFromString(opts.total)
	if err != nil {
		return nil, fmt.Errorf("invalid -mock-total: %w", err)
	}

	if cfg.Wallet.PrivateKey == "" {
		cfg.Wallet.Kind = config.WalletSVM
		cfg.Wallet.PrivateKey = solana.NewWallet().PrivateKey.String()
	}
	wallet, err := newWallet(cfg.Wallet)
	if err != nil {
		return nil, err
	}
	identity, err := wallet.ConnectedIdentity(ctx)
	if err != nil {
		return nil, err
	}

	serverOpts := []backend.Option{
		backend.WithPayer(identity),
		backend.WithBalance(startBalance),
		backend.WithTotal(total),
		backend.WithAutoMint(true),
		backend.WithLogger(logger.With("component", "mock-backend")),
	}
	if cfg.Wallet.Kind == config.WalletSVM {
		serverOpts = append(serverOpts, backend.WithRail(backend.NewSolanaRail(solana.NewWallet().PrivateKey)))
	}
	mock := backend.NewServer(serverOpts...)
	if opts.cart {
		mock.AddToCart(1)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("mock backend: %w", err)
	}
	srv := &http.Server{Handler: mock.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("mock backend stopped", "error", err)
		}
	}()
	context.AfterFunc(ctx, func() { _ = srv.Close() })

	cfg.Backend.URL = "http://" + ln.Addr().String()
	cfg.Settlement.RecoveryDelay = 200 * time.Millisecond
	cfg.Settlement.RecoveryInterval = 200 * time.Millisecond
	cfg.Mint.PollInterval = 200 * time.Millisecond
	cfg.Mint.Ceiling = 5 * time.Second

	logger.Info("mock backend listening", "url", cfg.Backend.URL, "payer", identity)
	return mock, nil
}

func printOptions(intent *types.PurchaseIntent) {
	fmt.Printf("Intent %s: total $%s\n", intent.ID, intent.Total().StringFixed(2))
	for _, opt := range intent.Options {
		mark := " "
		if opt.Primary {
			mark = "*"
		}
		state := "available"
		if !opt.Available {
			state = "unavailable"
			if opt.Explanation != "" {
				state += ": " + opt.Explanation
			}
		}
		fmt.Printf(" %s %-14s %s (%s)\n", mark, opt.Method, opt.Label, state)
	}
}

func primaryMethod(intent *types.PurchaseIntent) types.Method {
	for _, opt := range intent.Options {
		if opt.Primary && opt.Available {
			return opt.Method
		}
	}
	for _, opt := range intent.Options {
		if opt.Available {
			return opt.Method
		}
	}
	return types.MethodBalance
}

// consoleWidget stands in for the provider UI: it prints the widget
// configuration and asks whether the top-up went through. In mock mode a yes
// completes the conversion on the fake backend.
type consoleWidget struct {
	in   *bufio.Reader
	mock *backend.Server
}

func (w *consoleWidget) Open(ctx context.Context, cfg map[string]interface{}, cb onramp.Callbacks) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("Card top-up widget config:\n%s\n", raw)
	cb.OnEvent(onramp.EventTransitionView)

	go func() {
		fmt.Print("Top-up completed? [y/N] ")
		line, _ := w.in.ReadString('\n')
		if !strings.EqualFold(strings.TrimSpace(line), "y") {
			cb.OnExit(nil)
			return
		}
		if w.mock != nil {
			if err := w.mock.SetConversionStatus(w.mock.LastConversionID(), types.ConversionCompleted, ""); err != nil {
				cb.OnExit(err)
				return
			}
		}
		cb.OnSuccess()
	}()
	return nil
}

func (w *consoleWidget) Close() error { return nil }

func consoleTransfer(in *bufio.Reader) checkout.DirectTransferFunc {
	return func(ctx context.Context, intent *types.PurchaseIntent) (*checkout.DirectTransferResult, error) {
		fmt.Printf("Send $%s to the payment address for intent %s, then paste the transaction signature (empty to cancel): ",
			intent.Total().StringFixed(2), intent.ID)
		line, err := in.ReadString('\n')
		if err != nil && line == "" {
			return nil, context.Canceled
		}
		ref := strings.TrimSpace(line)
		if ref == "" {
			return nil, context.Canceled
		}
		return &checkout.DirectTransferResult{SettlementRef: ref}, nil
	}
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
