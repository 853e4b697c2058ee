package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/web3guy0/polyexec/bot"
	"github.com/web3guy0/polyexec/chain"
	"github.com/web3guy0/polyexec/core"
	"github.com/web3guy0/polyexec/exec"
	"github.com/web3guy0/polyexec/execution"
	"github.com/web3guy0/polyexec/feeds"
	"github.com/web3guy0/polyexec/internal/config"
	"github.com/web3guy0/polyexec/ledger"
	"github.com/web3guy0/polyexec/risk"
	"github.com/web3guy0/polyexec/settlement"
	"github.com/web3guy0/polyexec/storage"
	"github.com/web3guy0/polyexec/types"
)

const (
	shutdownTimeout = 5 * time.Second
	statusInterval  = 5 * time.Minute
)

// alertRelay forwards to Telegram once it is up, and to the log until then
type alertRelay struct {
	mu     sync.RWMutex
	target execution.Alerter
}

func (r *alertRelay) set(a execution.Alerter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = a
}

func (r *alertRelay) Alert(msg string) {
	r.mu.RLock()
	target := r.target
	r.mu.RUnlock()
	if target != nil {
		target.Alert(msg)
		return
	}
	log.Warn().Str("alert", msg).Msg("🔔 Alert")
}

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	}

	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msg("            POLYEXEC - 15M UP/DOWN EXECUTION ENGINE")
	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().
		Strs("assets", cfg.Assets).
		Str("strategy", cfg.Strategy).
		Bool("dry_run", cfg.DryRun).
		Msg("⚡ Starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ═══════════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════════

	// 1. Storage
	db, err := storage.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	// 2. Risk
	guard := risk.NewSafetyGuard(risk.SafetyConfig{
		DryRun:                 cfg.DryRun,
		MaxOrderUSD:            cfg.MaxOrderUSD,
		MaxOrdersPerMinute:     cfg.MaxOrdersPerMinute,
		MaxInvestmentPerMarket: cfg.MaxInvestmentPerMarket,
		LogPath:                filepath.Join(cfg.LogDir, "safety.log"),
	})
	breaker := risk.NewCircuitBreaker(cfg.MaxConsecutiveLosses, cfg.MaxDailyLossUSD, db)
	trading := risk.NewTradingSwitch(guard, breaker)

	rules := risk.NewExitRules(cfg.DefaultStopLoss, cfg.FlipStopPrice)
	for asset, sl := range cfg.StopLosses {
		rules.SetStopLoss(asset, sl)
	}

	// 3. Venue and chain
	client, err := exec.NewClient(exec.Config{
		BaseURL:       cfg.CLOBURL,
		APIKey:        cfg.CLOBApiKey,
		APISecret:     cfg.CLOBApiSecret,
		Passphrase:    cfg.CLOBPassphrase,
		PrivateKey:    cfg.WalletPrivateKey,
		FunderAddress: cfg.FunderAddress,
		SignatureType: cfg.SignatureType,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize execution client")
	}

	endpoints, err := chain.DialEndpoints(cfg.RPCURLs)
	if err != nil {
		if !cfg.DryRun {
			log.Fatal().Err(err).Msg("No RPC endpoint available")
		}
		log.Warn().Err(err).Msg("⚠️ No RPC endpoint, balances unavailable in dry run")
	}
	wallet := client.Address()
	if cfg.FunderAddress != "" {
		wallet = common.HexToAddress(cfg.FunderAddress)
	}
	balances := chain.NewBalanceRacer(wallet, endpoints, chain.DefaultRaceConfig())

	// 4. Execution
	relay := &alertRelay{}
	board := core.NewStatusBoard()
	registry := execution.NewRegistry()

	orderLog, err := execution.NewOrderLog(cfg.LogDir, db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open order log")
	}
	defer orderLog.Close()

	ecfg := execution.DefaultConfig()
	ecfg.ChunkSize = cfg.ChunkSize
	ecfg.MaxSweepLossUSD = cfg.MaxSweepLossUSD

	opts := []execution.Option{
		execution.WithClosingChecker(board),
		execution.WithAlerter(relay),
		execution.WithOrderLog(orderLog),
		execution.WithBalanceCallback(func(delta decimal.Decimal) {
			log.Debug().Str("delta", delta.StringFixed(2)).Msg("💵 Balance changed")
		}),
	}
	if len(cfg.RPCURLs) > 0 {
		if backend, err := ethclient.Dial(cfg.RPCURLs[0]); err == nil {
			opts = append(opts, execution.WithRedeemer(chain.NewRedeemer(backend, client.PrivateKey(), wallet, chain.DefaultRedeemConfig())))
		} else {
			log.Warn().Err(err).Msg("⚠️ Redeemer unavailable")
		}
	}
	engine := execution.NewEngine(client, balances, guard, registry, ecfg, opts...)

	// 5. Ledger
	journal, err := ledger.OpenTradeLog(filepath.Join(cfg.StrategyLogDir(), "trades.jsonl"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open trade log")
	}
	defer journal.Close()

	book := ledger.New(cfg.Strategy, cfg.StartingCapital, journal,
		ledger.WithTrader(execution.NewTraderAdapter(engine)),
		ledger.WithMarketResetter(guard),
		ledger.WithCloseHook(breaker.RecordClose),
	)
	if loaded, corrupt, err := book.Load(); err != nil {
		log.Fatal().Err(err).Msg("Failed to replay trade log")
	} else if corrupt > 0 {
		log.Warn().Int("loaded", loaded).Int("corrupt", corrupt).Msg("⚠️ Trade log had corrupt lines")
	}

	// 6. Settlement
	scfg := settlement.DefaultConfig()
	scfg.SweepInterval = cfg.SweepInterval
	scfg.ResolveGrace = cfg.ResolveGrace
	sweeper := settlement.New(scfg, engine, book, db, relay)
	if _, err := sweeper.Load(); err != nil {
		log.Warn().Err(err).Msg("⚠️ Failed to restore redemption queue")
	}

	// 7. Telegram
	if cfg.TelegramToken != "" {
		tg, err := bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID, bot.Deps{
			Stats:    book,
			Balance:  engine,
			Control:  trading,
			Pending:  sweeper.Pending,
			DryRun:   cfg.DryRun,
			Strategy: cfg.Strategy,
		})
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Telegram disabled")
		} else {
			tg.Start()
			defer tg.Stop()
			relay.set(tg)
			tg.NotifyStartup(cfg.Assets)
		}
	}

	// 8. Per-asset state machines and book feeds
	pool := core.NewWorkerPool(cfg.Workers, cfg.QueueSize)
	catalog := core.NewMarketCatalog()
	spot := feeds.NewSpotFeed("", cfg.Assets)

	mcfg := core.DefaultMachineConfig()
	mcfg.TradingWindow = cfg.TradingWindow
	mcfg.MaxPriceAge = cfg.MaxPriceAge
	mcfg.FastPathInterval = cfg.FastPathInterval
	mcfg.Rules = rules

	machines := make(map[string]*core.StateMachine, len(cfg.Assets))
	bookFeeds := make(map[string]*feeds.BookFeed, len(cfg.Assets))
	for _, asset := range cfg.Assets {
		asset := asset
		machine := core.NewStateMachine(asset, mcfg, book, engine, board, registry,
			core.WithSettlementQueue(sweeper),
			core.WithExitHook(func(asset, slug, reason string, rec *ledger.TradeEntry) {
				if rec != nil {
					relay.Alert("🛑 " + reason + " " + slug + " pnl $" + rec.PnL.StringFixed(2))
				}
			}),
		)
		feed := feeds.NewBookFeed(asset, cfg.WSURL)
		feed.OnTick(func(t types.Tick) {
			if _, _, ok := catalog.ByToken(t.TokenID); !ok {
				return
			}
			pool.Submit(asset, func(ctx context.Context) { machine.OnTick(ctx, t) })
		})
		machines[asset] = machine
		bookFeeds[asset] = feed
	}

	// 9. Discovery
	scanner := feeds.NewMarketScanner(cfg.GammaURL, cfg.Assets, db)
	scanner.OnMarket(func(m *types.Market) {
		machine, ok := machines[m.Asset]
		if !ok {
			return
		}
		catalog.Add(m)
		pool.SubmitControl(m.Asset, func(ctx context.Context) {
			machine.Track(m)
			if price, at := spot.Price(m.Asset); price.IsPositive() && !at.Before(m.StartTime) {
				machine.SetReferencePrice(m.Slug, price)
			}
			if err := bookFeeds[m.Asset].SetMarket(m); err != nil {
				log.Warn().Err(err).Str("slug", m.Slug).Msg("⚠️ Book subscription failed")
			}
		})
	})

	// ═══════════════════════════════════════════════════════════════════════════════
	// START
	// ═══════════════════════════════════════════════════════════════════════════════

	for _, feed := range bookFeeds {
		feed.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return spot.Run(gctx) })
	g.Go(func() error { return scanner.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		ticker := time.NewTicker(cfg.FastPathInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				for asset, machine := range machines {
					pool.Submit(asset, machine.FastPath)
				}
			}
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				logStatus(book, catalog, pool, sweeper, engine)
			}
		}
	})

	log.Info().Msg("🚀 All systems running...")

	// ═══════════════════════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Component failed")
	}

	log.Info().Msg("🛑 Shutting down...")
	for _, feed := range bookFeeds {
		feed.Stop(shutdownTimeout)
	}
	pool.Stop(shutdownTimeout)

	st := book.Stats()
	log.Info().
		Int("trades", st.Trades).
		Str("pnl", st.TotalPnL.StringFixed(2)).
		Str("capital", st.Capital.StringFixed(2)).
		Strs("open", book.OpenSlugs()).
		Msg("👋 Goodbye!")
}

// logStatus prints a periodic summary and prunes expired markets from the catalog
func logStatus(book *ledger.Ledger, catalog *core.MarketCatalog, pool *core.WorkerPool, sweeper *settlement.Sweeper, engine *execution.Engine) {
	pruned := catalog.Prune(time.Now(), book.HasPosition)

	st := book.Stats()
	log.Info().
		Int("markets", catalog.Count()).
		Int("pruned", pruned).
		Int("open", st.OpenPositions).
		Int("trades", st.Trades).
		Str("capital", st.Capital.StringFixed(2)).
		Interface("pool", pool.GetMetrics()).
		Interface("sweeper", sweeper.GetStats()).
		Interface("execution", engine.GetMetrics()).
		Msg("📊 Status")
}
