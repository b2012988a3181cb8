package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/shopspring/decimal"
	"github.com/uxoa/hartza"
	"github.com/uxoa/hartza/pkg/coinex"
	"github.com/uxoa/hartza/pkg/exchange"
	"github.com/uxoa/hartza/pkg/logger"
	"github.com/uxoa/hartza/pkg/position"
	"github.com/uxoa/hartza/pkg/position/bolt"
	hsignal "github.com/uxoa/hartza/pkg/signal"
	"github.com/uxoa/hartza/pkg/telegram"
	"go.uber.org/zap"
)

func main() {
	// Create signal based context
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, os.Kill)
	go func() {
		select {
		case <-c:
			cancel()
		case <-ctx.Done():
			cancel()
		}
		signal.Stop(c)
	}()

	// Launch command
	cmd := newCommand()
	if err := cmd.ParseAndRun(ctx, os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func newCommand() *ffcli.Command {
	fs := flag.NewFlagSet("hartza", flag.ExitOnError)

	return &ffcli.Command{
		ShortUsage: "hartza [flags] <subcommand>",
		FlagSet:    fs,
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
		Subcommands: []*ffcli.Command{
			newRunCommand(),
		},
	}
}

func newRunCommand() *ffcli.Command {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	db := fs.String("db", "hartza.db", "database path")
	key := fs.String("exchange-key", "", "coinex api key")
	secret := fs.String("exchange-secret", "", "coinex api secret")
	token := fs.String("telegram-token", "", "telegram token")
	controlChat := fs.Int64("telegram-control-chat", 0, "telegram chat id for logs and commands")
	signalChat := fs.Int64("telegram-signal-chat", 0, "telegram chat id to read signals")
	currency := fs.String("currency", "USDT", "quote currency")
	risk := fs.Float64("risk", 0.05, "fraction of the balance used per trade")
	target := fs.Float64("target", 0.15, "profit fraction that closes a position")
	interval := fs.Duration("interval", time.Second, "price polling interval")
	logPath := fs.String("log", "", "log file path (optional, rotated)")
	dry := fs.Bool("dry", false, "enable dry mode")
	debug := fs.Bool("debug", false, "enable debug mode")

	return &ffcli.Command{
		Name:       "run",
		ShortUsage: "hartza run [flags]",
		Options: []ff.Option{
			ff.WithConfigFileFlag("config"),
			ff.WithConfigFileParser(ff.PlainParser),
			ff.WithEnvVarPrefix("HARTZA"),
		},
		ShortHelp: "run hartza bot",
		FlagSet:   fs,
		Exec: func(ctx context.Context, args []string) error {
			if *db == "" {
				return errors.New("missing db path")
			}
			if *dry && !strings.HasSuffix(*db, ".dry.db") {
				*db = fmt.Sprintf("%s.dry.db", strings.TrimSuffix(*db, ".db"))
			}
			if !*dry {
				if *key == "" {
					return errors.New("missing exchange api key")
				}
				if *secret == "" {
					return errors.New("missing exchange api secret")
				}
			}
			if *token == "" {
				return errors.New("missing telegram token")
			}
			if *controlChat == 0 {
				return errors.New("missing telegram control chat")
			}
			if *signalChat == 0 {
				return errors.New("missing telegram signal chat")
			}
			if *currency == "" {
				return errors.New("missing currency")
			}
			if *risk <= 0 || *risk > 1 {
				return errors.New("risk must be in (0, 1]")
			}
			if *target <= 0 {
				return errors.New("target must be positive")
			}
			return run(ctx, config{
				db:          *db,
				key:         *key,
				secret:      *secret,
				token:       *token,
				controlChat: *controlChat,
				signalChat:  *signalChat,
				currency:    *currency,
				risk:        *risk,
				target:      *target,
				interval:    *interval,
				logPath:     *logPath,
				dry:         *dry,
				debug:       *debug,
			})
		},
	}
}

type config struct {
	db          string
	key         string
	secret      string
	token       string
	controlChat int64
	signalChat  int64
	currency    string
	risk        float64
	target      float64
	interval    time.Duration
	logPath     string
	dry         bool
	debug       bool
}

func run(ctx context.Context, cfg config) error {
	zlog := logger.New(cfg.logPath, cfg.debug)
	defer zlog.Sync()

	store, err := bolt.New(cfg.db)
	if err != nil {
		return err
	}
	defer store.Close()

	tgbot, err := telegram.New(zlog, cfg.token, cfg.controlChat)
	if err != nil {
		return err
	}

	factory := func(creds hartza.Credentials) exchange.Exchange {
		if cfg.dry {
			return coinex.NewDry(zlog)
		}
		return coinex.New(zlog, creds.Key, creds.Secret)
	}
	formats, err := hsignal.DefaultFormats()
	if err != nil {
		return err
	}

	supervisor := position.NewSupervisor(zlog, store,
		decimal.NewFromFloat(cfg.target), cfg.interval)
	bot := hartza.NewBot(zlog, hartza.Config{
		Credentials: hartza.StaticCredentials(hartza.Credentials{Key: cfg.key, Secret: cfg.secret}),
		Formats:     hartza.StaticFormats(formats),
		Factory:     factory,
		Store:       store,
		Supervisor:  supervisor,
		Notifier:    tgbot,
		Currency:    cfg.currency,
		Risk:        decimal.NewFromFloat(cfg.risk),
	})

	tgbot.HandleChat(cfg.signalChat, func(userID int64, text string) {
		bot.Handle(ctx, userID, text)
	})
	tgbot.HandleCommand("status", func(userID int64, _ string) {
		tgbot.Notify(0, bot.Status(userID))
	})
	tgbot.HandleCommand("close", func(userID int64, payload string) {
		symbol := strings.TrimSpace(payload)
		if symbol == "" {
			tgbot.Notify(0, "usage: /close <symbol>")
			return
		}
		if !bot.Close(userID, symbol) {
			tgbot.Notify(0, fmt.Sprintf("no position running for %s", symbol))
			return
		}
		tgbot.Notify(0, fmt.Sprintf("closing %s", strings.ToUpper(symbol)))
	})
	cancelCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	tgbot.HandleCommand("shutdown", func(int64, string) {
		tgbot.Notify(0, "shutting down")
		cancel()
	})

	if err := bot.Resume(cancelCtx); err != nil {
		zlog.Warn("resume failed", zap.Error(err))
	}
	tgbot.Notify(0, fmt.Sprintf("🤖 hartza bot running\n- dry mode: %t", cfg.dry))

	err = tgbot.Run(cancelCtx)

	// Give monitors a bounded window to tear down after the poller stops.
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if serr := bot.Shutdown(shutdownCtx); serr != nil {
		zlog.Warn("shutdown incomplete", zap.Error(serr))
	}
	return err
}
