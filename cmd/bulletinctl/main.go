// Command bulletinctl runs operator tasks against the bulletin store.
//
// Usage:
//
//	bulletinctl [--database-url URL] [--dry-run] sweep
//	bulletinctl --code CODE hash-code
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/DavidGamba/go-getoptions"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq" // registers the "postgres" driver

	"github.com/couchcryptid/storm-bulletins/internal/adapter/postgres"
	"github.com/couchcryptid/storm-bulletins/internal/domain"
	"github.com/couchcryptid/storm-bulletins/internal/identity"
	"github.com/couchcryptid/storm-bulletins/internal/observability"
	"github.com/couchcryptid/storm-bulletins/internal/store"
	"github.com/couchcryptid/storm-bulletins/internal/sweep"
)

// commandLineOptionValues holds the values of the options passed on the command line.
type commandLineOptionValues struct {
	DatabaseURL string
	DryRun      bool
	Code        string
	LogLevel    string
}

var errUsage = errors.New("usage error")

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load .env: %s\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	values := &commandLineOptionValues{}
	opt := getoptions.New()

	opt.Bool("help", false, opt.Alias("h", "?"))
	opt.StringVar(&values.DatabaseURL, "database-url", os.Getenv("DATABASE_URL"),
		opt.Description("the PostgreSQL document store URL"))
	opt.BoolVar(&values.DryRun, "dry-run", false,
		opt.Description("list expired bulletins without deleting them"))
	opt.StringVar(&values.Code, "code", "",
		opt.Description("the role verification code to hash"))
	opt.StringVar(&values.LogLevel, "log-level", "info",
		opt.Description("log level: debug, info, warn or error"))

	remaining, err := opt.Parse(args)
	if opt.Called("help") {
		fmt.Fprint(stdout, opt.Help())
		return nil
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s\n\n", err)
		fmt.Fprint(stderr, opt.Help(getoptions.HelpSynopsis))
		return errUsage
	}
	if len(remaining) != 1 {
		fmt.Fprint(stderr, "Error: expected exactly one command: sweep or hash-code\n\n")
		fmt.Fprint(stderr, opt.Help(getoptions.HelpSynopsis))
		return errUsage
	}

	switch remaining[0] {
	case "sweep":
		return runSweep(ctx, values, stdout)
	case "hash-code":
		return runHashCode(values, stdout)
	default:
		fmt.Fprintf(stderr, "Error: unknown command %q\n", remaining[0])
		return errUsage
	}
}

func runHashCode(values *commandLineOptionValues, stdout io.Writer) error {
	if values.Code == "" {
		return errors.New("--code is required")
	}
	hash, err := identity.HashCode(values.Code)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, hash)
	return nil
}

func runSweep(ctx context.Context, values *commandLineOptionValues, stdout io.Writer) error {
	if values.DatabaseURL == "" {
		return errors.New("--database-url or DATABASE_URL is required")
	}

	logger := observability.NewLogger(logSettings(values.LogLevel))
	db, err := postgres.InitDatabase("postgres", values.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	backend := postgres.New(db, postgres.NewListener(values.DatabaseURL, logger), clockwork.NewRealClock(), logger)
	defer backend.Close()
	if err := backend.Migrate(ctx); err != nil {
		return err
	}

	return sweepWith(ctx, sweep.New(store.NewBulletinRepo(backend), nil, logger, observability.NewMetrics()), values.DryRun, stdout)
}

type sweeper interface {
	Expired(ctx context.Context) ([]domain.Bulletin, error)
	SweepExpired(ctx context.Context) (int, error)
}

func sweepWith(ctx context.Context, s sweeper, dryRun bool, stdout io.Writer) error {
	if dryRun {
		expired, err := s.Expired(ctx)
		if err != nil {
			return err
		}
		for _, b := range expired {
			fmt.Fprintf(stdout, "%s\t%s\t%s\n", b.ID, b.EndDate, b.Title)
		}
		fmt.Fprintf(stdout, "%d expired bulletin(s)\n", len(expired))
		return nil
	}

	n, err := s.SweepExpired(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "deleted %d expired bulletin(s)\n", n)
	return nil
}

type logSettings string

func (l logSettings) LogSettings() (level, format string) {
	return string(l), "text"
}
