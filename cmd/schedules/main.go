// Command schedules is a terminal client for the transit API. It signs in
// through the auth provider and lists or follows departures, reading filter
// changes from stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/R3E-Network/transit_layer/internal/api"
	"github.com/R3E-Network/transit_layer/internal/authprovider"
	"github.com/R3E-Network/transit_layer/internal/cli"
	"github.com/R3E-Network/transit_layer/internal/config"
	"github.com/R3E-Network/transit_layer/internal/guard"
	"github.com/R3E-Network/transit_layer/internal/logging"
	"github.com/R3E-Network/transit_layer/internal/query"
)

const usage = `Usage: schedules <command> [flags]

Commands:
  watch        follow departures and change filters interactively (default)
  list         print departures once
  completion   print or install a shell completion script (bash, zsh, fish)
  help         show this help

Flags for watch and list:
  --env FILE         env file to load (default .env)
  --email ADDRESS    account email (default $TRANSIT_EMAIL)
  --route ID         route id filter
  --date YYYY-MM-DD  date filter
  --refresh DUR      watch refetch interval (default 1m)
  --log-level LEVEL  log level (default warn)

The password is read from $TRANSIT_PASSWORD or prompted for.
`

// app carries the process streams so commands can be exercised in tests.
type app struct {
	stdin       *bufio.Reader
	stdout      io.Writer
	stderr      io.Writer
	interactive bool
	home        func() (string, error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{
		stdin:       bufio.NewReader(os.Stdin),
		stdout:      os.Stdout,
		stderr:      os.Stderr,
		interactive: cli.IsTerminal(os.Stdout),
		home:        os.UserHomeDir,
	}
	os.Exit(a.run(ctx, os.Args[1:]))
}

func (a *app) run(ctx context.Context, args []string) int {
	command := "watch"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	var err error
	switch command {
	case "watch", "list":
		err = a.query(ctx, command, args)
	case "completion":
		err = a.completion(args)
	case "help":
		fmt.Fprint(a.stdout, usage)
	default:
		fmt.Fprintf(a.stderr, "unknown command %q\n\n%s", command, usage)
		return 2
	}

	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		cli.NewPrinter(a.stderr, a.interactive).Error(err.Error())
		return 1
	}
	return 0
}

type queryFlags struct {
	envFile  string
	email    string
	params   api.ScheduleParams
	refresh  time.Duration
	logLevel string
}

func (a *app) parseQueryFlags(command string, args []string) (queryFlags, error) {
	var f queryFlags
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	fs.Usage = func() { fmt.Fprint(a.stderr, usage) }
	fs.StringVar(&f.envFile, "env", ".env", "env file")
	fs.StringVar(&f.email, "email", "", "account email")
	fs.StringVar(&f.params.RouteID, "route", "", "route id filter")
	fs.StringVar(&f.params.Date, "date", "", "date filter")
	fs.DurationVar(&f.refresh, "refresh", time.Minute, "watch refetch interval")
	fs.StringVar(&f.logLevel, "log-level", "warn", "log level")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if fs.NArg() > 0 {
		return f, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	return f, nil
}

func (a *app) query(ctx context.Context, command string, args []string) error {
	f, err := a.parseQueryFlags(command, args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(f.envFile)
	if err != nil {
		return err
	}
	log := logging.New("schedules", f.logLevel, "text")
	log.SetOutput(a.stderr)

	email := f.email
	if email == "" {
		email = os.Getenv("TRANSIT_EMAIL")
	}
	if email == "" {
		return errors.New("an account email is required (--email or TRANSIT_EMAIL)")
	}
	password, err := a.password()
	if err != nil {
		return err
	}

	provider, err := authprovider.New(authprovider.Config{
		URL:            cfg.AuthURL,
		PublishableKey: cfg.AuthPublishableKey,
		Timeout:        cfg.RequestTimeout,
		Logger:         log,
	})
	if err != nil {
		return err
	}
	sessions := authprovider.NewManager(provider, authprovider.NewMemoryStore(), log)
	if err := signIn(ctx, sessions, email, password, cfg.Routes); err != nil {
		return err
	}
	defer func() {
		if err := sessions.SignOut(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Debug("sign-out failed")
		}
	}()

	cache := query.New(query.Options{
		StaleTime:    cfg.QueryStaleTime,
		GCTime:       cfg.QueryGCTime,
		FetchTimeout: cfg.RequestTimeout,
		Logger:       log,
	})
	if err := cache.StartJanitor(); err != nil {
		return err
	}
	defer cache.Close()

	queries := api.NewQueries(api.New(api.Config{
		ServerURL: cfg.APIServerURL,
		Tokens:    sessions,
		Timeout:   cfg.RequestTimeout,
		UserAgent: "transit-schedules-cli",
	}), cache)

	user := sessions.Session(ctx).User
	cli.NewPrinter(a.stdout, a.interactive).Success(fmt.Sprintf("Signed in as %s (%s)", user.Email, user.Role))

	if command == "list" {
		return list(ctx, queries, f.params, a.stdout)
	}
	return a.watch(ctx, queries, f.params, f.refresh)
}

// signIn authenticates and checks that the account may view schedules.
func signIn(ctx context.Context, sessions *authprovider.Manager, email, password string, routes guard.RouteTable) error {
	snap, err := sessions.SignIn(ctx, email, password)
	if err != nil {
		if authprovider.IsRejected(err) {
			return errors.New("invalid email or password")
		}
		return fmt.Errorf("sign-in failed: %w", err)
	}

	d := guard.Decide(snap, guard.OneOf(guard.RoleCommuter, guard.RoleOperator), routes)
	switch d.Kind {
	case guard.Render:
		return nil
	case guard.Loading:
		return errors.New("the session could not be resolved; try again")
	case guard.RedirectLogin:
		return errors.New("sign-in did not produce a session")
	default:
		return fmt.Errorf("role %q cannot view schedules; its home is %s", snap.Role(), d.Target)
	}
}

func (a *app) password() (string, error) {
	if pw := os.Getenv("TRANSIT_PASSWORD"); pw != "" {
		return pw, nil
	}
	fmt.Fprint(a.stdout, "Password: ")
	line, err := a.stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", errors.New("a password is required (TRANSIT_PASSWORD or stdin)")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func list(ctx context.Context, queries *api.Queries, params api.ScheduleParams, w io.Writer) error {
	schedules, err := queries.Schedules(ctx, params)
	if err != nil {
		return errors.New(cli.DescribeError(query.Classify(api.ScheduleQuery, err)))
	}
	cli.WriteScheduleTable(w, schedules)
	return nil
}

func (a *app) completion(args []string) error {
	fs := flag.NewFlagSet("completion", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	install := fs.Bool("install", false, "install the script into the home directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: schedules completion [--install] bash|zsh|fish")
	}
	shell := fs.Arg(0)

	if !*install {
		return cli.GenerateCompletion(a.stdout, shell)
	}
	home, err := a.home()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	path, err := cli.InstallCompletion(home, shell)
	if err != nil {
		return err
	}
	p := cli.NewPrinter(a.stdout, a.interactive)
	p.Success("Completion script installed to " + path)
	p.Info("Enable it with: " + cli.CompletionHint(shell))
	return nil
}
