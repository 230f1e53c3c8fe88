package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"CustodyLedger/internal/client"
	"CustodyLedger/internal/config"
	"CustodyLedger/internal/notify"
	"CustodyLedger/internal/observability"
	"CustodyLedger/internal/server"
)

var errUsage = errors.New("usage")

type cli struct {
	v      *viper.Viper
	client *client.Client
}

type command struct {
	args  string
	help  string
	nargs int // -1 for optional trailing args
	run   func(ctx context.Context, c *cli, args []string) error
}

var commands = map[string]command{
	"deposit":            {"<asset> <amount>", "deposit into the vault", 2, runDeposit},
	"withdraw":           {"<asset> <amount>", "withdraw from the vault", 2, runWithdraw},
	"whitelist":          {"<asset>", "whitelist an asset (--remove to delist)", 1, runWhitelist},
	"pause":              {"", "pause deposits and withdrawals", 0, runPause},
	"unpause":            {"", "resume deposits and withdrawals", 0, runUnpause},
	"transfer-ownership": {"<new-owner>", "hand the admin role to another address", 1, runTransferOwnership},
	"balance":            {"<asset> [user]", "balance of user (default: signer) and the asset total", -1, runBalance},
	"asset":              {"<asset>", "whitelist status and total of an asset", 1, runAsset},
	"state":              {"", "owner, pause flag, whitelist and hash chain head", 0, runState},
	"history":            {"[user]", "notification history (default: signer)", -1, runHistory},
	"integrity":          {"", "verify the persisted hash chain", 0, runIntegrity},
	"watch":              {"[subject]", "stream live notifications from NATS", -1, runWatch},
}

func usage(fs *flag.FlagSet) {
	fmt.Fprintln(os.Stderr, "Usage: custodyctl [flags] <command> [args]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cmd := commands[name]
		fmt.Fprintf(os.Stderr, "  %-34s %s\n", strings.TrimSpace(name+" "+cmd.args), cmd.help)
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Flags (also CUSTODY_SERVER, CUSTODY_KEY, CUSTODY_NATS_URL):")
	fs.PrintDefaults()
}

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("custodyctl", flag.ContinueOnError)
	fs.String("server", "http://localhost:8080", "custodyd HTTP API base URL")
	fs.String("key", "", "hex secp256k1 private key used to sign commands")
	fs.String("nats.url", "nats://localhost:4222", "NATS URL for watch")
	fs.String("request-id", "", "request ID for commands (default: random UUID)")
	fs.Bool("remove", false, "whitelist: remove the asset instead of adding it")
	fs.String("asset", "", "history: only this asset")
	fs.StringSlice("type", nil, "history: only these event types (repeatable)")
	fs.Int("limit", 50, "history: page size")
	fs.Int64("before", -1, "history: only sequences below this cursor")
	fs.String("log.level", "warn", "log level")
	return fs
}

func main() {
	fs := newFlagSet()
	fs.Usage = func() { usage(fs) }
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	v, err := config.NewViper(fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(v, fs.Args()); err != nil {
		if errors.Is(err, errUsage) {
			usage(fs)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(v *viper.Viper, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return errors.Wrapf(errUsage, "unknown command %q", args[0])
	}
	rest := args[1:]
	if cmd.nargs >= 0 && len(rest) != cmd.nargs {
		return errors.Wrapf(errUsage, "%s takes %d argument(s)", args[0], cmd.nargs)
	}

	key, err := parseKey(v.GetString("key"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &cli{v: v, client: client.New(v.GetString("server"), key)}
	return cmd.run(ctx, c, rest)
}

// parseKey accepts a hex private key with or without 0x. Empty means none.
func parseKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parse --key")
	}
	return key, nil
}

func parseAddress(name, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, errors.Newf("%s: invalid address %q", name, raw)
	}
	return common.HexToAddress(raw), nil
}

func (c *cli) requestID() string {
	if id := c.v.GetString("request-id"); id != "" {
		return id
	}
	return uuid.NewString()
}

// subject returns the first optional address arg, defaulting to the signer.
func (c *cli) subject(args []string) (common.Address, error) {
	if len(args) > 0 {
		return parseAddress("user", args[0])
	}
	if addr := c.client.Address(); addr != (common.Address{}) {
		return addr, nil
	}
	return common.Address{}, errors.New("no user given and no --key to default to")
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runDeposit(ctx context.Context, c *cli, args []string) error {
	asset, err := parseAddress("asset", args[0])
	if err != nil {
		return err
	}
	resp, err := c.client.Deposit(ctx, server.DepositRequest{Asset: asset, Amount: args[1], RequestID: c.requestID()})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func runWithdraw(ctx context.Context, c *cli, args []string) error {
	asset, err := parseAddress("asset", args[0])
	if err != nil {
		return err
	}
	resp, err := c.client.Withdraw(ctx, server.WithdrawRequest{Asset: asset, Amount: args[1], RequestID: c.requestID()})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func runWhitelist(ctx context.Context, c *cli, args []string) error {
	asset, err := parseAddress("asset", args[0])
	if err != nil {
		return err
	}
	req := server.SetWhitelistRequest{Asset: asset, Whitelisted: !c.v.GetBool("remove"), RequestID: c.requestID()}
	if err := c.client.SetWhitelist(ctx, req); err != nil {
		return err
	}
	return printJSON(server.Ack{Accepted: true})
}

func runPause(ctx context.Context, c *cli, _ []string) error {
	if err := c.client.Pause(ctx, server.AdminRequest{RequestID: c.requestID()}); err != nil {
		return err
	}
	return printJSON(server.Ack{Accepted: true})
}

func runUnpause(ctx context.Context, c *cli, _ []string) error {
	if err := c.client.Unpause(ctx, server.AdminRequest{RequestID: c.requestID()}); err != nil {
		return err
	}
	return printJSON(server.Ack{Accepted: true})
}

func runTransferOwnership(ctx context.Context, c *cli, args []string) error {
	owner, err := parseAddress("new-owner", args[0])
	if err != nil {
		return err
	}
	if err := c.client.TransferOwnership(ctx, server.TransferOwnershipRequest{NewOwner: owner, RequestID: c.requestID()}); err != nil {
		return err
	}
	return printJSON(server.Ack{Accepted: true})
}

func runBalance(ctx context.Context, c *cli, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.Wrap(errUsage, "balance takes <asset> [user]")
	}
	asset, err := parseAddress("asset", args[0])
	if err != nil {
		return err
	}
	user, err := c.subject(args[1:])
	if err != nil {
		return err
	}
	resp, err := c.client.Balance(ctx, user, asset)
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func runAsset(ctx context.Context, c *cli, args []string) error {
	asset, err := parseAddress("asset", args[0])
	if err != nil {
		return err
	}
	resp, err := c.client.Asset(ctx, asset)
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func runState(ctx context.Context, c *cli, _ []string) error {
	resp, err := c.client.State(ctx)
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func runHistory(ctx context.Context, c *cli, args []string) error {
	if len(args) > 1 {
		return errors.Wrap(errUsage, "history takes at most one user")
	}
	user, err := c.subject(args)
	if err != nil {
		return err
	}

	req := server.HistoryRequest{
		User:       user,
		EventTypes: c.v.GetStringSlice("type"),
		Limit:      c.v.GetInt("limit"),
	}
	if raw := c.v.GetString("asset"); raw != "" {
		asset, err := parseAddress("asset", raw)
		if err != nil {
			return err
		}
		req.Asset = &asset
	}
	if before := c.v.GetInt64("before"); before >= 0 {
		req.Before = &before
	}

	page, err := c.client.History(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(page)
}

func runIntegrity(ctx context.Context, c *cli, _ []string) error {
	report, err := c.client.VerifyIntegrity(ctx)
	if err != nil {
		return err
	}
	if err := printJSON(report); err != nil {
		return err
	}
	if !report.IsHealthy {
		return errors.New("event log integrity check failed")
	}
	return nil
}

// runWatch streams notifications as JSON lines until interrupted.
func runWatch(ctx context.Context, c *cli, args []string) error {
	if len(args) > 1 {
		return errors.Wrap(errUsage, "watch takes at most one subject")
	}
	filter := ""
	if len(args) == 1 {
		filter = args[0]
		if !strings.HasPrefix(filter, notify.SubjectPrefix) {
			filter = notify.SubjectPrefix + "." + filter
		}
	}

	logger := observability.NewConsoleLogger("custodyctl", observability.ParseLogLevel(c.v.GetString("log.level")))
	nc, js, err := notify.ConnectNATS(c.v.GetString("nats.url"), logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	enc := json.NewEncoder(os.Stdout)
	return notify.Watch(ctx, js, filter, func(pe notify.PublishableEvent) {
		if err := enc.Encode(pe); err != nil {
			logger.Warn().Err(err).Msg("write notification")
		}
	})
}
