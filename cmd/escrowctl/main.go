// Command escrowctl manages escrow client keys and calls the escrow API with
// signed requests.
//
// Usage:
//
//	escrowctl [-config path] <command> [flags]
//
// Commands:
//
//	keygen                          print a new private key and its address
//	encrypt -out file               encrypt ESCROW_CLIENT_PRIVATE_KEY with ESCROW_CLIENT_KEY_PASSWORD
//	address                         print the configured client address
//	create -seed N -fee N           create an escrow
//	join -seed N -side up|down      take the first side
//	accept -seed N                  take the remaining side
//	settle -seed N                  claim the pot as the winner
//	withdraw -seed N                end an escrow as its owner
//	get -seed N                     show one escrow
//	deposit -account A -amount N    credit a custody account (operator)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/alanyoungcy/priceescrow/internal/config"
	"github.com/alanyoungcy/priceescrow/internal/crypto"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

var errUsage = errors.New("usage: escrowctl [-config path] <keygen|encrypt|address|create|join|accept|settle|withdraw|get|deposit> [flags]")

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("escrowctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	configPath := global.String("config", "", "path to configuration file")
	if err := global.Parse(args); err != nil {
		return 2
	}
	if global.NArg() == 0 {
		fmt.Fprintln(stderr, errUsage)
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}

	cmd, rest := global.Arg(0), global.Args()[1:]
	if err := dispatch(ctx, cfg, cmd, rest, stdout); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
		if errors.Is(err, errUsage) {
			return 2
		}
		return 1
	}
	return 0
}

func dispatch(ctx context.Context, cfg *config.Config, cmd string, args []string, stdout io.Writer) error {
	switch cmd {
	case "keygen":
		return keygen(stdout)
	case "encrypt":
		return encrypt(cfg, args, stdout)
	case "address":
		signer, err := loadSigner(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, signer.Address())
		return nil
	case "create", "join", "accept", "settle", "withdraw", "get", "deposit":
		return callAPI(ctx, cfg, cmd, args, stdout)
	default:
		return errUsage
	}
}

func keygen(stdout io.Writer) error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	signer, err := crypto.NewSigner(key)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "private_key = %q\naddress     = %q\n", key, signer.Address())
	return nil
}

func encrypt(cfg *config.Config, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("encrypt", flag.ContinueOnError)
	out := fs.String("out", "", "file to write the encrypted key to")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *out == "" || cfg.Client.PrivateKey == "" || cfg.Client.KeyPassword == "" {
		return fmt.Errorf("need -out, client.private_key and client.key_password: %w", errUsage)
	}
	// Validates the key before it is written.
	signer, err := crypto.NewSigner(cfg.Client.PrivateKey)
	if err != nil {
		return err
	}
	data, err := crypto.EncryptKey(cfg.Client.PrivateKey, cfg.Client.KeyPassword)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	fmt.Fprintf(stdout, "wrote encrypted key for %s to %s\n", signer.Address(), *out)
	return nil
}

func loadSigner(cfg *config.Config) (*crypto.Signer, error) {
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}
	return crypto.LoadSigner(crypto.KeyConfig{
		RawPrivateKey:    cfg.Client.PrivateKey,
		EncryptedKeyPath: cfg.Client.EncryptedKeyPath,
		KeyPassword:      cfg.Client.KeyPassword,
	})
}

func callAPI(ctx context.Context, cfg *config.Config, cmd string, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	seed := fs.Uint64("seed", 0, "escrow seed")
	fee := fs.Uint64("fee", 0, "entry fee (create)")
	side := fs.String("side", "", "up or down (join)")
	custody := fs.String("custody", "", "custody account, defaults to the caller")
	account := fs.String("account", "", "custody account (deposit)")
	amount := fs.Uint64("amount", 0, "amount to credit (deposit)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	var signer *crypto.Signer
	if cmd != "get" && cmd != "deposit" {
		var err error
		if signer, err = loadSigner(cfg); err != nil {
			return err
		}
	}
	client := newAPIClient(cfg.Client.BaseURL, signer)
	client.apiKey = cfg.Server.APIKey

	escrowPath := "/api/escrows/" + strconv.FormatUint(*seed, 10)
	var (
		method = http.MethodPost
		path   string
		body   any
	)
	switch cmd {
	case "create":
		path, body = "/api/escrows", map[string]uint64{"seed": *seed, "entry_fee": *fee}
	case "join":
		path, body = escrowPath+"/join", map[string]string{"side": *side, "custody": *custody}
	case "accept":
		path, body = escrowPath+"/accept", map[string]string{"custody": *custody}
	case "settle":
		path, body = escrowPath+"/settle", map[string]string{"custody": *custody}
	case "withdraw":
		path = escrowPath + "/withdraw"
	case "get":
		method, path = http.MethodGet, escrowPath
	case "deposit":
		if *account == "" {
			return fmt.Errorf("-account is required: %w", errUsage)
		}
		path, body = "/api/custody/"+*account+"/deposit", map[string]uint64{"amount": *amount}
	}

	status, data, err := client.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, string(data))
	if status >= 300 {
		return fmt.Errorf("server answered %d", status)
	}
	return nil
}
