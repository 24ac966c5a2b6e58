// The mujmap command synchronizes a JMAP mail account against a local
// maildir-backed tag index.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"mujmap/internal/index"
	"mujmap/internal/jmapclient"
	"mujmap/internal/mujmapconfig"
	"mujmap/internal/secret"
	"mujmap/internal/sendmail"
	"mujmap/internal/statestore"
	"mujmap/internal/store"
	"mujmap/internal/syncengine"

	_ "github.com/mattn/go-sqlite3"
)

const (
	exitSuccess = 0
	exitFailure = 1
	exitConfig  = 2
	exitLock    = 3
	exitNetwork = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("mujmap", flag.ContinueOnError)
	dir := fs.String("C", ".", "change to this directory (the maildir) before doing anything")
	dryRun := fs.Bool("dry-run", false, "disable writes")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, `usage: mujmap [-C dir] [--dry-run] <command>

commands:
  sync   full pull+merge+push+apply
  push   push-only: propagate locally-modified tags, nothing else
  send   read an RFC 5322 message on stdin and submit it
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return exitSuccess
		}
		return exitConfig
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return exitConfig
	}

	if err := os.Chdir(*dir); err != nil {
		log.Printf("changing to %q: %v", *dir, err)
		return exitConfig
	}

	cfg, err := mujmapconfig.Load(".")
	if err != nil {
		log.Print(err)
		return exitConfig
	}

	ctx := context.Background()

	switch fs.Arg(0) {
	case "sync":
		return runSync(ctx, cfg, *dryRun)
	case "push":
		return runPush(ctx, cfg)
	case "send":
		return runSend(cfg)
	default:
		fs.Usage()
		return exitConfig
	}
}

func connect(ctx context.Context, cfg mujmapconfig.Config) (*jmapclient.Client, error) {
	password, err := secret.Password(cfg.PasswordCommand)
	if err != nil {
		return nil, errors.Wrap(err, "retrieving credential")
	}
	authMode := jmapclient.AuthBasic
	if cfg.BearerAuth {
		authMode = jmapclient.AuthBearer
	}
	client := jmapclient.New(jmapclient.Config{
		SessionURL:          cfg.SessionURL,
		FQDN:                cfg.FQDN,
		Username:            cfg.Username,
		Credential:          password,
		AuthMode:            authMode,
		Timeout:             cfg.Timeout,
		Retries:             cfg.Retries,
		DownloadConcurrency: cfg.ConcurrentDownloads,
	})
	if err := client.Connect(ctx); err != nil {
		return nil, errors.Wrap(err, "connecting to JMAP server")
	}
	return client, nil
}

func openEngine(ctx context.Context, cfg mujmapconfig.Config) (*syncengine.Engine, *index.Index, error) {
	client, err := connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	st, err := store.Open(cfg.CacheDir, cfg.MailDir)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening cache/maildir store")
	}

	idx, err := index.Open(ctx, filepath.Join(cfg.StateDir, "mujmap.index.db"))
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening local index")
	}

	ss := statestore.New(cfg.StateDir)

	engine := syncengine.New(client, st, idx, ss, syncengine.Config{
		Tags:             cfg.Tags,
		AutoCreate:       cfg.AutoCreateNewMailboxes,
		ConvertDOSToUnix: cfg.ConvertDOSToUnix,
	})
	return engine, idx, nil
}

func runSync(ctx context.Context, cfg mujmapconfig.Config, dryRun bool) int {
	engine, idx, err := openEngine(ctx, cfg)
	if err != nil {
		log.Print(err)
		return classifyError(err)
	}
	defer idx.Close()

	if err := engine.Sync(ctx, dryRun); err != nil {
		log.Print(err)
		return classifyError(err)
	}
	log.Print("sync complete")
	return exitSuccess
}

func runPush(ctx context.Context, cfg mujmapconfig.Config) int {
	engine, idx, err := openEngine(ctx, cfg)
	if err != nil {
		log.Print(err)
		return classifyError(err)
	}
	defer idx.Close()

	if err := engine.PushOnly(ctx); err != nil {
		log.Print(err)
		return classifyError(err)
	}
	log.Print("push complete")
	return exitSuccess
}

func runSend(cfg mujmapconfig.Config) int {
	if err := sendmail.Send(cfg.SendCommand, os.Stdin); err != nil {
		log.Print(err)
		return exitFailure
	}
	return exitSuccess
}

func classifyError(err error) int {
	switch errors.Cause(err) {
	case statestore.ErrLockHeld:
		return exitLock
	case jmapclient.ErrAuthentication, jmapclient.ErrRetriesExhausted:
		return exitNetwork
	case mujmapconfig.ErrInvalid:
		return exitConfig
	default:
		return exitFailure
	}
}
