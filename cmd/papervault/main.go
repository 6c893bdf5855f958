package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"papervault/internal/blobstore"
	"papervault/internal/config"
	"papervault/internal/crypt"
	"papervault/internal/custody"
	"papervault/internal/identity"
	"papervault/internal/keyring"
	"papervault/internal/ledger"
	"papervault/internal/metadata"
	"papervault/internal/timeauth"
)

const usageText = `papervault - secure custody pipeline for examination papers

Usage:
  papervault keygen  --owner <id> --password <pw>
  papervault exam    --id <exam> --name <n> --subject <s> --when <time>
  papervault submit  --exam <id> --subject <s> --to <recipient> --until <time> --by <teacher> <path>
  papervault retry   --id <paper>
  papervault release --id <paper> --by <actor> --password <pw> [--out <path>]
  papervault status  --id <paper> --by <actor>
  papervault history --id <paper>
  papervault audit   --id <paper>
  papervault verify  --id <paper> (--hash <hex> | --file <path>)
  papervault list    [--page-size <n>]
  papervault node-info

Options:
  --config <path>   configuration file (YAML)
  --until <time>    RFC3339 unlock timestamp

Papers are sealed on submission and cannot be opened before their unlock
time. Status moves one way: locked papers release, released papers stay
released.`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usageText)
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "keygen":
		handleKeygen(args)
	case "exam":
		handleExam(args)
	case "submit":
		handleSubmit(args)
	case "retry":
		handleRetry(args)
	case "release":
		handleRelease(args)
	case "status":
		handleStatus(args)
	case "history":
		handleHistory(args)
	case "audit":
		handleAudit(args)
	case "verify":
		handleVerify(args)
	case "list":
		handleList(args)
	case "node-info":
		handleNodeInfo(args)
	case "help", "--help", "-h":
		fmt.Println(usageText)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		fmt.Fprintln(os.Stderr, usageText)
		os.Exit(1)
	}
}

// app holds the wired pipeline for one command invocation.
type app struct {
	cfg       *config.Config
	custodian *custody.Custodian
	keys      *keyring.Keyring
	closers   []func() error
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	a := &app{cfg: cfg}

	blobs, err := blobstore.New(blobstore.Config{
		Mode:    cfg.Blobstore.Mode,
		Path:    filepath.Join(cfg.DataDir, "blobs"),
		APIAddr: cfg.Blobstore.APIAddr,
		Timeout: cfg.Timeout(),
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, blobs.Close)

	led, err := ledger.New(ledger.Config{
		Mode:       cfg.Ledger.Mode,
		Path:       filepath.Join(cfg.DataDir, "ledger"),
		GatewayURL: cfg.Ledger.GatewayURL,
		Timeout:    cfg.Timeout(),
		Logger:     log,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, led.Close)

	meta, err := metadata.OpenSQLite(cfg.DSN())
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, meta.Close)

	creds := make([]identity.Credential, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		creds = append(creds, identity.Credential{
			ID:           u.ID,
			Name:         u.Name,
			Role:         u.Role,
			PasswordHash: u.PasswordHash,
			Salt:         u.Salt,
			Iterations:   u.Iterations,
		})
	}
	ident, err := identity.NewStaticProvider(creds)
	if err != nil {
		a.close()
		return nil, err
	}

	a.keys = keyring.New(keyring.Config{
		Store:      meta,
		Iterations: cfg.KeyIterations,
		Logger:     log,
	})

	a.custodian = custody.New(custody.Custodian{
		Blobs:     blobs,
		Ledger:    led,
		Authority: timeauth.New(timeauth.Config{Mode: cfg.Authority.Mode, Timeout: cfg.Timeout()}),
		Metadata:  meta,
		Identity:  ident,
		Keys:      a.keys,
		Log:       log,
	})
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func mustApp(configPath string) *app {
	a, err := newApp(configPath)
	if err != nil {
		fatal(err)
	}
	return a
}

func parseUnlockTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time format, expected RFC3339")
	}
	return t.UTC(), nil
}

func handleKeygen(args []string) {
	flags := flag.NewFlagSet("keygen", flag.ExitOnError)
	configPath := flags.String("config", "", "configuration file")
	owner := flags.String("owner", "", "key owner ID")
	password := flags.String("password", "", "password sealing the private key")
	flags.Parse(args)

	if *owner == "" || *password == "" {
		fatal(fmt.Errorf("--owner and --password are required"))
	}

	a := mustApp(*configPath)
	defer a.close()

	km, err := a.keys.Generate(context.Background(), *owner, *password)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("owner:      %s\n", km.Owner)
	fmt.Printf("version:    %d\n", km.Version)
	fmt.Printf("public key: %s\n", km.PublicKey)
}

func handleExam(args []string) {
	flags := flag.NewFlagSet("exam", flag.ExitOnError)
	configPath := flags.String("config", "", "configuration file")
	examID := flags.String("id", "", "exam ID")
	name := flags.String("name", "", "exam name")
	subject := flags.String("subject", "", "subject")
	when := flags.String("when", "", "RFC3339 scheduled time")
	flags.Parse(args)

	if *examID == "" || *name == "" || *when == "" {
		fatal(fmt.Errorf("--id, --name and --when are required"))
	}
	scheduledAt, err := parseUnlockTime(*when)
	if err != nil {
		fatal(err)
	}

	a := mustApp(*configPath)
	defer a.close()

	err = a.custodian.Metadata.SaveExam(context.Background(), &metadata.Exam{
		ID:          *examID,
		Name:        *name,
		Subject:     *subject,
		ScheduledAt: scheduledAt,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		fatal(err)
	}
	fmt.Printf("exam:      %s\n", *examID)
	fmt.Printf("scheduled: %s\n", scheduledAt.Format(time.RFC3339))
}

func handleSubmit(args []string) {
	flags := flag.NewFlagSet("submit", flag.ExitOnError)
	configPath := flags.String("config", "", "configuration file")
	examID := flags.String("exam", "", "exam ID")
	subject := flags.String("subject", "", "subject")
	recipient := flags.String("to", "", "recipient key owner")
	until := flags.String("until", "", "RFC3339 unlock timestamp")
	uploadedBy := flags.String("by", "", "submitting teacher ID")
	flags.Parse(args)

	if *examID == "" || *recipient == "" || *until == "" || *uploadedBy == "" {
		fatal(fmt.Errorf("--exam, --to, --until and --by are required"))
	}
	if flags.NArg() != 1 {
		fatal(fmt.Errorf("exactly one input file is required"))
	}

	unlockTime, err := parseUnlockTime(*until)
	if err != nil {
		fatal(err)
	}
	path := flags.Arg(0)
	content, err := os.ReadFile(path)
	if err != nil {
		fatal(err)
	}

	a := mustApp(*configPath)
	defer a.close()

	res, err := a.custodian.Submit(context.Background(), custody.SubmitRequest{
		ExamID:     *examID,
		Subject:    *subject,
		Filename:   filepath.Base(path),
		Content:    content,
		UnlockTime: unlockTime,
		UploadedBy: *uploadedBy,
		Recipient:  *recipient,
	})
	if err != nil {
		// A pending commit still produced a paper ID the caller needs
		// for papervault retry.
		if res.PaperID != "" {
			fmt.Fprintf(os.Stderr, "paper: %s\n", res.PaperID)
		}
		fatal(err)
	}

	fmt.Printf("paper:   %s\n", res.PaperID)
	fmt.Printf("address: %s\n", res.ContentAddress)
	fmt.Printf("tx:      %s\n", res.TxID)
	fmt.Printf("block:   %d\n", res.BlockNumber)
	fmt.Printf("status:  %s\n", res.Status)
}

func handleRetry(args []string) {
	flags := flag.NewFlagSet("retry", flag.ExitOnError)
	configPath := flags.String("config", "", "configuration file")
	paperID := flags.String("id", "", "paper ID")
	flags.Parse(args)

	if *paperID == "" {
		fatal(fmt.Errorf("--id is required"))
	}

	a := mustApp(*configPath)
	defer a.close()

	res, err := a.custodian.RetryCommit(context.Background(), *paperID)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("tx:     %s\n", res.TxID)
	fmt.Printf("block:  %d\n", res.BlockNumber)
	fmt.Printf("status: %s\n", res.Status)
}

func handleRelease(args []string) {
	flags := flag.NewFlagSet("release", flag.ExitOnError)
	configPath := flags.String("config", "", "configuration file")
	paperID := flags.String("id", "", "paper ID")
	actorID := flags.String("by", "", "releasing actor ID")
	password := flags.String("password", "", "actor password")
	keyPassword := flags.String("key-password", "", "recipient key password if different")
	outPath := flags.String("out", "", "write plaintext here instead of stdout")
	flags.Parse(args)

	if *paperID == "" || *actorID == "" || *password == "" {
		fatal(fmt.Errorf("--id, --by and --password are required"))
	}

	a := mustApp(*configPath)
	defer a.close()

	res, err := a.custodian.Release(context.Background(), custody.ReleaseRequest{
		PaperID:     *paperID,
		ActorID:     *actorID,
		Password:    *password,
		KeyPassword: *keyPassword,
	})
	if err != nil {
		fatal(err)
	}

	if *outPath != "" {
		if err := os.WriteFile(*outPath, res.Content, 0o600); err != nil {
			fatal(err)
		}
		fmt.Fprintf(os.Stderr, "released %s (%d bytes) to %s\n", res.Filename, len(res.Content), *outPath)
		return
	}
	os.Stdout.Write(res.Content)
}

func handleStatus(args []string) {
	flags := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := flags.String("config", "", "configuration file")
	paperID := flags.String("id", "", "paper ID")
	actorID := flags.String("by", "", "inspecting actor ID")
	flags.Parse(args)

	if *paperID == "" {
		fatal(fmt.Errorf("--id is required"))
	}

	a := mustApp(*configPath)
	defer a.close()

	rec, paper, err := a.custodian.Inspect(context.Background(), *paperID, *actorID)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("paper:     %s\n", rec.PaperID)
	fmt.Printf("exam:      %s\n", rec.ExamID)
	fmt.Printf("subject:   %s\n", rec.Subject)
	fmt.Printf("file:      %s (%d bytes)\n", paper.Filename, paper.Size)
	fmt.Printf("address:   %s\n", rec.ContentAddress)
	fmt.Printf("status:    %s (custody: %s)\n", rec.Status, paper.Status)
	fmt.Printf("unlock at: %s\n", rec.UnlockTime.Format(time.RFC3339))
	fmt.Printf("tx:        %s\n", rec.TxID)
	fmt.Printf("block:     %d\n", rec.BlockNumber)
	fmt.Printf("authority: %s\n", paper.TimeAuthority)
}

func handleHistory(args []string) {
	flags := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := flags.String("config", "", "configuration file")
	paperID := flags.String("id", "", "paper ID")
	flags.Parse(args)

	if *paperID == "" {
		fatal(fmt.Errorf("--id is required"))
	}

	a := mustApp(*configPath)
	defer a.close()

	entries, err := a.custodian.Ledger.History(context.Background(), *paperID)
	if err != nil {
		fatal(err)
	}
	for _, e := range entries {
		fmt.Printf("%s  block %-6d  %-9s  %s\n",
			e.Timestamp.Format(time.RFC3339), e.BlockNumber, e.Record.Status, e.TxID)
	}
}

func handleAudit(args []string) {
	flags := flag.NewFlagSet("audit", flag.ExitOnError)
	configPath := flags.String("config", "", "configuration file")
	paperID := flags.String("id", "", "paper ID")
	flags.Parse(args)

	if *paperID == "" {
		fatal(fmt.Errorf("--id is required"))
	}

	a := mustApp(*configPath)
	defer a.close()

	entries, err := a.custodian.Ledger.AccessLog(context.Background(), *paperID)
	if err != nil {
		fatal(err)
	}
	// Stored ascending for replay; shown newest first.
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		fmt.Printf("%s  %-9s  %-12s  %s\n",
			e.Timestamp.Format(time.RFC3339), e.Action, e.ActorID, e.LogID)
	}
}

func handleVerify(args []string) {
	flags := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := flags.String("config", "", "configuration file")
	paperID := flags.String("id", "", "paper ID")
	hash := flags.String("hash", "", "hex SHA-256 to check")
	filePath := flags.String("file", "", "file to hash and check")
	flags.Parse(args)

	if *paperID == "" || (*hash == "" && *filePath == "") {
		fatal(fmt.Errorf("--id and one of --hash or --file are required"))
	}

	provided := *hash
	if *filePath != "" {
		content, err := os.ReadFile(*filePath)
		if err != nil {
			fatal(err)
		}
		provided = crypt.Hash(content)
	}

	a := mustApp(*configPath)
	defer a.close()

	res, err := a.custodian.Verify(context.Background(), *paperID, provided)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("expected: %s (source: %s)\n", res.ExpectedHash, res.Source)
	fmt.Printf("provided: %s\n", res.ProvidedHash)
	if !res.Matches {
		fmt.Println("MISMATCH")
		os.Exit(1)
	}
	fmt.Println("OK")
}

func handleList(args []string) {
	flags := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := flags.String("config", "", "configuration file")
	pageSize := flags.Int("page-size", 50, "records per page")
	flags.Parse(args)

	a := mustApp(*configPath)
	defer a.close()

	cursor := ""
	for {
		page, err := a.custodian.Ledger.List(context.Background(), *pageSize, cursor)
		if err != nil {
			fatal(err)
		}
		for _, r := range page.Records {
			fmt.Printf("%s  %-9s  block %-6d  %s\n", r.PaperID, r.Status, r.BlockNumber, r.ExamID)
		}
		if page.NextCursor == "" {
			return
		}
		cursor = page.NextCursor
	}
}

func handleNodeInfo(args []string) {
	flags := flag.NewFlagSet("node-info", flag.ExitOnError)
	configPath := flags.String("config", "", "configuration file")
	flags.Parse(args)

	a := mustApp(*configPath)
	defer a.close()

	info := a.custodian.Blobs.NodeInfo(context.Background())
	fmt.Printf("mode:      %s\n", info.Mode)
	fmt.Printf("address:   %s\n", info.Address)
	fmt.Printf("connected: %t\n", info.Connected)
}
