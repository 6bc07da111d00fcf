package main

import (
	"io"
	"os"

	"crashrelay/internal/config"
	"crashrelay/internal/crash"
	"crashrelay/internal/logger"

	"github.com/alecthomas/kong"
)

// Globals is handed to every command's Run.
type Globals struct {
	Config config.Config
	Out    io.Writer
	Chain  *crash.Chain // crash chain clients install into, nil means crash.Default
}

type CLI struct {
	Verbose bool   `short:"v" help:"Enable debug logging"`
	DSN     string `help:"Endpoint descriptor, overrides CRASHRELAY_DSN"`
	Backend string `help:"Pending queue backend (file, s3, memory), overrides CRASHRELAY_QUEUE_BACKEND"`

	Capture CaptureCmd `cmd:"" help:"Capture a message and wait for its delivery"`
	Flush   FlushCmd   `cmd:"" help:"Deliver every pending request now"`
	Pending PendingCmd `cmd:"" help:"List pending requests"`
	Sink    SinkCmd    `cmd:"" help:"Run the development ingestion sink"`
}

// apply folds the global flags into cfg.
func (c *CLI) apply(cfg *config.Config) {
	if c.Verbose {
		cfg.LogLevel = "debug"
	}
	if c.DSN != "" {
		cfg.DSN = c.DSN
	}
	if c.Backend != "" {
		cfg.QueueBackend = c.Backend
	}
}

func main() {
	cfg := config.Load()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("crashrelay"),
		kong.Description("Capture crash reports and relay them to an ingestion endpoint."),
		kong.UsageOnError(),
	)
	cli.apply(&cfg)
	logger.Init(cfg)

	// a panicking command is recorded, then exits 2 without a goroutine dump
	chain := crash.NewChain(crash.Exit)
	defer chain.Recover()

	err := ctx.Run(&Globals{Config: cfg, Out: os.Stdout, Chain: chain})
	ctx.FatalIfErrorf(err)
}
