// Command orchestrator is the CLI control surface for the orchestration
// core: execute, pause, resume, cancel, restore, status, metrics and
// list-active, each wiring a fresh agent pool, matcher, coordinator, state
// manager and performance monitor from a config file.
//
// Usage:
//
//	orchestrator execute research_pipeline --input '{"topic":"golang"}' --wait
//	orchestrator status 3fae2e21-...
//	orchestrator pause 3fae2e21-... --etcd-endpoints localhost:2379
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/agentmesh/orchestrator/corerr"
	"github.com/agentmesh/orchestrator/logging"
)

// CLI defines the command-line interface.
type CLI struct {
	Execute    ExecuteCmd    `cmd:"" help:"Submit a new workflow execution."`
	Pause      PauseCmd      `cmd:"" help:"Pause a running execution."`
	Resume     ResumeCmd     `cmd:"" help:"Resume a paused execution."`
	Cancel     CancelCmd     `cmd:"" help:"Cancel an execution."`
	Restore    RestoreCmd    `cmd:"" help:"Restore an execution from a specific checkpoint."`
	Status     StatusCmd     `cmd:"" help:"Show an execution's current status."`
	Metrics    MetricsCmd    `cmd:"" help:"Show performance monitor health and recommendations."`
	ListActive ListActiveCmd `cmd:"list-active" help:"List every non-terminal execution."`

	Config    string   `short:"c" help:"Path to config file." type:"path" default:"orchestrator.yaml"`
	LogLevel  string   `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string   `help:"Log format (text or json)." default:"text" enum:"text,json"`
	Etcd      []string `name:"etcd-endpoints" help:"etcd endpoints backing the checkpoint store; omitted means an in-memory store scoped to this process."`
	EtcdPrefix string  `name:"etcd-prefix" help:"Key prefix for the etcd checkpoint store." default:"agentmesh/checkpoints/"`
}

func (c *CLI) storeOptions() storeOptions {
	return storeOptions{EtcdEndpoints: c.Etcd, EtcdPrefix: c.EtcdPrefix}
}

func main() {
	_ = godotenv.Load()

	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("orchestrator"),
		kong.Description("Multi-agent workflow orchestration engine"),
		kong.UsageOnError(),
	)

	logging.Init(logging.Options{
		Level: cli.LogLevel,
		JSON:  cli.LogFormat == "json",
	})

	err := kctx.Run(&cli)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(corerr.ExitCode(err))
}
