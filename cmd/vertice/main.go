// Command vertice runs the orchestration core.
//
// Usage:
//
//	vertice run "List files in current directory"
//	vertice serve --config vertice.yaml
//	vertice sessions list
//	vertice sessions search "deploy"
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/config"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/protocol"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/runtime"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/server"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Run      RunCmd      `cmd:"" help:"Execute one request and stream the output."`
	Serve    ServeCmd    `cmd:"" help:"Start the core with the debug HTTP surface."`
	Sessions SessionsCmd `cmd:"" help:"Inspect stored sessions."`

	Config   string `short:"c" help:"Path to config file." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)."`
}

func (c *CLI) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if c.Config != "" {
		loaded, err := config.Load(c.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}
	return cfg, nil
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(_ *CLI) error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("vertice version %s\n", version)
	return nil
}

// RunCmd executes a single request.
type RunCmd struct {
	Prompt  string `arg:"" help:"The request to execute."`
	Session string `help:"Session id to continue; empty starts a new session."`
}

func (c *RunCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	rt, err := runtime.New(cfg, runtime.Options{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		return err
	}
	defer rt.Shutdown(context.Background())

	for chunk := range rt.Execute(ctx, protocol.Request{Prompt: c.Prompt, SessionID: c.Session}) {
		fmt.Print(chunk.Text)
	}
	fmt.Println()
	return nil
}

// ServeCmd starts the core with the debug server.
type ServeCmd struct {
	Addr string `help:"Debug server address; overrides config."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	if c.Addr != "" {
		cfg.Server.Addr = c.Addr
	}
	rt, err := runtime.New(cfg, runtime.Options{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		return err
	}
	defer rt.Shutdown(context.Background())

	srv := server.New(cfg.Server.Addr, rt.Tracer, rt.Metrics, rt.Sessions, rt.Bus, rt.Logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		return srv.Stop(context.Background())
	case err := <-errCh:
		return err
	}
}

// SessionsCmd inspects the session directory.
type SessionsCmd struct {
	List   SessionsListCmd   `cmd:"" help:"List stored sessions."`
	Search SessionsSearchCmd `cmd:"" help:"Search session transcripts."`
}

// SessionsListCmd lists stored sessions.
type SessionsListCmd struct{}

func (c *SessionsListCmd) Run(cli *CLI) error {
	rt, err := openRuntime(cli)
	if err != nil {
		return err
	}
	defer rt.Shutdown(context.Background())

	for id, entry := range rt.Sessions.List() {
		fmt.Printf("%s  %-10s  %3d msgs  %s  %s\n",
			id, entry.State, entry.MessageCount,
			entry.UpdatedAt.Format("2006-01-02 15:04:05"), entry.Summary)
	}
	return nil
}

// SessionsSearchCmd searches session transcripts.
type SessionsSearchCmd struct {
	Query string `arg:"" help:"Text to search for."`
	Limit int    `help:"Maximum results." default:"10"`
}

func (c *SessionsSearchCmd) Run(cli *CLI) error {
	rt, err := openRuntime(cli)
	if err != nil {
		return err
	}
	defer rt.Shutdown(context.Background())

	for _, res := range rt.Sessions.Search(c.Query, c.Limit) {
		fmt.Printf("%s  %-10s  %s\n", res.SessionID, res.Entry.State, res.Entry.Summary)
	}
	return nil
}

func openRuntime(cli *CLI) (*runtime.Runtime, error) {
	cfg, err := cli.loadConfig()
	if err != nil {
		return nil, err
	}
	return runtime.New(cfg, runtime.Options{})
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("vertice"),
		kong.Description("Multi-agent orchestration core."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
