// Package main provides the entry point for OVPN Launcher.
// OVPN Launcher acquires an OpenVPN client configuration from a URL, a
// local file or inline text, saves it as a named profile, and keeps the
// tunnel up in the foreground until interrupted.
//
// Usage:
//
//	ovpn-launcher launch --url https://vpn.example.com/client.ovpn
//	ovpn-launcher launch --file ./client.ovpn --watch
//	ovpn-launcher profiles
//	ovpn-launcher show NAME
//	ovpn-launcher delete NAME
//
// Environment:
//
//	The application requires OpenVPN to be installed on the system.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"
	_ "go.uber.org/automaxprocs"

	"github.com/yllada/ovpn-launcher/cli"
	"github.com/yllada/ovpn-launcher/common"
	"github.com/yllada/ovpn-launcher/config"
	"github.com/yllada/ovpn-launcher/keyring"
	"github.com/yllada/ovpn-launcher/profiles"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

type args struct {
	Launch   *cli.LaunchCmd   `arg:"subcommand:launch" help:"acquire a configuration and connect"`
	Profiles *cli.ProfilesCmd `arg:"subcommand:profiles" help:"list saved profiles"`
	Show     *cli.ShowCmd     `arg:"subcommand:show" help:"print a saved profile as JSON"`
	Delete   *cli.DeleteCmd   `arg:"subcommand:delete" help:"delete a saved profile"`

	Config  string `arg:"--config,env:OVPN_LAUNCHER_CONFIG" help:"configuration file [default: ~/.config/ovpn-launcher/config.yaml]"`
	Verbose bool   `arg:"-v,--verbose" help:"enable verbose logging"`
}

func (args) Description() string {
	return common.AppName + " - acquire OpenVPN profiles and keep the tunnel up"
}

func (args) Version() string {
	v := fmt.Sprintf("%s v%s", common.AppName, appVersion)
	if buildTime != "unknown" {
		v += fmt.Sprintf("\n  Build:  %s\n  Commit: %s", buildTime, commitSHA)
	}
	return v
}

func main() {
	var a args
	p := arg.MustParse(&a)
	if p.Subcommand() == nil {
		p.Fail("missing subcommand")
	}

	if err := run(a); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(a args) error {
	// Without --config the default file is created on first run.
	cfg, err := config.Load(a.Config)
	if cfg == nil {
		return err
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not save default configuration: %v\n", err)
	}

	logCfg := cfg.LogConfig()
	if a.Verbose {
		logCfg.Level = common.LevelDebug
	}
	if err := common.InitLogger(logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
	defer common.CloseLogger()

	// Cancel on SIGINT/SIGTERM; launch stops the tunnel before returning.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dataDir, err := cfg.ResolveDataDir()
	if err != nil {
		return err
	}
	store, err := profiles.Open(cfg.Store.Backend, dataDir, keyring.New(dataDir))
	if err != nil {
		return err
	}
	defer store.Close()

	if fs, ok := store.(*profiles.FileStore); ok && cfg.Store.Watch {
		if err := fs.Watch(nil); err != nil {
			common.LogWarn("Could not watch %s: %v", fs.Path(), err)
		}
	}

	app := cli.New(cfg, store)
	switch {
	case a.Launch != nil:
		common.LogDebug("Starting %s v%s", common.AppName, appVersion)
		err = app.Launch(ctx, *a.Launch)
	case a.Profiles != nil:
		err = app.Profiles()
	case a.Show != nil:
		err = app.Show(a.Show.Name)
	case a.Delete != nil:
		err = app.Delete(a.Delete.Name)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
