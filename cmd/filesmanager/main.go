package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/honzar/filesmanager/storage"
)

type ExitCoder interface {
	ExitCode() int
}

type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }
func (e *exitError) ExitCode() int { return e.code }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ex ExitCoder
		if errors.As(err, &ex) {
			os.Exit(ex.ExitCode())
		}
		os.Exit(1)
	}
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	v      *viper.Viper
	cfg    *config
	output string
}

// open loads config, sets up logging and builds the manager.
func (a *app) open(ctx context.Context, quiet bool) (*storage.Manager, *storage.DirProvider, error) {
	cfg, err := loadConfig(a.v)
	if err != nil {
		return nil, nil, err
	}
	a.cfg = cfg
	storage.InitLogger(storage.LogOptions{Dir: cfg.LogDir, Debug: cfg.Debug, Quiet: quiet && !cfg.Debug})
	return openManager(ctx, cfg)
}

func (a *app) print(w io.Writer, v any, text func(io.Writer)) error {
	switch a.output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	case "", "text":
		text(w)
		return nil
	}
	return fmt.Errorf("unknown output format %q", a.output)
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	var configPath string

	cmd := &cobra.Command{
		Use:           "filesmanager",
		Short:         "Pick the best storage root and move content between roots",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return readConfigFile(a.v, configPath)
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	cmd.PersistentFlags().StringVarP(&a.output, "output", "o", "text", "output format: text, json or yaml")
	bindFlags(a.v, cmd.PersistentFlags())

	cmd.AddCommand(newStatusCmd(a))
	cmd.AddCommand(newMigrateCmd(a))
	cmd.AddCommand(newHistoryCmd(a))
	cmd.AddCommand(newPromptCmd(a))
	cmd.AddCommand(newPurgeCmd(a))
	cmd.AddCommand(newFilesCmd(a))
	cmd.AddCommand(newServeCmd(a))
	return cmd
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
