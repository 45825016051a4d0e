package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dosco/docbridge/core"
	"github.com/dosco/docbridge/serv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// These variables are set using -ldflags
	version string
	commit  string
	date    string
)

// cli holds the state shared by all subcommands of one invocation
type cli struct {
	cpath  string
	uri    string
	dbName string
	format string

	conf *serv.Config
	log  *zap.Logger
}

// Cmd is the entry point for the CLI
func Cmd() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	cobra.EnableCommandSorting = false
	rootCmd := &cobra.Command{
		Use:           "docbridge",
		Short:         BuildDetails(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&c.cpath, "path", "./config", "path to config files")
	pf.StringVar(&c.uri, "uri", "", "connection URI, overrides the config file")
	pf.StringVar(&c.dbName, "db", "", "database name")
	pf.StringVarP(&c.format, "output", "o", "json", "output format: json or yaml")

	rootCmd.AddCommand(c.pingCmd())
	rootCmd.AddCommand(c.collectionsCmd())
	rootCmd.AddCommand(c.findCmd())
	rootCmd.AddCommand(c.countCmd())
	rootCmd.AddCommand(c.insertCmd())
	rootCmd.AddCommand(c.updateCmd())
	rootCmd.AddCommand(c.deleteCmd())
	rootCmd.AddCommand(c.aggregateCmd())
	rootCmd.AddCommand(c.indexCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

// setup reads the config file unless a URI was given on the command line
func (c *cli) setup() error {
	if c.conf != nil {
		return nil
	}

	var err error

	if c.uri != "" {
		c.conf, err = serv.NewConfig("", "yaml")
		if err != nil {
			return err
		}
		c.conf.DB.ConnString = c.uri
	} else {
		cp, err := filepath.Abs(c.cpath)
		if err != nil {
			return err
		}
		if c.conf, err = serv.ReadInConfig(filepath.Join(cp, serv.GetConfigName())); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}

	if c.dbName != "" {
		c.conf.Core.Database = c.dbName
	}

	if c.log, err = serv.NewLogger(c.conf.ShouldUseJSONLogs(), c.conf.LogLevel); err != nil {
		return err
	}
	return nil
}

// withClient opens a client, runs fn and closes the client
func (c *cli) withClient(ctx context.Context, fn func(*core.Client) error) error {
	if err := c.setup(); err != nil {
		return err
	}

	client, err := serv.Open(ctx, c.conf, c.log)
	if err != nil {
		return err
	}
	defer client.Close(ctx, false) //nolint:errcheck

	return fn(client)
}

// withCollection opens a client and the named collection of its database
func (c *cli) withCollection(ctx context.Context, name string, fn func(*core.Collection) error) error {
	return c.withClient(ctx, func(client *core.Client) error {
		coll, err := client.DB().Collection(name)
		if err != nil {
			return err
		}
		return fn(coll)
	})
}
