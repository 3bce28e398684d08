package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glycerine/distobj"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile       string
	etcdEndpoints string
	secret        string

	// set during PersistentPreRun
	cfg *distobj.Config
)

var rootCmd = &cobra.Command{
	Use:   "distctl",
	Short: "serve, call, and look up distributed objects",
	Long: `distctl runs a demo object server, calls operations on remote
objects, and resolves published names through the directory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = distobj.DefaultConfigPath()
		}
		var err error
		cfg, err = distobj.LoadConfig(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if secret != "" {
			cfg.Authenticator = distobj.NewMACAuthenticator(secret)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $XDG_CONFIG_HOME/distobj/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&etcdEndpoints, "etcd", "", "comma separated etcd endpoints for the name directory")
	rootCmd.PersistentFlags().StringVar(&secret, "secret", "", "shared secret; sign and check every invocation with it")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(resolveCmd)
}

// directory returns the etcd directory, or nil without --etcd.
func directory() (*distobj.EtcdDirectory, error) {
	if etcdEndpoints == "" {
		return nil, nil
	}
	return distobj.NewEtcdDirectory(strings.Split(etcdEndpoints, ","))
}

var resolveCmd = &cobra.Command{
	Use:   "resolve NAME",
	Short: "print the endpoint published under NAME",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := directory()
		if err != nil {
			return err
		}
		if dir == nil {
			return fmt.Errorf("resolve needs --etcd")
		}
		defer dir.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ep, err := dir.Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), ep)
		return nil
	},
}
