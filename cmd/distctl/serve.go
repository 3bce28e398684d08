package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/glycerine/distobj"
	"github.com/glycerine/ipaddr"
	"github.com/spf13/cobra"
)

var (
	listenAddr  string
	useQUIC     bool
	publishName string
	watchConfig bool
	maxConns    int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve a Hub root object until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		var lsn distobj.PortListener
		var err error
		if useQUIC {
			lsn, err = distobj.ListenQUICPorts(listenAddr, nil)
		} else {
			var tcp *distobj.TCPPortListener
			tcp, err = distobj.ListenPorts(listenAddr)
			if err == nil {
				tcp.LimitPorts(maxConns)
				lsn = tcp
			}
		}
		if err != nil {
			return err
		}

		srv := distobj.NewServer(cfg, distobj.NewHub())
		srv.Start(lsn)
		defer srv.Close()

		hostIP := ipaddr.GetExternalIP() // e.g. 100.x.x.x
		log.Printf("distctl serving Hub on %v (external ip %v)", lsn.Addr(), hostIP)

		if watchConfig {
			path := cfgFile
			if path == "" {
				path = distobj.DefaultConfigPath()
			}
			if err := srv.WatchConfig(path); err != nil {
				return err
			}
			log.Printf("watching '%v' for timeout changes", path)
		}

		if publishName != "" {
			dir, err := directory()
			if err != nil {
				return err
			}
			if dir == nil {
				return fmt.Errorf("--name needs --etcd")
			}
			defer dir.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err = srv.Publish(ctx, dir, publishName)
			cancel()
			if err != nil {
				return err
			}
			log.Printf("published as '%v'", publishName)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt)
		tick := time.NewTicker(time.Minute)
		defer tick.Stop()
		for {
			select {
			case <-sigCh:
				log.Printf("interrupted; %v connections open", len(srv.Connections()))
				return nil
			case <-tick.C:
				snap, err := distobj.Registry().SnapshotJSON()
				if err == nil {
					log.Printf("connections: %s", snap)
				}
			}
		}
	},
}

func init() {
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "0.0.0.0:7070", "host:port to listen on")
	serveCmd.Flags().BoolVarP(&useQUIC, "quic", "q", false, "listen with QUIC instead of TCP")
	serveCmd.Flags().StringVar(&publishName, "name", "", "publish under this name in the --etcd directory")
	serveCmd.Flags().BoolVar(&watchConfig, "watch", false, "reload timeouts when the config file changes")
	serveCmd.Flags().IntVar(&maxConns, "max-conns", 0, "most simultaneous tcp peers; 0 means no limit")
}
