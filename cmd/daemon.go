/*
Copyright 2017 The Storgo Authors All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/storgo/stgt/pkg/apiserver"
	"github.com/storgo/stgt/pkg/config"
	"github.com/storgo/stgt/pkg/iscsit"
	"github.com/storgo/stgt/pkg/scsi"
	"github.com/storgo/stgt/pkg/storage"
	_ "github.com/storgo/stgt/pkg/storage/cephstore"
)

func newDaemonCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "daemon",
		Short: "Run the iSCSI target daemon",
		Long:  `Run the iSCSI target daemon serving the configured volumes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return createDaemon()
		},
	}
	flags := cmd.Flags()
	flags.String("log", "info", "Log level of the target daemon")
	flags.String("config", "", "Directory holding "+config.ConfigFileName)
	flags.Int("port", 0, "iSCSI listening port (overrides the configuration)")
	flags.String("api", "", "Stats API address as PROTO://ADDR, e.g. tcp://127.0.0.1:23457")
	viper.BindPFlags(flags)
	viper.SetEnvPrefix("stgt")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	return cmd
}

func createDaemon() error {
	switch viper.GetString("log") {
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "panic", "fatal", "error":
		log.SetLevel(log.ErrorLevel)
	default:
		return fmt.Errorf("unknown log level: %v", viper.GetString("log"))
	}

	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		log.Error(err)
		return err
	}
	port := cfg.GlobalConfig.Port
	if p := viper.GetInt("port"); p != 0 {
		port = p
	}

	registry := scsi.NewRegistry()
	for _, t := range cfg.TargetList.Targets {
		store, err := storage.NewStore(t.StorageFile.StorageType)
		if err != nil {
			log.Error(err)
			return err
		}
		if err := store.Open(t.StorageFile.FilePath); err != nil {
			log.Errorf("cannot open %s: %v", t.StorageFile.FilePath, err)
			return err
		}
		if err := registry.Add(scsi.NewTarget(t.TargetName, t.TargetAlias, store)); err != nil {
			log.Error(err)
			return err
		}
		log.Infof("target %s: %s, %s", t.TargetName, t.StorageFile.FilePath,
			storage.HumanFriendlySize(store))
	}

	targetDriver := iscsit.NewISCSITargetDriver(registry, port, cfg.GlobalConfig.AllowSloppyNegotiation)

	driverErr := make(chan error, 1)
	go func() {
		driverErr <- targetDriver.Run()
	}()

	var apiSrv *apiserver.Server
	serveAPIWait := make(chan error, 1)
	if host := viper.GetString("api"); host != "" {
		protoAddrParts := strings.SplitN(host, "://", 2)
		if len(protoAddrParts) != 2 {
			err := fmt.Errorf("bad format %s, expected PROTO://ADDR", host)
			log.Error(err)
			return err
		}
		serverConfig := &apiserver.Config{
			Addrs: []apiserver.Addr{{Proto: protoAddrParts[0], Addr: protoAddrParts[1]}},
		}
		apiSrv, err = apiserver.New(serverConfig, registry, targetDriver)
		if err != nil {
			log.Error(err)
			return err
		}
		apiSrv.Wait(serveAPIWait)
	}

	stopAll := make(chan os.Signal, 1)
	signal.Notify(stopAll, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-driverErr:
		if err != nil {
			log.Errorf("iSCSI service failed: %v", err)
			return err
		}
	case errAPI := <-serveAPIWait:
		if errAPI != nil {
			log.Warnf("shutting down due to stats API error: %v", errAPI)
		}
	case <-stopAll:
	}
	targetDriver.Stop()
	if apiSrv != nil {
		apiSrv.Close()
	}
	return nil
}
