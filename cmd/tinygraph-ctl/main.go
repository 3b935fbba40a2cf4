package main

import (
	"fmt"
	"os"

	"github.com/pingcap-incubator/tinygraph/kv/config"
	"github.com/pingcap-incubator/tinygraph/kv/graph"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configPath string

// withInspector opens the storage of the configured graph and runs f on an inspector over it.
func withInspector(f func(i *graph.Inspector) error) error {
	conf := config.DefaultConf
	if configPath != "" {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		conf = *c
	}
	if err := conf.Validate(); err != nil {
		return err
	}
	engine, err := graph.NewStorage(&conf.Storage)
	if err != nil {
		return err
	}
	if err := engine.Start(); err != nil {
		return errors.Annotatef(err, "start %s storage", conf.Storage.Backend)
	}
	defer func() {
		if err := engine.Stop(); err != nil {
			log.Warn("stop storage failed", zap.Error(err))
		}
	}()
	return f(graph.NewInspector(&conf, engine))
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "tinygraph-ctl",
		Short:        "Inspect the stores of a tinygraph graph",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	rootCmd.AddCommand(
		newRowCommand(),
		newIndexKeyCommand(),
		newLookupCommand(),
		newInstancesCommand(),
	)

	cobra.EnablePrefixMatching = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(rootCmd.UsageString())
		os.Exit(1)
	}
}
