package main

import (
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap-incubator/tinygraph/kv/config"
	"github.com/pingcap-incubator/tinygraph/kv/graph"
	"github.com/pingcap-incubator/tinygraph/kv/instance"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "config file path")
	statusAddr = flag.String("status-addr", "127.0.0.1:20180", "address serving metrics and pprof")
	instanceID = flag.String("instance-id", "", "instance id, overrides the config file")
)

func main() {
	flag.Parse()
	conf := config.DefaultConf
	if *configPath != "" {
		c, err := config.Load(*configPath)
		if err != nil {
			log.Fatal("load config failed", zap.Error(err))
		}
		conf = *c
	}
	if *instanceID != "" {
		conf.Graph.InstanceID = *instanceID
	}
	if err := conf.SetupLogger(); err != nil {
		log.Fatal("setup logger failed", zap.Error(err))
	}
	log.Info("conf", zap.Reflect("config", conf))

	graphs := instance.NewGraphManager()
	g, err := graph.Open(&conf, graphs, nil)
	if err != nil {
		log.Fatal("open graph failed", zap.Error(err))
	}

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(*statusAddr, nil); err != nil {
			log.Error("status server stopped", zap.Error(err))
		}
	}()

	sig := waitSignal()
	log.Info("got signal to exit", zap.String("signal", sig.String()))
	if err := g.Close(); err != nil {
		log.Error("close graph failed", zap.Error(err))
	}
	log.Info("graph closed", zap.String("instance", g.InstanceID()))
}

func waitSignal() os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	return <-sigCh
}
