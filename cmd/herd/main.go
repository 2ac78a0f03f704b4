package main

import (
	"context"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/herdcompute/herd/internal/common"
	"github.com/herdcompute/herd/internal/common/health"
	"github.com/herdcompute/herd/internal/herd"
	"github.com/herdcompute/herd/internal/herd/configuration"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.String(CustomConfigLocation, "", "Fully qualified path to application configuration file")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.HerdConfig
	userSpecifiedConfig := viper.GetString(CustomConfigLocation)
	common.LoadConfig(&config, "./config/herd", userSpecifiedConfig)

	log.Info("Starting...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	healthChecks := health.NewMultiChecker()

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort, healthChecks)
	defer shutdownMetricServer()

	if err := herd.Serve(ctx, &config, healthChecks); err != nil && err != context.Canceled {
		log.Fatal(err)
	}
}
