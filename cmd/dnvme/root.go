package main

import (
	"fmt"
	"os"
	"path"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ehrlich-b/go-dnvme"
)

var (
	applicationName string
	cfgFile         string
)

func init() {
	applicationName = path.Base(os.Args[0])
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	viperLoadConfig(cfgFile)
}

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   applicationName,
		Short: "NVMe controller control plane over the dnvme driver",
		Long: `Every invocation opens the device, runs the controller bootstrap
(disable, admin queues, interrupts, enable) and then issues the requested
commands. Use --simulate to run against an in-process controller with a
RAM namespace instead of a real device.`,
		SilenceUsage:      true,
		DisableAutoGenTag: true,
	}
	cmd.AddCommand(
		newIdentifyCmd(),
		newFeatureCmd(),
		newQueueCmd(),
		newReapCmd(),
		newIOCmd(),
		newMetricsCmd(),
		newSyslogCmd(),
	)

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./etc/dnvme/dnvme.yaml or /etc/dnvme/dnvme.yaml)")
	cmd.MarkFlagFilename("config", "yaml", "yml")

	flags.StringP("device", "d", dnvme.DefaultDevicePath, "dnvme device node")
	viper.BindPFlag("device", flags.Lookup("device"))

	flags.Bool("simulate", false, "use an in-process simulated controller")
	viper.BindPFlag("simulate", flags.Lookup("simulate"))

	flags.String("sim-size", "64M", "namespace size of the simulated controller (e.g. 64M, 1G)")
	viper.BindPFlag("namespace.size", flags.Lookup("sim-size"))

	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	viper.BindPFlag("log.level", flags.Lookup("log-level"))

	flags.String("log-format", "text", "log format (text, json)")
	viper.BindPFlag("log.format", flags.Lookup("log-format"))

	flags.Uint32("admin-cq", dnvme.DefaultAdminElements, "admin completion queue elements")
	viper.BindPFlag("admin.cq_elements", flags.Lookup("admin-cq"))

	flags.Uint32("admin-sq", dnvme.DefaultAdminElements, "admin submission queue elements")
	viper.BindPFlag("admin.sq_elements", flags.Lookup("admin-sq"))

	flags.String("irq", "none", "interrupt scheme (msi-single, msi-multi, msix, none)")
	viper.BindPFlag("irq.type", flags.Lookup("irq"))

	flags.Uint16("irq-count", 0, "interrupt vectors")
	viper.BindPFlag("irq.count", flags.Lookup("irq-count"))

	flags.Duration("poll-interval", dnvme.DefaultPollInterval, "delay between completion inquiries")
	viper.BindPFlag("poll.interval", flags.Lookup("poll-interval"))

	flags.Duration("timeout", dnvme.DefaultPollTimeout, "how long to wait for a completion")
	viper.BindPFlag("poll.timeout", flags.Lookup("timeout"))

	flags.String("metrics-textfile", "", "write Prometheus metrics to this file on exit")
	viper.BindPFlag("metrics.textfile", flags.Lookup("metrics-textfile"))

	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	defer func() {
		if err := recover(); err != nil {
			fmt.Fprintf(os.Stderr, "%s panicked: %v\n%s", applicationName, err, debug.Stack())
			os.Exit(2)
		}
	}()

	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func viperLoadConfig(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigType("yaml")
		viper.SetConfigName("dnvme")
		viper.AddConfigPath("./etc/dnvme")
		viper.AddConfigPath("/etc/dnvme/")
	}
	viper.SetEnvPrefix("dnvme")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// A missing config file is fine; flags and env cover everything.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
		}
	}
}
