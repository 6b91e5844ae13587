package main

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/driftlab/husk/pkg/log"
	"github.com/driftlab/husk/pkg/utils"
	"github.com/driftlab/husk/pkg/worker"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Husk distributed computation worker",
	Run: func(cmd *cobra.Command, args []string) {
		verbosity, err := cmd.Flags().GetCount("verbose")
		if err != nil {
			log.Fatal(err)
		}
		switch {
		case verbosity >= 2:
			log.SetLevel(log.TraceLevel)
		case verbosity >= 1:
			log.SetLevel(log.DebugLevel)
		}

		// Load worker configuration from file or environment.
		config, err := LoadConfig()
		if err != nil {
			log.Fatal(err)
		}

		for _, prop := range viper.GetStringSlice("resource") {
			parts := strings.SplitN(prop, "=", 2)
			if len(parts) != 2 {
				log.Fatalf("Invalid resource property: %s", prop)
			}
			quantity, err := strconv.ParseFloat(parts[1], 64)
			if err != nil {
				log.Fatalf("Invalid resource quantity: %s", prop)
			}
			if config.Resources == nil {
				config.Resources = map[string]float64{}
			}
			config.Resources[parts[0]] = quantity
		}

		if err := config.Validate(); err != nil {
			log.Fatal(err)
		}
		config.Log()

		w, err := worker.New(config, worker.NewRegistryLoader())
		if err != nil {
			log.Fatal(err)
		}

		if err := w.Run(); err != nil {
			log.Fatal(err)
		}
	},
}

func main() {
	defaults := worker.DefaultConfig()

	rootCmd.Flags().StringP("scheduler-uri", "s", "tcp://scheduler:8786", "Scheduler service URI")
	rootCmd.Flags().String("listen-host", defaults.ListenHost, "Listener bind host")
	rootCmd.Flags().Int("listen-port", 0, "Listener port, 0 for ephemeral")
	rootCmd.Flags().StringP("http-listen", "m", "", "Debug HTTP endpoint, host:port")
	rootCmd.Flags().StringSliceP("resource", "r", []string{}, "Resource quantity, name=value (repeatable)")
	rootCmd.Flags().IntP("threads", "j", runtime.NumCPU(), "Maximum thread count")
	rootCmd.Flags().Int("total-connections", defaults.TotalConnections, "Peer connection budget")
	rootCmd.Flags().String("target-message-size", defaults.TargetMessageSize, "Fetch batch size limit")
	rootCmd.Flags().Bool("validate", defaults.ValidateState, "Check state invariants at every transition")
	rootCmd.Flags().CountP("verbose", "v", "Verbosity (repeatable)")

	viper.BindPFlag("scheduler_uri", rootCmd.Flags().Lookup("scheduler-uri"))
	viper.BindPFlag("listen_host", rootCmd.Flags().Lookup("listen-host"))
	viper.BindPFlag("listen_port", rootCmd.Flags().Lookup("listen-port"))
	viper.BindPFlag("http_listen", rootCmd.Flags().Lookup("http-listen"))
	viper.BindPFlag("resource", rootCmd.Flags().Lookup("resource"))
	viper.BindPFlag("threads", rootCmd.Flags().Lookup("threads"))
	viper.BindPFlag("total_connections", rootCmd.Flags().Lookup("total-connections"))
	viper.BindPFlag("target_message_size", rootCmd.Flags().Lookup("target-message-size"))
	viper.BindPFlag("validate", rootCmd.Flags().Lookup("validate"))
	viper.SetEnvPrefix("husk")
	viper.AutomaticEnv()

	viper.SetConfigName("worker.yaml")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/husk/")
	viper.AddConfigPath("$HOME/.config/husk")
	viper.AddConfigPath(".")
	viper.ReadInConfig()

	utils.TerminateOnSignal()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
