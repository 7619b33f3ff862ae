/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"os"
	"strings"

	hypervisor "github.com/blacktop/go-rvhv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagConfig        = "config"
	flagLogLevel      = "log-level"
	flagLogFormat     = "log-format"
	flagOutput        = "output"
	flagEntry         = "entry"
	flagMemSize       = "mem-size"
	flagTimerInterval = "timer-interval"
	flagMaxExits      = "max-exits"
)

var log = logrus.New()

var rootCmd = &cobra.Command{
	Use:               "hv",
	Short:             "Minimal RISC-V H-extension hypervisor",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func setup(cmd *cobra.Command, _ []string) error {
	if cfg := viper.GetString(flagConfig); cfg != "" {
		viper.SetConfigFile(cfg)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", cfg, err)
		}
	}

	level, err := logrus.ParseLevel(viper.GetString(flagLogLevel))
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)

	switch format := viper.GetString(flagLogFormat); format {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q (want text or json)", format)
	}

	switch output := viper.GetString(flagOutput); output {
	case "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q (want json or yaml)", output)
	}
	return nil
}

func init() {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(`-`, `_`))
	viper.SetEnvPrefix("hv")

	pf := rootCmd.PersistentFlags()
	pf.String(flagConfig, "", "config file (yaml, json or toml)")
	pf.String(flagLogLevel, "info", "log level (panic, fatal, error, warning, info, debug, trace)")
	pf.String(flagLogFormat, "text", "log format (text, json)")
	pf.StringP(flagOutput, "o", "json", "report format (json, yaml)")
	pf.Uint64(flagEntry, hypervisor.GuestEntry, "guest entry address; the image is loaded here")
	pf.Uint64(flagMemSize, 16<<20, "guest RAM mapped at the entry address (bytes)")
	pf.Uint64(flagTimerInterval, 0, "raise a supervisor timer interrupt every N guest instructions (0 disables)")
	pf.Int(flagMaxExits, 4096, "stop a guest that has not shut down after N exits (0 means no limit)")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}
}
