// Command vbmap inspects cluster configs: where keys map, how two configs
// differ and what a live cluster currently serves.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var rootCmd = &cobra.Command{
	Use:   "vbmap",
	Short: "Inspect couchbase cluster configs and key placement",

	SilenceUsage: true,
}

var settingsFile string

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsFile, "settings", "", "a yaml, json or toml file of client settings")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "warn", "the log level to run at")
	configFlags.String("bucket", "", "the bucket to open")
	configFlags.String("username", "", "the username to authenticate with")
	configFlags.String("password", "", "the password to authenticate with")
	configFlags.String("network", "", "the alternate address network to use")
	rootCmd.PersistentFlags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("couchkv")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)

	cobra.OnInitialize(readSettingsFile)

	rootCmd.AddCommand(mapCmd, diffCmd, fetchCmd)
}

func readSettingsFile() {
	if settingsFile == "" {
		return
	}
	viper.SetConfigFile(settingsFile)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read settings: %v\n", err)
		os.Exit(1)
	}
}

func getLogger() *zap.Logger {
	level, err := zapcore.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		level = zapcore.WarnLevel
	}
	logConfig := zap.NewDevelopmentEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(logConfig), zapcore.AddSync(os.Stderr), level)
	return zap.New(core, zap.AddCaller())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
