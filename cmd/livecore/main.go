// Command livecore is a live media distribution server: SRT publishers fan
// out to HTTP-TS viewers, HLS, SRT forward targets and ffmpeg.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var version = "dev"

var (
	cfgFile string
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:           "livecore",
	Short:         "Live media distribution server",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Long: `livecore accepts SRT publishers and redistributes each stream to
HTTP-TS players, HLS clients, downstream SRT servers and ffmpeg.

Every stream keeps its last GOP so new players start on a keyframe
immediately.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "livecore %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./livecore.yaml or /etc/livecore/livecore.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	mustBindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(serveCmd, versionCmd)
}

// mustBindPFlag binds a config key to a flag. Viper only prefers the flag
// over file and environment values when it was set explicitly.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %q to %q: %v", flag.Name, key, err))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
