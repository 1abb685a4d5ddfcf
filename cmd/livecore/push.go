package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zsiec/livecore/internal/forward"
	"github.com/zsiec/livecore/internal/observe"
	"github.com/zsiec/livecore/internal/push"
)

var pushCmd = &cobra.Command{
	Use:   "push <file.ts>",
	Short: "Publish a TS file to an SRT server in real time",
	Long: `Publish a recorded MPEG-TS file to an SRT listener at its real-time
rate. The stream id defaults to live/<file name>.`,
	Args: cobra.ExactArgs(1),
	RunE: runPush,
}

func init() {
	pushCmd.Flags().String("addr", "127.0.0.1:6000", "SRT server address")
	pushCmd.Flags().String("stream-id", "", "SRT stream id (default live/<file name>)")
	pushCmd.Flags().Duration("duration", 0, "file duration (default measured from timestamps)")
	pushCmd.Flags().Duration("latency", forward.DefaultLatency, "SRT latency")
	pushCmd.Flags().Bool("loop", true, "loop the file and reconnect on failure")
	rootCmd.AddCommand(pushCmd)
}

func runPush(cmd *cobra.Command, args []string) error {
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	flags := cmd.Flags()
	addr, _ := flags.GetString("addr")
	streamID, _ := flags.GetString("stream-id")
	duration, _ := flags.GetDuration("duration")
	latency, _ := flags.GetDuration("latency")
	loop, _ := flags.GetBool("loop")
	if streamID == "" {
		streamID = defaultStreamID(path)
	}

	log := observe.NewLogger(v.GetString("logging.level"), v.GetString("logging.format"), os.Stderr)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return push.Run(ctx, push.Config{
		Addr:     addr,
		StreamID: streamID,
		Duration: duration,
		Loop:     loop,
		Dial:     forward.SRTDialer(latency),
		Log:      log,
	}, data)
}

func defaultStreamID(path string) string {
	base := filepath.Base(path)
	return "live/" + strings.TrimSuffix(base, filepath.Ext(base))
}
