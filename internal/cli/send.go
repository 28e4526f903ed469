package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/yairfalse/urb/internal/feeder"
	"github.com/yairfalse/urb/internal/telemetry"
	"github.com/yairfalse/urb/pkg/userringbuf"
	"go.uber.org/zap"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Write newline-delimited payloads into a user ring buffer",
	Long: `Send reads payloads, one per line, from a file or stdin and writes each one
as a sample into a pinned user ring buffer. When the ring is full it waits for
the BPF program to drain it.`,
	Example: `  # Feed a file
  urb send --map /sys/fs/bpf/events_in --file payloads.txt

  # Feed stdin
  producer | urb send --map /sys/fs/bpf/events_in`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().String("file", "", "read payloads from this file instead of stdin")
	sendCmd.Flags().Int("backlog-size", 10000, "payloads held while the ring is full")
	sendCmd.Flags().Duration("retry-interval", 50*time.Millisecond, "longest wait for ring space between retries")
	sendCmd.Flags().Duration("flush-timeout", 30*time.Second, "how long to wait for the backlog to drain at end of input")
	sendCmd.Flags().Int("max-line", 1024*1024, "longest accepted payload line in bytes")
	sendCmd.Flags().Float64("rate", 0, "maximum payloads per second (0 for unlimited)")
	sendCmd.Flags().Int("burst", 1, "payloads allowed back to back under --rate")
	sendCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	sendCmd.Flags().String("otlp-endpoint", "", "export traces and metrics to this OTLP gRPC collector")

	viper.BindPFlag("send.file", sendCmd.Flags().Lookup("file"))
	viper.BindPFlag("send.backlog_size", sendCmd.Flags().Lookup("backlog-size"))
	viper.BindPFlag("send.retry_interval", sendCmd.Flags().Lookup("retry-interval"))
	viper.BindPFlag("send.flush_timeout", sendCmd.Flags().Lookup("flush-timeout"))
	viper.BindPFlag("send.max_line", sendCmd.Flags().Lookup("max-line"))
	viper.BindPFlag("send.rate", sendCmd.Flags().Lookup("rate"))
	viper.BindPFlag("send.burst", sendCmd.Flags().Lookup("burst"))
	viper.BindPFlag("telemetry.metrics_addr", sendCmd.Flags().Lookup("metrics-addr"))
	viper.BindPFlag("telemetry.otlp_endpoint", sendCmd.Flags().Lookup("otlp-endpoint"))
}

// feederConfig builds the feeder configuration from flags, env and config file
func feederConfig() (*feeder.Config, error) {
	config := feeder.DefaultConfig()
	config.Name = "urb_send"
	config.BacklogSize = viper.GetInt("send.backlog_size")
	config.RetryInterval = viper.GetDuration("send.retry_interval")
	config.MaxRate = viper.GetFloat64("send.rate")
	config.Burst = viper.GetInt("send.burst")
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid send settings: %w", err)
	}
	return config, nil
}

// telemetryConfig builds the telemetry configuration for the send command
func telemetryConfig() *telemetry.Config {
	config := telemetry.DefaultConfig("urb")
	config.ServiceVersion = version
	config.MetricsAddr = viper.GetString("telemetry.metrics_addr")
	config.OTLPEndpoint = viper.GetString("telemetry.otlp_endpoint")
	return config
}

func runSend(cmd *cobra.Command, args []string) error {
	path, err := requireMapPath()
	if err != nil {
		return err
	}

	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	in := io.Reader(cmd.InOrStdin())
	if file := viper.GetString("send.file"); file != "" {
		f, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	config, err := feederConfig()
	if err != nil {
		return err
	}

	tp, err := telemetry.NewProvider(cmd.Context(), telemetryConfig(), logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()
	if err := tp.Serve(); err != nil {
		return err
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		logger.Warn("Failed to remove memlock limit", zap.Error(err))
	}

	m, err := ebpf.LoadPinnedMap(path, nil)
	if err != nil {
		return fmt.Errorf("failed to load pinned map %s: %w", path, err)
	}
	defer m.Close()

	rb, err := userringbuf.NewWithConfig(m, &userringbuf.Config{Name: "urb_send", EnableMetrics: true}, logger)
	if err != nil {
		return fmt.Errorf("failed to open user ring buffer: %w", err)
	}
	defer rb.Close()

	fd, err := feeder.New(rb, config, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fd.Start(ctx); err != nil {
		return err
	}
	defer fd.Stop()

	if err := feed(ctx, fd, in, config, viper.GetInt("send.max_line")); err != nil {
		return err
	}

	flushCtx, cancel := context.WithTimeout(ctx, viper.GetDuration("send.flush_timeout"))
	defer cancel()
	if err := fd.Flush(flushCtx); err != nil {
		return fmt.Errorf("failed to flush payloads: %w", err)
	}

	stats := fd.Statistics()
	logger.Debug("Ring buffer stats", zap.Any("stats", rb.Stats()))
	fmt.Fprintf(cmd.OutOrStdout(), "sent %d payloads, dropped %d\n", stats.Sent, stats.Dropped)
	return nil
}

// feed queues every non-empty line of in, pausing while the backlog is full
func feed(ctx context.Context, fd *feeder.Feeder, in io.Reader, config *feeder.Config, maxLine int) error {
	scanner := bufio.NewScanner(in)
	initial := min(64*1024, maxLine)
	scanner.Buffer(make([]byte, 0, initial), maxLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		for fd.Pending() >= config.BacklogSize {
			if err := fd.Err(); err != nil {
				return fmt.Errorf("failed to queue payload: %w", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(config.RetryInterval):
			}
		}

		if err := fd.Send(line); err != nil {
			return fmt.Errorf("failed to queue payload: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	return nil
}
