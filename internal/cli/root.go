package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "urb",
	Short: "Feed data into BPF user ring buffers",
	Long: `urb writes samples from user space into BPF_MAP_TYPE_USER_RINGBUF maps,
where BPF programs pick them up with bpf_user_ringbuf_drain().

Settings come from flags, URB_* environment variables (URB_SEND_BACKLOG_SIZE
for send.backlog_size) and $HOME/.urb.yaml, in that order.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig()
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.urb.yaml)")
	flags.String("map", "", "bpffs path of the pinned user ring buffer")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.BoolP("verbose", "v", false, "shorthand for --log-level=debug with console output")

	viper.BindPFlag("map", flags.Lookup("map"))
	viper.BindPFlag("log_level", flags.Lookup("log-level"))
	viper.BindPFlag("verbose", flags.Lookup("verbose"))

	rootCmd.AddCommand(createCmd, infoCmd, sendCmd, versionCmd)
}

// loadConfig wires the environment and the optional config file into viper.
// A missing default config file is fine; an unreadable explicit one is not.
func loadConfig() error {
	viper.SetEnvPrefix("URB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".urb")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// newLogger builds the command logger from --log-level. --verbose switches
// to development output at debug level.
func newLogger() (*zap.Logger, error) {
	if viper.GetBool("verbose") {
		return zap.NewDevelopment()
	}

	level, err := zapcore.ParseLevel(viper.GetString("log_level"))
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	return config.Build()
}

// requireMapPath returns the --map setting or an error naming the flag
func requireMapPath() (string, error) {
	path := viper.GetString("map")
	if path == "" {
		return "", errors.New("--map is required (or set URB_MAP)")
	}
	return path, nil
}
