package cli

import (
	"fmt"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	createPin  string
	createSize uint32
	createName string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create and pin a user ring buffer map",
	Long: `Create a BPF_MAP_TYPE_USER_RINGBUF map and pin it to bpffs, so producers
and BPF programs can share it by path.`,
	Example: `  # 64KiB ring pinned for a loader to pick up
  urb create --pin /sys/fs/bpf/events_in --size 65536`,
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringVar(&createPin, "pin", "", "bpffs path to pin the map at")
	createCmd.Flags().Uint32Var(&createSize, "size", 64*1024, "ring size in bytes (power of two, multiple of the page size)")
	createCmd.Flags().StringVar(&createName, "name", "urb", "map name")
	createCmd.MarkFlagRequired("pin")
}

// validateRingSize applies the kernel's constraints on user ring buffer sizes
func validateRingSize(size uint32, pageSize int) error {
	if size == 0 || size&(size-1) != 0 {
		return fmt.Errorf("ring size %d is not a power of two", size)
	}
	if size%uint32(pageSize) != 0 {
		return fmt.Errorf("ring size %d is not a multiple of the page size %d", size, pageSize)
	}
	return nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	if err := validateRingSize(createSize, os.Getpagesize()); err != nil {
		return err
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		logger.Warn("Failed to remove memlock limit", zap.Error(err))
	}

	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       createName,
		Type:       ebpf.UserRingbuf,
		MaxEntries: createSize,
	})
	if err != nil {
		return fmt.Errorf("failed to create user ring buffer map: %w", err)
	}
	defer m.Close()

	if err := m.Pin(createPin); err != nil {
		return fmt.Errorf("failed to pin map at %s: %w", createPin, err)
	}

	logger.Debug("Pinned user ring buffer",
		zap.String("path", createPin),
		zap.Uint32("size", createSize))
	fmt.Fprintf(cmd.OutOrStdout(), "created %s (%d bytes) at %s\n", createName, createSize, createPin)
	return nil
}
