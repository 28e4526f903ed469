package cli

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/spf13/cobra"
	"github.com/yairfalse/urb/pkg/userringbuf"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show capacity and free space of a pinned user ring buffer",
	RunE:  runInfo,
}

func runInfo(cmd *cobra.Command, args []string) error {
	path, err := requireMapPath()
	if err != nil {
		return err
	}

	m, err := ebpf.LoadPinnedMap(path, nil)
	if err != nil {
		return fmt.Errorf("failed to load pinned map %s: %w", path, err)
	}
	defer m.Close()

	rb, err := userringbuf.NewWithConfig(m, &userringbuf.Config{Name: "urb_info"}, nil)
	if err != nil {
		return fmt.Errorf("failed to open user ring buffer: %w", err)
	}
	defer rb.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "path:     %s\n", path)
	fmt.Fprintf(out, "type:     %s\n", m.Type())
	fmt.Fprintf(out, "capacity: %d\n", rb.Capacity())
	fmt.Fprintf(out, "free:     %d\n", rb.Free())
	return nil
}
