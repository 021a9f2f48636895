package device

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/born-ml/ug/internal/lang/ssa"
)

// DumpSource writes generated kernel source to dir as
// <name>_<key prefix><ext>, so that sources of distinct kernels sharing a
// name do not overwrite each other.
func DumpSource(dir string, k *ssa.Kernel, name, ext, src string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("kernel dump: %w", err)
	}
	key, _ := k.Key()
	path := filepath.Join(dir, fmt.Sprintf("%s_%s%s", name, key[:12], ext))
	if err := os.WriteFile(path, []byte(src), 0o600); err != nil {
		return fmt.Errorf("kernel dump: %w", err)
	}
	slog.Debug("kernel source written", "path", path)
	return nil
}
