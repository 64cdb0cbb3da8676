package kernel

import (
	"fmt"
	"path/filepath"

	"github.com/cilium/ebpf/btf"
)

// btfBaseDir is where the running kernel exposes per-module raw BTF
// blobs, per spec §6.
const btfBaseDir = "/sys/kernel/btf"

// LoadModuleBTF opens and parses the raw BTF blob for module ("vmlinux"
// for the shared base dictionary's source, or a loaded module's name)
// from sysfs, ready to hand to internal/ctf's DecodeBTF.
func LoadModuleBTF(module string) (*btf.Spec, error) {
	path := filepath.Join(btfBaseDir, module)
	spec, err := btf.LoadSpec(path)
	if err != nil {
		return nil, fmt.Errorf("kernel: loading BTF for module %q from %s: %w", module, path, err)
	}
	return spec, nil
}
