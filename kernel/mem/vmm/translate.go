package vmm

import (
	"github.com/HTRMC/Graphene-Kernel/kernel"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem/pmm"
)

// Translate returns the physical address that corresponds to vaddr under
// root's page tables, or ErrInvalidMapping if vaddr is not mapped.
func Translate(root pmm.Frame, vaddr uintptr) (uintptr, *kernel.Error) {
	pte, err := pteForAddress(root, vaddr)
	if err != nil {
		return 0, err
	}

	offset := vaddr & (1<<pageLevelShifts[pageLevels-1] - 1)
	return pte.Frame().Address() + offset, nil
}
