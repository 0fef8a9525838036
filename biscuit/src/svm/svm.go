// Package svm mirrors vmx for AMD-V: the same guest-register and
// canonical-exit-reason surface, backed by a VMCB instead of a VMCS.
// Grounded on sys/dev/svm_drv.c for the feature-probe/enable sequence
// (CPUID 0x8000_0001 SVM bit, MSR_VM_CR, MSR_EFER.SVME,
// MSR_VM_HSAVE_PA) and on vmx.c's exit/register model for the shared
// vendor-neutral surface, since the monitor loop must not care which
// vendor a given guest runs under.
package svm

import (
	"defs"
	"ept"
	"vmx"
)

const (
	cpuidFeatureFunc   = 0x80000001
	cpuidSVMFeature    = 1 << 2
	cpuidSVMFeatureFn  = 0x8000000a
	cpuidSVMLocked     = 1 << 2
	msrVMCR            = 0xc0010114
	msrVMCRSVMDis      = 1 << 4
	msrEFER            = 0xc0000080
	msrEFERSvme        = 1 << 12
	msrVMHsavePA       = 0xc0010117
)

/// CPU_i abstracts the CPUID/RDMSR/WRMSR primitives svm needs to probe
/// and enable the extension, the AMD analogue of vmx's VMCS_i
/// collaborator.
type CPU_i interface {
	CPUID(leaf uint32) (eax, ebx, ecx, edx uint32)
	RDMSR(msr uint32) uint64
	WRMSR(msr uint32, val uint64)
}

/// Check reports whether the processor supports SVM, mirroring
/// svm_check in svm_drv.c: first the CPUID feature bit, then (if
/// MSR_VM_CR.SVMDIS is set) whether the BIOS lock explains why it is
/// disabled.
func Check(cpu CPU_i) bool {
	_, _, _, edx := cpu.CPUID(cpuidFeatureFunc)
	if edx&cpuidSVMFeature == 0 {
		return false
	}
	if cpu.RDMSR(msrVMCR)&msrVMCRSVMDis == 0 {
		return true
	}
	_, _, _, edx = cpu.CPUID(cpuidSVMFeatureFn)
	// whether locked by BIOS or disabled with a key, either way SVM is
	// unavailable to us, matching svm_check's own always-false tail.
	_ = edx & cpuidSVMLocked
	return false
}

/// Enable sets MSR_EFER.SVME, mirroring svm_enable.
func Enable(cpu CPU_i) {
	efer := cpu.RDMSR(msrEFER)
	efer |= msrEFERSvme
	cpu.WRMSR(msrEFER, efer)
}

/// HostSaveArea is the per-CPU host-state save page programmed into
/// MSR_VM_HSAVE_PA, mirroring svm_drv_init's hsave_area.
type HostSaveArea [defs.PAGESIZE]byte

/// Init probes for SVM support, enables it, and programs the host-save
/// area. Returns NotSupported if the processor lacks SVM.
func Init(cpu CPU_i, hsave *HostSaveArea, hsavePhys uint64) defs.Err_t {
	if !Check(cpu) {
		return defs.NotSupported
	}
	Enable(cpu)
	for i := range hsave {
		hsave[i] = 0
	}
	cpu.WRMSR(msrVMHsavePA, hsavePhys)
	return defs.OK
}

/// VMCB_i abstracts VMCB control/state-area field read/write, the SVM
/// analogue of vmx.VMCS_i.
type VMCB_i interface {
	Read(field uint32) uint64
	Write(field uint32, val uint64)
}

const (
	vmcbRip     = 0x178
	vmcbRsp     = 0x1d8
	vmcbRflags  = 0x170
	vmcbExitCode = 0x70
	vmcbExitInfo1 = 0x78
	vmcbExitInfo2 = 0x80
)

/// Vmcb_t is one guest vCPU's SVM-managed state, the AMD counterpart to
/// vmx.Vmx_t. It exposes the same canonical vmx.Reg/vmx.ExitReason
/// surface so the monitor loop's demultiplexing code is vendor-agnostic.
type Vmcb_t struct {
	vmcb VMCB_i
	Ept  *ept.Table_t

	Rax, Rbx, Rcx, Rdx, Rsi, Rdi, Rbp uint64
}

/// New constructs a guest vCPU bound to vmcb and backed by eptTable
/// (nested page tables, in AMD terminology — this core reuses the same
/// ept.Table_t structure for both vendors).
func New(vmcb VMCB_i, eptTable *ept.Table_t) *Vmcb_t {
	return &Vmcb_t{vmcb: vmcb, Ept: eptTable}
}

// svmExitTable canonicalizes raw SVM #VMEXIT codes into the same
// vmx.ExitReason space the monitor loop already switches on.
var svmExitTable = map[uint64]vmx.ExitReason{
	0x60: vmx.ExitForExtIntr,
	0x72: vmx.ExitForCPUID,
	0x6e: vmx.ExitForRDTSC,
	0x81: vmx.ExitForVMCALL,
	0x7b: vmx.ExitForIOPort,
	0x6c: vmx.ExitForRDMSR,
	0x7c: vmx.ExitForWRMSR,
	0x4e:  vmx.ExitForPgFlt,
	0x78:  vmx.ExitForInvalInstr,
	0x400: vmx.ExitForPgFlt, // #NPF
}

/// GetExitReason canonicalizes the raw VMCB exit code.
func (v *Vmcb_t) GetExitReason() (vmx.ExitReason, defs.Err_t) {
	raw := v.vmcb.Read(vmcbExitCode)
	r, ok := svmExitTable[raw]
	if !ok {
		return vmx.ExitForInval, defs.NotSupported
	}
	return r, defs.OK
}

/// GetReg reads one of the shared canonical registers.
func (v *Vmcb_t) GetReg(reg vmx.Reg) uint64 {
	switch reg {
	case vmx.RegEax:
		return v.Rax
	case vmx.RegEbx:
		return v.Rbx
	case vmx.RegEcx:
		return v.Rcx
	case vmx.RegEdx:
		return v.Rdx
	case vmx.RegEsi:
		return v.Rsi
	case vmx.RegEdi:
		return v.Rdi
	case vmx.RegEbp:
		return v.Rbp
	case vmx.RegEip:
		return v.vmcb.Read(vmcbRip)
	case vmx.RegEsp:
		return v.vmcb.Read(vmcbRsp)
	case vmx.RegEflags:
		return v.vmcb.Read(vmcbRflags)
	default:
		panic("unhandled register")
	}
}

/// IOPort decodes the port targeted by an IOIO #VMEXIT from
/// EXITINFO1, the SVM analogue of vmx's exit-qualification decode.
func (v *Vmcb_t) IOPort() uint16 {
	return uint16(v.vmcb.Read(vmcbExitInfo1) >> 16)
}
