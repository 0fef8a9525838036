package monitor

import (
	"defs"
	"svm"
	"vmx"
)

/// Vendor identifies which hardware virtualization extension this core
/// decided, at boot, to run every guest under.
type Vendor int

const (
	VendorNone Vendor = iota
	VendorVMX
	VendorSVM
)

/// SelectVendor probes both extensions and commits to exactly one for
/// the lifetime of the boot, an exclusive choice rather than a per-guest
/// one: mixing VMX and SVM guests on one machine would require the
/// monitor loop, the EPT/NPT fault handlers, and every exit-reason
/// table to carry a vendor tag through every call, for a combination
/// that never occurs on real hardware (a CPU implements one extension,
/// never both). Intel is preferred when both probes succeed, matching
/// this core's own development and test hardware; that tie-break has no
/// behavioral consequence since the shared vmx.Reg/vmx.ExitReason
/// surface makes the two vendors interchangeable to the monitor loop.
func SelectVendor(vmxCPU vmx.CPU_i, svmCPU svm.CPU_i) (Vendor, defs.Err_t) {
	if vmx.Check(vmxCPU) {
		vmx.Enable(vmxCPU)
		return VendorVMX, defs.OK
	}
	if svm.Check(svmCPU) {
		svm.Enable(svmCPU)
		return VendorSVM, defs.OK
	}
	return VendorNone, defs.NotSupported
}
