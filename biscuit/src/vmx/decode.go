package vmx

import (
	"golang.org/x/arch/x86/x86asm"

	"klog"
)

/// CheckNextEip decodes the instruction bytes at the current guest RIP
/// (fetched by the caller through the EPT-backed guest-physical map)
/// and cross-checks its length against the VM-exit instruction-length
/// field GetNextEip() relies on, logging a mismatch rather than
/// correcting it — GetNextEip() is authoritative, this is a diagnostic
/// aid enabled only when klog.Debug is set, mirroring vmx.c's own
/// comment that trusting the hardware-reported length is simpler and
/// faster than re-decoding on every exit.
func (v *Vmx_t) CheckNextEip(instrBytes []byte) {
	if !klog.Debug {
		return
	}
	inst, err := x86asm.Decode(instrBytes, 32)
	if err != nil {
		klog.Trace("could not decode guest instruction at eip=%#x: %v", v.GetReg(RegEip), err)
		return
	}
	hwLen := v.vmcs.Read(vmcsExitInstrLen)
	if uint64(inst.Len) != hwLen {
		klog.Trace("decoded instruction length %d != VMCS exit-instruction-length %d at eip=%#x (%s)",
			inst.Len, hwLen, v.GetReg(RegEip), x86asm.GNUSyntax(inst, uint64(v.GetReg(RegEip)), nil))
	}
}
