package vmx

// VmcsField identifies a field within an active VMCS by its hardware-defined
// encoding. Names and numeric values are ported verbatim from the VMX
// architecture (see original_source/mythril/src/vmcs.rs for the reference
// enum this was checked against).
type VmcsField uint64

//nolint:golint
const (
	VirtualProcessorID         VmcsField = 0x00000000
	GuestESSelector            VmcsField = 0x00000800
	GuestCSSelector            VmcsField = 0x00000802
	GuestSSSelector            VmcsField = 0x00000804
	GuestDSSelector            VmcsField = 0x00000806
	GuestFSSelector            VmcsField = 0x00000808
	GuestGSSelector            VmcsField = 0x0000080a
	GuestLDTRSelector          VmcsField = 0x0000080c
	GuestTRSelector            VmcsField = 0x0000080e
	HostESSelector             VmcsField = 0x00000c00
	HostCSSelector             VmcsField = 0x00000c02
	HostSSSelector             VmcsField = 0x00000c04
	HostDSSelector             VmcsField = 0x00000c06
	HostFSSelector             VmcsField = 0x00000c08
	HostGSSelector             VmcsField = 0x00000c0a
	HostTRSelector             VmcsField = 0x00000c0c
	IoBitmapA                  VmcsField = 0x00002000
	IoBitmapB                  VmcsField = 0x00002002
	MsrBitmap                  VmcsField = 0x00002004
	VmExitMsrStoreAddr         VmcsField = 0x00002006
	VmExitMsrLoadAddr          VmcsField = 0x00002008
	VmEntryMsrLoadAddr         VmcsField = 0x0000200a
	TscOffset                  VmcsField = 0x00002010
	VirtualApicPageAddr        VmcsField = 0x00002012
	ApicAccessAddr             VmcsField = 0x00002014
	EptPointer                 VmcsField = 0x0000201a
	GuestPhysicalAddress       VmcsField = 0x00002400
	VmcsLinkPointer            VmcsField = 0x00002800
	GuestIa32Debugctl          VmcsField = 0x00002802
	GuestIa32Efer              VmcsField = 0x00002806
	HostIa32Efer               VmcsField = 0x00002c02
	PinBasedVmExecControl      VmcsField = 0x00004000
	CpuBasedVmExecControl      VmcsField = 0x00004002
	ExceptionBitmap            VmcsField = 0x00004004
	PageFaultErrorCodeMask     VmcsField = 0x00004006
	PageFaultErrorCodeMatch    VmcsField = 0x00004008
	Cr3TargetCount             VmcsField = 0x0000400a
	VmExitControls             VmcsField = 0x0000400c
	VmExitMsrStoreCount        VmcsField = 0x0000400e
	VmExitMsrLoadCount         VmcsField = 0x00004010
	VmEntryControls            VmcsField = 0x00004012
	VmEntryMsrLoadCount        VmcsField = 0x00004014
	VmEntryIntrInfoField       VmcsField = 0x00004016
	VmEntryExceptionErrorCode  VmcsField = 0x00004018
	VmEntryInstructionLen      VmcsField = 0x0000401a
	TprThreshold               VmcsField = 0x0000401c
	SecondaryVmExecControl     VmcsField = 0x0000401e
	VmInstructionError         VmcsField = 0x00004400
	VmExitReason               VmcsField = 0x00004402
	VmExitIntrInfo             VmcsField = 0x00004404
	VmExitIntrErrorCode        VmcsField = 0x00004406
	IdtVectoringInfoField      VmcsField = 0x00004408
	IdtVectoringErrorCode      VmcsField = 0x0000440a
	VmExitInstructionLen       VmcsField = 0x0000440c
	VmxInstructionInfo         VmcsField = 0x0000440e
	GuestESLimit               VmcsField = 0x00004800
	GuestCSLimit               VmcsField = 0x00004802
	GuestSSLimit               VmcsField = 0x00004804
	GuestDSLimit               VmcsField = 0x00004806
	GuestFSLimit               VmcsField = 0x00004808
	GuestGSLimit               VmcsField = 0x0000480a
	GuestLDTRLimit             VmcsField = 0x0000480c
	GuestTRLimit               VmcsField = 0x0000480e
	GuestGdtrLimit             VmcsField = 0x00004810
	GuestIdtrLimit             VmcsField = 0x00004812
	GuestESArBytes             VmcsField = 0x00004814
	GuestCSArBytes             VmcsField = 0x00004816
	GuestSSArBytes             VmcsField = 0x00004818
	GuestDSArBytes             VmcsField = 0x0000481a
	GuestFSArBytes             VmcsField = 0x0000481c
	GuestGSArBytes             VmcsField = 0x0000481e
	GuestLDTRArBytes           VmcsField = 0x00004820
	GuestTRArBytes             VmcsField = 0x00004822
	GuestInterruptibilityInfo  VmcsField = 0x00004824
	GuestActivityState         VmcsField = 0x00004826
	GuestSysenterCS            VmcsField = 0x0000482a
	HostIa32SysenterCs         VmcsField = 0x00004c00
	Cr0GuestHostMask           VmcsField = 0x00006000
	Cr4GuestHostMask           VmcsField = 0x00006002
	Cr0ReadShadow              VmcsField = 0x00006004
	Cr4ReadShadow              VmcsField = 0x00006006
	Cr3TargetValue0            VmcsField = 0x00006008
	ExitQualification          VmcsField = 0x00006400
	GuestLinearAddress         VmcsField = 0x0000640a
	GuestCr0                   VmcsField = 0x00006800
	GuestCr3                   VmcsField = 0x00006802
	GuestCr4                   VmcsField = 0x00006804
	GuestESBase                VmcsField = 0x00006806
	GuestCSBase                VmcsField = 0x00006808
	GuestSSBase                VmcsField = 0x0000680a
	GuestDSBase                VmcsField = 0x0000680c
	GuestFSBase                VmcsField = 0x0000680e
	GuestGSBase                VmcsField = 0x00006810
	GuestLDTRBase              VmcsField = 0x00006812
	GuestTRBase                VmcsField = 0x00006814
	GuestGdtrBase              VmcsField = 0x00006816
	GuestIdtrBase              VmcsField = 0x00006818
	GuestDr7                   VmcsField = 0x0000681a
	GuestRsp                   VmcsField = 0x0000681c
	GuestRip                   VmcsField = 0x0000681e
	GuestRflags                VmcsField = 0x00006820
	GuestSysenterEsp           VmcsField = 0x00006824
	GuestSysenterEip           VmcsField = 0x00006826
	HostCr0                    VmcsField = 0x00006c00
	HostCr3                    VmcsField = 0x00006c02
	HostCr4                    VmcsField = 0x00006c04
	HostFSBase                 VmcsField = 0x00006c06
	HostGSBase                 VmcsField = 0x00006c08
	HostTRBase                 VmcsField = 0x00006c0a
	HostGdtrBase               VmcsField = 0x00006c0c
	HostIdtrBase               VmcsField = 0x00006c0e
	HostIa32SysenterEsp        VmcsField = 0x00006c10
	HostIa32SysenterEip        VmcsField = 0x00006c12
	HostRsp                    VmcsField = 0x00006c14
	HostRip                    VmcsField = 0x00006c16
)

// PinBasedCtrlFlags are bits of PinBasedVmExecControl.
type PinBasedCtrlFlags uint32

const (
	PinExtIntrExiting PinBasedCtrlFlags = 1 << 0
	PinNmiExiting     PinBasedCtrlFlags = 1 << 3
	PinVirtualNmis    PinBasedCtrlFlags = 1 << 5
)

// CpuBasedCtrlFlags are bits of CpuBasedVmExecControl.
type CpuBasedCtrlFlags uint32

const (
	CpuInterruptWindowExiting CpuBasedCtrlFlags = 1 << 2
	CpuUnconditionalIoExiting CpuBasedCtrlFlags = 1 << 24
	CpuActivateMsrBitmap      CpuBasedCtrlFlags = 1 << 28
	CpuActivateSecondary      CpuBasedCtrlFlags = 1 << 31
)

// SecondaryExecFlags are bits of SecondaryVmExecControl.
type SecondaryExecFlags uint32

const (
	SecVirtualizeApicAccesses SecondaryExecFlags = 1 << 0
	SecEnableEpt              SecondaryExecFlags = 1 << 1
	SecEnableVpid              SecondaryExecFlags = 1 << 5
	SecUnrestrictedGuest       SecondaryExecFlags = 1 << 7
	SecEnableInvpcid           SecondaryExecFlags = 1 << 12
)

// VmExitCtrlFlags are bits of VmExitControls.
type VmExitCtrlFlags uint32

const (
	ExitIa32eMode      VmExitCtrlFlags = 1 << 9
	ExitAckIntrOnExit  VmExitCtrlFlags = 1 << 15
	ExitSaveGuestEfer  VmExitCtrlFlags = 1 << 20
	ExitLoadHostEfer   VmExitCtrlFlags = 1 << 21
)

// VmEntryCtrlFlags are bits of VmEntryControls.
type VmEntryCtrlFlags uint32

const (
	EntryLoadGuestEfer VmEntryCtrlFlags = 1 << 15
)

// InterruptibilityState are bits of GuestInterruptibilityInfo.
type InterruptibilityState uint32

const (
	IntrStiBlocking          InterruptibilityState = 1 << 0
	IntrMovSsBlocking        InterruptibilityState = 1 << 1
	IntrSmiBlocking          InterruptibilityState = 1 << 2
	IntrNmiBlocking          InterruptibilityState = 1 << 3
	IntrEnclaveInterruption  InterruptibilityState = 1 << 4
)

// ActivityState is the GuestActivityState VMCS field.
type ActivityState uint32

const (
	ActivityActive       ActivityState = 0
	ActivityHlt          ActivityState = 1
	ActivityShutdown     ActivityState = 2
	ActivityWaitForSipi  ActivityState = 3
)

// MSR addresses used for fixed-bit control-field writes and host state
// capture, per the Intel SDM and original_source/mythril/src/vcpu.rs.
const (
	MsrIa32VmxBasic       = 0x480
	MsrIa32VmxCr0Fixed0   = 0x486
	MsrIa32VmxCr0Fixed1   = 0x487
	MsrIa32VmxCr4Fixed0   = 0x488
	MsrIa32VmxCr4Fixed1   = 0x489
	MsrIa32VmxPinbasedCtls = 0x481
	MsrIa32VmxProcbasedCtls = 0x482
	MsrIa32VmxExitCtls    = 0x483
	MsrIa32VmxEntryCtls   = 0x484
	MsrIa32VmxProcbasedCtls2 = 0x48b
	MsrIa32Efer           = 0xc0000080
	MsrIa32FsBase         = 0xc0000100
	MsrIa32GsBase         = 0xc0000101
	MsrIa32ApicBase       = 0x1b
)
