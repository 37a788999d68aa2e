package nfc

// NCI configuration parameter IDs used with CORE_SET_CONFIG
const (
	ParamTotalDuration = 0x00

	ParamLABitFrameSDD  = 0x30
	ParamLAPlatformCfg  = 0x31
	ParamLASelInfo      = 0x32
	ParamLANFCID1       = 0x33
	ParamLBSensBInfo    = 0x38
	ParamLBNFCID0       = 0x39
	ParamLBAppData      = 0x3A
	ParamLBSFGI         = 0x3B
	ParamLBADCFO        = 0x3C
	ParamLFT3TID1       = 0x40
	ParamLFProtocol     = 0x50
	ParamLFT3TPMM       = 0x51
	ParamLFT3TMax       = 0x52
	ParamLFT3TFlags2    = 0x53
	ParamLFConBitrF     = 0x54
	ParamLIFWI          = 0x58
	ParamLAHistBytes    = 0x59
	ParamLBHInfo        = 0x5A
	ParamWT             = 0x60
	ParamATRResGenBytes = 0x61
	ParamATRRspConfig   = 0x62
)

// Parameter values
const (
	PlatformT1T      = 0x0C
	SelInfoISODEP    = 0x20
	SelInfoNFCDEP    = 0x40
	ListenProtoISO   = 0x01
	ListenProtoNFC   = 0x02
	LABitFrameSDDDH  = 0x04
	T3TFlagsDisabled = 0x0000

	// MaxT3TIdentifiers is the number of LF_T3T_IDn slots
	MaxT3TIdentifiers = 16
	SystemCodeLen     = 2
	NFCID2Len         = 8
	T3TPMMLen         = 8
	LBAppDataLen      = 4
)
