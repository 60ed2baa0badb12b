package payload

import "fmt"

// ErrorCode identifies a failure reported into the payload state machine by
// the downloader, the payload applier, or the update-check layer. The set is
// closed: every code has exactly one entry in faultActions, and the
// classification test walks the whole value space, so adding a code without
// classifying it fails the build's test run.
type ErrorCode int

const (
	CodeSuccess ErrorCode = iota
	CodeError
	CodeOmahaRequestError
	CodeOmahaResponseHandlerError
	CodeFilesystemCopierError
	CodePostinstallRunnerError
	CodePayloadMismatchedType
	CodeInstallDeviceOpenError
	CodeKernelDeviceOpenError
	CodeDownloadTransferError
	CodePayloadHashMismatch
	CodePayloadSizeMismatch
	CodeDownloadPayloadVerificationError
	CodeDownloadNewPartitionInfoError
	CodeDownloadWriteError
	CodeNewRootfsVerificationError
	CodeNewKernelVerificationError
	CodeSignedDeltaPayloadExpected
	CodeDownloadPayloadPubKeyVerificationError
	CodePostinstallBootedFromFirmwareB
	CodeDownloadStateInitializationError
	CodeDownloadInvalidMetadataMagicString
	CodeDownloadSignatureMissingInManifest
	CodeDownloadManifestParseError
	CodeDownloadMetadataSignatureError
	CodeDownloadMetadataSignatureVerificationError
	CodeDownloadMetadataSignatureMismatch
	CodeDownloadOperationHashVerificationError
	CodeDownloadOperationExecutionError
	CodeDownloadOperationHashMismatch
	CodeOmahaRequestEmptyResponseError
	CodeOmahaRequestXMLParseError
	CodeDownloadInvalidMetadataSize
	CodeDownloadInvalidMetadataSignature
	CodeOmahaResponseInvalid
	CodeOmahaUpdateIgnoredPerPolicy
	CodeOmahaUpdateDeferredPerPolicy
	CodeOmahaErrorInHTTPResponse
	CodeDownloadOperationHashMissingError
	CodeDownloadMetadataSignatureMissingError
	CodeOmahaUpdateDeferredForBackoff
	CodePostinstallPowerwashError
	CodeUpdateCanceledByChannelChange

	// Aggregate markers and reporting flags; never valid failure inputs.
	CodeUmaReportedMax
	CodeDevModeFlag
	CodeResumedFlag
	CodeTestImageFlag
	CodeTestOmahaURLFlag

	numErrorCodes
)

var errorCodeNames = map[ErrorCode]string{
	CodeSuccess:                                    "Success",
	CodeError:                                      "Error",
	CodeOmahaRequestError:                          "OmahaRequestError",
	CodeOmahaResponseHandlerError:                  "OmahaResponseHandlerError",
	CodeFilesystemCopierError:                      "FilesystemCopierError",
	CodePostinstallRunnerError:                     "PostinstallRunnerError",
	CodePayloadMismatchedType:                      "PayloadMismatchedType",
	CodeInstallDeviceOpenError:                     "InstallDeviceOpenError",
	CodeKernelDeviceOpenError:                      "KernelDeviceOpenError",
	CodeDownloadTransferError:                      "DownloadTransferError",
	CodePayloadHashMismatch:                        "PayloadHashMismatch",
	CodePayloadSizeMismatch:                        "PayloadSizeMismatch",
	CodeDownloadPayloadVerificationError:           "DownloadPayloadVerificationError",
	CodeDownloadNewPartitionInfoError:              "DownloadNewPartitionInfoError",
	CodeDownloadWriteError:                         "DownloadWriteError",
	CodeNewRootfsVerificationError:                 "NewRootfsVerificationError",
	CodeNewKernelVerificationError:                 "NewKernelVerificationError",
	CodeSignedDeltaPayloadExpected:                 "SignedDeltaPayloadExpected",
	CodeDownloadPayloadPubKeyVerificationError:     "DownloadPayloadPubKeyVerificationError",
	CodePostinstallBootedFromFirmwareB:             "PostinstallBootedFromFirmwareB",
	CodeDownloadStateInitializationError:           "DownloadStateInitializationError",
	CodeDownloadInvalidMetadataMagicString:         "DownloadInvalidMetadataMagicString",
	CodeDownloadSignatureMissingInManifest:         "DownloadSignatureMissingInManifest",
	CodeDownloadManifestParseError:                 "DownloadManifestParseError",
	CodeDownloadMetadataSignatureError:             "DownloadMetadataSignatureError",
	CodeDownloadMetadataSignatureVerificationError: "DownloadMetadataSignatureVerificationError",
	CodeDownloadMetadataSignatureMismatch:          "DownloadMetadataSignatureMismatch",
	CodeDownloadOperationHashVerificationError:     "DownloadOperationHashVerificationError",
	CodeDownloadOperationExecutionError:            "DownloadOperationExecutionError",
	CodeDownloadOperationHashMismatch:              "DownloadOperationHashMismatch",
	CodeOmahaRequestEmptyResponseError:             "OmahaRequestEmptyResponseError",
	CodeOmahaRequestXMLParseError:                  "OmahaRequestXMLParseError",
	CodeDownloadInvalidMetadataSize:                "DownloadInvalidMetadataSize",
	CodeDownloadInvalidMetadataSignature:           "DownloadInvalidMetadataSignature",
	CodeOmahaResponseInvalid:                       "OmahaResponseInvalid",
	CodeOmahaUpdateIgnoredPerPolicy:                "OmahaUpdateIgnoredPerPolicy",
	CodeOmahaUpdateDeferredPerPolicy:               "OmahaUpdateDeferredPerPolicy",
	CodeOmahaErrorInHTTPResponse:                   "OmahaErrorInHTTPResponse",
	CodeDownloadOperationHashMissingError:          "DownloadOperationHashMissingError",
	CodeDownloadMetadataSignatureMissingError:      "DownloadMetadataSignatureMissingError",
	CodeOmahaUpdateDeferredForBackoff:              "OmahaUpdateDeferredForBackoff",
	CodePostinstallPowerwashError:                  "PostinstallPowerwashError",
	CodeUpdateCanceledByChannelChange:              "UpdateCanceledByChannelChange",
	CodeUmaReportedMax:                             "UmaReportedMax",
	CodeDevModeFlag:                                "DevModeFlag",
	CodeResumedFlag:                                "ResumedFlag",
	CodeTestImageFlag:                              "TestImageFlag",
	CodeTestOmahaURLFlag:                           "TestOmahaURLFlag",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// recoveryAction is what the state machine does about a classified fault.
type recoveryAction int

const (
	// actionAdvanceURL rotates to the next payload URL: the current
	// URL/proxy/protocol entity is suspected of serving bad bytes.
	actionAdvanceURL recoveryAction = iota

	// actionRetrySameURL keeps the current URL but charges it a failure;
	// enough consecutive failures advance the URL anyway.
	actionRetrySameURL

	// actionIgnore leaves URL state untouched: the fault is not
	// attributable to the payload URL.
	actionIgnore

	// actionWarn flags codes that should never reach the failure path.
	actionWarn
)

// faultActions gives every ErrorCode exactly one recovery action. The
// classification test iterates all codes below numErrorCodes and fails on
// any missing entry, which is what keeps this table exhaustive as codes are
// added.
var faultActions = map[ErrorCode]recoveryAction{
	// Payload corruption family: the bytes or their metadata were wrong,
	// so the serving entity is suspect.
	CodePayloadHashMismatch:                        actionAdvanceURL,
	CodePayloadSizeMismatch:                        actionAdvanceURL,
	CodePayloadMismatchedType:                      actionAdvanceURL,
	CodeDownloadPayloadVerificationError:           actionAdvanceURL,
	CodeDownloadPayloadPubKeyVerificationError:     actionAdvanceURL,
	CodeSignedDeltaPayloadExpected:                 actionAdvanceURL,
	CodeDownloadInvalidMetadataMagicString:         actionAdvanceURL,
	CodeDownloadInvalidMetadataSize:                actionAdvanceURL,
	CodeDownloadInvalidMetadataSignature:           actionAdvanceURL,
	CodeDownloadSignatureMissingInManifest:         actionAdvanceURL,
	CodeDownloadManifestParseError:                 actionAdvanceURL,
	CodeDownloadMetadataSignatureError:             actionAdvanceURL,
	CodeDownloadMetadataSignatureVerificationError: actionAdvanceURL,
	CodeDownloadMetadataSignatureMismatch:          actionAdvanceURL,
	CodeDownloadMetadataSignatureMissingError:      actionAdvanceURL,
	CodeDownloadOperationHashVerificationError:     actionAdvanceURL,
	CodeDownloadOperationExecutionError:            actionAdvanceURL,
	CodeDownloadOperationHashMismatch:              actionAdvanceURL,
	CodeDownloadOperationHashMissingError:          actionAdvanceURL,
	CodeNewRootfsVerificationError:                 actionAdvanceURL,
	CodeNewKernelVerificationError:                 actionAdvanceURL,

	// Transient network family: the URL may still be the best one.
	CodeError:                            actionRetrySameURL,
	CodeDownloadTransferError:            actionRetrySameURL,
	CodeDownloadWriteError:               actionRetrySameURL,
	CodeDownloadStateInitializationError: actionRetrySameURL,
	CodeOmahaErrorInHTTPResponse:         actionRetrySameURL,

	// Faults outside the download path: not the URL's fault.
	CodeOmahaRequestError:              actionIgnore,
	CodeOmahaResponseHandlerError:      actionIgnore,
	CodeOmahaRequestEmptyResponseError: actionIgnore,
	CodeOmahaRequestXMLParseError:      actionIgnore,
	CodeOmahaResponseInvalid:           actionIgnore,
	CodeOmahaUpdateIgnoredPerPolicy:    actionIgnore,
	CodeOmahaUpdateDeferredPerPolicy:   actionIgnore,
	CodeOmahaUpdateDeferredForBackoff:  actionIgnore,
	CodePostinstallRunnerError:         actionIgnore,
	CodePostinstallBootedFromFirmwareB: actionIgnore,
	CodePostinstallPowerwashError:      actionIgnore,
	CodeFilesystemCopierError:          actionIgnore,
	CodeInstallDeviceOpenError:         actionIgnore,
	CodeKernelDeviceOpenError:          actionIgnore,
	CodeDownloadNewPartitionInfoError:  actionIgnore,
	CodeUpdateCanceledByChannelChange:  actionIgnore,

	// Sentinels: not failures at all.
	CodeSuccess:          actionWarn,
	CodeUmaReportedMax:   actionWarn,
	CodeDevModeFlag:      actionWarn,
	CodeResumedFlag:      actionWarn,
	CodeTestImageFlag:    actionWarn,
	CodeTestOmahaURLFlag: actionWarn,
}

func classify(code ErrorCode) recoveryAction {
	action, ok := faultActions[code]
	if !ok {
		// Unreachable when the classification test passes; treat an
		// unknown code like a sentinel rather than churn URL state.
		return actionWarn
	}
	return action
}
