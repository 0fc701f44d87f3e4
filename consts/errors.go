package consts

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrCorrupt          = errors.New("corrupt queue record")
	ErrInternalError    = errors.New("internal error")
	ErrMalformedMessage = errors.New("malformed message")

	ErrQueueUnknown   = errors.New("unknown queue")
	ErrStorageFailure = errors.New("queue storage failure")

	ErrListUnknown     = errors.New("unknown list")
	ErrChainUnknown    = errors.New("unknown chain")
	ErrPipelineUnknown = errors.New("unknown pipeline")
	ErrRuleUnknown     = errors.New("unknown rule")
	ErrHandlerUnknown  = errors.New("unknown handler")

	ErrHoldNotFound   = errors.New("hold record not found")
	ErrHoldResolved   = errors.New("hold record already resolved")
	ErrS3UploadFailed = errors.New("s3 upload failed")

	ErrSerializationFailed = errors.New("serialization failed")
)
