package ledger

const (
	operationDeposit  = "deposit"
	operationTransfer = "transfer"
	operationConfirm  = "confirm_pending"
	operationRefund   = "refund"
	operationActivate = "set_active"
	operationVoid     = "void_transaction"
	operationSetPin   = "set_pin"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	errorOperationService = "service"
	errorSubjectRetry     = "retry"
	errorCodeExhausted    = "exhausted"

	idempotencyKeyDelimiter  = ":"
	idempotencySuffixPayment = "payment"
	idempotencySuffixConfirm = "confirm"
	idempotencySuffixRefund  = "refund"
	metadataKeyMemo          = "memo"
	metadataKeyReason        = "reason"

	defaultMaxAttempts = 3
	minPinLength       = 4
	maxPinLength       = 6
)
