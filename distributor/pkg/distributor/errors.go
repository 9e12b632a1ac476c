package distributor

import "errors"

var (
	// ErrNothingToSend is returned by an assembler when every recipient of a
	// batch was excluded and no transaction is needed.
	ErrNothingToSend = errors.New("nothing to send")

	// ErrHalted is returned by Run when a batch could not be confirmed and
	// the run stopped. The checkpoint is left in place for a resume.
	ErrHalted = errors.New("distribution halted")

	ErrBlockhashExpired    = errors.New("blockhash expired before confirmation")
	ErrConfirmationTimeout = errors.New("timed out waiting for confirmation")
	ErrTransactionFailed   = errors.New("transaction failed on chain")
	ErrTransactionTooLarge = errors.New("transaction exceeds maximum size")
)
