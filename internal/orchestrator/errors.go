package orchestrator

import "errors"

// Error kinds the orchestrator distinguishes, per spec §7. Cancellation is
// represented by context.Canceled directly rather than a distinct sentinel.
var (
	// ErrClientProtocol marks a malformed or unknown inbound message.
	ErrClientProtocol = errors.New("orchestrator: malformed client message")

	// ErrTransientProvider marks a provider or tool subprocess failure that
	// survived its retry budget.
	ErrTransientProvider = errors.New("orchestrator: provider request failed")

	// ErrFatalContext marks an engine construction failure during a config
	// switch; the switch is aborted and the previous context remains usable.
	ErrFatalContext = errors.New("orchestrator: context construction failed")
)
