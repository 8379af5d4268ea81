package ai

import "errors"

// Description requests fail with one of these, wrapped with detail.
var (
	// ErrUnknownProvider is returned by NewDescriber for an unsupported AI_PROVIDER.
	ErrUnknownProvider = errors.New("unknown AI provider")
	// ErrProviderUnavailable covers transport failures and non-200 replies.
	ErrProviderUnavailable = errors.New("description provider unavailable")
	ErrInferenceTimeout    = errors.New("description request timed out")
	// ErrInvalidResponse means the reply carried no usable description.
	ErrInvalidResponse = errors.New("description provider returned no usable text")
)
