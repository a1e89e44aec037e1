package oauth

const (
	// Flash cookie configuration
	flashSessionName = "civitas_flash"
	flashMaxAge      = 5 * 60 // seconds

	// Minimum security requirements
	MinCookieSecretLength = 32 // bytes

	maxHandleLength = 253
)
