package errors

type ExitCode int

const (
	// Bad flags or arguments.
	UsageExitCode ExitCode = 64

	// The server couldn't be reached or kept failing after retries.
	ConnectionFailureExitCode ExitCode = 69

	// The server answered with a 4xx status.
	RequestRejectedExitCode ExitCode = 70

	// The server answered with a 5xx status.
	ServerFailureExitCode ExitCode = 71

	// Startup of the server binary failed: config, store or listener.
	StartupFailureExitCode ExitCode = 78
)
