package rpc

// ClientInfo describes the connecting edge client, carried inside the
// registration call's ConnectionOptions.
type ClientInfo struct {
	ClientID [16]byte
	Version  string
	Arch     string
}

// ConnectionOptions carries per-attempt registration flags.
type ConnectionOptions struct {
	ReplaceExisting    bool
	CompressionQuality uint8
	PrevAttempts       uint8
	Client             ClientInfo
}

// RegistrationParams is everything encode_register needs to build the
// Call's params payload.
type RegistrationParams struct {
	ConnIndex     uint8
	AccountTag    string
	TunnelSecret  []byte
	TunnelID      [16]byte
	Options       ConnectionOptions
}

// RegistrationResult is the decoded outcome of a Return reply to the
// registration Call.
type RegistrationResult struct {
	Success        bool
	TunnelIsRemote bool
	UUID           string
	Location       string

	Error        string
	ShouldRetry  bool
	RetryAfterNs int64
}
