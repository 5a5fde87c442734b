package protocol

// Wire layout of the NBD protocol as used by an export-name client.
// For more info, see https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md

const (
	DEFAULT_PORT = 10809

	// Size of the fixed-layout messages, in bytes
	GREETING_SIZE            = 18
	CLIENT_FLAGS_SIZE        = 4
	OPTION_HEADER_SIZE       = 16
	OPTION_REPLY_HEADER_SIZE = 20
	EXPORT_NAME_REPLY_SIZE   = 10
	EXPORT_NAME_RESERVED     = 124
	REQUEST_HEADER_SIZE      = 28
	REPLY_HEADER_SIZE        = 16
)
