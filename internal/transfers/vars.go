package transfers

// Channel variables written on every leg.
const (
	varTransferID   = "TRANSFER_ID"
	varTransferRole = "TRANSFER_ROLE"
)

// Store keys. The store is shared with other consumers of the engine's
// globals, so every key carries the TRANSFERD_ prefix.
const (
	keyIndex          = "TRANSFERD_TRANSFERS"
	keyTransferPrefix = "TRANSFERD_TRANSFER_"
	keyBridgePrefix   = "TRANSFERD_BRIDGE_"
	keyLockTarget     = "TRANSFERD_HANGUP_LOCK_TARGET_"
	keyLockSource     = "TRANSFERD_HANGUP_LOCK_SOURCE_"
	keyLockRegistry   = "TRANSFERD_HANGUP_LOCKS"
)

func transferKey(id string) string { return keyTransferPrefix + id }

func bridgeKey(bridgeID string) string { return keyBridgePrefix + bridgeID }

func lockTargetKey(bridgeID string) string { return keyLockTarget + bridgeID }

func lockSourceKey(channelID string) string { return keyLockSource + channelID }

// Stasis application arguments: ["transfer", <sub-app>, <transfer id>].
const (
	stasisApp             = "transfer"
	subAppCreateTransfer  = "create_transfer"
	subAppRecipientCalled = "transfer_recipient_called"
)
