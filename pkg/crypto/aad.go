package crypto

// Purpose tags bound into every envelope. A blob sealed for one purpose or
// profile never opens under another.
const (
	PurposeVaultDB    = "vault_db"
	PurposeAttachment = "attachment"
	PurposeMasterKey  = "master_key"
	PurposeKeyCheck   = "key_check"
)

// VaultDBAAD scopes the serialized vault image of a profile.
func VaultDBAAD(profileID string) []byte {
	return []byte(PurposeVaultDB + ":" + profileID)
}

// AttachmentAAD scopes a single attachment of a profile.
func AttachmentAAD(profileID, attachmentID string) []byte {
	return []byte(PurposeAttachment + ":" + profileID + ":" + attachmentID)
}

// MasterKeyAAD scopes the password-wrapped master key of a profile.
func MasterKeyAAD(profileID string) []byte {
	return []byte(PurposeMasterKey + ":" + profileID)
}

// KeyCheckAAD scopes the key-check blob of a profile.
func KeyCheckAAD(profileID string) []byte {
	return []byte(PurposeKeyCheck + ":" + profileID)
}
