// internal/messaging/invite.go
package messaging

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Invite text form: COLONY_INVITE:<hex colony_id>:<hex group_key>:<name>.
// Sent in-band as a plain DATA payload or shared out-of-band. A node with
// AutoJoinInvites set joins when such a payload reaches it unencrypted;
// invites inside channel-encrypted payloads are not recognised.
const invitePrefix = "COLONY_INVITE:"

// FormatInvite renders key material as an invite string.
func FormatInvite(km KeyMaterial) string {
	return invitePrefix + km.ColonyID.Hex() + ":" + hex.EncodeToString(km.GroupKey) + ":" + km.Name
}

// Invite renders this colony's key material as an invite string.
func (c *Colony) Invite() string {
	return FormatInvite(c.KeyMaterial())
}

// IsInvite reports whether a payload looks like an invite.
func IsInvite(payload []byte) bool {
	return len(payload) > len(invitePrefix) && strings.HasPrefix(string(payload), invitePrefix)
}

// ParseInvite recovers key material from an invite string. The embedded id
// is checked against the key.
func ParseInvite(payload []byte) (KeyMaterial, error) {
	s := string(payload)
	if !strings.HasPrefix(s, invitePrefix) {
		return KeyMaterial{}, fmt.Errorf("not an invite")
	}
	parts := strings.SplitN(s[len(invitePrefix):], ":", 3)
	if len(parts) != 3 {
		return KeyMaterial{}, fmt.Errorf("malformed invite")
	}
	idBytes, err := hex.DecodeString(parts[0])
	if err != nil || len(idBytes) != ColonyIDSize {
		return KeyMaterial{}, fmt.Errorf("malformed invite id")
	}
	key, err := hex.DecodeString(parts[1])
	if err != nil || len(key) != GroupKeySize {
		return KeyMaterial{}, fmt.Errorf("malformed invite key")
	}
	var id ColonyID
	copy(id[:], idBytes)
	if DeriveColonyID(key) != id {
		return KeyMaterial{}, fmt.Errorf("invite id does not match key")
	}
	return KeyMaterial{ColonyID: id, GroupKey: key, Name: parts[2]}, nil
}
