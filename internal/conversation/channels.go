package conversation

// LinkStyle is the kind of action attached to the login button.
type LinkStyle string

const (
	LinkStyleSignin  LinkStyle = "signin"
	LinkStyleOpenURL LinkStyle = "openUrl"
)

// CardKind is the card used to carry the login button.
type CardKind string

const (
	CardSignin    CardKind = "signin"
	CardThumbnail CardKind = "thumbnail"
)

// LinkStyleFor returns the login button action type understood by the channel.
func LinkStyleFor(channelID string) LinkStyle {
	switch channelID {
	case "msteams", "cortana":
		return LinkStyleOpenURL
	default:
		return LinkStyleSignin
	}
}

// CardKindFor returns the card type understood by the channel.
func CardKindFor(channelID string) CardKind {
	switch channelID {
	case "msteams", "cortana", "skypeforbusiness":
		return CardThumbnail
	default:
		return CardSignin
	}
}

// CanReceiveText reports whether users on the channel can be asked to type
// a reply. Voice-only channels cannot.
func CanReceiveText(channelID string) bool {
	return channelID != "cortana"
}
