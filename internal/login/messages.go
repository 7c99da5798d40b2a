package login

const (
	msgLoginPrompt   = "Please login to this bot"
	msgLoginButton   = "Authentication Required"
	msgNoKeyRequired = "Got your token, no security key is required"
	msgEnterKey      = "Please enter your security key"
	msgKeyMatches    = "Security key matches"
	msgKeyGuidance   = "Sorry, I didn't understand you.  Enter your security key, or 'cancel' to abort, or 'retry' to get a new authentication link."
	msgCancelled     = "Cancelled"
	msgLoginFailed   = "Sorry, something went wrong while logging you in."
)
