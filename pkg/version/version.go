package version

// Version is the current version of the AI voice connector
const Version = "0.3.1"

// Name identifies the product in User-Agent and Server headers
const Name = "ai-voice-connector"

// UserAgent returns the User-Agent string for outbound HTTP requests
func UserAgent() string {
	return Name + "/" + Version
}

// ServerHeader returns the Server header value for the admin HTTP API
func ServerHeader() string {
	return Name + "/" + Version
}
