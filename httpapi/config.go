package httpapi

// Config defines HTTP API settings.
type Config struct {
	Addr     string
	BasePath string
	// AllowedOrigins lists origins accepted on the websocket endpoint.
	// Empty allows same-host requests only; "*" allows any origin.
	AllowedOrigins []string
}
