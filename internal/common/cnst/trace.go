package cnst

// Log field keys shared with span attributes
const (
	AttrClientAddr = "client.remote_addr"
)
