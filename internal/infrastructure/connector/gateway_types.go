package connector

// GatewayResponse is the envelope every gateway sync call returns
type GatewayResponse struct {
	Code      int              `json:"code"`
	Message   string           `json:"message,omitempty"`
	RequestID string           `json:"request_id,omitempty"`
	Data      *GatewaySyncData `json:"data,omitempty"`
}

// IsSuccess returns true if the response indicates success
func (r *GatewayResponse) IsSuccess() bool {
	return r.Code == 0
}

// GatewaySyncData reports what the gateway refreshed
type GatewaySyncData struct {
	Total     int              `json:"total"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Details   map[string]int64 `json:"details,omitempty"`
}

// Gateway response codes with special meaning
const (
	GatewayCodeRateLimited = 429
	GatewayCodeUnavailable = 503
)
