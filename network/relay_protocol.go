package network

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeGetAll        = "get_all"
	TypeSetAll        = "set_all"
	TypePublishOffer  = "publish_offer"
	TypePublishAnswer = "publish_answer"
	TypeTakeOffers    = "take_offers"
	TypeTakeAnswer    = "take_answer"

	TypeSnapshot = "snapshot"
	TypeAck      = "ack"
	TypeSignals  = "signals"
	TypeError    = "error"
)

// ErrRelay indicates the relay answered a request with an error message.
var ErrRelay = errors.New("network: relay rejected request")

// RelayRequest is the single frame a client sends per relay connection.
type RelayRequest struct {
	Type       string            `json:"type"`
	Entries    map[string]string `json:"entries,omitempty"`
	OffererID  string            `json:"offerer_id,omitempty"`
	AnswererID string            `json:"answerer_id,omitempty"`
	SDP        string            `json:"sdp,omitempty"`
}

// RelayResponse is the single frame the relay writes back.
type RelayResponse struct {
	Type    string            `json:"type"`
	Entries map[string]string `json:"entries,omitempty"`
	Signals []SignalMessage   `json:"signals,omitempty"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message,omitempty"`
}

func decodeRelayRequest(payload []byte) (RelayRequest, error) {
	var request RelayRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return RelayRequest{}, fmt.Errorf("decode relay request: %w", err)
	}
	if request.Type == "" {
		return RelayRequest{}, ErrInvalidMessageType
	}
	return request, nil
}

func decodeRelayResponse(payload []byte) (RelayResponse, error) {
	var response RelayResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		return RelayResponse{}, fmt.Errorf("decode relay response: %w", err)
	}
	if response.Type == TypeError {
		return RelayResponse{}, fmt.Errorf("%w: %s: %s", ErrRelay, response.Code, response.Message)
	}
	return response, nil
}

func relayError(code, message string) RelayResponse {
	return RelayResponse{Type: TypeError, Code: code, Message: message}
}
