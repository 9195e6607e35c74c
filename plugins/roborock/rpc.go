package roborock

import (
	"encoding/json"
	"errors"
	"fmt"
)

type requestMessage struct {
	Method    string `json:"method"`
	Params    any    `json:"params"`
	RequestID int    `json:"id"`
	Timestamp uint32 `json:"-"`
}

func newRequest(method string, params any) requestMessage {
	if params == nil {
		params = []any{}
	}
	return requestMessage{
		Method:    method,
		Params:    params,
		RequestID: nextInt(10000, 32767),
		Timestamp: nowTimestamp(),
	}
}

type rpcResponse struct {
	RequestID int `json:"id"`
	Result    any `json:"result"`
	Error     any `json:"error"`
}

// value returns the result, or the device's error.
func (r rpcResponse) value() (any, error) {
	if r.Error != nil {
		return nil, fmt.Errorf("device error: %v", r.Error)
	}
	return r.Result, nil
}

// encodeRequestPayload wraps req in the dps envelope used by protocol 1.0 and
// the cloud broker.
func encodeRequestPayload(req requestMessage) ([]byte, error) {
	innerBytes, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	outer := map[string]any{
		"dps": map[string]string{
			"101": string(innerBytes),
		},
		"t": req.Timestamp,
	}
	return json.Marshal(outer)
}

// decodeResponsePayload accepts the dps envelope (key 102, 101 or a lone key,
// value as string or object) as well as a bare {"id","result"} object.
func decodeResponsePayload(payload []byte) (rpcResponse, error) {
	if len(payload) == 0 {
		return rpcResponse{}, errors.New("empty payload")
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(payload, &outer); err != nil {
		return rpcResponse{}, err
	}
	rawDPS, ok := outer["dps"]
	if !ok {
		if _, hasResult := outer["result"]; hasResult {
			return unmarshalResponse(payload)
		}
		if _, hasError := outer["error"]; hasError {
			return unmarshalResponse(payload)
		}
		return rpcResponse{}, fmt.Errorf("invalid dps in payload")
	}

	var dps map[string]json.RawMessage
	if err := json.Unmarshal(rawDPS, &dps); err != nil {
		return rpcResponse{}, fmt.Errorf("invalid dps in payload: %w", err)
	}
	val, ok := dps["102"]
	if !ok {
		val, ok = dps["101"]
	}
	if !ok && len(dps) == 1 {
		for _, v := range dps {
			val, ok = v, true
		}
	}
	if !ok {
		return rpcResponse{}, fmt.Errorf("missing dps 102")
	}

	var nested string
	if err := json.Unmarshal(val, &nested); err == nil {
		return unmarshalResponse([]byte(nested))
	}
	if len(val) > 0 && val[0] == '{' {
		return unmarshalResponse(val)
	}
	return rpcResponse{}, fmt.Errorf("invalid dps response %s", string(val))
}

func unmarshalResponse(data []byte) (rpcResponse, error) {
	var resp rpcResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return rpcResponse{}, err
	}
	return resp, nil
}
