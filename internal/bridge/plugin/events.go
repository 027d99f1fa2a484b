package plugin

import "encoding/json"

// Events pushed to the host. The "source" field tags every event so the
// gateway can route it to the right application layer.

type resultEvent struct {
	Source string `json:"source"`
	Result string `json:"result"`
}

type errorEvent struct {
	Source    string `json:"source"`
	ErrorCode int    `json:"error_code"`
	Error     string `json:"error"`
}

type slowLinkEvent struct {
	Source string         `json:"source"`
	Result slowLinkResult `json:"result"`
}

type slowLinkResult struct {
	Status  string `json:"status"`
	Bitrate uint64 `json:"bitrate"`
}

type jsepPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func okEventBody() []byte {
	b, _ := json.Marshal(resultEvent{Source: "event", Result: "ok"})
	return b
}

func doneEventBody() []byte {
	b, _ := json.Marshal(resultEvent{Source: "event", Result: "done"})
	return b
}

func errorEventBody(code int, cause string) []byte {
	b, _ := json.Marshal(errorEvent{Source: "event", ErrorCode: code, Error: cause})
	return b
}

func slowLinkEventBody(bitrate uint64) []byte {
	b, _ := json.Marshal(slowLinkEvent{
		Source: "event",
		Result: slowLinkResult{Status: "slow_link", Bitrate: bitrate},
	})
	return b
}

func jsepBody(typ, sdp string) []byte {
	b, _ := json.Marshal(jsepPayload{Type: typ, SDP: sdp})
	return b
}
