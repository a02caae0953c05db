package ai

// Wire messages for the realtime voice session. The client sends one
// setup frame, then realtime-input frames with base64 PCM; the server
// answers with a setup confirmation and then content frames carrying
// audio and transcripts.

type setupMessage struct {
	Setup setupPayload `json:"setup"`
}

type setupPayload struct {
	Model             string      `json:"model"`
	SystemInstruction string      `json:"system_instruction,omitempty"`
	AudioIn           audioFormat `json:"audio_in"`
	AudioOut          audioFormat `json:"audio_out"`
}

type audioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtime_input"`
}

type realtimeInput struct {
	Audio inlineAudio `json:"audio"`
}

type inlineAudio struct {
	Data     string `json:"data"` // base64 PCM16
	MimeType string `json:"mime_type"`
}

type serverMessage struct {
	SetupComplete *struct{}      `json:"setup_complete,omitempty"`
	ServerContent *serverContent `json:"server_content,omitempty"`
	Error         *serverError   `json:"error,omitempty"`
	GoAway        *goAwayMessage `json:"go_away,omitempty"`
}

type serverContent struct {
	Audio        string             `json:"audio,omitempty"` // base64 PCM16 at the output rate
	Transcript   *transcriptPayload `json:"transcript,omitempty"`
	TurnComplete bool               `json:"turn_complete,omitempty"`
}

type transcriptPayload struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	Final   bool   `json:"final"`
}

type serverError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type goAwayMessage struct {
	TimeLeftMS int64 `json:"time_left_ms"`
}
