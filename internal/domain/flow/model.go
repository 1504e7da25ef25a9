package flow

// Flow is the declarative configuration of one audio transport
// pipeline: inputs → processing engine → transport outputs, with
// optional automation (GPIO) carried alongside the audio.
type Flow struct {
	ID         string            `json:"id"`      // immutable once created
	Name       string            `json:"name"`    //
	Enabled    bool              `json:"enabled"` //
	Inputs     []Input           `json:"inputs"`  // ordered by priority
	Processing ProcessingSpec    `json:"processing"`
	Outputs    []TransportOutput `json:"outputs"`         // index-aligned with pipe endpoints
	Input      *TransportInput   `json:"transport_input"` // nullable (decode direction)
	Metadata   MetadataSpec      `json:"metadata"`
}

// Input is one audio source feeding the processing engine.
type Input struct {
	Type       string `json:"type"`   // "alsa", "usb", "inferno", "srt", "file"
	Device     string `json:"device"` // device name for alsa/usb/inferno
	URL        string `json:"url"`    // srt inputs
	FilePath   string `json:"file_path"`
	Channels   int    `json:"channels"`
	SampleRate int    `json:"sample_rate"`
	Priority   int    `json:"priority"` // 1 = highest
	Fallback   bool   `json:"fallback"`
}

// ProcessingSpec configures the external processing engine. The engine
// itself is a black box; these knobs only shape the generated script.
type ProcessingSpec struct {
	PresetID           string  `json:"preset_id"` // empty = no preset processing
	SilenceThresholdDB float64 `json:"silence_threshold_dbfs"`
	SilenceDurationSec int     `json:"silence_duration_s"`
	Crossfade          bool    `json:"crossfade"`
	CrossfadeSec       float64 `json:"crossfade_duration_s"`
}

// TransportOutput is one network delivery leg. Each enabled output gets
// its own pipe endpoint and encoder process.
type TransportOutput struct {
	Enabled    bool   `json:"enabled"`
	Mode       string `json:"mode"` // "caller" or "listener"
	Host       string `json:"host"` // caller mode only
	Port       int    `json:"port"`
	LatencyMS  int    `json:"latency_ms"`
	Passphrase string `json:"passphrase"`
	Codec      string `json:"codec"`   // "opus", "aac", "pcm"
	BitrateKBs int    `json:"bitrate_kbps"`
	Container  string `json:"container"` // "matroska", "mpegts"

	// Automation embedding: when set, a TCP listener on GPIOPort accepts
	// line-framed events and embeds them as timed cues in this output.
	GPIOEmbed bool `json:"gpio_embed"`
	GPIOPort  int  `json:"gpio_port"`
}

// TransportInput is the optional decode direction: one network stream
// decoded back to audio, optionally with automation cue extraction.
type TransportInput struct {
	URL    string `json:"url"`
	Device string `json:"device"` // playback device for decoded audio

	// Automation extraction: cues pulled from the stream are forwarded
	// as TCP lines to GPIOHost:GPIOPort.
	GPIOExtract bool   `json:"gpio_extract"`
	GPIOHost    string `json:"gpio_host"`
	GPIOPort    int    `json:"gpio_port"`
}

// MetadataSpec controls now-playing metadata exposure.
type MetadataSpec struct {
	Enabled bool `json:"enabled"`
	Embed   bool `json:"embed"` // carry metadata in the transport stream
}

// EnabledOutputs returns the outputs that take part in a start attempt,
// preserving the configured order (indexes are not compacted: the
// returned slice carries original indexes alongside).
func (f *Flow) EnabledOutputs() []IndexedOutput {
	var out []IndexedOutput
	for i := range f.Outputs {
		if f.Outputs[i].Enabled {
			out = append(out, IndexedOutput{Index: i, Output: &f.Outputs[i]})
		}
	}
	return out
}

// IndexedOutput pairs a transport output with its configured index.
// The index is part of the pipe-endpoint naming contract.
type IndexedOutput struct {
	Index  int
	Output *TransportOutput
}
