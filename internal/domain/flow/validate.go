package flow

import "strings"

var (
	inputTypes = map[string]struct{}{
		"alsa": {}, "usb": {}, "inferno": {}, "srt": {}, "file": {},
	}
	outputModes = map[string]struct{}{"caller": {}, "listener": {}}
	codecs      = map[string]struct{}{"opus": {}, "aac": {}, "pcm": {}}
	containers  = map[string]struct{}{"matroska": {}, "mpegts": {}}
)

// Validate checks the flow spec against the start preconditions. The ID
// takes part in filesystem pipe paths, so its charset is restricted.
func (f *Flow) Validate() error {
	if f.ID == "" {
		return Validationf("id is required")
	}
	if !validID(f.ID) {
		return Validationf("id %q: only [a-z0-9_-] allowed", f.ID)
	}
	if len(f.Name) > 100 {
		return Validationf("name must be at most 100 characters")
	}

	if len(f.Inputs) == 0 {
		return Validationf("flow must have at least one input")
	}
	for i, in := range f.Inputs {
		if _, ok := inputTypes[in.Type]; !ok {
			return Validationf("inputs[%d]: unknown type %q", i, in.Type)
		}
		switch in.Type {
		case "srt":
			if in.URL == "" {
				return Validationf("inputs[%d]: srt input requires url", i)
			}
		case "file":
			if in.FilePath == "" {
				return Validationf("inputs[%d]: file input requires file_path", i)
			}
		default:
			if in.Device == "" {
				return Validationf("inputs[%d]: %s input requires device", i, in.Type)
			}
		}
	}

	if len(f.EnabledOutputs()) == 0 && f.Input == nil {
		return Validationf("flow must have an enabled transport output or a transport input")
	}

	seenPorts := make(map[int]int) // gpio port → output index
	for i, out := range f.Outputs {
		if !out.Enabled {
			continue
		}
		if _, ok := outputModes[out.Mode]; !ok {
			return Validationf("outputs[%d]: unknown mode %q", i, out.Mode)
		}
		if out.Mode == "caller" && out.Host == "" {
			return Validationf("outputs[%d]: caller mode requires host", i)
		}
		if out.Port < 1 || out.Port > 65535 {
			return Validationf("outputs[%d]: port %d out of range", i, out.Port)
		}
		if _, ok := codecs[out.Codec]; !ok {
			return Validationf("outputs[%d]: unknown codec %q", i, out.Codec)
		}
		if _, ok := containers[out.Container]; !ok {
			return Validationf("outputs[%d]: unknown container %q", i, out.Container)
		}
		if out.GPIOEmbed {
			if out.GPIOPort < 1 || out.GPIOPort > 65535 {
				return Validationf("outputs[%d]: gpio_embed requires a valid gpio_port", i)
			}
			if prev, dup := seenPorts[out.GPIOPort]; dup {
				return Validationf("outputs[%d]: gpio_port %d already used by outputs[%d]", i, out.GPIOPort, prev)
			}
			seenPorts[out.GPIOPort] = i
		}
	}

	if f.Input != nil {
		if f.Input.URL == "" {
			return Validationf("transport_input requires url")
		}
		if f.Input.GPIOExtract {
			if f.Input.GPIOHost == "" || f.Input.GPIOPort < 1 || f.Input.GPIOPort > 65535 {
				return Validationf("transport_input: gpio_extract requires gpio_host and gpio_port")
			}
		}
	}

	return nil
}

func validID(id string) bool {
	if len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return !strings.HasPrefix(id, "-")
}
