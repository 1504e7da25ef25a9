// Package render maps a declarative flow spec onto the artifacts the
// external processes consume: a processing-engine script and one argv
// per transport instance. Pure functions; no process lifetime.
package render

import (
	"fmt"
	"strings"

	"github.com/streonhq/streon-server/internal/domain/flow"
	"github.com/streonhq/streon-server/pkg/transportcmd"
)

// Artifacts is the renderer's full output for one start attempt. The
// supervisor treats the script as opaque text.
type Artifacts struct {
	Script      string     // processing-engine script body
	EncoderArgs [][]string // index-aligned with the flow's enabled outputs
	DecoderArgs []string   // nil when the flow has no transport input
}

// Paths resolves per-flow filesystem locations for rendered artifacts.
type Paths struct {
	EncoderBin  string
	DecoderBin  string
	PipePath    func(outputIndex int) string
	CuePath     func(outputIndex int) string
	ExtractPath string
	PresetPath  string // resolved engine preset file, empty when unset
}

// Render produces all artifacts for the flow, or a validation error
// with a human-readable reason. Nothing is written to disk here.
func Render(f *flow.Flow, p Paths) (*Artifacts, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	script, err := Script(f, p)
	if err != nil {
		return nil, err
	}

	art := &Artifacts{Script: script}

	for _, io := range f.EnabledOutputs() {
		args, err := transportcmd.BuildEncoderArgs(transportcmd.EncoderSpec{
			Bin:      p.EncoderBin,
			PipePath: p.PipePath(io.Index),
			CuePath:  p.CuePath(io.Index),
		}, io.Output)
		if err != nil {
			return nil, flow.Validationf("outputs[%d]: %v", io.Index, err)
		}
		art.EncoderArgs = append(art.EncoderArgs, args)
	}

	if f.Input != nil {
		args, err := transportcmd.BuildDecoderArgs(transportcmd.DecoderSpec{
			Bin:         p.DecoderBin,
			ExtractPath: p.ExtractPath,
		}, f.Input)
		if err != nil {
			return nil, flow.Validationf("transport_input: %v", err)
		}
		art.DecoderArgs = args
	}

	return art, nil
}

// Script renders the processing-engine script: inputs in priority
// order, a fallback chain, optional preset processing and crossfade,
// and one pipe output per enabled transport output.
func Script(f *flow.Flow, p Paths) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "# flow: %s\n", f.ID)
	if f.Name != "" {
		fmt.Fprintf(&b, "# name: %s\n", f.Name)
	}
	b.WriteString("\nsettings.log.level.set(3)\n\n")

	var sources []string
	for i, in := range f.Inputs {
		name := fmt.Sprintf("input_%d", i)
		switch in.Type {
		case "alsa", "usb", "inferno":
			fmt.Fprintf(&b, "%s = input.alsa(device=%q)\n", name, in.Device)
		case "srt":
			fmt.Fprintf(&b, "%s = input.srt(%q)\n", name, in.URL)
		case "file":
			fmt.Fprintf(&b, "%s = single(%q)\n", name, in.FilePath)
		default:
			return "", flow.Validationf("inputs[%d]: unknown type %q", i, in.Type)
		}
		sources = append(sources, name)
	}

	b.WriteString("\nsource = fallback(track_sensitive=false, [")
	b.WriteString(strings.Join(sources, ", "))
	b.WriteString("])\n")

	if f.Processing.Crossfade {
		fmt.Fprintf(&b, "source = crossfade(duration=%.1f, source)\n", f.Processing.CrossfadeSec)
	}
	if p.PresetPath != "" {
		fmt.Fprintf(&b, "source = stereotool(preset=%q, source)\n", p.PresetPath)
	}
	if f.Processing.SilenceDurationSec > 0 {
		fmt.Fprintf(&b, "source = blank.detect(max_blank=%d., threshold=%.1f, fun () -> log(\"silence on %s\"), source)\n",
			f.Processing.SilenceDurationSec, f.Processing.SilenceThresholdDB, f.ID)
	}

	for _, io := range f.EnabledOutputs() {
		fmt.Fprintf(&b, "\noutput.file(%%wav, %q, source)\n", p.PipePath(io.Index))
	}

	return b.String(), nil
}
