// pkg/transportcmd/from_flow.go
package transportcmd

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/streonhq/streon-server/internal/domain/flow"
)

// EncoderSpec carries everything one encoder invocation needs beyond
// the output descriptor itself.
type EncoderSpec struct {
	Bin      string // transport encoder binary (ffmpeg)
	PipePath string // audio hand-off pipe from the engine
	CuePath  string // timed-cue artifact, only read when GPIOEmbed is set
}

// BuildEncoderArgs maps one transport output to its encoder argv.
//
// Layout:
//
//	<bin> -hide_banner -nostdin -f wav -i <pipe>
//	      [-i <cues> -map 0:a -map 1:s -c:s srt]
//	      <codec flags> -f <container> <transport URL>
//
// The cue track rides as a subtitle stream so any container with
// timed-text support carries automation without a custom protocol.
func BuildEncoderArgs(spec EncoderSpec, out *flow.TransportOutput) ([]string, error) {
	if _, err := transportURL(out); err != nil {
		return nil, err
	}

	b := NewBuilder(spec.Bin).
		WithFlag("-hide_banner").
		WithFlag("-nostdin").
		WithString("-f", "wav").
		WithString("-i", spec.PipePath)

	if out.GPIOEmbed {
		b.WithString("-i", spec.CuePath).
			WithArgs("-map", "0:a", "-map", "1:s", "-c:s", "srt")
	}

	switch out.Codec {
	case "opus":
		b.WithArgs("-c:a", "libopus", "-b:a", fmt.Sprintf("%dk", out.BitrateKBs))
	case "aac":
		b.WithArgs("-c:a", "aac", "-b:a", fmt.Sprintf("%dk", out.BitrateKBs))
	case "pcm":
		b.WithArgs("-c:a", "pcm_s16le")
	default:
		return nil, fmt.Errorf("unsupported codec %q", out.Codec)
	}

	b.WithString("-f", out.Container)

	u, _ := transportURL(out)
	b.WithArgs(u)
	return b.Build(), nil
}

// DecoderSpec carries everything the decoder invocation needs beyond
// the transport input descriptor.
type DecoderSpec struct {
	Bin         string // transport decoder binary (ffmpeg)
	ExtractPath string // cue artifact written by the decoder when GPIOExtract is set
}

// BuildDecoderArgs maps the transport input to its decoder argv. The
// decoder plays decoded audio on the configured device and, when cue
// extraction is enabled, dumps the embedded timed-text track to the
// extraction artifact as it arrives.
func BuildDecoderArgs(spec DecoderSpec, in *flow.TransportInput) ([]string, error) {
	if in.URL == "" {
		return nil, fmt.Errorf("transport input url is required")
	}

	b := NewBuilder(spec.Bin).
		WithFlag("-hide_banner").
		WithFlag("-nostdin").
		WithString("-i", in.URL)

	if in.GPIOExtract {
		b.WithArgs("-map", "0:s:0?", "-c:s", "srt", spec.ExtractPath)
	}

	b.WithArgs("-map", "0:a")
	if in.Device != "" {
		b.WithArgs("-f", "alsa", in.Device)
	} else {
		b.WithArgs("-f", "null", "-")
	}

	return b.Build(), nil
}

// transportURL builds the SRT-style URL for an output. Latency is
// carried in microseconds on the wire, per the transport's convention.
func transportURL(out *flow.TransportOutput) (string, error) {
	var host string
	switch out.Mode {
	case "caller":
		if out.Host == "" {
			return "", fmt.Errorf("caller mode requires host")
		}
		host = out.Host
	case "listener":
		host = "0.0.0.0"
	default:
		return "", fmt.Errorf("unsupported mode %q", out.Mode)
	}

	q := url.Values{}
	q.Set("mode", out.Mode)
	q.Set("latency", strconv.Itoa(out.LatencyMS*1000))
	if out.Passphrase != "" {
		q.Set("passphrase", out.Passphrase)
	}

	return fmt.Sprintf("srt://%s:%d?%s", host, out.Port, q.Encode()), nil
}
