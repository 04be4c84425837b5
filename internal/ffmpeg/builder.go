package ffmpeg

import (
	"fmt"
	"strings"
)

// Defaults for the transcode command. Chosen for consistent low-latency
// output rather than quality tuning.
const (
	defaultPreset     = "veryfast"
	defaultBitrate    = "2M"
	defaultBufferSize = "4M"
	defaultGOP        = 50
)

// Base returns the ffmpeg invocation prefix shared by every command.
func Base() string {
	return "ffmpeg -hide_banner -loglevel level+info"
}

// BuildCommand builds the full transcoder command for one stream session.
// The continuous feed goes to the relay's UDP ingest port on loopback; when
// SegmentDir is set a second HLS output is produced for playback consumers.
func BuildCommand(p *TranscodeParams) string {
	var cmd strings.Builder

	cmd.WriteString(Base())

	// Read at native frame rate so the feed paces like a live source.
	cmd.WriteString(" -re")
	if p.Loop {
		cmd.WriteString(" -stream_loop -1")
	}
	cmd.WriteString(" -i " + quoteArg(p.SourcePath))

	if p.Resolution != "" {
		cmd.WriteString(" -s " + p.Resolution)
	}
	if p.FPS != "" {
		cmd.WriteString(" -r " + p.FPS)
	}

	// Embed start time so downstream consumers can map pts to wall clock.
	cmd.WriteString(fmt.Sprintf(" -metadata stream_start_time=%d", p.StartTimeMs))
	cmd.WriteString(fmt.Sprintf(" -metadata stream_id=%d", p.StreamID))

	preset := p.Preset
	if preset == "" {
		preset = defaultPreset
	}
	bitrate := p.Bitrate
	if bitrate == "" {
		bitrate = defaultBitrate
	}
	bufsize := p.BufferSize
	if bufsize == "" {
		bufsize = defaultBufferSize
	}
	gop := p.GOP
	if gop == 0 {
		gop = defaultGOP
	}

	cmd.WriteString(" -c:v libx264")
	cmd.WriteString(" -preset " + preset)
	cmd.WriteString(" -tune zerolatency")
	cmd.WriteString(" -b:v " + bitrate)
	cmd.WriteString(" -maxrate " + bitrate)
	cmd.WriteString(" -bufsize " + bufsize)
	cmd.WriteString(fmt.Sprintf(" -g %d", gop))

	cmd.WriteString(" -f mpegts")
	cmd.WriteString(fmt.Sprintf(" udp://127.0.0.1:%d?pkt_size=1316", p.IngestPort))

	if p.SegmentDir != "" {
		cmd.WriteString(" -c:v libx264 -preset " + preset)
		cmd.WriteString(" -f hls -hls_time 2 -hls_list_size 5 -hls_flags delete_segments")
		cmd.WriteString(" " + quoteArg(p.SegmentDir+"/index.m3u8"))
	}

	return cmd.String()
}

// quoteArg quotes an argument when it contains whitespace, matching what
// ParseCommand understands.
func quoteArg(arg string) string {
	if strings.ContainsAny(arg, " \t") {
		return "\"" + arg + "\""
	}
	return arg
}

// ParseCommand splits a command string into arguments, honoring quotes and
// backslash escapes.
func ParseCommand(command string) ([]string, error) {
	var args []string
	var current strings.Builder
	inQuote := false
	quoteChar := rune(0)

	command = strings.TrimSpace(command)
	runes := []rune(command)

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '"' || r == '\'':
			switch {
			case !inQuote:
				inQuote = true
				quoteChar = r
			case r == quoteChar:
				inQuote = false
				quoteChar = 0
			default:
				current.WriteRune(r)
			}
		case r == ' ' && !inQuote:
			if current.Len() > 0 {
				args = append(args, current.String())
				current.Reset()
			}
		case r == '\\' && i+1 < len(runes):
			i++
			current.WriteRune(runes[i])
		default:
			current.WriteRune(r)
		}
	}

	if current.Len() > 0 {
		args = append(args, current.String())
	}

	if inQuote {
		return nil, fmt.Errorf("unclosed quote in command")
	}

	return args, nil
}
