package capture

import (
	"bufio"
	"context"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// Resolver picks the input device identifier to pass to the capture binary.
// It returns [ErrDeviceUnavailable] when the host has no usable input device.
type Resolver func(ctx context.Context, binary string) (string, error)

// DefaultResolver enumerates input devices with the platform's native tooling
// and returns the preferred one.
//
//   - linux: "default" when ALSA lists it, otherwise the first PCM device
//   - darwin: the first avfoundation audio device index
//   - windows: the first dshow audio device name
func DefaultResolver(ctx context.Context, binary string) (string, error) {
	switch runtime.GOOS {
	case "linux":
		if binary == "rec" || binary == "sox" {
			return "default", nil
		}
		out, err := exec.CommandContext(ctx, "arecord", "-L").Output()
		if err != nil {
			// No ALSA tooling: hand "default" to the capture binary and let it
			// fail loudly if that does not exist.
			return "default", nil
		}
		return pickALSADevice(string(out))
	case "darwin":
		// ffmpeg prints the device list on stderr and exits non-zero.
		out, _ := exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-f", "avfoundation", "-list_devices", "true", "-i", "").CombinedOutput()
		return pickAVFoundationDevice(string(out))
	case "windows":
		out, _ := exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-list_devices", "true", "-f", "dshow", "-i", "dummy").CombinedOutput()
		return pickDShowDevice(string(out))
	default:
		return "default", nil
	}
}

// pickALSADevice parses `arecord -L` output.
func pickALSADevice(listing string) (string, error) {
	var first string
	sc := bufio.NewScanner(strings.NewReader(listing))
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		name := strings.TrimSpace(line)
		if name == "null" {
			continue
		}
		if name == "default" {
			return name, nil
		}
		if first == "" {
			first = name
		}
	}
	if first == "" {
		return "", ErrDeviceUnavailable
	}
	return first, nil
}

var avfAudioDevice = regexp.MustCompile(`\[(\d+)\]\s+\S`)

// pickAVFoundationDevice parses the avfoundation device listing and returns
// the first audio device as ":<index>".
func pickAVFoundationDevice(listing string) (string, error) {
	inAudio := false
	sc := bufio.NewScanner(strings.NewReader(listing))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.Contains(line, "AVFoundation audio devices"):
			inAudio = true
			continue
		case strings.Contains(line, "AVFoundation video devices"):
			inAudio = false
			continue
		}
		if !inAudio {
			continue
		}
		if m := avfAudioDevice.FindStringSubmatch(line); m != nil {
			if _, err := strconv.Atoi(m[1]); err == nil {
				return ":" + m[1], nil
			}
		}
	}
	return "", ErrDeviceUnavailable
}

var dshowAudioDevice = regexp.MustCompile(`"([^"]+)"\s+\(audio\)`)

// pickDShowDevice parses the dshow device listing and returns the first
// audio device name.
func pickDShowDevice(listing string) (string, error) {
	if m := dshowAudioDevice.FindStringSubmatch(listing); m != nil {
		return m[1], nil
	}
	return "", ErrDeviceUnavailable
}

// commandArgs builds the argument vector that makes binary write raw PCM16
// mono at sampleRate to stdout.
func commandArgs(binary, device string, sampleRate int) []string {
	rate := strconv.Itoa(sampleRate)
	switch binary {
	case "arecord":
		return []string{"-q", "-D", device, "-f", "S16_LE", "-c", "1", "-r", rate, "-t", "raw"}
	case "rec", "sox":
		args := []string{"-q"}
		if binary == "sox" {
			args = append(args, "-d")
		}
		return append(args, "-c", "1", "-r", rate, "-b", "16", "-e", "signed-integer", "-t", "raw", "-")
	default: // ffmpeg
		var input []string
		switch runtime.GOOS {
		case "darwin":
			input = []string{"-f", "avfoundation", "-i", device}
		case "windows":
			input = []string{"-f", "dshow", "-i", "audio=" + device}
		default:
			input = []string{"-f", "alsa", "-i", device}
		}
		args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
		args = append(args, input...)
		return append(args, "-ac", "1", "-ar", rate, "-f", "s16le", "-")
	}
}
