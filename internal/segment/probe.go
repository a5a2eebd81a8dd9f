package segment

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// probeDimensions reads back width/height/frameRate with one csv-selected
// ffprobe call.
func probeDimensions(ctx context.Context, ffprobePath, videoPath string) (width, height int, frameRate float64, err error) {
	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate",
		"-of", "csv=p=0:s=x",
		videoPath,
	)

	output, err := cmd.Output()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("segment: ffprobe: %w", err)
	}

	parts := strings.Split(strings.TrimSpace(string(output)), "x")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("segment: unexpected ffprobe output %q", output)
	}

	width, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("segment: parse width: %w", err)
	}
	height, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("segment: parse height: %w", err)
	}
	frameRate = parseFrameRateFraction(parts[2])
	return width, height, frameRate, nil
}

// parseFrameRateFraction parses ffprobe's "30/1"-style r_frame_rate.
func parseFrameRateFraction(s string) float64 {
	n, d, ok := strings.Cut(s, "/")
	if !ok {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	num, errN := strconv.ParseFloat(n, 64)
	den, errD := strconv.ParseFloat(d, 64)
	if errN != nil || errD != nil || den == 0 {
		return 0
	}
	return num / den
}
