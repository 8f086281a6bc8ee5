package scan

import (
	"fmt"
	"math"
	"strconv"

	"github.com/zombor/ocr-history/internal/scanning"
)

const (
	baseImageTokens = 258
	pixelsPerToken  = 750
)

// EstimateTokens approximates the inference cost of an image: a fixed base plus one
// token per started block of 750 pixels
func EstimateTokens(width, height int) int {
	if width <= 0 || height <= 0 {
		return baseImageTokens
	}
	pixels := width * height
	return baseImageTokens + (pixels+pixelsPerToken-1)/pixelsPerToken
}

// Estimate is the advisory cost shown before extraction
type Estimate struct {
	Width  int   `json:"width"`
	Height int   `json:"height"`
	Size   int64 `json:"size"`
	Tokens int   `json:"tokens"`
}

// Summary renders the dimensions and file size, e.g. "1024 × 768px (1.5 KB)"
func (e Estimate) Summary() string {
	return fmt.Sprintf("%d × %dpx (%s)", e.Width, e.Height, FormatFileSize(e.Size))
}

// MeasureImage decodes the image dimensions and estimates its cost
func MeasureImage(img *Image) (*Estimate, error) {
	cfg, err := scanning.DecodeConfig(img.Data, img.Type)
	if err != nil {
		return nil, fmt.Errorf("measuring image: %w", err)
	}
	return &Estimate{
		Width:  cfg.Width,
		Height: cfg.Height,
		Size:   img.Size,
		Tokens: EstimateTokens(cfg.Width, cfg.Height),
	}, nil
}

var sizeUnits = []string{"Bytes", "KB", "MB", "GB"}

// FormatFileSize renders a byte count with binary units, rounded to two decimals
// with trailing zeros dropped
func FormatFileSize(bytes int64) string {
	if bytes <= 0 {
		return "0 Bytes"
	}
	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	if i >= len(sizeUnits) {
		i = len(sizeUnits) - 1
	}
	v := float64(bytes) / math.Pow(1024, float64(i))
	v = math.Round(v*100) / 100
	return strconv.FormatFloat(v, 'f', -1, 64) + " " + sizeUnits[i]
}
