package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/heic"
)

// DecodeConfig reads the pixel dimensions of an image without decoding it fully
func DecodeConfig(imageData []byte, mimeType string) (image.Config, error) {
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		cfg, err := heic.DecodeConfig(bytes.NewReader(imageData))
		if err != nil {
			return image.Config{}, fmt.Errorf("decoding HEIC/HEIF header: %w", err)
		}
		return cfg, nil
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(imageData))
	if err != nil {
		return image.Config{}, fmt.Errorf("decoding image header: %w", err)
	}
	return cfg, nil
}

// heicToPNG converts HEIC/HEIF data to PNG
func heicToPNG(imageData []byte) ([]byte, error) {
	img, err := heic.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks if the image data is in HEIC/HEIF format
// HEIC files carry an ftyp box at offset 4 with a HEIF brand
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	if string(data[4:8]) != "ftyp" {
		return false
	}
	brand := string(data[8:12])
	return brand == "heic" || brand == "heif" || brand == "mif1" || brand == "msf1"
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// prepareImageData normalizes the MIME type and converts HEIC/HEIF to PNG for
// backends that cannot read it. Returns the data, the MIME type to use, and
// whether conversion occurred.
func prepareImageData(imageData []byte, contentType string) ([]byte, string, bool, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		pngData, err := heicToPNG(imageData)
		if err != nil {
			return nil, "", false, fmt.Errorf("converting image to PNG: %w", err)
		}
		return pngData, "image/png", true, nil
	}
	return imageData, mimeType, false, nil
}
