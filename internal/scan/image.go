package scan

import (
	"encoding/base64"
	"strings"
)

// MaxImageSize is the largest accepted upload
const MaxImageSize = 20 << 20

// Upload is an image as submitted by the user
type Upload struct {
	Name string
	Type string
	Size int64 // declared size; len(Data) is used when zero
	Data []byte
}

// Image is a validated upload ready for estimation and extraction
type Image struct {
	Name       string
	Type       string
	Size       int64
	Data       []byte
	PreviewURL string // data:<type>;base64,...
	Base64     string // payload for the recognition service
}

// Meta returns the file metadata recorded with a scan
func (i *Image) Meta() FileMeta {
	return FileMeta{Name: i.Name, Size: i.Size, Type: i.Type}
}

// Validate checks the media type and size of an upload. The type check runs first.
func Validate(u Upload) (*Image, error) {
	if !strings.HasPrefix(strings.ToLower(u.Type), "image/") {
		return nil, ErrInvalidType
	}

	size := u.Size
	if size <= 0 {
		size = int64(len(u.Data))
	}
	if size > MaxImageSize {
		return nil, ErrTooLarge
	}

	encoded := base64.StdEncoding.EncodeToString(u.Data)
	return &Image{
		Name:       u.Name,
		Type:       u.Type,
		Size:       size,
		Data:       u.Data,
		PreviewURL: "data:" + u.Type + ";base64," + encoded,
		Base64:     encoded,
	}, nil
}
