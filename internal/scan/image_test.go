package scan

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// jpegBytes encodes a solid w×h JPEG
func jpegBytes(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 200, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	Expect(jpeg.Encode(&buf, img, nil)).To(Succeed())
	return buf.Bytes()
}

// pngBytes encodes a blank w×h PNG
func pngBytes(w, h int) []byte {
	var buf bytes.Buffer
	Expect(png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h)))).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Validate", func() {
	var (
		upload Upload
		img    *Image
		err    error
	)

	BeforeEach(func() {
		upload = Upload{Name: "note.png", Type: "image/png", Data: []byte("png bytes")}
	})

	JustBeforeEach(func() {
		img, err = Validate(upload)
	})

	When("the upload is a small image", func() {
		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should use the data length as size", func() {
			Expect(img.Size).To(Equal(int64(len("png bytes"))))
		})

		It("should build a data URL preview", func() {
			Expect(img.PreviewURL).To(Equal("data:image/png;base64,cG5nIGJ5dGVz"))
		})

		It("should keep the base64 payload", func() {
			Expect(img.Base64).To(Equal("cG5nIGJ5dGVz"))
		})

		It("should expose the file metadata", func() {
			Expect(img.Meta()).To(Equal(FileMeta{Name: "note.png", Size: 9, Type: "image/png"}))
		})
	})

	When("the type is not an image", func() {
		BeforeEach(func() {
			upload.Type = "application/pdf"
		})

		It("should return an invalid type error", func() {
			Expect(err).To(MatchError(ErrInvalidType))
			Expect(MessageOf(err)).To(Equal("Please select a valid image file"))
		})
	})

	When("the type has unusual casing", func() {
		BeforeEach(func() {
			upload.Type = "IMAGE/JPEG"
		})

		It("should accept it", func() {
			Expect(err).NotTo(HaveOccurred())
		})
	})

	When("the declared size is over the limit", func() {
		BeforeEach(func() {
			upload.Size = 25 << 20
		})

		It("should return a too large error", func() {
			Expect(err).To(MatchError(ErrTooLarge))
			Expect(MessageOf(err)).To(Equal("Image file is too large. Maximum size is 20MB."))
		})
	})

	When("the size is exactly the limit", func() {
		BeforeEach(func() {
			upload.Size = MaxImageSize
		})

		It("should accept it", func() {
			Expect(err).NotTo(HaveOccurred())
		})
	})

	When("the upload is both oversized and not an image", func() {
		BeforeEach(func() {
			upload.Type = "text/plain"
			upload.Size = 25 << 20
		})

		It("should report the type first", func() {
			Expect(err).To(MatchError(ErrInvalidType))
		})
	})
})
