package scan

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("EstimateTokens", func() {
	DescribeTable("token estimates",
		func(w, h, expected int) {
			Expect(EstimateTokens(w, h)).To(Equal(expected))
		},
		Entry("1024×768", 1024, 768, 1307),
		Entry("500×500", 500, 500, 592),
		Entry("exactly one block", 750, 1, 259),
		Entry("one pixel", 1, 1, 259),
		Entry("unknown dimensions", 0, 0, 258),
	)
})

var _ = Describe("FormatFileSize", func() {
	DescribeTable("formatting",
		func(bytes int64, expected string) {
			Expect(FormatFileSize(bytes)).To(Equal(expected))
		},
		Entry("zero", int64(0), "0 Bytes"),
		Entry("bytes", int64(512), "512 Bytes"),
		Entry("one kilobyte", int64(1024), "1 KB"),
		Entry("fractional kilobytes", int64(1536), "1.5 KB"),
		Entry("megabytes", int64(5*1024*1024), "5 MB"),
		Entry("rounded", int64(1234567), "1.18 MB"),
		Entry("gigabytes", int64(3*1024*1024*1024), "3 GB"),
	)
})

var _ = Describe("MeasureImage", func() {
	It("should read the dimensions of a JPEG", func() {
		img, err := Validate(Upload{Name: "a.jpg", Type: "image/jpeg", Data: jpegBytes(500, 500)})
		Expect(err).NotTo(HaveOccurred())

		est, err := MeasureImage(img)
		Expect(err).NotTo(HaveOccurred())
		Expect(est.Width).To(Equal(500))
		Expect(est.Height).To(Equal(500))
		Expect(est.Tokens).To(Equal(592))
		Expect(est.Size).To(Equal(img.Size))
	})

	It("should read the dimensions of a PNG", func() {
		img, err := Validate(Upload{Name: "a.png", Type: "image/png", Data: pngBytes(1024, 768)})
		Expect(err).NotTo(HaveOccurred())

		est, err := MeasureImage(img)
		Expect(err).NotTo(HaveOccurred())
		Expect(est.Tokens).To(Equal(1307))
		Expect(est.Summary()).To(HavePrefix("1024 × 768px ("))
	})

	It("should fail on undecodable data", func() {
		img, err := Validate(Upload{Name: "a.png", Type: "image/png", Data: []byte("nope")})
		Expect(err).NotTo(HaveOccurred())

		_, err = MeasureImage(img)
		Expect(err).To(HaveOccurred())
	})
})
