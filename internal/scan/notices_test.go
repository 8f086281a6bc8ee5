package scan

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("notices", func() {
	var (
		clock *mockTimeSource
		n     *notices
	)

	BeforeEach(func() {
		clock = &mockTimeSource{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
		n = &notices{ids: &mockIDGenerator{prefix: "notice"}, clock: clock}
	})

	It("should classify failures by kind", func() {
		notice := n.failure(ErrNoImage)
		Expect(notice.Level).To(Equal(NoticeError))
		Expect(notice.Kind).To(Equal(NoImage))
		Expect(notice.Message).To(Equal("Please upload an image first"))
	})

	It("should use the error text for unclassified failures", func() {
		notice := n.failure(errors.New("boom"))
		Expect(notice.Kind).To(BeEmpty())
		Expect(notice.Message).To(Equal("boom"))
	})

	It("should expire success notices after three seconds", func() {
		n.success("Saved to history")
		clock.advance(2999 * time.Millisecond)
		Expect(n.active()).To(HaveLen(1))
		clock.advance(time.Millisecond)
		Expect(n.active()).To(BeEmpty())
	})

	It("should expire error notices after five seconds", func() {
		n.failure(ErrNoImage)
		clock.advance(4 * time.Second)
		Expect(n.active()).To(HaveLen(1))
		clock.advance(time.Second)
		Expect(n.active()).To(BeEmpty())
	})

	It("should dismiss a notice by id", func() {
		first := n.success("one")
		n.success("two")
		Expect(n.dismiss(first.ID)).To(BeTrue())
		Expect(n.dismiss(first.ID)).To(BeFalse())

		active := n.active()
		Expect(active).To(HaveLen(1))
		Expect(active[0].Message).To(Equal("two"))
	})

	It("should clear only errors", func() {
		n.failure(ErrNoImage)
		n.success("kept")
		n.clearErrors()

		active := n.active()
		Expect(active).To(HaveLen(1))
		Expect(active[0].Level).To(Equal(NoticeSuccess))
	})
})
