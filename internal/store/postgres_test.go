package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/ocr-history/internal/scan"
)

var _ = Describe("Postgres", func() {
	var (
		ctx context.Context
		pg  *Postgres
	)

	BeforeEach(func() {
		dsn := os.Getenv("OCR_HISTORY_TEST_POSTGRES_DSN")
		if dsn == "" {
			Skip("OCR_HISTORY_TEST_POSTGRES_DSN not set")
		}
		ctx = context.Background()
		var err error
		pg, err = NewPostgres(ctx, dsn)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(pg.Close)

		_, err = pg.pool.Exec(ctx, "TRUNCATE scans")
		Expect(err).NotTo(HaveOccurred())
	})

	It("should round trip a record", func() {
		rec := &scan.ScanRecord{
			Text:       "Hello",
			TokenCount: 592,
			Keywords:   []string{"hello"},
			FileMeta:   scan.FileMeta{Name: "a.jpg", Size: 10, Type: "image/jpeg"},
		}
		id, err := pg.Insert(ctx, rec)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.Timestamp).NotTo(BeZero())

		got, err := pg.Get(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Text).To(Equal("Hello"))
		Expect(got.Keywords).To(Equal([]string{"hello"}))
		Expect(got.FileMeta).To(Equal(rec.FileMeta))
	})

	It("should push snapshots to subscribers", func() {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		ch, err := pg.Subscribe(subCtx, 10)
		Expect(err).NotTo(HaveOccurred())
		Eventually(ch).Should(Receive(BeEmpty()))

		id, err := pg.Insert(ctx, &scan.ScanRecord{Text: "first"})
		Expect(err).NotTo(HaveOccurred())
		Eventually(ch).Should(Receive(HaveLen(1)))

		Expect(pg.Delete(ctx, id)).To(Succeed())
		Eventually(ch).Should(Receive(BeEmpty()))
	})

	It("should resubscribe after the listener connection is lost", func() {
		pg.retryMin = 10 * time.Millisecond

		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		ch, err := pg.Subscribe(subCtx, 10)
		Expect(err).NotTo(HaveOccurred())
		Eventually(ch).Should(Receive(BeEmpty()))

		var terminated int
		Expect(pg.pool.QueryRow(ctx, `
			SELECT count(pg_terminate_backend(pid)) FROM pg_stat_activity
			WHERE application_name = 'ocr-history' AND query = 'LISTEN scans_changed' AND pid <> pg_backend_pid()`,
		).Scan(&terminated)).To(Succeed())
		Expect(terminated).To(BeNumerically(">=", 1))

		_, err = pg.Insert(ctx, &scan.ScanRecord{Text: "after reconnect"})
		Expect(err).NotTo(HaveOccurred())

		Eventually(ch).WithTimeout(10 * time.Second).Should(Receive(HaveLen(1)))
		Consistently(ch).ShouldNot(BeClosed())
	})

	It("should keep timestamps in insert order under concurrent inserts", func() {
		var wg sync.WaitGroup
		for i := range 20 {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := pg.Insert(ctx, &scan.ScanRecord{Text: fmt.Sprintf("scan %d", i)})
				Expect(err).NotTo(HaveOccurred())
			}()
		}
		wg.Wait()

		rows, err := pg.pool.Query(ctx, `SELECT created_at FROM scans ORDER BY seq`)
		Expect(err).NotTo(HaveOccurred())
		var stamps []time.Time
		for rows.Next() {
			var ts time.Time
			Expect(rows.Scan(&ts)).To(Succeed())
			stamps = append(stamps, ts)
		}
		Expect(rows.Err()).NotTo(HaveOccurred())
		Expect(stamps).To(HaveLen(20))
		for i := 1; i < len(stamps); i++ {
			Expect(stamps[i].Before(stamps[i-1])).To(BeFalse())
		}
	})
})
