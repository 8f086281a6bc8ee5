package store_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"regexp"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/ocr-history/internal/scan"
	"github.com/zombor/ocr-history/internal/scanning"
	"github.com/zombor/ocr-history/internal/store"
)

// MockScanner for testing
type MockScanner struct {
	text string
}

func (m *MockScanner) ExtractText(ctx context.Context, req scanning.Request) (string, error) {
	return m.text, nil
}

func (m *MockScanner) GeneratePrompt(ctx context.Context, text string) (*scanning.ArtPrompt, error) {
	return &scanning.ArtPrompt{Title: "t", Prompt: text}, nil
}

func (m *MockScanner) Close() error {
	return nil
}

// MockProvider hands out the same MockScanner and needs no credential
type MockProvider struct {
	scanner *MockScanner
}

func (m *MockProvider) Name() string             { return "mock" }
func (m *MockProvider) RequiresCredential() bool { return false }
func (m *MockProvider) DefaultModel() string     { return "mock-model" }

func (m *MockProvider) Models(ctx context.Context, apiKey string) ([]scanning.ModelInfo, error) {
	return nil, nil
}

func (m *MockProvider) Scanner(ctx context.Context, apiKey, model string) (scanning.Scanner, error) {
	return m.scanner, nil
}

var _ = Describe("Integration", func() {
	var (
		tempDir    string
		history    *scan.History
		controller *store.Controller
		manager    *scan.Manager
		ghServer   *ghttp.Server
	)

	BeforeEach(func() {
		tempDir = GinkgoT().TempDir()
		configPath := filepath.Join(tempDir, "store.yaml")
		Expect(store.SaveConfig(configPath, store.Config{
			Driver:   "bolt",
			BoltPath: filepath.Join(tempDir, "history.db"),
			Blobs: store.BlobConfig{
				Driver:    "local",
				Dir:       filepath.Join(tempDir, "scans"),
				PublicURL: "/blobs",
			},
		})).To(Succeed())

		history = scan.NewHistory(nil)
		controller = store.NewController(context.Background(), configPath, history)
		Expect(controller.Start()).To(Succeed())
		DeferCleanup(controller.Close)

		manager = scan.NewManager(scan.Deps{
			Provider: &MockProvider{scanner: &MockScanner{text: "Integration test receipt total"}},
			History:  history,
		}, "")
		DeferCleanup(manager.Shutdown)

		server := scan.NewServerWithMux(manager, history, scan.ServerConfig{Version: "test", Store: controller}, http.NewServeMux())
		ghServer = ghttp.NewServer()
		for _, method := range []string{"GET", "POST", "PUT", "DELETE"} {
			ghServer.RouteToHandler(method, regexp.MustCompile(`.*`), server.ServeHTTP)
		}
		DeferCleanup(ghServer.Close)
	})

	It("should extract, persist, search, serve and delete a scan", func() {
		// Create a session
		resp, err := http.Post(ghServer.URL()+"/api/sessions", "application/json", nil)
		Expect(err).NotTo(HaveOccurred())
		var view scan.View
		Expect(json.NewDecoder(resp.Body).Decode(&view)).To(Succeed())
		resp.Body.Close()
		id := view.ID

		// Upload an image
		var img bytes.Buffer
		Expect(jpeg.Encode(&img, image.NewGray(image.Rect(0, 0, 500, 500)), nil)).To(Succeed())

		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		part, err := writer.CreateFormFile("file", "receipt.jpg")
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(img.Bytes())
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())

		resp, err = http.Post(ghServer.URL()+"/api/sessions/"+id+"/image", writer.FormDataContentType(), body)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		resp.Body.Close()

		// Extract
		resp, err = http.Post(ghServer.URL()+"/api/sessions/"+id+"/extract", "application/json", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		resp.Body.Close()

		// The scan shows up in the history
		var records []scan.ScanRecord
		Eventually(func() []scan.ScanRecord {
			resp, err := http.Get(ghServer.URL() + "/api/history?q=receipt")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			records = nil
			Expect(json.NewDecoder(resp.Body).Decode(&records)).To(Succeed())
			return records
		}).Should(HaveLen(1))

		rec := records[0]
		Expect(rec.TokenCount).To(Equal(592))
		Expect(rec.Keywords).To(Equal([]string{"integration", "test", "receipt", "total"}))
		Expect(rec.FileMeta.Name).To(Equal("receipt.jpg"))
		Expect(filepath.Join(tempDir, "scans", filepath.FromSlash(rec.ImagePath))).To(BeAnExistingFile())

		// The image is served locally
		resp, err = http.Get(ghServer.URL() + rec.ImageURL)
		Expect(err).NotTo(HaveOccurred())
		served, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		Expect(err).NotTo(HaveOccurred())
		Expect(served).To(Equal(img.Bytes()))

		// Uploading the same file again asks for confirmation
		body.Reset()
		writer = multipart.NewWriter(body)
		part, err = writer.CreateFormFile("file", "receipt.jpg")
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(img.Bytes())
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())

		resp, err = http.Post(ghServer.URL()+"/api/sessions/"+id+"/image", writer.FormDataContentType(), body)
		Expect(err).NotTo(HaveOccurred())
		Expect(json.NewDecoder(resp.Body).Decode(&view)).To(Succeed())
		resp.Body.Close()
		Expect(view.State).To(Equal(scan.StateAwaitingConfirmation))
		Expect(view.Duplicate.ID).To(Equal(rec.ID))

		// Delete it
		req, err := http.NewRequest("DELETE", ghServer.URL()+"/api/sessions/"+id+"/history/"+rec.ID+"?confirm=true", nil)
		Expect(err).NotTo(HaveOccurred())
		resp, err = http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		resp.Body.Close()

		Eventually(history.Snapshot).Should(BeEmpty())
		Expect(filepath.Join(tempDir, "scans", filepath.FromSlash(rec.ImagePath))).NotTo(BeAnExistingFile())
	})
})
