package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"regexp"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"github.com/prometheus/client_golang/prometheus"
)

// mockStoreControl is a mock implementation of StoreControl
type mockStoreControl struct {
	driver         string
	reconfigureErr error
	raw            []byte
}

func (m *mockStoreControl) Driver() string {
	return m.driver
}

func (m *mockStoreControl) Config() any {
	return map[string]string{"driver": m.driver, "postgres_dsn": "********"}
}

func (m *mockStoreControl) Reconfigure(ctx context.Context, raw []byte) error {
	m.raw = raw
	return m.reconfigureErr
}

type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

var _ = Describe("Server", func() {
	var (
		ctx         context.Context
		records     *mockRecordStore
		blobs       *mockBlobStore
		history     *History
		scanner     *mockScanner
		provider    *mockProvider
		manager     *Manager
		store       *mockStoreControl
		registry    *prometheus.Registry
		server      *Server
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		ctx = context.Background()
		records = newMockRecordStore()
		blobs = newMockBlobStore()
		registry = prometheus.NewRegistry()
		metrics := NewMetrics(registry)
		history = NewHistory(metrics)
		Expect(history.Use(ctx, Backend{Records: records, Blobs: blobs})).To(Succeed())
		DeferCleanup(history.Stop)

		scanner = &mockScanner{text: "Hello world"}
		provider = &mockProvider{requiresCredential: true, scanner: scanner}
		manager = NewManager(Deps{Provider: provider, History: history, Fetcher: &mockFetcher{}, Metrics: metrics}, "default-key")
		DeferCleanup(manager.Shutdown)
		store = &mockStoreControl{driver: "bolt"}
	})

	JustBeforeEach(func() {
		server = NewServerWithMux(manager, history, ServerConfig{
			Version:  "1.2.3",
			Scanner:  "mock",
			Store:    store,
			Gatherer: registry,
		}, http.NewServeMux())

		ghttpServer = ghttp.NewServer()
		for _, method := range []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(`.*`), server.ServeHTTP)
		}
		DeferCleanup(ghttpServer.Close)
	})

	do := func(method, path string, body io.Reader, contentType string) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	decode := func(resp *http.Response, v any) {
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	createSession := func() View {
		resp := do("POST", "/api/sessions", nil, "")
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		var view View
		decode(resp, &view)
		return view
	}

	uploadFile := func(id, name, contentType string, data []byte) *http.Response {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(mw.Close()).To(Succeed())
		return do("POST", "/api/sessions/"+id+"/image", &buf, mw.FormDataContentType())
	}

	Describe("GET /health", func() {
		It("should return OK", func() {
			resp := do("GET", "/health", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(Equal("OK"))
		})

		It("should set CORS headers", func() {
			resp := do("GET", "/health", nil, "")
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("OPTIONS", func() {
		It("should answer preflight requests", func() {
			resp := do("OPTIONS", "/api/sessions", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("PUT"))
		})
	})

	Describe("GET /api/config", func() {
		It("should describe the server", func() {
			resp := do("GET", "/api/config", nil, "")
			var cfg map[string]any
			decode(resp, &cfg)
			Expect(cfg).To(HaveKeyWithValue("has_api_key", true))
			Expect(cfg).To(HaveKeyWithValue("version", "1.2.3"))
			Expect(cfg).To(HaveKeyWithValue("scanner", "mock"))
			Expect(cfg).To(HaveKeyWithValue("store_driver", "bolt"))
		})
	})

	Describe("GET /metrics", func() {
		It("should expose prometheus metrics", func() {
			createSession()
			resp := do("GET", "/metrics", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(ContainSubstring("ocr_history_active_sessions 1"))
		})
	})

	Describe("sessions", func() {
		var id string

		JustBeforeEach(func() {
			id = createSession().ID
		})

		It("should start idle with the default credential", func() {
			resp := do("GET", "/api/sessions/"+id, nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var view View
			decode(resp, &view)
			Expect(view.State).To(Equal(StateIdle))
			Expect(view.HasCredential).To(BeTrue())
		})

		It("should return 404 for unknown sessions", func() {
			resp := do("GET", "/api/sessions/nope", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			var body errorBody
			decode(resp, &body)
			Expect(body.Error.Kind).To(Equal("not_found"))
		})

		It("should end a session", func() {
			resp := do("DELETE", "/api/sessions/"+id, nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			resp = do("GET", "/api/sessions/"+id, nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should run the pipeline end to end", func() {
			resp := uploadFile(id, "hello.jpg", "image/jpeg", jpegBytes(500, 500))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var view View
			decode(resp, &view)
			Expect(view.State).To(Equal(StateImageLoaded))
			Expect(view.Estimate.Tokens).To(Equal(592))

			resp = do("POST", "/api/sessions/"+id+"/extract", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			decode(resp, &view)
			Expect(view.State).To(Equal(StateSucceeded))
			Expect(view.Result).To(Equal("Hello world"))

			Eventually(func() []ScanRecord {
				resp := do("GET", "/api/history?q=WORLD", nil, "")
				var recs []ScanRecord
				decode(resp, &recs)
				return recs
			}).Should(HaveLen(1))
		})

		It("should reject a non-image upload", func() {
			resp := uploadFile(id, "doc.pdf", "application/pdf", []byte("%PDF-1.4"))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			var body errorBody
			decode(resp, &body)
			Expect(body.Error.Kind).To(Equal("invalid_type"))
			Expect(body.Error.Message).To(Equal("Please select a valid image file"))
		})

		It("should reject an oversized upload", func() {
			resp := uploadFile(id, "big.jpg", "image/jpeg", bytes.Repeat([]byte{0xff}, MaxImageSize+1))
			Expect(resp.StatusCode).To(Equal(http.StatusRequestEntityTooLarge))
			var body errorBody
			decode(resp, &body)
			Expect(body.Error.Message).To(Equal("Image file is too large. Maximum size is 20MB."))
		})

		It("should infer the type from the extension", func() {
			resp := uploadFile(id, "scan.png", "application/octet-stream", pngBytes(4, 4))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should require an image before extracting", func() {
			resp := do("POST", "/api/sessions/"+id+"/extract", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			var body errorBody
			decode(resp, &body)
			Expect(body.Error.Kind).To(Equal("no_image"))
		})

		It("should report service failures as bad gateway", func() {
			scanner.err = errors.New("connection refused")
			uploadFile(id, "hello.jpg", "image/jpeg", jpegBytes(8, 8))
			resp := do("POST", "/api/sessions/"+id+"/extract", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
			var body errorBody
			decode(resp, &body)
			Expect(body.Error.Message).To(Equal("Failed to extract text: connection refused"))
		})

		It("should reject an empty API key", func() {
			resp := do("PUT", "/api/sessions/"+id+"/credential", strings.NewReader(`{"api_key":""}`), "application/json")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should reject a malformed body", func() {
			resp := do("PUT", "/api/sessions/"+id+"/credential", strings.NewReader(`{`), "application/json")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should report a conflict when nothing awaits confirmation", func() {
			resp := do("POST", "/api/sessions/"+id+"/confirm", strings.NewReader(`{"proceed":true}`), "application/json")
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})

		It("should clear the image", func() {
			uploadFile(id, "hello.jpg", "image/jpeg", jpegBytes(8, 8))
			resp := do("DELETE", "/api/sessions/"+id+"/image", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var view View
			decode(resp, &view)
			Expect(view.State).To(Equal(StateIdle))
			Expect(view.Image).To(BeNil())
		})

		Describe("history items", func() {
			BeforeEach(func() {
				blobs.blobs["scans/1_a.jpg"] = []byte("jpeg")
				records.push([]ScanRecord{{ID: "old", Text: "Stored", ImageURL: "/blobs/scans/1_a.jpg", ImagePath: "scans/1_a.jpg"}})
				Eventually(history.Snapshot).Should(HaveLen(1))
			})

			It("should load a stored scan", func() {
				resp := do("POST", "/api/sessions/"+id+"/history/old/load", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				var view View
				decode(resp, &view)
				Expect(view.Result).To(Equal("Stored"))
			})

			It("should require confirmation to delete", func() {
				resp := do("DELETE", "/api/sessions/"+id+"/history/old", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))
				Expect(records.deleted).To(BeEmpty())
			})

			It("should delete with confirmation", func() {
				resp := do("DELETE", "/api/sessions/"+id+"/history/old?confirm=true", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
				Expect(records.deleted).To(ConsistOf("old"))
			})

			It("should serve the stored image", func() {
				resp := do("GET", "/blobs/scans/1_a.jpg", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("image/jpeg"))
			})

			It("should export the history", func() {
				resp := do("GET", "/api/history/export", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Disposition")).To(ContainSubstring("ocr-history.xlsx"))
			})
		})

		It("should dismiss a notice", func() {
			resp := do("PUT", "/api/sessions/"+id+"/credential", strings.NewReader(`{"api_key":"abc"}`), "application/json")
			var view View
			decode(resp, &view)
			Expect(view.Notices).To(HaveLen(1))

			resp = do("DELETE", "/api/sessions/"+id+"/notices/"+view.Notices[0].ID, nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			resp = do("DELETE", "/api/sessions/"+id+"/notices/"+view.Notices[0].ID, nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("store config", func() {
		It("should return the redacted config", func() {
			resp := do("GET", "/api/store-config", nil, "")
			var cfg map[string]string
			decode(resp, &cfg)
			Expect(cfg).To(HaveKeyWithValue("postgres_dsn", "********"))
		})

		It("should pass new settings to the store", func() {
			resp := do("PUT", "/api/store-config", strings.NewReader(`{"driver":"postgres"}`), "application/json")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(string(store.raw)).To(Equal(`{"driver":"postgres"}`))
		})

		When("the settings are invalid", func() {
			BeforeEach(func() {
				store.reconfigureErr = &Error{Kind: ConfigInvalid, Message: "Store configuration is invalid"}
			})

			It("should return bad request", func() {
				resp := do("PUT", "/api/store-config", strings.NewReader(`{}`), "application/json")
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				var body errorBody
				decode(resp, &body)
				Expect(body.Error.Kind).To(Equal("config_invalid"))
			})
		})
	})
})
