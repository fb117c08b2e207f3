package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/billstore/internal/bill"
	"github.com/zombor/billstore/internal/imagestore"
	"github.com/zombor/billstore/internal/ingest"
)

func billBody(method, amount, when, productType string) map[string]any {
	return map[string]any{
		"payment_method":   method,
		"amount":           amount,
		"transaction_time": when,
		"product_type":     productType,
	}
}

var _ = Describe("Server", func() {
	var (
		ctx        context.Context
		imageDir   string
		images     *imagestore.LocalStorage
		service    *bill.Service
		ingester   *mockIngester
		auth       BasicAuth
		httpServer *ghttp.Server
		c          client
	)

	create := func(body map[string]any) bill.Record {
		resp, data := c.do(http.MethodPost, "/api/bills", body)
		Expect(resp.StatusCode).To(Equal(http.StatusCreated), string(data))
		return decode[bill.Record](data)
	}

	BeforeEach(func() {
		ctx = context.Background()
		dir := GinkgoT().TempDir()
		db, err := bill.NewBoltDB(filepath.Join(dir, "bills.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(db.Close)
		service = bill.NewService(db)

		imageDir = filepath.Join(dir, "images")
		images, err = imagestore.NewLocalStorage(imageDir)
		Expect(err).NotTo(HaveOccurred())

		ingester = newMockIngester()
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		httpServer = serve(NewServer(service, ingester, images, auth))
		DeferCleanup(httpServer.Close)
		c = client{base: httpServer.URL()}
	})

	Describe("POST /api/bills", func() {
		It("creates a record with the defaults applied", func() {
			resp, data := c.do(http.MethodPost, "/api/bills", billBody("alipay", "88.50", "2024-03-01 10:00:00", "dining"))
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

			rec := decode[bill.Record](data)
			Expect(resp.Header.Get("Location")).To(Equal(fmt.Sprintf("/api/bills/%d", rec.ID)))
			Expect(rec.Status).To(Equal(bill.StatusPending))
			Expect(rec.Currency).To(Equal("CNY"))
			Expect(rec.CreatedBy).To(Equal("000000"))
			Expect(rec.Amount.StringFixed(2)).To(Equal("88.50"))
		})

		It("writes amounts with two fractional digits", func() {
			_, data := c.do(http.MethodPost, "/api/bills", billBody("alipay", "1", "2024-03-01 10:00:00", "dining"))
			Expect(string(data)).To(ContainSubstring(`"amount":"1.00"`))
		})

		It("accepts RFC 3339 timestamps and numeric amounts", func() {
			body := billBody("wechat", "", "2024-03-01T10:00:00Z", "transport")
			body["amount"] = 12.5
			rec := create(body)
			Expect(rec.Amount.StringFixed(2)).To(Equal("12.50"))
		})

		It("reports the invalid field", func() {
			body := billBody("alipay", "88.50", "2024-03-01 10:00:00", "dining")
			delete(body, "amount")
			resp, data := c.do(http.MethodPost, "/api/bills", body)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(decode[Problem](data).Field).To(Equal("amount"))
		})

		It("rejects unknown fields", func() {
			body := billBody("alipay", "88.50", "2024-03-01 10:00:00", "dining")
			body["colour"] = "red"
			resp, _ := c.do(http.MethodPost, "/api/bills", body)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects malformed JSON", func() {
			resp, _ := c.do(http.MethodPost, "/api/bills", `{"amount": `)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("returns conflict for a duplicate record_id", func() {
			body := billBody("alipay", "88.50", "2024-03-01 10:00:00", "dining")
			body["record_id"] = "r-1"
			create(body)

			resp, data := c.do(http.MethodPost, "/api/bills", body)
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			Expect(decode[Problem](data).Title).To(Equal("Conflict"))
		})
	})

	Describe("GET /api/bills/{id}", func() {
		It("returns the record", func() {
			rec := create(billBody("alipay", "88.50", "2024-03-01 10:00:00", "dining"))
			resp, data := c.do(http.MethodGet, fmt.Sprintf("/api/bills/%d", rec.ID), nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decode[bill.Record](data).ID).To(Equal(rec.ID))
		})

		It("returns not found for an unknown id", func() {
			resp, _ := c.do(http.MethodGet, "/api/bills/999", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("returns bad request for a malformed id", func() {
			resp, _ := c.do(http.MethodGet, "/api/bills/abc", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GET /api/bills/by-record/{recordID}", func() {
		It("finds the record by its external id", func() {
			body := billBody("alipay", "88.50", "2024-03-01 10:00:00", "dining")
			body["record_id"] = "ext-42"
			rec := create(body)

			resp, data := c.do(http.MethodGet, "/api/bills/by-record/ext-42", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decode[bill.Record](data).ID).To(Equal(rec.ID))
		})

		It("returns not found for an unknown record_id", func() {
			resp, _ := c.do(http.MethodGet, "/api/bills/by-record/nope", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("PUT /api/bills/{id}/status", func() {
		var rec bill.Record

		JustBeforeEach(func() {
			rec = create(billBody("alipay", "88.50", "2024-03-01 10:00:00", "dining"))
		})

		It("confirms the record", func() {
			resp, data := c.do(http.MethodPut, fmt.Sprintf("/api/bills/%d/status", rec.ID), map[string]string{"status": "confirmed"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			updated := decode[bill.Record](data)
			Expect(updated.Status).To(Equal(bill.StatusConfirmed))
			Expect(updated.UpdatedAt).To(BeTemporally(">", updated.CreatedAt))
		})

		It("rejects an undefined status", func() {
			resp, data := c.do(http.MethodPut, fmt.Sprintf("/api/bills/%d/status", rec.ID), map[string]string{"status": "archived"})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(decode[Problem](data).Field).To(Equal("status"))
		})

		It("stores a description sent with the status", func() {
			resp, data := c.do(http.MethodPut, fmt.Sprintf("/api/bills/%d/status", rec.ID), map[string]string{"status": "confirmed", "description": "checked"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK), string(data))
			updated := decode[bill.Record](data)
			Expect(updated.Status).To(Equal(bill.StatusConfirmed))
			Expect(*updated.Description).To(Equal("checked"))

			got, err := service.GetByID(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(*got.Description).To(Equal("checked"))
		})
	})

	Describe("PUT /api/bills/by-record/{recordID}/status", func() {
		var rec bill.Record

		JustBeforeEach(func() {
			body := billBody("alipay", "88.50", "2024-03-01 10:00:00", "dining")
			body["record_id"] = "ext-42"
			rec = create(body)
		})

		It("updates the record with that record_id", func() {
			resp, data := c.do(http.MethodPut, "/api/bills/by-record/ext-42/status", map[string]string{"status": "rejected", "description": "duplicate"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK), string(data))
			updated := decode[bill.Record](data)
			Expect(updated.ID).To(Equal(rec.ID))
			Expect(updated.Status).To(Equal(bill.StatusRejected))
			Expect(*updated.Description).To(Equal("duplicate"))
		})

		It("returns not found for an unknown record_id", func() {
			resp, _ := c.do(http.MethodPut, "/api/bills/by-record/nope/status", map[string]string{"status": "confirmed"})
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("PATCH /api/bills/{id}", func() {
		var rec bill.Record

		JustBeforeEach(func() {
			rec = create(billBody("alipay", "88.50", "2024-03-01 10:00:00", "dining"))
		})

		It("updates the descriptive fields", func() {
			resp, data := c.do(http.MethodPatch, fmt.Sprintf("/api/bills/%d", rec.ID), map[string]any{
				"merchant":         "Starbucks",
				"transaction_time": "2024-03-02 09:30:00",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			updated := decode[bill.Record](data)
			Expect(*updated.Merchant).To(Equal("Starbucks"))
			Expect(updated.TransactionTime.Day()).To(Equal(2))
		})

		It("rejects a change to created_by", func() {
			resp, data := c.do(http.MethodPatch, fmt.Sprintf("/api/bills/%d", rec.ID), map[string]any{"created_by": "mallory"})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(decode[Problem](data).Field).To(Equal("created_by"))

			got, err := service.GetByID(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.CreatedBy).To(Equal("000000"))
		})

		It("rejects an empty patch", func() {
			resp, _ := c.do(http.MethodPatch, fmt.Sprintf("/api/bills/%d", rec.ID), map[string]any{})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GET /api/bills", func() {
		var recs []bill.Record

		JustBeforeEach(func() {
			recs = []bill.Record{
				create(billBody("alipay", "10.00", "2024-03-03 10:00:00", "dining")),
				create(billBody("wechat", "20.00", "2024-03-01 10:00:00", "dining")),
				create(billBody("alipay", "30.00", "2024-03-02 10:00:00", "shopping")),
			}
		})

		It("pages through the range in time order", func() {
			resp, data := c.do(http.MethodGet, "/api/bills?start=2024-03-01&end=2024-03-31&page_size=2", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			page := decode[listResponse](data)
			Expect(page.HasMore).To(BeTrue())
			Expect(page.Items).To(HaveLen(2))
			Expect(page.Items[0].ID).To(Equal(recs[1].ID))
			Expect(page.Items[1].ID).To(Equal(recs[2].ID))

			resp, data = c.do(http.MethodGet, "/api/bills?start=2024-03-01&end=2024-03-31&page_size=2&page=2", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			page = decode[listResponse](data)
			Expect(page.HasMore).To(BeFalse())
			Expect(page.Items).To(HaveLen(1))
			Expect(page.Items[0].ID).To(Equal(recs[0].ID))
		})

		It("covers the whole end day for a date-only end", func() {
			_, data := c.do(http.MethodGet, "/api/bills?start=2024-03-03&end=2024-03-03", nil)
			Expect(decode[listResponse](data).Items).To(HaveLen(1))
		})

		It("applies the payment method filter", func() {
			_, data := c.do(http.MethodGet, "/api/bills?payment_method=alipay", nil)
			page := decode[listResponse](data)
			Expect(page.Items).To(HaveLen(2))
		})

		It("rejects an end before the start", func() {
			resp, _ := c.do(http.MethodGet, "/api/bills?start=2024-03-05&end=2024-03-01", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects a page number whose offset would overflow", func() {
			resp, data := c.do(http.MethodGet, "/api/bills?page=92233720368547760&page_size=100", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(decode[Problem](data).Detail).To(ContainSubstring("page must be between 1 and"))
		})

		It("returns an empty page past the last record", func() {
			resp, data := c.do(http.MethodGet, "/api/bills?page=1000&page_size=100", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			page := decode[listResponse](data)
			Expect(page.Items).To(BeEmpty())
			Expect(page.HasMore).To(BeFalse())
		})

		It("rejects an oversized page", func() {
			resp, _ := c.do(http.MethodGet, "/api/bills?page_size=1000", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects an unparseable start", func() {
			resp, _ := c.do(http.MethodGet, "/api/bills?start=yesterday", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("lists by payment method in insertion order", func() {
			_, data := c.do(http.MethodGet, "/api/bills/by-payment/alipay", nil)
			page := decode[listResponse](data)
			Expect(page.Items).To(HaveLen(2))
			Expect(page.Items[0].ID).To(Equal(recs[0].ID))
			Expect(page.Items[1].ID).To(Equal(recs[2].ID))
		})

		It("summarises the range", func() {
			resp, data := c.do(http.MethodGet, "/api/bills/stats?start=2024-03-01&end=2024-03-31", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			sum := decode[bill.Summary](data)
			Expect(sum.Overall.Count).To(Equal(3))
			Expect(sum.Overall.Total.StringFixed(2)).To(Equal("60.00"))
			Expect(sum.ByPaymentMethod[0].Key).To(Equal("alipay"))
		})
	})

	Describe("GET /api/bills/{id}/image", func() {
		It("streams the stored image", func() {
			Expect(images.Save(ctx, "bill_images/a.png", []byte("png bytes"), "image/png")).To(Succeed())
			body := billBody("alipay", "88.50", "2024-03-01 10:00:00", "dining")
			body["image_path"] = "bill_images/a.png"
			rec := create(body)

			resp, data := c.do(http.MethodGet, fmt.Sprintf("/api/bills/%d/image", rec.ID), nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
			Expect(string(data)).To(Equal("png bytes"))
		})

		It("returns not found for a record without an image", func() {
			rec := create(billBody("alipay", "88.50", "2024-03-01 10:00:00", "dining"))
			resp, _ := c.do(http.MethodGet, fmt.Sprintf("/api/bills/%d/image", rec.ID), nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("returns not found when the image is missing from the store", func() {
			body := billBody("alipay", "88.50", "2024-03-01 10:00:00", "dining")
			body["image_path"] = "bill_images/gone.png"
			rec := create(body)
			resp, _ := c.do(http.MethodGet, fmt.Sprintf("/api/bills/%d/image", rec.ID), nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("POST /api/analyze-bill", func() {
		upload := func(field, filename, contentType string, data []byte) (*http.Response, []byte) {
			var buf bytes.Buffer
			mw := multipart.NewWriter(&buf)
			h := make(textproto.MIMEHeader)
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
			h.Set("Content-Type", contentType)
			part, err := mw.CreatePart(h)
			Expect(err).NotTo(HaveOccurred())
			_, err = part.Write(data)
			Expect(err).NotTo(HaveOccurred())
			Expect(mw.Close()).To(Succeed())

			req, err := http.NewRequest(http.MethodPost, c.base+"/api/analyze-bill", &buf)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Content-Type", mw.FormDataContentType())
			if c.user != "" {
				req.SetBasicAuth(c.user, c.password)
			}
			return c.send(req)
		}

		It("accepts the upload and returns the task", func() {
			resp, data := upload("image", "bill.png", "image/png", []byte("png bytes"))
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			Expect(resp.Header.Get("Location")).To(Equal("/api/tasks/task-1"))
			task := decode[ingest.Task](data)
			Expect(task.Status).To(Equal(ingest.TaskProcessing))

			Expect(ingester.uploads).To(HaveLen(1))
			Expect(ingester.uploads[0].Filename).To(Equal("bill.png"))
			Expect(ingester.uploads[0].ContentType).To(Equal("image/png"))
			Expect(ingester.uploads[0].Data).To(Equal([]byte("png bytes")))
		})

		It("accepts the file field", func() {
			resp, _ := upload("file", "bill.jpg", "image/jpeg", []byte("jpeg bytes"))
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		})

		It("rejects a form without a file", func() {
			resp, _ := upload("other", "bill.png", "image/png", []byte("png bytes"))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("maps an unsupported upload to bad request", func() {
			ingester.err = fmt.Errorf("%w: text/plain", ingest.ErrUnsupportedType)
			resp, _ := upload("image", "notes.txt", "text/plain", []byte("hello"))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("hides internal errors", func() {
			ingester.err = errors.New("disk on fire")
			resp, data := upload("image", "bill.png", "image/png", []byte("png bytes"))
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(string(data)).NotTo(ContainSubstring("disk on fire"))
		})
	})

	Describe("GET /api/tasks/{taskID}", func() {
		It("returns a known task under both paths", func() {
			_, err := ingester.Submit(ctx, ingest.Upload{})
			Expect(err).NotTo(HaveOccurred())

			for _, path := range []string{"/api/tasks/task-1", "/api/task-status/task-1"} {
				resp, data := c.do(http.MethodGet, path, nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(decode[ingest.Task](data).ID).To(Equal("task-1"))
			}
		})

		It("returns not found for an unknown task", func() {
			resp, _ := c.do(http.MethodGet, "/api/tasks/nope", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Context("with basic auth configured", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "alice", Password: "secret"}
		})

		It("rejects requests without credentials", func() {
			resp, _ := c.do(http.MethodGet, "/api/bills", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		It("rejects a wrong password", func() {
			c.user, c.password = "alice", "wrong"
			resp, _ := c.do(http.MethodGet, "/api/bills", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("records the user as created_by", func() {
			c.user, c.password = "alice", "secret"
			rec := create(billBody("alipay", "88.50", "2024-03-01 10:00:00", "dining"))
			Expect(rec.CreatedBy).To(Equal("alice"))
		})

		It("keeps an explicit created_by", func() {
			c.user, c.password = "alice", "secret"
			body := billBody("alipay", "88.50", "2024-03-01 10:00:00", "dining")
			body["created_by"] = "bob"
			Expect(create(body).CreatedBy).To(Equal("bob"))
		})

		It("leaves the health check open", func() {
			resp, _ := c.do(http.MethodGet, "/health", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("CORS", func() {
		It("answers preflight requests", func() {
			resp, _ := c.do(http.MethodOptions, "/api/bills", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("PATCH"))
		})
	})

	Describe("GET /health", func() {
		It("reports healthy dependencies", func() {
			resp, data := c.do(http.MethodGet, "/health", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			health := decode[healthResponse](data)
			Expect(health.Database).To(BeTrue())
			Expect(health.ImageStore).To(BeTrue())
		})

		It("reports an unavailable image store", func() {
			Expect(os.RemoveAll(imageDir)).To(Succeed())
			resp, data := c.do(http.MethodGet, "/health", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
			Expect(decode[healthResponse](data).ImageStore).To(BeFalse())
		})
	})
})
