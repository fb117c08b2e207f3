package imagestore

import (
	"context"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

const noSuchKeyXML = `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`

var _ = Describe("S3Storage", func() {
	var (
		ctx    context.Context
		server *ghttp.Server
		cfg    S3Config
	)

	BeforeEach(func() {
		ctx = context.Background()
		server = ghttp.NewServer()
		DeferCleanup(server.Close)
		cfg = S3Config{
			Endpoint:  server.URL(),
			Region:    "us-east-1",
			Bucket:    "bills",
			AccessKey: "minio",
			SecretKey: "minio123",
		}
	})

	Describe("NewS3Storage", func() {
		It("uses an existing bucket", func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodHead, "/bills"),
				ghttp.RespondWith(http.StatusOK, nil),
			))

			_, err := NewS3Storage(ctx, cfg)
			Expect(err).NotTo(HaveOccurred())
			Expect(server.ReceivedRequests()).To(HaveLen(1))
		})

		It("creates a missing bucket", func() {
			server.AppendHandlers(
				ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodHead, "/bills"),
					ghttp.RespondWith(http.StatusNotFound, nil),
				),
				ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodPut, "/bills"),
					ghttp.RespondWith(http.StatusOK, nil),
				),
			)

			_, err := NewS3Storage(ctx, cfg)
			Expect(err).NotTo(HaveOccurred())
			Expect(server.ReceivedRequests()).To(HaveLen(2))
		})

		It("requires a bucket name", func() {
			cfg.Bucket = ""
			_, err := NewS3Storage(ctx, cfg)
			Expect(err).To(MatchError(ContainSubstring("bucket is required")))
		})
	})

	Context("with a ready bucket", func() {
		var storage *S3Storage

		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusOK, nil))
			var err error
			storage, err = NewS3Storage(ctx, cfg)
			Expect(err).NotTo(HaveOccurred())
		})

		It("uploads with path style addressing", func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPut, "/bills/bill_images/a.png"),
				ghttp.VerifyHeaderKV("Content-Type", "image/png"),
				ghttp.RespondWith(http.StatusOK, nil),
			))

			Expect(storage.Save(ctx, "bill_images/a.png", []byte("png bytes"), "image/png")).To(Succeed())
		})

		It("downloads an object with its content type", func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodGet, "/bills/bill_images/a.png"),
				ghttp.RespondWith(http.StatusOK, "png bytes", http.Header{"Content-Type": {"image/png"}}),
			))

			data, contentType, err := storage.Get(ctx, "bill_images/a.png")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("png bytes"))
			Expect(contentType).To(Equal("image/png"))
		})

		It("maps NoSuchKey to ErrNotFound", func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodGet, "/bills/bill_images/missing.png"),
				ghttp.RespondWith(http.StatusNotFound, noSuchKeyXML, http.Header{"Content-Type": {"application/xml"}}),
			))

			_, _, err := storage.Get(ctx, "bill_images/missing.png")
			Expect(err).To(MatchError(ErrNotFound))
		})

		It("deletes an object", func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodDelete, "/bills/bill_images/a.png"),
				ghttp.RespondWith(http.StatusNoContent, nil),
			))

			Expect(storage.Delete(ctx, "bill_images/a.png")).To(Succeed())
		})

		It("pings the bucket", func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodHead, "/bills"),
				ghttp.RespondWith(http.StatusOK, nil),
			))

			Expect(storage.Ping(ctx)).To(Succeed())
		})

		It("rejects an unsafe key without calling S3", func() {
			Expect(storage.Save(ctx, "../a.png", []byte("x"), "image/png")).NotTo(Succeed())
			Expect(server.ReceivedRequests()).To(HaveLen(1))
		})
	})
})
