package archive

import (
	"context"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

const noSuchKeyBody = `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message><Key>scans/user-1/missing.png</Key></Error>`

var _ = Describe("S3Storage", func() {
	var (
		ctx     context.Context
		server  *ghttp.Server
		storage *S3Storage
	)

	BeforeEach(func() {
		ctx = context.Background()
		server = ghttp.NewServer()

		var err error
		storage, err = NewS3Storage(ctx, S3Config{
			Bucket:    "images",
			Region:    "us-east-1",
			Endpoint:  server.URL(),
			AccessKey: "minio",
			SecretKey: "minio-secret",
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	It("should require a bucket", func() {
		_, err := NewS3Storage(ctx, S3Config{})
		Expect(err).To(MatchError(ContainSubstring("bucket is required")))
	})

	Describe("Save", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest("PUT", "/images/scans/user-1/record-1.png"),
				ghttp.VerifyHeaderKV("Content-Type", "image/png"),
				ghttp.RespondWith(http.StatusOK, ""),
			))
		})

		It("should put the object in the bucket", func() {
			Expect(storage.Save(ctx, "scans/user-1/record-1.png", pngHeader, "image/png")).To(Succeed())
			Expect(server.ReceivedRequests()).To(HaveLen(1))
		})
	})

	Describe("Get", func() {
		When("the object exists", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.CombineHandlers(
					ghttp.VerifyRequest("GET", "/images/scans/user-1/record-1.png"),
					ghttp.RespondWith(http.StatusOK, pngHeader, http.Header{"Content-Type": []string{"image/png"}}),
				))
			})

			It("should return the object and its content type", func() {
				data, contentType, err := storage.Get(ctx, "scans/user-1/record-1.png")
				Expect(err).NotTo(HaveOccurred())
				Expect(data).To(Equal(pngHeader))
				Expect(contentType).To(Equal("image/png"))
			})
		})

		When("the object is missing", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.CombineHandlers(
					ghttp.VerifyRequest("GET", "/images/scans/user-1/missing.png"),
					ghttp.RespondWith(http.StatusNotFound, noSuchKeyBody, http.Header{"Content-Type": []string{"application/xml"}}),
				))
			})

			It("should return ErrNotFound", func() {
				_, _, err := storage.Get(ctx, "scans/user-1/missing.png")
				Expect(err).To(MatchError(ErrNotFound))
			})
		})
	})

	Describe("Delete", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest("DELETE", "/images/scans/user-1/record-1.png"),
				ghttp.RespondWith(http.StatusNoContent, ""),
			))
		})

		It("should delete the object", func() {
			Expect(storage.Delete(ctx, "scans/user-1/record-1.png")).To(Succeed())
		})
	})
})
