package quota

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("StaticSubscriptions", func() {
	var (
		clock *mockTimeSource
		subs  *StaticSubscriptions
		now   time.Time
	)

	BeforeEach(func() {
		now = time.Date(2024, 5, 17, 0, 0, 0, 0, time.UTC)
		clock = &mockTimeSource{now: now}
		expired := now.Add(-time.Hour)
		subs = NewStaticSubscriptionsWithDeps(clock,
			&Subscription{OwnerID: "active", Plan: "pro", Status: "active", Limit: 500, PeriodStart: now.AddDate(0, 0, -3)},
			&Subscription{OwnerID: "expired", Plan: "pro", Status: "active", Limit: 500, PeriodStart: now.AddDate(0, -1, 0), ExpiresAt: &expired},
			&Subscription{OwnerID: "cancelled", Plan: "pro", Status: "cancelled", Limit: 500, PeriodStart: now.AddDate(0, 0, -3)},
		)
	})

	It("should return an active subscription", func() {
		sub, err := subs.Active(context.Background(), "active")
		Expect(err).NotTo(HaveOccurred())
		Expect(sub.Limit).To(Equal(500))
	})

	It("should ignore expired subscriptions", func() {
		sub, err := subs.Active(context.Background(), "expired")
		Expect(err).NotTo(HaveOccurred())
		Expect(sub).To(BeNil())
	})

	It("should ignore inactive subscriptions", func() {
		sub, err := subs.Active(context.Background(), "cancelled")
		Expect(err).NotTo(HaveOccurred())
		Expect(sub).To(BeNil())
	})

	It("should return nil for unknown owners", func() {
		sub, err := subs.Active(context.Background(), "nobody")
		Expect(err).NotTo(HaveOccurred())
		Expect(sub).To(BeNil())
	})

	Describe("LoadSubscriptions", func() {
		var path string

		BeforeEach(func() {
			path = filepath.Join(GinkgoT().TempDir(), "subscriptions.json")
		})

		It("should load a JSON array", func() {
			Expect(os.WriteFile(path, []byte(`[
				{"owner_id": "user-1", "plan": "pro", "status": "active", "scan_limit": 1000, "period_start": "2024-05-01T00:00:00Z"}
			]`), 0644)).To(Succeed())

			loaded, err := LoadSubscriptions(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.Len()).To(Equal(1))
		})

		It("should reject entries without an owner", func() {
			Expect(os.WriteFile(path, []byte(`[{"plan": "pro", "scan_limit": 10}]`), 0644)).To(Succeed())

			_, err := LoadSubscriptions(path)
			Expect(err).To(HaveOccurred())
		})

		It("should fail on a missing file", func() {
			_, err := LoadSubscriptions(filepath.Join(GinkgoT().TempDir(), "missing.json"))
			Expect(err).To(HaveOccurred())
		})
	})
})
