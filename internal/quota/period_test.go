package quota

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Period", func() {
	// Sunday evening in UTC-5 is already Monday in UTC
	t := time.Date(2024, 6, 9, 22, 15, 0, 0, time.FixedZone("EST", -5*60*60))

	It("should start days at midnight UTC", func() {
		Expect(PeriodDay.Start(t)).To(Equal(time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)))
	})

	It("should start weeks on Monday", func() {
		Expect(PeriodWeek.Start(t)).To(Equal(time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)))
		sunday := time.Date(2024, 6, 16, 12, 0, 0, 0, time.UTC)
		Expect(PeriodWeek.Start(sunday)).To(Equal(time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)))
	})

	It("should start months on the first", func() {
		Expect(PeriodMonth.Start(t)).To(Equal(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))
	})

	It("should reject unknown periods", func() {
		_, err := ParsePeriod("fortnight")
		Expect(err).To(HaveOccurred())
	})
})
