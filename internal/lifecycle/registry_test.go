package lifecycle

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/text-scanner/internal/acquire"
	"github.com/zombor/text-scanner/internal/history"
	"github.com/zombor/text-scanner/internal/quota"
)

// waitingSource blocks until its attempt is cancelled
type waitingSource struct{}

func (waitingSource) Acquire(ctx context.Context) (*acquire.Image, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

var _ = Describe("Registry", func() {
	var (
		registry   *Registry
		created    int
		clock      *mockTimeSource
		recognizer *mockRecognizer
	)

	BeforeEach(func() {
		created = 0
		clock = &mockTimeSource{now: time.Date(2024, 5, 17, 10, 0, 0, 0, time.UTC)}
		recognizer = &mockRecognizer{text: "hello"}
		gate := &mockGate{decision: quota.Allowed, state: quota.State{Limit: 10}}
		registry = NewRegistryWithDeps(func() *Manager {
			created++
			return NewManager(gate, recognizer, &mockRecorder{}, Options{})
		}, clock)
	})

	It("should reuse an owner's manager", func() {
		Expect(registry.For("user-1")).To(BeIdenticalTo(registry.For("user-1")))
		Expect(created).To(Equal(1))
	})

	It("should give each owner a separate manager", func() {
		Expect(registry.For("user-1")).NotTo(BeIdenticalTo(registry.For("user-2")))
		Expect(created).To(Equal(2))
	})

	Describe("idle managers", func() {
		It("should drop managers unused for a while", func() {
			registry.For("user-1")
			registry.For("user-2")
			Expect(registry.Len()).To(Equal(2))

			clock.now = clock.now.Add(11 * time.Minute)
			registry.For("user-3")
			Expect(registry.Len()).To(Equal(1))
		})

		It("should keep recently used managers", func() {
			registry.For("user-1")
			clock.now = clock.now.Add(5 * time.Minute)
			registry.For("user-2")
			clock.now = clock.now.Add(6 * time.Minute)
			registry.For("user-3")
			Expect(registry.Len()).To(Equal(2))
		})

		It("should keep managers with a running attempt", func() {
			recognizer.release = make(chan struct{})
			m := registry.For("user-1")
			_, err := m.Start(context.Background(), "user-1", history.SourceImage, fileSource())
			Expect(err).NotTo(HaveOccurred())

			clock.now = clock.now.Add(time.Hour)
			registry.For("user-2")
			Expect(registry.For("user-1")).To(BeIdenticalTo(m))

			close(recognizer.release)
			_, err = m.Wait(context.Background())
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("Wait", func() {
		It("should return at once when nothing runs", func() {
			registry.For("user-1")
			Expect(registry.Wait(context.Background())).To(Succeed())
		})

		It("should wait for running attempts", func() {
			recognizer.release = make(chan struct{})
			m := registry.For("user-1")
			_, err := m.Start(context.Background(), "user-1", history.SourceImage, fileSource())
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			Expect(registry.Wait(ctx)).To(MatchError(context.DeadlineExceeded))

			close(recognizer.release)
			Expect(registry.Wait(context.Background())).To(Succeed())
			Expect(m.Status().State).To(Equal(StateDone))
		})
	})

	Describe("Drain", func() {
		It("should cancel attempts waiting for an image and let recognition finish", func() {
			waiting := registry.For("user-1")
			_, err := waiting.Start(context.Background(), "user-1", history.SourceCamera, waitingSource{})
			Expect(err).NotTo(HaveOccurred())

			recognizer.release = make(chan struct{})
			busy := registry.For("user-2")
			_, err = busy.Start(context.Background(), "user-2", history.SourceImage, fileSource())
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() State { return busy.Status().State }).Should(Equal(StateRecognizing))

			go close(recognizer.release)
			Expect(registry.Drain(context.Background())).To(Succeed())
			Expect(waiting.Status().State).To(Equal(StateCancelled))
			Expect(busy.Status().State).To(Equal(StateDone))
		})
	})
})
