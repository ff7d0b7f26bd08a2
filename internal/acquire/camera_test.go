package acquire

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fakeDevice is a mock implementation of Device
type fakeDevice struct {
	mu        sync.Mutex
	openErr   error
	frameErr  error
	frame     []byte
	opens     int
	closes    int
	frameCall int
}

func (d *fakeDevice) Open(ctx context.Context) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.opens++
	return &fakeStream{device: d}, nil
}

func (d *fakeDevice) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens, d.closes
}

type fakeStream struct {
	device *fakeDevice
}

func (s *fakeStream) Frame(ctx context.Context) ([]byte, string, error) {
	s.device.mu.Lock()
	defer s.device.mu.Unlock()
	s.device.frameCall++
	if s.device.frameErr != nil {
		return nil, "", s.device.frameErr
	}
	return s.device.frame, "image/jpeg", nil
}

func (s *fakeStream) Close() error {
	s.device.mu.Lock()
	defer s.device.mu.Unlock()
	s.device.closes++
	return nil
}

var _ = Describe("Camera", func() {
	var (
		device *fakeDevice
		camera *Camera
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		device = &fakeDevice{frame: jpegBytes(4, 4)}
		camera = NewCamera(device)
	})

	Describe("Open", func() {
		When("the device opens", func() {
			It("should return a handle and hold the device", func() {
				h, err := camera.Open(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(h).NotTo(BeNil())
				Expect(camera.InUse()).To(BeTrue())
			})
		})

		When("the camera is already open", func() {
			It("should reject the second open as unavailable", func() {
				_, err := camera.Open(ctx)
				Expect(err).NotTo(HaveOccurred())

				_, err = camera.Open(ctx)
				Expect(err).To(MatchError(ErrCameraUnavailable))
			})
		})

		When("permission is denied", func() {
			BeforeEach(func() {
				device.openErr = ErrPermissionDenied
			})

			It("should report the camera as unavailable", func() {
				_, err := camera.Open(ctx)
				Expect(err).To(MatchError(ErrCameraUnavailable))
				Expect(err).To(MatchError(ErrPermissionDenied))
			})

			It("should release the device", func() {
				_, _ = camera.Open(ctx)
				Expect(camera.InUse()).To(BeFalse())
			})
		})
	})

	Describe("Capture", func() {
		It("should return a PNG image", func() {
			h, err := camera.Open(ctx)
			Expect(err).NotTo(HaveOccurred())

			img, err := camera.Capture(ctx, h)
			Expect(err).NotTo(HaveOccurred())
			Expect(img.ContentType).To(Equal("image/png"))
			Expect(img.Width).To(Equal(4))
		})

		It("should fail on a closed handle", func() {
			h, err := camera.Open(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(camera.Close(h)).To(Succeed())

			_, err = camera.Capture(ctx, h)
			Expect(err).To(MatchError(ErrCameraUnavailable))
		})

		It("should fold frame errors into ErrCameraUnavailable", func() {
			device.frameErr = errors.New("usb reset")
			h, err := camera.Open(ctx)
			Expect(err).NotTo(HaveOccurred())

			_, err = camera.Capture(ctx, h)
			Expect(err).To(MatchError(ErrCameraUnavailable))
		})
	})

	Describe("Close", func() {
		It("should be safe with a nil handle", func() {
			Expect(camera.Close(nil)).To(Succeed())
		})

		It("should close the stream only once", func() {
			h, err := camera.Open(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(camera.Close(h)).To(Succeed())
			Expect(camera.Close(h)).To(Succeed())

			_, closes := device.counts()
			Expect(closes).To(Equal(1))
			Expect(camera.InUse()).To(BeFalse())
		})
	})
})

var _ = Describe("CameraSource", func() {
	var (
		device *fakeDevice
		camera *Camera
		source *CameraSource
	)

	BeforeEach(func() {
		device = &fakeDevice{frame: jpegBytes(3, 2)}
		camera = NewCamera(device)
		source = NewCameraSource(camera)
	})

	When("the shutter is triggered", func() {
		It("should capture a frame and release the camera", func() {
			Expect(source.Trigger()).To(BeTrue())

			img, err := source.Acquire(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(img.Width).To(Equal(3))

			opens, closes := device.counts()
			Expect(opens).To(Equal(1))
			Expect(closes).To(Equal(1))
			Expect(camera.InUse()).To(BeFalse())
		})

		It("should ignore a second pending trigger", func() {
			Expect(source.Trigger()).To(BeTrue())
			Expect(source.Trigger()).To(BeFalse())
		})
	})

	When("the acquisition is cancelled", func() {
		It("should return context.Canceled and release the camera", func() {
			ctx, cancel := context.WithCancel(context.Background())
			errCh := make(chan error, 1)
			go func() {
				_, err := source.Acquire(ctx)
				errCh <- err
			}()

			Eventually(camera.InUse).Should(BeTrue())
			cancel()

			var err error
			Eventually(errCh, time.Second).Should(Receive(&err))
			Expect(err).To(MatchError(context.Canceled))
			Expect(camera.InUse()).To(BeFalse())
		})
	})

	When("the camera cannot be opened", func() {
		It("should return ErrCameraUnavailable", func() {
			source = NewCameraSource(NewCamera(NoDevice{}))
			_, err := source.Acquire(context.Background())
			Expect(err).To(MatchError(ErrCameraUnavailable))
		})
	})
})
