package history

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// uuidSequence is needed because the postgres id column is a UUID
type uuidSequence struct{}

func (uuidSequence) Generate() string {
	return uuid.NewString()
}

var _ = Describe("PostgresStore", func() {
	var (
		ctx   context.Context
		store *PostgresStore
		clock *mockTimeSource
	)

	BeforeEach(func() {
		dsn := os.Getenv("TEXT_SCANNER_TEST_DATABASE_URL")
		if dsn == "" {
			Skip("TEXT_SCANNER_TEST_DATABASE_URL is not set")
		}

		ctx = context.Background()
		connected, err := NewPostgresStore(ctx, dsn)
		Expect(err).NotTo(HaveOccurred())

		clock = &mockTimeSource{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
		store = NewPostgresStoreWithDeps(connected.pool, uuidSequence{}, clock)
		_, err = store.pool.Exec(ctx, `TRUNCATE scan_history`)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if store != nil {
			store.Close()
		}
	})

	It("should append, list, delete and count", func() {
		older, err := store.Append(ctx, "user-1", "Older Note", SourceImage, "")
		Expect(err).NotTo(HaveOccurred())
		clock.now = clock.now.Add(time.Minute)
		newer, err := store.Append(ctx, "user-1", "newer note", SourceCamera, "")
		Expect(err).NotTo(HaveOccurred())

		records, err := store.ListActive(ctx, "user-1", ListOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(2))
		Expect(records[0].ID).To(Equal(newer.ID))

		records, err = store.ListActive(ctx, "user-1", ListOptions{Query: "OLDER"})
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(1))

		Expect(store.SoftDelete(ctx, "user-1", older.ID)).To(Succeed())
		Expect(store.SoftDelete(ctx, "user-1", older.ID)).To(MatchError(ErrNotFound))
		Expect(store.SoftDelete(ctx, "user-1", "not-a-uuid")).To(MatchError(ErrNotFound))

		active, err := store.CountActiveSince(ctx, "user-1", time.Time{})
		Expect(err).NotTo(HaveOccurred())
		Expect(active).To(Equal(1))

		all, err := store.CountSince(ctx, "user-1", time.Time{})
		Expect(err).NotTo(HaveOccurred())
		Expect(all).To(Equal(2))
	})
})
