package pgstore_test

import (
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aneshas/eventsourcing"
	"github.com/aneshas/eventsourcing/storage/pgstore"
	"github.com/aneshas/eventsourcing/storage/storagetest"
)

var _ = Describe("Storage", func() {
	var s *pgstore.Storage

	load := func(filter eventsourcing.StreamFilter) []eventsourcing.RawEvent {
		stream, err := s.Load(ctx, filter)
		Expect(err).NotTo(HaveOccurred())

		evts, err := stream.Collect(ctx)
		Expect(err).NotTo(HaveOccurred())

		return evts
	}

	BeforeEach(func() {
		s = pgstore.New(pool, pgstore.WithBatchSize(7))
		Expect(s.Setup(ctx)).To(Succeed())

		_, err := pool.Exec(ctx, "TRUNCATE TABLE events RESTART IDENTITY")
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Commit", func() {
		It("assigns versions and sequence numbers", func() {
			first, err := s.Commit(ctx, "Acme:Order:1", storagetest.Events("Acme:OrderPlaced", 2), eventsourcing.ExpectedVersionNoStream)
			Expect(err).NotTo(HaveOccurred())

			second, err := s.Commit(ctx, "Acme:Order:1", storagetest.Events("Acme:OrderShipped", 1), eventsourcing.ExpectedVersion(1))
			Expect(err).NotTo(HaveOccurred())

			Expect(first[0].SequenceNumber).To(Equal(uint64(1)))
			Expect(first[1].Version).To(Equal(int64(1)))
			Expect(second[0].Version).To(Equal(int64(2)))
			Expect(second[0].SequenceNumber).To(Equal(uint64(3)))
			Expect(second[0].Identifier).NotTo(BeEmpty())
			Expect(second[0].RecordedAt.IsZero()).To(BeFalse())
		})

		It("rejects stale expected versions and leaves the stream unchanged", func() {
			_, err := s.Commit(ctx, "Acme:Order:1", storagetest.Events("Acme:OrderPlaced", 3), eventsourcing.ExpectedVersionNoStream)
			Expect(err).NotTo(HaveOccurred())

			_, err = s.Commit(ctx, "Acme:Order:1", storagetest.Events("Acme:OrderPlaced", 1), eventsourcing.ExpectedVersion(1))
			Expect(err).To(MatchError(eventsourcing.ErrConcurrencyConflict))

			Expect(load(eventsourcing.StreamNameFilter("Acme:Order:1"))).To(HaveLen(3))
		})

		It("tells duplicate identifiers apart from version conflicts", func() {
			evts := storagetest.Events("Acme:OrderPlaced", 1)
			evts[0].Identifier = "same-id"

			_, err := s.Commit(ctx, "Acme:Order:1", evts, eventsourcing.ExpectedVersionNoStream)
			Expect(err).NotTo(HaveOccurred())

			_, err = s.Commit(ctx, "Acme:Order:2", evts, eventsourcing.ExpectedVersionNoStream)
			Expect(err).To(MatchError(eventsourcing.ErrDuplicateEvent))
			Expect(eventsourcing.IsConcurrencyError(err)).To(BeFalse())

			Expect(load(eventsourcing.StreamNameFilter("Acme:Order:2"))).To(BeEmpty())
		})

		It("lets exactly one of many racing writers win", func() {
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				succeeded int
			)

			for i := 0; i < 8; i++ {
				wg.Add(1)

				go func() {
					defer GinkgoRecover()
					defer wg.Done()

					_, err := s.Commit(ctx, "Acme:Order:9", storagetest.Events("Acme:OrderPlaced", 1), eventsourcing.ExpectedVersionNoStream)
					if err == nil {
						mu.Lock()
						succeeded++
						mu.Unlock()

						return
					}

					Expect(eventsourcing.IsConcurrencyError(err)).To(BeTrue())
				}()
			}

			wg.Wait()

			Expect(succeeded).To(Equal(1))
		})
	})

	Describe("Load", func() {
		BeforeEach(func() {
			for i := 0; i < 10; i++ {
				_, err := s.Commit(ctx, fmt.Sprintf("Acme:Order:%d", i%2), storagetest.Events("Acme:OrderPlaced", 2), eventsourcing.ExpectedVersionAny)
				Expect(err).NotTo(HaveOccurred())

				_, err = s.Commit(ctx, fmt.Sprintf("Acme:Order:%d", i%2), storagetest.Events("Acme:OrderShipped", 1), eventsourcing.ExpectedVersionAny)
				Expect(err).NotTo(HaveOccurred())
			}
		})

		It("pages through batches in sequence order", func() {
			evts := load(eventsourcing.NewStreamFilter())
			Expect(evts).To(HaveLen(30))

			for i := 1; i < len(evts); i++ {
				Expect(evts[i].SequenceNumber).To(BeNumerically(">", evts[i-1].SequenceNumber))
			}
		})

		It("filters by stream, type and sequence number", func() {
			Expect(load(eventsourcing.StreamNameFilter("Acme:Order:1"))).To(HaveLen(15))
			Expect(load(eventsourcing.EventTypesFilter("Acme:OrderShipped"))).To(HaveLen(10))
			Expect(load(eventsourcing.NewStreamFilter(eventsourcing.WithMinimumSequenceNumber(21)))).To(HaveLen(10))
		})

		It("returns the first match", func() {
			evt, err := s.LoadOne(ctx, eventsourcing.EventTypesFilter("Acme:OrderShipped"))
			Expect(err).NotTo(HaveOccurred())
			Expect(evt.SequenceNumber).To(Equal(uint64(3)))
			Expect(evt.Metadata.CorrelationID()).To(Equal("corr-0"))

			_, err = s.LoadOne(ctx, eventsourcing.StreamNameFilter("Acme:Order:7"))
			Expect(err).To(MatchError(eventsourcing.ErrEventNotFound))
		})
	})

	It("reports its status", func() {
		_, err := s.Commit(ctx, "Acme:Order:1", storagetest.Events("Acme:OrderPlaced", 4), eventsourcing.ExpectedVersionAny)
		Expect(err).NotTo(HaveOccurred())

		status, err := s.Status(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(status.Healthy).To(BeTrue())
		Expect(status.Events).To(Equal(uint64(4)))
	})

	It("is constructed by the factory", func() {
		storage, err := pgstore.Factory(map[string]any{
			"dsn":         dsn,
			"table":       "factory_events",
			"autoMigrate": true,
		})
		Expect(err).NotTo(HaveOccurred())

		DeferCleanup(func() {
			Expect(storage.(*pgstore.Storage).Close()).To(Succeed())
		})

		status, err := storage.Status(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(status.Details["table"]).To(Equal("factory_events"))
	})
})
