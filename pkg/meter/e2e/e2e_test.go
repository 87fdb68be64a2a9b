// Package e2e exercises the ingestion pipeline end to end — ingress,
// worker pool, maintenance driver, and query aggregator wired together
// against a single Store — covering delta correctness, idempotence,
// in-batch ordering, and maintenance routing with pending drain.
// Retention and billing are tested in the maintenance and query packages.
package e2e

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meterstack/meterd/internal/config"
	"github.com/meterstack/meterd/internal/validation"
	"github.com/meterstack/meterd/pkg/meter/ingress"
	"github.com/meterstack/meterd/pkg/meter/maintenance"
	"github.com/meterstack/meterd/pkg/meter/query"
	"github.com/meterstack/meterd/pkg/meter/registry"
	"github.com/meterstack/meterd/pkg/meter/store"
	"github.com/meterstack/meterd/pkg/meter/types"
	"github.com/meterstack/meterd/pkg/meter/worker"
)

var _ = Describe("Meter ingestion pipeline", func() {
	var (
		ctx     context.Context
		cancel  context.CancelFunc
		mr      *miniredis.Miniredis
		s       store.Store
		reg     *registry.Registry
		maintSt *maintenance.State
		ing     *ingress.Ingress
		agg     *query.Aggregator
		pool    *worker.Pool
		logger  *zap.Logger
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), time.Minute)

		var err error
		mr, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())

		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		s = store.NewFromClient(client)
		reg = registry.New(s)
		maintSt = maintenance.NewState(s)
		logger = zap.NewNop()

		ing = ingress.New(s, reg, maintSt, logger, nil, nil, 0)
		agg = query.New(s, reg, logger)
		pool = worker.New(s, worker.Config{
			Count:              2,
			BatchSize:          100,
			PopTimeout:         50 * time.Millisecond,
			LockAcquireTimeout: time.Second,
			LockHoldTimeout:    5 * time.Second,
			MaxRetries:         3,
		}, logger, nil, nil)
		pool.Start(ctx)

		Expect(reg.Register(ctx, "100000001")).To(Succeed())
	})

	AfterEach(func() {
		pool.Stop()
		mr.Close()
		cancel()
	})

	// S1: sequential readings for one meter produce correct deltas.
	It("computes consumption as the delta from the previous reading", func() {
		readings := []types.RawReading{
			{MeterID: "100000001", Timestamp: "2025-02-20T10:00:00Z", Reading: 100.00},
			{MeterID: "100000001", Timestamp: "2025-02-20T10:30:00Z", Reading: 102.50},
			{MeterID: "100000001", Timestamp: "2025-02-20T11:00:00Z", Reading: 105.00},
		}
		for _, r := range readings {
			Expect(ing.Submit(ctx, r)).To(Succeed())
		}

		Eventually(func() int {
			members, _ := s.ZRevRange(ctx, "meter:100000001:history", 0, -1)
			return len(members)
		}, 2*time.Second, 20*time.Millisecond).Should(Equal(3))

		result, err := agg.Query(ctx, "100000001", validation.Period30Minutes)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.LatestIncrement).To(Equal(2.5))
	})

	// S2: resubmitting the exact same payload does not duplicate history.
	It("ignores a resubmitted duplicate payload", func() {
		reading := types.RawReading{MeterID: "100000001", Timestamp: "2025-02-20T10:30:00Z", Reading: 102.50}
		Expect(ing.Submit(ctx, reading)).To(Succeed())
		Expect(ing.Submit(ctx, reading)).To(Succeed())

		Eventually(func() int {
			members, _ := s.ZRevRange(ctx, "meter:100000001:history", 0, -1)
			return len(members)
		}, 2*time.Second, 20*time.Millisecond).Should(Equal(1))

		Consistently(func() int {
			members, _ := s.ZRevRange(ctx, "meter:100000001:history", 0, -1)
			return len(members)
		}, 300*time.Millisecond, 20*time.Millisecond).Should(Equal(1))
	})

	// S3: out-of-order bulk submission sorts by timestamp before applying.
	It("sorts an out-of-order batch before computing deltas", func() {
		readings := []types.RawReading{
			{MeterID: "100000001", Timestamp: "2025-02-20T12:00:00Z", Reading: 110},
			{MeterID: "100000001", Timestamp: "2025-02-20T11:30:00Z", Reading: 107},
		}
		result, err := ing.SubmitBulk(ctx, readings)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Success).To(Equal(2))

		var members []string
		Eventually(func() int {
			members, _ = s.ZRevRange(ctx, "meter:100000001:history", 0, -1)
			return len(members)
		}, 2*time.Second, 20*time.Millisecond).Should(Equal(2))

		byTime := map[string]float64{}
		for _, m := range members {
			rec, err := types.ParseHistoryRecord(m)
			Expect(err).ToNot(HaveOccurred())
			byTime[rec.Timestamp] = rec.Consumption
		}
		Expect(byTime["2025-02-20T11:30:00Z"]).To(Equal(0.0))
		Expect(byTime["2025-02-20T12:00:00Z"]).To(Equal(3.0))
	})

	// S4: submissions during maintenance route to pending and later drain.
	It("routes submissions to the pending list during maintenance and drains them after", func() {
		driver := maintenance.NewDriver(maintSt, s, config.Maintenance{Duration: 50 * time.Millisecond, KeepDays: 365}, logger, nil, nil)
		Expect(driver.Trigger(ctx)).To(Succeed())

		reading := types.RawReading{MeterID: "100000001", Timestamp: time.Now().UTC().Format(time.RFC3339), Reading: 106}
		Expect(ing.Submit(ctx, reading)).To(Succeed())

		n, err := s.LLen(ctx, "meter:100000001:pending")
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(int64(1)))

		Eventually(func() (bool, error) {
			return maintSt.IsActive(ctx)
		}, 3*time.Second, 20*time.Millisecond).Should(BeFalse())

		Eventually(func() int {
			members, _ := s.ZRevRange(ctx, "meter:100000001:history", 0, -1)
			return len(members)
		}, 2*time.Second, 20*time.Millisecond).Should(Equal(1))
	})
})
