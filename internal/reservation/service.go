package reservation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bitcoinstore/inventory-service-go/internal/inventory"
	"github.com/bitcoinstore/inventory-service-go/internal/keylock"
)

// Scheduler arranges a future Expire call for a reservation. Fire-once,
// at-least-once delivery is sufficient: Expire is idempotent and absorbs
// duplicates.
type Scheduler interface {
	ScheduleAt(at time.Time, reservationID string) error
}

// Publisher receives best-effort lifecycle notifications after a state
// change has committed. Publish failures are logged, never rolled back into
// the ledger: the database is authoritative.
type Publisher interface {
	ReservationCreated(ctx context.Context, r Reservation) error
	ReservationExpired(ctx context.Context, r Reservation) error
	ReservationFulfilled(ctx context.Context, r Reservation) error
}

// Service is the reservation manager. Every operation that reads then writes
// shared inventory state runs inside the per-key guard AND inside one
// database transaction, so the check and the commit are atomic with respect
// to every other reservation, release, and adjustment on the same key.
//
// The lifecycle is Active → Expired, nothing else. Cancellation, scheduled
// expiry, and the administrative sweep all funnel into the same expire
// transition; fulfillment is the terminal variant that marks the underlying
// inventory sold instead of releasing it.
type Service struct {
	ledger   inventory.TransactionalLedger
	registry inventory.TransactionalRegistry
	repo     Repository
	guard    *keylock.Guard
	sched    Scheduler
	pub      Publisher
	logger   *log.Logger

	now         func() time.Time
	lockTimeout time.Duration
}

type Option func(*Service)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLockTimeout bounds how long an operation waits for a contended key
// before giving up with ErrConflict.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Service) { s.lockTimeout = d }
}

// WithPublisher enables lifecycle event publishing.
func WithPublisher(pub Publisher) Option {
	return func(s *Service) { s.pub = pub }
}

func NewService(
	ledger inventory.TransactionalLedger,
	registry inventory.TransactionalRegistry,
	repo Repository,
	guard *keylock.Guard,
	sched Scheduler,
	logger *log.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		ledger:      ledger,
		registry:    registry,
		repo:        repo,
		guard:       guard,
		sched:       sched,
		logger:      logger,
		now:         time.Now,
		lockTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReserveFungible places a hold on qty units of a SKU. On any failure nothing
// is persisted; on success the reservation row and the incremented
// amount_reserved commit together.
func (s *Service) ReserveFungible(ctx context.Context, sku string, qty int, userID string, ttl time.Duration) (Reservation, error) {
	if sku == "" {
		return Reservation{}, fmt.Errorf("%w: sku is required", inventory.ErrInvalidArgument)
	}
	if qty < 1 {
		return Reservation{}, fmt.Errorf("%w: qty must be at least 1", inventory.ErrInvalidArgument)
	}
	if err := validateCommon(userID, ttl); err != nil {
		return Reservation{}, err
	}

	release, err := s.lock(ctx, StockKey(sku))
	if err != nil {
		return Reservation{}, err
	}
	defer release()

	now := s.now().UTC()
	res := Reservation{
		ID:        uuid.NewString(),
		Kind:      KindFungible,
		SKU:       sku,
		Qty:       qty,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := s.ledger.ReserveTx(ctx, tx, sku, qty); err != nil {
			return err
		}
		return s.repo.CreateTx(ctx, tx, res)
	})
	if err != nil {
		return Reservation{}, err
	}

	s.afterReserve(ctx, res)
	return res, nil
}

// ReserveNonFungible places a hold on one unique item. Serials are globally
// unique, so the serial alone identifies the item.
func (s *Service) ReserveNonFungible(ctx context.Context, serial, userID string, ttl time.Duration) (Reservation, error) {
	if serial == "" {
		return Reservation{}, fmt.Errorf("%w: serial is required", inventory.ErrInvalidArgument)
	}
	if err := validateCommon(userID, ttl); err != nil {
		return Reservation{}, err
	}

	release, err := s.lock(ctx, ItemKey(serial))
	if err != nil {
		return Reservation{}, err
	}
	defer release()

	now := s.now().UTC()
	res := Reservation{
		ID:        uuid.NewString(),
		Kind:      KindNonFungible,
		Serial:    serial,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		item, err := s.registry.ReserveTx(ctx, tx, serial)
		if err != nil {
			return err
		}
		res.SKU = item.SKU
		return s.repo.CreateTx(ctx, tx, res)
	})
	if err != nil {
		return Reservation{}, err
	}

	s.afterReserve(ctx, res)
	return res, nil
}

// Expire releases a reservation's hold. It is the single entry point for the
// scheduled timer, the sweep, and duplicate deliveries: expiring an
// already-expired reservation is a successful no-op and never releases
// capacity twice.
func (s *Service) Expire(ctx context.Context, id string) (Reservation, error) {
	return s.finish(ctx, id, false)
}

// Cancel is Expire triggered by an explicit user action instead of a timer.
func (s *Service) Cancel(ctx context.Context, id string) (Reservation, error) {
	return s.finish(ctx, id, false)
}

// Fulfill terminates a reservation as a sale: instead of releasing the hold,
// the units are deducted from stock (fungible) or the item is marked sold
// (non-fungible). A reservation that already expired cannot be fulfilled.
func (s *Service) Fulfill(ctx context.Context, id string) (Reservation, error) {
	return s.finish(ctx, id, true)
}

func (s *Service) finish(ctx context.Context, id string, fulfill bool) (Reservation, error) {
	// Snapshot read first: the already-expired fast path needs no lock.
	res, err := s.repo.Get(ctx, id)
	if err != nil {
		return Reservation{}, err
	}
	if res.Expired {
		if fulfill {
			return Reservation{}, fmt.Errorf("%w: reservation %s already expired", inventory.ErrConflict, id)
		}
		return res, nil
	}

	release, err := s.lock(ctx, res.Key())
	if err != nil {
		return Reservation{}, err
	}
	defer release()

	var alreadyExpired bool
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		// Re-read under the row lock: another trigger path may have won.
		res, err = s.repo.GetForUpdateTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if res.Expired {
			alreadyExpired = true
			return nil
		}

		// The flip and the release commit atomically. If the release fails
		// the whole transaction rolls back, so a retry redoes both; capacity
		// can never be released twice for one reservation.
		if err := s.repo.MarkExpiredTx(ctx, tx, id); err != nil {
			return err
		}

		switch {
		case fulfill && res.Kind == KindFungible:
			_, err = s.ledger.FulfillTx(ctx, tx, res.SKU, res.Qty)
		case fulfill:
			_, err = s.registry.MarkSoldTx(ctx, tx, res.Serial)
		case res.Kind == KindFungible:
			_, err = s.ledger.ReleaseTx(ctx, tx, res.SKU, res.Qty)
		default:
			_, err = s.registry.ReleaseTx(ctx, tx, res.Serial)
		}
		return err
	})
	if err != nil {
		return Reservation{}, err
	}

	if alreadyExpired {
		if fulfill {
			return Reservation{}, fmt.Errorf("%w: reservation %s already expired", inventory.ErrConflict, id)
		}
		return res, nil
	}

	res.Expired = true
	if s.pub != nil {
		var pubErr error
		if fulfill {
			pubErr = s.pub.ReservationFulfilled(ctx, res)
		} else {
			pubErr = s.pub.ReservationExpired(ctx, res)
		}
		if pubErr != nil {
			s.logger.Printf("publish reservation lifecycle for %s: %v", res.ID, pubErr)
		}
	}
	return res, nil
}

// Query is a read-only snapshot; it takes no locks.
func (s *Service) Query(ctx context.Context, f Filter) ([]Reservation, error) {
	return s.repo.Query(ctx, f)
}

// Get returns a single reservation by id.
func (s *Service) Get(ctx context.Context, id string) (Reservation, error) {
	return s.repo.Get(ctx, id)
}

// AdjustStock applies an administrative delta under the same guard as
// reservations, so an adjustment can never interleave with a capacity check
// on the same SKU.
func (s *Service) AdjustStock(ctx context.Context, sku string, delta int) (inventory.FungibleStock, error) {
	if sku == "" {
		return inventory.FungibleStock{}, fmt.Errorf("%w: sku is required", inventory.ErrInvalidArgument)
	}
	release, err := s.lock(ctx, StockKey(sku))
	if err != nil {
		return inventory.FungibleStock{}, err
	}
	defer release()
	return s.ledger.Adjust(ctx, sku, delta)
}

// ExpireDue sweeps all overdue reservations through Expire. Contended or
// failing reservations are skipped and retried on the next sweep. Returns
// how many reservations were expired.
func (s *Service) ExpireDue(ctx context.Context, limit int) (int, error) {
	ids, err := s.repo.ListDue(ctx, s.now().UTC(), limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		if _, err := s.Expire(ctx, id); err != nil {
			if inventory.IsBusinessError(err) {
				continue
			}
			s.logger.Printf("sweep: expire %s: %v", id, err)
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *Service) lock(ctx context.Context, key string) (func(), error) {
	lockCtx := ctx
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}
	release, err := s.guard.Acquire(lockCtx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is busy", inventory.ErrConflict, key)
	}
	return release, nil
}

func (s *Service) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.repo.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Service) afterReserve(ctx context.Context, res Reservation) {
	// A failed schedule does not undo the committed reservation; the
	// periodic sweep is the catch-all expiry path.
	if err := s.sched.ScheduleAt(res.ExpiresAt, res.ID); err != nil {
		s.logger.Printf("schedule expiry for %s: %v (sweep will pick it up)", res.ID, err)
	}
	if s.pub != nil {
		if err := s.pub.ReservationCreated(ctx, res); err != nil {
			s.logger.Printf("publish reservation created for %s: %v", res.ID, err)
		}
	}
}

func validateCommon(userID string, ttl time.Duration) error {
	if userID == "" {
		return fmt.Errorf("%w: userId is required", inventory.ErrInvalidArgument)
	}
	if ttl < 0 {
		return fmt.Errorf("%w: duration must not be negative", inventory.ErrInvalidArgument)
	}
	return nil
}
