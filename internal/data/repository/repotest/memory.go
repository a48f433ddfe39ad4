// Package repotest provides an in-memory implementation of the repositories
// with the same locking and state-machine semantics as the Postgres ones.
package repotest

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"cinema-reservation/internal/data/entity"
	"cinema-reservation/internal/data/repository"

	"github.com/google/uuid"
)

// Store implements ShowtimeRepository, SeatMapRepository and LedgerRepository.
type Store struct {
	mu sync.Mutex

	showtimes map[uuid.UUID]*entity.Showtime
	seats     map[uuid.UUID]map[string]*entity.Seat
	holds     map[uuid.UUID]*entity.Hold
	byToken   map[string]uuid.UUID
	sales     map[uuid.UUID]*entity.Sale
	attempts  map[string]*entity.ReservationAttempt
	events    map[string][]entity.AttemptEvent
	eventSeq  int64
	faults    map[string][]error

	Now func() time.Time
}

var (
	_ repository.ShowtimeRepository = (*Store)(nil)
	_ repository.SeatMapRepository  = (*Store)(nil)
	_ repository.LedgerRepository   = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		showtimes: make(map[uuid.UUID]*entity.Showtime),
		seats:     make(map[uuid.UUID]map[string]*entity.Seat),
		holds:     make(map[uuid.UUID]*entity.Hold),
		byToken:   make(map[string]uuid.UUID),
		sales:     make(map[uuid.UUID]*entity.Sale),
		attempts:  make(map[string]*entity.ReservationAttempt),
		events:    make(map[string][]entity.AttemptEvent),
		faults:    make(map[string][]error),
		Now:       time.Now,
	}
}

// Repository bundles the store behind the repository aggregate.
func (s *Store) Repository() *repository.Repository {
	return &repository.Repository{Showtime: s, SeatMap: s, Ledger: s}
}

// AddShowtime registers a showtime with the given seat layout and returns it.
func (s *Store) AddShowtime(priceCents int64, seatIDs ...string) *entity.Showtime {
	now := s.Now()
	st := &entity.Showtime{
		Base:        entity.NewBase(now),
		MovieTitle:  "Test Movie",
		TheaterName: "Test Theater",
		Auditorium:  "1",
		StartsAt:    now.Add(24 * time.Hour),
		PriceCents:  priceCents,
		Currency:    "usd",
	}
	if err := s.CreateWithSeats(context.Background(), st, seatIDs); err != nil {
		panic(err)
	}
	return st
}

// FailNext makes the next call of op ("TryHold", "Confirm", "Release",
// "Record", "Lookup", "ReleaseSale") return err. Faults queue in order.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], err)
}

func (s *Store) fault(op string) error {
	queue := s.faults[op]
	if len(queue) == 0 {
		return nil
	}
	s.faults[op] = queue[1:]
	return queue[0]
}

// SeatStates returns the state of every seat of a showtime keyed by seat id.
func (s *Store) SeatStates(showtimeID uuid.UUID) map[string]entity.SeatState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]entity.SeatState)
	for id, seat := range s.seats[showtimeID] {
		out[id] = seat.State
	}
	return out
}

// Sales returns a snapshot of every sale.
func (s *Store) Sales() []entity.Sale {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		out = append(out, *sale)
	}
	return out
}

func (s *Store) FindByID(_ context.Context, id uuid.UUID) (*entity.Showtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.showtimes[id]
	if !ok {
		return nil, fmt.Errorf("showtime %s: %w", id, entity.ErrShowtimeNotFound)
	}
	cp := *st
	return &cp, nil
}

func (s *Store) Count(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.showtimes)), nil
}

func (s *Store) CreateWithSeats(_ context.Context, st *entity.Showtime, seatIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.showtimes[st.ID]; ok {
		return fmt.Errorf("create showtime %s: duplicate id", st.ID)
	}
	cp := *st
	s.showtimes[st.ID] = &cp
	layout := make(map[string]*entity.Seat, len(seatIDs))
	for _, id := range seatIDs {
		layout[id] = &entity.Seat{ShowtimeID: st.ID, SeatID: id, State: entity.SeatStateAvailable, UpdatedAt: st.CreatedAt}
	}
	s.seats[st.ID] = layout
	return nil
}

// Cancel marks a showtime cancelled the way the catalog owner does.
func (s *Store) Cancel(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.showtimes[id]
	if !ok || st.IsCancelled() {
		return fmt.Errorf("showtime %s: %w", id, entity.ErrShowtimeNotFound)
	}
	now := s.Now()
	st.CancelledAt = &now
	return nil
}

func reuseHold(h *entity.Hold, showtimeID uuid.UUID, seatIDs []string) (*entity.Hold, error) {
	if !h.Covers(showtimeID, seatIDs) {
		return nil, fmt.Errorf("hold for attempt %s: %w", h.AttemptToken, entity.ErrIdempotencyConflict)
	}
	if !h.IsPending() {
		return nil, fmt.Errorf("hold %s is %s: %w", h.ID, h.Status, entity.ErrHoldResolved)
	}
	cp := *h
	return &cp, nil
}

func (s *Store) TryHold(_ context.Context, req entity.HoldRequest) (*entity.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("TryHold"); err != nil {
		return nil, err
	}

	seatIDs := entity.NormalizeSeats(req.SeatIDs)
	if len(seatIDs) == 0 {
		return nil, fmt.Errorf("hold without seats: %w", entity.ErrUnknownSeat)
	}
	if id, ok := s.byToken[req.AttemptToken]; ok {
		return reuseHold(s.holds[id], req.ShowtimeID, seatIDs)
	}

	st, ok := s.showtimes[req.ShowtimeID]
	if !ok {
		return nil, fmt.Errorf("showtime %s: %w", req.ShowtimeID, entity.ErrShowtimeNotFound)
	}
	if st.IsCancelled() {
		return nil, fmt.Errorf("showtime %s: %w", req.ShowtimeID, entity.ErrShowtimeCancelled)
	}

	layout := s.seats[req.ShowtimeID]
	var missing, taken []string
	for _, id := range seatIDs {
		seat, ok := layout[id]
		switch {
		case !ok:
			missing = append(missing, id)
		case seat.State != entity.SeatStateAvailable:
			taken = append(taken, id)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("seats %s: %w", strings.Join(missing, ","), entity.ErrUnknownSeat)
	}
	if len(taken) > 0 {
		return nil, fmt.Errorf("seats %s: %w", strings.Join(taken, ","), entity.ErrSeatsUnavailable)
	}

	now := s.Now()
	hold := &entity.Hold{
		BaseSimple:   entity.NewBaseSimple(now),
		ShowtimeID:   req.ShowtimeID,
		AttemptToken: req.AttemptToken,
		SeatIDs:      seatIDs,
		Status:       entity.HoldStatusPending,
		ExpiresAt:    now.Add(req.TTL),
	}
	s.holds[hold.ID] = hold
	s.byToken[hold.AttemptToken] = hold.ID

	for _, id := range seatIDs {
		seat := layout[id]
		seat.State = entity.SeatStateHeld
		seat.HoldID = &hold.ID
		token := hold.AttemptToken
		seat.AttemptToken = &token
		until := hold.ExpiresAt
		seat.HeldUntil = &until
		seat.UpdatedAt = now
	}

	cp := *hold
	return &cp, nil
}

func (s *Store) Confirm(_ context.Context, holdID uuid.UUID, intent *entity.PaymentIntent) (*entity.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("Confirm"); err != nil {
		return nil, err
	}

	hold, ok := s.holds[holdID]
	if !ok {
		return nil, fmt.Errorf("hold %s: %w", holdID, entity.ErrHoldNotFound)
	}
	switch hold.Status {
	case entity.HoldStatusConfirmed:
		for _, sale := range s.sales {
			if sale.HoldID == holdID {
				cp := *sale
				return &cp, nil
			}
		}
		return nil, fmt.Errorf("confirmed hold %s has no sale: %w", holdID, entity.ErrSaleNotFound)
	case entity.HoldStatusReleased:
		return nil, fmt.Errorf("hold %s: %w", holdID, entity.ErrHoldReleased)
	}

	now := s.Now()
	sale := &entity.Sale{
		BaseSimple:      entity.NewBaseSimple(now),
		HoldID:          hold.ID,
		ShowtimeID:      hold.ShowtimeID,
		AttemptToken:    hold.AttemptToken,
		SeatIDs:         slices.Clone(hold.SeatIDs),
		AmountCents:     intent.AmountCents,
		Currency:        intent.Currency,
		PaymentIntentID: intent.ID,
		Status:          entity.SaleStatusActive,
	}
	s.sales[sale.ID] = sale

	for _, id := range hold.SeatIDs {
		seat := s.seats[hold.ShowtimeID][id]
		seat.State = entity.SeatStateSold
		seat.SaleID = &sale.ID
		seat.HeldUntil = nil
		seat.UpdatedAt = now
	}
	hold.Status = entity.HoldStatusConfirmed
	hold.ResolvedAt = &now

	cp := *sale
	return &cp, nil
}

func (s *Store) Release(_ context.Context, holdID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("Release"); err != nil {
		return err
	}

	hold, ok := s.holds[holdID]
	if !ok {
		return fmt.Errorf("hold %s: %w", holdID, entity.ErrHoldNotFound)
	}
	switch hold.Status {
	case entity.HoldStatusReleased:
		return nil
	case entity.HoldStatusConfirmed:
		return fmt.Errorf("hold %s: %w", holdID, entity.ErrHoldConfirmed)
	}

	now := s.Now()
	for _, id := range hold.SeatIDs {
		seat := s.seats[hold.ShowtimeID][id]
		if seat.State != entity.SeatStateHeld || seat.HoldID == nil || *seat.HoldID != holdID {
			continue
		}
		freeSeat(seat, now)
	}
	hold.Status = entity.HoldStatusReleased
	hold.ResolvedAt = &now
	return nil
}

func freeSeat(seat *entity.Seat, now time.Time) {
	seat.State = entity.SeatStateAvailable
	seat.HoldID = nil
	seat.AttemptToken = nil
	seat.HeldUntil = nil
	seat.SaleID = nil
	seat.UpdatedAt = now
}

func (s *Store) FindHold(_ context.Context, holdID uuid.UUID) (*entity.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hold, ok := s.holds[holdID]
	if !ok {
		return nil, fmt.Errorf("hold %s: %w", holdID, entity.ErrHoldNotFound)
	}
	cp := *hold
	return &cp, nil
}

func (s *Store) FindHoldByToken(_ context.Context, attemptToken string) (*entity.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byToken[attemptToken]
	if !ok {
		return nil, fmt.Errorf("hold for attempt %s: %w", attemptToken, entity.ErrHoldNotFound)
	}
	cp := *s.holds[id]
	return &cp, nil
}

func (s *Store) ListExpiredHolds(_ context.Context, now time.Time, limit int) ([]*entity.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.Hold
	for _, h := range s.holds {
		if h.IsPending() && h.Expired(now) {
			cp := *h
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) FindSale(_ context.Context, saleID uuid.UUID) (*entity.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sale, ok := s.sales[saleID]
	if !ok {
		return nil, fmt.Errorf("sale %s: %w", saleID, entity.ErrSaleNotFound)
	}
	cp := *sale
	return &cp, nil
}

func (s *Store) FindSaleByHold(_ context.Context, holdID uuid.UUID) (*entity.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sale := range s.sales {
		if sale.HoldID == holdID {
			cp := *sale
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("sale for hold %s: %w", holdID, entity.ErrSaleNotFound)
}

func (s *Store) ReleaseSale(_ context.Context, saleID uuid.UUID) (*entity.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ReleaseSale"); err != nil {
		return nil, err
	}
	sale, ok := s.sales[saleID]
	if !ok {
		return nil, fmt.Errorf("sale %s: %w", saleID, entity.ErrSaleNotFound)
	}
	if !sale.IsActive() {
		return nil, fmt.Errorf("sale %s: %w", saleID, entity.ErrSaleRefunded)
	}

	now := s.Now()
	for _, seat := range s.seats[sale.ShowtimeID] {
		if seat.SaleID != nil && *seat.SaleID == saleID {
			freeSeat(seat, now)
		}
	}
	sale.Status = entity.SaleStatusRefunded
	sale.RefundedAt = &now
	cp := *sale
	return &cp, nil
}

func (s *Store) SeatMap(_ context.Context, showtimeID uuid.UUID) ([]entity.Seat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.Seat, 0, len(s.seats[showtimeID]))
	for _, seat := range s.seats[showtimeID] {
		out = append(out, *seat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeatID < out[j].SeatID })
	return out, nil
}

func (s *Store) Record(_ context.Context, a *entity.ReservationAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("Record"); err != nil {
		return err
	}

	now := s.Now()
	current, ok := s.attempts[a.AttemptToken]
	if !ok {
		if !entity.AttemptOutcome("").CanTransitionTo(a.Outcome) {
			return fmt.Errorf("new attempt as %q: %w", a.Outcome, entity.ErrInvalidTransition)
		}
		a.SeatIDs = entity.NormalizeSeats(a.SeatIDs)
		a.CreatedAt = now
		a.UpdatedAt = now
		cp := *a
		s.attempts[a.AttemptToken] = &cp
		s.appendEvent(a, now)
		return nil
	}

	if current.Outcome == a.Outcome && current.Outcome.IsTerminal() {
		*a = *current
		return nil
	}
	if !current.Outcome.CanTransitionTo(a.Outcome) {
		return fmt.Errorf("attempt %s %s -> %s: %w", a.AttemptToken, current.Outcome, a.Outcome, entity.ErrInvalidTransition)
	}
	current.Merge(a)
	current.UpdatedAt = now
	*a = *current
	s.appendEvent(a, now)
	return nil
}

func (s *Store) appendEvent(a *entity.ReservationAttempt, at time.Time) {
	s.eventSeq++
	s.events[a.AttemptToken] = append(s.events[a.AttemptToken], entity.AttemptEvent{
		ID:           s.eventSeq,
		AttemptToken: a.AttemptToken,
		Outcome:      a.Outcome,
		FailureCode:  a.FailureCode,
		Detail:       a.Detail,
		RecordedAt:   at,
	})
}

func (s *Store) Lookup(_ context.Context, attemptToken string) (*entity.ReservationAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("Lookup"); err != nil {
		return nil, err
	}
	a, ok := s.attempts[attemptToken]
	if !ok {
		return nil, fmt.Errorf("attempt %s: %w", attemptToken, entity.ErrAttemptNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *Store) History(_ context.Context, attemptToken string) ([]entity.AttemptEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events[attemptToken]), nil
}

func (s *Store) ListStalePending(_ context.Context, before time.Time, limit int) ([]*entity.ReservationAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.ReservationAttempt
	for _, a := range s.attempts {
		if a.Outcome == entity.AttemptPending && a.HoldExpiresAt != nil && a.HoldExpiresAt.Before(before) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HoldExpiresAt.Before(*out[j].HoldExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
