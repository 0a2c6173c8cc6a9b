package testkit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/timrx/backend/internal/models"
)

// MemStore is an in-memory database backing one fake per repository. The
// fakes share row locks and transactions, and missing rows return
// pgx.ErrNoRows like the pgx repositories.
type MemStore struct {
	mu       sync.Mutex
	rowLocks map[string]*sync.Mutex
	injected map[string]error
	repeats  map[string]int

	identities   map[uuid.UUID]*models.Identity
	wallets      map[uuid.UUID]*models.Wallet
	reservations map[uuid.UUID]*models.Reservation
	ledger       []*models.LedgerEntry
	purchases    map[uuid.UUID]*models.Purchase
	jobs         map[uuid.UUID]*models.Job
}

func NewMemStore() *MemStore {
	return &MemStore{
		rowLocks:     make(map[string]*sync.Mutex),
		injected:     make(map[string]error),
		repeats:      make(map[string]int),
		identities:   make(map[uuid.UUID]*models.Identity),
		wallets:      make(map[uuid.UUID]*models.Wallet),
		reservations: make(map[uuid.UUID]*models.Reservation),
		purchases:    make(map[uuid.UUID]*models.Purchase),
		jobs:         make(map[uuid.UUID]*models.Job),
	}
}

// Begin starts an in-memory transaction.
func (s *MemStore) Begin(context.Context) (pgx.Tx, error) {
	if err := s.takeInjected("Begin"); err != nil {
		return nil, err
	}
	return &Tx{store: s, held: make(map[string]*sync.Mutex)}, nil
}

// FailNext makes the next call of the named method return err.
func (s *MemStore) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injected[method] = err
	s.repeats[method] = 1
}

// FailTimes makes the next n calls of the named method return err.
func (s *MemStore) FailTimes(method string, err error, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injected[method] = err
	s.repeats[method] = n
}

func (s *MemStore) takeInjected(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.injected[method]
	if s.repeats[method]--; s.repeats[method] <= 0 {
		delete(s.injected, method)
		delete(s.repeats, method)
	}
	return err
}

func (s *MemStore) rowLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.rowLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.rowLocks[key] = l
	}
	return l
}

// record registers an undo step. Call with s.mu held.
func record(tx pgx.Tx, undo func()) {
	if t, ok := tx.(*Tx); ok {
		t.undo = append(t.undo, undo)
	}
}

func lockRow(tx pgx.Tx, key string) {
	if t, ok := tx.(*Tx); ok {
		t.lock(key)
	}
}

// ---------------------------------------------------------------------------
// Seeding and inspection
// ---------------------------------------------------------------------------

// SeedIdentity creates an identity whose wallet holds balance credits, backed
// by a matching ledger entry so balance equals the ledger sum.
func (s *MemStore) SeedIdentity(balance int) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	now := time.Now()
	s.identities[id] = &models.Identity{ID: id, CreatedAt: now, LastSeenAt: now}
	s.wallets[id] = &models.Wallet{IdentityID: id, Balance: balance, UpdatedAt: now}
	if balance != 0 {
		b := balance
		s.ledger = append(s.ledger, &models.LedgerEntry{
			ID: uuid.New(), IdentityID: id, EntryType: models.LedgerEntryAdminAdjust,
			Amount: balance, BalanceAfter: &b, RefType: models.LedgerRefGrant, RefID: "seed:" + id.String(), CreatedAt: now,
		})
	}
	return id
}

// SeedReservation stores a reservation as-is and adds its cost to the
// wallet's reserved amount when held.
func (s *MemStore) SeedReservation(r *models.Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.reservations[r.ID] = &cp
	if r.Status == models.ReservationStatusHeld {
		if w, ok := s.wallets[r.IdentityID]; ok {
			w.Reserved += r.CostCredits
		}
	}
}

// SeedJob stores a job as-is.
func (s *MemStore) SeedJob(j *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *j
	s.jobs[j.ID] = &cp
}

// CorruptBalance overwrites a wallet balance without a ledger entry.
func (s *MemStore) CorruptBalance(identityID uuid.UUID, balance int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[identityID].Balance = balance
}

// Wallet returns a copy of the wallet, or nil.
func (s *MemStore) Wallet(identityID uuid.UUID) *models.Wallet {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[identityID]
	if !ok {
		return nil
	}
	cp := *w
	return &cp
}

// Reservation returns a copy of the reservation, or nil.
func (s *MemStore) Reservation(id uuid.UUID) *models.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

// Job returns a copy of the job, or nil.
func (s *MemStore) Job(id uuid.UUID) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

// JobCount returns the number of stored jobs.
func (s *MemStore) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Purchase returns a copy of the purchase, or nil.
func (s *MemStore) Purchase(id uuid.UUID) *models.Purchase {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[id]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// LedgerFor returns an identity's entries in append order.
func (s *MemStore) LedgerFor(identityID uuid.UUID) []*models.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range s.ledger {
		if e.IdentityID == identityID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

// LedgerByType returns an identity's entries of one type.
func (s *MemStore) LedgerByType(identityID uuid.UUID, entryType string) []*models.LedgerEntry {
	var out []*models.LedgerEntry
	for _, e := range s.LedgerFor(identityID) {
		if e.EntryType == entryType {
			out = append(out, e)
		}
	}
	return out
}

// CheckInvariants verifies, for every wallet, available >= 0, reserved equals
// the sum of held reservations, and balance equals the ledger sum.
func (s *MemStore) CheckInvariants() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	held := map[uuid.UUID]int{}
	for _, r := range s.reservations {
		if r.Status == models.ReservationStatusHeld {
			held[r.IdentityID] += r.CostCredits
		}
	}
	sums := map[uuid.UUID]int{}
	for _, e := range s.ledger {
		sums[e.IdentityID] += e.Amount
	}
	for id, w := range s.wallets {
		if w.Balance < 0 || w.Reserved < 0 || w.Available() < 0 {
			return fmt.Errorf("wallet %s: balance %d reserved %d", id, w.Balance, w.Reserved)
		}
		if w.Reserved != held[id] {
			return fmt.Errorf("wallet %s: reserved %d, held reservations sum %d", id, w.Reserved, held[id])
		}
		if w.Balance != sums[id] {
			return fmt.Errorf("wallet %s: balance %d, ledger sum %d", id, w.Balance, sums[id])
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Identities
// ---------------------------------------------------------------------------

func (s *MemStore) IdentityStore() *Identities { return &Identities{s} }

type Identities struct{ s *MemStore }

func (r *Identities) GetByID(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	if i := r.s.Identity(id); i != nil {
		return i, nil
	}
	return nil, pgx.ErrNoRows
}

func (r *Identities) CreateTx(ctx context.Context, tx pgx.Tx, i *models.Identity) error {
	s := r.s
	if err := s.takeInjected("Identities.CreateTx"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i.Email != nil && s.emailTaken(*i.Email, i.ID) {
		return &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
	}
	now := time.Now()
	i.CreatedAt, i.LastSeenAt = now, now
	cp := *i
	s.identities[i.ID] = &cp
	record(tx, func() { delete(s.identities, i.ID) })
	return nil
}

func (r *Identities) GetByEmail(ctx context.Context, email string) (*models.Identity, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range s.identities {
		if i.Email != nil && *i.Email == email {
			cp := *i
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r *Identities) AttachEmailTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, email string) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.identities[id]
	if !ok || i.Email != nil {
		return false, nil
	}
	if s.emailTaken(email, id) {
		return false, &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
	}
	e := email
	i.Email = &e
	record(tx, func() { i.Email = nil })
	return true, nil
}

func (r *Identities) Touch(ctx context.Context, id uuid.UUID) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.identities[id]; ok {
		i.LastSeenAt = time.Now()
	}
	return nil
}

func (s *MemStore) emailTaken(email string, except uuid.UUID) bool {
	for _, other := range s.identities {
		if other.ID != except && other.Email != nil && *other.Email == email {
			return true
		}
	}
	return false
}

// Identity returns a copy of the identity, or nil.
func (s *MemStore) Identity(id uuid.UUID) *models.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.identities[id]
	if !ok {
		return nil
	}
	cp := *i
	return &cp
}

// ---------------------------------------------------------------------------
// Wallets
// ---------------------------------------------------------------------------

func (s *MemStore) WalletStore() *Wallets { return &Wallets{s} }

type Wallets struct{ s *MemStore }

func (r *Wallets) EnsureTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID) error {
	s := r.s
	if err := s.takeInjected("EnsureTx"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[identityID]; ok {
		return nil
	}
	if _, ok := s.identities[identityID]; !ok {
		s.identities[identityID] = &models.Identity{ID: identityID, CreatedAt: time.Now(), LastSeenAt: time.Now()}
		record(tx, func() { delete(s.identities, identityID) })
	}
	s.wallets[identityID] = &models.Wallet{IdentityID: identityID, UpdatedAt: time.Now()}
	record(tx, func() { delete(s.wallets, identityID) })
	return nil
}

func (r *Wallets) GetForUpdateTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID) (*models.Wallet, error) {
	s := r.s
	lockRow(tx, walletKey(identityID))
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[identityID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *w
	return &cp, nil
}

func (r *Wallets) Get(ctx context.Context, identityID uuid.UUID) (*models.Wallet, error) {
	s := r.s
	if w := s.Wallet(identityID); w != nil {
		return w, nil
	}
	return nil, pgx.ErrNoRows
}

func (r *Wallets) UpdateTx(ctx context.Context, tx pgx.Tx, w *models.Wallet) error {
	s := r.s
	if err := s.takeInjected("UpdateTx"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.wallets[w.IdentityID]
	if !ok {
		return pgx.ErrNoRows
	}
	if w.Balance < 0 || w.Reserved < 0 || w.Balance < w.Reserved {
		return &pgconn.PgError{Code: "23514", Message: "new row for relation \"wallets\" violates check constraint"}
	}
	prev := *cur
	cur.Balance, cur.Reserved, cur.UpdatedAt = w.Balance, w.Reserved, time.Now()
	w.UpdatedAt = cur.UpdatedAt
	record(tx, func() { *cur = prev })
	return nil
}

func (r *Wallets) ListIdentityIDs(ctx context.Context, limit, offset int) ([]uuid.UUID, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(s.wallets))
	for id := range s.wallets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return page(ids, limit, offset), nil
}

// ---------------------------------------------------------------------------
// Reservations
// ---------------------------------------------------------------------------

func (s *MemStore) ReservationStore() *Reservations { return &Reservations{s} }

type Reservations struct{ s *MemStore }

func (r *Reservations) CreateTx(ctx context.Context, tx pgx.Tx, res *models.Reservation) error {
	s := r.s
	if err := s.takeInjected("Reservations.CreateTx"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *res
	s.reservations[res.ID] = &cp
	record(tx, func() { delete(s.reservations, res.ID) })
	return nil
}

func (r *Reservations) GetByID(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	if res := r.s.Reservation(id); res != nil {
		return res, nil
	}
	return nil, pgx.ErrNoRows
}

func (r *Reservations) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Reservation, error) {
	return r.GetByID(ctx, id)
}

func (r *Reservations) TransitionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, at time.Time) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok || res.Status != models.ReservationStatusHeld {
		return false, nil
	}
	prev := *res
	res.Status = status
	t := at
	if status == models.ReservationStatusCaptured {
		res.CapturedAt = &t
	} else {
		res.ReleasedAt = &t
	}
	record(tx, func() { *res = prev })
	return true, nil
}

func (r *Reservations) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Reservation, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Reservation
	for _, res := range s.reservations {
		if res.Status == models.ReservationStatusHeld && res.ExpiresAt.Before(now) {
			cp := *res
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return page(out, limit, 0), nil
}

func (r *Reservations) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*models.Reservation, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	byReservation := map[uuid.UUID]*models.Job{}
	for _, j := range s.jobs {
		byReservation[j.ReservationID] = j
	}
	var out []*models.Reservation
	for _, res := range s.reservations {
		if res.Status != models.ReservationStatusHeld || !res.CreatedAt.Before(cutoff) {
			continue
		}
		if j, ok := byReservation[res.ID]; ok && !j.IsTerminal() {
			continue
		}
		cp := *res
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, limit, 0), nil
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

func (s *MemStore) LedgerStore() *Ledger { return &Ledger{s} }

type Ledger struct{ s *MemStore }

func (l *Ledger) CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	s := l.s
	if err := s.takeInjected("Ledger.CreateTx"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.RefType == models.LedgerRefPurchase || e.RefType == models.LedgerRefGrant {
		for _, other := range s.ledger {
			if other.EntryType == e.EntryType && other.RefType == e.RefType && other.RefID == e.RefID {
				return &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
			}
		}
	}
	e.CreatedAt = time.Now()
	cp := *e
	n := len(s.ledger)
	s.ledger = append(s.ledger, &cp)
	record(tx, func() { s.ledger = s.ledger[:n] })
	return nil
}

func (l *Ledger) ExistsTx(ctx context.Context, tx pgx.Tx, entryType, refType, refID string) (bool, error) {
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.ledger {
		if e.EntryType == entryType && e.RefType == refType && e.RefID == refID {
			return true, nil
		}
	}
	return false, nil
}

func (l *Ledger) ListByIdentity(ctx context.Context, identityID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error) {
	entries := l.s.LedgerFor(identityID)
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return page(entries, limit, offset), nil
}

func (l *Ledger) SumTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID) (int, int, error) {
	return l.Sum(ctx, identityID)
}

func (l *Ledger) Sum(ctx context.Context, identityID uuid.UUID) (int, int, error) {
	entries := l.s.LedgerFor(identityID)
	sum := 0
	for _, e := range entries {
		sum += e.Amount
	}
	return sum, len(entries), nil
}

func (l *Ledger) ListDrift(ctx context.Context, limit int) ([]models.WalletDrift, error) {
	s := l.s
	s.mu.Lock()
	sums := map[uuid.UUID]int{}
	for _, e := range s.ledger {
		sums[e.IdentityID] += e.Amount
	}
	var out []models.WalletDrift
	for id, w := range s.wallets {
		if w.Balance != sums[id] {
			out = append(out, models.WalletDrift{IdentityID: id, Balance: w.Balance, Reserved: w.Reserved, LedgerSum: sums[id]})
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID.String() < out[j].IdentityID.String() })
	return page(out, limit, 0), nil
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

func (s *MemStore) JobStore() *Jobs { return &Jobs{s} }

type Jobs struct{ s *MemStore }

func (js *Jobs) CreateTx(ctx context.Context, tx pgx.Tx, j *models.Job) error {
	s := js.s
	if err := s.takeInjected("Jobs.CreateTx"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	j.CreatedAt, j.UpdatedAt = now, now
	cp := *j
	s.jobs[j.ID] = &cp
	record(tx, func() { delete(s.jobs, j.ID) })
	return nil
}

func (js *Jobs) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	if j := js.s.Job(id); j != nil {
		return j, nil
	}
	return nil, pgx.ErrNoRows
}

func (js *Jobs) GetByUpstreamID(ctx context.Context, provider, upstreamID string) (*models.Job, error) {
	s := js.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Provider == provider && j.UpstreamJobID != nil && *j.UpstreamJobID == upstreamID {
			cp := *j
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (js *Jobs) ListByIdentity(ctx context.Context, identityID uuid.UUID, limit, offset int) ([]*models.Job, error) {
	s := js.s
	s.mu.Lock()
	var out []*models.Job
	for _, j := range s.jobs {
		if j.IdentityID == identityID {
			cp := *j
			out = append(out, &cp)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (js *Jobs) MarkRunning(ctx context.Context, id uuid.UUID, upstreamJobID string) (bool, error) {
	s := js.s
	if err := s.takeInjected("Jobs.MarkRunning"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobStatusQueued {
		return false, nil
	}
	u := upstreamJobID
	j.Status, j.UpstreamJobID, j.UpdatedAt = models.JobStatusRunning, &u, time.Now()
	return true, nil
}

func (js *Jobs) UpdateProgress(ctx context.Context, id uuid.UUID, progress *int) error {
	s := js.s
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.IsTerminal() {
		return nil
	}
	j.Status = models.JobStatusRunning
	if progress != nil {
		p := *progress
		j.Progress = &p
	}
	j.UpdatedAt = time.Now()
	return nil
}

func (js *Jobs) FinishTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, result json.RawMessage, errMsg *string) (bool, error) {
	s := js.s
	if err := s.takeInjected("Jobs.FinishTx"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.IsTerminal() {
		return false, nil
	}
	prev := *j
	now := time.Now()
	j.Status, j.Result, j.ErrorMessage, j.CompletedAt, j.UpdatedAt = status, result, errMsg, &now, now
	if status == models.JobStatusDone {
		full := 100
		j.Progress = &full
	}
	record(tx, func() { *j = prev })
	return true, nil
}

func (js *Jobs) FailByReservationTx(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID, errMsg string) (bool, error) {
	s := js.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ReservationID != reservationID || j.IsTerminal() {
			continue
		}
		prev := *j
		now := time.Now()
		msg := errMsg
		j.Status, j.ErrorMessage, j.CompletedAt, j.UpdatedAt = models.JobStatusFailed, &msg, &now, now
		record(tx, func() { *j = prev })
		return true, nil
	}
	return false, nil
}

// ---------------------------------------------------------------------------
// Purchases
// ---------------------------------------------------------------------------

func (s *MemStore) PurchaseStore() *Purchases { return &Purchases{s} }

type Purchases struct{ s *MemStore }

func (ps *Purchases) Create(ctx context.Context, p *models.Purchase) error {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.purchases {
		if other.Provider == p.Provider && other.ProviderPaymentID == p.ProviderPaymentID {
			return &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
		}
	}
	p.CreatedAt = time.Now()
	cp := *p
	s.purchases[p.ID] = &cp
	return nil
}

func (ps *Purchases) GetByID(ctx context.Context, id uuid.UUID) (*models.Purchase, error) {
	if p := ps.s.Purchase(id); p != nil {
		return p, nil
	}
	return nil, pgx.ErrNoRows
}

func (ps *Purchases) GetByProviderPaymentIDForUpdateTx(ctx context.Context, tx pgx.Tx, provider, providerPaymentID string) (*models.Purchase, error) {
	lockRow(tx, purchaseKey(provider, providerPaymentID))
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.purchases {
		if p.Provider == provider && p.ProviderPaymentID == providerPaymentID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (ps *Purchases) SetProviderPaymentID(ctx context.Context, id uuid.UUID, providerPaymentID string) error {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.purchases[id]; ok && p.Status == models.PurchaseStatusPending {
		p.ProviderPaymentID = providerPaymentID
	}
	return nil
}

func (ps *Purchases) MarkPaidTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, paidAmount decimal.Decimal, paidAt time.Time) (bool, error) {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[id]
	if !ok || p.Status == models.PurchaseStatusPaid {
		return false, nil
	}
	prev := *p
	amt, at := paidAmount, paidAt
	p.Status, p.PaidAmount, p.PaidAt = models.PurchaseStatusPaid, &amt, &at
	record(tx, func() { *p = prev })
	return true, nil
}

func (ps *Purchases) MarkFailed(ctx context.Context, id uuid.UUID) (bool, error) {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[id]
	if !ok || p.Status != models.PurchaseStatusPending {
		return false, nil
	}
	p.Status = models.PurchaseStatusFailed
	return true, nil
}

func (ps *Purchases) ListByIdentity(ctx context.Context, identityID uuid.UUID, limit, offset int) ([]*models.Purchase, error) {
	s := ps.s
	s.mu.Lock()
	var out []*models.Purchase
	for _, p := range s.purchases {
		if p.IdentityID == identityID {
			cp := *p
			out = append(out, &cp)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
