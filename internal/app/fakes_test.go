package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/reportly/billing-service/internal/domain"
	"github.com/reportly/billing-service/internal/store"
	"github.com/reportly/billing-service/pkg/gateway"
)

var testToday = time.Date(2026, time.October, 19, 0, 0, 0, 0, time.UTC)

// memRepo is an in-memory Repository that keeps the same version and status rules as the store.
type memRepo struct {
	Repository

	mu            sync.Mutex
	users         map[string]*domain.UserQuota
	contacts      map[string]domain.UserContact
	clerk         map[string]string
	subs          map[string]*domain.Subscription
	payments      []domain.Payment
	feedback      []string
	batchRuns     []domain.BatchSummary
	nextID        int
	selectErr     error
	insertPayErr  error
	successErr    error
	createErr     error
	feedbackErr   error
	downgradeErr  error
	downgradeCall int
}

func newMemRepo() *memRepo {
	return &memRepo{
		users:    map[string]*domain.UserQuota{},
		contacts: map[string]domain.UserContact{},
		clerk:    map[string]string{},
		subs:     map[string]*domain.Subscription{},
	}
}

func (r *memRepo) addUser(userID string) {
	r.users[userID] = &domain.UserQuota{UserID: userID, SubscriptionTier: domain.TierFree, FreeAnalysisCount: 3}
	r.contacts[userID] = domain.UserContact{UserID: userID, Email: userID + "@example.com", Name: "User " + userID}
	r.clerk["clerk_"+userID] = userID
}

func (r *memRepo) addSubscription(sub domain.Subscription) *domain.Subscription {
	if _, ok := r.users[sub.UserID]; !ok {
		r.addUser(sub.UserID)
	}
	if sub.Version == 0 {
		sub.Version = 1
	}
	if sub.CustomerKey == "" {
		sub.CustomerKey = "cust_" + sub.UserID
	}
	if sub.Status == domain.StatusActive {
		r.users[sub.UserID].SubscriptionTier = domain.TierPro
		sub.AutoRenewal = true
	}
	stored := sub
	r.subs[sub.ID] = &stored
	return &stored
}

func (r *memRepo) sub(id string) domain.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.subs[id]
}

func (r *memRepo) quota(userID string) domain.UserQuota {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.users[userID]
}

func (r *memRepo) paymentsFor(subscriptionID string) []domain.Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Payment
	for _, p := range r.payments {
		if p.SubscriptionID == subscriptionID {
			out = append(out, p)
		}
	}
	return out
}

func (r *memRepo) GetUserQuota(ctx context.Context, userID string) (*domain.UserQuota, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	quota, ok := r.users[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	copied := *quota
	return &copied, nil
}

func (r *memRepo) FindUserIDByClerkUserID(ctx context.Context, clerkUserID string) (string, error) {
	id, ok := r.clerk[clerkUserID]
	if !ok {
		return "", store.ErrUserNotFound
	}
	return id, nil
}

func (r *memRepo) GetUserContact(ctx context.Context, userID string) (*domain.UserContact, error) {
	contact, ok := r.contacts[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	return &contact, nil
}

func (r *memRepo) ResetMonthlyQuota(ctx context.Context, userID string, allotment int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return store.ErrUserNotFound
	}
	u.MonthlyAnalysisCount = allotment
	return nil
}

func (r *memRepo) DowngradeUser(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downgradeCall++
	if r.downgradeErr != nil {
		return r.downgradeErr
	}
	u, ok := r.users[userID]
	if !ok {
		return store.ErrUserNotFound
	}
	u.SubscriptionTier = domain.TierFree
	u.MonthlyAnalysisCount = 0
	return nil
}

func (r *memRepo) GetSubscriptionByID(ctx context.Context, subscriptionID string) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[subscriptionID]
	if !ok {
		return nil, store.ErrSubscriptionNotFound
	}
	copied := *sub
	return &copied, nil
}

func (r *memRepo) GetLatestSubscriptionByUserID(ctx context.Context, userID string) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *domain.Subscription
	for _, sub := range r.subs {
		if sub.UserID != userID {
			continue
		}
		if best == nil {
			best = sub
			continue
		}
		open, bestOpen := !sub.Status.IsTerminal(), !best.Status.IsTerminal()
		if open && !bestOpen || open == bestOpen && sub.CreatedAt.After(best.CreatedAt) {
			best = sub
		}
	}
	if best == nil {
		return nil, store.ErrSubscriptionNotFound
	}
	copied := *best
	return &copied, nil
}

func (r *memRepo) ListPaymentTargets(ctx context.Context, today time.Time) ([]domain.PaymentTarget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.selectErr != nil {
		return nil, r.selectErr
	}
	targets := []domain.PaymentTarget{}
	for _, sub := range r.subs {
		if !sub.Chargeable() || sub.NextPaymentDate.After(today) {
			continue
		}
		contact := r.contacts[sub.UserID]
		targets = append(targets, domain.PaymentTarget{
			SubscriptionID:  sub.ID,
			UserID:          sub.UserID,
			CustomerKey:     sub.CustomerKey,
			BillingKey:      *sub.BillingKey,
			Price:           sub.Price,
			RetryCount:      sub.RetryCount,
			NextPaymentDate: sub.NextPaymentDate,
			Version:         sub.Version,
			Email:           contact.Email,
			Name:            contact.Name,
		})
	}
	sort.Slice(targets, func(i, j int) bool {
		if !targets[i].NextPaymentDate.Equal(targets[j].NextPaymentDate) {
			return targets[i].NextPaymentDate.Before(targets[j].NextPaymentDate)
		}
		return targets[i].SubscriptionID < targets[j].SubscriptionID
	})
	return targets, nil
}

func (r *memRepo) RecordChargeSuccess(ctx context.Context, subscriptionID string, expectedVersion int, nextPaymentDate time.Time) (int, error) {
	if r.successErr != nil {
		return 0, r.successErr
	}
	sub, err := r.guarded(subscriptionID, expectedVersion, domain.StatusActive, func(sub *domain.Subscription) {
		sub.NextPaymentDate = nextPaymentDate
		sub.RetryCount = 0
	})
	if err != nil {
		return 0, err
	}
	return sub.Version, nil
}

func (r *memRepo) RecordChargeFailure(ctx context.Context, subscriptionID string, expectedVersion, retryCount int, nextPaymentDate time.Time) (int, error) {
	sub, err := r.guarded(subscriptionID, expectedVersion, domain.StatusActive, func(sub *domain.Subscription) {
		sub.RetryCount = retryCount
		sub.NextPaymentDate = nextPaymentDate
	})
	if err != nil {
		return 0, err
	}
	return sub.Version, nil
}

// guarded applies fn to the subscription when version and status match, like a version-guarded UPDATE.
func (r *memRepo) guarded(subscriptionID string, expectedVersion int, from domain.SubscriptionStatus, fn func(sub *domain.Subscription)) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[subscriptionID]
	if !ok || sub.Version != expectedVersion || (from != "" && sub.Status != from) {
		return nil, store.ErrVersionConflict
	}
	fn(sub)
	sub.Version++
	copied := *sub
	return &copied, nil
}

func (r *memRepo) SuspendSubscription(ctx context.Context, subscriptionID string, expectedVersion int, suspendedAt time.Time, reason string) (*domain.Subscription, error) {
	return r.guarded(subscriptionID, expectedVersion, domain.StatusActive, func(sub *domain.Subscription) {
		sub.Status = domain.StatusSuspended
		sub.BillingKey = nil
		sub.AutoRenewal = false
		sub.CancelledAt = &suspendedAt
		sub.CancellationReason = &reason
	})
}

func (r *memRepo) CancelSubscription(ctx context.Context, subscriptionID string, expectedVersion int, effectiveUntil, cancelledAt time.Time, reason *string) (*domain.Subscription, error) {
	return r.guarded(subscriptionID, expectedVersion, domain.StatusActive, func(sub *domain.Subscription) {
		sub.Status = domain.StatusPendingCancellation
		sub.AutoRenewal = false
		sub.EffectiveUntil = &effectiveUntil
		sub.CancelledAt = &cancelledAt
		sub.CancellationReason = reason
	})
}

func (r *memRepo) InsertCancellationFeedback(ctx context.Context, subscriptionID, userID string, reason, feedback *string) error {
	if r.feedbackErr != nil {
		return r.feedbackErr
	}
	entry := subscriptionID
	if reason != nil {
		entry += "|" + *reason
	}
	if feedback != nil {
		entry += "|" + *feedback
	}
	r.feedback = append(r.feedback, entry)
	return nil
}

func (r *memRepo) ReactivateSubscription(ctx context.Context, subscriptionID string, expectedVersion int, billingKey string, card domain.Card) (*domain.Subscription, error) {
	return r.guarded(subscriptionID, expectedVersion, domain.StatusPendingCancellation, func(sub *domain.Subscription) {
		sub.Status = domain.StatusActive
		sub.AutoRenewal = true
		sub.BillingKey = &billingKey
		sub.CardLast4Digits = card.Last4Digits
		sub.CardType = card.CardType
		sub.RetryCount = 0
		sub.EffectiveUntil = nil
		sub.CancelledAt = nil
		sub.CancellationReason = nil
	})
}

func (r *memRepo) UpdateBillingKey(ctx context.Context, subscriptionID string, expectedVersion int, billingKey string, card domain.Card) (*domain.Subscription, error) {
	return r.guarded(subscriptionID, expectedVersion, domain.StatusActive, func(sub *domain.Subscription) {
		sub.BillingKey = &billingKey
		sub.CardLast4Digits = card.Last4Digits
		sub.CardType = card.CardType
	})
}

func (r *memRepo) ListLapsedCancellations(ctx context.Context, today time.Time) ([]domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Subscription
	for _, sub := range r.subs {
		if sub.Status == domain.StatusPendingCancellation && sub.EffectiveUntil != nil && !sub.EffectiveUntil.After(today) {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) ExpireSubscription(ctx context.Context, subscriptionID string, expectedVersion int) (*domain.Subscription, error) {
	return r.guarded(subscriptionID, expectedVersion, domain.StatusPendingCancellation, func(sub *domain.Subscription) {
		sub.Status = domain.StatusCancelled
		sub.BillingKey = nil
		sub.AutoRenewal = false
	})
}

func (r *memRepo) CreateSubscriptionWithPayment(ctx context.Context, sub *domain.Subscription, payment *domain.Payment, monthlyAllotment int) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return nil, r.createErr
	}
	for _, existing := range r.subs {
		if existing.UserID == sub.UserID && !existing.Status.IsTerminal() {
			return nil, store.ErrOpenSubscription
		}
	}
	r.nextID++
	created := *sub
	created.ID = fmt.Sprintf("sub_created_%d", r.nextID)
	created.Status = domain.StatusActive
	created.AutoRenewal = true
	created.Version = 1
	created.CreatedAt = time.Now()
	r.subs[created.ID] = &created

	u := r.users[sub.UserID]
	u.SubscriptionTier = domain.TierPro
	u.MonthlyAnalysisCount = monthlyAllotment

	payment.SubscriptionID = created.ID
	r.payments = append(r.payments, *payment)

	copied := created
	return &copied, nil
}

func (r *memRepo) InsertPayment(ctx context.Context, payment *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertPayErr != nil {
		return r.insertPayErr
	}
	for _, p := range r.payments {
		if p.OrderID == payment.OrderID {
			return store.ErrDuplicateOrder
		}
	}
	r.nextID++
	payment.ID = fmt.Sprintf("pay_%d", r.nextID)
	r.payments = append(r.payments, *payment)
	return nil
}

func (r *memRepo) HasCompletedPayment(ctx context.Context, orderID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.OrderID == orderID && p.Status == domain.PaymentCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) ListPaymentsByUserID(ctx context.Context, userID string, limit int) ([]domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []domain.Payment{}
	for i := len(r.payments) - 1; i >= 0 && len(out) < limit; i-- {
		if r.payments[i].UserID == userID {
			out = append(out, r.payments[i])
		}
	}
	return out, nil
}

func (r *memRepo) InsertBatchRun(ctx context.Context, summary *domain.BatchSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batchRuns = append(r.batchRuns, *summary)
	return nil
}

// fakeGateway records calls and fails them on demand.
type fakeGateway struct {
	mu          sync.Mutex
	chargeErrs  map[string]error
	chargeErr   error
	issueErr    error
	deleteErr   error
	cancelErr   error
	issued      int
	charges     []gateway.ChargeRequest
	deleted     []string
	cancelled   []string
	deleteCalls int
	// onCharge runs before the charge resolves, outside the lock.
	onCharge func(req gateway.ChargeRequest)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{chargeErrs: map[string]error{}}
}

func (g *fakeGateway) IssueBillingKey(ctx context.Context, req gateway.IssueRequest) (*gateway.BillingKey, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.issueErr != nil {
		return nil, g.issueErr
	}
	g.issued++
	return &gateway.BillingKey{
		BillingKey:  fmt.Sprintf("bk_new_%d", g.issued),
		CustomerKey: req.CustomerKey,
		Card:        gateway.Card{Number: "4330-12**-****-9876", CardType: "credit"},
	}, nil
}

func (g *fakeGateway) Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.Charge, error) {
	if g.onCharge != nil {
		g.onCharge(req)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges = append(g.charges, req)
	if err, ok := g.chargeErrs[req.BillingKey]; ok {
		return nil, err
	}
	if g.chargeErr != nil {
		return nil, g.chargeErr
	}
	return &gateway.Charge{
		PaymentKey:  "pay_" + req.OrderID,
		OrderID:     req.OrderID,
		Status:      "DONE",
		TotalAmount: req.Amount,
		ApprovedAt:  time.Date(2026, time.October, 19, 3, 0, 0, 0, time.UTC),
	}, nil
}

func (g *fakeGateway) DeleteBillingKey(ctx context.Context, billingKey string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleteCalls++
	if g.deleteErr != nil {
		return g.deleteErr
	}
	g.deleted = append(g.deleted, billingKey)
	return nil
}

func (g *fakeGateway) CancelPayment(ctx context.Context, paymentKey, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return g.cancelErr
	}
	g.cancelled = append(g.cancelled, paymentKey)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	keys   []string
	failOn string
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	if routingKey == p.failOn {
		return errors.New("broker unavailable")
	}
	return nil
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

// busyLocker reports every key in busy as held by someone else.
type busyLocker struct {
	busy     map[string]bool
	acquired []string
}

func (l *busyLocker) Acquire(ctx context.Context, key string) (func(), error) {
	if l.busy[key] {
		return nil, fmt.Errorf("%w: %s", ErrLeaseBusy, key)
	}
	l.acquired = append(l.acquired, key)
	return func() {}, nil
}

type testHarness struct {
	svc       *Service
	repo      *memRepo
	gw        *fakeGateway
	publisher *recordingPublisher
	sleeps    []time.Duration
}

func newHarness() *testHarness {
	h := &testHarness{repo: newMemRepo(), gw: newFakeGateway(), publisher: &recordingPublisher{}}
	h.svc = NewService(h.repo, h.gw, h.publisher, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		Price:             9900,
		OrderName:         "Pro monthly",
		ChargeDelay:       2 * time.Second,
		RetryIntervalDays: 1,
		CleanupBackoff:    time.Millisecond,
	})
	h.svc.now = func() time.Time { return testToday.Add(3 * time.Hour) }
	h.svc.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	return h
}

func strPtr(s string) *string {
	return &s
}

func activeSub(id, userID string, retryCount int) domain.Subscription {
	return domain.Subscription{
		ID:              id,
		UserID:          userID,
		BillingKey:      strPtr("bk_" + id),
		Price:           9900,
		Status:          domain.StatusActive,
		NextPaymentDate: testToday,
		RetryCount:      retryCount,
		CardLast4Digits: "1234",
		CardType:        "credit",
		CreatedAt:       testToday.AddDate(0, -1, 0),
	}
}
