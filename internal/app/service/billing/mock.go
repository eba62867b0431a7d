package billing

import (
	"context"
	"sync"
)

// MockProvider is a test double that records calls and returns configurable
// results.
type MockProvider struct {
	mu sync.Mutex

	// Subscriptions maps subscription id -> detail.
	Subscriptions map[string]*SubscriptionDetail
	// PortalURL is returned by PortalSession.
	PortalURL string

	// Error fields allow tests to inject failures.
	FindErr   error
	GetErr    error
	CancelErr error
	PortalErr error

	// Call counters.
	FindCalls   int
	GetCalls    int
	CancelCalls int
	PortalCalls int
}

// NewMockProvider creates a MockProvider ready for use.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Subscriptions: make(map[string]*SubscriptionDetail),
		PortalURL:     "https://billing.example.com/session/mock",
	}
}

// Put registers a subscription detail under its id.
func (m *MockProvider) Put(d *SubscriptionDetail) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Subscriptions[d.ID] = d
}

func (m *MockProvider) FindCustomerSubscriptions(_ context.Context, customerID string) ([]*SubscriptionDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FindCalls++
	if m.FindErr != nil {
		return nil, m.FindErr
	}
	for _, d := range m.Subscriptions {
		if d.CustomerID == customerID {
			cp := *d
			// capped at one, matching the provider query
			return []*SubscriptionDetail{&cp}, nil
		}
	}
	return nil, nil
}

func (m *MockProvider) GetSubscription(_ context.Context, subscriptionID string) (*SubscriptionDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetCalls++
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	d, ok := m.Subscriptions[subscriptionID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MockProvider) CancelAtPeriodEnd(_ context.Context, subscriptionID string) (*SubscriptionDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CancelCalls++
	if m.CancelErr != nil {
		return nil, m.CancelErr
	}
	d, ok := m.Subscriptions[subscriptionID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	d.CancelAtPeriodEnd = true
	cp := *d
	return &cp, nil
}

// Gets returns the GetSubscription call count. Safe for concurrent polling.
func (m *MockProvider) Gets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.GetCalls
}

// Finds returns the FindCustomerSubscriptions call count.
func (m *MockProvider) Finds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.FindCalls
}

func (m *MockProvider) PortalSession(_ context.Context, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PortalCalls++
	if m.PortalErr != nil {
		return "", m.PortalErr
	}
	return m.PortalURL, nil
}
