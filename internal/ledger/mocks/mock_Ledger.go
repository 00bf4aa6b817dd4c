// Package mocks provides test doubles for the ledger package.
package mocks

import (
	"context"
	"math/big"

	ledger "github.com/sells-group/reward-distributor/internal/ledger"
	mock "github.com/stretchr/testify/mock"
)

// MockLedger is a mock type for the Ledger interface.
type MockLedger struct {
	mock.Mock
}

// Identity provides a mock function with given fields: ctx
func (_m *MockLedger) Identity(ctx context.Context) (string, error) {
	ret := _m.Called(ctx)

	if len(ret) == 0 {
		panic("no return value specified for Identity")
	}

	if rf, ok := ret.Get(0).(func(context.Context) (string, error)); ok {
		return rf(ctx)
	}
	return ret.String(0), ret.Error(1)
}

// TreasuryBalance provides a mock function with given fields: ctx, from
func (_m *MockLedger) TreasuryBalance(ctx context.Context, from string) (*big.Int, error) {
	ret := _m.Called(ctx, from)

	if len(ret) == 0 {
		panic("no return value specified for TreasuryBalance")
	}

	if rf, ok := ret.Get(0).(func(context.Context, string) (*big.Int, error)); ok {
		return rf(ctx, from)
	}
	var r0 *big.Int
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*big.Int)
	}
	return r0, ret.Error(1)
}

// SubmitTransfer provides a mock function with given fields: ctx, from, to, amount
func (_m *MockLedger) SubmitTransfer(ctx context.Context, from string, to string, amount *big.Int) (string, error) {
	ret := _m.Called(ctx, from, to, amount)

	if len(ret) == 0 {
		panic("no return value specified for SubmitTransfer")
	}

	if rf, ok := ret.Get(0).(func(context.Context, string, string, *big.Int) (string, error)); ok {
		return rf(ctx, from, to, amount)
	}
	return ret.String(0), ret.Error(1)
}

// Receipt provides a mock function with given fields: ctx, txID
func (_m *MockLedger) Receipt(ctx context.Context, txID string) (ledger.Receipt, error) {
	ret := _m.Called(ctx, txID)

	if len(ret) == 0 {
		panic("no return value specified for Receipt")
	}

	if rf, ok := ret.Get(0).(func(context.Context, string) (ledger.Receipt, error)); ok {
		return rf(ctx, txID)
	}
	return ret.Get(0).(ledger.Receipt), ret.Error(1)
}

// NewMockLedger creates a new instance of MockLedger. It also registers a
// testing interface on the mock and a cleanup function to assert the mocks
// expectations.
func NewMockLedger(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockLedger {
	m := &MockLedger{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}

var _ ledger.Ledger = (*MockLedger)(nil)
