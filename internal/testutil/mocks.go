// Package testutil provides shared test doubles for the training
// interfaces: testify mocks for expectation-style tests and deterministic
// fakes for behavioral ones.
package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/lightfold/difftune/pkg/core"
)

// MockSampler is a testify mock over core.Sampler, for scripting failures
// and inspecting requests.
type MockSampler struct {
	mock.Mock
}

func (m *MockSampler) Sample(ctx context.Context, req *core.SampleRequest) (*core.SampleResult, error) {
	args := m.Called(ctx, req)
	if res := args.Get(0); res != nil {
		return res.(*core.SampleResult), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockScorer is a testify mock over core.Scorer.
type MockScorer struct {
	mock.Mock
	Dim int
}

func (m *MockScorer) Score(ctx context.Context, req *core.ScoreRequest) (*core.ScoreResult, error) {
	args := m.Called(ctx, req)
	if res := args.Get(0); res != nil {
		return res.(*core.ScoreResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockScorer) RewardSize() int {
	if m.Dim > 0 {
		return m.Dim
	}
	return 1
}
