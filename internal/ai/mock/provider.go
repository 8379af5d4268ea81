package mock

import (
	"context"

	"github.com/loopbreaker/scriptrunner/internal/ai"
	"github.com/loopbreaker/scriptrunner/pkg/models"
)

// MockProvider satisfies models.Describer for testing.
type MockProvider struct {
	Name_        string
	Model_       string
	DescribeFunc func(ctx context.Context, title, content string) (string, error)
}

func (m *MockProvider) Name() string  { return m.Name_ }
func (m *MockProvider) Model() string { return m.Model_ }

func (m *MockProvider) Describe(ctx context.Context, title, content string) (string, error) {
	if m.DescribeFunc != nil {
		return m.DescribeFunc(ctx, title, content)
	}
	return "", nil
}

// NewMockProvider returns a MockProvider that describes every note by its title.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_:  "mock",
		Model_: "mock-v1",
		DescribeFunc: func(_ context.Context, title, _ string) (string, error) {
			return "Mock description of " + title + ".", nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_:  "mock-failing",
		Model_: "mock-v1",
		DescribeFunc: func(_ context.Context, _, _ string) (string, error) {
			return "", err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_:  "mock-timeout",
		Model_: "mock-v1",
		DescribeFunc: func(ctx context.Context, _, _ string) (string, error) {
			<-ctx.Done()
			return "", ai.ErrInferenceTimeout
		},
	}
}

// Compile-time check that MockProvider implements Describer.
var _ models.Describer = (*MockProvider)(nil)
