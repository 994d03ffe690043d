package llm

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockProvider struct {
	mock.Mock
	name string
}

func (m *MockProvider) Name() string { return m.name }

func (m *MockProvider) Stream(ctx context.Context, req ChatRequest) <-chan Chunk {
	args := m.Called(ctx, req)
	return args.Get(0).(<-chan Chunk)
}

func (m *MockProvider) Complete(ctx context.Context, req ChatRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func TestSelectorSwitch(t *testing.T) {
	volcano := &MockProvider{name: "volcano"}
	feishu := &MockProvider{name: "feishu_aily"}

	sel, err := NewSelector("feishu_aily", volcano, feishu)
	require.NoError(t, err)
	assert.Equal(t, "feishu_aily", sel.Current().Name)
	assert.Equal(t, []string{"feishu_aily", "volcano"}, sel.Names())

	next, err := sel.Switch("volcano")
	require.NoError(t, err)
	assert.Equal(t, "volcano", next.Name)
	assert.Same(t, volcano, next.Provider.(*MockProvider))
	assert.Greater(t, next.Version, uint64(1))

	_, err = sel.Switch("openai")
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.Equal(t, "volcano", sel.Current().Name)
}

func TestSelectorUnknownInitial(t *testing.T) {
	_, err := NewSelector("openai", &MockProvider{name: "volcano"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestSelectorResolveOverrideKeepsGlobal(t *testing.T) {
	volcano := &MockProvider{name: "volcano"}
	feishu := &MockProvider{name: "feishu_aily"}
	sel, err := NewSelector("feishu_aily", volcano, feishu)
	require.NoError(t, err)

	snap, err := sel.Resolve("volcano")
	require.NoError(t, err)
	assert.Equal(t, "volcano", snap.Name)
	assert.Equal(t, "feishu_aily", sel.Current().Name)

	_, err = sel.Resolve("nope")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestSelectorSnapshotSurvivesSwitch(t *testing.T) {
	volcano := &MockProvider{name: "volcano"}
	feishu := &MockProvider{name: "feishu_aily"}
	feishu.On("Complete", mock.Anything, ChatRequest{Message: "hi"}).Return("from feishu", nil)

	sel, err := NewSelector("feishu_aily", volcano, feishu)
	require.NoError(t, err)

	snap, err := sel.Resolve("")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = sel.Switch("volcano")
			} else {
				_, _ = sel.Switch("feishu_aily")
			}
		}(i)
	}
	wg.Wait()

	answer, err := snap.Provider.Complete(context.Background(), ChatRequest{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "from feishu", answer)
	assert.Equal(t, "feishu_aily", snap.Name)
	assert.Equal(t, uint64(51), sel.Current().Version)

	feishu.AssertExpectations(t)
	volcano.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}
