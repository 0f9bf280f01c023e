package generators

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"MnemoEvolve/server/internal/apperr"
)

var testWAV = []byte("RIFF\x24\x00\x00\x00WAVEfmt ")

type mockSpeechModel struct {
	mock.Mock
}

func (m *mockSpeechModel) Synthesize(ctx context.Context, req SpeechRequest, w io.Writer) error {
	args := m.Called(ctx, req, w)
	if err := args.Error(0); err != nil {
		return err
	}
	_, err := w.Write(testWAV)
	return err
}

func (m *mockSpeechModel) Speakers(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	speakers, _ := args.Get(0).([]string)
	return speakers, args.Error(1)
}

type memoryAudioCache struct {
	entries map[SpeechRequest][]byte
}

func (c *memoryAudioCache) GetAudio(_ context.Context, req SpeechRequest) ([]byte, bool, error) {
	audio, ok := c.entries[req]
	return audio, ok, nil
}

func (c *memoryAudioCache) SetAudio(_ context.Context, req SpeechRequest, audio []byte) error {
	c.entries[req] = append([]byte(nil), audio...)
	return nil
}

func newTestSpeechService(model SpeechModel, opts ...SpeechOption) *SpeechService {
	opts = append([]SpeechOption{
		WithSpeechLogger(quietLogger()),
		WithLoadPolling(200*time.Millisecond, 5*time.Millisecond),
	}, opts...)
	return NewSpeechService(model, opts...)
}

func TestSpeechService_NotLoaded(t *testing.T) {
	model := &mockSpeechModel{}
	model.On("Speakers", mock.Anything).Return(nil, errors.New("connection refused")).Maybe()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc := newTestSpeechService(model, WithBaseContext(ctx))

	assert.False(t, svc.IsReady())

	_, err := svc.Synthesize(context.Background(), SpeechRequest{Text: "hello"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
	assert.Equal(t, "Model not loaded", apperr.Message(err))

	_, err = svc.Speakers()
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))

	model.AssertNotCalled(t, "Synthesize", mock.Anything, mock.Anything, mock.Anything)
}

func TestSpeechService_EmptyTextIsCheckedFirst(t *testing.T) {
	svc := newTestSpeechService(&mockSpeechModel{})

	_, err := svc.Synthesize(context.Background(), SpeechRequest{})
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
	assert.Equal(t, "Text is required", apperr.Message(err))
}

func TestSpeechService_LoadThenSynthesize(t *testing.T) {
	model := &mockSpeechModel{}
	model.On("Speakers", mock.Anything).Return(nil, errors.New("connection refused")).Twice()
	model.On("Speakers", mock.Anything).Return([]string{"Ana Florence", "Claribel Dervla"}, nil)
	model.On("Synthesize", mock.Anything, SpeechRequest{Text: "hello", Language: "en", Speaker: "Ana Florence"}, mock.Anything).Return(nil)

	svc := newTestSpeechService(model)
	require.NoError(t, svc.Load(context.Background()))
	assert.True(t, svc.IsReady())

	speakers, err := svc.Speakers()
	require.NoError(t, err)
	assert.Equal(t, []string{"Ana Florence", "Claribel Dervla"}, speakers)

	audio, err := svc.Synthesize(context.Background(), SpeechRequest{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, testWAV, audio)
	model.AssertExpectations(t)
}

func TestSpeechService_LoadTimesOut(t *testing.T) {
	model := &mockSpeechModel{}
	model.On("Speakers", mock.Anything).Return(nil, errors.New("connection refused"))

	svc := newTestSpeechService(model, WithLoadPolling(20*time.Millisecond, 5*time.Millisecond))
	err := svc.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.False(t, svc.IsReady())
}

func TestSpeechService_SynthesisFailure(t *testing.T) {
	model := &mockSpeechModel{}
	model.On("Speakers", mock.Anything).Return([]string{}, nil)
	model.On("Synthesize", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("CUDA error"))

	svc := newTestSpeechService(model)
	require.NoError(t, svc.Load(context.Background()))

	_, err := svc.Synthesize(context.Background(), SpeechRequest{Text: "hi", Speaker: "Claribel Dervla", Language: "de"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindDependency, apperr.KindOf(err))
	assert.Equal(t, "CUDA error", apperr.Message(err))
}

func TestSpeechService_CacheHitSkipsSynthesis(t *testing.T) {
	model := &mockSpeechModel{}
	model.On("Speakers", mock.Anything).Return([]string{"Ana Florence"}, nil)
	model.On("Synthesize", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	cache := &memoryAudioCache{entries: map[SpeechRequest][]byte{}}
	svc := newTestSpeechService(model, WithAudioCache(cache))
	require.NoError(t, svc.Load(context.Background()))

	for i := 0; i < 3; i++ {
		audio, err := svc.Synthesize(context.Background(), SpeechRequest{Text: "again"})
		require.NoError(t, err)
		assert.Equal(t, testWAV, audio)
	}
	model.AssertNumberOfCalls(t, "Synthesize", 1)
}

// switchableSpeechModel answers only while up is set.
type switchableSpeechModel struct {
	up *atomic.Bool
}

func newSwitchableSpeechModel() *switchableSpeechModel {
	return &switchableSpeechModel{up: atomic.NewBool(false)}
}

func (m *switchableSpeechModel) Synthesize(_ context.Context, _ SpeechRequest, w io.Writer) error {
	if !m.up.Load() {
		return errors.New("connection refused")
	}
	_, err := w.Write(testWAV)
	return err
}

func (m *switchableSpeechModel) Speakers(context.Context) ([]string, error) {
	if !m.up.Load() {
		return nil, errors.New("connection refused")
	}
	return []string{"Ana Florence"}, nil
}

func TestSpeechService_RecoversAfterFailedLoad(t *testing.T) {
	model := newSwitchableSpeechModel()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc := newTestSpeechService(model,
		WithLoadPolling(20*time.Millisecond, 5*time.Millisecond),
		WithBaseContext(ctx))

	require.Error(t, svc.Load(context.Background()))
	assert.False(t, svc.IsReady())

	model.up.Store(true)

	_, err := svc.Speakers()
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
	require.Eventually(t, svc.IsReady, time.Second, 5*time.Millisecond)

	speakers, err := svc.Speakers()
	require.NoError(t, err)
	assert.Equal(t, []string{"Ana Florence"}, speakers)

	audio, err := svc.Synthesize(context.Background(), SpeechRequest{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, testWAV, audio)
}

func TestSpeechService_UnloadAfterBackendStops(t *testing.T) {
	model := newSwitchableSpeechModel()
	model.up.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc := newTestSpeechService(model,
		WithLoadPolling(50*time.Millisecond, 5*time.Millisecond),
		WithBaseContext(ctx))
	require.NoError(t, svc.Load(context.Background()))

	model.up.Store(false)
	svc.Unload()
	assert.False(t, svc.IsReady())

	_, err := svc.Synthesize(context.Background(), SpeechRequest{Text: "hello"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
	assert.Equal(t, "Model not loaded", apperr.Message(err))

	_, err = svc.Speakers()
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
}

func TestSpeechService_SingleLoadAtATime(t *testing.T) {
	model := newSwitchableSpeechModel()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc := newTestSpeechService(model,
		WithLoadPolling(100*time.Millisecond, 5*time.Millisecond),
		WithBaseContext(ctx))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.Load(context.Background())
		}(i)
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	assert.ErrorIs(t, errs[1], ErrLoadInProgress)
	assert.Error(t, errs[0])
	assert.NotErrorIs(t, errs[0], ErrLoadInProgress)
}
