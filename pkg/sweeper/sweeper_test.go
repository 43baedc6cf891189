package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReclaimer struct {
	mu      sync.Mutex
	flagged int
	purged  int
}

func (f *fakeReclaimer) FlagStale(_ context.Context, _ time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.flagged++

	return 1, nil
}

func (f *fakeReclaimer) PurgeFlagged(_ context.Context, _ time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.purged++

	return 1, nil
}

func (f *fakeReclaimer) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.flagged, f.purged
}

func TestSweeper_RunsBothLoops(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	reclaimer := &fakeReclaimer{}
	s := New(log, Config{
		KeepAliveWindow: time.Minute,
		GracePeriod:     time.Minute,
		FlagInterval:    10 * time.Millisecond,
		PurgeInterval:   10 * time.Millisecond,
	}, reclaimer)

	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		flagged, purged := reclaimer.counts()

		return flagged > 0 && purged > 0
	}, time.Second, 5*time.Millisecond)

	s.Stop()

	flagged, purged := reclaimer.counts()
	time.Sleep(30 * time.Millisecond)

	after, afterPurged := reclaimer.counts()
	assert.Equal(t, flagged, after)
	assert.Equal(t, purged, afterPurged)
}

func TestSweeper_RunOnce(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	reclaimer := &fakeReclaimer{}
	s := New(log, Config{
		KeepAliveWindow: time.Minute,
		GracePeriod:     time.Minute,
		FlagInterval:    time.Hour,
		PurgeInterval:   time.Hour,
	}, reclaimer)

	flagged, purged, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, flagged)
	assert.Equal(t, 1, purged)
}
