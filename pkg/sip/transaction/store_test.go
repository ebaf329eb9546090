package transaction

import (
	"context"
	"sync"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransaction — минимальная заглушка для тестов хранилища
type fakeTransaction struct {
	id    string
	key   TransactionKey
	state TransactionState
	mu    sync.Mutex
}

func (f *fakeTransaction) ID() string              { return f.id }
func (f *fakeTransaction) Key() TransactionKey     { return f.key }
func (f *fakeTransaction) IsClient() bool          { return !f.key.IsServer }
func (f *fakeTransaction) IsServer() bool          { return f.key.IsServer }
func (f *fakeTransaction) State() TransactionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}
func (f *fakeTransaction) IsCompleted() bool  { return f.State() == TransactionCompleted }
func (f *fakeTransaction) IsTerminated() bool { return f.State() == TransactionTerminated }
func (f *fakeTransaction) Request() *sip.Request                        { return nil }
func (f *fakeTransaction) LastResponse() *sip.Response                  { return nil }
func (f *fakeTransaction) SendResponse(*sip.Response) error             { return ErrInvalidState }
func (f *fakeTransaction) Cancel() error                                { return ErrCannotCancel }
func (f *fakeTransaction) HandleRequest(*sip.Request) error             { return nil }
func (f *fakeTransaction) HandleResponse(*sip.Response) error           { return nil }
func (f *fakeTransaction) OnStateChange(StateChangeHandler)             {}
func (f *fakeTransaction) OnResponse(ResponseHandler)                   {}
func (f *fakeTransaction) OnTimeout(TimeoutHandler)                     {}
func (f *fakeTransaction) OnTransportError(TransportErrorHandler)       {}
func (f *fakeTransaction) Terminate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = TransactionTerminated
}
func (f *fakeTransaction) Context() context.Context { return context.Background() }

func newFakeTransaction(branch string, method sip.RequestMethod, isServer bool) *fakeTransaction {
	return &fakeTransaction{
		id:    GenerateTransactionID(),
		key:   TransactionKey{Branch: branch, Method: method, IsServer: isServer},
		state: TransactionCalling,
	}
}

// TestStoreAtMostOnePerKey проверяет гарантию: не больше одной живой
// транзакции на ключ
func TestStoreAtMostOnePerKey(t *testing.T) {
	store := NewStore()
	defer store.Close()

	tx1 := newFakeTransaction("z9hG4bK-dup", sip.INVITE, false)
	tx2 := newFakeTransaction("z9hG4bK-dup", sip.INVITE, false)

	require.NoError(t, store.Add(tx1))

	err := store.Add(tx2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransactionExists)

	// Ключи с другой ролью не конфликтуют
	tx3 := newFakeTransaction("z9hG4bK-dup", sip.INVITE, true)
	assert.NoError(t, store.Add(tx3))

	assert.Equal(t, 2, store.Count())
}

func TestStoreGetRemove(t *testing.T) {
	store := NewStore()
	defer store.Close()

	tx := newFakeTransaction("z9hG4bK-get1", sip.BYE, false)
	require.NoError(t, store.Add(tx))

	got, ok := store.Get(tx.Key())
	require.True(t, ok)
	assert.Equal(t, tx.ID(), got.ID())

	store.Remove(tx.Key())
	_, ok = store.Get(tx.Key())
	assert.False(t, ok)
}

func TestStoreCleanupTerminated(t *testing.T) {
	store := NewStore()
	defer store.Close()

	live := newFakeTransaction("z9hG4bK-live", sip.INVITE, false)
	dead := newFakeTransaction("z9hG4bK-dead", sip.INVITE, false)
	dead.Terminate()

	require.NoError(t, store.Add(live))
	require.NoError(t, store.Add(dead))

	removed := store.CleanupTerminated()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.Count())

	_, ok := store.Get(live.Key())
	assert.True(t, ok)
}

func TestStoreConcurrentAdd(t *testing.T) {
	store := NewStore()
	defer store.Close()

	const workers = 32
	var wg sync.WaitGroup
	var successes int64
	var successMu sync.Mutex

	// Все горутины пытаются добавить транзакцию с одним ключом
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx := newFakeTransaction("z9hG4bK-race", sip.OPTIONS, false)
			if err := store.Add(tx); err == nil {
				successMu.Lock()
				successes++
				successMu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), successes)
	assert.Equal(t, 1, store.Count())
}
