package transaction

import (
	"sync"
	"time"
)

// Store представляет thread-safe хранилище транзакций.
// Гарантирует не более одной живой транзакции на ключ.
type Store struct {
	mu           sync.RWMutex
	transactions map[TransactionKey]Transaction
	stats        StoreStats

	// Для автоматической очистки
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// StoreStats статистика хранилища
type StoreStats struct {
	TotalTransactions   uint64
	ActiveTransactions  uint64
	CleanedTransactions uint64
}

// NewStore создает новое хранилище транзакций.
// Фоновая очистка подбирает терминированные транзакции, которые
// не были удалены по событию (например при гонке обработчиков).
func NewStore() *Store {
	s := &Store{
		transactions: make(map[TransactionKey]Transaction),
		stopCleanup:  make(chan struct{}),
	}

	s.cleanupTicker = time.NewTicker(30 * time.Second)
	go s.cleanupRoutine()

	return s
}

// Add добавляет транзакцию в хранилище
func (s *Store) Add(tx Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tx.Key()
	if _, exists := s.transactions[key]; exists {
		return NewTransactionError(tx.ID(), "add to store", tx.State(), ErrTransactionExists)
	}

	s.transactions[key] = tx
	s.stats.TotalTransactions++
	s.stats.ActiveTransactions++

	return nil
}

// Get возвращает транзакцию по ключу
func (s *Store) Get(key TransactionKey) (Transaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[key]
	return tx, ok
}

// Remove удаляет транзакцию из хранилища
func (s *Store) Remove(key TransactionKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transactions[key]; !exists {
		return false
	}

	delete(s.transactions, key)
	s.stats.ActiveTransactions--
	return true
}

// GetAll возвращает все активные транзакции
func (s *Store) GetAll() []Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		result = append(result, tx)
	}
	return result
}

// Count возвращает количество активных транзакций
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.transactions)
}

// Stats возвращает статистику хранилища
func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.stats
}

// Close останавливает хранилище
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		s.cleanupTicker.Stop()

		s.mu.Lock()
		s.transactions = make(map[TransactionKey]Transaction)
		s.mu.Unlock()
	})

	return nil
}

// cleanupRoutine периодически очищает терминированные транзакции
func (s *Store) cleanupRoutine() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.CleanupTerminated()
		case <-s.stopCleanup:
			return
		}
	}
}

// CleanupTerminated удаляет терминированные транзакции, возвращает
// количество удаленных.
func (s *Store) CleanupTerminated() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key, tx := range s.transactions {
		if tx.IsTerminated() {
			delete(s.transactions, key)
			s.stats.ActiveTransactions--
			s.stats.CleanedTransactions++
			count++
		}
	}

	return count
}
