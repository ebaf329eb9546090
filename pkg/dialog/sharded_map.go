package dialog

import (
	"hash/fnv"
	"sync"
)

// ShardCount - количество шардов карты диалогов
// КРИТИЧНО: должно быть степенью 2 для битового вычисления индекса
const ShardCount = 32

// dialogShard - один шард карты со своим мьютексом
type dialogShard struct {
	dialogs map[DialogKey]*Dialog
	mutex   sync.RWMutex
}

// ShardedDialogMap - потокобезопасная карта диалогов с шардированием.
// Диалоги распределяются по шардам хэшем ключа, каждый шард блокируется
// независимо, что снимает контеншн глобального мьютекса под нагрузкой.
type ShardedDialogMap struct {
	shards [ShardCount]*dialogShard
}

// NewShardedDialogMap создает шардированную карту диалогов.
func NewShardedDialogMap() *ShardedDialogMap {
	m := &ShardedDialogMap{}
	for i := range m.shards {
		m.shards[i] = &dialogShard{
			dialogs: make(map[DialogKey]*Dialog),
		}
	}
	return m
}

// hashKey комбинирует все три части ключа для равномерного распределения.
func (m *ShardedDialogMap) hashKey(key DialogKey) uint32 {
	hasher := fnv.New32a()
	hasher.Write([]byte(key.CallID))
	hasher.Write([]byte(key.LocalTag))
	hasher.Write([]byte(key.RemoteTag))
	return hasher.Sum32()
}

func (m *ShardedDialogMap) getShard(key DialogKey) *dialogShard {
	// Битовая операция вместо модуля, ShardCount - степень 2
	return m.shards[m.hashKey(key)&(ShardCount-1)]
}

// Set добавляет или обновляет диалог.
func (m *ShardedDialogMap) Set(key DialogKey, dialog *Dialog) {
	shard := m.getShard(key)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()
	shard.dialogs[key] = dialog
}

// SetIfAbsent добавляет диалог только если ключ свободен.
// Возвращает false, если диалог с таким ключом уже существует.
func (m *ShardedDialogMap) SetIfAbsent(key DialogKey, dialog *Dialog) bool {
	shard := m.getShard(key)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()
	if _, exists := shard.dialogs[key]; exists {
		return false
	}
	shard.dialogs[key] = dialog
	return true
}

// Get возвращает диалог по ключу.
func (m *ShardedDialogMap) Get(key DialogKey) (*Dialog, bool) {
	shard := m.getShard(key)
	shard.mutex.RLock()
	defer shard.mutex.RUnlock()
	dialog, exists := shard.dialogs[key]
	return dialog, exists
}

// Delete удаляет диалог. Возвращает true, если диалог существовал.
func (m *ShardedDialogMap) Delete(key DialogKey) bool {
	shard := m.getShard(key)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()
	if _, exists := shard.dialogs[key]; !exists {
		return false
	}
	delete(shard.dialogs, key)
	return true
}

// Count возвращает общее число диалогов во всех шардах.
func (m *ShardedDialogMap) Count() int {
	total := 0
	for _, shard := range m.shards {
		shard.mutex.RLock()
		total += len(shard.dialogs)
		shard.mutex.RUnlock()
	}
	return total
}

// ForEach вызывает fn для каждого диалога. Возврат false прерывает обход.
// КРИТИЧНО: fn не должна вызывать методы карты, шард заблокирован на чтение.
func (m *ShardedDialogMap) ForEach(fn func(key DialogKey, dialog *Dialog) bool) {
	for _, shard := range m.shards {
		shard.mutex.RLock()
		for key, dialog := range shard.dialogs {
			if !fn(key, dialog) {
				shard.mutex.RUnlock()
				return
			}
		}
		shard.mutex.RUnlock()
	}
}

// Clear удаляет все диалоги.
func (m *ShardedDialogMap) Clear() {
	for _, shard := range m.shards {
		shard.mutex.Lock()
		shard.dialogs = make(map[DialogKey]*Dialog)
		shard.mutex.Unlock()
	}
}
