// Copyright 2026 The CryMatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid"
)

type memoryEntry struct {
	keyType KeyType

	str string
	// Generation guards TTL timers: a timer only removes the entry if the
	// string has not been overwritten since the timer was armed.
	strGen uint64

	stream []StreamMessage

	set map[string]struct{}
}

// MemoryState is the in-process State backend used in Standalone mode and in
// tests. A single mutex guards the whole key space; every operation is a
// short critical section so contention stays negligible at the call rates the
// Director and Matchmaker produce.
type MemoryState struct {
	sync.Mutex
	entries map[string]*memoryEntry
}

// NewMemoryState creates an empty in-process state store.
func NewMemoryState() *MemoryState {
	return &MemoryState{
		entries: make(map[string]*memoryEntry),
	}
}

func (s *MemoryState) GetString(ctx context.Context, key string) (string, error) {
	s.Lock()
	defer s.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return "", nil
	}
	if entry.keyType != KeyTypeString {
		return "", ErrWrongKeyType
	}
	return entry.str, nil
}

func (s *MemoryState) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	s.Lock()
	defer s.Unlock()
	entry, ok := s.entries[key]
	if ok && entry.keyType != KeyTypeString {
		return ErrWrongKeyType
	}
	if !ok {
		entry = &memoryEntry{keyType: KeyTypeString}
		s.entries[key] = entry
	}
	entry.str = value
	entry.strGen++
	if ttl > 0 {
		gen := entry.strGen
		time.AfterFunc(ttl, func() {
			s.Lock()
			defer s.Unlock()
			if current, ok := s.entries[key]; ok && current.keyType == KeyTypeString && current.strGen == gen {
				delete(s.entries, key)
			}
		})
	}
	return nil
}

func (s *MemoryState) StreamAdd(ctx context.Context, key string, data []byte) (string, error) {
	s.Lock()
	defer s.Unlock()
	return s.streamAddLocked(key, data)
}

func (s *MemoryState) streamAddLocked(key string, data []byte) (string, error) {
	entry, ok := s.entries[key]
	if ok && entry.keyType != KeyTypeStream {
		return "", ErrWrongKeyType
	}
	if !ok {
		entry = &memoryEntry{keyType: KeyTypeStream}
		s.entries[key] = entry
	}
	id := uuid.Must(uuid.NewV4()).String()
	// Copy so the caller may reuse its buffer.
	stored := make([]byte, len(data))
	copy(stored, data)
	entry.stream = append(entry.stream, StreamMessage{ID: id, Data: stored})
	return id, nil
}

func (s *MemoryState) StreamAddBatch(ctx context.Context, key string, datas [][]byte) ([]string, error) {
	s.Lock()
	defer s.Unlock()
	ids := make([]string, len(datas))
	for i, data := range datas {
		id, err := s.streamAddLocked(key, data)
		if err != nil {
			return ids, err
		}
		ids[i] = id
	}
	return ids, nil
}

func (s *MemoryState) StreamRead(ctx context.Context, key string, maxCount int64) ([]StreamMessage, error) {
	s.Lock()
	defer s.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if entry.keyType != KeyTypeStream {
		return nil, ErrWrongKeyType
	}
	count := int64(len(entry.stream))
	if maxCount > 0 && maxCount < count {
		count = maxCount
	}
	out := make([]StreamMessage, count)
	copy(out, entry.stream[:count])
	return out, nil
}

func (s *MemoryState) StreamDelete(ctx context.Context, key string) error {
	s.Lock()
	defer s.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil
	}
	if entry.keyType != KeyTypeStream {
		return ErrWrongKeyType
	}
	delete(s.entries, key)
	return nil
}

func (s *MemoryState) StreamDeleteMessages(ctx context.Context, key string, ids []string) (int64, error) {
	s.Lock()
	defer s.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return 0, nil
	}
	if entry.keyType != KeyTypeStream {
		return 0, ErrWrongKeyType
	}
	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}
	var removed int64
	kept := entry.stream[:0]
	for _, msg := range entry.stream {
		if _, drop := idSet[msg.ID]; drop {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	entry.stream = kept
	return removed, nil
}

func (s *MemoryState) SetAdd(ctx context.Context, key, member string) (bool, error) {
	s.Lock()
	defer s.Unlock()
	return s.setAddLocked(key, member)
}

func (s *MemoryState) setAddLocked(key, member string) (bool, error) {
	entry, ok := s.entries[key]
	if ok && entry.keyType != KeyTypeSet {
		return false, ErrWrongKeyType
	}
	if !ok {
		entry = &memoryEntry{keyType: KeyTypeSet, set: make(map[string]struct{})}
		s.entries[key] = entry
	}
	if _, present := entry.set[member]; present {
		return false, nil
	}
	entry.set[member] = struct{}{}
	return true, nil
}

func (s *MemoryState) SetAddBatch(ctx context.Context, key string, members []string) ([]bool, error) {
	s.Lock()
	defer s.Unlock()
	results := make([]bool, len(members))
	for i, member := range members {
		added, err := s.setAddLocked(key, member)
		if err != nil {
			return results, err
		}
		results[i] = added
	}
	return results, nil
}

func (s *MemoryState) SetRemove(ctx context.Context, key, member string) (bool, error) {
	s.Lock()
	defer s.Unlock()
	return s.setRemoveLocked(key, member)
}

func (s *MemoryState) setRemoveLocked(key, member string) (bool, error) {
	entry, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if entry.keyType != KeyTypeSet {
		return false, ErrWrongKeyType
	}
	if _, present := entry.set[member]; !present {
		return false, nil
	}
	delete(entry.set, member)
	// Last member removed drops the whole key.
	if len(entry.set) == 0 {
		delete(s.entries, key)
	}
	return true, nil
}

func (s *MemoryState) SetRemoveBatch(ctx context.Context, key string, members []string) ([]bool, error) {
	s.Lock()
	defer s.Unlock()
	results := make([]bool, len(members))
	for i, member := range members {
		removed, err := s.setRemoveLocked(key, member)
		if err != nil {
			return results, err
		}
		results[i] = removed
	}
	return results, nil
}

func (s *MemoryState) SetContains(ctx context.Context, key, member string) (bool, error) {
	s.Lock()
	defer s.Unlock()
	return s.setContainsLocked(key, member)
}

func (s *MemoryState) setContainsLocked(key, member string) (bool, error) {
	entry, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if entry.keyType != KeyTypeSet {
		return false, ErrWrongKeyType
	}
	_, present := entry.set[member]
	return present, nil
}

func (s *MemoryState) SetContainsBatch(ctx context.Context, key string, members []string) ([]bool, error) {
	s.Lock()
	defer s.Unlock()
	results := make([]bool, len(members))
	for i, member := range members {
		present, err := s.setContainsLocked(key, member)
		if err != nil {
			return results, err
		}
		results[i] = present
	}
	return results, nil
}

func (s *MemoryState) GetSetValues(ctx context.Context, key string) ([]string, error) {
	s.Lock()
	defer s.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if entry.keyType != KeyTypeSet {
		return nil, ErrWrongKeyType
	}
	values := make([]string, 0, len(entry.set))
	for member := range entry.set {
		values = append(values, member)
	}
	return values, nil
}

func (s *MemoryState) KeyDelete(ctx context.Context, key string) error {
	s.Lock()
	defer s.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryState) KeyType(ctx context.Context, key string) (KeyType, error) {
	s.Lock()
	defer s.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return KeyTypeNone, nil
	}
	return entry.keyType, nil
}
