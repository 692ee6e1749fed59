// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package decrypt

import (
	"container/list"
	"sync"

	"github.com/efchatnet/keyex/client/plaintext"
)

// OwnSent holds the plaintext of messages this device sent, keyed by
// ciphertext, until the server echo arrives with a message id. It is
// bounded and evicts the oldest entries first.
type OwnSent struct {
	mu      sync.Mutex
	max     int
	entries map[string]*list.Element
	order   *list.List
}

type ownEntry struct {
	key   string
	entry plaintext.Entry
}

func NewOwnSent(max int) *OwnSent {
	if max <= 0 {
		max = 1000
	}
	return &OwnSent{max: max, entries: make(map[string]*list.Element), order: list.New()}
}

// Remember records the plaintext of an outgoing ciphertext.
func (o *OwnSent) Remember(ciphertext []byte, e plaintext.Entry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := string(ciphertext)
	if el, ok := o.entries[k]; ok {
		el.Value.(*ownEntry).entry = e
		o.order.MoveToBack(el)
		return
	}
	o.entries[k] = o.order.PushBack(&ownEntry{key: k, entry: e})
	for o.order.Len() > o.max {
		oldest := o.order.Front()
		o.order.Remove(oldest)
		delete(o.entries, oldest.Value.(*ownEntry).key)
	}
}

func (o *OwnSent) Lookup(ciphertext []byte) (plaintext.Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	el, ok := o.entries[string(ciphertext)]
	if !ok {
		return plaintext.Entry{}, false
	}
	return el.Value.(*ownEntry).entry, true
}

// Promote moves the plaintext for ciphertext into the durable cache under
// messageID. The in-memory copy is dropped only after the write succeeds.
func (o *OwnSent) Promote(ciphertext []byte, messageID string, cache Store) (plaintext.Entry, bool, error) {
	e, ok := o.Lookup(ciphertext)
	if !ok {
		return plaintext.Entry{}, false, nil
	}
	if err := cache.Put(messageID, e); err != nil {
		return e, true, err
	}

	o.mu.Lock()
	if el, ok := o.entries[string(ciphertext)]; ok {
		o.order.Remove(el)
		delete(o.entries, string(ciphertext))
	}
	o.mu.Unlock()
	return e, true, nil
}

func (o *OwnSent) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}
