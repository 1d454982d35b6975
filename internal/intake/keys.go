package intake

import (
	"encoding/binary"
	"strings"
)

// Keyspace, all under intake/:
//
//	item/{id}                    - cbor Item
//	ref/{payment_ref}            - id of the item holding the payment ref
//	state/{state}/{id}           - state index (value depends on state)
//	done/{completed_ms}/{id}     - completion index for retention
const (
	prefixItem  = "intake/item/"
	prefixRef   = "intake/ref/"
	prefixState = "intake/state/"
	prefixDone  = "intake/done/"
)

// itemKey returns the primary record key.
// Format: intake/item/{id}
func itemKey(id string) []byte { return []byte(prefixItem + id) }

// refKey returns the unique payment reference index key.
// Format: intake/ref/{payment_ref}
func refKey(paymentRef string) []byte { return []byte(prefixRef + paymentRef) }

// stateKey returns the state index key.
// Format: intake/state/{state}/{id}
func stateKey(s State, id string) []byte {
	return []byte(statePrefix(s) + id)
}

func statePrefix(s State) string { return prefixState + string(s) + "/" }

// doneKey returns the retention index key.
// Format: intake/done/{completed_ms:8B BE}/{id}
func doneKey(completedMs int64, id string) []byte {
	key := make([]byte, 0, len(prefixDone)+8+1+len(id))
	key = append(key, prefixDone...)
	key = binary.BigEndian.AppendUint64(key, uint64(completedMs))
	key = append(key, '/')
	return append(key, id...)
}

// doneUpperBound returns the exclusive bound selecting completions before ms.
func doneUpperBound(ms int64) []byte {
	return binary.BigEndian.AppendUint64([]byte(prefixDone), uint64(ms))
}

// idFromIndexKey returns the trailing id of any index key.
func idFromIndexKey(key []byte) string {
	s := string(key)
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return s[i+1:]
	}
	return s
}
