// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"
)

// Record is one extracted entity. The engine interprets only the merge key
// and the indexed-date field; the payload stays opaque for downstream
// transformation.
type Record struct {
	Key       string
	IndexedAt time.Time // zero when the upstream record lacks the indexed field
	Payload   json.RawMessage
}
