package orders

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// DefaultOrderNoPrefix is prepended to every generated order number.
const DefaultOrderNoPrefix = "KB"

// NextOrderNo builds a human-readable order number:
// <prefix><YYYYMMDDHHMMSS><4 random digits>. Second-resolution time
// plus 10^4 suffixes can collide under burst load, so the DB keeps a
// unique constraint on order_no and creation regenerates on collision.
func NextOrderNo(prefix string) string {
	if prefix == "" {
		prefix = DefaultOrderNoPrefix
	}
	return fmt.Sprintf("%s%s%04d", prefix, time.Now().Format("20060102150405"), rand.IntN(10000))
}
