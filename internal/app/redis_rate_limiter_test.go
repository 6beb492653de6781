package app

import "testing"

func TestDecodeQuotaReply(t *testing.T) {
	used, ttl, err := decodeQuotaReply([]interface{}{int64(3), int64(42000)})
	if err != nil || used != 3 || ttl != 42000 {
		t.Fatalf("decodeQuotaReply = (%d, %d, %v), want (3, 42000, nil)", used, ttl, err)
	}

	for _, bad := range []interface{}{
		nil,
		"OK",
		[]interface{}{int64(1)},
		[]interface{}{"1", int64(1000)},
		[]interface{}{int64(1), "1000"},
	} {
		if _, _, err := decodeQuotaReply(bad); err == nil {
			t.Errorf("decodeQuotaReply(%v) accepted a malformed reply", bad)
		}
	}
}
