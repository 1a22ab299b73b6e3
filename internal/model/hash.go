package model

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// DimensionsMD5 computes the stable hash of a dimension set. Keys are
// sorted so that map iteration order never changes the identity.
func DimensionsMD5(dims map[string]string) string {
	if len(dims) == 0 {
		return md5Hex("")
	}
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(dims[k])
	}
	return md5Hex(b.String())
}

// RecordID identifies one measurement of one sub-series at one timestamp.
func RecordID(strategyID, itemID int, dimsMD5 string, timestamp int64) string {
	return md5Hex(fmt.Sprintf("%d.%d.%s.%d", strategyID, itemID, dimsMD5, timestamp))
}

// DedupeMD5 identifies the alert a record belongs to.
func DedupeMD5(strategyID, itemID int, dimsMD5 string, level int) string {
	return md5Hex(fmt.Sprintf("%d.%d.%s.%d", strategyID, itemID, dimsMD5, level))
}

// AlertID is deterministic so that replaying ingress reproduces the same
// alert documents instead of minting duplicates.
func AlertID(dedupeMD5 string, firstAnomalyTime int64) string {
	return fmt.Sprintf("%d%s", firstAnomalyTime, md5Hex(dedupeMD5)[:16])
}

// ActionID is deterministic per (alert, signal, relation) for the same
// replay-safety reason.
func ActionID(alertID, signal string, relationID int) string {
	return md5Hex(fmt.Sprintf("%s.%s.%d", alertID, signal, relationID))
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
