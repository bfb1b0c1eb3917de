package candidate

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const fingerprintVersion = "v1"

// Fingerprint 查询指纹，用于候选去重的索引列
// scope 去空白并转小写，query 保持原样（去重区分大小写）
func Fingerprint(query, scope string) string {
	scope = strings.ToLower(strings.TrimSpace(scope))
	h := sha256.New()
	h.Write([]byte(fingerprintVersion))
	h.Write([]byte{0})
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write([]byte(query))
	return hex.EncodeToString(h.Sum(nil))
}
