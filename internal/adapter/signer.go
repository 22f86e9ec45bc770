package adapter

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"
)

// SignRequest computes the telemetry feed signature: the hex HMAC-SHA256 of
// "METHOD PATH k1=v1&k2=v2" where the pairs are the X- headers, lowercased
// and sorted.
func SignRequest(method, path string, headers http.Header, secretKey string) string {
	var keys []string
	values := make(map[string]string)
	for k, v := range headers {
		lower := strings.ToLower(k)
		if !strings.HasPrefix(lower, "x-") || len(v) == 0 {
			continue
		}
		keys = append(keys, lower)
		values[lower] = v[0]
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + values[k]
	}
	content := strings.ToUpper(method) + " " + path + " " + strings.Join(pairs, "&")

	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(content))
	return hex.EncodeToString(mac.Sum(nil))
}
