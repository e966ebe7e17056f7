package util

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
)

// GenRandomString returns a URL-safe, base64 encoded random string built
// from n bytes of crypto/rand.
func GenRandomString(n int) string {
	return base64.RawURLEncoding.EncodeToString(GenRandomBytes(n))
}

func GenRandomBytes(n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		panic(err)
	}
	return b
}

func JsonWrite(w http.ResponseWriter, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(v)
}
