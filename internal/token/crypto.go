package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"strings"
)

const credentialCryptoKeyEnv = "TW_CREDENTIALS_ENCRYPTION_KEY"
const credentialCryptoPrevKeyEnv = "TW_CREDENTIALS_ENCRYPTION_PREV_KEY"

type encryptedCredential struct {
	Enc   string `json:"enc"`
	Nonce string `json:"nonce"`
	Data  string `json:"data"`
}

// ProtectCredential encrypts a broker credential for storage. The field name
// binds the ciphertext as AEAD associated data, so a value cannot be replayed
// into a different column. Without a configured key the value passes through.
func ProtectCredential(field string, raw []byte) []byte {
	gcm := loadPrimaryGCM()
	if gcm == nil {
		return raw
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return raw
	}
	ct := gcm.Seal(nil, nonce, raw, aad(field))
	payload := encryptedCredential{
		Enc:   "aes-gcm-v1",
		Nonce: base64.StdEncoding.EncodeToString(nonce),
		Data:  base64.StdEncoding.EncodeToString(ct),
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return raw
	}
	return out
}

// RevealCredential decrypts a stored credential. Unencrypted legacy values
// and values sealed with the previous rotation key still resolve.
func RevealCredential(field string, raw []byte) []byte {
	if len(raw) == 0 {
		return raw
	}
	var payload encryptedCredential
	if err := json.Unmarshal(raw, &payload); err != nil {
		return raw
	}
	if payload.Enc != "aes-gcm-v1" || payload.Nonce == "" || payload.Data == "" {
		return raw
	}
	nonce, err := base64.StdEncoding.DecodeString(payload.Nonce)
	if err != nil {
		return raw
	}
	ct, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return raw
	}
	for _, gcm := range loadGCMs() {
		if pt, err := gcm.Open(nil, nonce, ct, aad(field)); err == nil {
			return pt
		}
	}
	return raw
}

func aad(field string) []byte {
	return []byte(strings.TrimSpace(strings.ToLower(field)))
}

func loadPrimaryGCM() cipher.AEAD {
	keyBytes := parseCryptoKey(strings.TrimSpace(os.Getenv(credentialCryptoKeyEnv)))
	if len(keyBytes) == 0 {
		return nil
	}
	return newGCM(keyBytes)
}

func loadGCMs() []cipher.AEAD {
	keys := []string{
		strings.TrimSpace(os.Getenv(credentialCryptoKeyEnv)),
		strings.TrimSpace(os.Getenv(credentialCryptoPrevKeyEnv)),
	}
	out := make([]cipher.AEAD, 0, 2)
	seen := map[string]struct{}{}
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keyBytes := parseCryptoKey(key)
		if len(keyBytes) == 0 {
			continue
		}
		if gcm := newGCM(keyBytes); gcm != nil {
			out = append(out, gcm)
		}
	}
	return out
}

func parseCryptoKey(k string) []byte {
	if strings.TrimSpace(k) == "" {
		return nil
	}
	// Prefer base64 key, fallback to raw bytes.
	keyBytes, err := base64.StdEncoding.DecodeString(k)
	if err != nil {
		keyBytes = []byte(k)
	}
	// Normalize key sizes accepted by AES.
	switch len(keyBytes) {
	case 16, 24, 32:
		// keep
	default:
		if len(keyBytes) < 16 {
			return nil
		}
		if len(keyBytes) < 24 {
			keyBytes = keyBytes[:16]
		} else if len(keyBytes) < 32 {
			keyBytes = keyBytes[:24]
		} else {
			keyBytes = keyBytes[:32]
		}
	}
	return keyBytes
}

func newGCM(keyBytes []byte) cipher.AEAD {
	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return nil
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil
	}
	return gcm
}
